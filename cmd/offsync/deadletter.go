package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/steveyegge/offsync/internal/offline/outbox"
	"github.com/steveyegge/offsync/internal/ui"
)

var deadLetterCmd = &cobra.Command{
	Use:     "deadletter",
	Aliases: []string{"dl"},
	GroupID: "queue",
	Short:   "Inspect and recover requests that ran out of retries",
	Long: `Requests that fail sync.max_attempts times are moved out of the queue
into dead letters so they stop delaying everything else. They are kept, with
their last error, until requeued or purged.`,
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered requests",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		st := openStore(ctx)
		defer st.Close()

		items, err := outbox.New(st, logger).ListDeadLetters(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing dead letters: %v\n", err)
			os.Exit(1)
		}
		if len(items) == 0 {
			fmt.Printf("%s No dead letters\n", ui.RenderPass("✓"))
			return
		}
		fmt.Print(itemTable(items))
	},
}

var deadLetterRequeueCmd = &cobra.Command{
	Use:   "requeue <id>... | --all",
	Short: "Move dead letters back to the end of the queue",
	Long: `Move dead letters back to the end of the queue with a fresh attempt
count. Their last error is kept for reference.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) > 0) {
			fmt.Fprintf(os.Stderr, "Error: give either ids or --all\n")
			os.Exit(1)
		}

		st := openStore(ctx)
		defer st.Close()
		q := outbox.New(st, logger)

		ids := args
		if all {
			items, err := q.ListDeadLetters(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error listing dead letters: %v\n", err)
				os.Exit(1)
			}
			for _, it := range items {
				ids = append(ids, it.ID)
			}
		}

		failed := false
		for _, id := range ids {
			if _, err := q.Requeue(ctx, id); err != nil {
				fmt.Fprintf(os.Stderr, "Error requeueing %s: %v\n", id, err)
				failed = true
				continue
			}
			fmt.Printf("%s Requeued %s\n", ui.RenderPass("✓"), id)
		}
		if failed {
			os.Exit(1)
		}
	},
}

var deadLetterPurgeCmd = &cobra.Command{
	Use:   "purge [id...]",
	Short: "Delete dead letters for good",
	Long: `Delete the given dead letters, or all of them when no ids are given,
along with any uploaded file content only they referenced.

Asks for confirmation on a terminal unless --yes is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		yes, _ := cmd.Flags().GetBool("yes")

		st := openStore(ctx)
		defer st.Close()
		q := outbox.New(st, logger)

		target := len(args)
		if target == 0 {
			items, err := q.ListDeadLetters(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error listing dead letters: %v\n", err)
				os.Exit(1)
			}
			target = len(items)
		}
		if target == 0 {
			fmt.Printf("%s No dead letters\n", ui.RenderPass("✓"))
			return
		}

		if !yes {
			if !ui.IsTerminal(os.Stdin) {
				fmt.Fprintf(os.Stderr, "Error: refusing to purge without --yes when not on a terminal\n")
				os.Exit(1)
			}
			confirmed := false
			form := huh.NewForm(huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("Delete %d dead letter(s)?", target)).
					Description("Purged requests cannot be recovered.").
					Affirmative("Delete").
					Negative("Cancel").
					Value(&confirmed),
			))
			if err := form.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if !confirmed {
				fmt.Println("Cancelled")
				return
			}
		}

		n, err := q.PurgeDeadLetters(ctx, args...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error purging dead letters: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Purged %d dead letter(s)\n", ui.RenderPass("✓"), n)
	},
}

func init() {
	deadLetterRequeueCmd.Flags().Bool("all", false, "Requeue every dead letter")
	deadLetterPurgeCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	deadLetterCmd.AddCommand(deadLetterListCmd, deadLetterRequeueCmd, deadLetterPurgeCmd)
	rootCmd.AddCommand(deadLetterCmd)
}
