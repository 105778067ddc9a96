package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/steveyegge/offsync/internal/ui"
)

var gcCmd = &cobra.Command{
	Use:     "gc",
	GroupID: "admin",
	Short:   "Delete orphaned uploads and stale cache entries",
	Long: `Delete uploaded file content that no queued or dead-lettered request
refers to, and cache entries not refreshed since a cutoff.

The cutoff defaults to cache.ttl ago. --before takes a date or a phrase:

  offsync gc --before "2 weeks ago"
  offsync gc --before 2024-01-31
  offsync gc --keep-cache`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		beforeText, _ := cmd.Flags().GetString("before")
		keepCache, _ := cmd.Flags().GetBool("keep-cache")

		var before time.Time
		switch {
		case keepCache:
		case beforeText != "":
			t, err := parseTime(beforeText, time.Now())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			before = t
		case cfg.Cache.TTL > 0:
			before = time.Now().Add(-cfg.Cache.TTL)
		}

		st := openStore(ctx)
		defer st.Close()

		stats, err := newClient(st, newChecker()).CollectGarbage(ctx, before)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error collecting garbage: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Garbage collected\n", ui.RenderPass("✓"))
		fmt.Printf("   Orphaned blobs: %d\n", stats.Blobs)
		if before.IsZero() {
			fmt.Printf("   Cache entries:  kept\n")
		} else {
			fmt.Printf("   Cache entries:  %d (not refreshed since %s)\n", stats.CacheEntries, before.Format(time.DateTime))
		}
	},
}

func init() {
	gcCmd.Flags().String("before", "", "Prune cache entries older than this (date or phrase like '3 days ago')")
	gcCmd.Flags().Bool("keep-cache", false, "Only delete orphaned blobs")
	rootCmd.AddCommand(gcCmd)
}

// parseTime accepts RFC 3339, a plain date, or a natural language phrase
// relative to now.
func parseTime(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	for _, layout := range []string{time.RFC3339, time.DateTime, time.DateOnly} {
		if t, err := time.ParseInLocation(layout, text, now.Location()); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q", text)
	}
	return r.Time, nil
}
