package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/offsync/internal/offline/client"
	"github.com/steveyegge/offsync/internal/offline/outbox"
	"github.com/steveyegge/offsync/internal/offline/schema"
	"github.com/steveyegge/offsync/internal/offline/store"
	"github.com/steveyegge/offsync/internal/offline/sync"
	"github.com/steveyegge/offsync/internal/ui"
)

var enqueueCmd = &cobra.Command{
	Use:     "enqueue [request-file]",
	GroupID: "queue",
	Short:   "Queue a JSON request",
	Long: `Queue a mutating request in the outbox.

Describe the request either with flags:

  offsync enqueue --method POST --url /api/sales --data '{"sku":"A1"}'

or with a JSON/YAML request file (the same format the daemon inbox accepts):

  offsync enqueue sale.yaml

Use --data @file.json to read the body from a file. With --flush the queue
is flushed right away when the API is reachable.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		var req *schema.RequestFile
		if len(args) == 1 {
			r, err := schema.ReadRequestFile(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			req = r
		} else {
			r, err := requestFromFlags(cmd)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			req = r
		}

		st := openStore(ctx)
		defer st.Close()

		flush, _ := cmd.Flags().GetBool("flush")
		c := newClient(st, newChecker(), client.WithFlushAfterEnqueue(flush), client.WithProgress(printProgress))

		item, err := c.EnqueueDescriptor(ctx, req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Queued %s %s (%s)\n", ui.RenderPass("✓"), item.Method, item.URL, ui.RenderMuted(item.ID))
		printPending(ctx, c)
	},
}

var uploadCmd = &cobra.Command{
	Use:     "upload <url> <file>...",
	GroupID: "queue",
	Short:   "Queue a multipart file upload",
	Long: `Queue a multipart/form-data request that uploads one or more files.

File content is copied into the store now, so the originals may be moved or
deleted before the upload is sent.

  offsync upload /api/photos scan-0001.jpg --field album=receipts`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		method, _ := cmd.Flags().GetString("method")
		fileField, _ := cmd.Flags().GetString("file-field")
		fieldArgs, _ := cmd.Flags().GetStringArray("field")
		headerArgs, _ := cmd.Flags().GetStringArray("header")

		fields, err := parsePairs(fieldArgs, "=")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		headers, err := parseHeaders(headerArgs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		req := &schema.RequestFile{
			URL:       args[0],
			Method:    method,
			Headers:   headers,
			Fields:    fields,
			FileField: fileField,
		}
		for _, path := range args[1:] {
			req.Files = append(req.Files, schema.FileRef{Path: path, Name: filepath.Base(path)})
		}
		if err := req.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		st := openStore(ctx)
		defer st.Close()

		flush, _ := cmd.Flags().GetBool("flush")
		c := newClient(st, newChecker(), client.WithFlushAfterEnqueue(flush), client.WithProgress(printProgress))

		item, err := c.EnqueueDescriptor(ctx, req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Queued upload of %d file(s) to %s (%s)\n",
			ui.RenderPass("✓"), len(req.Files), item.URL, ui.RenderMuted(item.ID))
		printPending(ctx, c)
	},
}

var flushCmd = &cobra.Command{
	Use:     "flush",
	GroupID: "queue",
	Short:   "Send queued requests now",
	Long: `Send every pending request once, oldest first.

Failed requests stay queued with their attempt count and error. Requests
still inside their backoff window are skipped; --force is not needed for
those, they are simply retried by a later flush.

If network.probe_url is configured and the API is unreachable nothing is
sent unless --force is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		st := openStore(ctx)
		defer st.Close()

		checker := newChecker()
		force, _ := cmd.Flags().GetBool("force")
		if !force && !checker.Online(ctx) {
			fmt.Printf("%s API unreachable, nothing sent\n", ui.RenderWarn("⚠"))
			return
		}

		c := newClient(st, checker)
		res, err := c.FlushQueue(ctx, printProgress)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during flush: %v\n", err)
			os.Exit(1)
		}
		if res.Busy {
			fmt.Printf("%s Another flush is running\n", ui.RenderWarn("⚠"))
			return
		}

		fmt.Printf("\n%s Flush complete in %v\n", ui.RenderAccent("🔄"), res.Duration.Round(time.Millisecond))
		fmt.Printf("   Sent:          %d\n", res.Succeeded)
		fmt.Printf("   Failed:        %d\n", res.Failed)
		if res.Skipped > 0 {
			fmt.Printf("   Backing off:   %d\n", res.Skipped)
		}
		if res.DeadLettered > 0 {
			fmt.Printf("   Dead-lettered: %d\n", res.DeadLettered)
		}
		fmt.Printf("   Remaining:     %d\n", res.Remaining())

		if res.Failed > 0 {
			os.Exit(2)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "queue",
	Short:   "Show outbox and cache status",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		st := openStore(ctx)
		defer st.Close()

		stats, err := st.Stats(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading store: %v\n", err)
			os.Exit(1)
		}

		online := newChecker().Online(ctx)
		connectivity := ui.RenderPass("online")
		if !online {
			connectivity = ui.RenderFail("offline")
		}

		fmt.Printf("\n%s offsync status\n\n", ui.RenderAccent("📦"))
		fmt.Printf("   Store:        %s\n", st.Path())
		fmt.Printf("   API:          %s\n", connectivity)
		fmt.Printf("   Pending:      %d\n", stats[store.PartitionQueue])
		fmt.Printf("   Dead letters: %d\n", stats[store.PartitionDeadLetters])
		fmt.Printf("   Blobs:        %d\n", stats[store.PartitionBlobs])
		fmt.Printf("   Cached reads: %d\n", stats[store.PartitionCache])

		if holder, expires, ok, err := st.LeaseHolder(ctx, sync.DefaultLeaseName); err == nil && ok {
			fmt.Printf("   Flushing:     %s (lease until %s)\n", ui.RenderMuted(holder), expires.Format(time.TimeOnly))
		}

		q := outbox.New(st, logger)
		items, err := q.ListPending(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing queue: %v\n", err)
			os.Exit(1)
		}
		if len(items) > 0 {
			fmt.Println()
			fmt.Print(itemTable(items))
		}
		fmt.Println()
	},
}

func init() {
	enqueueCmd.Flags().String("url", "", "Request URL (absolute, or relative to base_url)")
	enqueueCmd.Flags().StringP("method", "X", "POST", "HTTP method: POST, PUT, PATCH or DELETE")
	enqueueCmd.Flags().StringP("data", "d", "", "JSON body, or @file to read it from a file")
	enqueueCmd.Flags().StringArrayP("header", "H", nil, "Extra header as 'Name: value' (repeatable)")
	enqueueCmd.Flags().Bool("flush", false, "Flush right away when online")

	uploadCmd.Flags().StringP("method", "X", "POST", "HTTP method")
	uploadCmd.Flags().String("file-field", schema.DefaultFileField, "Form field name for the files")
	uploadCmd.Flags().StringArrayP("field", "F", nil, "Extra form field as name=value (repeatable)")
	uploadCmd.Flags().StringArrayP("header", "H", nil, "Extra header as 'Name: value' (repeatable)")
	uploadCmd.Flags().Bool("flush", false, "Flush right away when online")

	flushCmd.Flags().Bool("force", false, "Flush even if the connectivity probe fails")

	rootCmd.AddCommand(enqueueCmd, uploadCmd, flushCmd, statusCmd)
}

// requestFromFlags builds a JSON request from enqueue's flags.
func requestFromFlags(cmd *cobra.Command) (*schema.RequestFile, error) {
	rawURL, _ := cmd.Flags().GetString("url")
	method, _ := cmd.Flags().GetString("method")
	data, _ := cmd.Flags().GetString("data")
	headerArgs, _ := cmd.Flags().GetStringArray("header")

	if rawURL == "" {
		return nil, fmt.Errorf("--url or a request file is required")
	}
	headers, err := parseHeaders(headerArgs)
	if err != nil {
		return nil, err
	}

	req := &schema.RequestFile{URL: rawURL, Method: method, Headers: headers}
	if data != "" {
		body, err := readBody(data)
		if err != nil {
			return nil, err
		}
		req.Body = body
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// readBody returns the JSON in data, or in the file it names with a leading @.
func readBody(data string) (json.RawMessage, error) {
	raw := []byte(data)
	if path, ok := strings.CutPrefix(data, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("body is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func printProgress(p sync.Progress) {
	switch {
	case p.Done:
		fmt.Printf("  %s %s\n", ui.RenderPass("✓"), p.ID)
	case p.DeadLettered:
		fmt.Printf("  %s %s %s (moved to dead letters after %d attempts)\n",
			ui.RenderFail("✗"), p.ID, ui.RenderMuted(errString(p.Err)), p.Attempts)
	default:
		fmt.Printf("  %s %s %s (attempt %d)\n",
			ui.RenderWarn("✗"), p.ID, ui.RenderMuted(errString(p.Err)), p.Attempts)
	}
}

func printPending(ctx context.Context, c *client.Client) {
	n, err := c.Queue().Len(ctx)
	if err != nil {
		return
	}
	fmt.Printf("   Pending: %d\n", n)
}

func itemTable(items []*schema.QueueItem) string {
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []string{
			it.ID,
			it.Method,
			ui.Truncate(it.URL, 48),
			fmt.Sprint(it.Attempts),
			ui.Truncate(it.LastError, 40),
		})
	}
	return ui.Table([]string{"ID", "METHOD", "URL", "ATTEMPTS", "LAST ERROR"}, rows)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
