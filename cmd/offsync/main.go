// Command offsync queues HTTP writes while offline and replays them when the
// API is reachable again.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steveyegge/offsync/internal/config"
	"github.com/steveyegge/offsync/internal/logging"
	"github.com/steveyegge/offsync/internal/offline/client"
	"github.com/steveyegge/offsync/internal/offline/netstat"
	"github.com/steveyegge/offsync/internal/offline/store"
	"github.com/steveyegge/offsync/internal/offline/sync"
	"github.com/steveyegge/offsync/internal/ui"
)

// Set by the linker.
var (
	version = "dev"
	commit  = "none"
)

var (
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "offsync",
	Short: "Offline-tolerant request outbox and read cache",
	Long: `offsync keeps an application working without a network.

Reads go through a local cache that serves the last good response when the
API cannot be reached. Writes are queued in a durable outbox and replayed,
in order, once connectivity returns.

State lives in a single SQLite file (.offsync/offsync.db by default).`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		configPath, _ := cmd.Flags().GetString("config")

		v := viper.New()
		flags := cmd.Root().PersistentFlags()
		_ = v.BindPFlag("database", flags.Lookup("db"))
		_ = v.BindPFlag("base_url", flags.Lookup("base-url"))
		_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
		_ = v.BindPFlag("log.format", flags.Lookup("log-format"))

		loaded, err := config.Load(v, configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded

		noColor, _ := cmd.Flags().GetBool("no-color")
		if noColor {
			ui.DisableColor()
		}
		logger, logCloser = logging.New(logging.Options{
			Level:   cfg.Log.Level,
			Format:  cfg.Log.Format,
			File:    cfg.Log.File,
			NoColor: noColor || !ui.IsTerminal(os.Stderr),
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default: offsync.toml in ., .offsync/ or the user config dir)")
	flags.String("db", "", "Store file path")
	flags.String("base-url", "", "Base URL for relative request URLs")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: text or json")
	flags.Bool("no-color", false, "Disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "queue", Title: "Outbox:"},
		&cobra.Group{ID: "cache", Title: "Read cache:"},
		&cobra.Group{ID: "admin", Title: "Administration:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openStore opens the configured store or exits.
func openStore(ctx context.Context) *store.Store {
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store %s: %v\n", cfg.Database, err)
		os.Exit(1)
	}
	return st
}

// newChecker probes network.probe_url when set and otherwise assumes the
// API is reachable.
func newChecker() netstat.Checker {
	if cfg.Network.ProbeURL == "" {
		return netstat.NewStatic(true)
	}
	return &netstat.HTTPProbe{URL: cfg.Network.ProbeURL}
}

// newClient builds a client over st from the loaded config.
func newClient(st *store.Store, checker netstat.Checker, opts ...client.Option) *client.Client {
	policy := sync.RetryPolicy{
		MaxAttempts:     cfg.Sync.MaxAttempts,
		InitialInterval: cfg.Sync.BackoffInitial,
		MaxInterval:     cfg.Sync.BackoffMax,
		Multiplier:      cfg.Sync.BackoffMultiplier,
	}

	base := []client.Option{
		client.WithLogger(logger),
		client.WithChecker(checker),
		client.WithReadTimeout(cfg.Network.ReadTimeout),
		client.WithSyncOptions(
			sync.WithRetryPolicy(policy),
			sync.WithRequestTimeout(cfg.Sync.RequestTimeout),
			sync.WithLease(sync.DefaultLeaseName, cfg.Sync.LeaseTTL),
			sync.WithIdempotencyHeader(cfg.Sync.IdempotencyHeader),
			sync.WithAllowPartialMultipart(cfg.Sync.AllowPartialMultipart),
		),
	}
	if u := cfg.ParsedBaseURL(); u != nil {
		base = append(base, client.WithBaseURL(u))
	}
	return client.New(st, append(base, opts...)...)
}
