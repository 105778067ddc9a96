package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/steveyegge/offsync/internal/offline/daemon"
	"github.com/steveyegge/offsync/internal/offline/dashboard"
	"github.com/steveyegge/offsync/internal/offline/netstat"
	"github.com/steveyegge/offsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "admin",
	Short:   "Flush the outbox in the background",
	Long: `Run until interrupted, keeping the outbox moving:

  - flushes whenever connectivity comes back, and every daemon.flush_interval
    while online
  - enqueues request files dropped into daemon.inbox_dir
  - periodically deletes orphaned uploads and cache entries older than
    cache.ttl
  - serves a live dashboard, queue API and Prometheus metrics on
    dashboard.addr (disable with --no-dashboard)

Only one daemon can run per store.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signalContext()
		defer stop()

		inbox, _ := cmd.Flags().GetString("inbox")
		if inbox == "" {
			inbox = cfg.Daemon.InboxDir
		}
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Dashboard.Addr
		}
		noDashboard, _ := cmd.Flags().GetBool("no-dashboard")

		st := openStore(ctx)
		defer st.Close()

		monitor := netstat.NewMonitor(newChecker(), cfg.Network.PollInterval, logger.With("component", "netstat"))
		c := newClient(st, monitor)

		dcfg := &daemon.Config{
			InboxDir:         inbox,
			FlushInterval:    cfg.Daemon.FlushInterval,
			GCInterval:       cfg.Daemon.GCInterval,
			CacheTTL:         cfg.Cache.TTL,
			DebounceInterval: daemon.DefaultConfig().DebounceInterval,
			Logger:           logger.With("component", "daemon"),
		}

		if !noDashboard && addr != "" {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			server := dashboard.NewServer(&dashboard.Config{
				Addr:    addr,
				Queue:   c.Queue(),
				Metrics: dashboard.NewMetrics(reg),
				Logger:  logger.With("component", "dashboard"),
			})
			if err := server.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
				os.Exit(1)
			}
			defer server.Stop()

			handler := dashboard.NewHandler(server, c.Queue(), logger.With("component", "dashboard"))
			handler.RefreshStats(ctx)
			dcfg.Observer = handler

			fmt.Printf("%s Dashboard at http://%s\n", ui.RenderAccent("📊"), server.Addr())
		}

		d, err := daemon.NewWithConfig(c, monitor, dcfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Daemon running on %s (Ctrl+C to stop)\n", ui.RenderPass("✓"), st.Path())
		if inbox != "" {
			fmt.Printf("   Inbox: %s\n", inbox)
		}

		if err := d.Start(ctx); err != nil {
			if errors.Is(err, daemon.ErrAlreadyRunning) {
				fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderWarn("⚠"), err)
			} else {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			os.Exit(1)
		}
		fmt.Printf("%s Daemon stopped\n", ui.RenderPass("✓"))
	},
}

func init() {
	daemonCmd.Flags().String("inbox", "", "Inbox directory (default: daemon.inbox_dir)")
	daemonCmd.Flags().String("addr", "", "Dashboard listen address (default: dashboard.addr)")
	daemonCmd.Flags().Bool("no-dashboard", false, "Do not serve the dashboard")
	rootCmd.AddCommand(daemonCmd)
}
