// Package daemon keeps an offline outbox moving in the background.
//
// # Architecture
//
// The daemon ties together the pieces that a foreground application would
// otherwise have to drive itself:
//
//   - Monitor: polls connectivity; every restoration triggers a flush
//   - Flush loop: drains the outbox on trigger and on FlushInterval ticks
//     while online; triggers that arrive during a flush collapse into one
//   - InboxWatcher: fsnotify on an inbox directory of request descriptors
//   - GC loop: sweeps orphan blobs and prunes stale cache entries
//
// Only one daemon may run per store. Start takes an exclusive lock on
// "<store path>.lock" and fails with ErrAlreadyRunning if it is held. Flushes
// started by other processes are still kept apart by the store's flush lease.
//
// # Inbox
//
// Any process that can write a file can queue a request. Drop a JSON or
// YAML descriptor into the inbox:
//
//	url: /api/sales
//	method: POST
//	body:
//	  sku: A1
//	  qty: 2
//
// or, for an upload:
//
//	url: /api/photos
//	method: POST
//	fields:
//	  album: receipts
//	files:
//	  - path: scan-0001.jpg
//
// Relative file paths resolve against the inbox. Once a file has been quiet
// for DebounceInterval it is enqueued and deleted. Files that cannot be
// enqueued are renamed with a ".rejected" suffix and left for inspection.
//
// # Usage
//
//	monitor := netstat.NewMonitor(&netstat.HTTPProbe{URL: probeURL}, 15*time.Second, logger)
//	c := client.New(st, client.WithChecker(monitor))
//
//	cfg := daemon.DefaultConfig()
//	cfg.InboxDir = ".offsync/inbox"
//	cfg.Observer = dashboard.NewHandler(server, c.Queue(), logger)
//
//	d, err := daemon.NewWithConfig(c, monitor, cfg)
//	if err != nil {
//	    return err
//	}
//	return d.Start(ctx) // blocks until ctx is canceled
package daemon
