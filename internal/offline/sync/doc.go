// Package sync drains the outbox against the network.
//
// Overview
//
// A Coordinator sends queued requests one at a time, in the order they were
// enqueued. Items that succeed are removed from the queue; items that fail
// stay queued with their attempt count incremented and the failure recorded.
// One item's failure never stops the rest of the pass.
//
//	queue partition (ordered)
//	     │  ListPending (snapshot)
//	     ▼
//	Coordinator ── build request ──► HTTP endpoint
//	     │                              │
//	     │◄──────── 2xx / error ────────┘
//	     ├── MarkSucceeded + release blobs
//	     └── MarkFailed (+ dead letter when exhausted)
//
// Requests
//
// JSON items are sent with Content-Type: application/json. Multipart items are
// rebuilt from the blobs partition under the item's file field, with the
// original file names and text fields, and carry the boundary content type the
// multipart writer assigns. Every request carries the item's idempotency key
// (header Idempotency-Key by default) so a receiver can drop duplicates of a
// request whose response was lost.
//
// A 2xx status is success. Any other status is a failure, treated the same as
// a transport error.
//
// Exclusion
//
// Flush takes a lease in the store before it sends anything. A second Flush,
// in this process or another one sharing the database, sees the lease and
// returns a result with Busy set instead of sending the same items twice. The
// lease is renewed before each item and expires on its own if the holder dies.
//
// Retry Policy
//
// The zero RetryPolicy retries every pending item on every flush. With an
// InitialInterval, items whose last failure is too recent are skipped, and the
// wait grows exponentially with the attempt count. With MaxAttempts, an item
// that fails that many times is moved to the dead-letter partition.
//
// Usage
//
//	q := outbox.New(st, logger)
//	c := sync.New(q,
//	    sync.WithLogger(logger),
//	    sync.WithRetryPolicy(sync.RetryPolicy{
//	        MaxAttempts:     50,
//	        InitialInterval: 2 * time.Second,
//	        MaxInterval:     5 * time.Minute,
//	    }),
//	)
//
//	res, err := c.Flush(ctx, func(p sync.Progress) {
//	    if !p.Done {
//	        log.Printf("%s failed: %v", p.ID, p.Err)
//	    }
//	})
package sync
