// Package schema defines the records persisted by the offline outbox.
//
// # Queue Items
//
// A QueueItem is one pending mutating HTTP request. It is stored as JSON in
// the store's queue partition, keyed by its ID:
//
//	{
//	  "id": "0192f0c6-5b1e-7c1a-9d0e-3f2a1b4c5d6e",
//	  "idempotency_key": "6f1c...",
//	  "kind": "json",
//	  "url": "https://api.example.com/api/tasks",
//	  "method": "POST",
//	  "created_at": "2026-01-10T07:36:29Z",
//	  "attempts": 0,
//	  "body": {"name": "Test"}
//	}
//
// An item carries exactly one payload shape. JSON items have Kind "json" and
// an optional Body. Multipart items have Kind "multipart" and a Multipart
// descriptor whose BlobKeys point at entries of the blobs partition.
//
// # Request Files
//
// RequestFile is the on-disk form of a request dropped into the daemon's
// inbox directory. Both YAML and JSON are accepted:
//
//	url: https://api.example.com/api/receipts
//	method: POST
//	file_field: file
//	files:
//	  - path: receipt.png
//	fields:
//	  store: "12"
//
// Relative file paths are resolved against the directory of the request file.
package schema
