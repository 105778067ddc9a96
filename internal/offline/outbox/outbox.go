// Package outbox records mutating requests durably so they can be sent later.
//
// Enqueueing never touches the network. Items stay in the queue partition,
// in creation order, until MarkSucceeded removes them or they are moved to
// the dead-letter partition.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/offsync/internal/offline/schema"
	"github.com/steveyegge/offsync/internal/offline/store"
)

// ErrItemNotFound is returned when an item ID is not in the partition consulted.
var ErrItemNotFound = errors.New("queue item not found")

// File is one file attached to a multipart request.
type File struct {
	// Key is the caller-chosen blob key the content is stored under.
	Key      string
	Content  []byte
	FileName string
}

// Queue is the outbox over a durable store.
type Queue struct {
	st     *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a queue backed by st.
// If logger is nil, log output is discarded.
func New(st *store.Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Queue{
		st:     st,
		logger: logger,
		now:    time.Now,
	}
}

// Store returns the underlying store.
func (q *Queue) Store() *store.Store {
	return q.st
}

// EnqueueJSON records a request with a JSON body.
//
// body may be nil (no body), a json.RawMessage or []byte holding JSON, or
// any value encoding/json can marshal.
func (q *Queue) EnqueueJSON(ctx context.Context, url, method string, body any, headers map[string]string) (*schema.QueueItem, error) {
	raw, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	item, err := q.newItem(schema.KindJSON, url, method, headers)
	if err != nil {
		return nil, err
	}
	item.Body = raw

	if err := q.put(ctx, item); err != nil {
		return nil, err
	}

	q.logger.Debug("enqueued request", "id", item.ID, "method", item.Method, "url", item.URL)
	return item, nil
}

// EnqueueMultipart stores each file's content in the blobs partition and then
// records a multipart request referencing them, in one transaction.
// An empty fileField means schema.DefaultFileField.
func (q *Queue) EnqueueMultipart(ctx context.Context, url, method string, files []File, fields, headers map[string]string, fileField string) (*schema.QueueItem, error) {
	if fileField == "" {
		fileField = schema.DefaultFileField
	}

	item, err := q.newItem(schema.KindMultipart, url, method, headers)
	if err != nil {
		return nil, err
	}
	item.Multipart = &schema.MultipartSpec{
		BlobKeys:  make([]string, 0, len(files)),
		FileNames: make([]string, 0, len(files)),
		FileField: fileField,
		Fields:    copyMap(fields),
	}
	for _, f := range files {
		item.Multipart.BlobKeys = append(item.Multipart.BlobKeys, f.Key)
		item.Multipart.FileNames = append(item.Multipart.FileNames, f.FileName)
	}

	if err := item.Validate(); err != nil {
		return nil, err
	}
	data, err := item.Marshal()
	if err != nil {
		return nil, err
	}

	err = q.st.Update(ctx, func(tx *store.Tx) error {
		// Blobs first: the item must never reference content that is not there.
		for _, f := range files {
			if err := tx.Put(store.PartitionBlobs, f.Key, f.Content); err != nil {
				return fmt.Errorf("failed to store blob %s: %w", f.Key, err)
			}
		}
		return tx.Put(store.PartitionQueue, item.ID, data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue multipart request: %w", err)
	}

	q.logger.Debug("enqueued multipart request",
		"id", item.ID, "method", item.Method, "url", item.URL, "files", len(files))
	return item, nil
}

// ListPending returns every queued item in creation order.
// Entries that cannot be decoded are logged and left in place.
func (q *Queue) ListPending(ctx context.Context) ([]*schema.QueueItem, error) {
	return q.listItems(ctx, store.PartitionQueue)
}

// Len returns the number of queued items.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.st.Count(ctx, store.PartitionQueue)
}

// Get returns one queued item.
func (q *Queue) Get(ctx context.Context, id string) (*schema.QueueItem, error) {
	return q.getItem(ctx, store.PartitionQueue, id)
}

// MarkSucceeded removes an item after a confirmed send.
// Marking an item that is already gone is not an error.
func (q *Queue) MarkSucceeded(ctx context.Context, id string) error {
	if err := q.st.Delete(ctx, store.PartitionQueue, id); err != nil {
		return fmt.Errorf("failed to mark %s succeeded: %w", id, err)
	}
	return nil
}

// MarkFailed increments the item's attempt count and records reason as its
// last error. It returns the updated item.
func (q *Queue) MarkFailed(ctx context.Context, id, reason string) (*schema.QueueItem, error) {
	if reason == "" {
		reason = "unknown error"
	}

	var updated *schema.QueueItem
	err := q.st.Update(ctx, func(tx *store.Tx) error {
		item, err := txGetItem(tx, store.PartitionQueue, id)
		if err != nil {
			return err
		}

		now := q.now().UTC()
		item.Attempts++
		item.LastError = reason
		item.LastAttemptAt = &now

		data, err := item.Marshal()
		if err != nil {
			return err
		}
		if err := tx.Put(store.PartitionQueue, id, data); err != nil {
			return err
		}
		updated = item
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark %s failed: %w", id, err)
	}
	return updated, nil
}

func (q *Queue) newItem(kind schema.Kind, url, method string, headers map[string]string) (*schema.QueueItem, error) {
	m, ok := schema.NormalizeMethod(method)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported method %q", schema.ErrInvalidItem, method)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate item id: %w", err)
	}

	return &schema.QueueItem{
		ID:             id.String(),
		IdempotencyKey: uuid.NewString(),
		Kind:           kind,
		URL:            url,
		Method:         m,
		Headers:        copyMap(headers),
		CreatedAt:      q.now().UTC(),
	}, nil
}

func (q *Queue) put(ctx context.Context, item *schema.QueueItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	data, err := item.Marshal()
	if err != nil {
		return err
	}
	if err := q.st.Put(ctx, store.PartitionQueue, item.ID, data); err != nil {
		return fmt.Errorf("failed to enqueue request: %w", err)
	}
	return nil
}

func (q *Queue) listItems(ctx context.Context, p store.Partition) ([]*schema.QueueItem, error) {
	entries, err := q.st.List(ctx, p)
	if err != nil {
		return nil, err
	}

	items := make([]*schema.QueueItem, 0, len(entries))
	for _, e := range entries {
		item, err := schema.DecodeItem(e.Value)
		if err != nil {
			q.logger.Warn("skipping unreadable item", "partition", p, "key", e.Key, "error", err)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (q *Queue) getItem(ctx context.Context, p store.Partition, id string) (*schema.QueueItem, error) {
	data, ok, err := q.st.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return schema.DecodeItem(data)
}

func txGetItem(tx *store.Tx, p store.Partition, id string) (*schema.QueueItem, error) {
	data, ok, err := tx.Get(p, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return schema.DecodeItem(data)
}

func encodeBody(body any) (json.RawMessage, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(b) > 0 && !json.Valid(b) {
			return nil, fmt.Errorf("%w: body is not valid JSON", schema.ErrInvalidItem)
		}
		return append(json.RawMessage(nil), b...), nil
	case []byte:
		if len(b) > 0 && !json.Valid(b) {
			return nil, fmt.Errorf("%w: body is not valid JSON", schema.ErrInvalidItem)
		}
		return append(json.RawMessage(nil), b...), nil
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}
	return data, nil
}

func copyMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
