package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/offsync/internal/offline/schema"
	"github.com/steveyegge/offsync/internal/offline/store"
)

func newTestQueue(t *testing.T) (*Queue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offsync.db")
	st := store.New(path)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, nil), path
}

func TestEnqueueJSON(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	item, err := q.EnqueueJSON(ctx, "/api/tasks", "post", map[string]string{"name": "Test"}, map[string]string{"X-Trace": "abc"})
	if err != nil {
		t.Fatalf("EnqueueJSON() failed: %v", err)
	}

	if item.Method != "POST" {
		t.Errorf("Method = %q, want POST", item.Method)
	}
	if item.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", item.Attempts)
	}
	if item.ID == "" || item.IdempotencyKey == "" {
		t.Errorf("ID = %q, IdempotencyKey = %q; both must be set", item.ID, item.IdempotencyKey)
	}
	if string(item.Body) != `{"name":"Test"}` {
		t.Errorf("Body = %s", item.Body)
	}

	pending, err := q.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending() failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("ListPending() returned %d items, want 1", len(pending))
	}
	if pending[0].ID != item.ID || pending[0].Attempts != 0 {
		t.Errorf("pending[0] = %+v", pending[0])
	}
	if pending[0].Headers["X-Trace"] != "abc" {
		t.Errorf("Headers = %v", pending[0].Headers)
	}
}

func TestEnqueueJSON_BodyForms(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	tests := []struct {
		name string
		body any
		want string
	}{
		{"nil", nil, ""},
		{"raw message", json.RawMessage(`{"a":1}`), `{"a":1}`},
		{"bytes", []byte(`[1,2]`), `[1,2]`},
		{"struct", struct {
			Qty int `json:"qty"`
		}{3}, `{"qty":3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, err := q.EnqueueJSON(ctx, "/api/x", "PATCH", tt.body, nil)
			if err != nil {
				t.Fatalf("EnqueueJSON() failed: %v", err)
			}
			if string(item.Body) != tt.want {
				t.Errorf("Body = %q, want %q", item.Body, tt.want)
			}
		})
	}
}

func TestEnqueueJSON_Invalid(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.EnqueueJSON(ctx, "/api/x", "GET", nil, nil); !errors.Is(err, schema.ErrInvalidItem) {
		t.Errorf("GET error = %v, want ErrInvalidItem", err)
	}
	if _, err := q.EnqueueJSON(ctx, "", "POST", nil, nil); !errors.Is(err, schema.ErrInvalidItem) {
		t.Errorf("empty url error = %v, want ErrInvalidItem", err)
	}
	if _, err := q.EnqueueJSON(ctx, "/api/x", "POST", json.RawMessage(`{broken`), nil); !errors.Is(err, schema.ErrInvalidItem) {
		t.Errorf("bad raw body error = %v, want ErrInvalidItem", err)
	}
	if _, err := q.EnqueueJSON(ctx, "/api/x", "POST", make(chan int), nil); err == nil {
		t.Error("unencodable body expected error")
	}

	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("Len() = %d after rejected enqueues, want 0", n)
	}
}

func TestEnqueueMultipart(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	content := bytes.Repeat([]byte{0xAB}, 100)
	files := []File{{Key: "img1", Content: content, FileName: "photo.png"}}

	item, err := q.EnqueueMultipart(ctx, "/api/upload", "POST", files, map[string]string{"note": "hi"}, nil, "")
	if err != nil {
		t.Fatalf("EnqueueMultipart() failed: %v", err)
	}

	if item.Kind != schema.KindMultipart || item.Body != nil {
		t.Errorf("Kind = %q, Body = %q", item.Kind, item.Body)
	}
	if item.Multipart.FileField != "file" {
		t.Errorf("FileField = %q, want default 'file'", item.Multipart.FileField)
	}
	if len(item.Multipart.BlobKeys) != 1 || item.Multipart.BlobKeys[0] != "img1" {
		t.Errorf("BlobKeys = %v", item.Multipart.BlobKeys)
	}
	if item.Multipart.FileNames[0] != "photo.png" {
		t.Errorf("FileNames = %v", item.Multipart.FileNames)
	}

	blob, ok, err := q.Blob(ctx, "img1")
	if err != nil || !ok {
		t.Fatalf("Blob() = ok %v, err %v", ok, err)
	}
	if !bytes.Equal(blob, content) {
		t.Errorf("Blob() returned %d bytes, want 100", len(blob))
	}
}

func TestEnqueueMultipart_InvalidWritesNothing(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	files := []File{
		{Key: "dup", Content: []byte("a"), FileName: "a.txt"},
		{Key: "dup", Content: []byte("b"), FileName: "b.txt"},
	}
	if _, err := q.EnqueueMultipart(ctx, "/api/upload", "POST", files, nil, nil, "file"); !errors.Is(err, schema.ErrInvalidItem) {
		t.Fatalf("EnqueueMultipart() error = %v, want ErrInvalidItem", err)
	}

	if _, ok, _ := q.Blob(ctx, "dup"); ok {
		t.Error("blob written for rejected item")
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
}

func TestListPending_CreationOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		var item *schema.QueueItem
		var err error
		if i%2 == 0 {
			item, err = q.EnqueueJSON(ctx, "/api/x", "POST", map[string]int{"i": i}, nil)
		} else {
			item, err = q.EnqueueMultipart(ctx, "/api/up", "PUT",
				[]File{{Key: "blob-" + string(rune('a'+i)), Content: []byte{byte(i)}, FileName: "f.bin"}}, nil, nil, "")
		}
		if err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
		ids = append(ids, item.ID)
	}

	// Failing an item rewrites it but must not move it
	if _, err := q.MarkFailed(ctx, ids[0], "HTTP 500"); err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}

	pending, err := q.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending() failed: %v", err)
	}
	if len(pending) != len(ids) {
		t.Fatalf("ListPending() returned %d items, want %d", len(pending), len(ids))
	}
	for i, item := range pending {
		if item.ID != ids[i] {
			t.Errorf("pending[%d] = %s, want %s", i, item.ID, ids[i])
		}
	}
}

func TestDurableAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsync.db")
	ctx := context.Background()

	st1 := store.New(path)
	q1 := New(st1, nil)
	j, err := q1.EnqueueJSON(ctx, "/api/tasks", "POST", map[string]string{"name": "Test"}, nil)
	if err != nil {
		t.Fatalf("EnqueueJSON() failed: %v", err)
	}
	m, err := q1.EnqueueMultipart(ctx, "/api/upload", "POST",
		[]File{{Key: "img1", Content: []byte("png"), FileName: "a.png"}}, nil, nil, "")
	if err != nil {
		t.Fatalf("EnqueueMultipart() failed: %v", err)
	}
	if err := st1.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	st2 := store.New(path)
	defer st2.Close()
	q2 := New(st2, nil)

	pending, err := q2.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending() after restart failed: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != j.ID || pending[1].ID != m.ID {
		t.Fatalf("ListPending() after restart = %v", pending)
	}
	if _, ok, _ := q2.Blob(ctx, "img1"); !ok {
		t.Error("blob lost across restart")
	}
}

func TestMarkSucceeded(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	item, _ := q.EnqueueJSON(ctx, "/api/x", "DELETE", nil, nil)
	if err := q.MarkSucceeded(ctx, item.ID); err != nil {
		t.Fatalf("MarkSucceeded() failed: %v", err)
	}
	if _, err := q.Get(ctx, item.ID); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("Get() after success error = %v, want ErrItemNotFound", err)
	}

	// Idempotent
	if err := q.MarkSucceeded(ctx, item.ID); err != nil {
		t.Errorf("second MarkSucceeded() failed: %v", err)
	}
}

func TestMarkFailed(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return fixed }

	item, _ := q.EnqueueJSON(ctx, "/api/x", "POST", nil, nil)

	updated, err := q.MarkFailed(ctx, item.ID, "HTTP 503")
	if err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}
	if updated.Attempts != 1 || updated.LastError != "HTTP 503" {
		t.Errorf("after first failure: attempts=%d error=%q", updated.Attempts, updated.LastError)
	}
	if updated.LastAttemptAt == nil || !updated.LastAttemptAt.Equal(fixed) {
		t.Errorf("LastAttemptAt = %v, want %v", updated.LastAttemptAt, fixed)
	}

	if _, err := q.MarkFailed(ctx, item.ID, ""); err != nil {
		t.Fatalf("second MarkFailed() failed: %v", err)
	}
	got, err := q.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", got.Attempts)
	}
	if got.LastError == "" {
		t.Error("LastError is empty after failure without reason")
	}
	if got.IdempotencyKey != item.IdempotencyKey {
		t.Error("IdempotencyKey changed across failures")
	}

	if _, err := q.MarkFailed(ctx, "missing", "x"); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("MarkFailed(missing) error = %v, want ErrItemNotFound", err)
	}
}

func TestListPending_SkipsCorruptEntries(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	good, _ := q.EnqueueJSON(ctx, "/api/x", "POST", nil, nil)
	if err := q.Store().Put(ctx, store.PartitionQueue, "corrupt", []byte("{not json")); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	pending, err := q.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending() failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != good.ID {
		t.Errorf("ListPending() = %v, want only the readable item", pending)
	}

	// The corrupt entry is not dropped
	if n, _ := q.Len(ctx); n != 2 {
		t.Errorf("Len() = %d, want 2", n)
	}
}
