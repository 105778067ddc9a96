package outbox

import (
	"context"
	"errors"
	"testing"
)

func TestDeadLetterLifecycle(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	item, err := q.EnqueueMultipart(ctx, "/api/upload", "POST",
		[]File{{Key: "img1", Content: []byte("png"), FileName: "a.png"}}, nil, nil, "")
	if err != nil {
		t.Fatalf("EnqueueMultipart() failed: %v", err)
	}
	if _, err := q.MarkFailed(ctx, item.ID, "HTTP 422"); err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}

	dead, err := q.MoveToDeadLetter(ctx, item.ID)
	if err != nil {
		t.Fatalf("MoveToDeadLetter() failed: %v", err)
	}
	if dead.DeadLetteredAt == nil {
		t.Error("DeadLetteredAt not set")
	}

	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("Len() = %d after dead-lettering, want 0", n)
	}
	letters, err := q.ListDeadLetters(ctx)
	if err != nil {
		t.Fatalf("ListDeadLetters() failed: %v", err)
	}
	if len(letters) != 1 || letters[0].ID != item.ID || letters[0].Attempts != 1 {
		t.Fatalf("ListDeadLetters() = %+v", letters)
	}

	// Blob is still referenced by the dead letter
	if n, err := q.SweepOrphanBlobs(ctx); err != nil || n != 0 {
		t.Errorf("SweepOrphanBlobs() = %d, %v; want 0, nil", n, err)
	}

	requeued, err := q.Requeue(ctx, item.ID)
	if err != nil {
		t.Fatalf("Requeue() failed: %v", err)
	}
	if requeued.Attempts != 0 || requeued.LastAttemptAt != nil || requeued.DeadLetteredAt != nil {
		t.Errorf("requeued item = %+v", requeued)
	}
	if requeued.LastError != "HTTP 422" {
		t.Errorf("LastError = %q, want kept", requeued.LastError)
	}
	if _, err := q.GetDeadLetter(ctx, item.ID); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("GetDeadLetter() after requeue error = %v, want ErrItemNotFound", err)
	}
	if _, err := q.Get(ctx, item.ID); err != nil {
		t.Errorf("Get() after requeue failed: %v", err)
	}
}

func TestRequeue_GoesToEnd(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first, _ := q.EnqueueJSON(ctx, "/api/a", "POST", nil, nil)
	second, _ := q.EnqueueJSON(ctx, "/api/b", "POST", nil, nil)

	if _, err := q.MoveToDeadLetter(ctx, first.ID); err != nil {
		t.Fatalf("MoveToDeadLetter() failed: %v", err)
	}
	if _, err := q.Requeue(ctx, first.ID); err != nil {
		t.Fatalf("Requeue() failed: %v", err)
	}

	pending, _ := q.ListPending(ctx)
	if len(pending) != 2 || pending[0].ID != second.ID || pending[1].ID != first.ID {
		t.Errorf("order after requeue = [%s %s], want [%s %s]",
			pending[0].ID, pending[1].ID, second.ID, first.ID)
	}
}

func TestMoveToDeadLetter_Missing(t *testing.T) {
	q, _ := newTestQueue(t)
	if _, err := q.MoveToDeadLetter(context.Background(), "nope"); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("MoveToDeadLetter() error = %v, want ErrItemNotFound", err)
	}
	if _, err := q.Requeue(context.Background(), "nope"); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("Requeue() error = %v, want ErrItemNotFound", err)
	}
}

func TestPurgeDeadLetters(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	a, _ := q.EnqueueMultipart(ctx, "/api/up", "POST",
		[]File{{Key: "a.bin", Content: []byte("a"), FileName: "a.bin"}}, nil, nil, "")
	b, _ := q.EnqueueMultipart(ctx, "/api/up", "POST",
		[]File{{Key: "b.bin", Content: []byte("b"), FileName: "b.bin"}}, nil, nil, "")
	c, _ := q.EnqueueJSON(ctx, "/api/x", "POST", nil, nil)

	for _, id := range []string{a.ID, b.ID, c.ID} {
		if _, err := q.MoveToDeadLetter(ctx, id); err != nil {
			t.Fatalf("MoveToDeadLetter(%s) failed: %v", id, err)
		}
	}

	n, err := q.PurgeDeadLetters(ctx, a.ID)
	if err != nil || n != 1 {
		t.Fatalf("PurgeDeadLetters(a) = %d, %v; want 1, nil", n, err)
	}
	if _, ok, _ := q.Blob(ctx, "a.bin"); ok {
		t.Error("blob of purged item survived")
	}
	if _, ok, _ := q.Blob(ctx, "b.bin"); !ok {
		t.Error("blob of remaining dead letter was deleted")
	}

	n, err = q.PurgeDeadLetters(ctx)
	if err != nil || n != 2 {
		t.Fatalf("PurgeDeadLetters() = %d, %v; want 2, nil", n, err)
	}
	letters, _ := q.ListDeadLetters(ctx)
	if len(letters) != 0 {
		t.Errorf("ListDeadLetters() = %d items after purge", len(letters))
	}

	if _, err := q.PurgeDeadLetters(ctx, "nope"); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("PurgeDeadLetters(missing) error = %v, want ErrItemNotFound", err)
	}
}
