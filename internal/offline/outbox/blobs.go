package outbox

import (
	"context"
	"fmt"

	"github.com/steveyegge/offsync/internal/offline/schema"
	"github.com/steveyegge/offsync/internal/offline/store"
)

// Blob returns the content stored under a blob key.
func (q *Queue) Blob(ctx context.Context, key string) ([]byte, bool, error) {
	return q.st.Get(ctx, store.PartitionBlobs, key)
}

// ReleaseBlobs deletes the blobs of a finished multipart item that no other
// queued or dead-lettered item still references. It returns how many blobs
// were deleted.
func (q *Queue) ReleaseBlobs(ctx context.Context, item *schema.QueueItem) (int, error) {
	if item == nil || item.Multipart == nil || len(item.Multipart.BlobKeys) == 0 {
		return 0, nil
	}

	var n int
	err := q.st.Update(ctx, func(tx *store.Tx) error {
		var err error
		n, err = releaseBlobs(tx, item)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to release blobs of %s: %w", item.ID, err)
	}
	return n, nil
}

// SweepOrphanBlobs deletes every blob no queued or dead-lettered item
// references, such as content left behind by a crash. It returns how many
// blobs were deleted.
func (q *Queue) SweepOrphanBlobs(ctx context.Context) (int, error) {
	var n int
	err := q.st.Update(ctx, func(tx *store.Tx) error {
		n = 0
		refs, err := referencedBlobs(tx, "")
		if err != nil {
			return err
		}

		blobs, err := tx.Keys(store.PartitionBlobs)
		if err != nil {
			return err
		}
		for _, key := range blobs {
			if refs[key] {
				continue
			}
			if err := tx.Delete(store.PartitionBlobs, key); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to sweep orphan blobs: %w", err)
	}

	if n > 0 {
		q.logger.Info("swept orphan blobs", "count", n)
	}
	return n, nil
}

func releaseBlobs(tx *store.Tx, item *schema.QueueItem) (int, error) {
	if item.Multipart == nil {
		return 0, nil
	}

	refs, err := referencedBlobs(tx, item.ID)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, key := range item.Multipart.BlobKeys {
		if refs[key] {
			continue
		}
		if err := tx.Delete(store.PartitionBlobs, key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// referencedBlobs returns the blob keys used by every queued or dead-lettered
// item except the one with ID exclude.
func referencedBlobs(tx *store.Tx, exclude string) (map[string]bool, error) {
	refs := make(map[string]bool)
	for _, p := range []store.Partition{store.PartitionQueue, store.PartitionDeadLetters} {
		entries, err := tx.List(p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Key == exclude {
				continue
			}
			item, err := schema.DecodeItem(e.Value)
			if err != nil {
				// An unreadable item might reference anything.
				return nil, fmt.Errorf("cannot determine blob references: %s/%s: %w", p, e.Key, err)
			}
			if item.Multipart == nil {
				continue
			}
			for _, k := range item.Multipart.BlobKeys {
				refs[k] = true
			}
		}
	}
	return refs, nil
}
