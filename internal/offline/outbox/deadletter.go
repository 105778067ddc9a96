package outbox

import (
	"context"
	"fmt"

	"github.com/steveyegge/offsync/internal/offline/schema"
	"github.com/steveyegge/offsync/internal/offline/store"
)

// MoveToDeadLetter moves a queued item to the dead-letter partition.
// Its blobs stay in place so the item can be requeued.
func (q *Queue) MoveToDeadLetter(ctx context.Context, id string) (*schema.QueueItem, error) {
	var moved *schema.QueueItem
	err := q.st.Update(ctx, func(tx *store.Tx) error {
		item, err := txGetItem(tx, store.PartitionQueue, id)
		if err != nil {
			return err
		}

		now := q.now().UTC()
		item.DeadLetteredAt = &now

		data, err := item.Marshal()
		if err != nil {
			return err
		}
		if err := tx.Put(store.PartitionDeadLetters, id, data); err != nil {
			return err
		}
		if err := tx.Delete(store.PartitionQueue, id); err != nil {
			return err
		}
		moved = item
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dead-letter %s: %w", id, err)
	}

	q.logger.Warn("item moved to dead letters",
		"id", id, "attempts", moved.Attempts, "last_error", moved.LastError)
	return moved, nil
}

// ListDeadLetters returns dead-lettered items, oldest first.
func (q *Queue) ListDeadLetters(ctx context.Context) ([]*schema.QueueItem, error) {
	return q.listItems(ctx, store.PartitionDeadLetters)
}

// GetDeadLetter returns one dead-lettered item.
func (q *Queue) GetDeadLetter(ctx context.Context, id string) (*schema.QueueItem, error) {
	return q.getItem(ctx, store.PartitionDeadLetters, id)
}

// Requeue moves a dead-lettered item back to the end of the queue with its
// attempt count reset. The last error is kept for reference.
func (q *Queue) Requeue(ctx context.Context, id string) (*schema.QueueItem, error) {
	var item *schema.QueueItem
	err := q.st.Update(ctx, func(tx *store.Tx) error {
		var err error
		item, err = txGetItem(tx, store.PartitionDeadLetters, id)
		if err != nil {
			return err
		}

		item.Attempts = 0
		item.LastAttemptAt = nil
		item.DeadLetteredAt = nil

		data, err := item.Marshal()
		if err != nil {
			return err
		}
		if err := tx.Put(store.PartitionQueue, id, data); err != nil {
			return err
		}
		return tx.Delete(store.PartitionDeadLetters, id)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to requeue %s: %w", id, err)
	}

	q.logger.Info("item requeued", "id", id)
	return item, nil
}

// PurgeDeadLetters deletes the given dead-lettered items, or all of them when
// no IDs are given, together with blobs nothing else references.
// It returns how many items were deleted.
func (q *Queue) PurgeDeadLetters(ctx context.Context, ids ...string) (int, error) {
	purged := 0
	err := q.st.Update(ctx, func(tx *store.Tx) error {
		purged = 0

		if len(ids) == 0 {
			entries, err := tx.List(store.PartitionDeadLetters)
			if err != nil {
				return err
			}
			for _, e := range entries {
				ids = append(ids, e.Key)
			}
		}

		var dropped []*schema.QueueItem
		for _, id := range ids {
			item, err := txGetItem(tx, store.PartitionDeadLetters, id)
			if err != nil {
				return err
			}
			if err := tx.Delete(store.PartitionDeadLetters, id); err != nil {
				return err
			}
			dropped = append(dropped, item)
			purged++
		}

		for _, item := range dropped {
			if _, err := releaseBlobs(tx, item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letters: %w", err)
	}

	if purged > 0 {
		q.logger.Info("purged dead letters", "count", purged)
	}
	return purged, nil
}
