package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/steveyegge/offsync/internal/offline/store"
)

// Set stores value under key as JSON. json.RawMessage and []byte values are
// stored as given and must already be JSON.
func (c *Cache) Set(ctx context.Context, key string, value any) error {
	var data []byte
	switch v := value.(type) {
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		var err error
		data, err = json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", key, err)
		}
	}
	if !json.Valid(data) {
		return fmt.Errorf("%w: value for %s", ErrNotJSON, key)
	}
	return c.st.Put(ctx, store.PartitionCache, key, data)
}

// Get returns the JSON stored under key. A missing key is (nil, false, nil).
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	data, ok, err := c.st.Get(ctx, store.PartitionCache, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	return data, true, nil
}

// GetInto decodes the value stored under key into v and reports whether
// there was one.
func (c *Cache) GetInto(ctx context.Context, key string, v any) (bool, error) {
	data, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.st.Delete(ctx, store.PartitionCache, key)
}

// Prune removes entries not refreshed since before and returns how many.
func (c *Cache) Prune(ctx context.Context, before time.Time) (int64, error) {
	n, err := c.st.PruneBefore(ctx, store.PartitionCache, before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Info("pruned cache entries", "count", n, "before", before)
	}
	return n, nil
}
