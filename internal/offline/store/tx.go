package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a write transaction handed to the function passed to Store.Update.
// It must not be used after that function returns.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
	now time.Time
}

// Get returns the value stored under key within the transaction.
func (t *Tx) Get(p Partition, key string) ([]byte, bool, error) {
	return get(t.ctx, t.tx, p, key)
}

// Put stores value under key within the transaction.
func (t *Tx) Put(p Partition, key string, value []byte) error {
	return put(t.ctx, t.tx, p, key, value, t.now)
}

// Delete removes key within the transaction.
func (t *Tx) Delete(p Partition, key string) error {
	return del(t.ctx, t.tx, p, key)
}

// List returns every entry of the partition within the transaction.
func (t *Tx) List(p Partition) ([]Entry, error) {
	return list(t.ctx, t.tx, p)
}

// Keys returns the keys of the partition in insertion order without reading
// their values.
func (t *Tx) Keys(p Partition) ([]string, error) {
	return keys(t.ctx, t.tx, p)
}

func get(ctx context.Context, q querier, p Partition, key string) ([]byte, bool, error) {
	if err := p.validate(); err != nil {
		return nil, false, err
	}

	var value []byte
	query := fmt.Sprintf("SELECT value FROM %s WHERE key = ?", p)
	err := q.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s/%s: %w", p, key, err)
	}
	return value, true, nil
}

func put(ctx context.Context, q querier, p Partition, key string, value []byte, now time.Time) error {
	if err := p.validate(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}

	query := fmt.Sprintf(`
	INSERT INTO %s (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`, p)
	if _, err := q.ExecContext(ctx, query, key, value, formatTime(now)); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", p, key, err)
	}
	return nil
}

func del(ctx context.Context, q querier, p Partition, key string) error {
	if err := p.validate(); err != nil {
		return err
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE key = ?", p)
	if _, err := q.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", p, key, err)
	}
	return nil
}

func list(ctx context.Context, q querier, p Partition) ([]Entry, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT key, value, updated_at FROM %s ORDER BY seq ASC", p)
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", p, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var updatedAt string
		if err := rows.Scan(&e.Key, &e.Value, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s entry: %w", p, err)
		}
		e.UpdatedAt = parseTime(updatedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", p, err)
	}

	return entries, nil
}

func keys(ctx context.Context, q querier, p Partition) ([]string, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT key FROM %s ORDER BY seq ASC", p))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s keys: %w", p, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan %s key: %w", p, err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s keys: %w", p, err)
	}
	return out, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
