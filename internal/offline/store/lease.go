package store

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease tries to take the named lease for holder until now+ttl.
//
// It succeeds when the lease is free, expired, or already held by holder
// (which extends it). It returns false, without error, when another holder
// has a live lease.
func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	conn, err := s.db(ctx)
	if err != nil {
		return false, err
	}

	now := time.Now()
	query := `
	INSERT INTO leases (name, holder, expires_at) VALUES (?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		holder = excluded.holder,
		expires_at = excluded.expires_at
	WHERE leases.expires_at <= ? OR leases.holder = excluded.holder
	`
	res, err := conn.ExecContext(ctx, query, name, holder, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	return n == 1, nil
}

// RenewLease pushes the expiry of a lease held by holder to now+ttl.
// It returns ErrLeaseLost if holder no longer owns the lease.
func (s *Store) RenewLease(ctx context.Context, name, holder string, ttl time.Duration) error {
	conn, err := s.db(ctx)
	if err != nil {
		return err
	}

	res, err := conn.ExecContext(ctx,
		`UPDATE leases SET expires_at = ? WHERE name = ? AND holder = ?`,
		time.Now().Add(ttl).UnixNano(), name, holder)
	if err != nil {
		return fmt.Errorf("failed to renew lease %s: %w", name, err)
	}

	n, _ := res.RowsAffected()
	if n != 1 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, name)
	}
	return nil
}

// ReleaseLease drops the lease if holder owns it. Releasing a lease held by
// someone else, or not held at all, is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	conn, err := s.db(ctx)
	if err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}

// LeaseHolder reports the current live holder of the named lease, if any.
func (s *Store) LeaseHolder(ctx context.Context, name string) (holder string, expiresAt time.Time, ok bool, err error) {
	conn, err := s.db(ctx)
	if err != nil {
		return "", time.Time{}, false, err
	}

	var exp int64
	row := conn.QueryRowContext(ctx,
		`SELECT holder, expires_at FROM leases WHERE name = ? AND expires_at > ?`,
		name, time.Now().UnixNano())
	if err := row.Scan(&holder, &exp); err != nil {
		if isNoRows(err) {
			return "", time.Time{}, false, nil
		}
		return "", time.Time{}, false, fmt.Errorf("failed to read lease %s: %w", name, err)
	}
	return holder, time.Unix(0, exp), true, nil
}
