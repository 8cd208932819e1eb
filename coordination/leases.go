package coordination

import (
	"context"
	"fmt"
	"time"
)

// DefaultLeaseDuration is used when a caller passes a non-positive TTL.
const DefaultLeaseDuration = 30 * time.Second

// Leases are time-bounded exclusive claims distinct from permanent claim
// ownership. They are arbitrated purely by owner-match conditional writes and
// sit outside the lock_version protocol: a lease mutation carries no expected
// version and does not bump the counter.

// AcquireTaskLease grants owner an exclusive lease on the task until now+ttl,
// succeeding only when no live lease exists. Returns false when another owner
// holds an unexpired lease.
func (s *Store) AcquireTaskLease(ctx context.Context, teamID, taskID, owner string, ttl time.Duration) (bool, error) {
	if owner == "" {
		return false, fmt.Errorf("lease owner required")
	}
	if ttl <= 0 {
		ttl = DefaultLeaseDuration
	}
	var acquired bool
	err := s.runWithRetry(ctx, func() error {
		now := time.Now().UTC()
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET lease_owner = ?, lease_expires_at = ?, updated_at = ?
			WHERE team_id = ? AND task_id = ?
			  AND (lease_owner IS NULL OR lease_owner = '' OR lease_expires_at <= ?);
		`, owner, now.Add(ttl), now, teamID, taskID, now)
		if err != nil {
			return fmt.Errorf("acquire lease: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("acquire lease rows affected: %w", err)
		}
		acquired = n == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	if !acquired {
		// Distinguish a held lease from a missing task.
		if _, err := s.GetTask(ctx, teamID, taskID); err != nil {
			return false, err
		}
	}
	return acquired, nil
}

// RenewTaskLease extends the lease to now+ttl if owner still holds it and it
// has not expired. Returns false otherwise.
func (s *Store) RenewTaskLease(ctx context.Context, teamID, taskID, owner string, ttl time.Duration) (bool, error) {
	if owner == "" {
		return false, nil
	}
	if ttl <= 0 {
		ttl = DefaultLeaseDuration
	}
	var renewed bool
	err := s.runWithRetry(ctx, func() error {
		now := time.Now().UTC()
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET lease_expires_at = ?, updated_at = ?
			WHERE team_id = ? AND task_id = ? AND lease_owner = ? AND lease_expires_at > ?;
		`, now.Add(ttl), now, teamID, taskID, owner, now)
		if err != nil {
			return fmt.Errorf("renew lease: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("renew lease rows affected: %w", err)
		}
		renewed = n == 1
		return nil
	})
	return renewed, err
}

// ReleaseTaskLease clears the lease if owner holds it. Releasing an already
// expired or foreign lease is a no-op and returns false.
func (s *Store) ReleaseTaskLease(ctx context.Context, teamID, taskID, owner string) (bool, error) {
	if owner == "" {
		return false, nil
	}
	var released bool
	err := s.runWithRetry(ctx, func() error {
		now := time.Now().UTC()
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE team_id = ? AND task_id = ? AND lease_owner = ?;
		`, now, teamID, taskID, owner)
		if err != nil {
			return fmt.Errorf("release lease: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("release lease rows affected: %w", err)
		}
		released = n == 1
		return nil
	})
	return released, err
}

// ExpireTaskLeases clears every expired lease in the team, making the tasks
// leasable again after a holder crashed without releasing. Returns the number
// of leases cleared.
func (s *Store) ExpireTaskLeases(ctx context.Context, teamID string) (int64, error) {
	var cleared int64
	err := s.runWithRetry(ctx, func() error {
		now := time.Now().UTC()
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE team_id = ? AND lease_owner IS NOT NULL AND lease_expires_at <= ?;
		`, now, teamID, now)
		if err != nil {
			return fmt.Errorf("expire leases: %w", err)
		}
		cleared, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("expire leases rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cleared, nil
}
