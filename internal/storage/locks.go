package storage

import (
	"context"
	"fmt"
)

// LockSpace partitions the advisory lock keyspace so aggregation and
// consistency passes for the same group can run concurrently while two
// passes of the same kind cannot.
type LockSpace int8

const (
	LockSpaceAggregation LockSpace = 1
	LockSpaceConsistency LockSpace = 2
)

// lockKey composes a 64-bit advisory lock key from the space and group id.
// Group ids above 2^56 would collide across spaces; sequence-assigned ids
// stay far below that.
func lockKey(space LockSpace, groupID int64) int64 {
	return int64(space)<<56 | (groupID & 0x00FFFFFFFFFFFFFF)
}

// WithTryLock runs fn while holding the (space, group) advisory lock, or
// returns acquired=false without running fn if another session holds it.
// This is the single-writer-per-group discipline: concurrent passes for the
// same group and space are skipped, not queued.
//
// The lock is session-scoped, so one pool connection is pinned for the
// duration of fn and the unlock is issued on that same connection.
func (db *DB) WithTryLock(ctx context.Context, space LockSpace, groupID int64, fn func(context.Context) error) (acquired bool, err error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: acquire lock connection: %w", err)
	}
	defer conn.Release()

	key := lockKey(space, groupID)
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		return false, fmt.Errorf("storage: try advisory lock: %w", err)
	}
	if !acquired {
		return false, nil
	}
	defer func() {
		// Unlock on the same session. Use a background context so a
		// canceled fn context cannot leak the lock until disconnect.
		if _, unlockErr := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, key); unlockErr != nil {
			db.logger.Warn("failed to release advisory lock", "key", key, "error", unlockErr)
		}
	}()

	return true, fn(ctx)
}
