// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file is the Outbox Store: insertion inside the intake
// transaction, lease release, batch claims and outcome bookkeeping for the
// dispatcher.
//
// Claims are a single UPDATE over a bounded sub-select, so concurrent
// claimers never receive the same row: PostgreSQL skips rows locked by other
// claimers (FOR UPDATE SKIP LOCKED) and SQLite serialises writers per
// statement. The lease predicate is re-checked by the outer UPDATE.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/command-relay/internal/domain"
	"github.com/tbourn/command-relay/internal/retry"
)

// ErrStaleLease is returned when an outcome is recorded for a row that is no
// longer PENDING (another worker resolved it after this worker's lease
// expired).
var ErrStaleLease = errors.New("outbox record is no longer pending")

// leaseTime normalises timestamps used in lease comparisons. Microsecond
// precision matches PostgreSQL timestamps so equality checks hold on both
// drivers.
func leaseTime(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

// CreateOutboxRecord inserts rec. Call it with the transaction handle that
// writes the originating command.
func CreateOutboxRecord(ctx context.Context, db *gorm.DB, rec *domain.OutboxRecord) error {
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetOutboxRecord fetches a row by id, or ErrNotFound.
func GetOutboxRecord(ctx context.Context, db *gorm.DB, id string) (*domain.OutboxRecord, error) {
	var rec domain.OutboxRecord
	if err := db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// ReleaseExpiredLocks clears leases on PENDING rows locked before
// now-lockTimeout, making them claimable again. It returns the number of rows
// released.
func ReleaseExpiredLocks(ctx context.Context, db *gorm.DB, lockTimeout time.Duration, now time.Time) (int64, error) {
	now = leaseTime(now)
	res := db.WithContext(ctx).
		Model(&domain.OutboxRecord{}).
		Where("status = ? AND locked_at IS NOT NULL AND locked_at < ?", domain.OutboxPending, now.Add(-lockTimeout)).
		Updates(map[string]any{
			"locked_by":  nil,
			"locked_at":  nil,
			"updated_at": now,
		})
	return res.RowsAffected, res.Error
}

// RequeueDueFailures moves FAILED rows whose next_retry_at has elapsed back to
// PENDING.
func RequeueDueFailures(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	now = leaseTime(now)
	res := db.WithContext(ctx).
		Model(&domain.OutboxRecord{}).
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", domain.OutboxFailed, now).
		Updates(map[string]any{
			"status":        domain.OutboxPending,
			"next_retry_at": nil,
			"locked_by":     nil,
			"locked_at":     nil,
			"updated_at":    now,
		})
	return res.RowsAffected, res.Error
}

// CountPendingOutbox counts PENDING rows that are unlocked or whose lease is
// older than lockTimeout.
func CountPendingOutbox(ctx context.Context, db *gorm.DB, lockTimeout time.Duration, now time.Time) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.OutboxRecord{}).
		Where("status = ? AND (locked_at IS NULL OR locked_at < ?)", domain.OutboxPending, leaseTime(now).Add(-lockTimeout)).
		Count(&n).Error
	return n, err
}

// ClaimOutboxBatch leases up to batchSize claimable PENDING rows to workerID,
// oldest first, and returns them.
func ClaimOutboxBatch(ctx context.Context, db *gorm.DB, batchSize int, workerID string, lockTimeout time.Duration, now time.Time) ([]domain.OutboxRecord, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	now = leaseTime(now)
	cutoff := now.Add(-lockTimeout)

	claim := fmt.Sprintf(`UPDATE outbox SET locked_by = ?, locked_at = ?, updated_at = ?
WHERE id IN (
	SELECT id FROM outbox
	WHERE status = ? AND (locked_at IS NULL OR locked_at < ?)
	ORDER BY created_at, id
	LIMIT ?%s
) AND status = ? AND (locked_at IS NULL OR locked_at < ?)`, skipLocked(db))

	res := db.WithContext(ctx).Exec(claim,
		workerID, now, now,
		domain.OutboxPending, cutoff,
		batchSize,
		domain.OutboxPending, cutoff,
	)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	var out []domain.OutboxRecord
	err := db.WithContext(ctx).
		Where("locked_by = ? AND locked_at = ? AND status = ?", workerID, now, domain.OutboxPending).
		Order("created_at, id").
		Find(&out).Error
	return out, err
}

// heldBy narrows an update to rows still leased by workerID. An empty
// workerID matches any lease.
func heldBy(q *gorm.DB, workerID string) *gorm.DB {
	if workerID == "" {
		return q
	}
	return q.Where("locked_by = ?", workerID)
}

// MarkOutboxDelivered resolves a PENDING row leased by workerID as DELIVERED
// and clears its lease.
func MarkOutboxDelivered(ctx context.Context, db *gorm.DB, id, workerID string, now time.Time) error {
	q := db.WithContext(ctx).
		Model(&domain.OutboxRecord{}).
		Where("id = ? AND status = ?", id, domain.OutboxPending)
	res := heldBy(q, workerID).
		Updates(map[string]any{
			"status":        domain.OutboxDelivered,
			"next_retry_at": nil,
			"last_error":    nil,
			"locked_by":     nil,
			"locked_at":     nil,
			"updated_at":    leaseTime(now),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return missingOrStale(ctx, db, id)
	}
	return nil
}

// MarkOutboxFailed records a failed publish attempt.
//
// attemptCount is incremented. While attemptCount <= maxRetries the row
// becomes FAILED with next_retry_at = now + backoff.Delay(previous attempts);
// otherwise it becomes DLQ and next_retry_at is cleared. The lease is cleared
// in both cases. The update is conditional on the row still being PENDING,
// leased by workerID, with the attempt count that was read, so a concurrent
// resolution or a reclaimed lease yields ErrStaleLease.
func MarkOutboxFailed(ctx context.Context, db *gorm.DB, id, workerID, cause string, backoff retry.Backoff, maxRetries int, now time.Time) (*domain.OutboxRecord, error) {
	now = leaseTime(now)
	rec, err := GetOutboxRecord(ctx, db, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != domain.OutboxPending {
		return rec, ErrStaleLease
	}
	if workerID != "" && (rec.LockedBy == nil || *rec.LockedBy != workerID) {
		return rec, ErrStaleLease
	}

	attempt := rec.AttemptCount + 1
	status := domain.OutboxDLQ
	var next *time.Time
	if attempt <= maxRetries {
		status = domain.OutboxFailed
		at := now.Add(backoff.Delay(rec.AttemptCount))
		next = &at
	}

	q := db.WithContext(ctx).
		Model(&domain.OutboxRecord{}).
		Where("id = ? AND status = ? AND attempt_count = ?", id, domain.OutboxPending, rec.AttemptCount)
	res := heldBy(q, workerID).
		Updates(map[string]any{
			"status":        status,
			"attempt_count": attempt,
			"max_retries":   maxRetries,
			"next_retry_at": next,
			"last_error":    cause,
			"locked_by":     nil,
			"locked_at":     nil,
			"updated_at":    now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return rec, ErrStaleLease
	}

	rec.Status = status
	rec.AttemptCount = attempt
	rec.MaxRetries = maxRetries
	rec.NextRetryAt = next
	rec.LastError = &cause
	rec.LockedBy, rec.LockedAt = nil, nil
	rec.UpdatedAt = now
	return rec, nil
}

// ReleaseOutboxLease gives a claimed row back without recording an attempt.
func ReleaseOutboxLease(ctx context.Context, db *gorm.DB, id, workerID string, now time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.OutboxRecord{}).
		Where("id = ? AND locked_by = ? AND status = ?", id, workerID, domain.OutboxPending).
		Updates(map[string]any{
			"locked_by":  nil,
			"locked_at":  nil,
			"updated_at": leaseTime(now),
		}).Error
}

// ResetOutboxRecord puts a FAILED or DLQ row back to PENDING with a fresh
// retry budget. The lease, next_retry_at and last_error are cleared. It
// returns ErrNotFound when no row with id is FAILED or DLQ.
func ResetOutboxRecord(ctx context.Context, db *gorm.DB, id string, now time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.OutboxRecord{}).
		Where("id = ? AND status IN ?", id, []domain.OutboxStatus{domain.OutboxFailed, domain.OutboxDLQ}).
		Updates(map[string]any{
			"status":        domain.OutboxPending,
			"attempt_count": 0,
			"next_retry_at": nil,
			"last_error":    nil,
			"locked_by":     nil,
			"locked_at":     nil,
			"updated_at":    leaseTime(now),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func missingOrStale(ctx context.Context, db *gorm.DB, id string) error {
	if _, err := GetOutboxRecord(ctx, db, id); err != nil {
		return err
	}
	return ErrStaleLease
}
