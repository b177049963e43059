// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the Idempotency Ledger queries used by
// consumers to get at-most-once effects on top of at-least-once delivery, and
// by the ledger retry worker to resurrect failed work.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/command-relay/internal/domain"
	"github.com/tbourn/command-relay/internal/retry"
)

// ErrConcurrentUpdate is returned when a ledger row changed between read and
// conditional write.
var ErrConcurrentUpdate = errors.New("idempotency record changed concurrently")

// NewIdempotencyRecord carries the fields supplied at the first processing
// attempt. LockedBy, when set, leases the row to the processing worker so a
// crash is recovered by ReleaseExpiredIdempotencyLocks.
type NewIdempotencyRecord struct {
	TenantID       string
	IdempotencyKey string
	CommandType    string
	ResourceID     *string
	Payload        []byte
	CorrelationID  *string
	MaxAttempts    int
	LockedBy       string
}

// FindIdempotencyRecord returns the record for (tenantID, key) or ErrNotFound.
func FindIdempotencyRecord(ctx context.Context, db *gorm.DB, tenantID, key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND idempotency_key = ?", tenantID, key).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetIdempotencyRecord returns the record with the given id or ErrNotFound.
func GetIdempotencyRecord(ctx context.Context, db *gorm.DB, id string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	if err := db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreatePendingIdempotencyRecord inserts a PENDING record or, when
// (tenant, key) exists, resets it to PENDING.
//
// A reset clears response, event id, last error, next_retry_at and the lease.
// attempt_count is kept (it never decreases) and max_attempts is raised to
// attempt_count + in.MaxAttempts so the forced reprocess gets a full budget.
func CreatePendingIdempotencyRecord(ctx context.Context, db *gorm.DB, in NewIdempotencyRecord, now time.Time) (*domain.IdempotencyRecord, error) {
	rec := newPendingRecord(&in, now)
	now, payload, lockedBy, lockedAt := rec.CreatedAt, rec.Payload, rec.LockedBy, rec.LockedAt

	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "idempotency_key"}},
		DoUpdates: clause.Assignments(map[string]any{
			"status":         domain.IdempotencyPending,
			"command_type":   in.CommandType,
			"resource_id":    in.ResourceID,
			"payload":        payload,
			"correlation_id": in.CorrelationID,
			"response":       nil,
			"event_id":       nil,
			"last_error":     nil,
			"next_retry_at":  nil,
			"locked_by":      lockedBy,
			"locked_at":      lockedAt,
			"max_attempts":   gorm.Expr("idempotency_records.attempt_count + ?", in.MaxAttempts),
			"updated_at":     now,
		}),
	}).Create(&rec).Error
	if err != nil {
		return nil, err
	}
	return FindIdempotencyRecord(ctx, db, in.TenantID, in.IdempotencyKey)
}

// InsertPendingIdempotencyRecord inserts a PENDING record unless
// (tenant, key) already exists. It returns nil and no error when another
// writer got there first; the caller re-reads the row to see its state.
func InsertPendingIdempotencyRecord(ctx context.Context, db *gorm.DB, in NewIdempotencyRecord, now time.Time) (*domain.IdempotencyRecord, error) {
	rec := newPendingRecord(&in, now)
	res := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(&rec)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &rec, nil
}

// ClaimIdempotencyRecord leases a PENDING record that nobody holds, as left
// by a reset. It reports false when the row is leased or no longer PENDING.
func ClaimIdempotencyRecord(ctx context.Context, db *gorm.DB, id, workerID string, now time.Time) (bool, error) {
	now = leaseTime(now)
	res := db.WithContext(ctx).
		Model(&domain.IdempotencyRecord{}).
		Where("id = ? AND status = ? AND locked_by IS NULL", id, domain.IdempotencyPending).
		Updates(map[string]any{
			"locked_by":  workerID,
			"locked_at":  now,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func newPendingRecord(in *NewIdempotencyRecord, now time.Time) domain.IdempotencyRecord {
	if in.MaxAttempts < 1 {
		in.MaxAttempts = 1
	}
	now = leaseTime(now)

	var lockedBy *string
	var lockedAt *time.Time
	if in.LockedBy != "" {
		lockedBy, lockedAt = &in.LockedBy, &now
	}
	var payload datatypes.JSON
	if len(in.Payload) > 0 {
		payload = datatypes.JSON(in.Payload)
	}
	return domain.IdempotencyRecord{
		ID:             uuid.NewString(),
		TenantID:       in.TenantID,
		IdempotencyKey: in.IdempotencyKey,
		CommandType:    in.CommandType,
		ResourceID:     in.ResourceID,
		Status:         domain.IdempotencyPending,
		Payload:        payload,
		CorrelationID:  in.CorrelationID,
		MaxAttempts:    in.MaxAttempts,
		LockedBy:       lockedBy,
		LockedAt:       lockedAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// MarkIdempotencyRecordAcked stores the outcome of a successful attempt. The
// record becomes terminal and its retry fields are cleared.
func MarkIdempotencyRecordAcked(ctx context.Context, db *gorm.DB, id, eventID string, response []byte, now time.Time) error {
	now = leaseTime(now)
	var ev *string
	if eventID != "" {
		ev = &eventID
	}
	var resp datatypes.JSON
	if len(response) > 0 {
		resp = datatypes.JSON(response)
	}
	res := db.WithContext(ctx).
		Model(&domain.IdempotencyRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":          domain.IdempotencyAcked,
			"event_id":        ev,
			"response":        resp,
			"last_error":      nil,
			"next_retry_at":   nil,
			"locked_by":       nil,
			"locked_at":       nil,
			"last_attempt_at": now,
			"updated_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkIdempotencyRecordFailed records a failed attempt.
//
// attemptNumber = attempt_count+1 and the row is retried while attemptNumber <
// max_attempts, at now + backoff.Delay(attempt_count). Callers pass a Backoff
// with ExpCap 10 to get min(base·2^min(attempt_count,10), max). Without a
// retry the row is left FAILED with no next_retry_at, which is terminal.
func MarkIdempotencyRecordFailed(ctx context.Context, db *gorm.DB, id, cause string, backoff retry.Backoff, now time.Time) (*domain.IdempotencyRecord, error) {
	now = leaseTime(now)
	rec, err := GetIdempotencyRecord(ctx, db, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == domain.IdempotencyAcked {
		return rec, fmt.Errorf("%w: record already acked", ErrConcurrentUpdate)
	}

	attempt := rec.AttemptCount + 1
	var next *time.Time
	if attempt < rec.MaxAttempts {
		at := now.Add(backoff.Delay(rec.AttemptCount))
		next = &at
	}

	res := db.WithContext(ctx).
		Model(&domain.IdempotencyRecord{}).
		Where("id = ? AND attempt_count = ? AND status <> ?", id, rec.AttemptCount, domain.IdempotencyAcked).
		Updates(map[string]any{
			"status":          domain.IdempotencyFailed,
			"attempt_count":   attempt,
			"last_error":      cause,
			"last_attempt_at": now,
			"next_retry_at":   next,
			"locked_by":       nil,
			"locked_at":       nil,
			"updated_at":      now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return rec, ErrConcurrentUpdate
	}

	rec.Status = domain.IdempotencyFailed
	rec.AttemptCount = attempt
	rec.LastError = &cause
	rec.LastAttemptAt = &now
	rec.NextRetryAt = next
	rec.LockedBy, rec.LockedAt = nil, nil
	rec.UpdatedAt = now
	return rec, nil
}

// MarkIdempotencyRecordExhausted records a failed attempt that must not be
// retried. The row becomes terminally FAILED whatever budget is left.
func MarkIdempotencyRecordExhausted(ctx context.Context, db *gorm.DB, id, cause string, now time.Time) (*domain.IdempotencyRecord, error) {
	now = leaseTime(now)
	rec, err := GetIdempotencyRecord(ctx, db, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == domain.IdempotencyAcked {
		return rec, fmt.Errorf("%w: record already acked", ErrConcurrentUpdate)
	}

	res := db.WithContext(ctx).
		Model(&domain.IdempotencyRecord{}).
		Where("id = ? AND attempt_count = ? AND status <> ?", id, rec.AttemptCount, domain.IdempotencyAcked).
		Updates(map[string]any{
			"status":          domain.IdempotencyFailed,
			"attempt_count":   rec.AttemptCount + 1,
			"last_error":      cause,
			"last_attempt_at": now,
			"next_retry_at":   nil,
			"locked_by":       nil,
			"locked_at":       nil,
			"updated_at":      now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return rec, ErrConcurrentUpdate
	}

	rec.Status = domain.IdempotencyFailed
	rec.AttemptCount++
	rec.LastError = &cause
	rec.LastAttemptAt = &now
	rec.NextRetryAt = nil
	rec.LockedBy, rec.LockedAt = nil, nil
	rec.UpdatedAt = now
	return rec, nil
}

// ClaimRetryBatch leases up to limit FAILED rows whose next_retry_at elapsed
// and whose budget is not spent, flips them to PENDING and returns them.
func ClaimRetryBatch(ctx context.Context, db *gorm.DB, workerID string, limit int, now time.Time) ([]domain.IdempotencyRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	now = leaseTime(now)

	claim := fmt.Sprintf(`UPDATE idempotency_records SET status = ?, next_retry_at = NULL, locked_by = ?, locked_at = ?, updated_at = ?
WHERE id IN (
	SELECT id FROM idempotency_records
	WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ? AND attempt_count < max_attempts
	ORDER BY next_retry_at, id
	LIMIT ?%s
) AND status = ?`, skipLocked(db))

	res := db.WithContext(ctx).Exec(claim,
		domain.IdempotencyPending, workerID, now, now,
		domain.IdempotencyFailed, now,
		limit,
		domain.IdempotencyFailed,
	)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	var out []domain.IdempotencyRecord
	err := db.WithContext(ctx).
		Where("locked_by = ? AND locked_at = ? AND status = ?", workerID, now, domain.IdempotencyPending).
		Order("created_at, id").
		Find(&out).Error
	return out, err
}

// ReleaseExpiredIdempotencyLocks returns PENDING rows leased before
// now-lockTimeout to FAILED. Rows with budget left are due immediately; the
// others become terminal.
func ReleaseExpiredIdempotencyLocks(ctx context.Context, db *gorm.DB, lockTimeout time.Duration, now time.Time) (int64, error) {
	now = leaseTime(now)
	cutoff := now.Add(-lockTimeout)
	stale := "status = ? AND locked_at IS NOT NULL AND locked_at < ?"

	var total int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.IdempotencyRecord{}).
			Where(stale+" AND attempt_count < max_attempts", domain.IdempotencyPending, cutoff).
			Updates(map[string]any{
				"status":        domain.IdempotencyFailed,
				"last_error":    "lease expired",
				"next_retry_at": now,
				"locked_by":     nil,
				"locked_at":     nil,
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected

		res = tx.Model(&domain.IdempotencyRecord{}).
			Where(stale+" AND attempt_count >= max_attempts", domain.IdempotencyPending, cutoff).
			Updates(map[string]any{
				"status":        domain.IdempotencyFailed,
				"last_error":    "lease expired",
				"next_retry_at": nil,
				"locked_by":     nil,
				"locked_at":     nil,
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected
		return nil
	})
	return total, err
}
