// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Command
// read-model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only persistence
// and query composition.
//
// Error semantics:
//   - When a command is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - Unique violations on (tenant_id, idempotency_key) map to ErrDuplicate.
//   - Other DB errors are propagated unchanged.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/command-relay/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates a unique constraint violation.
var ErrDuplicate = errors.New("duplicate")

// isDuplicate recognises unique violations across drivers.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
	low := strings.ToLower(err.Error())
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key value")
}

// CreateCommand inserts a command read-model row.
func CreateCommand(ctx context.Context, db *gorm.DB, cmd *domain.Command) error {
	if err := db.WithContext(ctx).Create(cmd).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetCommand fetches a command by id, or ErrNotFound.
func GetCommand(ctx context.Context, db *gorm.DB, id string) (*domain.Command, error) {
	var c domain.Command
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// FindCommandByIdempotencyKey returns the command accepted earlier under
// (tenantID, key), or ErrNotFound.
func FindCommandByIdempotencyKey(ctx context.Context, db *gorm.DB, tenantID, key string) (*domain.Command, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrNotFound
	}
	var c domain.Command
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND idempotency_key = ?", tenantID, key).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CountCommands returns the number of commands accepted for a tenant.
func CountCommands(ctx context.Context, db *gorm.DB, tenantID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Command{}).
		Where("tenant_id = ?", tenantID).
		Count(&n).Error
	return n, err
}

// ListCommandsPage returns a page of a tenant's commands, newest first.
func ListCommandsPage(ctx context.Context, db *gorm.DB, tenantID string, offset, limit int) ([]domain.Command, error) {
	var out []domain.Command
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateCommandStatusByOutbox sets the status of the command owning outboxID.
// lastErr nil clears the stored error. Returns ErrNotFound if no command
// references the outbox row.
func UpdateCommandStatusByOutbox(ctx context.Context, db *gorm.DB, outboxID string, status domain.CommandStatus, lastErr *string, now time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Command{}).
		Where("outbox_id = ?", outboxID).
		Updates(map[string]any{
			"status":     status,
			"last_error": lastErr,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
