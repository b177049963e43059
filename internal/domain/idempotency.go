package domain

import (
	"time"

	"gorm.io/datatypes"
)

// IdempotencyStatus is the processing state of an IdempotencyRecord.
type IdempotencyStatus string

const (
	IdempotencyPending IdempotencyStatus = "PENDING"
	IdempotencyAcked   IdempotencyStatus = "ACKED"
	IdempotencyFailed  IdempotencyStatus = "FAILED"
)

// IdempotencyRecord tracks one logical unit of consumer-side work, keyed by
// (tenant_id, idempotency_key). It enables at-least-once delivery with
// at-most-once effects: a redelivered command whose record is ACKED is skipped,
// and FAILED records are resurrected by the retry worker while NextRetryAt is
// set.
//
// NextRetryAt is non-nil only when Status is FAILED and AttemptCount <
// MaxAttempts; a FAILED row without NextRetryAt is terminal.
type IdempotencyRecord struct {
	ID             string            `gorm:"type:TEXT NOT NULL;primaryKey" json:"id"`
	TenantID       string            `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_idem_tenant_key,priority:1" json:"tenant_id"`
	IdempotencyKey string            `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_idem_tenant_key,priority:2" json:"idempotency_key"`
	CommandType    string            `gorm:"type:TEXT NOT NULL" json:"command_type"`
	ResourceID     *string           `gorm:"type:TEXT" json:"resource_id,omitempty"`
	Status         IdempotencyStatus `gorm:"type:TEXT NOT NULL;index:idx_idem_retry,priority:1" json:"status"`
	Payload        datatypes.JSON    `json:"payload,omitempty"`
	Response       datatypes.JSON    `json:"response,omitempty"`
	EventID        *string           `gorm:"type:TEXT" json:"event_id,omitempty"`
	CorrelationID  *string           `gorm:"type:TEXT" json:"correlation_id,omitempty"`
	LastError      *string           `gorm:"type:TEXT" json:"last_error,omitempty"`
	AttemptCount   int               `gorm:"not null;default:0" json:"attempt_count"`
	MaxAttempts    int               `gorm:"not null;default:1" json:"max_attempts"`
	LastAttemptAt  *time.Time        `json:"last_attempt_at,omitempty"`
	NextRetryAt    *time.Time        `gorm:"index:idx_idem_retry,priority:2" json:"next_retry_at,omitempty"`
	LockedBy       *string           `gorm:"type:TEXT" json:"locked_by,omitempty"`
	LockedAt       *time.Time        `json:"locked_at,omitempty"`
	CreatedAt      time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"not null" json:"updated_at"`
}

// TableName implements the GORM tabler interface.
func (IdempotencyRecord) TableName() string { return "idempotency_records" }

// Terminal reports whether the record will never be retried automatically.
func (r IdempotencyRecord) Terminal() bool {
	switch r.Status {
	case IdempotencyAcked:
		return true
	case IdempotencyFailed:
		return r.NextRetryAt == nil
	default:
		return false
	}
}
