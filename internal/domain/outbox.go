package domain

import (
	"time"

	"gorm.io/datatypes"
)

// OutboxStatus is the delivery state of an OutboxRecord.
//
// Allowed transitions: PENDING→DELIVERED, PENDING→FAILED, FAILED→PENDING (requeue
// once nextRetryAt elapsed) and FAILED→DLQ (retries exhausted).
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxDelivered OutboxStatus = "DELIVERED"
	OutboxFailed    OutboxStatus = "FAILED"
	OutboxDLQ       OutboxStatus = "DLQ"
)

// AggregateTypeCommand is the aggregate type of outbox rows written by intake.
const AggregateTypeCommand = "command"

// OutboxRecord is a durable queue row published by the dispatcher.
//
// LockedBy/LockedAt form the lease: a row is owned by LockedBy until LockedAt
// is older than the dispatcher's lock timeout. Both are cleared on every
// terminal or requeue transition.
type OutboxRecord struct {
	ID            string            `gorm:"type:TEXT NOT NULL;primaryKey" json:"id"`
	TenantID      string            `gorm:"type:TEXT NOT NULL;index" json:"tenant_id"`
	AggregateID   string            `gorm:"type:TEXT NOT NULL;index" json:"aggregate_id"`
	AggregateType string            `gorm:"type:TEXT NOT NULL" json:"aggregate_type"`
	EventType     string            `gorm:"type:TEXT NOT NULL" json:"event_type"`
	Topic         string            `gorm:"type:TEXT NOT NULL" json:"topic"`
	Payload       datatypes.JSON    `gorm:"not null" json:"payload"`
	Headers       map[string]string `gorm:"type:TEXT;serializer:json" json:"headers"`
	CorrelationID *string           `gorm:"type:TEXT" json:"correlation_id,omitempty"`
	PartitionKey  string            `gorm:"type:TEXT NOT NULL" json:"partition_key"`
	Status        OutboxStatus      `gorm:"type:TEXT NOT NULL;index:idx_outbox_claim,priority:1" json:"status"`
	AttemptCount  int               `gorm:"not null;default:0" json:"attempt_count"`
	MaxRetries    int               `gorm:"not null;default:0" json:"max_retries"`
	NextRetryAt   *time.Time        `gorm:"index" json:"next_retry_at,omitempty"`
	LastError     *string           `gorm:"type:TEXT" json:"last_error,omitempty"`
	LockedBy      *string           `gorm:"type:TEXT;index" json:"locked_by,omitempty"`
	LockedAt      *time.Time        `json:"locked_at,omitempty"`
	CreatedAt     time.Time         `gorm:"not null;index:idx_outbox_claim,priority:2" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"not null" json:"updated_at"`
}

// TableName implements the GORM tabler interface.
func (OutboxRecord) TableName() string { return "outbox" }

// Terminal reports whether no further dispatch will happen for the record.
func (r OutboxRecord) Terminal() bool {
	return r.Status == OutboxDelivered || r.Status == OutboxDLQ
}
