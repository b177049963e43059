// Package domain defines the core persistence models and wire types of the
// command-delivery pipeline. The GORM models are shared across the repository
// and service layers; the wire types (Envelope, DLQPayload) travel through the
// broker.
package domain

import "time"

// CommandStatus is the lifecycle state of the command read-model.
type CommandStatus string

const (
	CommandAccepted  CommandStatus = "ACCEPTED"
	CommandPublished CommandStatus = "PUBLISHED"
	CommandFailed    CommandStatus = "FAILED"
	CommandDLQ       CommandStatus = "DLQ"
)

// Command is the read-model row written at intake, in the same transaction as
// its OutboxRecord. Status follows the outbox record it points to.
type Command struct {
	ID             string        `gorm:"type:TEXT NOT NULL;primaryKey" json:"id"`
	TenantID       string        `gorm:"type:TEXT NOT NULL;index:idx_tenant_commands,priority:1;uniqueIndex:ux_command_tenant_key,priority:1" json:"tenant_id"`
	CommandName    string        `gorm:"type:TEXT NOT NULL" json:"command_name"`
	Status         CommandStatus `gorm:"type:TEXT NOT NULL;index" json:"status"`
	TargetService  string        `gorm:"type:TEXT NOT NULL" json:"target_service"`
	TargetTopic    string        `gorm:"type:TEXT NOT NULL" json:"target_topic"`
	RouteSource    string        `gorm:"type:TEXT NOT NULL" json:"route_source"`
	RequestID      string        `gorm:"type:TEXT NOT NULL" json:"request_id"`
	CorrelationID  *string       `gorm:"type:TEXT" json:"correlation_id,omitempty"`
	Initiator      *string       `gorm:"type:TEXT" json:"initiator,omitempty"`
	IdempotencyKey *string       `gorm:"type:TEXT;uniqueIndex:ux_command_tenant_key,priority:2" json:"idempotency_key,omitempty"`
	PayloadHash    string        `gorm:"type:TEXT NOT NULL" json:"payload_hash"`
	OutboxID       string        `gorm:"type:TEXT NOT NULL;uniqueIndex" json:"outbox_id"`
	LastError      *string       `gorm:"type:TEXT" json:"last_error,omitempty"`
	IssuedAt       time.Time     `gorm:"not null" json:"issued_at"`
	CreatedAt      time.Time     `gorm:"not null;index:idx_tenant_commands,priority:2" json:"created_at"`
	UpdatedAt      time.Time     `gorm:"not null" json:"updated_at"`
}

// TableName implements the GORM tabler interface.
func (Command) TableName() string { return "commands" }
