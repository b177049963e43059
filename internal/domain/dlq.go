package domain

import (
	"encoding/json"
	"time"
)

// Failure reasons carried in DLQ metadata.
const (
	FailureParsing        = "PARSING_ERROR"
	FailureHandler        = "HANDLER_FAILURE"
	FailureOutboxDispatch = "COMMAND_CENTER_OUTBOX_DISPATCH_FAILED"
)

// DLQSuffix is appended to a topic to form its dead-letter companion.
const DLQSuffix = ".dlq"

// DLQTopic returns the dead-letter topic for topic.
func DLQTopic(topic string) string { return topic + DLQSuffix }

// DLQMetadata describes where a dead-lettered message came from. Envelope
// derived fields are empty when the message could not be parsed.
type DLQMetadata struct {
	FailureReason string `json:"failureReason"`
	Attempts      int    `json:"attempts"`
	Topic         string `json:"topic"`
	Partition     int32  `json:"partition"`
	Offset        string `json:"offset"`
	CommandID     string `json:"commandId,omitempty"`
	CommandName   string `json:"commandName,omitempty"`
	TenantID      string `json:"tenantId,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	TargetService string `json:"targetService,omitempty"`
}

// DLQError is the serialised cause of a dead-lettering.
type DLQError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// DLQPayload is the body published to a .dlq topic. Raw keeps the original
// bytes for forensic replay.
type DLQPayload struct {
	Metadata  DLQMetadata     `json:"metadata"`
	Error     DLQError        `json:"error"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Raw       []byte          `json:"raw"`
	EmittedAt time.Time       `json:"emittedAt"`
}
