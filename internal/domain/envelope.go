package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Broker message headers attached to every command.
const (
	HeaderCommandName   = "x-command-name"
	HeaderTenantID      = "x-command-tenant-id"
	HeaderRequestID     = "x-command-request-id"
	HeaderTarget        = "x-command-target"
	HeaderRouteSource   = "x-command-route-source"
	HeaderCorrelationID = "x-correlation-id"
)

// ErrMalformedEnvelope is returned by ParseEnvelope for undecodable or
// incomplete messages.
var ErrMalformedEnvelope = errors.New("malformed command envelope")

// Envelope is the immutable unit published for every accepted command.
// CommandID doubles as the consumer-side idempotency key.
type Envelope struct {
	CommandID     string            `json:"commandId"`
	CommandName   string            `json:"commandName"`
	TenantID      string            `json:"tenantId"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers"`
	CorrelationID string            `json:"correlationId,omitempty"`
	RequestID     string            `json:"requestId"`
	TargetService string            `json:"targetService"`
	TargetTopic   string            `json:"targetTopic"`
	IssuedAt      time.Time         `json:"issuedAt"`
	Initiator     string            `json:"initiator,omitempty"`
}

// ParseEnvelope decodes raw broker bytes into an Envelope and checks that the
// routing fields are present. Errors wrap ErrMalformedEnvelope.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate reports the first missing required field.
func (e Envelope) Validate() error {
	required := []struct{ name, val string }{
		{"commandId", e.CommandID},
		{"commandName", e.CommandName},
		{"tenantId", e.TenantID},
		{"requestId", e.RequestID},
		{"targetService", e.TargetService},
	}
	for _, f := range required {
		if strings.TrimSpace(f.val) == "" {
			return fmt.Errorf("%w: missing %s", ErrMalformedEnvelope, f.name)
		}
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", ErrMalformedEnvelope)
	}
	return nil
}

// BuildHeaders returns the broker headers for an envelope. The correlation
// header is present only when a correlation id exists.
func BuildHeaders(e Envelope, routeSource string) map[string]string {
	h := map[string]string{
		HeaderCommandName: e.CommandName,
		HeaderTenantID:    e.TenantID,
		HeaderRequestID:   e.RequestID,
		HeaderTarget:      e.TargetService,
		HeaderRouteSource: routeSource,
	}
	if e.CorrelationID != "" {
		h[HeaderCorrelationID] = e.CorrelationID
	}
	return h
}
