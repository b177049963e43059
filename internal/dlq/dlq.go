// Package dlq builds and publishes dead-letter messages for commands that
// could not be parsed, handled or dispatched.
//
// Builders never fail: fields that would come from an unparsable envelope are
// left empty and the original bytes are kept in Raw.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tbourn/command-relay/internal/broker"
	"github.com/tbourn/command-relay/internal/commands"
	"github.com/tbourn/command-relay/internal/domain"
)

// Headers added to dead-letter messages.
const (
	HeaderReason   = "x-dlq-reason"
	HeaderAttempts = "x-dlq-attempts"
)

// FromMessage builds the payload for a consumed message. env may be nil when
// parsing failed.
func FromMessage(reason string, attempts int, msg broker.Message, env *domain.Envelope, cause error, now time.Time) domain.DLQPayload {
	md := domain.DLQMetadata{
		FailureReason: reason,
		Attempts:      attempts,
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
	}
	p := domain.DLQPayload{
		Metadata:  md,
		Error:     describe(cause),
		Raw:       append([]byte(nil), msg.Value...),
		EmittedAt: now.UTC(),
	}
	if env != nil {
		p.Metadata.CommandID = env.CommandID
		p.Metadata.CommandName = env.CommandName
		p.Metadata.TenantID = env.TenantID
		p.Metadata.RequestID = env.RequestID
		p.Metadata.TargetService = env.TargetService
		if json.Valid(env.Payload) {
			p.Payload = env.Payload
		}
	}
	return p
}

// FromOutbox builds the payload for an outbox record whose publish retries
// are exhausted. Command fields come from the stored envelope; the record
// headers are used only when the envelope cannot be parsed.
func FromOutbox(rec domain.OutboxRecord, cause error, now time.Time) domain.DLQPayload {
	md := domain.DLQMetadata{
		FailureReason: domain.FailureOutboxDispatch,
		Attempts:      rec.AttemptCount,
		Topic:         rec.Topic,
		Offset:        rec.ID,
		CommandName:   rec.EventType,
		TenantID:      rec.TenantID,
		RequestID:     rec.Headers[domain.HeaderRequestID],
		TargetService: rec.Headers[domain.HeaderTarget],
	}
	p := domain.DLQPayload{
		Error:     describe(cause),
		Raw:       []byte(rec.Payload),
		EmittedAt: now.UTC(),
	}
	if env, err := domain.ParseEnvelope(rec.Payload); err == nil {
		md.CommandID = env.CommandID
		md.CommandName = env.CommandName
		md.TenantID = env.TenantID
		md.RequestID = env.RequestID
		md.TargetService = env.TargetService
		p.Payload = env.Payload
	} else if json.Valid(rec.Payload) {
		p.Payload = json.RawMessage(rec.Payload)
	}
	p.Metadata = md
	return p
}

func describe(err error) domain.DLQError {
	if err == nil {
		return domain.DLQError{Name: "Error", Message: "unknown failure"}
	}
	return domain.DLQError{Name: errorName(err), Message: err.Error()}
}

func errorName(err error) string {
	switch {
	case errors.Is(err, domain.ErrMalformedEnvelope):
		return "MalformedEnvelope"
	case errors.Is(err, commands.ErrInvalidPayload):
		return "InvalidPayload"
	case errors.Is(err, commands.ErrUnknownCommand):
		return "UnknownCommand"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	default:
		return "HandlerError"
	}
}

// Publish sends p to the dead-letter topic of sourceTopic, keyed by key.
// headers are copied and tagged with the failure reason and attempt count.
func Publish(ctx context.Context, pub broker.Publisher, sourceTopic, key string, headers map[string]string, p domain.DLQPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode dlq payload: %w", err)
	}
	h := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		h[k] = v
	}
	h[HeaderReason] = p.Metadata.FailureReason
	h[HeaderAttempts] = fmt.Sprint(p.Metadata.Attempts)

	id := p.Metadata.CommandID
	if id != "" {
		id = "dlq-" + id
	}
	return pub.Publish(ctx, broker.Message{
		Topic:   domain.DLQTopic(sourceTopic),
		Key:     key,
		Value:   body,
		Headers: h,
		ID:      id,
	})
}
