// Package services – CommandService
//
// This file implements CommandService, which accepts commands for delivery.
// Acceptance resolves the route, validates the payload against the typed
// command union and writes the command read-model row together with its
// outbox record in one transaction, so a command is never accepted without
// an outbox row to deliver it (and never enqueued without being accepted).
//
// The dispatcher reports publish outcomes through MarkDelivered and
// MarkFailed, which update the outbox record first and the read-model second.
//
// Observability: public methods are OpenTelemetry-instrumented and the trace
// context of the accepting request is stored in the outbox headers.
package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/command-relay/internal/commands"
	"github.com/tbourn/command-relay/internal/domain"
	"github.com/tbourn/command-relay/internal/repo"
	"github.com/tbourn/command-relay/internal/retry"
	"github.com/tbourn/command-relay/internal/utils"
)

const tracerName = "services/CommandService"

// AcceptInput is a command submitted for delivery.
type AcceptInput struct {
	CommandName    string
	TenantID       string
	Modules        []string
	Payload        json.RawMessage
	RequestID      string
	CorrelationID  string
	Initiator      string
	IdempotencyKey string
	// AggregateID defaults to the generated command id.
	AggregateID string
	// Reprocess requeues a replayed command whose delivery is FAILED. A
	// replayed DLQ command is requeued regardless.
	Reprocess bool
}

// AcceptResult is the outcome of Accept. Replayed is true when the command was
// accepted earlier under the same idempotency key. Reprocessed is true when
// that earlier command was put back on its outbox row for another delivery.
type AcceptResult struct {
	Command     *domain.Command
	Envelope    *domain.Envelope
	Replayed    bool
	Reprocessed bool
}

// OutboxPolicy is the dispatcher's retry policy for one failed publish.
type OutboxPolicy struct {
	Backoff    retry.Backoff
	MaxRetries int
	// WorkerID is the lease holder recording the failure; empty skips the
	// lease check.
	WorkerID string
}

// CommandService accepts commands and tracks their delivery.
type CommandService struct {
	DB       *gorm.DB
	Registry CommandRegistry
	Codec    *commands.Codec
	Log      zerolog.Logger

	// DefaultTopic is used when a route has no target topic.
	DefaultTopic string
	// MaxRetries is stored on new outbox records.
	MaxRetries int
	// LedgerAttempts is the consumer budget granted when a requeued command
	// resets its idempotency record. Defaults to 5.
	LedgerAttempts int

	Now func() time.Time
}

func (s *CommandService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Accept validates and enqueues a command. Rejections are *CommandError values.
func (s *CommandService) Accept(ctx context.Context, in AcceptInput) (*AcceptResult, error) {
	tr := otel.Tracer(tracerName)
	ctx, span := tr.Start(ctx, "Accept",
		trace.WithAttributes(
			attribute.String("command.name", in.CommandName),
			attribute.String("tenant.id", in.TenantID),
		),
	)
	defer span.End()

	res, err := s.accept(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("command.id", res.Command.ID),
		attribute.Bool("command.replayed", res.Replayed),
		attribute.Bool("command.reprocessed", res.Reprocessed),
	)
	return res, nil
}

func (s *CommandService) accept(ctx context.Context, in AcceptInput) (*AcceptResult, error) {
	name := NormalizeCommandName(in.CommandName)
	tenant := strings.TrimSpace(in.TenantID)
	key := strings.TrimSpace(in.IdempotencyKey)
	if name == "" {
		return nil, errInvalidInput(name, "command name is required")
	}
	if tenant == "" {
		return nil, errInvalidInput(name, "tenant id is required")
	}

	if key != "" {
		if prev, err := repo.FindCommandByIdempotencyKey(ctx, s.DB, tenant, key); err == nil {
			return s.replay(ctx, prev, in.Reprocess)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}

	route, err := s.Registry.ResolveCommandForTenant(ctx, name, tenant, Membership{Modules: in.Modules})
	if err != nil {
		return nil, err
	}

	payload, err := compact(in.Payload)
	if err != nil {
		return nil, errInvalidPayload(name, err.Error())
	}
	// Routes without a registered payload type carry an opaque payload.
	if s.Codec != nil && s.Codec.Known(name) {
		if _, err := s.Codec.Decode(name, payload); err != nil {
			return nil, errInvalidPayload(name, err.Error())
		}
	}

	now := s.now()
	commandID := uuid.NewString()
	requestID := in.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	topic := route.TargetTopic
	if topic == "" {
		topic = s.DefaultTopic
	}

	env := domain.Envelope{
		CommandID:     commandID,
		CommandName:   name,
		TenantID:      tenant,
		Payload:       payload,
		CorrelationID: in.CorrelationID,
		RequestID:     requestID,
		TargetService: route.TargetService,
		TargetTopic:   topic,
		IssuedAt:      now,
		Initiator:     in.Initiator,
	}
	env.Headers = domain.BuildHeaders(env, route.Source)

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	outboxHeaders := make(map[string]string, len(env.Headers)+2)
	for k, v := range env.Headers {
		outboxHeaders[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(outboxHeaders))

	aggregateID := in.AggregateID
	if aggregateID == "" {
		aggregateID = commandID
	}
	partitionKey := tenant
	if partitionKey == "" {
		partitionKey = aggregateID
	}

	rec := &domain.OutboxRecord{
		ID:            ulid.Make().String(),
		TenantID:      tenant,
		AggregateID:   aggregateID,
		AggregateType: domain.AggregateTypeCommand,
		EventType:     name,
		Topic:         topic,
		Payload:       datatypes.JSON(body),
		Headers:       outboxHeaders,
		CorrelationID: optional(in.CorrelationID),
		PartitionKey:  partitionKey,
		Status:        domain.OutboxPending,
		MaxRetries:    s.MaxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	cmd := &domain.Command{
		ID:             commandID,
		TenantID:       tenant,
		CommandName:    name,
		Status:         domain.CommandAccepted,
		TargetService:  route.TargetService,
		TargetTopic:    topic,
		RouteSource:    route.Source,
		RequestID:      requestID,
		CorrelationID:  optional(in.CorrelationID),
		Initiator:      optional(in.Initiator),
		IdempotencyKey: optional(key),
		PayloadHash:    hashPayload(payload),
		OutboxID:       rec.ID,
		IssuedAt:       now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.CreateCommand(ctx, tx, cmd); err != nil {
			return err
		}
		return repo.CreateOutboxRecord(ctx, tx, rec)
	})
	if errors.Is(err, repo.ErrDuplicate) && key != "" {
		// Lost a race with a concurrent request carrying the same key.
		prev, ferr := repo.FindCommandByIdempotencyKey(ctx, s.DB, tenant, key)
		if ferr == nil {
			return &AcceptResult{Command: prev, Replayed: true}, nil
		}
	}
	if err != nil {
		return nil, err
	}

	s.Log.Debug().
		Str("command_id", commandID).
		Str("command", name).
		Str("tenant_id", tenant).
		Str("outbox_id", rec.ID).
		Msg("command accepted")
	return &AcceptResult{Command: cmd, Envelope: &env}, nil
}

// replay answers a resubmission of prev. A command whose delivery was
// dead-lettered, or failed when reprocess is set, gets its outbox row reset
// to PENDING and its idempotency record reset through the upsert, so the
// same rows are delivered and processed again.
func (s *CommandService) replay(ctx context.Context, prev *domain.Command, reprocess bool) (*AcceptResult, error) {
	switch {
	case prev.Status == domain.CommandDLQ:
	case prev.Status == domain.CommandFailed && reprocess:
	default:
		return &AcceptResult{Command: prev, Replayed: true}, nil
	}

	now := s.now()
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.ResetOutboxRecord(ctx, tx, prev.OutboxID, now); err != nil {
			return fmt.Errorf("reset outbox record: %w", err)
		}
		if err := repo.UpdateCommandStatusByOutbox(ctx, tx, prev.OutboxID, domain.CommandAccepted, nil, now); err != nil {
			return fmt.Errorf("update command status: %w", err)
		}
		return s.resetLedger(ctx, tx, prev, now)
	})
	if errors.Is(err, repo.ErrNotFound) {
		// The dispatcher moved the row on since prev was read.
		return &AcceptResult{Command: prev, Replayed: true}, nil
	}
	if err != nil {
		return nil, err
	}

	prev.Status = domain.CommandAccepted
	prev.LastError = nil
	prev.UpdatedAt = now
	s.Log.Info().
		Str("command_id", prev.ID).
		Str("tenant_id", prev.TenantID).
		Str("outbox_id", prev.OutboxID).
		Msg("command requeued")
	return &AcceptResult{Command: prev, Replayed: true, Reprocessed: true}, nil
}

// resetLedger puts the consumer's record of cmd, if any, back to an unleased
// PENDING with a fresh budget.
func (s *CommandService) resetLedger(ctx context.Context, tx *gorm.DB, cmd *domain.Command, now time.Time) error {
	rec, err := repo.FindIdempotencyRecord(ctx, tx, cmd.TenantID, cmd.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find idempotency record: %w", err)
	}
	attempts := s.LedgerAttempts
	if attempts <= 0 {
		attempts = 5
	}
	_, err = repo.CreatePendingIdempotencyRecord(ctx, tx, repo.NewIdempotencyRecord{
		TenantID:       rec.TenantID,
		IdempotencyKey: rec.IdempotencyKey,
		CommandType:    rec.CommandType,
		ResourceID:     rec.ResourceID,
		Payload:        rec.Payload,
		CorrelationID:  rec.CorrelationID,
		MaxAttempts:    attempts,
	}, now)
	if err != nil {
		return fmt.Errorf("reset idempotency record: %w", err)
	}
	return nil
}

// MarkDelivered resolves the outbox record leased by workerID as DELIVERED and
// the command as PUBLISHED. An empty workerID skips the lease check.
func (s *CommandService) MarkDelivered(ctx context.Context, outboxID, workerID string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MarkDelivered",
		trace.WithAttributes(attribute.String("outbox.id", outboxID)))
	defer span.End()

	now := s.now()
	if err := repo.MarkOutboxDelivered(ctx, s.DB, outboxID, workerID, now); err != nil {
		return err
	}
	if err := repo.UpdateCommandStatusByOutbox(ctx, s.DB, outboxID, domain.CommandPublished, nil, now); err != nil {
		s.Log.Error().Err(err).Str("outbox_id", outboxID).Msg("outbox delivered but command status update failed")
		span.RecordError(err)
		return fmt.Errorf("update command status: %w", err)
	}
	return nil
}

// MarkFailed records a failed publish. The command becomes FAILED while
// retries remain and DLQ once they are exhausted. The updated outbox record
// is returned even when the read-model update fails.
func (s *CommandService) MarkFailed(ctx context.Context, outboxID string, cause error, p OutboxPolicy) (*domain.OutboxRecord, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "MarkFailed",
		trace.WithAttributes(attribute.String("outbox.id", outboxID)))
	defer span.End()

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	now := s.now()
	rec, err := repo.MarkOutboxFailed(ctx, s.DB, outboxID, p.WorkerID, msg, p.Backoff, p.MaxRetries, now)
	if err != nil {
		return rec, err
	}

	status := domain.CommandFailed
	if rec.Status == domain.OutboxDLQ {
		status = domain.CommandDLQ
	}
	if err := repo.UpdateCommandStatusByOutbox(ctx, s.DB, outboxID, status, &msg, now); err != nil {
		s.Log.Error().Err(err).Str("outbox_id", outboxID).Str("status", string(status)).
			Msg("outbox failure recorded but command status update failed")
		span.RecordError(err)
		return rec, fmt.Errorf("update command status: %w", err)
	}
	return rec, nil
}

// Get returns a command by id.
func (s *CommandService) Get(ctx context.Context, tenantID, id string) (*domain.Command, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Get",
		trace.WithAttributes(attribute.String("command.id", id)))
	defer span.End()

	cmd, err := repo.GetCommand(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, errNotFound(id)
		}
		return nil, err
	}
	if tenantID != "" && cmd.TenantID != tenantID {
		return nil, errNotFound(id)
	}
	return cmd, nil
}

// ListPage returns a tenant's commands, newest first, with the total count.
func (s *CommandService) ListPage(ctx context.Context, tenantID string, page, pageSize int) ([]domain.Command, int64, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if pageSize <= 0 {
		pageSize = 20
	}
	pg := utils.Page{Number: max(page, 1), Size: pageSize}
	total, err := repo.CountCommands(ctx, s.DB, tenantID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Command{}, 0, nil
	}
	items, err := repo.ListCommandsPage(ctx, s.DB, tenantID, pg.Offset(), pg.Size)
	return items, total, err
}

// OutboxStats returns outbox counts per status.
func (s *CommandService) OutboxStats(ctx context.Context) (repo.OutboxStats, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "OutboxStats")
	defer span.End()
	return repo.CollectOutboxStats(ctx, s.DB)
}

func compact(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("payload is required")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func hashPayload(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
