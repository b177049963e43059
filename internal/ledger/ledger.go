// Package ledger gives command handlers at-most-once effects on top of
// at-least-once delivery.
//
// Guard wraps a consumer route with an idempotency record keyed by
// (tenant, command id): acknowledged commands are skipped, failures are
// recorded with a capped exponential backoff and resurrected later by the
// RetryWorker.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/command-relay/internal/consumer"
	"github.com/tbourn/command-relay/internal/domain"
	"github.com/tbourn/command-relay/internal/metrics"
	"github.com/tbourn/command-relay/internal/repo"
	"github.com/tbourn/command-relay/internal/retry"
)

// Guard outcomes reported to metrics.
const (
	OutcomeAcked     = "acked"
	OutcomeDuplicate = "duplicate"
	OutcomeInFlight  = "in_flight"
	OutcomeDeferred  = "deferred"
	OutcomeExhausted = "exhausted"
)

var (
	// ErrInFlight means another worker holds the command's lease. It is
	// retryable: the holder will ack or fail the record.
	ErrInFlight = errors.New("command is being processed by another worker")
	// ErrExhausted means the command's ledger budget is spent.
	ErrExhausted = errors.New("command retries exhausted")
)

// Config tunes a Ledger.
type Config struct {
	// WorkerID leases the records this process works on.
	WorkerID string
	// MaxAttempts bounds handler attempts per command, retries included.
	MaxAttempts int
	// Backoff spaces retries; ExpCap defaults to 10.
	Backoff     retry.Backoff
	LockTimeout time.Duration
	// RetryBatch and RetryInterval drive the RetryWorker.
	RetryBatch    int
	RetryInterval time.Duration
}

func (c *Config) normalize() {
	if c.WorkerID == "" {
		c.WorkerID = "ledger"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = time.Second
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 5 * time.Minute
	}
	if c.Backoff.ExpCap <= 0 {
		c.Backoff.ExpCap = 10
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 5 * time.Minute
	}
	if c.RetryBatch <= 0 {
		c.RetryBatch = 20
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
}

// Metrics is the subset of metrics.Recorder used by the ledger.
type Metrics interface {
	RecordLedgerOutcome(commandType, outcome string)
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithMetrics records guard outcomes.
func WithMetrics(m Metrics) Option { return func(l *Ledger) { l.metrics = m } }

// WithLogger sets the logger.
func WithLogger(lg zerolog.Logger) Option { return func(l *Ledger) { l.log = lg } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// Ledger records the processing state of commands.
type Ledger struct {
	db      *gorm.DB
	cfg     Config
	metrics Metrics
	log     zerolog.Logger
	now     func() time.Time
}

// New returns a Ledger backed by db.
func New(db *gorm.DB, cfg Config, opts ...Option) *Ledger {
	cfg.normalize()
	l := &Ledger{db: db, cfg: cfg, metrics: metrics.Nop{}, log: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Guard wraps next with the idempotency ledger.
//
// A command already ACKED is skipped. One leased by another worker returns
// ErrInFlight. One FAILED with a retry scheduled is left to the RetryWorker.
// One FAILED for good fails permanently. Otherwise the record is written (or
// an unleased PENDING record left by a reset is claimed) and next runs; a
// transient failure with budget left schedules a ledger retry and resolves
// the message, anything else is returned as a permanent error.
func (l *Ledger) Guard(next consumer.RouteFunc) consumer.RouteFunc {
	return func(ctx context.Context, cmd consumer.Command, md consumer.Metadata) error {
		env := cmd.Envelope
		rec, err := l.acquire(ctx, env)
		if errors.Is(err, errResolved) {
			return nil
		}
		if err != nil {
			return err
		}
		return l.settle(ctx, rec, env.CommandName, run(ctx, next, cmd, md))
	}
}

// errResolved means the command needs no further work from this delivery.
var errResolved = errors.New("resolved")

// acquire returns the record of env leased to this worker, creating it on the
// first attempt. When two workers race on the first attempt only one insert
// lands; the other reads the winner's row and reports ErrInFlight.
func (l *Ledger) acquire(ctx context.Context, env domain.Envelope) (*domain.IdempotencyRecord, error) {
	rec, err := repo.FindIdempotencyRecord(ctx, l.db, env.TenantID, env.CommandID)
	if errors.Is(err, repo.ErrNotFound) {
		body, merr := json.Marshal(env)
		if merr != nil {
			return nil, retry.Permanent(fmt.Errorf("encode envelope: %w", merr))
		}
		created, cerr := repo.InsertPendingIdempotencyRecord(ctx, l.db, repo.NewIdempotencyRecord{
			TenantID:       env.TenantID,
			IdempotencyKey: env.CommandID,
			CommandType:    env.CommandName,
			Payload:        body,
			CorrelationID:  optional(env.CorrelationID),
			MaxAttempts:    l.cfg.MaxAttempts,
			LockedBy:       l.cfg.WorkerID,
		}, l.now())
		if cerr != nil {
			return nil, fmt.Errorf("create idempotency record: %w", cerr)
		}
		if created != nil {
			return created, nil
		}
		rec, err = repo.FindIdempotencyRecord(ctx, l.db, env.TenantID, env.CommandID)
	}
	if err != nil {
		return nil, fmt.Errorf("find idempotency record: %w", err)
	}

	switch {
	case rec.Status == domain.IdempotencyAcked:
		l.metrics.RecordLedgerOutcome(env.CommandName, OutcomeDuplicate)
		return nil, errResolved
	case rec.Status == domain.IdempotencyPending:
		if rec.LockedBy == nil {
			claimed, err := repo.ClaimIdempotencyRecord(ctx, l.db, rec.ID, l.cfg.WorkerID, l.now())
			if err != nil {
				return nil, fmt.Errorf("claim idempotency record: %w", err)
			}
			if claimed {
				return repo.GetIdempotencyRecord(ctx, l.db, rec.ID)
			}
		}
		l.metrics.RecordLedgerOutcome(env.CommandName, OutcomeInFlight)
		return nil, fmt.Errorf("%w: %s", ErrInFlight, env.CommandID)
	case rec.NextRetryAt != nil:
		l.metrics.RecordLedgerOutcome(env.CommandName, OutcomeDeferred)
		return nil, errResolved
	default:
		l.metrics.RecordLedgerOutcome(env.CommandName, OutcomeExhausted)
		return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrExhausted, env.CommandID))
	}
}

// settle records the outcome of one attempt on rec. A nil return means the
// command is resolved as far as the caller is concerned.
func (l *Ledger) settle(ctx context.Context, rec *domain.IdempotencyRecord, commandType string, cause error) error {
	log := l.log.With().
		Str("idempotency_id", rec.ID).
		Str("tenant_id", rec.TenantID).
		Str("key", rec.IdempotencyKey).
		Logger()

	if cause == nil {
		if err := repo.MarkIdempotencyRecordAcked(ctx, l.db, rec.ID, rec.IdempotencyKey, nil, l.now()); err != nil {
			return fmt.Errorf("ack idempotency record: %w", err)
		}
		l.metrics.RecordLedgerOutcome(commandType, OutcomeAcked)
		return nil
	}

	if retry.IsPermanent(cause) {
		if _, err := repo.MarkIdempotencyRecordExhausted(ctx, l.db, rec.ID, cause.Error(), l.now()); err != nil {
			log.Error().Err(err).Msg("record permanent failure")
		}
		log.Warn().Err(cause).Msg("command failed permanently")
		l.metrics.RecordLedgerOutcome(commandType, OutcomeExhausted)
		return cause
	}

	failed, err := repo.MarkIdempotencyRecordFailed(ctx, l.db, rec.ID, cause.Error(), l.cfg.Backoff, l.now())
	if err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("record failure")
		return fmt.Errorf("record failure: %w", err)
	}
	if failed.NextRetryAt == nil {
		log.Warn().Err(cause).Int("attempts", failed.AttemptCount).Msg("command retries exhausted")
		l.metrics.RecordLedgerOutcome(commandType, OutcomeExhausted)
		return retry.Permanent(fmt.Errorf("%w after %d attempts: %w", ErrExhausted, failed.AttemptCount, cause))
	}
	log.Info().Err(cause).
		Int("attempts", failed.AttemptCount).
		Time("next_retry_at", *failed.NextRetryAt).
		Msg("command failed; retry scheduled")
	l.metrics.RecordLedgerOutcome(commandType, OutcomeDeferred)
	return nil
}

// run calls next, turning a panic into a permanent error.
func run(ctx context.Context, next consumer.RouteFunc, cmd consumer.Command, md consumer.Metadata) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = retry.Permanent(fmt.Errorf("%w: %v", consumer.ErrHandlerPanic, r))
		}
	}()
	return next(ctx, cmd, md)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
