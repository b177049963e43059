// Package dispatcher publishes outbox records to the broker.
//
// Each cycle releases expired leases, requeues failures whose retry time has
// come, and claims a batch of PENDING rows under a lease. Claimed rows are
// grouped by tenant; tenants are dispatched concurrently while rows of one
// tenant keep their claim order and are spaced by the tenant throttle.
//
// Publishing is at-least-once: a crash between publish and MarkDelivered
// republishes the row once its lease expires. The broker message id is the
// outbox id so brokers with deduplication drop the repeat.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/command-relay/internal/broker"
	"github.com/tbourn/command-relay/internal/circuitbreaker"
	"github.com/tbourn/command-relay/internal/dlq"
	"github.com/tbourn/command-relay/internal/domain"
	"github.com/tbourn/command-relay/internal/metrics"
	"github.com/tbourn/command-relay/internal/repo"
	"github.com/tbourn/command-relay/internal/retry"
	"github.com/tbourn/command-relay/internal/services"
	"github.com/tbourn/command-relay/internal/throttle"
	"github.com/tbourn/command-relay/internal/worker"
)

const tracerName = "dispatcher"

// Config tunes a Dispatcher.
type Config struct {
	// WorkerID stamps the leases this instance takes. It must be unique per
	// running instance.
	WorkerID     string
	PollInterval time.Duration
	BatchSize    int
	// LockTimeout is how long a lease protects a claimed row.
	LockTimeout time.Duration
	Backoff     retry.Backoff
	// MaxRetries is the number of failed publishes tolerated before DLQ.
	MaxRetries int
	// MaxTenants bounds how many tenants are dispatched at once.
	MaxTenants int
	// PublishTimeout bounds one broker publish; 0 means no extra bound.
	PublishTimeout time.Duration
}

func (c *Config) normalize() {
	if c.WorkerID == "" {
		c.WorkerID = "dispatcher"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = time.Minute
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = time.Second
	}
	if c.MaxTenants <= 0 {
		c.MaxTenants = 8
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
}

// Metrics is the subset of metrics.Recorder used by the dispatcher.
type Metrics interface {
	RecordDispatch(topic, outcome string)
	SetOutboxBacklog(n int64)
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithThrottler spaces dispatches per tenant. Without it rows are not delayed.
func WithThrottler(t *throttle.Throttler) Option { return func(d *Dispatcher) { d.throttle = t } }

// WithBreakers guards publishes with one breaker per topic.
func WithBreakers(r *circuitbreaker.Registry) Option { return func(d *Dispatcher) { d.breakers = r } }

// WithDeadLetterPublisher sends dead-letter events through pub instead of the
// publisher used for commands.
func WithDeadLetterPublisher(pub broker.Publisher) Option {
	return func(d *Dispatcher) { d.dlqPub = pub }
}

// WithMetrics records dispatch outcomes.
func WithMetrics(m Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(d *Dispatcher) { d.log = l } }

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// Dispatcher drains the outbox. Create it with New.
type Dispatcher struct {
	cfg      Config
	db       *gorm.DB
	commands *services.CommandService
	pub      broker.Publisher
	dlqPub   broker.Publisher

	throttle *throttle.Throttler
	breakers *circuitbreaker.Registry
	metrics  Metrics
	log      zerolog.Logger
	now      func() time.Time

	loop *worker.Loop
}

// New returns a Dispatcher that publishes through pub and records outcomes
// through commands.
func New(cfg Config, db *gorm.DB, commands *services.CommandService, pub broker.Publisher, opts ...Option) *Dispatcher {
	cfg.normalize()
	d := &Dispatcher{
		cfg:      cfg,
		db:       db,
		commands: commands,
		pub:      pub,
		metrics:  metrics.Nop{},
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.dlqPub == nil {
		d.dlqPub = pub
	}
	if d.breakers == nil {
		d.breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), d.log)
	}
	d.loop = worker.NewLoop("dispatcher", cfg.PollInterval, d.log, func(ctx context.Context) error {
		_, err := d.RunCycle(ctx)
		return err
	})
	return d
}

// Start runs cycles in the background, PollInterval apart.
func (d *Dispatcher) Start(ctx context.Context) error { return d.loop.Start(ctx) }

// Shutdown stops scheduling cycles and waits for the running one until ctx
// ends. Rows still leased after a forced stop are reclaimed once their lease
// expires.
func (d *Dispatcher) Shutdown(ctx context.Context) error { return d.loop.Shutdown(ctx) }

// Done is closed when the background loop exits.
func (d *Dispatcher) Done() <-chan struct{} { return d.loop.Done() }

// CycleResult counts what one cycle did.
type CycleResult struct {
	Released     int64
	Requeued     int64
	Pending      int64
	Claimed      int
	Delivered    int
	Retried      int
	DeadLettered int
	// Deferred rows had their lease released because the topic's breaker
	// was open.
	Deferred int
	// Stale rows were resolved by someone else before this cycle did.
	Stale int
}

func (r *CycleResult) add(o outcome) {
	switch o {
	case outcomeDelivered:
		r.Delivered++
	case outcomeRetry:
		r.Retried++
	case outcomeDLQ:
		r.DeadLettered++
	case outcomeDeferred:
		r.Deferred++
	case outcomeStale:
		r.Stale++
	}
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeDelivered
	outcomeRetry
	outcomeDLQ
	outcomeDeferred
	outcomeStale
)

// RunCycle performs one dispatch cycle and returns once every claimed row is
// resolved or the context ends.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	now := d.now().UTC()

	released, err := repo.ReleaseExpiredLocks(ctx, d.db, d.cfg.LockTimeout, now)
	if err != nil {
		return res, err
	}
	requeued, err := repo.RequeueDueFailures(ctx, d.db, now)
	if err != nil {
		return res, err
	}
	res.Released, res.Requeued = released, requeued

	if stats, err := repo.CollectOutboxStats(ctx, d.db); err == nil {
		d.metrics.SetOutboxBacklog(stats.Backlog())
	}

	pending, err := repo.CountPendingOutbox(ctx, d.db, d.cfg.LockTimeout, now)
	if err != nil {
		return res, err
	}
	res.Pending = pending
	if pending == 0 {
		return res, nil
	}

	recs, err := repo.ClaimOutboxBatch(ctx, d.db, d.cfg.BatchSize, d.cfg.WorkerID, d.cfg.LockTimeout, now)
	if err != nil {
		return res, err
	}
	res.Claimed = len(recs)
	if len(recs) == 0 {
		return res, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.cfg.MaxTenants)
	for _, batch := range groupByTenant(recs) {
		g.Go(func() error {
			for _, rec := range batch {
				if d.throttle != nil {
					if err := d.throttle.Wait(ctx, rec.TenantID); err != nil {
						return nil
					}
				}
				if ctx.Err() != nil {
					return nil
				}
				o := d.dispatch(ctx, rec)
				mu.Lock()
				res.add(o)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	d.log.Debug().
		Int("claimed", res.Claimed).
		Int("delivered", res.Delivered).
		Int("retried", res.Retried).
		Int("dlq", res.DeadLettered).
		Int("deferred", res.Deferred).
		Msg("dispatch cycle done")
	return res, ctx.Err()
}

// groupByTenant splits recs per tenant, keeping claim order inside each
// group and ordering groups by first appearance.
func groupByTenant(recs []domain.OutboxRecord) [][]domain.OutboxRecord {
	idx := make(map[string]int)
	var out [][]domain.OutboxRecord
	for _, r := range recs {
		i, ok := idx[r.TenantID]
		if !ok {
			i = len(out)
			idx[r.TenantID] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], r)
	}
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, rec domain.OutboxRecord) outcome {
	log := d.log.With().
		Str("outbox_id", rec.ID).
		Str("tenant_id", rec.TenantID).
		Str("topic", rec.Topic).
		Logger()

	br := d.breakers.Get(rec.Topic)
	if !br.AllowRequest() {
		if err := repo.ReleaseOutboxLease(ctx, d.db, rec.ID, d.cfg.WorkerID, d.now()); err != nil {
			log.Error().Err(err).Msg("release lease")
		}
		d.metrics.RecordDispatch(rec.Topic, metrics.DispatchBreakerOpen)
		return outcomeDeferred
	}

	// Continue the trace started at intake.
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(rec.Headers))
	ctx, span := otel.Tracer(tracerName).Start(ctx, "outbox.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("outbox.id", rec.ID),
			attribute.String("messaging.destination.name", rec.Topic),
			attribute.String("tenant.id", rec.TenantID),
			attribute.Int("outbox.attempt", rec.AttemptCount+1),
		),
	)
	defer span.End()

	headers := make(map[string]string, len(rec.Headers)+2)
	for k, v := range rec.Headers {
		headers[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))

	err := d.publish(ctx, broker.Message{
		Topic:   rec.Topic,
		Key:     rec.PartitionKey,
		Value:   rec.Payload,
		Headers: headers,
		ID:      rec.ID,
	})
	if err == nil {
		br.RecordSuccess()
		return d.delivered(ctx, log, rec)
	}
	br.RecordFailure()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if ctx.Err() != nil {
		// Shutting down: the lease expires and the row is reclaimed.
		return outcomeNone
	}
	return d.failed(ctx, log, rec, err)
}

func (d *Dispatcher) publish(ctx context.Context, msg broker.Message) error {
	if d.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.PublishTimeout)
		defer cancel()
	}
	return d.pub.Publish(ctx, msg)
}

func (d *Dispatcher) delivered(ctx context.Context, log zerolog.Logger, rec domain.OutboxRecord) outcome {
	err := d.commands.MarkDelivered(ctx, rec.ID, d.cfg.WorkerID)
	switch {
	case errors.Is(err, repo.ErrStaleLease):
		log.Warn().Msg("record resolved elsewhere after publish")
		d.metrics.RecordDispatch(rec.Topic, metrics.DispatchStale)
		return outcomeStale
	case err != nil:
		// The outbox row may still be DELIVERED; only the read-model lags.
		log.Error().Err(err).Msg("mark delivered")
	}
	d.metrics.RecordDispatch(rec.Topic, metrics.DispatchDelivered)
	return outcomeDelivered
}

func (d *Dispatcher) failed(ctx context.Context, log zerolog.Logger, rec domain.OutboxRecord, cause error) outcome {
	updated, err := d.commands.MarkFailed(ctx, rec.ID, cause, services.OutboxPolicy{
		Backoff:    d.cfg.Backoff,
		MaxRetries: d.cfg.MaxRetries,
		WorkerID:   d.cfg.WorkerID,
	})
	switch {
	case errors.Is(err, repo.ErrStaleLease):
		log.Warn().Err(cause).Msg("publish failed on a record resolved elsewhere")
		d.metrics.RecordDispatch(rec.Topic, metrics.DispatchStale)
		return outcomeStale
	case updated == nil:
		log.Error().Err(err).AnErr("cause", cause).Msg("mark failed")
		return outcomeNone
	case err != nil:
		log.Error().Err(err).Msg("mark failed: command status")
	}

	if updated.Status != domain.OutboxDLQ {
		ev := log.Warn().Err(cause).Int("attempt", updated.AttemptCount)
		if updated.NextRetryAt != nil {
			ev = ev.Time("next_retry_at", *updated.NextRetryAt)
		}
		ev.Msg("publish failed; will retry")
		d.metrics.RecordDispatch(rec.Topic, metrics.DispatchRetry)
		return outcomeRetry
	}

	log.Error().Err(cause).Int("attempts", updated.AttemptCount).Msg("publish retries exhausted; dead-lettering")
	payload := dlq.FromOutbox(*updated, cause, d.now())
	if err := dlq.Publish(ctx, d.dlqPub, rec.Topic, rec.PartitionKey, rec.Headers, payload); err != nil {
		log.Error().Err(err).Msg("dead-letter publish failed")
	}
	d.metrics.RecordDispatch(rec.Topic, metrics.DispatchDLQ)
	return outcomeDLQ
}
