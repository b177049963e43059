// Package consumer processes commands from a broker.Source.
//
// Messages are pulled in batches and resolved in order: routed to the
// handler, skipped when addressed to another service, or quarantined on the
// dead-letter topic. A batch is committed only up to the last resolved
// message, so a crash or shutdown mid-batch leads to redelivery (at-least-once)
// and handlers must treat the command id as an idempotency key.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/command-relay/internal/broker"
	"github.com/tbourn/command-relay/internal/commands"
	"github.com/tbourn/command-relay/internal/dlq"
	"github.com/tbourn/command-relay/internal/domain"
	"github.com/tbourn/command-relay/internal/metrics"
	"github.com/tbourn/command-relay/internal/retry"
	"github.com/tbourn/command-relay/internal/worker"
)

const tracerName = "consumer"

// ErrHandlerPanic wraps a recovered handler panic.
var ErrHandlerPanic = errors.New("command handler panicked")

// Command is a parsed envelope plus its decoded payload. Payload is nil for
// command names without a registered payload type.
type Command struct {
	Envelope domain.Envelope
	Payload  commands.Payload
}

// Metadata locates the message a command came from.
type Metadata struct {
	Topic     string
	Partition int32
	Offset    string
	Key       string
	Headers   map[string]string
	// Attempt is 1 for the first delivery to the handler within this batch.
	Attempt int
}

// RouteFunc handles one command. Errors are retried per the consumer's retry
// policy unless marked with retry.Permanent.
type RouteFunc func(ctx context.Context, cmd Command, md Metadata) error

// MetricsSink receives one outcome, one duration and one lag sample per
// message.
type MetricsSink interface {
	RecordCommandOutcome(command, outcome string)
	ObserveCommandDuration(command string, d time.Duration)
	SetCommandConsumerLag(topic string, lag int64)
}

// Config tunes a Consumer.
type Config struct {
	// ServiceName is the targetService this consumer serves. Commands for
	// other services are skipped. Empty accepts every command.
	ServiceName string
	// Topic labels lag metrics and logs.
	Topic         string
	BatchSize     int
	MaxBatchBytes int
	// PollInterval is the pause after an empty pull.
	PollInterval time.Duration
	Retry        retry.Policy
	// CommitTimeout bounds the commit of a batch, which still runs when the
	// batch context was cancelled.
	CommitTimeout time.Duration
}

func (c *Config) normalize() {
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 5 * time.Second
	}
	if c.Retry.Backoff.Base <= 0 && len(c.Retry.Schedule) == 0 {
		c.Retry.Backoff.Base = 100 * time.Millisecond
	}
}

// Option customises a Consumer.
type Option func(*Consumer)

// WithCodec decodes payloads of known command names before routing.
func WithCodec(c *commands.Codec) Option { return func(cs *Consumer) { cs.codec = c } }

// WithMetrics records per-message metrics.
func WithMetrics(m MetricsSink) Option { return func(cs *Consumer) { cs.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(cs *Consumer) { cs.log = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(cs *Consumer) { cs.now = now } }

// Consumer pulls, routes and commits commands. Create it with New.
type Consumer struct {
	cfg     Config
	src     broker.Source
	dlqPub  broker.Publisher
	route   RouteFunc
	codec   *commands.Codec
	metrics MetricsSink
	log     zerolog.Logger
	now     func() time.Time

	stopping atomic.Bool
	loop     *worker.Loop
}

// New returns a Consumer reading src, routing through route and publishing
// quarantined messages with dlqPub.
func New(cfg Config, src broker.Source, dlqPub broker.Publisher, route RouteFunc, opts ...Option) *Consumer {
	cfg.normalize()
	c := &Consumer{
		cfg:     cfg,
		src:     src,
		dlqPub:  dlqPub,
		route:   route,
		metrics: metrics.Nop{},
		log:     zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.loop = worker.NewLoop("consumer", cfg.PollInterval, c.log, c.drain)
	return c
}

// Start consumes in the background until Shutdown.
func (c *Consumer) Start(ctx context.Context) error { return c.loop.Start(ctx) }

// Shutdown stops pulling new batches and waits for the current one until ctx
// ends. The resolved prefix of an interrupted batch is still committed.
func (c *Consumer) Shutdown(ctx context.Context) error {
	c.stopping.Store(true)
	return c.loop.Shutdown(ctx)
}

// Done is closed when the background loop exits.
func (c *Consumer) Done() <-chan struct{} { return c.loop.Done() }

// drain runs batches until the source is empty, a batch aborts or a
// shutdown begins.
func (c *Consumer) drain(ctx context.Context) error {
	for !c.stopping.Load() {
		res, err := c.RunBatch(ctx)
		if err != nil || res.Pulled == 0 || res.Aborted {
			return err
		}
	}
	return nil
}

// BatchResult counts what one batch did.
type BatchResult struct {
	Pulled       int
	Committed    int
	Routed       int
	Skipped      int
	DeadLettered int
	// DeadLetterFailed messages could not be published to the dead-letter
	// topic. They are logged and committed like dead-lettered ones.
	DeadLetterFailed int
	// Aborted is set when the batch stopped before every message was
	// resolved; the unresolved tail is redelivered.
	Aborted bool
}

type rewinder interface{ Rewind() }

// RunBatch pulls one batch, resolves it in order and commits the resolved
// prefix.
func (c *Consumer) RunBatch(ctx context.Context) (BatchResult, error) {
	var res BatchResult
	msgs, err := c.src.Pull(ctx, c.cfg.BatchSize, c.cfg.MaxBatchBytes)
	if err != nil {
		if ctx.Err() != nil {
			return res, nil
		}
		return res, fmt.Errorf("pull: %w", err)
	}
	res.Pulled = len(msgs)
	if len(msgs) == 0 {
		return res, nil
	}

	backlog := c.backlog(ctx, len(msgs))
	resolved := 0
	var abortErr error
	for i, msg := range msgs {
		outcome, err := c.handle(ctx, msg)
		c.metrics.SetCommandConsumerLag(c.cfg.Topic, max(backlog-int64(i+1), 0))
		if err != nil {
			res.Aborted = true
			abortErr = err
			break
		}
		switch outcome {
		case metrics.OutcomeSuccess:
			res.Routed++
		case metrics.OutcomeSkipped:
			res.Skipped++
		case metrics.OutcomeDLQ:
			res.DeadLettered++
		case metrics.OutcomeDLQFailed:
			res.DeadLetterFailed++
		}
		resolved++
	}

	if resolved > 0 {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CommitTimeout)
		defer cancel()
		if err := c.src.Commit(cctx, msgs[:resolved]); err != nil {
			return res, fmt.Errorf("commit: %w", err)
		}
		res.Committed = resolved
	}
	if res.Aborted {
		if r, ok := c.src.(rewinder); ok {
			r.Rewind()
		}
		c.log.Warn().Err(abortErr).
			Int("resolved", resolved).
			Int("pulled", len(msgs)).
			Msg("batch interrupted; unresolved messages will be redelivered")
	}
	return res, abortErr
}

// backlog returns the number of messages waiting, the pulled batch included.
func (c *Consumer) backlog(ctx context.Context, pulled int) int64 {
	if lr, ok := c.src.(broker.LagReporter); ok {
		if n, err := lr.Lag(ctx); err == nil && n >= int64(pulled) {
			return n
		}
	}
	return int64(pulled)
}

// handle resolves one message. A non-nil error means the message is not
// resolved and the batch must stop.
func (c *Consumer) handle(ctx context.Context, msg broker.Message) (string, error) {
	start := c.now()

	env, err := domain.ParseEnvelope(msg.Value)
	if err != nil {
		return c.deadLetter(ctx, msg, nil, domain.FailureParsing, 1, err, start)
	}
	if c.cfg.ServiceName != "" && env.TargetService != c.cfg.ServiceName {
		c.finish(env.CommandName, metrics.OutcomeSkipped, start)
		return metrics.OutcomeSkipped, nil
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))
	ctx, span := otel.Tracer(tracerName).Start(ctx, "command.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("command.id", env.CommandID),
			attribute.String("command.name", env.CommandName),
			attribute.String("tenant.id", env.TenantID),
			attribute.String("messaging.destination.name", msg.Topic),
		),
	)
	defer span.End()

	cmd := Command{Envelope: env}
	if c.codec != nil && c.codec.Known(env.CommandName) {
		p, err := c.codec.Decode(env.CommandName, env.Payload)
		if err != nil {
			span.RecordError(err)
			return c.deadLetter(ctx, msg, &env, domain.FailureParsing, 1, err, start)
		}
		cmd.Payload = p
	}

	md := Metadata{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Headers:   msg.Headers,
	}
	res := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context, attempt int) error {
		md.Attempt = attempt
		return c.call(ctx, cmd, md)
	})

	switch res.Outcome {
	case retry.Success:
		c.finish(env.CommandName, metrics.OutcomeSuccess, start)
		return metrics.OutcomeSuccess, nil
	case retry.Retryable:
		c.finish(env.CommandName, metrics.OutcomeAborted, start)
		span.SetStatus(codes.Error, "interrupted")
		return metrics.OutcomeAborted, fmt.Errorf("command %s interrupted after %d attempts: %w", env.CommandID, res.Attempts, ctx.Err())
	default:
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		c.log.Error().Err(res.Err).
			Str("command_id", env.CommandID).
			Str("command", env.CommandName).
			Int("attempts", res.Attempts).
			Msg("command handler failed; dead-lettering")
		return c.deadLetter(ctx, msg, &env, domain.FailureHandler, res.Attempts, res.Err, start)
	}
}

// call runs the route, turning a panic into a permanent error.
func (c *Consumer) call(ctx context.Context, cmd Command, md Metadata) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = retry.Permanent(fmt.Errorf("%w: %v", ErrHandlerPanic, r))
		}
	}()
	return c.route(ctx, cmd, md)
}

func (c *Consumer) deadLetter(ctx context.Context, msg broker.Message, env *domain.Envelope, reason string, attempts int, cause error, start time.Time) (string, error) {
	name := "unknown"
	key := msg.Key
	if env != nil {
		name = env.CommandName
		if key == "" {
			key = env.TenantID
		}
	}
	payload := dlq.FromMessage(reason, attempts, msg, env, cause, c.now())
	if err := dlq.Publish(ctx, c.dlqPub, msg.Topic, key, msg.Headers, payload); err != nil {
		if ctx.Err() != nil {
			// Shutting down: leave the message for redelivery.
			c.finish(name, metrics.OutcomeAborted, start)
			return metrics.OutcomeAborted, fmt.Errorf("dead-letter %s message at %s: %w", reason, msg.Offset, err)
		}
		c.log.Error().Err(err).
			Str("reason", reason).
			Str("command", name).
			Str("topic", msg.Topic).
			Str("offset", msg.Offset).
			AnErr("cause", cause).
			Str("command_id", payload.Metadata.CommandID).
			Msg("dead-letter publish failed; dropping message")
		c.finish(name, metrics.OutcomeDLQFailed, start)
		return metrics.OutcomeDLQFailed, nil
	}
	c.log.Warn().
		Str("reason", reason).
		Str("command", name).
		Str("topic", msg.Topic).
		Str("offset", msg.Offset).
		AnErr("cause", cause).
		Msg("message dead-lettered")
	c.finish(name, metrics.OutcomeDLQ, start)
	return metrics.OutcomeDLQ, nil
}

func (c *Consumer) finish(command, outcome string, start time.Time) {
	c.metrics.RecordCommandOutcome(command, outcome)
	c.metrics.ObserveCommandDuration(command, c.now().Sub(start))
}

