package ledger

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tbourn/command-relay/internal/commands"
	"github.com/tbourn/command-relay/internal/consumer"
	"github.com/tbourn/command-relay/internal/domain"
	"github.com/tbourn/command-relay/internal/repo"
	"github.com/tbourn/command-relay/internal/retry"
	"github.com/tbourn/command-relay/internal/worker"
)

// RetryWorker reprocesses FAILED ledger records whose retry time has come.
type RetryWorker struct {
	l     *Ledger
	route consumer.RouteFunc
	codec *commands.Codec
	log   zerolog.Logger
	loop  *worker.Loop
}

// NewRetryWorker returns a worker that replays claimed records through route.
// codec may be nil, in which case payloads reach route undecoded.
func (l *Ledger) NewRetryWorker(route consumer.RouteFunc, codec *commands.Codec) *RetryWorker {
	w := &RetryWorker{
		l:     l,
		route: route,
		codec: codec,
		log:   l.log.With().Str("component", "ledger-retry").Logger(),
	}
	w.loop = worker.NewLoop("ledger-retry", l.cfg.RetryInterval, w.log, func(ctx context.Context) error {
		_, err := w.RunOnce(ctx)
		return err
	})
	return w
}

// Start runs the worker in the background.
func (w *RetryWorker) Start(ctx context.Context) error { return w.loop.Start(ctx) }

// Shutdown stops the worker, waiting for the running pass until ctx ends.
func (w *RetryWorker) Shutdown(ctx context.Context) error { return w.loop.Shutdown(ctx) }

// Done is closed when the background loop exits.
func (w *RetryWorker) Done() <-chan struct{} { return w.loop.Done() }

// PassResult counts what one pass did.
type PassResult struct {
	Released int64
	Claimed  int
	Acked    int
	Failed   int
}

// RunOnce recovers expired leases, claims due records and replays them.
func (w *RetryWorker) RunOnce(ctx context.Context) (PassResult, error) {
	var res PassResult
	l := w.l

	released, err := repo.ReleaseExpiredIdempotencyLocks(ctx, l.db, l.cfg.LockTimeout, l.now())
	if err != nil {
		return res, fmt.Errorf("release expired ledger locks: %w", err)
	}
	res.Released = released

	recs, err := repo.ClaimRetryBatch(ctx, l.db, l.cfg.WorkerID, l.cfg.RetryBatch, l.now())
	if err != nil {
		return res, fmt.Errorf("claim retry batch: %w", err)
	}
	res.Claimed = len(recs)

	for i := range recs {
		if ctx.Err() != nil {
			// Leases left behind are recovered by a later pass.
			break
		}
		rec := &recs[i]
		cmd, md, err := w.rebuild(rec)
		if err == nil {
			err = run(ctx, w.route, cmd, md)
		} else {
			err = retry.Permanent(err)
		}
		if serr := l.settle(ctx, rec, rec.CommandType, err); serr == nil && err == nil {
			res.Acked++
		} else {
			res.Failed++
		}
	}
	if res.Claimed > 0 {
		w.log.Info().Int("claimed", res.Claimed).Int("acked", res.Acked).Int("failed", res.Failed).Msg("ledger retry pass")
	}
	return res, nil
}

// rebuild restores the command stored on rec.
func (w *RetryWorker) rebuild(rec *domain.IdempotencyRecord) (consumer.Command, consumer.Metadata, error) {
	env, err := domain.ParseEnvelope(rec.Payload)
	if err != nil {
		return consumer.Command{}, consumer.Metadata{}, err
	}
	cmd := consumer.Command{Envelope: env}
	if w.codec != nil && w.codec.Known(env.CommandName) {
		p, err := w.codec.Decode(env.CommandName, env.Payload)
		if err != nil {
			return consumer.Command{}, consumer.Metadata{}, err
		}
		cmd.Payload = p
	}
	md := consumer.Metadata{
		Topic:   env.TargetTopic,
		Key:     env.TenantID,
		Headers: env.Headers,
		Attempt: rec.AttemptCount + 1,
	}
	return cmd, md, nil
}
