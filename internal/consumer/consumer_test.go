package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tbourn/command-relay/internal/broker"
	"github.com/tbourn/command-relay/internal/commands"
	"github.com/tbourn/command-relay/internal/domain"
	"github.com/tbourn/command-relay/internal/metrics"
	"github.com/tbourn/command-relay/internal/retry"
)

// ---------- test helpers ----------

const topic = "commands"

type sink struct {
	mu        sync.Mutex
	outcomes  []string
	durations int
	lags      []int64
}

func (s *sink) RecordCommandOutcome(_ string, outcome string) {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, outcome)
	s.mu.Unlock()
}

func (s *sink) ObserveCommandDuration(string, time.Duration) {
	s.mu.Lock()
	s.durations++
	s.mu.Unlock()
}

func (s *sink) SetCommandConsumerLag(_ string, lag int64) {
	s.mu.Lock()
	s.lags = append(s.lags, lag)
	s.mu.Unlock()
}

func envelope(id, name, target, payload string) domain.Envelope {
	return domain.Envelope{
		CommandID:     id,
		CommandName:   name,
		TenantID:      "t1",
		Payload:       json.RawMessage(payload),
		RequestID:     "req-" + id,
		TargetService: target,
		TargetTopic:   topic,
		IssuedAt:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

const taskJSON = `{"taskId":"k","roomId":"1","assigneeId":"a"}`

func publish(t *testing.T, mem *broker.Memory, envs ...domain.Envelope) {
	t.Helper()
	for _, env := range envs {
		raw, err := json.Marshal(env)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		publishRaw(t, mem, raw)
	}
}

func publishRaw(t *testing.T, mem *broker.Memory, raw []byte) {
	t.Helper()
	if err := mem.Publish(context.Background(), broker.Message{Topic: topic, Key: "t1", Value: raw}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func deadLetters(t *testing.T, mem *broker.Memory) []domain.DLQPayload {
	t.Helper()
	var out []domain.DLQPayload
	for _, m := range mem.Messages(domain.DLQTopic(topic)) {
		var p domain.DLQPayload
		if err := json.Unmarshal(m.Value, &p); err != nil {
			t.Fatalf("decode dlq: %v", err)
		}
		out = append(out, p)
	}
	return out
}

func newConsumer(mem *broker.Memory, route RouteFunc, s *sink, maxRetries int) (*Consumer, *broker.MemorySource) {
	src := mem.Source(topic)
	c := New(Config{
		ServiceName: "housekeeping",
		Topic:       topic,
		BatchSize:   10,
		Retry:       retry.Policy{MaxRetries: maxRetries, Backoff: retry.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond}},
	}, src, mem, route, WithCodec(commands.NewCodec()), WithMetrics(s))
	return c, src
}

// ---------- RunBatch ----------

func TestRunBatch_RoutesSkipsAndCommits(t *testing.T) {
	mem := broker.NewMemory(1)
	publish(t, mem,
		envelope("c1", commands.NameHousekeepingTaskAssign, "housekeeping", taskJSON),
		envelope("c2", commands.NameBillingInvoiceAdjust, "billing", `{}`),
		envelope("c3", "housekeeping.note", "housekeeping", `{"text":"hi"}`),
	)
	var routed []string
	var payload commands.Payload
	route := func(_ context.Context, cmd Command, md Metadata) error {
		routed = append(routed, cmd.Envelope.CommandID)
		if cmd.Envelope.CommandID == "c1" {
			payload = cmd.Payload
		}
		if md.Attempt != 1 || md.Topic != topic {
			t.Errorf("unexpected metadata: %+v", md)
		}
		return nil
	}
	s := &sink{}
	c, src := newConsumer(mem, route, s, 2)

	res, err := c.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if res.Pulled != 3 || res.Routed != 2 || res.Skipped != 1 || res.Committed != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(routed) != 2 || routed[0] != "c1" || routed[1] != "c3" {
		t.Fatalf("routed = %v", routed)
	}
	if p, ok := payload.(*commands.HousekeepingTaskAssign); !ok || p.TaskID != "k" {
		t.Fatalf("payload not decoded: %#v", payload)
	}

	// One outcome, one duration and one lag sample per message.
	if len(s.outcomes) != 3 || s.durations != 3 || len(s.lags) != 3 {
		t.Fatalf("metrics fired %d/%d/%d times", len(s.outcomes), s.durations, len(s.lags))
	}
	if s.outcomes[1] != metrics.OutcomeSkipped || s.lags[2] != 0 {
		t.Fatalf("metrics: outcomes=%v lags=%v", s.outcomes, s.lags)
	}
	if lag, _ := src.Lag(context.Background()); lag != 0 {
		t.Fatalf("lag after commit = %d", lag)
	}
}

func TestRunBatch_ParseFailureIsDeadLettered(t *testing.T) {
	mem := broker.NewMemory(1)
	raw := []byte(`{"commandId":`)
	publishRaw(t, mem, raw)
	publish(t, mem, envelope("c2", commands.NameHousekeepingTaskAssign, "housekeeping", taskJSON))

	var calls atomic.Int32
	c, _ := newConsumer(mem, func(context.Context, Command, Metadata) error {
		calls.Add(1)
		return nil
	}, &sink{}, 2)

	res, err := c.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if res.DeadLettered != 1 || res.Routed != 1 || res.Committed != 2 || calls.Load() != 1 {
		t.Fatalf("unexpected result: %+v calls=%d", res, calls.Load())
	}
	dead := deadLetters(t, mem)
	if len(dead) != 1 {
		t.Fatalf("dlq = %d", len(dead))
	}
	if dead[0].Metadata.FailureReason != domain.FailureParsing || string(dead[0].Raw) != string(raw) {
		t.Fatalf("unexpected dlq payload: %+v", dead[0])
	}
	if dead[0].Error.Name != "MalformedEnvelope" || dead[0].Metadata.CommandID != "" {
		t.Fatalf("unexpected dlq error: %+v", dead[0])
	}
}

func TestRunBatch_InvalidPayloadIsParsingFailure(t *testing.T) {
	mem := broker.NewMemory(1)
	publish(t, mem, envelope("c1", commands.NameHousekeepingTaskAssign, "housekeeping", `{"taskId":"k"}`))
	c, _ := newConsumer(mem, func(context.Context, Command, Metadata) error {
		t.Errorf("handler must not run for an invalid payload")
		return nil
	}, &sink{}, 2)

	if _, err := c.RunBatch(context.Background()); err != nil {
		t.Fatalf("batch: %v", err)
	}
	dead := deadLetters(t, mem)
	if len(dead) != 1 || dead[0].Metadata.FailureReason != domain.FailureParsing || dead[0].Metadata.CommandID != "c1" {
		t.Fatalf("unexpected dlq: %+v", dead)
	}
	if dead[0].Error.Name != "InvalidPayload" {
		t.Fatalf("error name = %s", dead[0].Error.Name)
	}
}

func TestRunBatch_TransientFailureIsRetried(t *testing.T) {
	mem := broker.NewMemory(1)
	publish(t, mem, envelope("c1", commands.NameHousekeepingTaskAssign, "housekeeping", taskJSON))
	var attempts []int
	c, _ := newConsumer(mem, func(_ context.Context, _ Command, md Metadata) error {
		attempts = append(attempts, md.Attempt)
		if md.Attempt < 3 {
			return errors.New("downstream busy")
		}
		return nil
	}, &sink{}, 3)

	res, err := c.RunBatch(context.Background())
	if err != nil || res.Routed != 1 {
		t.Fatalf("batch: %+v, %v", res, err)
	}
	if len(attempts) != 3 || attempts[2] != 3 {
		t.Fatalf("attempts = %v", attempts)
	}
	if len(deadLetters(t, mem)) != 0 {
		t.Fatalf("unexpected dead letter")
	}
}

func TestRunBatch_ExhaustedHandlerIsDeadLetteredAndBatchAdvances(t *testing.T) {
	mem := broker.NewMemory(1)
	publish(t, mem,
		envelope("c1", commands.NameHousekeepingTaskAssign, "housekeeping", taskJSON),
		envelope("c2", commands.NameHousekeepingTaskAssign, "housekeeping", taskJSON),
	)
	var calls atomic.Int32
	s := &sink{}
	c, src := newConsumer(mem, func(_ context.Context, cmd Command, _ Metadata) error {
		calls.Add(1)
		if cmd.Envelope.CommandID == "c1" {
			return errors.New("always fails")
		}
		return nil
	}, s, 2)

	res, err := c.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if res.DeadLettered != 1 || res.Routed != 1 || res.Committed != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if calls.Load() != 4 {
		t.Fatalf("handler calls = %d; want 3 for c1 and 1 for c2", calls.Load())
	}
	dead := deadLetters(t, mem)
	if len(dead) != 1 || dead[0].Metadata.FailureReason != domain.FailureHandler || dead[0].Metadata.Attempts != 3 {
		t.Fatalf("unexpected dlq: %+v", dead)
	}
	if s.outcomes[0] != metrics.OutcomeDLQ || s.outcomes[1] != metrics.OutcomeSuccess {
		t.Fatalf("outcomes = %v", s.outcomes)
	}
	if lag, _ := src.Lag(context.Background()); lag != 0 {
		t.Fatalf("lag = %d", lag)
	}
}

func TestRunBatch_PanicIsPermanent(t *testing.T) {
	mem := broker.NewMemory(1)
	publish(t, mem, envelope("c1", commands.NameHousekeepingTaskAssign, "housekeeping", taskJSON))
	var calls atomic.Int32
	c, _ := newConsumer(mem, func(context.Context, Command, Metadata) error {
		calls.Add(1)
		panic("nil map")
	}, &sink{}, 5)

	res, err := c.RunBatch(context.Background())
	if err != nil || res.DeadLettered != 1 {
		t.Fatalf("batch: %+v, %v", res, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("panicking handler retried %d times", calls.Load())
	}
	dead := deadLetters(t, mem)
	if dead[0].Metadata.Attempts != 1 || dead[0].Metadata.FailureReason != domain.FailureHandler {
		t.Fatalf("unexpected dlq: %+v", dead[0].Metadata)
	}
}

func TestRunBatch_CancelMidRetryCommitsResolvedPrefix(t *testing.T) {
	mem := broker.NewMemory(1)
	publish(t, mem,
		envelope("c1", commands.NameHousekeepingTaskAssign, "housekeeping", taskJSON),
		envelope("c2", commands.NameHousekeepingTaskAssign, "housekeeping", taskJSON),
		envelope("c3", commands.NameHousekeepingTaskAssign, "housekeeping", taskJSON),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fail := true
	var seen []string
	route := func(_ context.Context, cmd Command, _ Metadata) error {
		seen = append(seen, cmd.Envelope.CommandID)
		if cmd.Envelope.CommandID == "c2" && fail {
			cancel()
			return errors.New("downstream busy")
		}
		return nil
	}
	src := mem.Source(topic)
	s := &sink{}
	c := New(Config{
		ServiceName: "housekeeping",
		Topic:       topic,
		Retry:       retry.Policy{MaxRetries: 3, Backoff: retry.Backoff{Base: time.Hour}},
	}, src, mem, route, WithMetrics(s))

	res, err := c.RunBatch(ctx)
	if err == nil || !res.Aborted {
		t.Fatalf("expected an aborted batch: %+v, %v", res, err)
	}
	if res.Committed != 1 {
		t.Fatalf("committed %d; want only the resolved prefix", res.Committed)
	}
	if s.outcomes[len(s.outcomes)-1] != metrics.OutcomeAborted {
		t.Fatalf("outcomes = %v", s.outcomes)
	}
	if len(deadLetters(t, mem)) != 0 {
		t.Fatalf("interrupted command must not be dead-lettered")
	}

	// After a restart the unresolved tail is delivered again.
	fail = false
	seen = nil
	res, err = c.RunBatch(context.Background())
	if err != nil || res.Routed != 2 {
		t.Fatalf("redelivery: %+v, %v", res, err)
	}
	if len(seen) != 2 || seen[0] != "c2" || seen[1] != "c3" {
		t.Fatalf("redelivered = %v", seen)
	}
}

type failDLQ struct{}

func (failDLQ) Publish(context.Context, broker.Message) error { return errors.New("dlq unavailable") }

func TestRunBatch_DeadLetterFailureIsLoggedAndCommitted(t *testing.T) {
	mem := broker.NewMemory(1)
	publishRaw(t, mem, []byte(`garbage`))
	publish(t, mem, envelope("c2", commands.NameHousekeepingTaskAssign, "housekeeping", taskJSON))
	src := mem.Source(topic)
	s := &sink{}
	c := New(Config{Topic: topic}, src, failDLQ{}, func(context.Context, Command, Metadata) error { return nil }, WithMetrics(s))

	res, err := c.RunBatch(context.Background())
	if err != nil || res.Aborted {
		t.Fatalf("batch must not stop on a dead-letter failure: %+v, %v", res, err)
	}
	if res.DeadLetterFailed != 1 || res.Routed != 1 || res.Committed != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if s.outcomes[0] != metrics.OutcomeDLQFailed || s.outcomes[1] != metrics.OutcomeSuccess {
		t.Fatalf("outcomes = %v", s.outcomes)
	}
	if lag, _ := src.Lag(context.Background()); lag != 0 {
		t.Fatalf("lag = %d; want 0", lag)
	}
}

func TestRunBatch_PoisonMessageIsNotRetriedForeverWhenDLQIsDown(t *testing.T) {
	mem := broker.NewMemory(1)
	publish(t, mem, envelope("c1", commands.NameHousekeepingTaskAssign, "housekeeping", taskJSON))
	src := mem.Source(topic)
	var calls atomic.Int32
	c := New(Config{
		ServiceName: "housekeeping",
		Topic:       topic,
		Retry:       retry.Policy{MaxRetries: 2, Backoff: retry.Backoff{Base: time.Millisecond, Max: time.Millisecond}},
	}, src, failDLQ{}, func(context.Context, Command, Metadata) error {
		calls.Add(1)
		return errors.New("always fails")
	})

	for i := 0; i < 5; i++ {
		if _, err := c.RunBatch(context.Background()); err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
	}
	if calls.Load() != 3 {
		t.Fatalf("handler calls = %d; want one retry budget (3)", calls.Load())
	}
	if lag, _ := src.Lag(context.Background()); lag != 0 {
		t.Fatalf("lag = %d; want 0", lag)
	}
}

// cancelDLQ fails the way a publish interrupted by shutdown does.
type cancelDLQ struct{ cancel context.CancelFunc }

func (c cancelDLQ) Publish(ctx context.Context, _ broker.Message) error {
	c.cancel()
	return ctx.Err()
}

func TestRunBatch_DeadLetterFailureDuringShutdownIsRedelivered(t *testing.T) {
	mem := broker.NewMemory(1)
	publishRaw(t, mem, []byte(`garbage`))
	src := mem.Source(topic)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(Config{Topic: topic}, src, cancelDLQ{cancel: cancel}, func(context.Context, Command, Metadata) error { return nil })

	res, err := c.RunBatch(ctx)
	if err == nil || !res.Aborted || res.Committed != 0 {
		t.Fatalf("message must stay uncommitted on shutdown: %+v, %v", res, err)
	}
}

// ---------- lifecycle ----------

func TestStartShutdown(t *testing.T) {
	mem := broker.NewMemory(2)
	var routed atomic.Int32
	c, src := newConsumer(mem, func(context.Context, Command, Metadata) error {
		routed.Add(1)
		return nil
	}, &sink{}, 1)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	publish(t, mem,
		envelope("c1", commands.NameHousekeepingTaskAssign, "housekeeping", taskJSON),
		envelope("c2", commands.NameHousekeepingTaskAssign, "housekeeping", taskJSON),
	)
	deadline := time.Now().Add(2 * time.Second)
	for routed.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("commands not consumed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if lag, _ := src.Lag(context.Background()); lag != 0 {
		t.Fatalf("lag = %d", lag)
	}
}
