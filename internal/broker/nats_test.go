package broker

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func newTestJetStream(t *testing.T) *JetStream {
	t.Helper()
	s, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(func() {
		s.Shutdown()
		s.WaitForShutdown()
	})

	nc, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)

	js, err := NewJetStream(nc, JetStreamConfig{Stream: "COMMANDS", Subjects: []string{"commands", "commands.>"}})
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	return js
}

func TestJetStream_DedupByMessageID(t *testing.T) {
	ctx := context.Background()
	js := newTestJetStream(t)

	msg := Message{
		Topic:   "commands",
		Key:     "tenant-a",
		Value:   []byte(`{"commandId":"c1"}`),
		ID:      "ob-1",
		Headers: map[string]string{"x-command-name": "billing.invoice.adjust"},
	}
	// A crash between publish and mark-delivered re-publishes the same record.
	for i := 0; i < 2; i++ {
		if err := js.Publish(ctx, msg); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	src, err := js.Source("commands", JetStreamSourceConfig{Durable: "consumer", Wait: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	batch, err := src.Pull(ctx, 10, 0)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("want one deduplicated message, got %d", len(batch))
	}
	got := batch[0]
	if got.Key != "tenant-a" || got.ID != "ob-1" || got.Headers["x-command-name"] != "billing.invoice.adjust" {
		t.Fatalf("unexpected message: %+v", got)
	}
	if got.Offset != "1" {
		t.Fatalf("offset = %q; want stream sequence 1", got.Offset)
	}

	if err := src.Commit(ctx, batch); err != nil {
		t.Fatalf("commit: %v", err)
	}
	lag, err := src.Lag(ctx)
	if err != nil || lag != 0 {
		t.Fatalf("lag = %d, %v; want 0", lag, err)
	}

	empty, err := src.Pull(ctx, 10, 0)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty pull, got %d, %v", len(empty), err)
	}
	_ = src.Close()
}

func TestJetStream_DLQSubjectIsSeparate(t *testing.T) {
	ctx := context.Background()
	js := newTestJetStream(t)

	_ = js.Publish(ctx, Message{Topic: "commands", Value: []byte("a"), ID: "1"})
	_ = js.Publish(ctx, Message{Topic: "commands.dlq", Value: []byte("dead"), ID: "2"})

	dlq, err := js.Source("commands.dlq", JetStreamSourceConfig{Durable: "dlq-reader", Wait: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	batch, err := dlq.Pull(ctx, 10, 0)
	if err != nil || len(batch) != 1 || string(batch[0].Value) != "dead" {
		t.Fatalf("dlq pull = %+v, %v", batch, err)
	}
}

func TestJetStream_ByteBudgetOverflowIsRedeliveredInOrder(t *testing.T) {
	ctx := context.Background()
	js := newTestJetStream(t)
	for i, v := range []string{"aaaa", "bbbb", "cccc"} {
		if err := js.Publish(ctx, Message{Topic: "commands", Key: "tenant-a", Value: []byte(v), ID: string(rune('1' + i))}); err != nil {
			t.Fatalf("publish %s: %v", v, err)
		}
	}

	src, err := js.Source("commands", JetStreamSourceConfig{Durable: "budget", Wait: 2 * time.Second, AckWait: 30 * time.Second})
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	first, err := src.Pull(ctx, 3, 6)
	if err != nil || len(first) != 1 || string(first[0].Value) != "aaaa" {
		t.Fatalf("first pull = %+v, %v", first, err)
	}
	if err := src.Commit(ctx, first); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// The overflow comes back now, not after the ack wait.
	start := time.Now()
	rest, err := src.Pull(ctx, 3, 0)
	if err != nil {
		t.Fatalf("second pull: %v", err)
	}
	if len(rest) != 2 || string(rest[0].Value) != "bbbb" || string(rest[1].Value) != "cccc" {
		t.Fatalf("second pull = %+v", rest)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("overflow redelivered after %v", elapsed)
	}
}
