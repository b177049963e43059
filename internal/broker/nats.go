package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
)

// HeaderPartitionKey carries Message.Key on JetStream, which has no native key.
const HeaderPartitionKey = "x-partition-key"

// JetStreamConfig describes the stream backing the command topics.
type JetStreamConfig struct {
	Stream   string
	Subjects []string
	MaxAge   time.Duration
	// Duplicates is the server-side dedup window for Nats-Msg-Id (default 2m).
	Duplicates time.Duration
}

// JetStream publishes to and consumes from a NATS JetStream stream. Publishes
// carry Nats-Msg-Id so a re-publish of the same outbox record inside the
// duplicates window is dropped by the server.
type JetStream struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	cfg JetStreamConfig
}

// NewJetStream creates or updates the configured stream.
func NewJetStream(nc *nats.Conn, cfg JetStreamConfig) (*JetStream, error) {
	if cfg.Stream == "" || len(cfg.Subjects) == 0 {
		return nil, errors.New("jetstream: stream and subjects are required")
	}
	if cfg.Duplicates <= 0 {
		cfg.Duplicates = 2 * time.Minute
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	b := &JetStream{nc: nc, js: js, cfg: cfg}
	if err := b.ensureStream(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *JetStream) ensureStream() error {
	sc := &nats.StreamConfig{
		Name:       b.cfg.Stream,
		Subjects:   b.cfg.Subjects,
		Retention:  nats.LimitsPolicy,
		MaxAge:     b.cfg.MaxAge,
		Duplicates: b.cfg.Duplicates,
		Storage:    nats.FileStorage,
		Replicas:   1,
	}
	if _, err := b.js.StreamInfo(b.cfg.Stream); err != nil {
		if _, err := b.js.AddStream(sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		return nil
	}
	if _, err := b.js.UpdateStream(sc); err != nil {
		return fmt.Errorf("update stream: %w", err)
	}
	return nil
}

// Publish sends msg to the subject named after its topic and waits for the ack.
func (b *JetStream) Publish(ctx context.Context, msg Message) error {
	nm := nats.NewMsg(msg.Topic)
	nm.Data = msg.Value
	for k, v := range msg.Headers {
		nm.Header.Set(k, v)
	}
	if msg.Key != "" {
		nm.Header.Set(HeaderPartitionKey, msg.Key)
	}
	opts := []nats.PubOpt{nats.Context(ctx)}
	if msg.ID != "" {
		opts = append(opts, nats.MsgId(msg.ID))
	}
	_, err := b.js.PublishMsg(nm, opts...)
	return err
}

// JetStreamSourceConfig selects the durable consumer.
type JetStreamSourceConfig struct {
	Durable string
	// Wait bounds how long Pull waits for messages (default 500ms).
	Wait time.Duration
	// AckWait is the server redelivery timeout for unacknowledged messages.
	AckWait time.Duration
}

// Source binds to a durable pull consumer on subject, creating it when
// missing. The consumer outlives the subscription, so a restart resumes from
// the last acknowledged message.
func (b *JetStream) Source(subject string, cfg JetStreamSourceConfig) (*JetStreamSource, error) {
	if cfg.Durable == "" {
		return nil, errors.New("jetstream source: durable name is required")
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 500 * time.Millisecond
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if _, err := b.js.ConsumerInfo(b.cfg.Stream, cfg.Durable); err != nil {
		_, err = b.js.AddConsumer(b.cfg.Stream, &nats.ConsumerConfig{
			Durable:       cfg.Durable,
			FilterSubject: subject,
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       cfg.AckWait,
			DeliverPolicy: nats.DeliverAllPolicy,
		})
		if err != nil {
			return nil, fmt.Errorf("create consumer: %w", err)
		}
	}
	sub, err := b.js.PullSubscribe(subject, cfg.Durable, nats.Bind(b.cfg.Stream, cfg.Durable))
	if err != nil {
		return nil, fmt.Errorf("pull subscribe: %w", err)
	}
	return &JetStreamSource{sub: sub, subject: subject, wait: cfg.Wait}, nil
}

// JetStreamSource is a Source over a durable pull consumer. Unacknowledged
// messages are redelivered by the server after its ack wait.
type JetStreamSource struct {
	sub     *nats.Subscription
	subject string
	wait    time.Duration
}

// Pull fetches up to max messages. maxBytes is applied to the returned slice;
// fetched messages past the budget are negatively acknowledged so the server
// redelivers them ahead of newer messages.
func (s *JetStreamSource) Pull(ctx context.Context, max, maxBytes int) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	fctx, cancel := context.WithTimeout(ctx, s.wait)
	defer cancel()

	raw, err := s.sub.Fetch(max, nats.Context(fctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]Message, 0, len(raw))
	used := 0
	for i, nm := range raw {
		if !fits(len(out), used, len(nm.Data), maxBytes) {
			for _, rest := range raw[i:] {
				_ = rest.Nak()
			}
			break
		}
		used += len(nm.Data)
		out = append(out, fromNATS(nm))
	}
	return out, nil
}

func fromNATS(nm *nats.Msg) Message {
	msg := Message{Topic: nm.Subject, Value: nm.Data, jsMsg: nm}
	if len(nm.Header) > 0 {
		msg.Headers = make(map[string]string, len(nm.Header))
		for k := range nm.Header {
			switch k {
			case HeaderPartitionKey:
				msg.Key = nm.Header.Get(k)
			case nats.MsgIdHdr:
				msg.ID = nm.Header.Get(k)
			default:
				msg.Headers[k] = nm.Header.Get(k)
			}
		}
	}
	if md, err := nm.Metadata(); err == nil {
		msg.Offset = strconv.FormatUint(md.Sequence.Stream, 10)
	}
	return msg
}

// Commit acknowledges msgs synchronously, in order.
func (s *JetStreamSource) Commit(ctx context.Context, msgs []Message) error {
	for _, m := range msgs {
		if m.jsMsg == nil {
			return fmt.Errorf("commit: message %s was not pulled from jetstream", m.Offset)
		}
		if err := m.jsMsg.AckSync(nats.Context(ctx)); err != nil {
			return fmt.Errorf("ack %s: %w", m.Offset, err)
		}
	}
	return nil
}

// Lag returns the consumer's undelivered plus unacknowledged message count.
func (s *JetStreamSource) Lag(ctx context.Context) (int64, error) {
	info, err := s.sub.ConsumerInfo()
	if err != nil {
		return 0, err
	}
	return int64(info.NumPending) + int64(info.NumAckPending), nil
}

// Close unsubscribes. The bound durable consumer is kept on the server.
func (s *JetStreamSource) Close() error {
	return s.sub.Unsubscribe()
}
