package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tbourn/command-relay/internal/broker"
	"github.com/tbourn/command-relay/internal/config"
	"github.com/tbourn/command-relay/internal/domain"
)

// transport bundles the broker endpoints the workers share.
type transport struct {
	pub    broker.Publisher
	dlqPub broker.Publisher
	src    broker.Source
	close  func()
}

// openTransport connects to the configured broker. src is nil when the
// consumer is disabled.
func openTransport(ctx context.Context, cfg config.Config, log zerolog.Logger) (*transport, error) {
	cc := cfg.Commands
	t := &transport{close: func() {}}

	switch cfg.Broker.Kind {
	case "memory":
		m := broker.NewMemory(4)
		t.pub = m
		if cc.ConsumerEnabled {
			t.src = m.Source(cc.Topic)
		}
		t.close = func() { _ = m.Close() }

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Broker.RedisAddr,
			Password: cfg.Broker.RedisPassword,
			DB:       cfg.Broker.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Broker.RedisAddr, err)
		}
		t.pub = broker.NewRedisPublisher(client, 0)
		if cc.ConsumerEnabled {
			src, err := broker.NewRedisSource(ctx, client, cc.Topic, broker.RedisSourceConfig{
				Group:    cc.Group,
				Consumer: cfg.Outbox.WorkerID,
			})
			if err != nil {
				_ = client.Close()
				return nil, err
			}
			t.src = src
		}
		t.close = func() { _ = client.Close() }

	case "nats":
		nc, err := nats.Connect(cfg.Broker.NATSURL,
			nats.Name(cc.ServiceName),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					log.Warn().Err(err).Msg("nats disconnected")
				}
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("nats connect %s: %w", cfg.Broker.NATSURL, err)
		}
		js, err := broker.NewJetStream(nc, broker.JetStreamConfig{
			Stream:   cfg.Broker.NATSStream,
			Subjects: streamSubjects(cc.Topic, cc.DLQTopic),
		})
		if err != nil {
			nc.Close()
			return nil, err
		}
		t.pub = js
		if cc.ConsumerEnabled {
			src, err := js.Source(cc.Topic, broker.JetStreamSourceConfig{Durable: cc.Group})
			if err != nil {
				nc.Close()
				return nil, err
			}
			t.src = src
		}
		t.close = func() {
			if err := nc.Drain(); err != nil {
				nc.Close()
			}
		}

	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker.Kind)
	}

	t.dlqPub = t.pub
	if def := domain.DLQTopic(cc.Topic); cc.DLQTopic != "" && cc.DLQTopic != def {
		t.dlqPub = renameTopic{Publisher: t.pub, from: def, to: cc.DLQTopic}
	}
	return t, nil
}

// streamSubjects covers the command topic, its sub-topics, and a DLQ topic
// outside that tree.
func streamSubjects(topic, dlqTopic string) []string {
	subjects := []string{topic, topic + ".>"}
	if dlqTopic != "" && dlqTopic != topic && !strings.HasPrefix(dlqTopic, topic+".") {
		subjects = append(subjects, dlqTopic)
	}
	return subjects
}

// renameTopic publishes messages addressed to from on to instead.
type renameTopic struct {
	broker.Publisher
	from, to string
}

func (r renameTopic) Publish(ctx context.Context, msg broker.Message) error {
	if msg.Topic == r.from {
		msg.Topic = r.to
	}
	return r.Publisher.Publish(ctx, msg)
}
