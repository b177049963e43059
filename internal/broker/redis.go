package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream entry fields written by RedisPublisher.
const (
	fieldKey     = "key"
	fieldValue   = "value"
	fieldHeaders = "headers"
	fieldID      = "id"
)

// RedisPublisher appends messages to Redis Streams, one stream per topic.
type RedisPublisher struct {
	client redis.UniversalClient
	maxLen int64
}

// NewRedisPublisher returns a publisher. A positive maxLen trims each stream
// approximately to that many entries.
func NewRedisPublisher(client redis.UniversalClient, maxLen int64) *RedisPublisher {
	return &RedisPublisher{client: client, maxLen: maxLen}
}

// Publish XADDs msg to the stream named after its topic.
func (p *RedisPublisher) Publish(ctx context.Context, msg Message) error {
	hdr, err := json.Marshal(msg.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: msg.Topic,
		Values: map[string]any{
			fieldKey:     msg.Key,
			fieldValue:   msg.Value,
			fieldHeaders: string(hdr),
			fieldID:      msg.ID,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	return p.client.XAdd(ctx, args).Err()
}

// RedisSourceConfig selects the consumer group and read behaviour.
type RedisSourceConfig struct {
	Group    string
	Consumer string
	// Block is how long Pull waits for new entries (default 500ms).
	Block time.Duration
}

// RedisSource reads a stream through a consumer group. Entries delivered to
// this consumer but never acknowledged are returned first, so a restart
// resumes with the uncommitted tail.
type RedisSource struct {
	client redis.UniversalClient
	stream string
	cfg    RedisSourceConfig
}

// NewRedisSource creates the consumer group (and the stream) when missing.
func NewRedisSource(ctx context.Context, client redis.UniversalClient, stream string, cfg RedisSourceConfig) (*RedisSource, error) {
	if cfg.Group == "" || cfg.Consumer == "" {
		return nil, errors.New("redis source: group and consumer are required")
	}
	if cfg.Block <= 0 {
		cfg.Block = 500 * time.Millisecond
	}
	err := client.XGroupCreateMkStream(ctx, stream, cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return &RedisSource{client: client, stream: stream, cfg: cfg}, nil
}

// Pull returns pending entries for this consumer, or new entries when none
// are pending.
func (s *RedisSource) Pull(ctx context.Context, max, maxBytes int) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	msgs, err := s.read(ctx, "0", max, -1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		msgs, err = s.read(ctx, ">", max, s.cfg.Block)
		if err != nil {
			return nil, err
		}
	}

	used := 0
	for i, m := range msgs {
		if !fits(i, used, len(m.Value), maxBytes) {
			// The remainder stays pending and is read first next time.
			return msgs[:i], nil
		}
		used += len(m.Value)
	}
	return msgs, nil
}

func (s *RedisSource) read(ctx context.Context, id string, max int, block time.Duration) ([]Message, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		Streams:  []string{s.stream, id},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Message
	for _, st := range res {
		for _, xm := range st.Messages {
			// Pending entries whose data was trimmed come back without values.
			if len(xm.Values) == 0 {
				continue
			}
			out = append(out, fromStreamEntry(st.Stream, xm))
		}
	}
	return out, nil
}

func fromStreamEntry(stream string, xm redis.XMessage) Message {
	msg := Message{Topic: stream, Offset: xm.ID}
	msg.Key, _ = xm.Values[fieldKey].(string)
	msg.ID, _ = xm.Values[fieldID].(string)
	if v, ok := xm.Values[fieldValue].(string); ok {
		msg.Value = []byte(v)
	}
	if h, ok := xm.Values[fieldHeaders].(string); ok && h != "" && h != "null" {
		_ = json.Unmarshal([]byte(h), &msg.Headers)
	}
	return msg
}

// Commit acknowledges msgs in the consumer group.
func (s *RedisSource) Commit(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.Offset)
	}
	return s.client.XAck(ctx, s.stream, s.cfg.Group, ids...).Err()
}

// Lag returns the entries not yet delivered to the group plus those delivered
// but unacknowledged.
func (s *RedisSource) Lag(ctx context.Context) (int64, error) {
	groups, err := s.client.XInfoGroups(ctx, s.stream).Result()
	if err != nil {
		return 0, err
	}
	for _, g := range groups {
		if g.Name == s.cfg.Group {
			return g.Lag + g.Pending, nil
		}
	}
	return 0, fmt.Errorf("consumer group %q not found", s.cfg.Group)
}
