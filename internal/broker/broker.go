// Package broker defines the transport seam of the pipeline: a Publisher used
// by the outbox dispatcher and a pull-based Source used by the command
// consumer, plus adapters for an in-process log, Redis Streams and NATS
// JetStream.
package broker

import (
	"context"
	"errors"
	"hash/fnv"

	"github.com/nats-io/nats.go"
)

// ErrClosed is returned by adapters used after Close.
var ErrClosed = errors.New("broker closed")

// Message is a keyed record on a topic.
//
// On publish, ID is a deduplication id (the outbox record id) that adapters
// forward where the transport supports it. On delivery, Partition and Offset
// locate the message and are what Commit acknowledges.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	ID        string
	Partition int32
	Offset    string

	jsMsg *nats.Msg
}

// Publisher appends messages to a topic.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Source is an ordered at-least-once stream of messages.
//
// Pull returns up to max messages whose combined value size stays within
// maxBytes (at least one message is always returned when any is available;
// maxBytes <= 0 means unbounded). It may return an empty slice when nothing
// arrived within the adapter's wait. Messages pulled but not committed are
// delivered again.
type Source interface {
	Pull(ctx context.Context, max, maxBytes int) ([]Message, error)
	Commit(ctx context.Context, msgs []Message) error
}

// LagReporter is implemented by sources that can report how many messages
// are still waiting to be processed.
type LagReporter interface {
	Lag(ctx context.Context) (int64, error)
}

// fits reports whether a message of size bytes may join a batch that already
// holds n messages totalling used bytes.
func fits(n, used, size, maxBytes int) bool {
	return n == 0 || maxBytes <= 0 || used+size <= maxBytes
}

// partitionFor hashes key onto one of n partitions.
func partitionFor(key string, n int) int32 {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int32(h.Sum32() % uint32(n))
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
