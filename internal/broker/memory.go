package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Memory is an in-process partitioned log. Messages with the same key land on
// the same partition and keep their publish order. It backs local runs and
// tests; nothing survives a restart.
type Memory struct {
	mu         sync.Mutex
	partitions int
	logs       map[string][][]Message
	closed     bool
}

// NewMemory returns a Memory broker with the given partition count (minimum 1).
func NewMemory(partitions int) *Memory {
	if partitions < 1 {
		partitions = 1
	}
	return &Memory{partitions: partitions, logs: make(map[string][][]Message)}
}

// Publish appends msg to its topic.
func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	log := m.topicLocked(msg.Topic)
	p := partitionFor(msg.Key, m.partitions)
	msg.Partition = p
	msg.Offset = strconv.Itoa(len(log[p]))
	msg.Value = append([]byte(nil), msg.Value...)
	msg.Headers = copyHeaders(msg.Headers)
	log[p] = append(log[p], msg)
	return nil
}

func (m *Memory) topicLocked(topic string) [][]Message {
	log, ok := m.logs[topic]
	if !ok {
		log = make([][]Message, m.partitions)
		m.logs[topic] = log
	}
	return log
}

// Messages returns every message on topic, partition by partition.
func (m *Memory) Messages(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, part := range m.logs[topic] {
		out = append(out, part...)
	}
	return out
}

// Close makes further publishes fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Source returns a consumer over topic that starts at the beginning of every
// partition.
func (m *Memory) Source(topic string) *MemorySource {
	return &MemorySource{
		m:         m,
		topic:     topic,
		committed: make([]int, m.partitions),
		cursor:    make([]int, m.partitions),
	}
}

// MemorySource reads a Memory topic with per-partition committed offsets.
type MemorySource struct {
	m     *Memory
	topic string

	mu        sync.Mutex
	committed []int
	cursor    []int
}

// Pull returns the next messages after the read cursor, partition by partition.
func (s *MemorySource) Pull(ctx context.Context, max, maxBytes int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, nil
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	used := 0
	for p, part := range s.m.logs[s.topic] {
		for s.cursor[p] < len(part) && len(out) < max {
			msg := part[s.cursor[p]]
			if !fits(len(out), used, len(msg.Value), maxBytes) {
				return out, nil
			}
			used += len(msg.Value)
			out = append(out, msg)
			s.cursor[p]++
		}
	}
	return out, nil
}

// Commit advances the committed offset of each message's partition.
func (s *MemorySource) Commit(ctx context.Context, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		off, err := strconv.Atoi(msg.Offset)
		if err != nil {
			return fmt.Errorf("commit: bad offset %q: %w", msg.Offset, err)
		}
		p := int(msg.Partition)
		if p < 0 || p >= len(s.committed) {
			return fmt.Errorf("commit: bad partition %d", msg.Partition)
		}
		if off+1 > s.committed[p] {
			s.committed[p] = off + 1
		}
	}
	return nil
}

// Rewind moves the read cursor back to the committed offsets, so uncommitted
// messages are delivered again as after a consumer restart.
func (s *MemorySource) Rewind() {
	s.mu.Lock()
	copy(s.cursor, s.committed)
	s.mu.Unlock()
}

// Lag returns the number of messages not yet committed.
func (s *MemorySource) Lag(ctx context.Context) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for p, part := range s.m.logs[s.topic] {
		n += int64(len(part) - s.committed[p])
	}
	return n, nil
}
