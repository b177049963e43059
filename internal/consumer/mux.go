package consumer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tbourn/command-relay/internal/commands"
	"github.com/tbourn/command-relay/internal/retry"
	"github.com/tbourn/command-relay/internal/services"
)

// ErrNoHandler is returned (as a permanent error) for commands no handler is
// registered for.
var ErrNoHandler = errors.New("no handler for command")

// ErrPayloadType is returned when a typed handler receives another payload type.
var ErrPayloadType = errors.New("unexpected payload type")

// Mux routes commands to handlers by command name.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]RouteFunc
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]RouteFunc)}
}

// Handle registers fn for name, replacing any previous handler.
func (m *Mux) Handle(name string, fn RouteFunc) {
	m.mu.Lock()
	m.handlers[services.NormalizeCommandName(name)] = fn
	m.mu.Unlock()
}

// Names returns the registered command names, sorted.
func (m *Mux) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for n := range m.handlers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Route implements RouteFunc.
func (m *Mux) Route(ctx context.Context, cmd Command, md Metadata) error {
	m.mu.RLock()
	fn, ok := m.handlers[cmd.Envelope.CommandName]
	m.mu.RUnlock()
	if !ok {
		return retry.Permanent(fmt.Errorf("%w: %s", ErrNoHandler, cmd.Envelope.CommandName))
	}
	return fn(ctx, cmd, md)
}

// HandleTyped registers a handler that receives the decoded payload as P.
// A command whose payload is not a P fails permanently.
func HandleTyped[P commands.Payload](m *Mux, name string, fn func(ctx context.Context, cmd Command, p P, md Metadata) error) {
	m.Handle(name, func(ctx context.Context, cmd Command, md Metadata) error {
		p, ok := cmd.Payload.(P)
		if !ok {
			return retry.Permanent(fmt.Errorf("%w: %s got %T", ErrPayloadType, name, cmd.Payload))
		}
		return fn(ctx, cmd, p, md)
	})
}
