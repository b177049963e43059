package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// StateListener is notified of every state transition.
type StateListener func(target string, from, to State)

// Registry holds one breaker per target, created on first use with a shared
// Config.
type Registry struct {
	cfg       Config
	log       zerolog.Logger
	listeners []StateListener

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry returns an empty registry. Transitions are logged and passed to
// listeners.
func NewRegistry(cfg Config, log zerolog.Logger, listeners ...StateListener) *Registry {
	return &Registry{
		cfg:       cfg,
		log:       log,
		listeners: listeners,
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the breaker for target, creating it when absent.
func (r *Registry) Get(target string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[target]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[target]; ok {
		return b
	}
	b = newBreaker(target, r.cfg, r.onChange)
	r.breakers[target] = b
	return b
}

func (r *Registry) onChange(target string, from, to State) {
	ev := r.log.Info()
	if to == StateOpen {
		ev = r.log.Warn()
	}
	ev.Str("target", target).Str("from", string(from)).Str("to", string(to)).Msg("circuit breaker state change")
	for _, l := range r.listeners {
		l(target, from, to)
	}
}

// Snapshot is the state of one breaker.
type Snapshot struct {
	Target string `json:"target"`
	State  State  `json:"state"`
}

// States returns every breaker's state sorted by target.
func (r *Registry) States() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.breakers))
	for name, b := range r.breakers {
		out = append(out, Snapshot{Target: name, State: b.State()})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}
