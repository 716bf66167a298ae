package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/agentsandbox/pkg/realtime/transport"
)

// ErrTransportNotRegistered is returned by [Registry.CreateTransport] when no
// constructor has been registered under the requested kind.
var ErrTransportNotRegistered = errors.New("config: transport not registered")

// TransportConstructor builds a transport factory from the realtime section.
type TransportConstructor func(rt RealtimeConfig, log *slog.Logger) (transport.Factory, error)

// Registry maps transport kinds to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	transports map[transport.Kind]TransportConstructor
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{transports: make(map[transport.Kind]TransportConstructor)}
}

// RegisterTransport registers a constructor under kind. A later registration
// under the same kind replaces the earlier one.
func (r *Registry) RegisterTransport(kind transport.Kind, ctor TransportConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[kind] = ctor
}

// CreateTransport returns a transport factory for rt.Transport.
func (r *Registry) CreateTransport(rt RealtimeConfig, log *slog.Logger) (transport.Factory, error) {
	r.mu.RLock()
	ctor, ok := r.transports[rt.Transport]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTransportNotRegistered, rt.Transport)
	}
	f, err := ctor(rt, log)
	if err != nil {
		return nil, fmt.Errorf("config: create transport %q: %w", rt.Transport, err)
	}
	return f, nil
}

// Transports returns the registered kinds in sorted order.
func (r *Registry) Transports() []transport.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]transport.Kind, 0, len(r.transports))
	for k := range r.transports {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
