// ABOUTME: Post-handshake method dispatch contract
// ABOUTME: A scope-checking method mux is the default implementation

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/2389/tether-gateway/internal/auth"
)

// Dispatch errors. ErrMissingScope's message is the wire error code, so
// clients can match on it.
var (
	ErrMissingScope  = errors.New("missing scope")
	ErrUnknownMethod = errors.New("unknown method")
)

// Dispatcher handles requests arriving after a connection is established.
// The context carries the connection's auth.AuthContext; scope enforcement
// is the dispatcher's job, not the gateway's. A scope failure keeps the
// connection open.
type Dispatcher interface {
	Dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, error)
}

// HandlerFunc handles a single dispatched method.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

type muxEntry struct {
	scope   string
	handler HandlerFunc
}

// Mux is a method-table Dispatcher. Each method may require a scope;
// requests from principals without it fail with ErrMissingScope.
type Mux struct {
	mu      sync.RWMutex
	methods map[string]muxEntry
}

// NewMux creates an empty method mux.
func NewMux() *Mux {
	return &Mux{methods: make(map[string]muxEntry)}
}

// Register adds a method handler. An empty scope means any established
// connection may call it.
func (m *Mux) Register(method, scope string, handler HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methods[method] = muxEntry{scope: scope, handler: handler}
}

// Dispatch implements Dispatcher.
func (m *Mux) Dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	m.mu.RLock()
	entry, ok := m.methods[method]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownMethod
	}

	if entry.scope != "" {
		ac := auth.FromContext(ctx)
		if ac == nil || !ac.HasScope(entry.scope) {
			return nil, ErrMissingScope
		}
	}
	return entry.handler(ctx, params)
}
