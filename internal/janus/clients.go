package janus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Transport is a live connection to one backend.
type Transport interface {
	Send(ctx context.Context, req Request) error
	// Done is closed once the connection is gone.
	Done() <-chan struct{}
	Close() error
}

// Dialer opens a transport to the backend at url.
type Dialer interface {
	Dial(ctx context.Context, backendID, url string) (Transport, error)
}

// Clients is the registry of live backend connections keyed by backend id.
type Clients struct {
	mu      sync.RWMutex
	clients map[string]Transport
	dialer  Dialer
	logger  *slog.Logger
}

func NewClients(dialer Dialer, logger *slog.Logger) *Clients {
	if logger == nil {
		logger = slog.Default()
	}
	return &Clients{clients: make(map[string]Transport), dialer: dialer, logger: logger}
}

// Get returns the transport of backendID, if connected.
func (c *Clients) Get(backendID string) (Transport, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.clients[backendID]
	return t, ok
}

// GetOrInsert returns the transport of backendID, dialing url when none is registered.
func (c *Clients) GetOrInsert(ctx context.Context, backendID, url string) (Transport, error) {
	if t, ok := c.Get(backendID); ok {
		return t, nil
	}
	if c.dialer == nil || url == "" {
		return nil, Errorf(ErrBackendClientCreation, "no connection to backend %q", backendID)
	}

	// Dial outside the lock; a concurrent winner keeps its transport.
	t, err := c.dialer.Dial(ctx, backendID, url)
	if err != nil {
		return nil, NewError(ErrBackendClientCreation, fmt.Errorf("dial backend %q: %w", backendID, err))
	}

	c.mu.Lock()
	if existing, ok := c.clients[backendID]; ok {
		c.mu.Unlock()
		_ = t.Close()
		return existing, nil
	}
	c.clients[backendID] = t
	c.mu.Unlock()

	c.logger.Info("backend client registered", "backend_id", backendID)
	return t, nil
}

// Insert registers t for backendID, closing any transport it replaces.
func (c *Clients) Insert(backendID string, t Transport) {
	c.mu.Lock()
	old, ok := c.clients[backendID]
	c.clients[backendID] = t
	c.mu.Unlock()
	if ok && old != t {
		_ = old.Close()
	}
}

// Remove unregisters and closes the transport of backendID.
func (c *Clients) Remove(backendID string) {
	c.mu.Lock()
	t, ok := c.clients[backendID]
	delete(c.clients, backendID)
	c.mu.Unlock()
	if ok {
		_ = t.Close()
		c.logger.Info("backend client removed", "backend_id", backendID)
	}
}

// IDs returns the connected backend ids in sorted order.
func (c *Clients) IDs() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.clients))
	for id := range c.clients {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Send implements Sender over the registered transports.
func (c *Clients) Send(ctx context.Context, backendID string, req Request) error {
	t, ok := c.Get(backendID)
	if !ok {
		return Errorf(ErrBackendClientCreation, "no connection to backend %q", backendID)
	}
	if err := t.Send(ctx, req); err != nil {
		return NewError(ErrBackendRequest, fmt.Errorf("send to backend %q: %w", backendID, err))
	}
	return nil
}

// Close closes every registered transport.
func (c *Clients) Close() {
	c.mu.Lock()
	all := c.clients
	c.clients = make(map[string]Transport)
	c.mu.Unlock()
	for _, t := range all {
		_ = t.Close()
	}
}
