package janus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/conductor/internal/config"
	"github.com/basket/conductor/internal/persistence"
)

// ManagerConfig holds the dependencies of the backend connection manager.
type ManagerConfig struct {
	Dispatcher        *Dispatcher
	Clients           *Clients
	Tracker           *Tracker
	Backends          []config.BackendConfig
	ReconnectInterval time.Duration
	PingInterval      time.Duration
	SweepInterval     time.Duration
	Logger            *slog.Logger
}

// Manager keeps one connection per configured backend. A connection that
// goes away turns its backend offline and is redialed after the reconnect
// interval.
type Manager struct {
	dispatcher *Dispatcher
	clients    *Clients
	tracker    *Tracker
	backends   []config.BackendConfig
	reconnect  time.Duration
	ping       time.Duration
	sweep      time.Duration
	logger     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reconnect := cfg.ReconnectInterval
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}
	return &Manager{
		dispatcher: cfg.Dispatcher,
		clients:    cfg.Clients,
		tracker:    cfg.Tracker,
		backends:   cfg.Backends,
		reconnect:  reconnect,
		ping:       cfg.PingInterval,
		sweep:      cfg.SweepInterval,
		logger:     logger,
	}
}

// Start launches the connection, keepalive and expiry loops.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	for _, b := range m.backends {
		m.wg.Add(1)
		go m.connectLoop(ctx, b)
	}
	if m.ping > 0 {
		m.wg.Add(1)
		go m.pingLoop(ctx)
	}
	if m.tracker != nil && m.sweep > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.tracker.Run(ctx, m.sweep)
		}()
	}
	m.logger.Info("backend manager started", "backends", len(m.backends))
}

// Stop cancels every loop, waits for them and closes the connections.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.clients.Close()
	m.logger.Info("backend manager stopped")
}

func (m *Manager) connectLoop(ctx context.Context, b config.BackendConfig) {
	defer m.wg.Done()
	logger := m.logger.With("backend_id", b.ID)
	for {
		t, err := m.clients.GetOrInsert(ctx, b.ID, b.URL)
		if err != nil {
			logger.Warn("backend connection failed", "error", err)
		} else {
			_ = m.dispatcher.HandleStatus(ctx, b.ID, true)
			select {
			case <-ctx.Done():
				return
			case <-t.Done():
			}
			_ = m.dispatcher.HandleStatus(context.WithoutCancel(ctx), b.ID, false)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.reconnect):
		}
	}
}

func (m *Manager) pingLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.ping)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pingAll(ctx)
		}
	}
}

// pingAll sends a keepalive over the control handle of every ready backend.
// Backends that have not finished bootstrap are skipped.
func (m *Manager) pingAll(ctx context.Context) {
	for _, id := range m.clients.IDs() {
		var b *persistence.Backend
		err := m.dispatcher.store.Read(ctx, func(q *persistence.Queries) error {
			var err error
			b, err = q.FindBackend(ctx, id)
			return err
		})
		if err != nil {
			m.logger.Warn("service ping skipped", "backend_id", id, "error", err)
			continue
		}
		if b == nil {
			continue
		}
		target := StreamTarget{BackendID: b.ID, SessionID: b.SessionID, HandleID: b.HandleID}
		if _, err := m.dispatcher.client.ServicePing(ctx, target); err != nil {
			m.logger.Warn("service ping failed", "backend_id", id, "error", err)
		}
	}
}
