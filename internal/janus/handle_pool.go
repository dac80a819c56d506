package janus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	cotel "github.com/basket/conductor/internal/otel"
)

const defaultWarmupConcurrency = 4

// HandleCreator issues one pool handle request.
type HandleCreator interface {
	CreatePoolHandle(ctx context.Context, backendID string, sessionID int64) (string, error)
}

// HandlePool keeps pre-attached handles per backend so that stream setup
// does not wait for an attach round trip.
type HandlePool struct {
	creator     HandleCreator
	reporter    ErrorReporter
	metrics     *cotel.Metrics
	logger      *slog.Logger
	concurrency int

	mu      sync.Mutex
	handles map[string][]int64
	wg      sync.WaitGroup
}

func NewHandlePool(creator HandleCreator, reporter ErrorReporter, metrics *cotel.Metrics, logger *slog.Logger) *HandlePool {
	if logger == nil {
		logger = slog.Default()
	}
	return &HandlePool{
		creator:     creator,
		reporter:    reporter,
		metrics:     metrics,
		logger:      logger,
		concurrency: defaultWarmupConcurrency,
		handles:     make(map[string][]int64),
	}
}

// CreateHandles registers backendID and warms size handles in the background.
// Failures are reported, never returned.
func (p *HandlePool) CreateHandles(ctx context.Context, backendID string, sessionID int64, size int) {
	p.mu.Lock()
	if _, ok := p.handles[backendID]; !ok {
		p.handles[backendID] = nil
	}
	p.mu.Unlock()
	if size <= 0 {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
		g.SetLimit(p.concurrency)
		for i := 0; i < size; i++ {
			g.Go(func() error {
				if _, err := p.creator.CreatePoolHandle(gctx, backendID, sessionID); err != nil {
					return fmt.Errorf("create pool handle %d/%d: %w", i+1, size, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			p.logger.Error("handle pool warm-up failed", "backend_id", backendID, "error", err)
			if p.reporter != nil {
				p.reporter.Report(ctx, NewError(ErrBackendInitialization, err))
			}
		}
	}()
}

// HandleCreated adds a freshly attached handle. Handles of unknown or
// removed backends are dropped.
func (p *HandlePool) HandleCreated(ctx context.Context, backendID string, handleID int64) bool {
	p.mu.Lock()
	handles, ok := p.handles[backendID]
	if ok {
		p.handles[backendID] = append(handles, handleID)
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Debug("pool handle for unknown backend ignored", "backend_id", backendID, "handle_id", handleID)
		return false
	}
	if p.metrics != nil {
		p.metrics.PoolHandles.Add(ctx, 1, cotelBackend(backendID))
	}
	return true
}

// Take pops a warm handle of backendID.
func (p *HandlePool) Take(ctx context.Context, backendID string) (int64, bool) {
	p.mu.Lock()
	handles := p.handles[backendID]
	if len(handles) == 0 {
		p.mu.Unlock()
		return 0, false
	}
	h := handles[0]
	p.handles[backendID] = handles[1:]
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.PoolHandles.Add(ctx, -1, cotelBackend(backendID))
	}
	return h, true
}

// Release puts back a handle taken for a stream that never got set up.
func (p *HandlePool) Release(ctx context.Context, backendID string, handleID int64) bool {
	return p.HandleCreated(ctx, backendID, handleID)
}

// Replenish attaches one handle in the background to replace a taken one.
// Nothing is attached for a backend whose pool was removed.
func (p *HandlePool) Replenish(ctx context.Context, backendID string, sessionID int64) {
	p.mu.Lock()
	_, ok := p.handles[backendID]
	p.mu.Unlock()
	if !ok {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.creator.CreatePoolHandle(context.WithoutCancel(ctx), backendID, sessionID); err != nil {
			p.logger.Error("handle pool refill failed", "backend_id", backendID, "error", err)
			if p.reporter != nil {
				p.reporter.Report(ctx, NewError(ErrBackendRequest, fmt.Errorf("refill pool handle: %w", err)))
			}
		}
	}()
}

// Remove drops the pool of backendID.
func (p *HandlePool) Remove(ctx context.Context, backendID string) {
	p.mu.Lock()
	n := len(p.handles[backendID])
	delete(p.handles, backendID)
	p.mu.Unlock()

	if p.metrics != nil && n > 0 {
		p.metrics.PoolHandles.Add(ctx, int64(-n), cotelBackend(backendID))
	}
}

// Size returns the number of warm handles of backendID.
func (p *HandlePool) Size(backendID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles[backendID])
}

// Wait blocks until every warm-up and refill started so far has finished.
func (p *HandlePool) Wait() {
	p.wg.Wait()
}

func cotelBackend(backendID string) metric.AddOption {
	return metric.WithAttributes(cotel.AttrBackendID.String(backendID))
}
