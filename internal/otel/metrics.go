package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/conductor/internal/stats"
)

// Metrics holds the conductor's metric instruments.
type Metrics struct {
	InboundMessages   metric.Int64Counter
	OutboundRequests  metric.Int64Counter
	DispatchDuration  metric.Float64Histogram
	Errors            metric.Int64Counter
	StreamTransitions metric.Int64Counter
	UploadResults     metric.Int64Counter
	RoomsClosed       metric.Int64Counter
	PoolHandles       metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.InboundMessages, err = meter.Int64Counter("conductor.janus.inbound",
		metric.WithDescription("Backend messages received, by envelope kind and transaction kind"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboundRequests, err = meter.Int64Counter("conductor.janus.outbound",
		metric.WithDescription("Requests sent to backends, by method"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("conductor.janus.dispatch.duration",
		metric.WithDescription("Time spent handling one backend message"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Errors, err = meter.Int64Counter("conductor.errors",
		metric.WithDescription("Reported errors, by kind"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamTransitions, err = meter.Int64Counter("conductor.stream.transitions",
		metric.WithDescription("Stream lifecycle transitions, by transition"),
	)
	if err != nil {
		return nil, err
	}

	m.UploadResults, err = meter.Int64Counter("conductor.upload.results",
		metric.WithDescription("Upload responses, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.RoomsClosed, err = meter.Int64Counter("conductor.rooms.closed",
		metric.WithDescription("Rooms closed by sweeps, by reason"),
	)
	if err != nil {
		return nil, err
	}

	m.PoolHandles, err = meter.Int64UpDownCounter("conductor.janus.pool.handles",
		metric.WithDescription("Warm pool handles available"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// TimeoutSource reports cumulative transaction timeouts per backend.
type TimeoutSource interface {
	Timeouts(ctx context.Context) ([]stats.Counter, error)
}

// ObserveTimeouts exports the timeout counts of src as an observable counter.
func ObserveTimeouts(meter metric.Meter, src TimeoutSource) (metric.Registration, error) {
	counter, err := meter.Int64ObservableCounter("conductor.janus.timeouts",
		metric.WithDescription("Transactions that outlived their timeout, by backend"),
	)
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		counters, err := src.Timeouts(ctx)
		if err != nil {
			return err
		}
		for _, c := range counters {
			o.ObserveInt64(counter, c.Value, metric.WithAttributes(AttrBackendID.String(c.Key)))
		}
		return nil
	}, counter)
}

// Add increments c by one with the given attributes. Nil receivers are no-ops.
func (m *Metrics) Add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil || c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
