package otel

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/basket/conductor/internal/stats"
)

type fixedTimeouts []stats.Counter

func (f fixedTimeouts) Timeouts(context.Context) ([]stats.Counter, error) {
	return f, nil
}

func TestNewMetrics_Noop(t *testing.T) {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.Add(context.Background(), m.Errors, AttrErrorKind.String("message_parsing_failed"))

	var nilMetrics *Metrics
	nilMetrics.Add(context.Background(), nil)
}

func TestNewMetrics_CountsErrorsByKind(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter(MeterName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.Add(ctx, m.Errors, AttrErrorKind.String("db_query_failed"))
	m.Add(ctx, m.Errors, AttrErrorKind.String("db_query_failed"))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	sum, ok := findSum(rm, "conductor.errors")
	if !ok {
		t.Fatal("conductor.errors not exported")
	}
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 2 {
		t.Fatalf("unexpected data points %+v", sum.DataPoints)
	}
}

func TestObserveTimeouts_ReportsPerBackend(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	src := fixedTimeouts{{Key: "janus-1", Value: 3}, {Key: "janus-2", Value: 1}}
	reg, err := ObserveTimeouts(mp.Meter(MeterName), src)
	if err != nil {
		t.Fatalf("ObserveTimeouts: %v", err)
	}
	defer reg.Unregister()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	sum, ok := findSum(rm, "conductor.janus.timeouts")
	if !ok {
		t.Fatal("conductor.janus.timeouts not exported")
	}
	got := map[string]int64{}
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(AttrBackendID)
		got[v.AsString()] = dp.Value
	}
	if got["janus-1"] != 3 || got["janus-2"] != 1 {
		t.Fatalf("unexpected timeouts %+v", got)
	}
}

func findSum(rm metricdata.ResourceMetrics, name string) (metricdata.Sum[int64], bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				return sum, true
			}
		}
	}
	return metricdata.Sum[int64]{}, false
}
