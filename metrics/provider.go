package metrics

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Local is an in-process meter provider whose counters can be read back.
// The CLI uses it to report what a run did.
type Local struct {
	Provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
}

// NewLocal creates a meter provider backed by a manual reader.
func NewLocal() *Local {
	reader := sdkmetric.NewManualReader()
	return &Local{
		Provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		reader:   reader,
	}
}

// Recorder creates a Recorder on the local provider.
func (l *Local) Recorder() (*Recorder, error) {
	return New(l.Provider.Meter(InstrumentationName))
}

// Snapshot returns every integer counter as "name{k=v,...}" -> value.
func (l *Local) Snapshot(ctx context.Context) (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := l.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[seriesName(m.Name, dp.Attributes)] += dp.Value
			}
		}
	}
	return out, nil
}

// Shutdown flushes and stops the provider.
func (l *Local) Shutdown(ctx context.Context) error {
	return l.Provider.Shutdown(ctx)
}

func seriesName(name string, attrs attribute.Set) string {
	if attrs.Len() == 0 {
		return name
	}
	kvs := attrs.ToSlice()
	parts := make([]string, len(kvs))
	for i, kv := range kvs {
		parts[i] = fmt.Sprintf("%s=%s", kv.Key, kv.Value.Emit())
	}
	sort.Strings(parts)
	s := name + "{"
	for i, p := range parts {
		if i > 0 {
			s += ","
		}
		s += p
	}
	return s + "}"
}
