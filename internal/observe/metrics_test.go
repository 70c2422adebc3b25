package observe

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// series flattens every int64 sum and histogram count into a map keyed by
// "metric{k=v,...}" with attributes in their sorted set order.
func series(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	key := func(name string, set attribute.Set) string {
		var parts []string
		for _, kv := range set.ToSlice() {
			parts = append(parts, string(kv.Key)+"="+kv.Value.Emit())
		}
		return name + "{" + strings.Join(parts, ",") + "}"
	}
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[key(m.Name, dp.Attributes)] = dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[key(m.Name, dp.Attributes)] = int64(dp.Count)
				}
			}
		}
	}
	return out
}

func testMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// TestMetrics_SessionLifecycle records what one companion session that
// failed over once, spoke, was interrupted and then stopped would emit.
func TestMetrics_SessionLifecycle(t *testing.T) {
	m, reader := testMetrics(t)
	ctx := context.Background()

	m.RecordTransition(ctx, "idle", "connecting")
	m.RecordConnect(ctx, "gemini-live", 1.2, errors.New("dial: connection refused"))
	m.RecordProviderError(ctx, "gemini-live", "connect")
	m.RecordConnect(ctx, "gemini-genai", 0.3, nil)
	m.RecordTransition(ctx, "connecting", "listening")
	m.ActiveSessions.Add(ctx, 1)

	for range 5 {
		m.ChunksSent.Add(ctx, 1)
	}
	m.ChunksDropped.Add(ctx, 1)
	m.RecordChunkReceived(ctx, "scheduled")
	m.RecordChunkReceived(ctx, "scheduled")
	m.RecordChunkReceived(ctx, "scheduled")
	m.RecordChunkReceived(ctx, "decode_error")
	m.PlaybackUnits.Add(ctx, 3)
	m.Interruptions.Add(ctx, 1)
	m.PlaybackUnits.Add(ctx, -3)

	m.ActiveSessions.Add(ctx, -1)
	m.SessionDuration.Record(ctx, 42, metric.WithAttributes(attribute.String("end", "stopped")))
	m.RecordTransition(ctx, "listening", "idle")

	got := series(t, reader)
	want := map[string]int64{
		"bloomzen.session.transitions{from=idle,to=connecting}":                      1,
		"bloomzen.session.transitions{from=connecting,to=listening}":                 1,
		"bloomzen.session.transitions{from=listening,to=idle}":                       1,
		"bloomzen.transport.connect.duration{provider=gemini-live,status=error}":     1,
		"bloomzen.transport.connect.duration{provider=gemini-genai,status=ok}":       1,
		"bloomzen.provider.requests{kind=connect,provider=gemini-live,status=error}": 1,
		"bloomzen.provider.requests{kind=connect,provider=gemini-genai,status=ok}":   1,
		"bloomzen.provider.errors{kind=connect,provider=gemini-live}":                1,
		"bloomzen.audio.chunks_sent{}":                                               5,
		"bloomzen.audio.chunks_dropped{}":                                            1,
		"bloomzen.audio.chunks_received{status=scheduled}":                           3,
		"bloomzen.audio.chunks_received{status=decode_error}":                        1,
		"bloomzen.playback.interruptions{}":                                          1,
		"bloomzen.playback.units{}":                                                  0,
		"bloomzen.active_sessions{}":                                                 0,
		"bloomzen.session.duration{end=stopped}":                                     1,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %d, want %d", k, got[k], v)
		}
	}
}

func TestMetrics_SessionDurationBuckets(t *testing.T) {
	m, reader := testMetrics(t)
	m.SessionDuration.Record(context.Background(), 899)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "bloomzen.session.duration")
	if met == nil {
		t.Fatal("session duration not recorded")
	}
	dp := met.Data.(metricdata.Histogram[float64]).DataPoints[0]
	if len(dp.Bounds) != len(sessionBuckets) {
		t.Fatalf("bounds = %v, want %v", dp.Bounds, sessionBuckets)
	}
	// 899s falls in the (600, 900] bucket, just inside the service cap.
	idx := -1
	for i, c := range dp.BucketCounts {
		if c == 1 {
			idx = i
		}
	}
	if idx < 1 || dp.Bounds[idx-1] != 600 || dp.Bounds[idx] != 900 {
		t.Errorf("899s landed in bucket %d of %v", idx, dp.Bounds)
	}
}

func TestDefaultMetrics_Shared(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
