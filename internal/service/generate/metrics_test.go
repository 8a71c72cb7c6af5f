package generate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/maestro-crm/maestro/internal/ratelimit"
)

// collectMetrics flushes the reader and returns the recorded instruments
// keyed by name.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	byName := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			byName[m.Name] = m
		}
	}
	return byName
}

func TestGenerationMetricsRecorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	f := newFixture(t)
	out := f.svc.GenerateLessonNotes(f.ctx, LessonNotesInput{StudentName: "Ana"})
	f.runner.Wait()
	require.True(t, out.Success)

	byName := collectMetrics(t, reader)
	assert.Contains(t, byName, "maestro.generation.duration")
	assert.Contains(t, byName, "maestro.generation.request_count")
	assert.NotContains(t, byName, "maestro.generation.denial_count")

	counts, ok := byName["maestro.generation.request_count"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, counts.DataPoints, 1)
	assert.Equal(t, int64(1), counts.DataPoints[0].Value)
}

func TestRateLimitDenialCounted(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	f := newFixture(t)
	f.limiter.decision = ratelimit.Decision{Allowed: false, RetryAfter: 5 * time.Second}

	out := f.svc.GenerateLessonNotes(f.ctx, LessonNotesInput{StudentName: "Ana"})
	f.runner.Wait()
	require.False(t, out.Success)

	chat := f.svc.Chat(f.ctx, ChatInput{Message: "hi"})
	require.False(t, chat.Success)

	byName := collectMetrics(t, reader)
	require.Contains(t, byName, "maestro.generation.denial_count")
	denials, ok := byName["maestro.generation.denial_count"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range denials.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(2), total)
	// Denied requests never reach the agent or the duration histogram.
	assert.NotContains(t, byName, "maestro.generation.duration")
}
