package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// histogramSamples registers the collector on a throwaway registry and
// returns the sample count and sum of its single series.
func histogramSamples(t *testing.T, c prometheus.Collector) (uint64, float64) {
	t.Helper()

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("failed to register collector: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	if len(families) != 1 || len(families[0].Metric) != 1 {
		t.Fatalf("expected exactly one series, got %d families", len(families))
	}
	h := families[0].Metric[0].GetHistogram()
	return h.GetSampleCount(), h.GetSampleSum()
}

func TestTimerMeasuresElapsed(t *testing.T) {
	timer := NewTimer()

	time.Sleep(20 * time.Millisecond)
	first := timer.Duration()
	if first < 20*time.Millisecond {
		t.Errorf("Duration() = %v, want >= 20ms", first)
	}

	time.Sleep(10 * time.Millisecond)
	if second := timer.Duration(); second <= first {
		t.Errorf("Duration() must grow between calls: first=%v second=%v", first, second)
	}
}

func TestObserveDurationRecordsSample(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_route_duration_seconds",
		Help:    "Test routing duration histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDuration(histogram)

	count, sum := histogramSamples(t, histogram)
	if count != 1 {
		t.Errorf("sample count = %d, want 1", count)
	}
	if sum <= 0 {
		t.Errorf("sample sum = %v, want > 0", sum)
	}
}

func TestObserveDurationVecRecordsLabeledSample(t *testing.T) {
	vec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_dispatch_duration_seconds",
			Help:    "Test dispatch duration histogram",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDurationVec(vec, "code_analysis")

	count, sum := histogramSamples(t, vec)
	if count != 1 {
		t.Errorf("sample count = %d, want 1", count)
	}
	if sum <= 0 {
		t.Errorf("sample sum = %v, want > 0", sum)
	}
}
