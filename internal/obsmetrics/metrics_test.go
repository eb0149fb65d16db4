package obsmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewReturnsIsolatedRegistry(t *testing.T) {
	a := New()
	b := New()

	a.WriteCount.Inc()

	if got := testutil.ToFloat64(a.WriteCount); got != 1 {
		t.Fatalf("a.WriteCount = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.WriteCount); got != 0 {
		t.Fatalf("b.WriteCount = %v, want 0 (registries must not share state)", got)
	}
}

func TestDefaultReturnsTheSameRegistryEveryCall(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Fatal("Default() should return the same process-wide registry on every call")
	}
}

func TestCounterVecTracksLabelsIndependently(t *testing.T) {
	r := New()

	r.CacheHits.WithLabelValues("lru").Inc()
	r.CacheHits.WithLabelValues("lru").Inc()
	r.CacheHits.WithLabelValues("lfu").Inc()

	if got := testutil.ToFloat64(r.CacheHits.WithLabelValues("lru")); got != 2 {
		t.Fatalf("CacheHits{lru} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.CacheHits.WithLabelValues("lfu")); got != 1 {
		t.Fatalf("CacheHits{lfu} = %v, want 1", got)
	}
}

func TestGaugeSetReflectsLastValue(t *testing.T) {
	r := New()

	r.MemTableBytes.Set(1024)
	r.MemTableBytes.Set(2048)

	if got := testutil.ToFloat64(r.MemTableBytes); got != 2048 {
		t.Fatalf("MemTableBytes = %v, want 2048", got)
	}
}

func TestPrometheusRegistryGathersRegisteredMetrics(t *testing.T) {
	r := New()
	r.FlushCount.Inc()

	families, err := r.PrometheusRegistry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, fam := range families {
		if fam.GetName() == "concordkv_flush_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected concordkv_flush_total to be registered and gathered")
	}
}
