package metrics

import "testing"

func TestReservoir_Percentile_SmallSample(t *testing.T) {
	r := NewReservoir(16)
	for _, v := range []float64{10, 40, 30, 20} {
		r.Observe(v)
	}

	// ceil(0.95*4)-1 = 3 -> the max of four samples.
	if got := r.Percentile(0.95); got != 40 {
		t.Fatalf("p95: got %v, want %v", got, 40.0)
	}
	// ceil(0.5*4)-1 = 1 -> second smallest.
	if got := r.Percentile(0.5); got != 20 {
		t.Fatalf("p50: got %v, want %v", got, 20.0)
	}
}

func TestReservoir_Percentile_Empty(t *testing.T) {
	r := NewReservoir(16)
	if got := r.Percentile(0.95); got != 0 {
		t.Fatalf("empty p95: got %v, want 0", got)
	}
}

func TestReservoir_Observe_BoundedMemory(t *testing.T) {
	r := NewReservoir(64)
	for i := 0; i < 10_000; i++ {
		r.Observe(float64(i))
	}
	if r.Len() != 64 {
		t.Fatalf("retained samples: got %d, want %d", r.Len(), 64)
	}
	if r.Seen() != 10_000 {
		t.Fatalf("seen: got %d, want %d", r.Seen(), 10_000)
	}
}

func TestReservoir_Percentile_UniformAccuracy(t *testing.T) {
	// With a uniform 1..1000 stream and capacity 512 the sampled p95 must
	// stay within 5% of the true value.
	r := NewReservoir(512)
	for i := 1; i <= 1000; i++ {
		r.Observe(float64(i))
	}
	got := r.Percentile(0.95)
	if got < 900 || got > 1000 {
		t.Fatalf("sampled p95: got %v, want within [900, 1000]", got)
	}
}
