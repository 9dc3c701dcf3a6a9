package backoff

import "testing"

// TestProgressionNoJitter mirrors the original implementation's own test
// table for the default configuration: 1,2,4,8,16,32,60(capped from 64)s.
func TestProgressionNoJitter(t *testing.T) {
	b := New()
	b.Jitter = false

	want := []int{1, 2, 4, 8, 16, 32, 60, 60, 60, 60}
	for i, w := range want {
		got := b.NextDelay()
		if got.Seconds() != float64(w) {
			t.Fatalf("attempt %d: got %v, want %ds", i, got, w)
		}
	}
}

func TestShouldRetryExhaustsAtMaxAttempts(t *testing.T) {
	b := New()
	b.Jitter = false
	for i := 0; i < b.MaxAttempts; i++ {
		if !b.ShouldRetry() {
			t.Fatalf("attempt %d: expected ShouldRetry true before exhaustion", i)
		}
		b.NextDelay()
	}
	if b.ShouldRetry() {
		t.Fatal("expected ShouldRetry false after MaxAttempts attempts")
	}
}

func TestResetRestartsProgression(t *testing.T) {
	b := New()
	b.Jitter = false
	b.NextDelay()
	b.NextDelay()
	if b.Attempt() != 2 {
		t.Fatalf("attempt = %d, want 2", b.Attempt())
	}
	b.Reset()
	if b.Attempt() != 0 {
		t.Fatalf("attempt after reset = %d, want 0", b.Attempt())
	}
	first := b.NextDelay()
	if first.Seconds() != 1 {
		t.Fatalf("first delay after reset = %v, want 1s", first)
	}
}

func TestJitterWithinBounds(t *testing.T) {
	b := New()
	for i := 0; i < 100; i++ {
		d := b.NextDelay()
		if d < 0 {
			t.Fatalf("negative delay: %v", d)
		}
		if d > b.Cap+b.Cap/2 {
			t.Fatalf("delay %v exceeds cap*1.5 bound %v", d, b.Cap+b.Cap/2)
		}
	}
}
