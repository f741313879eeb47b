package worker

import "testing"

func TestProgressTracker(t *testing.T) {
	// 1 metadata batch + 2 formats with thumbnails = 5 units.
	p := newProgressTracker(5)

	if got := p.Percent(); got != 0 {
		t.Errorf("initial percent = %d, want 0", got)
	}

	want := []int{20, 40, 60, 80, 95}
	for i, w := range want {
		if got := p.Complete(); got != w {
			t.Errorf("unit %d: percent = %d, want %d", i+1, got, w)
		}
	}

	// Extra completions never push past the cap.
	if got := p.Complete(); got != 95 {
		t.Errorf("over-complete percent = %d, want 95", got)
	}
}

func TestProgressTrackerCap(t *testing.T) {
	p := newProgressTracker(1)
	if got := p.Complete(); got != 95 {
		t.Errorf("single-unit percent = %d, want 95 (100 is reserved for ready)", got)
	}
}

func TestProgressTrackerMonotonic(t *testing.T) {
	p := newProgressTracker(7)

	prev := p.Percent()
	for i := 0; i < 10; i++ {
		got := p.Complete()
		if got < prev {
			t.Fatalf("percent decreased: %d -> %d", prev, got)
		}
		prev = got
	}
}

func TestProgressTrackerZeroTotal(t *testing.T) {
	p := newProgressTracker(0)
	if got := p.Complete(); got != 95 {
		t.Errorf("zero-total clamps to one unit, percent = %d, want 95", got)
	}
}
