package estimate

import (
	"math"
	"testing"
	"time"
)

func TestFirstObservationSetsAverage(t *testing.T) {
	e := New(0.3)
	got := e.Observe(4 * time.Second)
	if got != 4 {
		t.Fatalf("first observation must become the average, got %v", got)
	}
}

func TestObserveWeightsRecentItems(t *testing.T) {
	e := New(0.5)
	e.Observe(2 * time.Second)
	got := e.Observe(4 * time.Second)
	if want := 3.0; math.Abs(got-want) > 1e-9 {
		t.Fatalf("want %v, got %v", want, got)
	}
	got = e.Observe(1 * time.Second)
	if want := 2.0; math.Abs(got-want) > 1e-9 {
		t.Fatalf("want %v, got %v", want, got)
	}
}

func TestSeedWarmsResumedRun(t *testing.T) {
	e := New(0.5)
	e.Seed(10)
	got := e.Observe(2 * time.Second)
	if want := 6.0; math.Abs(got-want) > 1e-9 {
		t.Fatalf("seeded average must blend, want %v got %v", want, got)
	}
}

func TestRemainingScalesWithOutstandingItems(t *testing.T) {
	e := New(0.5)
	e.Observe(2 * time.Second)
	if got := e.Remaining(40, 100); got != 120*time.Second {
		t.Fatalf("want 120s, got %v", got)
	}
	if got := e.Remaining(100, 100); got != 0 {
		t.Fatalf("finished run must have 0 remaining, got %v", got)
	}
}

func TestETANilBeforeFirstObservation(t *testing.T) {
	e := New(0.5)
	if eta := e.ETA(0, 100); eta != nil {
		t.Fatalf("want nil ETA with no observations, got %v", eta)
	}
	e.Observe(time.Second)
	eta := e.ETA(50, 100)
	if eta == nil || !eta.After(time.Now().UTC().Add(49*time.Second)) {
		t.Fatalf("want ETA about 50s out, got %v", eta)
	}
}

func TestBadAlphaFallsBackToDefault(t *testing.T) {
	e := New(0)
	e.Observe(2 * time.Second)
	got := e.Observe(12 * time.Second)
	if want := 0.3*12 + 0.7*2; math.Abs(got-want) > 1e-9 {
		t.Fatalf("want default-alpha blend %v, got %v", want, got)
	}
}

func TestPercent(t *testing.T) {
	if got := Percent(1, 3); math.Abs(got-100.0/3) > 1e-9 {
		t.Fatalf("want one third, got %v", got)
	}
	if got := Percent(5, 0); got != 0 {
		t.Fatalf("empty collection is 0%%, got %v", got)
	}
	if got := Percent(4, 4); got != 100 {
		t.Fatalf("want 100, got %v", got)
	}
}
