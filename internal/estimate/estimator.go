// Package estimate maintains running duration averages and completion
// estimates for a processing run.
package estimate

import (
	"sync"
	"time"
)

// DefaultAlpha weights recent observations more heavily than older ones.
const DefaultAlpha = 0.3

// Estimator keeps an exponentially-weighted moving average of per-item
// processing duration: avg' = alpha*d + (1-alpha)*avg. Safe for
// concurrent use; the control surface reads it while the loop writes.
type Estimator struct {
	mu    sync.Mutex
	alpha float64
	avg   float64 // seconds
	n     int
}

func New(alpha float64) *Estimator {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Estimator{alpha: alpha}
}

// Seed primes the average from a persisted checkpoint so a resumed run
// does not start estimating from zero.
func (e *Estimator) Seed(avgSeconds float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if avgSeconds > 0 {
		e.avg = avgSeconds
		e.n = 1
	}
}

// Observe folds one item duration into the average and returns the new
// average in seconds.
func (e *Estimator) Observe(d time.Duration) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := d.Seconds()
	if e.n == 0 {
		e.avg = s
	} else {
		e.avg = e.alpha*s + (1-e.alpha)*e.avg
	}
	e.n++
	return e.avg
}

// Avg returns the current average item duration in seconds.
func (e *Estimator) Avg() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.avg
}

// Remaining estimates the time to finish the outstanding items.
func (e *Estimator) Remaining(processed, total int) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	left := total - processed
	if left <= 0 || e.n == 0 {
		return 0
	}
	return time.Duration(e.avg * float64(left) * float64(time.Second))
}

// ETA returns the estimated completion time, or nil before the first
// observation.
func (e *Estimator) ETA(processed, total int) *time.Time {
	d := e.Remaining(processed, total)
	if d == 0 {
		return nil
	}
	t := time.Now().UTC().Add(d)
	return &t
}

// Percent is the progress of done out of total as a percentage. Both
// file and batch progress are plain count ratios, independent of item
// durations.
func Percent(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}
