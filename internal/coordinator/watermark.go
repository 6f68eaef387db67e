package coordinator

import "sync/atomic"

// Clock hands out logical stamps. Stamps strictly increase, so ordering
// between a request and a flush never depends on wall-clock resolution or
// adjustments.
type Clock struct {
	ticks atomic.Uint64
}

// Next returns a fresh stamp greater than every stamp returned before it.
func (c *Clock) Next() uint64 {
	return c.ticks.Add(1)
}

// Now returns the most recently issued stamp without advancing the clock.
func (c *Clock) Now() uint64 {
	return c.ticks.Load()
}

// Watermark is the cancellation boundary shared by the worker and the
// control surface. Anything stamped below the cutoff is stale.
type Watermark struct {
	cutoff atomic.Uint64
}

// NewWatermark returns a watermark whose cutoff starts at ts.
func NewWatermark(ts uint64) *Watermark {
	w := &Watermark{}
	w.cutoff.Store(ts)
	return w
}

// AdvanceTo raises the cutoff to ts. It never lowers it.
func (w *Watermark) AdvanceTo(ts uint64) {
	for {
		current := w.cutoff.Load()
		if ts <= current {
			return
		}
		if w.cutoff.CompareAndSwap(current, ts) {
			return
		}
	}
}

// IsStale reports whether ts precedes the current cutoff.
func (w *Watermark) IsStale(ts uint64) bool {
	return ts < w.cutoff.Load()
}

// Cutoff returns the current cutoff.
func (w *Watermark) Cutoff() uint64 {
	return w.cutoff.Load()
}
