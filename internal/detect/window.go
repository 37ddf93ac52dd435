package detect

import "math"

// windowEntry is one (timestamp, value) observation held by a window.
type windowEntry struct {
	t float64
	v float64
}

// window is a time-bounded FIFO of observations.
type window struct {
	entries []windowEntry
}

// WindowStats summarizes the values currently held by a window.
type WindowStats struct {
	Count      int
	Mean       float64
	StdDev     float64 // population standard deviation
	PeakToPeak float64
}

func (w *window) push(t, v float64) {
	w.entries = append(w.entries, windowEntry{t: t, v: v})
}

// evictBefore drops entries older than cutoff.
func (w *window) evictBefore(cutoff float64) {
	i := 0
	for i < len(w.entries) && w.entries[i].t < cutoff {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(w.entries, w.entries[i:])
	w.entries = w.entries[:n]
}

func (w *window) len() int {
	return len(w.entries)
}

func (w *window) clear() {
	w.entries = w.entries[:0]
}

func (w *window) stats() WindowStats {
	n := len(w.entries)
	if n == 0 {
		return WindowStats{}
	}

	sum := 0.0
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, e := range w.entries {
		sum += e.v
		lo = math.Min(lo, e.v)
		hi = math.Max(hi, e.v)
	}
	mean := sum / float64(n)

	sq := 0.0
	for _, e := range w.entries {
		d := e.v - mean
		sq += d * d
	}

	return WindowStats{
		Count:      n,
		Mean:       mean,
		StdDev:     math.Sqrt(sq / float64(n)),
		PeakToPeak: hi - lo,
	}
}
