package circuitbreaker

import "time"

// slot holds the weighted error sum and request count for one second.
type slot struct {
	errors float64
	total  int
}

// window is a ring of one-second slots over the breaker's sampling period.
// The backing array is fixed so a breaker never allocates after creation.
type window struct {
	slots    [60]slot
	size     int   // active slots, == window seconds
	head     int   // index of the current second
	headTime int64 // unix seconds of the head slot
}

func newWindow(seconds int) window {
	if seconds <= 0 || seconds > 60 {
		seconds = 60
	}
	return window{size: seconds}
}

// advance rotates the head to nowSec, clearing slots that fell out of the
// sampling period.
func (w *window) advance(nowSec int64) {
	if w.headTime == 0 {
		w.headTime = nowSec
		return
	}
	gap := nowSec - w.headTime
	if gap <= 0 {
		return
	}
	expired := min(int(gap), w.size)
	for i := range expired {
		w.slots[(w.head+1+i)%w.size] = slot{}
	}
	w.head = (w.head + int(gap)) % w.size
	w.headTime = nowSec
}

// record adds one request with the given error weight. Weight 0 is a success.
func (w *window) record(weight float64, now time.Time) {
	w.advance(now.Unix())
	w.slots[w.head].total++
	w.slots[w.head].errors += weight
}

// errorRate returns the weighted error rate and sample count over the period.
func (w *window) errorRate(now time.Time) (rate float64, samples int) {
	w.advance(now.Unix())
	var errs float64
	var total int
	for i := range w.size {
		errs += w.slots[i].errors
		total += w.slots[i].total
	}
	if total == 0 {
		return 0, 0
	}
	return errs / float64(total), total
}

func (w *window) reset() {
	for i := range w.size {
		w.slots[i] = slot{}
	}
	w.head = 0
	w.headTime = 0
}
