package artifact

import "sync"

// tracker counts bytes as they stream through and forwards the running total.
// Parts of a ranged download share one tracker, so calls are serialized.
type tracker struct {
	mu       sync.Mutex
	received int64
	total    int64
	fn       ProgressFunc
}

func newTracker(total int64, fn ProgressFunc) *tracker {
	return &tracker{total: total, fn: fn}
}

func (t *tracker) Write(p []byte) (int, error) {
	t.add(int64(len(p)))
	return len(p), nil
}

func (t *tracker) add(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.received += n
	if t.fn != nil && t.total > 0 {
		t.fn(t.received, t.total)
	}
}

func (t *tracker) Received() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.received
}
