package pipeline

import "sync"

// tracker is the job-wide pages-done counter shared by every file's
// indexing stage. The total grows as files finish rasterizing, since
// page counts are unknown before then.
type tracker struct {
	mu    sync.Mutex
	done  int
	total int
}

func newTracker() *tracker {
	return &tracker{}
}

// addTotal registers n more expected pages and returns the counts.
func (t *tracker) addTotal(n int) (done, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total += n
	return t.done, t.total
}

// add marks n more pages indexed and returns the counts.
func (t *tracker) add(n int) (done, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done += n
	return t.done, t.total
}

// counts returns the current counts.
func (t *tracker) counts() (done, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done, t.total
}

func percent(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}
