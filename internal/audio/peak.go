package audio

import "sync"

// PeakTracker keeps the running maximum of normalized levels within a session.
// It is safe for concurrent use.
type PeakTracker struct {
	mu   sync.Mutex
	peak float64
}

// Update folds level into the running maximum and returns the new peak.
func (p *PeakTracker) Update(level float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peak = max(p.peak, level)
	return p.peak
}

// Value returns the current peak.
func (p *PeakTracker) Value() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

// Reset sets the peak back to zero.
func (p *PeakTracker) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peak = 0
}
