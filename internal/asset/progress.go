package asset

import "sync"

// Phase weights of a load cycle. The fetch phase covers resolving, reading and
// encoding on the host; the parse phase covers decoding inside the sandbox.
const (
	FetchPhaseEnd = 80
	Complete      = 100

	progressStarted  = 5
	progressResolved = 20
	progressRead     = 50
	progressEncoding = 75
)

// Progress folds both phases of one load cycle into a single non-decreasing
// percentage. It reports 100 only through Complete.
type Progress struct {
	emit     sync.Mutex // serializes callbacks so they observe increasing values
	mu       sync.Mutex
	current  int
	done     bool
	onChange func(int)
}

// NewProgress returns a tracker that calls onChange with every increase.
func NewProgress(onChange func(int)) *Progress {
	return &Progress{onChange: onChange}
}

// Fetch records fetch-phase progress (already on the 0..80 scale).
func (p *Progress) Fetch(percent int) {
	p.advance(clampInt(percent, 0, FetchPhaseEnd))
}

// Parse records sandbox-side progress reported on its own 0..100 scale.
// It never reaches 100; only Complete does.
func (p *Progress) Parse(phasePercent int) {
	phasePercent = clampInt(phasePercent, 0, 100)
	v := FetchPhaseEnd + phasePercent*(Complete-FetchPhaseEnd)/100
	p.advance(clampInt(v, FetchPhaseEnd, Complete-1))
}

// Overall records a percentage already on the combined scale. Like Parse it
// stops short of 100.
func (p *Progress) Overall(percent int) {
	p.advance(clampInt(percent, 0, Complete-1))
}

// Complete marks the cycle successful.
func (p *Progress) Complete() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
	p.advance(Complete)
}

// Value returns the last reported percentage.
func (p *Progress) Value() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Reset starts a new load cycle.
func (p *Progress) Reset() {
	p.mu.Lock()
	p.current = 0
	p.done = false
	p.mu.Unlock()
}

func (p *Progress) advance(v int) {
	p.emit.Lock()
	defer p.emit.Unlock()

	p.mu.Lock()
	if v == Complete && !p.done {
		v = Complete - 1
	}
	if v <= p.current {
		p.mu.Unlock()
		return
	}
	p.current = v
	fn := p.onChange
	p.mu.Unlock()

	if fn != nil {
		fn(v)
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
