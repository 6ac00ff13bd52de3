package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCancelled is returned when a pass is interrupted through its context.
// The returned error also wraps the context error.
var ErrCancelled = errors.New("operation cancelled")

// Cancelled wraps the context error of ctx as ErrCancelled.
func Cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}

// Reporter receives progress notifications from a pass. Implementations must
// be safe for concurrent use.
type Reporter interface {
	// Increment records n more processed items.
	Increment(n int)
	// Update sets the absolute number of processed items.
	Update(done int)
	// Done marks the pass as finished.
	Done()
}

// Progress is a Reporter that logs a line through Logf each time another
// tenth of the total has been processed.
type Progress struct {
	label string
	total int

	mu       sync.Mutex
	done     int
	lastTick int
	start    time.Time
}

// NewProgress creates a Progress for a pass over total items.
func NewProgress(label string, total int) *Progress {
	return &Progress{label: label, total: total, start: time.Now()}
}

// Increment implements Reporter.
func (p *Progress) Increment(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.set(p.done + n)
}

// Update implements Reporter.
func (p *Progress) Update(done int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.set(done)
}

// Done implements Reporter.
func (p *Progress) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	Logf("%s done: %d items in %v", p.label, p.done, time.Since(p.start).Round(time.Millisecond))
}

// Processed returns the number of items recorded so far.
func (p *Progress) Processed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

func (p *Progress) set(done int) {
	if done > p.total {
		done = p.total
	}
	p.done = done
	if p.total == 0 {
		return
	}
	tick := done * 10 / p.total
	if tick > p.lastTick {
		p.lastTick = tick
		Debugf("%s %d%% (%d/%d)", p.label, tick*10, done, p.total)
	}
}

// Discard is a Reporter that ignores every notification.
var Discard Reporter = discard{}

type discard struct{}

func (discard) Increment(int) {}
func (discard) Update(int)    {}
func (discard) Done()         {}
