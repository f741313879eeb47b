package worker

import (
	"math"
	"sync"
)

// progressCap reserves the final 5% for packaging and upload, so 100% is only
// ever reported by the terminal ready write.
const progressCap = 95

// progressTracker counts completed work units (metadata batch, renditions,
// thumbnails) and converts them to a capped percentage. Safe for concurrent
// use, and the reported percent never decreases.
type progressTracker struct {
	mu    sync.Mutex
	total int
	done  int
}

func newProgressTracker(totalUnits int) *progressTracker {
	if totalUnits < 1 {
		totalUnits = 1
	}
	return &progressTracker{total: totalUnits}
}

// Complete marks one unit done and returns the new percent.
func (p *progressTracker) Complete() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done < p.total {
		p.done++
	}
	return p.percentLocked()
}

// Percent returns the current capped percent.
func (p *progressTracker) Percent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.percentLocked()
}

func (p *progressTracker) percentLocked() int {
	percent := int(math.Round(100 * float64(p.done) / float64(p.total)))
	if percent > progressCap {
		percent = progressCap
	}
	return percent
}
