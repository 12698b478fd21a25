package record

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Al2800/takrust/errors"
)

// Replayer paces captured entries by monotonic offset scaled by a time
// factor. Wall timestamps are never used for pacing.
type Replayer struct {
	entries   []Entry
	timeScale float64
	pos       int
	// lastOffset anchors pacing to the previously delivered entry.
	lastOffset time.Duration
	started    bool
}

// NewReplayer builds a replayer over a read capture. timeScale > 1
// replays faster than real time; 0 or negative disables pacing.
func NewReplayer(result *ReadResult, timeScale float64) *Replayer {
	return &Replayer{entries: result.Entries, timeScale: timeScale}
}

// Seek positions the replayer at the first entry whose monotonic offset
// is >= target, using the (possibly rebuilt) index ordering.
func (r *Replayer) Seek(target time.Duration) error {
	idx := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].MonotonicOffset() >= target
	})
	if idx == len(r.entries) {
		return fmt.Errorf("record: seek past end of capture: %w", errors.ErrIndexCorrupt)
	}
	r.pos = idx
	r.started = false
	return nil
}

// Remaining returns the number of undelivered entries.
func (r *Replayer) Remaining() int { return len(r.entries) - r.pos }

// Next delivers the next entry, sleeping the scaled inter-entry gap.
// A nil error with ok=false means the capture is exhausted.
func (r *Replayer) Next(ctx context.Context) (Entry, bool, error) {
	if r.pos >= len(r.entries) {
		return Entry{}, false, nil
	}

	entry := r.entries[r.pos]
	if r.started && r.timeScale > 0 {
		gap := entry.MonotonicOffset() - r.lastOffset
		if gap > 0 {
			scaled := time.Duration(float64(gap) / r.timeScale)
			timer := time.NewTimer(scaled)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Entry{}, false, ctx.Err()
			case <-timer.C:
			}
		}
	}

	r.pos++
	r.started = true
	r.lastOffset = entry.MonotonicOffset()
	return entry, true, nil
}
