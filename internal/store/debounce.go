package store

import (
	"sync"
	"time"

	"github.com/teamboard/boardsync/internal/persist"
)

// defaultDebounceWindow is the single window applied to persistence writes of
// drag and resize deltas, for moves and resizes alike. Broadcasts are never
// debounced; only the database write is coalesced.
const defaultDebounceWindow = 400 * time.Millisecond

// writeBatch is the coalesced set of pending persistence writes, keyed by
// entity id so rapid deltas to the same entity collapse to the latest value.
type writeBatch struct {
	noteChanges    map[string]persist.NotePatch
	sectionChanges map[string]persist.SectionPatch
}

func (b writeBatch) empty() bool {
	return len(b.noteChanges) == 0 && len(b.sectionChanges) == 0
}

// debouncer coalesces persistence writes behind a cancel-and-reschedule
// timer. Every enqueue resets the timer; Flush fires immediately at gesture
// end.
type debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	timer   *time.Timer
	pending writeBatch
	flushFn func(writeBatch)
}

func newDebouncer(window time.Duration, flushFn func(writeBatch)) *debouncer {
	if window <= 0 {
		window = defaultDebounceWindow
	}
	return &debouncer{
		window:  window,
		pending: newWriteBatch(),
		flushFn: flushFn,
	}
}

func newWriteBatch() writeBatch {
	return writeBatch{
		noteChanges:    make(map[string]persist.NotePatch),
		sectionChanges: make(map[string]persist.SectionPatch),
	}
}

func (d *debouncer) enqueueNote(noteID string, patch persist.NotePatch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending.noteChanges[noteID] = patch
	d.reschedule()
}

func (d *debouncer) enqueueSection(sectionID string, patch persist.SectionPatch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending.sectionChanges[sectionID] = patch
	d.reschedule()
}

// reschedule cancels any pending timer and starts a fresh window. Caller
// holds d.mu.
func (d *debouncer) reschedule() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.Flush)
}

// Flush writes the pending batch immediately and cancels the timer.
func (d *debouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	batch := d.pending
	d.pending = newWriteBatch()
	d.mu.Unlock()

	if batch.empty() {
		return
	}
	d.flushFn(batch)
}

// Stop cancels the timer and discards pending writes, used on board teardown.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = newWriteBatch()
}
