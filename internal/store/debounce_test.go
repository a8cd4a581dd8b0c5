package store

import (
	"sync"
	"testing"
	"time"

	"github.com/teamboard/boardsync/internal/persist"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches []writeBatch
}

func (r *flushRecorder) flush(batch writeBatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func TestDebouncerCoalescesRapidWrites(t *testing.T) {
	recorder := &flushRecorder{}
	d := newDebouncer(30*time.Millisecond, recorder.flush)
	defer d.Stop()

	for i := 0; i < 10; i++ {
		x := float64(i)
		d.enqueueNote("n-1", persist.NotePatch{X: &x})
	}

	deadline := time.Now().Add(2 * time.Second)
	for recorder.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("debounced flush never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.batches) != 1 {
		t.Fatalf("expected one coalesced flush, got %d", len(recorder.batches))
	}
	patch, ok := recorder.batches[0].noteChanges["n-1"]
	if !ok {
		t.Fatalf("missing note change in batch")
	}
	if patch.X == nil || *patch.X != 9 {
		t.Fatalf("expected latest value to win, got %v", patch.X)
	}
}

func TestDebouncerFlushFiresImmediately(t *testing.T) {
	recorder := &flushRecorder{}
	d := newDebouncer(time.Hour, recorder.flush)
	defer d.Stop()

	x := 1.0
	d.enqueueNote("n-1", persist.NotePatch{X: &x})
	d.enqueueSection("s-1", persist.SectionPatch{X: &x})
	d.Flush()

	if recorder.count() != 1 {
		t.Fatalf("expected immediate flush, got %d", recorder.count())
	}
	recorder.mu.Lock()
	batch := recorder.batches[0]
	recorder.mu.Unlock()
	if len(batch.noteChanges) != 1 || len(batch.sectionChanges) != 1 {
		t.Fatalf("unexpected batch contents: %+v", batch)
	}

	// A second flush with nothing pending is a no-op.
	d.Flush()
	if recorder.count() != 1 {
		t.Fatalf("empty flush must not invoke the sink")
	}
}

func TestDebouncerStopDiscardsPending(t *testing.T) {
	recorder := &flushRecorder{}
	d := newDebouncer(20*time.Millisecond, recorder.flush)

	x := 1.0
	d.enqueueNote("n-1", persist.NotePatch{X: &x})
	d.Stop()

	time.Sleep(60 * time.Millisecond)
	if recorder.count() != 0 {
		t.Fatalf("stopped debouncer must not flush")
	}
}
