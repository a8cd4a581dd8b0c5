package store

// defaultHistoryDepth bounds the past and future snapshot stacks; the oldest
// entry is evicted on overflow.
const defaultHistoryDepth = 50

// history is the bounded double-ended stack of board snapshots. Only local
// mutations record entries; remote-origin mutations patch stored snapshots in
// place without changing stack depth.
type history struct {
	past   []Snapshot
	future []Snapshot
	depth  int
}

func newHistory(depth int) *history {
	if depth <= 0 {
		depth = defaultHistoryDepth
	}
	return &history{depth: depth}
}

// record pushes the pre-mutation snapshot onto past and clears future. The
// entry is suppressed when before and after differ only in note heights.
func (h *history) record(before, after Snapshot) bool {
	if equalIgnoringNoteHeight(before, after) {
		return false
	}
	h.past = append(h.past, before)
	if len(h.past) > h.depth {
		h.past = h.past[1:]
	}
	h.future = nil
	return true
}

// dropLast removes the most recent past entry, used when an optimistic
// mutation rolls back and its history entry must not survive.
func (h *history) dropLast() {
	if len(h.past) > 0 {
		h.past = h.past[:len(h.past)-1]
	}
}

// undo pops the most recent past snapshot and pushes current onto future.
func (h *history) undo(current Snapshot) (Snapshot, bool) {
	if len(h.past) == 0 {
		return Snapshot{}, false
	}
	restored := h.past[len(h.past)-1]
	h.past = h.past[:len(h.past)-1]
	h.future = append(h.future, current)
	if len(h.future) > h.depth {
		h.future = h.future[1:]
	}
	return restored, true
}

// redo mirrors undo: pop future, push current onto past.
func (h *history) redo(current Snapshot) (Snapshot, bool) {
	if len(h.future) == 0 {
		return Snapshot{}, false
	}
	restored := h.future[len(h.future)-1]
	h.future = h.future[:len(h.future)-1]
	h.past = append(h.past, current)
	if len(h.past) > h.depth {
		h.past = h.past[1:]
	}
	return restored, true
}

// allSnapshots exposes both stacks for remote patch application.
func (h *history) allSnapshots() []Snapshot {
	combined := make([]Snapshot, 0, len(h.past)+len(h.future))
	combined = append(combined, h.past...)
	combined = append(combined, h.future...)
	return combined
}

func (h *history) pastDepth() int   { return len(h.past) }
func (h *history) futureDepth() int { return len(h.future) }

func (h *history) reset() {
	h.past = nil
	h.future = nil
}
