package speaker

import "sort"

// Handle identifies an offset-scheduled action. The zero Handle (Invalid)
// is never issued by invokeAtOffset and is returned when allocation fails
// (spec.md §4.3 "Failure modes").
type Handle uint64

// Invalid is the sentinel Handle returned when an action could not be
// scheduled; callers must tolerate it being passed to cancel (a no-op).
const Invalid Handle = 0

// action is a single offset-triggered callback (spec.md §3 "SpeakerAction").
type action struct {
	handle Handle
	offset uint64
	fn     func(valid bool)
}

// actionSet is an ordered set of actions keyed by trigger offset. Offsets
// are strictly increasing in steady state, so insertion near the tail and
// removal of the head (the common cases) are cheap; spec.md §9 notes a
// balanced tree or heap is "appropriate" for this — a kept-sorted slice
// gives the same amortized behavior with far less code for the handful of
// concurrently-armed actions a speaker stream ever has.
type actionSet struct {
	items   []*action
	nextSeq Handle
}

// insert adds fn at offset and returns its handle, maintaining ascending
// offset order. Ties are broken by insertion order (stable).
func (s *actionSet) insert(offset uint64, fn func(valid bool)) Handle {
	s.nextSeq++
	h := s.nextSeq
	a := &action{handle: h, offset: offset, fn: fn}

	i := sort.Search(len(s.items), func(i int) bool { return s.items[i].offset > offset })
	s.items = append(s.items, nil)
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = a
	return h
}

// remove deletes the action with handle h, if present, and returns it.
func (s *actionSet) remove(h Handle) *action {
	for i, a := range s.items {
		if a.handle == h {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return a
		}
	}
	return nil
}

// popReady removes and returns, in ascending offset order, every action
// whose trigger offset is <= playOffset.
func (s *actionSet) popReady(playOffset uint64) []*action {
	var ready []*action
	i := 0
	for i < len(s.items) && s.items[i].offset <= playOffset {
		ready = append(ready, s.items[i])
		i++
	}
	s.items = s.items[i:]
	return ready
}

// peekOffset returns the offset of the next pending action and true, or
// (0, false) if the set is empty. Used to clamp playback chunk sizes so an
// action never fires "late" mid-chunk.
func (s *actionSet) peekOffset() (uint64, bool) {
	if len(s.items) == 0 {
		return 0, false
	}
	return s.items[0].offset, true
}

// drainAll removes every action and returns them, in offset order, for
// bulk invalidation (barge-in, destroy).
func (s *actionSet) drainAll() []*action {
	items := s.items
	s.items = nil
	return items
}
