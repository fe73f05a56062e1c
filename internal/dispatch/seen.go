package dispatch

// seenSet remembers the most recent ride ids a session has been offered, so
// overlapping push and poll deliveries of the same ride collapse to one.
// Capacity-bounded FIFO; oldest ids age out first.
type seenSet struct {
	cap   int
	order []string
	ids   map[string]struct{}
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = 256
	}
	return &seenSet{cap: capacity, ids: make(map[string]struct{}, capacity)}
}

// add records id and reports whether it was new.
func (s *seenSet) add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	if len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	s.order = append(s.order, id)
	s.ids[id] = struct{}{}
	return true
}
