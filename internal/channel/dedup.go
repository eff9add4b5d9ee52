package channel

// DefaultDedupSize is how many recent content hashes a channel remembers.
const DefaultDedupSize = 256

// recentHashes is a bounded set of the last N content hashes, evicting the
// oldest first.
type recentHashes struct {
	ring []string
	next int
	seen map[string]struct{}
}

func newRecentHashes(size int) *recentHashes {
	if size <= 0 {
		size = DefaultDedupSize
	}
	return &recentHashes{
		ring: make([]string, size),
		seen: make(map[string]struct{}, size),
	}
}

// add records h and reports whether it was new.
func (r *recentHashes) add(h string) bool {
	if _, ok := r.seen[h]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.seen, old)
	}
	r.ring[r.next] = h
	r.next = (r.next + 1) % len(r.ring)
	r.seen[h] = struct{}{}
	return true
}
