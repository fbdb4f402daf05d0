package routing

import (
	"crypto/rand"
	"time"

	"github.com/jayian1890/dhthunter/core/common"
)

// bucket covers the half-open id range [low, low + 2^(160-prefixLen)).
// Members are ordered by LastSeen, most recently seen last. The replacement
// cache holds recently observed candidates that did not fit, newest last.
type bucket struct {
	low          common.NodeID
	prefixLen    int
	nodes        []*Node
	replacements []*Node
	lastTouched  time.Time
	lastRefresh  time.Time
}

// contains reports whether id shares the bucket prefix.
func (b *bucket) contains(id common.NodeID) bool {
	full := b.prefixLen / 8
	for i := 0; i < full; i++ {
		if id[i] != b.low[i] {
			return false
		}
	}
	rem := b.prefixLen % 8
	if rem == 0 {
		return true
	}
	mask := byte(0xff << (8 - rem))
	return id[full]&mask == b.low[full]&mask
}

// find returns the member with the given id, or nil.
func (b *bucket) find(id common.NodeID) *Node {
	for _, n := range b.nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// findReplacement returns the cached candidate with the given id, or nil.
func (b *bucket) findReplacement(id common.NodeID) *Node {
	for _, n := range b.replacements {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// resort moves the node to its LastSeen position (most recent last).
func (b *bucket) resort(n *Node) {
	idx := -1
	for i, m := range b.nodes {
		if m == n {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	b.nodes = append(b.nodes[:idx], b.nodes[idx+1:]...)
	b.insertOrdered(n)
}

func (b *bucket) insertOrdered(n *Node) {
	pos := len(b.nodes)
	for i, m := range b.nodes {
		if m.LastSeen.After(n.LastSeen) {
			pos = i
			break
		}
	}
	b.nodes = append(b.nodes, nil)
	copy(b.nodes[pos+1:], b.nodes[pos:])
	b.nodes[pos] = n
}

// worstBad returns the index of the evictable bad member with the most
// failed queries, ties broken by oldest LastSeen, or -1.
func (b *bucket) worstBad(now time.Time) int {
	worst := -1
	for i, n := range b.nodes {
		if n.State(now) != NodeBad {
			continue
		}
		if worst < 0 {
			worst = i
			continue
		}
		w := b.nodes[worst]
		if n.FailedQueries > w.FailedQueries ||
			(n.FailedQueries == w.FailedQueries && n.LastSeen.Before(w.LastSeen)) {
			worst = i
		}
	}
	return worst
}

// oldestQuestionable returns the least recently seen questionable member.
func (b *bucket) oldestQuestionable(now time.Time) *Node {
	for _, n := range b.nodes {
		if n.State(now) == NodeQuestionable {
			return n
		}
	}
	return nil
}

// addReplacement caches a candidate, evicting the oldest when full.
func (b *bucket) addReplacement(n *Node, k int) {
	if b.findReplacement(n.ID) != nil {
		return
	}
	if len(b.replacements) >= k {
		b.replacements = b.replacements[1:]
	}
	b.replacements = append(b.replacements, n)
}

// takeNewestReplacement pops the most recently cached candidate.
func (b *bucket) takeNewestReplacement() *Node {
	if len(b.replacements) == 0 {
		return nil
	}
	n := b.replacements[len(b.replacements)-1]
	b.replacements = b.replacements[:len(b.replacements)-1]
	return n
}

// removeNode deletes a member by pointer.
func (b *bucket) removeNode(n *Node) bool {
	for i, m := range b.nodes {
		if m == n {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			return true
		}
	}
	return false
}

// randomIDInRange draws a uniform id carrying the bucket prefix.
func (b *bucket) randomIDInRange() common.NodeID {
	var id common.NodeID
	rand.Read(id[:])
	full := b.prefixLen / 8
	copy(id[:full], b.low[:full])
	rem := b.prefixLen % 8
	if rem != 0 {
		mask := byte(0xff << (8 - rem))
		id[full] = b.low[full]&mask | id[full]&^mask
	}
	return id
}
