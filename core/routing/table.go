package routing

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/jayian1890/dhthunter/core/common"
)

// Config holds routing table configuration
type Config struct {
	K                 int           `json:"k"`
	RefreshInterval   time.Duration `json:"bucket_refresh_interval"`
	ProbeQuestionable bool          `json:"probe_questionable"`
}

// DefaultConfig returns production-ready defaults
func DefaultConfig() Config {
	return Config{
		K:                 8,
		RefreshInterval:   15 * time.Minute,
		ProbeQuestionable: true,
	}
}

// Pinger issues a fire-and-forget liveness probe. The probe outcome flows
// back through the RPC layer's node observer.
type Pinger interface {
	Ping(ep common.Endpoint)
}

// Hooks receive table mutations. All callbacks are optional and are invoked
// without the table lock held.
type Hooks struct {
	NodeAdded   func(Node)
	NodeRemoved func(Node)
	BucketSplit func(prefixLen int)
}

// BucketInfo is an introspection snapshot of one bucket.
type BucketInfo struct {
	Low          common.NodeID
	PrefixLen    int
	Members      int
	Replacements int
	LastTouched  time.Time
}

// Table is the Kademlia routing table: k-buckets partitioning the 160-bit id
// space, with per-bucket replacement caches. A single mutator discipline is
// enforced with one mutex; readers take the same lock briefly.
type Table struct {
	mu      sync.Mutex
	ownID   common.NodeID
	config  Config
	clk     clock.Clock
	logger  *slog.Logger
	buckets []*bucket // ascending by low
	byID    map[common.NodeID]*Node
	byEP    map[string]*Node
	probing map[common.NodeID]bool
	pinger  Pinger
	hooks   Hooks
	dirty   bool
}

// NewTable creates a table with a single bucket spanning the whole id space.
func NewTable(ownID common.NodeID, config Config, logger *slog.Logger, clk clock.Clock) *Table {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if clk == nil {
		clk = clock.New()
	}
	t := &Table{
		ownID:   ownID,
		config:  config,
		clk:     clk,
		logger:  logger.With("component", "routing"),
		byID:    make(map[common.NodeID]*Node),
		byEP:    make(map[string]*Node),
		probing: make(map[common.NodeID]bool),
	}
	t.buckets = []*bucket{{lastTouched: clk.Now()}}
	return t
}

// SetPinger installs the liveness prober used for eviction checks.
func (t *Table) SetPinger(p Pinger) {
	t.mu.Lock()
	t.pinger = p
	t.mu.Unlock()
}

// SetHooks installs mutation callbacks. Must be called before traffic flows.
func (t *Table) SetHooks(h Hooks) {
	t.mu.Lock()
	t.hooks = h
	t.mu.Unlock()
}

// OwnID returns the table's own identifier.
func (t *Table) OwnID() common.NodeID { return t.ownID }

// Observe folds one node sighting into the table.
func (t *Table) Observe(contact common.Contact, source common.ObserveSource, rtt time.Duration) {
	if source == common.ObserveResponseTimeout {
		t.observeTimeout(contact)
		return
	}
	if contact.ID.IsZero() || contact.ID == t.ownID || !contact.Endpoint.IsValid() {
		return
	}

	var added, removed []Node
	var split []int

	t.mu.Lock()
	now := t.clk.Now()
	b := t.bucketFor(contact.ID)
	b.lastTouched = now

	if n := b.find(contact.ID); n != nil {
		switch source {
		case common.ObserveResponseOk:
			delete(t.probing, n.ID)
			n.observeReply(now, rtt)
			if n.Endpoint.Key() != contact.Endpoint.Key() {
				if t.byEP[n.Endpoint.Key()] == n {
					delete(t.byEP, n.Endpoint.Key())
				}
				n.Endpoint = contact.Endpoint
				t.byEP[n.Endpoint.Key()] = n
			}
			b.resort(n)
		case common.ObserveIncomingQuery:
			n.LastSeen = now
			b.resort(n)
		}
		t.dirty = true
		t.mu.Unlock()
		return
	}
	if n := b.findReplacement(contact.ID); n != nil {
		switch source {
		case common.ObserveResponseOk:
			n.observeReply(now, rtt)
		case common.ObserveIncomingQuery:
			n.LastSeen = now
		}
		t.mu.Unlock()
		return
	}

	n := &Node{ID: contact.ID, Endpoint: contact.Endpoint, LastSeen: now}
	if source == common.ObserveResponseOk {
		n.observeReply(now, rtt)
	}
	added, removed, split = t.insert(n, now)
	t.mu.Unlock()

	t.fire(added, removed, split)
}

func (t *Table) fire(added, removed []Node, split []int) {
	for _, n := range removed {
		if t.hooks.NodeRemoved != nil {
			t.hooks.NodeRemoved(n)
		}
	}
	for _, p := range split {
		if t.hooks.BucketSplit != nil {
			t.hooks.BucketSplit(p)
		}
	}
	for _, n := range added {
		if t.hooks.NodeAdded != nil {
			t.hooks.NodeAdded(n)
		}
	}
}

// insert runs the bucket insertion algorithm. Caller holds the lock.
func (t *Table) insert(n *Node, now time.Time) (added, removed []Node, split []int) {
	didSplit := false
	for {
		b := t.bucketFor(n.ID)

		if len(b.nodes) < t.config.K {
			b.insertOrdered(n)
			t.index(n)
			t.dirty = true
			return append(added, *n), removed, split
		}

		if worst := b.worstBad(now); worst >= 0 {
			evicted := b.nodes[worst]
			b.nodes = append(b.nodes[:worst], b.nodes[worst+1:]...)
			t.unindex(evicted)
			b.insertOrdered(n)
			t.index(n)
			t.dirty = true
			return append(added, *n), append(removed, *evicted), split
		}

		if !didSplit && b.contains(t.ownID) && b.prefixLen < common.IDBits-1 {
			t.split(b)
			split = append(split, b.prefixLen)
			didSplit = true
			continue
		}

		b.addReplacement(n, t.config.K)
		t.maybeProbe(b, now)
		return added, removed, split
	}
}

// split divides a bucket at its range midpoint and redistributes members.
// Caller holds the lock; b must be in t.buckets.
func (t *Table) split(b *bucket) {
	upper := &bucket{
		low:         b.low,
		prefixLen:   b.prefixLen + 1,
		lastTouched: b.lastTouched,
		lastRefresh: b.lastRefresh,
	}
	upper.low[b.prefixLen/8] |= 0x80 >> (b.prefixLen % 8)

	lower := &bucket{
		low:         b.low,
		prefixLen:   b.prefixLen + 1,
		lastTouched: b.lastTouched,
		lastRefresh: b.lastRefresh,
	}

	for _, n := range b.nodes {
		if upper.contains(n.ID) {
			upper.nodes = append(upper.nodes, n)
		} else {
			lower.nodes = append(lower.nodes, n)
		}
	}
	for _, n := range b.replacements {
		if upper.contains(n.ID) {
			upper.replacements = append(upper.replacements, n)
		} else {
			lower.replacements = append(lower.replacements, n)
		}
	}

	idx := t.bucketIndexOf(b)
	t.buckets[idx] = lower
	t.buckets = append(t.buckets, nil)
	copy(t.buckets[idx+2:], t.buckets[idx+1:])
	t.buckets[idx+1] = upper
	t.dirty = true
}

// maybeProbe pings the oldest questionable member of a full bucket so a dead
// one gets detected and replaced. Caller holds the lock.
func (t *Table) maybeProbe(b *bucket, now time.Time) {
	if !t.config.ProbeQuestionable || t.pinger == nil {
		return
	}
	target := b.oldestQuestionable(now)
	if target == nil || t.probing[target.ID] {
		return
	}
	t.probing[target.ID] = true
	ep := target.Endpoint
	pinger := t.pinger
	go pinger.Ping(ep)
}

func (t *Table) observeTimeout(contact common.Contact) {
	var removed, added []Node

	t.mu.Lock()
	var n *Node
	if !contact.ID.IsZero() {
		n = t.byID[contact.ID]
	}
	if n == nil && contact.Endpoint.IsValid() {
		n = t.byEP[contact.Endpoint.Key()]
	}
	if n == nil {
		t.mu.Unlock()
		return
	}
	delete(t.probing, n.ID)
	n.observeTimeout()
	now := t.clk.Now()
	if n.State(now) == NodeBad {
		b := t.bucketFor(n.ID)
		if replacement := b.takeNewestReplacement(); replacement != nil {
			if b.removeNode(n) {
				t.unindex(n)
				removed = append(removed, *n)
			}
			b.insertOrdered(replacement)
			t.index(replacement)
			added = append(added, *replacement)
			t.dirty = true
		}
	}
	t.mu.Unlock()

	t.fire(added, removed, nil)
}

// FindClosest returns up to k good-or-questionable nodes in ascending
// distance to target. Ties break toward the fresher LastReplied.
func (t *Table) FindClosest(target common.NodeID, k int) []Node {
	t.mu.Lock()
	now := t.clk.Now()
	candidates := make([]Node, 0, k*2)
	for _, b := range t.buckets {
		for _, n := range b.nodes {
			if n.State(now) != NodeBad {
				candidates = append(candidates, *n)
			}
		}
	}
	t.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		di := common.XOR(candidates[i].ID, target)
		dj := common.XOR(candidates[j].ID, target)
		if c := di.Cmp(dj); c != 0 {
			return c < 0
		}
		return candidates[i].LastReplied.After(candidates[j].LastReplied)
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// GoodNodeCount counts members currently classified good.
func (t *Table) GoodNodeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clk.Now()
	count := 0
	for _, b := range t.buckets {
		for _, n := range b.nodes {
			if n.State(now) == NodeGood {
				count++
			}
		}
	}
	return count
}

// NodeCount counts all main-list members.
func (t *Table) NodeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// BucketCount reports the number of buckets.
func (t *Table) BucketCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}

// IterBuckets visits a snapshot of every bucket in range order.
func (t *Table) IterBuckets(fn func(BucketInfo)) {
	t.mu.Lock()
	infos := make([]BucketInfo, 0, len(t.buckets))
	for _, b := range t.buckets {
		infos = append(infos, BucketInfo{
			Low:          b.low,
			PrefixLen:    b.prefixLen,
			Members:      len(b.nodes),
			Replacements: len(b.replacements),
			LastTouched:  b.lastTouched,
		})
	}
	t.mu.Unlock()
	for _, info := range infos {
		fn(info)
	}
}

// RefreshCandidates returns one random lookup target per stale bucket and
// stamps those buckets refreshed.
func (t *Table) RefreshCandidates() []common.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clk.Now()
	var targets []common.NodeID
	for _, b := range t.buckets {
		if now.Sub(b.lastTouched) < t.config.RefreshInterval {
			continue
		}
		if now.Sub(b.lastRefresh) < t.config.RefreshInterval {
			continue
		}
		b.lastRefresh = now
		targets = append(targets, b.randomIDInRange())
	}
	return targets
}

// Dirty reports whether the table changed since the last MarkClean.
func (t *Table) Dirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty
}

// MarkClean clears the dirty flag after a successful snapshot.
func (t *Table) MarkClean() {
	t.mu.Lock()
	t.dirty = false
	t.mu.Unlock()
}

// bucketFor returns the bucket whose range contains id. Caller holds the
// lock.
func (t *Table) bucketFor(id common.NodeID) *bucket {
	// buckets are sorted by low; take the last bucket with low <= id
	lo, hi := 0, len(t.buckets)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if lessOrEqual(t.buckets[mid].low, id) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return t.buckets[lo]
}

func (t *Table) bucketIndexOf(b *bucket) int {
	for i, cur := range t.buckets {
		if cur == b {
			return i
		}
	}
	return -1
}

func lessOrEqual(a, b common.NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return true
}

func (t *Table) index(n *Node) {
	t.byID[n.ID] = n
	t.byEP[n.Endpoint.Key()] = n
}

func (t *Table) unindex(n *Node) {
	delete(t.byID, n.ID)
	if t.byEP[n.Endpoint.Key()] == n {
		delete(t.byEP, n.Endpoint.Key())
	}
	delete(t.probing, n.ID)
}
