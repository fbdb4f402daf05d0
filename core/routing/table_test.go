package routing

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jayian1890/dhthunter/core/common"
)

func makeID(bytes ...byte) common.NodeID {
	var id common.NodeID
	copy(id[:], bytes)
	return id
}

func makeEP(host byte, port uint16) common.Endpoint {
	return common.Endpoint{IP: net.IPv4(10, 0, 0, host), Port: port}
}

func newTestTable(own common.NodeID) (*Table, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))
	cfg := DefaultConfig()
	cfg.ProbeQuestionable = false
	return NewTable(own, cfg, nil, mock), mock
}

func observeOk(t *Table, id common.NodeID, ep common.Endpoint) {
	t.Observe(common.Contact{ID: id, Endpoint: ep}, common.ObserveResponseOk, 10*time.Millisecond)
}

func TestBucketSplitAtDepthZero(t *testing.T) {
	table, _ := newTestTable(common.NodeID{}) // own id all-zeros

	// 9 distinct nodes whose ids have MSB=0
	for i := byte(1); i <= 9; i++ {
		observeOk(table, makeID(0x00, i), makeEP(i, 6881))
	}

	require.Equal(t, 2, table.BucketCount())
	var infos []BucketInfo
	table.IterBuckets(func(b BucketInfo) { infos = append(infos, b) })
	require.Len(t, infos, 2)

	// lower half [0, 2^159) holds 8 nodes, upper half is empty
	assert.Equal(t, common.NodeID{}, infos[0].Low)
	assert.Equal(t, 1, infos[0].PrefixLen)
	assert.Equal(t, 8, infos[0].Members)

	assert.Equal(t, byte(0x80), infos[1].Low[0])
	assert.Equal(t, 1, infos[1].PrefixLen)
	assert.Equal(t, 0, infos[1].Members)
}

func TestBucketCapacityInvariant(t *testing.T) {
	table, _ := newTestTable(makeID(0x55, 0xaa))

	for i := 0; i < 200; i++ {
		id := makeID(byte(i*7), byte(i), byte(i*13))
		observeOk(table, id, makeEP(byte(i), uint16(6881+i)))
	}

	table.IterBuckets(func(b BucketInfo) {
		assert.LessOrEqual(t, b.Members, 8)
		assert.LessOrEqual(t, b.Replacements, 8)
	})
}

func TestBucketRangesPartitionIDSpace(t *testing.T) {
	table, _ := newTestTable(common.NodeID{})
	for i := byte(0); i < 64; i++ {
		observeOk(table, makeID(i<<2, i, i), makeEP(i, 6881))
	}
	require.Greater(t, table.BucketCount(), 2)

	var infos []BucketInfo
	table.IterBuckets(func(b BucketInfo) { infos = append(infos, b) })

	// first bucket starts at zero; each bucket starts exactly where the
	// previous one ends; the last bucket's end wraps to zero
	assert.Equal(t, common.NodeID{}, infos[0].Low)
	for i := 1; i < len(infos); i++ {
		end, wrapped := rangeEnd(infos[i-1].Low, infos[i-1].PrefixLen)
		require.False(t, wrapped, "only the final bucket may reach 2^160")
		assert.Equal(t, end, infos[i].Low, "bucket %d is not contiguous", i)
	}
	last := infos[len(infos)-1]
	end, wrapped := rangeEnd(last.Low, last.PrefixLen)
	assert.True(t, wrapped)
	assert.Equal(t, common.NodeID{}, end)
}

// rangeEnd returns low + 2^(160-prefixLen) with big-endian carry, and
// whether the sum wrapped past 2^160.
func rangeEnd(low common.NodeID, prefixLen int) (common.NodeID, bool) {
	end := low
	bit := prefixLen - 1
	carry := uint16(0x80 >> (bit % 8))
	for i := bit / 8; i >= 0; i-- {
		sum := uint16(end[i]) + carry
		end[i] = byte(sum)
		carry = sum >> 8
		if carry == 0 {
			return end, false
		}
	}
	return end, true
}

func TestOwnAndZeroIDsRejected(t *testing.T) {
	own := makeID(0x42)
	table, _ := newTestTable(own)
	table.Observe(common.Contact{ID: own, Endpoint: makeEP(1, 1)}, common.ObserveResponseOk, 0)
	table.Observe(common.Contact{ID: common.NodeID{}, Endpoint: makeEP(2, 2)}, common.ObserveResponseOk, 0)
	assert.Zero(t, table.NodeCount())
}

func TestLivenessTransitions(t *testing.T) {
	table, mock := newTestTable(common.NodeID{})
	id := makeID(0x80, 0x01)
	ep := makeEP(1, 6881)

	// an incoming query alone never makes a node good
	table.Observe(common.Contact{ID: id, Endpoint: ep}, common.ObserveIncomingQuery, 0)
	assert.Equal(t, 0, table.GoodNodeCount())

	observeOk(table, id, ep)
	assert.Equal(t, 1, table.GoodNodeCount())

	// good decays to questionable after the reply window
	mock.Add(16 * time.Minute)
	assert.Equal(t, 0, table.GoodNodeCount())
	assert.Equal(t, 1, table.NodeCount())

	// two timeouts make it bad; with an empty replacement cache it stays
	table.Observe(common.Contact{Endpoint: ep}, common.ObserveResponseTimeout, 0)
	table.Observe(common.Contact{Endpoint: ep}, common.ObserveResponseTimeout, 0)
	assert.Equal(t, 1, table.NodeCount())

	// a fresh reply clears the strikes
	observeOk(table, id, ep)
	assert.Equal(t, 1, table.GoodNodeCount())
}

func TestObserveIdempotence(t *testing.T) {
	table, mock := newTestTable(common.NodeID{})
	id := makeID(0x80, 0x02)
	ep := makeEP(2, 6881)

	table.Observe(common.Contact{ID: id, Endpoint: ep}, common.ObserveIncomingQuery, 0)
	mock.Add(time.Second)
	table.Observe(common.Contact{ID: id, Endpoint: ep}, common.ObserveIncomingQuery, 0)

	assert.Equal(t, 1, table.NodeCount())
}

func TestReplacementCachePromotion(t *testing.T) {
	own := common.NodeID{} // all-zero, far from the 0x80 bucket
	table, _ := newTestTable(own)

	// fill the upper half with 8 good nodes plus one cached candidate
	for i := byte(1); i <= 9; i++ {
		observeOk(table, makeID(0x80, i), makeEP(i, 6881))
	}
	require.Equal(t, 8, func() int {
		count := 0
		table.IterBuckets(func(b BucketInfo) {
			if b.Low[0] == 0x80 {
				count = b.Members
			}
		})
		return count
	}())

	// strike the oldest member until it is bad
	victim := makeEP(1, 6881)
	table.Observe(common.Contact{Endpoint: victim}, common.ObserveResponseTimeout, 0)
	table.Observe(common.Contact{Endpoint: victim}, common.ObserveResponseTimeout, 0)

	// the bad node is gone and the cached candidate was promoted
	assert.Equal(t, 8, table.NodeCount())
	closest := table.FindClosest(makeID(0x80), 16)
	ids := make(map[common.NodeID]bool)
	for _, n := range closest {
		ids[n.ID] = true
	}
	assert.False(t, ids[makeID(0x80, 1)], "bad node still present")
	assert.True(t, ids[makeID(0x80, 9)], "replacement not promoted")
}

func TestFindClosestOrdering(t *testing.T) {
	table, _ := newTestTable(common.NodeID{})
	target := makeID(0xff, 0xff)

	observeOk(table, makeID(0x0f), makeEP(1, 1))
	observeOk(table, makeID(0xf0), makeEP(2, 2))
	observeOk(table, makeID(0xff), makeEP(3, 3))

	got := table.FindClosest(target, 2)
	require.Len(t, got, 2)
	assert.Equal(t, makeID(0xff), got[0].ID)
	assert.Equal(t, makeID(0xf0), got[1].ID)
}

func TestRefreshCandidates(t *testing.T) {
	table, mock := newTestTable(common.NodeID{})
	for i := byte(1); i <= 9; i++ {
		observeOk(table, makeID(0x00, i), makeEP(i, 6881))
	}
	require.Equal(t, 2, table.BucketCount())

	assert.Empty(t, table.RefreshCandidates(), "fresh buckets need no refresh")

	mock.Add(16 * time.Minute)
	targets := table.RefreshCandidates()
	require.Len(t, targets, 2)

	// each target falls in its bucket's range
	assert.Zero(t, targets[0][0]&0x80)
	assert.Equal(t, byte(0x80), targets[1][0]&0x80)

	// refresh stamps prevent immediate re-issue
	assert.Empty(t, table.RefreshCandidates())
}

func TestHooksFire(t *testing.T) {
	table, _ := newTestTable(common.NodeID{})
	var added, removed int
	var splits int
	table.SetHooks(Hooks{
		NodeAdded:   func(Node) { added++ },
		NodeRemoved: func(Node) { removed++ },
		BucketSplit: func(int) { splits++ },
	})

	for i := byte(1); i <= 9; i++ {
		observeOk(table, makeID(0x00, i), makeEP(i, 6881))
	}
	assert.Equal(t, 8, added)
	assert.Equal(t, 1, splits)
	assert.Zero(t, removed)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routing_table.ben")

	own := makeID(0x42)
	table, mock := newTestTable(own)
	for i := byte(1); i <= 5; i++ {
		observeOk(table, makeID(0x80, i), makeEP(i, uint16(6880+int(i))))
	}
	require.NoError(t, table.Save(path))

	fresh := NewTable(own, DefaultConfig(), nil, mock)
	loaded, err := fresh.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, loaded)
	assert.Equal(t, 5, fresh.NodeCount())
	assert.False(t, fresh.Dirty(), "load leaves the table clean")
}

func TestLoadRejectsSchemaMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.ben")

	require.NoError(t, writeFile(path, []byte("d5:wrongi1ee")))
	table, _ := newTestTable(makeID(0x42))
	_, err := table.Load(path)
	assert.Error(t, err)

	// the file is left in place
	_, statErr := readFile(path)
	assert.NoError(t, statErr)
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func TestLoadSkipsStaleNodes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routing_table.ben")

	own := makeID(0x42)
	table, mock := newTestTable(own)
	observeOk(table, makeID(0x80, 1), makeEP(1, 6881))
	require.NoError(t, table.Save(path))

	mock.Add(25 * time.Hour)
	fresh := NewTable(own, DefaultConfig(), nil, mock)
	loaded, err := fresh.Load(path)
	require.NoError(t, err)
	assert.Zero(t, loaded)
}
