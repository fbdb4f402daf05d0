package node

import (
	"sync"
	"time"

	"github.com/jayian1890/dhthunter/core/common"
)

const (
	maxPeersPerHash = 100
	peerTTL         = 30 * time.Minute
)

type peerEntry struct {
	ep   common.Endpoint
	seen time.Time
}

// peerStore remembers announced peers per infohash so get_peers queries can
// be answered with values. Bounded per hash and expired by age.
type peerStore struct {
	mu    sync.Mutex
	peers map[common.InfoHash][]peerEntry
}

func newPeerStore() *peerStore {
	return &peerStore{peers: make(map[common.InfoHash][]peerEntry)}
}

func (p *peerStore) add(h common.InfoHash, ep common.Endpoint, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := p.peers[h]
	for i := range entries {
		if entries[i].ep.Key() == ep.Key() {
			entries[i].seen = now
			return
		}
	}
	if len(entries) >= maxPeersPerHash {
		entries = entries[1:]
	}
	p.peers[h] = append(entries, peerEntry{ep: ep, seen: now})
}

func (p *peerStore) get(h common.InfoHash, now time.Time) []common.Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := p.peers[h]
	out := make([]common.Endpoint, 0, len(entries))
	kept := entries[:0]
	for _, e := range entries {
		if now.Sub(e.seen) > peerTTL {
			continue
		}
		kept = append(kept, e)
		out = append(out, e.ep)
	}
	if len(kept) == 0 {
		delete(p.peers, h)
	} else {
		p.peers[h] = kept
	}
	return out
}

func (p *peerStore) prune(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for h, entries := range p.peers {
		kept := entries[:0]
		for _, e := range entries {
			if now.Sub(e.seen) <= peerTTL {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(p.peers, h)
		} else {
			p.peers[h] = kept
		}
	}
}

func (p *peerStore) hashCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}
