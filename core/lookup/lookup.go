package lookup

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/jayian1890/dhthunter/core/common"
	"github.com/jayian1890/dhthunter/core/krpc"
)

// Kind selects the query a lookup iterates with.
type Kind int

const (
	FindNode Kind = iota
	GetPeers
)

func (k Kind) String() string {
	if k == GetPeers {
		return "get_peers"
	}
	return "find_node"
}

// Config holds lookup configuration
type Config struct {
	Alpha        int           `json:"alpha"`
	K            int           `json:"k"`
	Deadline     time.Duration `json:"lookup_deadline"`
	ShortlistCap int           `json:"shortlist_cap"`
}

// DefaultConfig returns production-ready defaults
func DefaultConfig() Config {
	return Config{
		Alpha:        3,
		K:            8,
		Deadline:     30 * time.Second,
		ShortlistCap: 64,
	}
}

// Querier issues one Kademlia query and blocks for its outcome.
type Querier interface {
	Call(ctx context.Context, dest common.Endpoint, query *krpc.QueryBody) (*krpc.ResponseBody, error)
}

// TokenHolder pairs a responder with the announce token it issued.
type TokenHolder struct {
	Contact common.Contact
	Token   []byte
}

// Result is the outcome of a finished lookup.
type Result struct {
	Target    common.NodeID
	Kind      Kind
	Closest   []common.Contact  // top-k responded nodes by distance
	Peers     []common.Endpoint // GetPeers only, deduped by endpoint
	Tokens    []TokenHolder     // GetPeers only, for announce follow-ups
	Probes    int               // queries issued
	Responses int               // responses received
}

type status int

const (
	statusUnqueried status = iota
	statusInFlight
	statusResponded
	statusFailed
)

type entry struct {
	contact  common.Contact
	distance common.Distance
	status   status
}

type probeOutcome struct {
	ent  *entry
	resp *krpc.ResponseBody
	err  error
}

// Lookup is one iterative closest-nodes search. The shortlist is private to
// the lookup; independent lookups share only the querier underneath.
type Lookup struct {
	ownID   common.NodeID
	target  common.NodeID
	kind    Kind
	config  Config
	querier Querier
	clk     clock.Clock
	logger  *slog.Logger

	// OnCandidate, when set, sees every merged contact so the routing
	// table can be fed.
	OnCandidate func(common.Contact)

	shortlist []*entry
	inFlight  int
	probes    int
	responses int

	peers     map[string]common.Endpoint
	tokens    []TokenHolder
	tokenFrom map[common.NodeID]bool
}

// New creates a lookup seeded with the given contacts (typically
// find_closest(target, 3*alpha) from the routing table).
func New(ownID, target common.NodeID, kind Kind, seeds []common.Contact, config Config, querier Querier, logger *slog.Logger, clk clock.Clock) *Lookup {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if clk == nil {
		clk = clock.New()
	}
	l := &Lookup{
		ownID:     ownID,
		target:    target,
		kind:      kind,
		config:    config,
		querier:   querier,
		clk:       clk,
		logger:    logger.With("component", "lookup", "kind", kind.String(), "target", target.Short()),
		peers:     make(map[string]common.Endpoint),
		tokenFrom: make(map[common.NodeID]bool),
	}
	for _, seed := range seeds {
		l.merge(seed)
	}
	return l
}

// Run drives the lookup to convergence, deadline, or cancellation. A partial
// result accompanies DeadlineExceeded errors.
func (l *Lookup) Run(ctx context.Context) (*Result, error) {
	if len(l.shortlist) == 0 {
		return nil, common.NewError(common.ErrCodeNoContacts, "empty shortlist")
	}

	runCtx, cancel := context.WithCancel(ctx)

	events := make(chan probeOutcome, l.config.Alpha)
	var wg sync.WaitGroup
	// in-flight probes are released before Run returns: cancel first, then
	// wait for every worker to observe it
	defer wg.Wait()
	defer cancel()

	deadline := l.clk.Timer(l.config.Deadline)
	defer deadline.Stop()

	for {
		l.launch(runCtx, events, &wg)

		if l.converged() {
			return l.result(), l.noSuccessError()
		}

		select {
		case <-ctx.Done():
			cancel()
			return nil, common.WrapError(common.ErrCodeCancelled, "lookup cancelled", ctx.Err())
		case <-deadline.C:
			cancel()
			return l.result(), common.NewError(common.ErrCodeDeadlineExceeded, "lookup deadline elapsed")
		case out := <-events:
			l.inFlight--
			if out.err != nil {
				out.ent.status = statusFailed
				continue
			}
			l.responses++
			out.ent.status = statusResponded
			l.absorb(out.ent, out.resp)
		}
	}
}

// launch issues probes while fewer than alpha are in flight and an unqueried
// candidate remains in the best-k prefix.
func (l *Lookup) launch(ctx context.Context, events chan<- probeOutcome, wg *sync.WaitGroup) {
	for l.inFlight < l.config.Alpha {
		ent := l.nextCandidate()
		if ent == nil {
			return
		}
		ent.status = statusInFlight
		l.inFlight++
		l.probes++

		query := &krpc.QueryBody{ID: l.ownID}
		if l.kind == GetPeers {
			query.Method = krpc.MethodGetPeers
			query.InfoHash = common.InfoHash(l.target)
		} else {
			query.Method = krpc.MethodFindNode
			query.Target = l.target
		}

		wg.Add(1)
		go func(ent *entry) {
			defer wg.Done()
			resp, err := l.querier.Call(ctx, ent.contact.Endpoint, query)
			select {
			case events <- probeOutcome{ent: ent, resp: resp, err: err}:
			case <-ctx.Done():
			}
		}(ent)
	}
}

// nextCandidate returns the closest unqueried entry within the best-k
// prefix of the shortlist.
func (l *Lookup) nextCandidate() *entry {
	limit := l.config.K
	if limit > len(l.shortlist) {
		limit = len(l.shortlist)
	}
	for _, ent := range l.shortlist[:limit] {
		if ent.status == statusUnqueried {
			return ent
		}
	}
	return nil
}

// converged reports the spec's termination conditions: the best-k prefix is
// all responded, or nothing is in flight and no unqueried candidate remains
// in the prefix.
func (l *Lookup) converged() bool {
	limit := l.config.K
	if limit > len(l.shortlist) {
		limit = len(l.shortlist)
	}
	allResponded := true
	hasUnqueried := false
	for _, ent := range l.shortlist[:limit] {
		if ent.status != statusResponded {
			allResponded = false
		}
		if ent.status == statusUnqueried {
			hasUnqueried = true
		}
	}
	if limit > 0 && allResponded {
		return true
	}
	return l.inFlight == 0 && !hasUnqueried
}

// absorb folds a response's contacts, peers, and token into lookup state.
func (l *Lookup) absorb(from *entry, resp *krpc.ResponseBody) {
	for _, c := range resp.Nodes {
		l.merge(c)
	}
	for _, c := range resp.Nodes6 {
		l.merge(c)
	}
	if l.kind != GetPeers {
		return
	}
	for _, peer := range resp.Values {
		if peer.IsValid() {
			l.peers[peer.Key()] = peer
		}
	}
	if len(resp.Token) > 0 && !l.tokenFrom[from.contact.ID] {
		l.tokenFrom[from.contact.ID] = true
		l.tokens = append(l.tokens, TokenHolder{Contact: from.contact, Token: resp.Token})
	}
}

// merge inserts a contact into the shortlist, deduped by id, keeping
// distance order and the size cap.
func (l *Lookup) merge(c common.Contact) {
	if c.ID.IsZero() || c.ID == l.ownID || !c.Endpoint.IsValid() {
		return
	}
	for _, ent := range l.shortlist {
		if ent.contact.ID == c.ID {
			return
		}
	}
	if l.OnCandidate != nil {
		l.OnCandidate(c)
	}
	ent := &entry{contact: c, distance: common.XOR(c.ID, l.target)}
	pos := sort.Search(len(l.shortlist), func(i int) bool {
		return l.shortlist[i].distance.Cmp(ent.distance) > 0
	})
	l.shortlist = append(l.shortlist, nil)
	copy(l.shortlist[pos+1:], l.shortlist[pos:])
	l.shortlist[pos] = ent

	// trim unqueried tail entries beyond the cap
	for len(l.shortlist) > l.config.ShortlistCap {
		last := len(l.shortlist) - 1
		if l.shortlist[last].status != statusUnqueried {
			break
		}
		l.shortlist = l.shortlist[:last]
	}
}

func (l *Lookup) result() *Result {
	res := &Result{
		Target:    l.target,
		Kind:      l.kind,
		Probes:    l.probes,
		Responses: l.responses,
		Tokens:    l.tokens,
	}
	for _, ent := range l.shortlist {
		if ent.status != statusResponded {
			continue
		}
		res.Closest = append(res.Closest, ent.contact)
		if len(res.Closest) == l.config.K {
			break
		}
	}
	for _, peer := range l.peers {
		res.Peers = append(res.Peers, peer)
	}
	return res
}

// noSuccessError distinguishes a converged-but-empty lookup.
func (l *Lookup) noSuccessError() error {
	if l.responses == 0 {
		return common.NewError(common.ErrCodeNoContacts, "shortlist exhausted without a response")
	}
	return nil
}
