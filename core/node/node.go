package node

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cenkalti/backoff/v4"

	"github.com/jayian1890/dhthunter/core/bencode"
	"github.com/jayian1890/dhthunter/core/common"
	"github.com/jayian1890/dhthunter/core/krpc"
	"github.com/jayian1890/dhthunter/core/lookup"
	"github.com/jayian1890/dhthunter/core/routing"
	"github.com/jayian1890/dhthunter/core/storage"
	"github.com/jayian1890/dhthunter/core/token"
	"github.com/jayian1890/dhthunter/core/transport"
)

// seenTTL is how long an infohash stays deduplicated before it becomes a
// crawl candidate again.
const seenTTL = time.Hour

// MetadataSink receives validated crawl candidates: an infohash plus contact
// candidates to fetch the metadata from. The ut_metadata fetcher implements
// this; fetched blobs come back through StoreMetadata.
type MetadataSink interface {
	MetadataCandidate(h common.InfoHash, contacts []common.Contact)
}

// Node is the DHT orchestrator: it owns the transport, RPC layer, routing
// table, token manager and metadata store, runs the bootstrap and tick
// timers, and emits typed events to subscribers.
type Node struct {
	config Config
	logger *slog.Logger
	clk    clock.Clock

	ownID     common.NodeID
	transport *transport.UDPTransport
	rpc       *krpc.RPC
	table     *routing.Table
	tokens    *token.Manager
	store     *storage.Store
	peers     *peerStore

	sink MetadataSink

	seenMu     sync.Mutex
	seenFilter *bloom.BloomFilter
	seenTimes  map[common.InfoHash]time.Time

	subMu sync.Mutex
	subs  []*Subscription

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	wg       sync.WaitGroup
	running  atomic.Bool
}

// New assembles an unstarted node. The identity is reused from an existing
// routing snapshot when one is present, otherwise freshly generated.
func New(config Config, logger *slog.Logger) (*Node, error) {
	return newWithClock(config, logger, clock.New())
}

func newWithClock(config Config, logger *slog.Logger, clk clock.Clock) (*Node, error) {
	config.Validate()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ownID, err := loadOrGenerateID(config.RoutingTablePath)
	if err != nil {
		return nil, err
	}

	tr, err := transport.New(config.transportConfig(), logger, clk)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(config.storageConfig(), logger)
	if err != nil {
		return nil, err
	}
	tokens, err := token.NewManager(config.tokenConfig(), logger, clk)
	if err != nil {
		return nil, err
	}

	n := &Node{
		config:     config,
		logger:     logger.With("component", "node", "node_id", ownID.Short()),
		clk:        clk,
		ownID:      ownID,
		transport:  tr,
		table:      routing.NewTable(ownID, config.routingConfig(), logger, clk),
		tokens:     tokens,
		store:      store,
		peers:      newPeerStore(),
		seenFilter: bloom.NewWithEstimates(1_000_000, 0.001),
		seenTimes:  make(map[common.InfoHash]time.Time),
		shutdown:   make(chan struct{}),
	}
	n.rpc = krpc.New(ownID, config.rpcConfig(), &eventingConn{n: n}, logger, clk)
	return n, nil
}

// loadOrGenerateID recovers the identity from a prior snapshot or draws a
// fresh random one.
func loadOrGenerateID(path string) (common.NodeID, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if root, derr := bencode.Decode(data); derr == nil {
			if raw, ok := root.GetBytes("own_id"); ok {
				if id, ierr := common.NodeIDFromBytes(raw); ierr == nil && !id.IsZero() {
					return id, nil
				}
			}
		}
	}
	return common.RandomNodeID()
}

// ID returns the node's identifier.
func (n *Node) ID() common.NodeID { return n.ownID }

// Addr returns the bound UDP address, or nil before Start.
func (n *Node) Addr() *net.UDPAddr { return n.transport.LocalAddr() }

// Table exposes the routing table for introspection.
func (n *Node) Table() *routing.Table { return n.table }

// Store exposes the metadata store.
func (n *Node) Store() *storage.Store { return n.store }

// TransportMetrics returns the transport counters.
func (n *Node) TransportMetrics() transport.Metrics { return n.transport.Metrics() }

// RPCMetrics returns the RPC counters.
func (n *Node) RPCMetrics() krpc.Metrics { return n.rpc.Metrics() }

// SetMetadataSink registers the external metadata fetcher. Must be called
// before Start.
func (n *Node) SetMetadataSink(sink MetadataSink) { n.sink = sink }

// Subscribe returns a bounded event stream. Slow consumers lose the oldest
// events, never block the core.
func (n *Node) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 256
	}
	sub := &Subscription{ch: make(chan Event, buffer)}
	n.subMu.Lock()
	n.subs = append(n.subs, sub)
	n.subMu.Unlock()
	return sub
}

func (n *Node) emit(ev Event) {
	ev.Time = n.clk.Now()
	n.subMu.Lock()
	subs := n.subs
	n.subMu.Unlock()
	for _, sub := range subs {
		sub.push(ev)
	}
}

// Start binds the socket, wires the layers together, restores persisted
// state, and kicks off bootstrap and the tick loop.
func (n *Node) Start() error {
	if !n.running.CompareAndSwap(false, true) {
		return nil
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	n.rpc.SetObserver(n.observeNode)
	n.table.SetHooks(routing.Hooks{
		NodeAdded: func(node routing.Node) {
			c := node.Contact()
			n.emit(Event{Kind: EventNodeAdded, Severity: SeverityDebug, Node: &c})
		},
		NodeRemoved: func(node routing.Node) {
			c := node.Contact()
			n.emit(Event{Kind: EventNodeRemoved, Severity: SeverityDebug, Node: &c})
		},
		BucketSplit: func(prefixLen int) {
			n.emit(Event{Kind: EventBucketSplit, Severity: SeverityDebug})
		},
	})
	n.table.SetPinger(&pinger{n: n})
	n.registerHandlers()

	n.transport.OnDatagram(func(payload []byte, from common.Endpoint) {
		n.emit(Event{Kind: EventMessageReceived, Severity: SeverityTrace, Peer: &from})
		n.rpc.HandleDatagram(payload, from)
	})

	if err := n.transport.Start(); err != nil {
		n.running.Store(false)
		n.cancel()
		return err
	}

	if loaded, err := n.table.Load(n.config.RoutingTablePath); err != nil {
		if !os.IsNotExist(err) {
			n.logger.Warn("routing snapshot unusable", "err", err)
		}
	} else if loaded > 0 {
		n.logger.Info("routing snapshot restored", "nodes", loaded)
	}

	n.wg.Add(2)
	go n.tickLoop()
	go func() {
		defer n.wg.Done()
		n.bootstrap(n.ctx)
	}()

	n.logger.Info("node started",
		"addr", n.transport.LocalAddr().String(),
		"stored_metadata", n.store.Count())
	return nil
}

// Stop cancels lookups, flushes the routing table, and closes the socket.
func (n *Node) Stop() error {
	if !n.running.CompareAndSwap(true, false) {
		return nil
	}
	n.cancel()
	close(n.shutdown)
	n.rpc.Shutdown()
	n.wg.Wait()

	if err := n.table.Save(n.config.RoutingTablePath); err != nil {
		n.logger.Warn("final snapshot failed", "err", err)
	} else {
		n.table.MarkClean()
	}
	err := n.transport.Stop()

	n.subMu.Lock()
	for _, sub := range n.subs {
		sub.close()
	}
	n.subMu.Unlock()

	n.logger.Info("node stopped")
	return err
}

// observeNode is the RPC layer's sighting hook.
func (n *Node) observeNode(contact common.Contact, source common.ObserveSource, rtt time.Duration) {
	n.table.Observe(contact, source, rtt)
}

// Ping issues one ping transaction.
func (n *Node) Ping(ctx context.Context, ep common.Endpoint) error {
	_, err := n.rpc.Call(ctx, ep, &krpc.QueryBody{Method: krpc.MethodPing, ID: n.ownID})
	return err
}

// FindNode runs an iterative find_node lookup.
func (n *Node) FindNode(ctx context.Context, target common.NodeID) (*lookup.Result, error) {
	return n.runLookup(ctx, target, lookup.FindNode)
}

// GetPeers runs an iterative get_peers lookup for an infohash. Each discovered
// peer is emitted as a PeerDiscovered event; when any peers were found, the
// infohash is handed to the metadata sink together with the nodes that
// returned tokens.
func (n *Node) GetPeers(ctx context.Context, h common.InfoHash) (*lookup.Result, error) {
	res, err := n.runLookup(ctx, h.AsNodeID(), lookup.GetPeers)
	if err != nil {
		return res, err
	}
	if len(res.Peers) > 0 {
		hash := h
		for _, peer := range res.Peers {
			p := peer
			n.emit(Event{Kind: EventPeerDiscovered, Severity: SeverityInfo, InfoHash: &hash, Peer: &p})
		}
		n.notifySink(h, tokenContacts(res.Tokens))
	}
	return res, nil
}

// Announce performs the get_peers lookup then announces our presence to the
// token-holding nodes. When impliedPort is set the remotes store our source
// port instead of port.
func (n *Node) Announce(ctx context.Context, h common.InfoHash, port int, impliedPort bool) (int, error) {
	res, err := n.GetPeers(ctx, h)
	if err != nil {
		return 0, err
	}
	announced := 0
	for _, holder := range res.Tokens {
		q := &krpc.QueryBody{
			Method:      krpc.MethodAnnouncePeer,
			ID:          n.ownID,
			InfoHash:    h,
			Port:        port,
			ImpliedPort: impliedPort,
			Token:       holder.Token,
		}
		if _, err := n.rpc.Call(ctx, holder.Contact.Endpoint, q); err != nil {
			n.logger.Debug("announce rejected", "dest", holder.Contact.Endpoint.String(), "err", err)
			continue
		}
		announced++
	}
	if announced == 0 && len(res.Tokens) > 0 {
		return 0, common.NewError(common.ErrCodeRemoteError, "every announce failed")
	}
	return announced, nil
}

// StoreMetadata validates and persists a fetched metadata blob.
func (n *Node) StoreMetadata(h common.InfoHash, data []byte) error {
	if err := storage.ValidateMetadata(h, data); err != nil {
		return err
	}
	if err := n.store.Put(h, data); err != nil {
		return err
	}
	n.logger.Info("metadata stored", "infohash", h.Hex(), "size", len(data))
	return nil
}

func (n *Node) runLookup(ctx context.Context, target common.NodeID, kind lookup.Kind) (*lookup.Result, error) {
	seeds := contactsOf(n.table.FindClosest(target, 3*n.config.Alpha))
	l := lookup.New(n.ownID, target, kind, seeds, n.config.lookupConfig(), n.rpc, n.logger, n.clk)
	l.OnCandidate = func(c common.Contact) {
		n.table.Observe(c, common.ObserveLookupCandidate, 0)
		contact := c
		n.emit(Event{Kind: EventNodeDiscovered, Severity: SeverityTrace, Node: &contact})
	}

	t := target
	n.emit(Event{Kind: EventLookupStarted, Severity: SeverityDebug, Target: &t})
	res, err := l.Run(ctx)
	if err != nil {
		n.emit(Event{Kind: EventLookupFailed, Severity: SeverityDebug, Target: &t, Err: err})
		return res, err
	}
	n.emit(Event{Kind: EventLookupCompleted, Severity: SeverityDebug, Target: &t,
		Detail: kind.String()})
	return res, nil
}

// bootstrap pings the configured seeds and searches for our own id until the
// routing table is populated, backing off between rounds.
func (n *Node) bootstrap(ctx context.Context) {
	eps := make([]common.Endpoint, 0, len(n.config.BootstrapEndpoints))
	for _, raw := range n.config.BootstrapEndpoints {
		ep, err := common.ParseEndpoint(raw)
		if err != nil {
			n.logger.Warn("bootstrap endpoint unusable", "endpoint", raw, "err", err)
			continue
		}
		eps = append(eps, ep)
	}
	if len(eps) == 0 && n.table.NodeCount() == 0 {
		n.logger.Warn("no bootstrap endpoints and empty table, waiting for inbound traffic")
		return
	}

	round := func() error {
		roundCtx, cancel := context.WithTimeout(ctx, n.config.BootstrapRoundTimeout)
		defer cancel()

		var pings sync.WaitGroup
		for _, ep := range eps {
			pings.Add(1)
			go func(ep common.Endpoint) {
				defer pings.Done()
				if err := n.Ping(roundCtx, ep); err != nil {
					n.logger.Debug("bootstrap ping failed", "endpoint", ep.String(), "err", err)
				}
			}(ep)
		}
		pings.Wait()

		if _, err := n.runLookup(roundCtx, n.ownID, lookup.FindNode); err != nil {
			return err
		}
		if n.table.NodeCount() == 0 {
			return common.NewError(common.ErrCodeNoContacts, "table still empty after bootstrap round")
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.MaxInterval = 5 * time.Minute
	policy.MaxElapsedTime = 0 // retry until cancelled
	if err := backoff.Retry(round, backoff.WithContext(policy, ctx)); err != nil {
		n.logger.Warn("bootstrap abandoned", "err", err)
		return
	}
	n.logger.Info("bootstrap complete",
		"nodes", n.table.NodeCount(), "buckets", n.table.BucketCount())
}

// tickLoop drives the periodic maintenance: token rotation, bucket refresh,
// snapshot flush, and cache pruning.
func (n *Node) tickLoop() {
	defer n.wg.Done()
	ticker := n.clk.Ticker(n.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
			n.tick()
		}
	}
}

func (n *Node) tick() {
	if n.tokens.RotateIfDue() {
		n.logger.Debug("token secrets rotated")
	}

	for _, target := range n.table.RefreshCandidates() {
		target := target
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if _, err := n.runLookup(n.ctx, target, lookup.FindNode); err != nil {
				n.logger.Debug("bucket refresh lookup failed", "target", target.Short(), "err", err)
			}
		}()
	}

	if n.table.Dirty() {
		if err := n.table.Save(n.config.RoutingTablePath); err != nil {
			n.logger.Warn("snapshot flush failed", "err", err)
		} else {
			n.table.MarkClean()
		}
	}

	now := n.clk.Now()
	n.peers.prune(now)
	n.pruneSeen(now)
}

// markSeen dedups infohash sightings within the TTL window.
func (n *Node) markSeen(h common.InfoHash) bool {
	n.seenMu.Lock()
	defer n.seenMu.Unlock()
	now := n.clk.Now()
	if n.seenFilter.Test(h[:]) {
		if at, ok := n.seenTimes[h]; ok && now.Sub(at) < seenTTL {
			return false
		}
	}
	n.seenFilter.Add(h[:])
	n.seenTimes[h] = now
	return true
}

func (n *Node) pruneSeen(now time.Time) {
	n.seenMu.Lock()
	defer n.seenMu.Unlock()
	for h, at := range n.seenTimes {
		if now.Sub(at) >= seenTTL {
			delete(n.seenTimes, h)
		}
	}
}

// notifySink hands a crawl candidate to the metadata fetcher without ever
// blocking the core.
func (n *Node) notifySink(h common.InfoHash, contacts []common.Contact) {
	sink := n.sink
	if sink == nil {
		return
	}
	go sink.MetadataCandidate(h, contacts)
}

func contactsOf(nodes []routing.Node) []common.Contact {
	out := make([]common.Contact, 0, len(nodes))
	for i := range nodes {
		out = append(out, nodes[i].Contact())
	}
	return out
}

func tokenContacts(holders []lookup.TokenHolder) []common.Contact {
	out := make([]common.Contact, 0, len(holders))
	for _, h := range holders {
		out = append(out, h.Contact)
	}
	return out
}
