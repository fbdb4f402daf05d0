package node

import (
	"context"
	"time"

	"github.com/jayian1890/dhthunter/core/common"
	"github.com/jayian1890/dhthunter/core/krpc"
)

// registerHandlers installs the four KRPC method handlers.
func (n *Node) registerHandlers() {
	n.rpc.RegisterHandler(krpc.MethodPing, n.handlePing)
	n.rpc.RegisterHandler(krpc.MethodFindNode, n.handleFindNode)
	n.rpc.RegisterHandler(krpc.MethodGetPeers, n.handleGetPeers)
	n.rpc.RegisterHandler(krpc.MethodAnnouncePeer, n.handleAnnouncePeer)
}

func (n *Node) handlePing(from common.Endpoint, q *krpc.QueryBody) (*krpc.ResponseBody, *krpc.ErrorBody) {
	return &krpc.ResponseBody{}, nil
}

func (n *Node) handleFindNode(from common.Endpoint, q *krpc.QueryBody) (*krpc.ResponseBody, *krpc.ErrorBody) {
	resp := &krpc.ResponseBody{}
	n.fillNodes(resp, q.Target)
	return resp, nil
}

func (n *Node) handleGetPeers(from common.Endpoint, q *krpc.QueryBody) (*krpc.ResponseBody, *krpc.ErrorBody) {
	resp := &krpc.ResponseBody{Token: n.tokens.Issue(from)}

	if values := n.peers.get(q.InfoHash, n.clk.Now()); len(values) > 0 {
		resp.Values = values
	} else {
		n.fillNodes(resp, q.InfoHash.AsNodeID())
	}

	// a get_peers query is a crawl signal: someone wants this infohash
	if n.markSeen(q.InfoHash) {
		h := q.InfoHash
		ep := from
		n.emit(Event{Kind: EventPeerDiscovered, Severity: SeverityInfo, InfoHash: &h, Peer: &ep})
		n.notifySink(q.InfoHash, []common.Contact{{ID: q.ID, Endpoint: from}})
	}
	return resp, nil
}

func (n *Node) handleAnnouncePeer(from common.Endpoint, q *krpc.QueryBody) (*krpc.ResponseBody, *krpc.ErrorBody) {
	if !n.tokens.Validate(from, q.Token) {
		return nil, &krpc.ErrorBody{Code: krpc.ErrProtocol, Message: "Invalid Token"}
	}

	port := q.Port
	if q.ImpliedPort {
		port = int(from.Port)
	}
	if port < 1 || port > 65535 {
		return nil, &krpc.ErrorBody{Code: krpc.ErrProtocol, Message: "Invalid Port"}
	}

	peerEP := common.Endpoint{IP: from.IP, Port: uint16(port)}
	n.peers.add(q.InfoHash, peerEP, n.clk.Now())

	h := q.InfoHash
	ep := peerEP
	n.emit(Event{Kind: EventPeerAnnounced, Severity: SeverityInfo, InfoHash: &h, Peer: &ep})
	if n.markSeen(q.InfoHash) {
		n.notifySink(q.InfoHash, []common.Contact{{ID: q.ID, Endpoint: peerEP}})
	}
	return &krpc.ResponseBody{}, nil
}

// fillNodes answers with up to k closest contacts, split by address family.
func (n *Node) fillNodes(resp *krpc.ResponseBody, target common.NodeID) {
	for _, node := range n.table.FindClosest(target, n.config.K) {
		c := node.Contact()
		if c.Endpoint.IsV4() {
			resp.Nodes = append(resp.Nodes, c)
		} else {
			resp.Nodes6 = append(resp.Nodes6, c)
		}
	}
}

// pinger adapts the node's RPC layer to the routing table's eviction probe.
type pinger struct {
	n *Node
}

// Ping fires a liveness probe; the outcome feeds back through the RPC
// observer, so no callback is needed here.
func (p *pinger) Ping(ep common.Endpoint) {
	ctx, cancel := context.WithTimeout(p.n.ctx, 30*time.Second)
	defer cancel()
	_ = p.n.Ping(ctx, ep)
}

// eventingConn decorates the transport with message events for subscribers.
type eventingConn struct {
	n *Node
}

func (c *eventingConn) Send(payload []byte, dest common.Endpoint) (<-chan error, error) {
	done, err := c.n.transport.Send(payload, dest)
	if err != nil {
		ep := dest
		c.n.emit(Event{Kind: EventMessageError, Severity: SeverityWarning, Peer: &ep, Err: err})
		return done, err
	}
	go func() {
		ep := dest
		if sendErr := <-done; sendErr != nil {
			c.n.emit(Event{Kind: EventMessageError, Severity: SeverityWarning, Peer: &ep, Err: sendErr})
		} else {
			c.n.emit(Event{Kind: EventMessageSent, Severity: SeverityTrace, Peer: &ep})
		}
	}()
	return done, err
}

func (c *eventingConn) TryAcquire(ep common.Endpoint) bool {
	return c.n.transport.TryAcquire(ep)
}

func (c *eventingConn) Penalize(ep common.Endpoint) {
	c.n.transport.Penalize(ep)
}
