package krpc

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sony/gobreaker"

	"github.com/jayian1890/dhthunter/core/common"
)

// Config holds RPC configuration
type Config struct {
	BaseTimeout     time.Duration `json:"rpc_base_timeout"`
	MaxRetries      int           `json:"rpc_max_retries"`
	MaxDelay        time.Duration `json:"rpc_max_delay"`
	TotalTimeout    time.Duration `json:"rpc_total_timeout"`
	BreakerFailures uint32        `json:"breaker_failures"`
	BreakerCooldown time.Duration `json:"breaker_cooldown"`
}

// DefaultConfig returns production-ready defaults
func DefaultConfig() Config {
	return Config{
		BaseTimeout:     5 * time.Second,
		MaxRetries:      2,
		MaxDelay:        5 * time.Second,
		TotalTimeout:    30 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: 60 * time.Second,
	}
}

// PacketConn is the slice of the transport the RPC layer uses.
type PacketConn interface {
	Send(payload []byte, dest common.Endpoint) (<-chan error, error)
	TryAcquire(ep common.Endpoint) bool
	Penalize(ep common.Endpoint)
}

// NodeObserver is notified of every node sighting so the routing table can be
// kept current. rtt is meaningful only for ObserveResponseOk.
type NodeObserver func(contact common.Contact, source common.ObserveSource, rtt time.Duration)

// QueryHandler answers one inbound method. Exactly one of the results is
// non-nil.
type QueryHandler func(from common.Endpoint, query *QueryBody) (*ResponseBody, *ErrorBody)

// Metrics counts RPC activity.
type Metrics struct {
	QueriesSent         uint64 `json:"queries_sent"`
	Retries             uint64 `json:"retries"`
	ResponsesMatched    uint64 `json:"responses_matched"`
	Timeouts            uint64 `json:"timeouts"`
	RemoteErrors        uint64 `json:"remote_errors"`
	UnknownTransactions uint64 `json:"unknown_transactions"`
	MalformedPackets    uint64 `json:"malformed_packets"`
	QueriesHandled      uint64 `json:"queries_handled"`
}

type txKey struct {
	endpoint string
	tid      string
}

type txResult struct {
	resp *ResponseBody
	err  error
}

type transaction struct {
	key          txKey
	dest         common.Endpoint
	method       Method
	payload      []byte
	attempt      int
	attemptsLeft int
	lastSent     time.Time
	deadline     time.Time
	timer        *clock.Timer
	done         chan txResult
}

// RPC is the transaction-oriented Kademlia query layer: it allocates
// transaction ids, retries with exponential backoff, matches responses, and
// dispatches inbound queries to registered handlers.
type RPC struct {
	ownID  common.NodeID
	config Config
	conn   PacketConn
	clk    clock.Clock
	logger *slog.Logger

	mu           sync.Mutex
	transactions map[txKey]*transaction
	nextTID      uint16

	handlers  map[Method]QueryHandler
	handlerMu sync.RWMutex

	breakers  map[string]*gobreaker.CircuitBreaker
	breakerMu sync.Mutex

	observer NodeObserver

	queriesSent         atomic.Uint64
	retries             atomic.Uint64
	responsesMatched    atomic.Uint64
	timeouts            atomic.Uint64
	remoteErrors        atomic.Uint64
	unknownTransactions atomic.Uint64
	malformedPackets    atomic.Uint64
	queriesHandled      atomic.Uint64
}

// New creates an RPC layer over a packet connection. A nil clock selects the
// wall clock.
func New(ownID common.NodeID, config Config, conn PacketConn, logger *slog.Logger, clk clock.Clock) *RPC {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &RPC{
		ownID:        ownID,
		config:       config,
		conn:         conn,
		clk:          clk,
		logger:       logger.With("component", "krpc"),
		transactions: make(map[txKey]*transaction),
		handlers:     make(map[Method]QueryHandler),
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
	}
}

// SetObserver registers the node-sighting hook. Must be set before traffic
// flows.
func (r *RPC) SetObserver(obs NodeObserver) { r.observer = obs }

// RegisterHandler installs the handler for one method.
func (r *RPC) RegisterHandler(method Method, h QueryHandler) {
	r.handlerMu.Lock()
	r.handlers[method] = h
	r.handlerMu.Unlock()
}

// Metrics returns a snapshot of the counters.
func (r *RPC) Metrics() Metrics {
	return Metrics{
		QueriesSent:         r.queriesSent.Load(),
		Retries:             r.retries.Load(),
		ResponsesMatched:    r.responsesMatched.Load(),
		Timeouts:            r.timeouts.Load(),
		RemoteErrors:        r.remoteErrors.Load(),
		UnknownTransactions: r.unknownTransactions.Load(),
		MalformedPackets:    r.malformedPackets.Load(),
		QueriesHandled:      r.queriesHandled.Load(),
	}
}

// Outstanding reports the number of live transactions.
func (r *RPC) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transactions)
}

// Shutdown fails every outstanding transaction.
func (r *RPC) Shutdown() {
	r.mu.Lock()
	txs := make([]*transaction, 0, len(r.transactions))
	for _, tx := range r.transactions {
		txs = append(txs, tx)
	}
	r.transactions = make(map[txKey]*transaction)
	r.mu.Unlock()

	for _, tx := range txs {
		if tx.timer != nil {
			tx.timer.Stop()
		}
		tx.done <- txResult{err: common.NewError(common.ErrCodeCancelled, "rpc shutdown")}
	}
}

// Call sends a query and waits for the matching response, a terminal timeout,
// or context cancellation. Cancellation detaches the transaction: any late
// response is discarded as an unknown transaction.
func (r *RPC) Call(ctx context.Context, dest common.Endpoint, query *QueryBody) (*ResponseBody, error) {
	cb := r.breakerFor(dest)
	res, err := cb.Execute(func() (interface{}, error) {
		resp, callErr := r.doCall(ctx, dest, query)
		// Only endpoint-unresponsiveness feeds the breaker. Remote errors
		// and local cancellation mean the endpoint is not dead.
		if callErr != nil && common.IsCode(callErr, common.ErrCodeTimeout) {
			return nil, callErr
		}
		return txResult{resp: resp, err: callErr}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, common.WrapError(common.ErrCodeCircuitOpen, dest.String(), err)
		}
		return nil, err
	}
	out := res.(txResult)
	return out.resp, out.err
}

func (r *RPC) doCall(ctx context.Context, dest common.Endpoint, query *QueryBody) (*ResponseBody, error) {
	// Per-endpoint burst budget: delay rather than drop.
	for !r.conn.TryAcquire(dest) {
		select {
		case <-ctx.Done():
			return nil, common.WrapError(common.ErrCodeCancelled, "awaiting rate budget", ctx.Err())
		case <-r.clk.After(50 * time.Millisecond):
		}
	}

	tx, payload, err := r.register(dest, query)
	if err != nil {
		return nil, err
	}

	if _, err := r.conn.Send(payload, dest); err != nil {
		r.remove(tx.key)
		return nil, err
	}
	r.queriesSent.Add(1)

	r.mu.Lock()
	if _, live := r.transactions[tx.key]; live {
		tx.timer = r.clk.AfterFunc(r.config.BaseTimeout, func() { r.onTimeout(tx.key) })
	}
	r.mu.Unlock()

	select {
	case res := <-tx.done:
		return res.resp, res.err
	case <-ctx.Done():
		r.remove(tx.key)
		return nil, common.WrapError(common.ErrCodeCancelled, "query cancelled", ctx.Err())
	}
}

// register allocates a transaction id unique among outstanding transactions
// to the same endpoint and encodes the query.
func (r *RPC) register(dest common.Endpoint, query *QueryBody) (*transaction, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	epKey := dest.Key()
	var key txKey
	found := false
	for i := 0; i < 1<<16; i++ {
		tid := r.nextTID
		r.nextTID++
		var raw [2]byte
		binary.BigEndian.PutUint16(raw[:], tid)
		key = txKey{endpoint: epKey, tid: string(raw[:])}
		if _, exists := r.transactions[key]; !exists {
			found = true
			break
		}
	}
	if !found {
		return nil, nil, common.NewError(common.ErrCodeBackpressure, "transaction ids exhausted")
	}

	msg := &Message{TID: []byte(key.tid), Kind: KindQuery, Query: query}
	payload, err := msg.Encode()
	if err != nil {
		return nil, nil, common.WrapError(common.ErrCodeInvalidMessage, "encode query", err)
	}

	now := r.clk.Now()
	tx := &transaction{
		key:          key,
		dest:         dest,
		method:       query.Method,
		payload:      payload,
		attemptsLeft: r.config.MaxRetries,
		lastSent:     now,
		deadline:     now.Add(r.config.TotalTimeout),
		done:         make(chan txResult, 1),
	}
	r.transactions[key] = tx
	return tx, payload, nil
}

func (r *RPC) remove(key txKey) *transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.transactions[key]
	if !ok {
		return nil
	}
	delete(r.transactions, key)
	if tx.timer != nil {
		tx.timer.Stop()
	}
	return tx
}

func (r *RPC) onTimeout(key txKey) {
	r.mu.Lock()
	tx, ok := r.transactions[key]
	if !ok {
		r.mu.Unlock()
		return
	}

	now := r.clk.Now()
	if tx.attemptsLeft > 0 && now.Before(tx.deadline) {
		tx.attemptsLeft--
		tx.attempt++
		delay := r.config.BaseTimeout << uint(tx.attempt)
		if delay > r.config.MaxDelay {
			delay = r.config.MaxDelay
		}
		if remaining := tx.deadline.Sub(now); delay > remaining {
			delay = remaining
		}
		tx.lastSent = now
		tx.timer = r.clk.AfterFunc(delay, func() { r.onTimeout(key) })
		payload, dest := tx.payload, tx.dest
		r.mu.Unlock()

		r.retries.Add(1)
		// each lost attempt counts against the node's liveness
		if r.observer != nil {
			r.observer(common.Contact{Endpoint: dest}, common.ObserveResponseTimeout, 0)
		}
		// same transaction id on the wire for every attempt
		if _, err := r.conn.Send(payload, dest); err != nil {
			r.logger.Debug("retry send failed", "dest", dest.String(), "err", err)
		}
		return
	}

	delete(r.transactions, key)
	dest := tx.dest
	r.mu.Unlock()

	r.timeouts.Add(1)
	if r.observer != nil {
		r.observer(common.Contact{Endpoint: dest}, common.ObserveResponseTimeout, 0)
	}
	tx.done <- txResult{err: common.NewError(common.ErrCodeTimeout, "no response").
		WithContext("endpoint", dest.String()).
		WithContext("method", string(tx.method))}
}

func (r *RPC) breakerFor(dest common.Endpoint) *gobreaker.CircuitBreaker {
	key := dest.Key()
	r.breakerMu.Lock()
	defer r.breakerMu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	failures := r.config.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     r.config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
	})
	r.breakers[key] = cb
	return cb
}

// HandleDatagram is wired as the transport's inbound handler.
func (r *RPC) HandleDatagram(payload []byte, from common.Endpoint) {
	msg, err := Decode(payload)
	if err != nil {
		r.malformedPackets.Add(1)
		r.conn.Penalize(from)
		r.replyProtocolError(payload, from)
		return
	}

	switch msg.Kind {
	case KindQuery:
		r.handleQuery(msg, from)
	case KindResponse:
		r.handleResponse(msg, from)
	case KindError:
		r.handleError(msg, from)
	}
}

// replyProtocolError answers a malformed query with code 203 when the
// transaction id is recoverable; responses and errors are dropped silently.
func (r *RPC) replyProtocolError(payload []byte, from common.Endpoint) {
	tid, isReply := recoverTID(payload)
	if tid == nil || isReply {
		return
	}
	reply := &Message{TID: tid, Kind: KindError, Error: &ErrorBody{
		Code:    ErrProtocol,
		Message: "Protocol Error",
	}}
	if encoded, err := reply.Encode(); err == nil {
		r.conn.Send(encoded, from)
	}
}

func (r *RPC) handleQuery(msg *Message, from common.Endpoint) {
	q := msg.Query
	if q.ID.IsZero() {
		r.logger.Debug("query with zero sender id dropped", "from", from.String())
		return
	}
	if q.ID == r.ownID {
		r.logger.Warn("sender claims our id", "from", from.String())
		return
	}
	if r.observer != nil {
		r.observer(common.Contact{ID: q.ID, Endpoint: from}, common.ObserveIncomingQuery, 0)
	}

	r.handlerMu.RLock()
	handler := r.handlers[q.Method]
	r.handlerMu.RUnlock()

	reply := &Message{TID: msg.TID}
	if handler == nil {
		reply.Kind = KindError
		reply.Error = &ErrorBody{Code: ErrMethodUnknown, Message: "Method Unknown"}
	} else {
		resp, errBody := handler(from, q)
		switch {
		case errBody != nil:
			reply.Kind = KindError
			reply.Error = errBody
		case resp != nil:
			resp.ID = r.ownID
			reply.Kind = KindResponse
			reply.Response = resp
		default:
			return
		}
	}
	r.queriesHandled.Add(1)

	encoded, err := reply.Encode()
	if err != nil {
		r.logger.Error("encode reply failed", "err", err)
		return
	}
	if _, err := r.conn.Send(encoded, from); err != nil {
		r.logger.Debug("reply send failed", "dest", from.String(), "err", err)
	}
}

func (r *RPC) handleResponse(msg *Message, from common.Endpoint) {
	key := txKey{endpoint: from.Key(), tid: string(msg.TID)}
	tx := r.remove(key)
	if tx == nil {
		r.unknownTransactions.Add(1)
		r.logger.Debug("unexpected response dropped", "from", from.String())
		return
	}

	resp := msg.Response
	if resp.ID.IsZero() {
		tx.done <- txResult{err: common.NewError(common.ErrCodeBadSenderID, "zero id in response")}
		return
	}
	if resp.ID == r.ownID {
		r.logger.Warn("responder claims our id", "from", from.String())
		tx.done <- txResult{err: common.NewError(common.ErrCodeOwnIDCollision, "responder claims our id")}
		return
	}

	r.responsesMatched.Add(1)
	rtt := r.clk.Now().Sub(tx.lastSent)
	if r.observer != nil {
		// the id in the response body is the authoritative sender id
		r.observer(common.Contact{ID: resp.ID, Endpoint: from}, common.ObserveResponseOk, rtt)
	}
	tx.done <- txResult{resp: resp}
}

func (r *RPC) handleError(msg *Message, from common.Endpoint) {
	key := txKey{endpoint: from.Key(), tid: string(msg.TID)}
	tx := r.remove(key)
	if tx == nil {
		r.unknownTransactions.Add(1)
		return
	}
	r.remoteErrors.Add(1)
	tx.done <- txResult{err: common.WrapError(common.ErrCodeRemoteError, from.String(), msg.Error)}
}

// recoverTID best-effort extracts "t" from a packet that failed strict
// decoding, and reports whether the packet claimed to be a reply.
func recoverTID(payload []byte) ([]byte, bool) {
	root, err := lenientDecode(payload)
	if err != nil || root == nil {
		return nil, false
	}
	tid, ok := root.GetBytes("t")
	if !ok {
		return nil, false
	}
	y, _ := root.GetString("y")
	return tid, y == "r" || y == "e"
}
