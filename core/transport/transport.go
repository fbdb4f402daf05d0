package transport

import (
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/jayian1890/dhthunter/core/common"
)

const globalLimiterKey = "global"

// Config holds transport configuration
type Config struct {
	ListenPort             int           `json:"listen_port"`
	MaxDatagramSize        int           `json:"max_datagram_size"`
	MaxOutboundQueue       int           `json:"max_outbound_queue"`
	GlobalRateOpsPerSec    int64         `json:"global_rate_ops_per_sec"`
	GlobalRateBurst        int64         `json:"global_rate_burst"`
	PerEndpointBurstSize   int64         `json:"per_endpoint_burst_size"`
	PerEndpointBurstWindow time.Duration `json:"per_endpoint_burst_window"`
	SendMaxRetries         int           `json:"send_max_retries"`
}

// DefaultConfig returns production-ready defaults
func DefaultConfig() Config {
	return Config{
		ListenPort:             6881,
		MaxDatagramSize:        1500,
		MaxOutboundQueue:       4096,
		GlobalRateOpsPerSec:    200,
		GlobalRateBurst:        400,
		PerEndpointBurstSize:   10,
		PerEndpointBurstWindow: time.Second,
		SendMaxRetries:         3,
	}
}

// Metrics counts transport activity. All counters are monotonic.
type Metrics struct {
	Sent                uint64 `json:"sent"`
	Received            uint64 `json:"received"`
	DroppedOversize     uint64 `json:"dropped_oversize"`
	DroppedBackpressure uint64 `json:"dropped_backpressure"`
	RateDeferred        uint64 `json:"rate_deferred"`
	SendFailures        uint64 `json:"send_failures"`
}

// Handler receives inbound datagrams in arrival order.
type Handler func(payload []byte, from common.Endpoint)

type sendRequest struct {
	payload []byte
	dest    common.Endpoint
	done    chan error
}

// UDPTransport owns a single non-blocking UDP socket. Sends are queued and
// paced by a global token bucket; a per-endpoint burst controller is exposed
// to callers via TryAcquire.
type UDPTransport struct {
	config Config
	logger *slog.Logger
	clk    clock.Clock

	conn *net.UDPConn

	handler   Handler
	handlerMu sync.RWMutex

	sendQueue chan *sendRequest

	global        *limiter.TokenBucket
	globalStore   store.Store
	perEndpoint   *limiter.TokenBucket
	endpointStore store.Store
	rateMu        sync.RWMutex

	sent                atomic.Uint64
	received            atomic.Uint64
	droppedOversize     atomic.Uint64
	droppedBackpressure atomic.Uint64
	rateDeferred        atomic.Uint64
	sendFailures        atomic.Uint64

	shutdown chan struct{}
	wg       sync.WaitGroup
	running  atomic.Bool
}

// New creates an unstarted transport. A nil clock selects the wall clock.
func New(config Config, logger *slog.Logger, clk clock.Clock) (*UDPTransport, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if clk == nil {
		clk = clock.New()
	}

	t := &UDPTransport{
		config:    config,
		logger:    logger.With("component", "transport"),
		clk:       clk,
		sendQueue: make(chan *sendRequest, config.MaxOutboundQueue),
		shutdown:  make(chan struct{}),
	}

	t.globalStore = store.NewMemoryStore(time.Minute)
	global, err := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     config.GlobalRateOpsPerSec,
			Duration: time.Second,
			Burst:    config.GlobalRateBurst,
		},
		t.globalStore,
	)
	if err != nil {
		return nil, common.WrapError(common.ErrCodeBackpressure, "global limiter", err)
	}
	t.global = global

	t.endpointStore = store.NewMemoryStore(time.Minute)
	perEndpoint, err := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     config.PerEndpointBurstSize,
			Duration: config.PerEndpointBurstWindow,
			Burst:    config.PerEndpointBurstSize,
		},
		t.endpointStore,
	)
	if err != nil {
		return nil, common.WrapError(common.ErrCodeBackpressure, "per-endpoint limiter", err)
	}
	t.perEndpoint = perEndpoint

	return t, nil
}

// Start binds the socket and launches the I/O loops. A bind failure is fatal
// and propagates to the caller.
func (t *UDPTransport) Start() error {
	if !t.running.CompareAndSwap(false, true) {
		return nil
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: t.config.ListenPort})
	if err != nil {
		t.running.Store(false)
		return common.WrapError(common.ErrCodeSocketClosed, "bind udp", err)
	}
	t.conn = conn

	t.wg.Add(2)
	go t.readLoop()
	go t.writeLoop()

	t.logger.Info("transport started", "addr", conn.LocalAddr().String())
	return nil
}

// Stop closes the socket and drains the queue. Pending sends resolve with a
// socket-closed error.
func (t *UDPTransport) Stop() error {
	if !t.running.CompareAndSwap(true, false) {
		return nil
	}
	close(t.shutdown)
	if t.conn != nil {
		t.conn.Close()
	}
	t.wg.Wait()

	for {
		select {
		case req := <-t.sendQueue:
			req.done <- common.NewError(common.ErrCodeSocketClosed, "transport stopped")
		default:
			return nil
		}
	}
}

// LocalAddr returns the bound address, or nil before Start.
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// OnDatagram registers the inbound handler. Must be called before Start.
func (t *UDPTransport) OnDatagram(h Handler) {
	t.handlerMu.Lock()
	t.handler = h
	t.handlerMu.Unlock()
}

// Send enqueues a datagram. The returned channel resolves with the sendto
// outcome. A full queue rejects immediately with a backpressure error.
func (t *UDPTransport) Send(payload []byte, dest common.Endpoint) (<-chan error, error) {
	if !t.running.Load() {
		return nil, common.NewError(common.ErrCodeSocketClosed, "transport not running")
	}
	if len(payload) > t.config.MaxDatagramSize {
		t.droppedOversize.Add(1)
		return nil, common.NewError(common.ErrCodeOversize, "payload exceeds datagram budget").
			WithContext("size", len(payload))
	}
	req := &sendRequest{payload: payload, dest: dest, done: make(chan error, 1)}
	select {
	case t.sendQueue <- req:
		return req.done, nil
	default:
		t.droppedBackpressure.Add(1)
		return nil, common.NewError(common.ErrCodeBackpressure, "outbound queue full").
			WithContext("high_water", t.config.MaxOutboundQueue)
	}
}

// TryAcquire consumes one slot of the per-endpoint burst budget. Callers that
// get false decide whether to delay or drop.
func (t *UDPTransport) TryAcquire(ep common.Endpoint) bool {
	t.rateMu.RLock()
	defer t.rateMu.RUnlock()
	return t.perEndpoint.Allow(ep.Key())
}

// Penalize burns a burst slot for an endpoint that sent garbage.
func (t *UDPTransport) Penalize(ep common.Endpoint) {
	t.rateMu.RLock()
	defer t.rateMu.RUnlock()
	t.perEndpoint.Allow(ep.Key())
}

// Metrics returns a snapshot of the counters.
func (t *UDPTransport) Metrics() Metrics {
	return Metrics{
		Sent:                t.sent.Load(),
		Received:            t.received.Load(),
		DroppedOversize:     t.droppedOversize.Load(),
		DroppedBackpressure: t.droppedBackpressure.Load(),
		RateDeferred:        t.rateDeferred.Load(),
		SendFailures:        t.sendFailures.Load(),
	}
}

// QueueLen reports the current outbound queue depth.
func (t *UDPTransport) QueueLen() int { return len(t.sendQueue) }

func (t *UDPTransport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, 65536)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.shutdown:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.logger.Warn("read failed", "err", err)
			continue
		}
		t.received.Add(1)
		if n > t.config.MaxDatagramSize {
			t.droppedOversize.Add(1)
			t.logger.Debug("oversize datagram dropped", "size", n, "from", addr.String())
			continue
		}

		t.handlerMu.RLock()
		handler := t.handler
		t.handlerMu.RUnlock()
		if handler == nil {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		// synchronous dispatch keeps per-endpoint arrival order
		handler(payload, common.EndpointFromUDPAddr(addr))
	}
}

func (t *UDPTransport) writeLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.shutdown:
			return
		case req := <-t.sendQueue:
			t.waitGlobalToken()
			req.done <- t.sendTo(req)
		}
	}
}

// waitGlobalToken blocks until the global bucket yields a token or the
// transport is shutting down.
func (t *UDPTransport) waitGlobalToken() {
	for {
		t.rateMu.RLock()
		ok := t.global.Allow(globalLimiterKey)
		t.rateMu.RUnlock()
		if ok {
			return
		}
		t.rateDeferred.Add(1)
		select {
		case <-t.shutdown:
			return
		case <-t.clk.After(5 * time.Millisecond):
		}
	}
}

func (t *UDPTransport) sendTo(req *sendRequest) error {
	var lastErr error
	for attempt := 0; attempt <= t.config.SendMaxRetries; attempt++ {
		if attempt > 0 {
			// short jittered pause between socket-level retries
			t.clk.Sleep(time.Duration(1+rand.Intn(4)) * time.Millisecond)
		}
		_, err := t.conn.WriteToUDP(req.payload, req.dest.UDPAddr())
		if err == nil {
			t.sent.Add(1)
			return nil
		}
		lastErr = err
		select {
		case <-t.shutdown:
			return common.NewError(common.ErrCodeSocketClosed, "transport stopped")
		default:
		}
	}
	t.sendFailures.Add(1)
	return common.WrapError(common.ErrCodeSocketClosed, "sendto failed", lastErr)
}
