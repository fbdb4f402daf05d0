package krpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jayian1890/dhthunter/core/bencode"
	"github.com/jayian1890/dhthunter/core/common"
)

type sentPacket struct {
	payload []byte
	dest    common.Endpoint
}

// mockConn records sends and lets tests deny the burst budget.
type mockConn struct {
	mu        sync.Mutex
	sent      []sentPacket
	penalized int
	deny      bool
}

func (m *mockConn) Send(payload []byte, dest common.Endpoint) (<-chan error, error) {
	m.mu.Lock()
	m.sent = append(m.sent, sentPacket{payload: payload, dest: dest})
	m.mu.Unlock()
	done := make(chan error, 1)
	done <- nil
	return done, nil
}

func (m *mockConn) TryAcquire(ep common.Endpoint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.deny
}

func (m *mockConn) Penalize(ep common.Endpoint) {
	m.mu.Lock()
	m.penalized++
	m.mu.Unlock()
}

func (m *mockConn) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockConn) packet(i int) sentPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[i]
}

var remoteEP = common.Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: 40001}

func newTestRPC(mock *clock.Mock) (*RPC, *mockConn) {
	conn := &mockConn{}
	cfg := DefaultConfig()
	cfg.BaseTimeout = time.Second
	cfg.MaxRetries = 2
	cfg.MaxDelay = 5 * time.Second
	var clk clock.Clock = clock.New()
	if mock != nil {
		clk = mock
	}
	r := New(testID(0x01), cfg, conn, nil, clk)
	return r, conn
}

func waitSent(t *testing.T, conn *mockConn, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return conn.sentCount() >= n },
		2*time.Second, time.Millisecond)
}

func TestPingRoundTrip(t *testing.T) {
	r, conn := newTestRPC(nil)

	var observed []common.ObserveSource
	var observedRTT time.Duration
	var mu sync.Mutex
	r.SetObserver(func(c common.Contact, src common.ObserveSource, rtt time.Duration) {
		mu.Lock()
		observed = append(observed, src)
		observedRTT = rtt
		mu.Unlock()
	})

	type result struct {
		resp *ResponseBody
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := r.Call(context.Background(), remoteEP,
			&QueryBody{Method: MethodPing, ID: testID(0x01)})
		resCh <- result{resp, err}
	}()

	waitSent(t, conn, 1)
	sent, err := Decode(conn.packet(0).payload)
	require.NoError(t, err)
	require.Equal(t, KindQuery, sent.Kind)
	assert.Equal(t, MethodPing, sent.Query.Method)
	require.Len(t, sent.TID, 2)

	reply := &Message{TID: sent.TID, Kind: KindResponse,
		Response: &ResponseBody{ID: testID(0x02)}}
	encoded, err := reply.Encode()
	require.NoError(t, err)
	r.HandleDatagram(encoded, remoteEP)

	res := <-resCh
	require.NoError(t, res.err)
	assert.Equal(t, testID(0x02), res.resp.ID)
	assert.Zero(t, r.Outstanding())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, observed, 1)
	assert.Equal(t, common.ObserveResponseOk, observed[0])
	assert.Less(t, observedRTT, 100*time.Millisecond)
}

func TestRetryScheduleThenTimeout(t *testing.T) {
	mock := clock.NewMock()
	r, conn := newTestRPC(mock)

	var timedOut []common.Endpoint
	var mu sync.Mutex
	r.SetObserver(func(c common.Contact, src common.ObserveSource, rtt time.Duration) {
		if src == common.ObserveResponseTimeout {
			mu.Lock()
			timedOut = append(timedOut, c.Endpoint)
			mu.Unlock()
		}
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Call(context.Background(), remoteEP,
			&QueryBody{Method: MethodPing, ID: testID(0x01)})
		errCh <- err
	}()

	// attempt 1 at t=0; the short sleeps let each attempt arm its timer
	waitSent(t, conn, 1)
	time.Sleep(20 * time.Millisecond)

	// attempt 2 at t=1s
	mock.Add(time.Second)
	waitSent(t, conn, 2)
	time.Sleep(20 * time.Millisecond)

	// attempt 3 at t=3s
	mock.Add(2 * time.Second)
	waitSent(t, conn, 3)
	time.Sleep(20 * time.Millisecond)

	// resolves Timeout at t=7s
	mock.Add(4 * time.Second)
	select {
	case err := <-errCh:
		assert.True(t, common.IsCode(err, common.ErrCodeTimeout))
	case <-time.After(2 * time.Second):
		t.Fatal("call did not time out")
	}

	// the same transaction id on every attempt
	first, _ := Decode(conn.packet(0).payload)
	second, _ := Decode(conn.packet(1).payload)
	third, _ := Decode(conn.packet(2).payload)
	assert.Equal(t, first.TID, second.TID)
	assert.Equal(t, first.TID, third.TID)

	assert.Equal(t, 3, conn.sentCount())
	assert.Equal(t, uint64(1), r.Metrics().Timeouts)
	// one liveness strike per lost attempt
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, timedOut, 3)
	assert.Equal(t, remoteEP.String(), timedOut[0].String())
}

func TestCancellationDetachesTransaction(t *testing.T) {
	r, conn := newTestRPC(nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Call(ctx, remoteEP, &QueryBody{Method: MethodPing, ID: testID(0x01)})
		errCh <- err
	}()
	waitSent(t, conn, 1)
	cancel()

	err := <-errCh
	assert.True(t, common.IsCode(err, common.ErrCodeCancelled))
	assert.Zero(t, r.Outstanding())

	// a late response is now an unknown transaction and is dropped
	sent, _ := Decode(conn.packet(0).payload)
	reply := &Message{TID: sent.TID, Kind: KindResponse,
		Response: &ResponseBody{ID: testID(0x02)}}
	encoded, _ := reply.Encode()
	r.HandleDatagram(encoded, remoteEP)
	assert.Equal(t, uint64(1), r.Metrics().UnknownTransactions)
}

func TestRemoteErrorPropagatedVerbatim(t *testing.T) {
	r, conn := newTestRPC(nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Call(context.Background(), remoteEP,
			&QueryBody{Method: MethodPing, ID: testID(0x01)})
		errCh <- err
	}()
	waitSent(t, conn, 1)

	sent, _ := Decode(conn.packet(0).payload)
	reply := &Message{TID: sent.TID, Kind: KindError,
		Error: &ErrorBody{Code: ErrServer, Message: "Server Error"}}
	encoded, _ := reply.Encode()
	r.HandleDatagram(encoded, remoteEP)

	err := <-errCh
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.ErrCodeRemoteError))
	var remote *ErrorBody
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrServer, remote.Code)
}

func TestCircuitBreakerOpensAfterTimeouts(t *testing.T) {
	conn := &mockConn{}
	cfg := DefaultConfig()
	cfg.BaseTimeout = 5 * time.Millisecond
	cfg.MaxRetries = 0
	cfg.BreakerFailures = 2
	r := New(testID(0x01), cfg, conn, nil, nil)

	for i := 0; i < 2; i++ {
		_, err := r.Call(context.Background(), remoteEP,
			&QueryBody{Method: MethodPing, ID: testID(0x01)})
		assert.True(t, common.IsCode(err, common.ErrCodeTimeout), "call %d: %v", i, err)
	}

	before := conn.sentCount()
	_, err := r.Call(context.Background(), remoteEP,
		&QueryBody{Method: MethodPing, ID: testID(0x01)})
	assert.True(t, common.IsCode(err, common.ErrCodeCircuitOpen))
	assert.Equal(t, before, conn.sentCount(), "open circuit must not reach the wire")
}

func TestInboundQueryDispatch(t *testing.T) {
	r, conn := newTestRPC(nil)

	var observedQuery bool
	r.SetObserver(func(c common.Contact, src common.ObserveSource, rtt time.Duration) {
		if src == common.ObserveIncomingQuery {
			observedQuery = true
		}
	})
	r.RegisterHandler(MethodPing, func(from common.Endpoint, q *QueryBody) (*ResponseBody, *ErrorBody) {
		return &ResponseBody{}, nil
	})

	query := &Message{TID: []byte{0x12, 0x34}, Kind: KindQuery,
		Query: &QueryBody{Method: MethodPing, ID: testID(0x09)}}
	encoded, _ := query.Encode()
	r.HandleDatagram(encoded, remoteEP)

	require.Equal(t, 1, conn.sentCount())
	reply, err := Decode(conn.packet(0).payload)
	require.NoError(t, err)
	assert.Equal(t, KindResponse, reply.Kind)
	assert.Equal(t, []byte{0x12, 0x34}, reply.TID)
	assert.Equal(t, testID(0x01), reply.Response.ID, "response carries our id")
	assert.True(t, observedQuery)
}

func TestUnknownMethodAnswers204(t *testing.T) {
	r, conn := newTestRPC(nil)

	id := testID(0x09)
	args := bencode.Dict()
	args.Set("id", bencode.String(id[:]))
	root := bencode.Dict()
	root.Set("t", bencode.String([]byte{0x01, 0x02}))
	root.Set("y", bencode.Str("q"))
	root.Set("q", bencode.Str("gimme"))
	root.Set("a", args)
	encoded := bencode.Encode(root)
	r.HandleDatagram(encoded, remoteEP)

	require.Equal(t, 1, conn.sentCount())
	reply, err := Decode(conn.packet(0).payload)
	require.NoError(t, err)
	require.Equal(t, KindError, reply.Kind)
	assert.Equal(t, ErrMethodUnknown, reply.Error.Code)
}

func TestMalformedQueryAnswers203AndPenalizes(t *testing.T) {
	r, conn := newTestRPC(nil)

	// valid bencode with a recoverable t, but no usable query shape
	raw := []byte("d1:t2:xy1:y1:qe")
	r.HandleDatagram(raw, remoteEP)

	require.Equal(t, 1, conn.sentCount())
	reply, err := Decode(conn.packet(0).payload)
	require.NoError(t, err)
	require.Equal(t, KindError, reply.Kind)
	assert.Equal(t, ErrProtocol, reply.Error.Code)
	assert.Equal(t, []byte("xy"), reply.TID)
	assert.Equal(t, 1, conn.penalized)
}

func TestGarbageDroppedSilently(t *testing.T) {
	r, conn := newTestRPC(nil)
	r.HandleDatagram([]byte("\x00\x01\x02"), remoteEP)
	assert.Zero(t, conn.sentCount())
	assert.Equal(t, 1, conn.penalized)
	assert.Equal(t, uint64(1), r.Metrics().MalformedPackets)
}

func TestZeroAndCollidingSenderIDsDropped(t *testing.T) {
	r, conn := newTestRPC(nil)
	r.RegisterHandler(MethodPing, func(from common.Endpoint, q *QueryBody) (*ResponseBody, *ErrorBody) {
		return &ResponseBody{}, nil
	})

	zero := &Message{TID: []byte{0, 1}, Kind: KindQuery,
		Query: &QueryBody{Method: MethodPing, ID: common.NodeID{}}}
	encoded, _ := zero.Encode()
	r.HandleDatagram(encoded, remoteEP)
	assert.Zero(t, conn.sentCount())

	collision := &Message{TID: []byte{0, 2}, Kind: KindQuery,
		Query: &QueryBody{Method: MethodPing, ID: testID(0x01)}} // our own id
	encoded, _ = collision.Encode()
	r.HandleDatagram(encoded, remoteEP)
	assert.Zero(t, conn.sentCount())
}
