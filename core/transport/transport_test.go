package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jayian1890/dhthunter/core/common"
)

func newTestTransport(t *testing.T) *UDPTransport {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenPort = 0 // ephemeral
	tr, err := New(cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Start())
	t.Cleanup(func() { tr.Stop() })
	return tr
}

func endpointOf(tr *UDPTransport) common.Endpoint {
	addr := tr.LocalAddr()
	return common.Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: uint16(addr.Port)}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	a := newTestTransport(t)
	b := newTestTransport(t)

	var mu sync.Mutex
	var got [][]byte
	b.OnDatagram(func(payload []byte, from common.Endpoint) {
		mu.Lock()
		got = append(got, payload)
		mu.Unlock()
	})

	done, err := a.Send([]byte("hello"), endpointOf(b))
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not complete")
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && string(got[0]) == "hello"
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, uint64(1), a.Metrics().Sent)
}

func TestArrivalOrderPreserved(t *testing.T) {
	a := newTestTransport(t)
	b := newTestTransport(t)

	var mu sync.Mutex
	var got []byte
	b.OnDatagram(func(payload []byte, from common.Endpoint) {
		mu.Lock()
		got = append(got, payload[0])
		mu.Unlock()
	})

	dest := endpointOf(b)
	for i := byte(0); i < 20; i++ {
		done, err := a.Send([]byte{i}, dest)
		require.NoError(t, err)
		require.NoError(t, <-done)
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 20
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := byte(0); i < 20; i++ {
		assert.Equal(t, i, got[i])
	}
}

func TestOversizePayloadRejected(t *testing.T) {
	a := newTestTransport(t)
	_, err := a.Send(make([]byte, 1501), common.Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: 1})
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.ErrCodeOversize))
	assert.Equal(t, uint64(1), a.Metrics().DroppedOversize)
}

func TestSendBeforeStart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenPort = 0
	tr, err := New(cfg, nil, nil)
	require.NoError(t, err)
	_, err = tr.Send([]byte("x"), common.Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: 1})
	assert.True(t, common.IsCode(err, common.ErrCodeSocketClosed))
}

func TestPerEndpointBurstControl(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenPort = 0
	cfg.PerEndpointBurstSize = 3
	cfg.PerEndpointBurstWindow = time.Minute
	tr, err := New(cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Start())
	defer tr.Stop()

	victim := common.Endpoint{IP: net.IPv4(10, 0, 0, 1), Port: 6881}
	other := common.Endpoint{IP: net.IPv4(10, 0, 0, 2), Port: 6881}

	for i := 0; i < 3; i++ {
		assert.True(t, tr.TryAcquire(victim), "acquire %d", i)
	}
	assert.False(t, tr.TryAcquire(victim))
	// independent budget per endpoint
	assert.True(t, tr.TryAcquire(other))
}

func TestBackpressureWhenQueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenPort = 0
	cfg.MaxOutboundQueue = 1
	// starve the write loop so the queue cannot drain
	cfg.GlobalRateOpsPerSec = 1
	cfg.GlobalRateBurst = 1
	tr, err := New(cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Start())
	defer tr.Stop()

	dest := common.Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: 9}
	// soak the burst allowance, then flood
	var sawBackpressure bool
	for i := 0; i < 64; i++ {
		if _, err := tr.Send([]byte("x"), dest); err != nil {
			if common.IsCode(err, common.ErrCodeBackpressure) {
				sawBackpressure = true
				break
			}
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.True(t, sawBackpressure)
	assert.NotZero(t, tr.Metrics().DroppedBackpressure)
}
