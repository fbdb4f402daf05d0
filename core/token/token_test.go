package token

import (
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jayian1890/dhthunter/core/common"
)

func testEndpoint(host byte, port uint16) common.Endpoint {
	return common.Endpoint{IP: net.IPv4(10, 0, 0, host), Port: port}
}

func TestIssueValidate(t *testing.T) {
	m, err := NewManager(DefaultConfig(), nil, nil)
	require.NoError(t, err)

	ep := testEndpoint(1, 6881)
	tok := m.Issue(ep)
	require.Len(t, tok, TokenLength)
	assert.True(t, m.Validate(ep, tok))

	// a token is bound to its endpoint
	assert.False(t, m.Validate(testEndpoint(2, 6881), tok))
	assert.False(t, m.Validate(testEndpoint(1, 6882), tok))

	// wrong lengths never validate
	assert.False(t, m.Validate(ep, nil))
	assert.False(t, m.Validate(ep, tok[:2]))
	assert.False(t, m.Validate(ep, append(tok, 0x00)))
}

func TestRotationWindow(t *testing.T) {
	mock := clock.NewMock()
	m, err := NewManager(DefaultConfig(), nil, mock)
	require.NoError(t, err)

	ep := testEndpoint(3, 6881)
	tok := m.Issue(ep)

	// t=299s: no rotation yet
	mock.Add(299 * time.Second)
	assert.False(t, m.RotateIfDue())
	assert.True(t, m.Validate(ep, tok))

	// t=301s: one rotation, still valid under the previous secret
	mock.Add(2 * time.Second)
	assert.True(t, m.RotateIfDue())
	assert.True(t, m.Validate(ep, tok))

	// t=601s: second rotation kills it
	mock.Add(300 * time.Second)
	assert.True(t, m.RotateIfDue())
	assert.False(t, m.Validate(ep, tok))

	// fresh tokens keep working
	assert.True(t, m.Validate(ep, m.Issue(ep)))
}

func TestRotateIfDueIsIdempotentWithinWindow(t *testing.T) {
	mock := clock.NewMock()
	m, err := NewManager(DefaultConfig(), nil, mock)
	require.NoError(t, err)

	mock.Add(6 * time.Minute)
	assert.True(t, m.RotateIfDue())
	assert.False(t, m.RotateIfDue(), "second rotation within the window")
}
