package krpc

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jayian1890/dhthunter/core/common"
)

func testID(last byte) common.NodeID {
	var id common.NodeID
	id[19] = last
	return id
}

func TestPingQueryWireForm(t *testing.T) {
	a := testID(0x01)
	msg := &Message{
		TID:   []byte{0x00, 0x01},
		Kind:  KindQuery,
		Query: &QueryBody{Method: MethodPing, ID: a},
	}
	encoded, err := msg.Encode()
	require.NoError(t, err)

	want := append([]byte("d1:ad2:id20:"), a[:]...)
	want = append(want, []byte("e1:q4:ping1:t2:\x00\x011:y1:qe")...)
	assert.Equal(t, want, encoded)
}

func TestPingResponseWireForm(t *testing.T) {
	b := testID(0x02)
	raw := append([]byte("d1:rd2:id20:"), b[:]...)
	raw = append(raw, []byte("e1:t2:\x00\x011:y1:re")...)

	msg, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, KindResponse, msg.Kind)
	assert.Equal(t, []byte{0x00, 0x01}, msg.TID)
	assert.Equal(t, b, msg.Response.ID)
}

func TestQueryRoundTrips(t *testing.T) {
	a := testID(0x0a)
	var ih common.InfoHash
	ih[0] = 0xfe

	queries := []*QueryBody{
		{Method: MethodPing, ID: a},
		{Method: MethodFindNode, ID: a, Target: testID(0x33)},
		{Method: MethodGetPeers, ID: a, InfoHash: ih},
		{Method: MethodAnnouncePeer, ID: a, InfoHash: ih, Port: 6881, Token: []byte("tok4")},
		{Method: MethodAnnouncePeer, ID: a, InfoHash: ih, Port: 0, ImpliedPort: true, Token: []byte("tok4")},
	}
	for _, q := range queries {
		msg := &Message{TID: []byte{0xaa, 0xbb}, Kind: KindQuery, Query: q}
		encoded, err := msg.Encode()
		require.NoError(t, err, q.Method)

		back, err := Decode(encoded)
		require.NoError(t, err, q.Method)
		require.Equal(t, KindQuery, back.Kind)
		assert.Equal(t, q.Method, back.Query.Method)
		assert.Equal(t, q.ID, back.Query.ID)
		assert.Equal(t, q.Target, back.Query.Target)
		assert.Equal(t, q.InfoHash, back.Query.InfoHash)
		assert.Equal(t, q.ImpliedPort, back.Query.ImpliedPort)
		if q.Method == MethodAnnouncePeer {
			assert.Equal(t, q.Port, back.Query.Port)
			assert.Equal(t, q.Token, back.Query.Token)
		}
	}
}

func TestResponseRoundTrips(t *testing.T) {
	contacts := []common.Contact{
		{ID: testID(0x11), Endpoint: common.Endpoint{IP: net.IPv4(10, 0, 0, 1), Port: 6881}},
		{ID: testID(0x12), Endpoint: common.Endpoint{IP: net.IPv4(10, 0, 0, 2), Port: 6882}},
	}
	values := []common.Endpoint{
		{IP: net.IPv4(192, 168, 1, 5), Port: 51413},
	}
	msg := &Message{
		TID:  []byte{0x00, 0x07},
		Kind: KindResponse,
		Response: &ResponseBody{
			ID:     testID(0x44),
			Nodes:  contacts,
			Token:  []byte("abcd"),
			Values: values,
		},
	}
	encoded, err := msg.Encode()
	require.NoError(t, err)

	back, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, KindResponse, back.Kind)
	require.Len(t, back.Response.Nodes, 2)
	assert.Equal(t, contacts[0].ID, back.Response.Nodes[0].ID)
	assert.Equal(t, uint16(6882), back.Response.Nodes[1].Endpoint.Port)
	assert.Equal(t, []byte("abcd"), back.Response.Token)
	require.Len(t, back.Response.Values, 1)
	assert.Equal(t, uint16(51413), back.Response.Values[0].Port)
}

func TestErrorWireForm(t *testing.T) {
	msg := &Message{
		TID:   []byte("aa"),
		Kind:  KindError,
		Error: &ErrorBody{Code: ErrGeneric, Message: "A Generic Error Ocurred"},
	}
	encoded, err := msg.Encode()
	require.NoError(t, err)
	assert.Equal(t, "d1:eli201e23:A Generic Error Ocurrede1:t2:aa1:y1:ee", string(encoded))

	back, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, KindError, back.Kind)
	assert.Equal(t, ErrGeneric, back.Error.Code)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"i42e",                      // not a dict
		"d1:y1:qe",                  // no t
		"d1:t2:aae",                 // no y
		"d1:t2:aa1:y1:xe",           // unknown y
		"d1:t2:aa1:y1:qe",           // query without q/a
		"d1:ad2:id3:xyze1:q4:ping1:t2:aa1:y1:qe", // short id
		"d1:rde1:t2:aa1:y1:re",      // response without id
		"d1:eli201ee1:t2:aa1:y1:ee", // error list too short
	}
	for _, raw := range cases {
		_, err := Decode([]byte(raw))
		assert.Error(t, err, "%q", raw)
	}
}
