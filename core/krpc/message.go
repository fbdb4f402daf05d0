package krpc

import (
	"fmt"

	"github.com/jayian1890/dhthunter/core/bencode"
	"github.com/jayian1890/dhthunter/core/common"
)

// KRPC error codes
const (
	ErrGeneric       = 201
	ErrServer        = 202
	ErrProtocol      = 203
	ErrMethodUnknown = 204
)

// Method names the four Kademlia RPCs.
type Method string

const (
	MethodPing         Method = "ping"
	MethodFindNode     Method = "find_node"
	MethodGetPeers     Method = "get_peers"
	MethodAnnouncePeer Method = "announce_peer"
)

// Kind discriminates the three message shapes.
type Kind int

const (
	KindQuery Kind = iota
	KindResponse
	KindError
)

// Message is a decoded KRPC message: exactly one of Query, Response, Error
// is non-nil, selected by Kind.
type Message struct {
	TID      []byte
	Kind     Kind
	Query    *QueryBody
	Response *ResponseBody
	Error    *ErrorBody
}

// QueryBody carries the arguments of a query. Fields beyond ID are
// method-specific.
type QueryBody struct {
	Method      Method
	ID          common.NodeID
	Target      common.NodeID   // find_node
	InfoHash    common.InfoHash // get_peers, announce_peer
	Port        int             // announce_peer
	ImpliedPort bool            // announce_peer
	Token       []byte          // announce_peer
}

// ResponseBody carries a response dictionary. Which fields are set depends on
// the method the response answers.
type ResponseBody struct {
	ID     common.NodeID
	Nodes  []common.Contact  // packed v4 contacts
	Nodes6 []common.Contact  // packed v6 contacts
	Values []common.Endpoint // compact peer entries
	Token  []byte
}

// ErrorBody is a remote-reported error.
type ErrorBody struct {
	Code    int
	Message string
}

func (e *ErrorBody) Error() string {
	return fmt.Sprintf("krpc error %d: %s", e.Code, e.Message)
}

// Encode serializes the message to its bencoded wire form.
func (m *Message) Encode() ([]byte, error) {
	root := bencode.Dict()
	root.Set("t", bencode.String(m.TID))
	switch m.Kind {
	case KindQuery:
		if m.Query == nil {
			return nil, fmt.Errorf("encode: query body missing")
		}
		args, err := m.Query.encodeArgs()
		if err != nil {
			return nil, err
		}
		root.Set("a", args)
		root.Set("q", bencode.Str(string(m.Query.Method)))
		root.Set("y", bencode.Str("q"))
	case KindResponse:
		if m.Response == nil {
			return nil, fmt.Errorf("encode: response body missing")
		}
		r, err := m.Response.encodeBody()
		if err != nil {
			return nil, err
		}
		root.Set("r", r)
		root.Set("y", bencode.Str("r"))
	case KindError:
		if m.Error == nil {
			return nil, fmt.Errorf("encode: error body missing")
		}
		root.Set("e", bencode.List(
			bencode.Integer(int64(m.Error.Code)),
			bencode.Str(m.Error.Message),
		))
		root.Set("y", bencode.Str("e"))
	default:
		return nil, fmt.Errorf("encode: unknown message kind %d", m.Kind)
	}
	return bencode.Encode(root), nil
}

func (q *QueryBody) encodeArgs() (*bencode.Value, error) {
	args := bencode.Dict()
	args.Set("id", bencode.String(q.ID[:]))
	switch q.Method {
	case MethodPing:
	case MethodFindNode:
		args.Set("target", bencode.String(q.Target[:]))
	case MethodGetPeers:
		args.Set("info_hash", bencode.String(q.InfoHash[:]))
	case MethodAnnouncePeer:
		args.Set("info_hash", bencode.String(q.InfoHash[:]))
		args.Set("port", bencode.Integer(int64(q.Port)))
		args.Set("token", bencode.String(q.Token))
		if q.ImpliedPort {
			args.Set("implied_port", bencode.Integer(1))
		}
	default:
		return nil, fmt.Errorf("encode: unknown method %q", q.Method)
	}
	return args, nil
}

func (r *ResponseBody) encodeBody() (*bencode.Value, error) {
	body := bencode.Dict()
	body.Set("id", bencode.String(r.ID[:]))
	if len(r.Nodes) > 0 {
		packed, err := common.MarshalCompactContacts(r.Nodes)
		if err != nil {
			return nil, err
		}
		body.Set("nodes", bencode.String(packed))
	}
	if len(r.Nodes6) > 0 {
		packed, err := common.MarshalCompactContacts(r.Nodes6)
		if err != nil {
			return nil, err
		}
		body.Set("nodes6", bencode.String(packed))
	}
	if r.Token != nil {
		body.Set("token", bencode.String(r.Token))
	}
	if len(r.Values) > 0 {
		values := bencode.List()
		for _, ep := range r.Values {
			peer, err := ep.MarshalCompactPeer()
			if err != nil {
				return nil, err
			}
			values.Append(bencode.String(peer))
		}
		body.Set("values", values)
	}
	return body, nil
}

// Decode parses a bencoded KRPC message: a single match on "y", then the
// method or payload shape.
func Decode(data []byte) (*Message, error) {
	root, err := bencode.Decode(data)
	if err != nil {
		return nil, common.WrapError(common.ErrCodeInvalidMessage, "bencode", err)
	}
	if !root.IsDict() {
		return nil, common.NewError(common.ErrCodeInvalidMessage, "message is not a dict")
	}
	tid, ok := root.GetBytes("t")
	if !ok {
		return nil, common.NewError(common.ErrCodeInvalidMessage, "missing transaction id")
	}
	y, ok := root.GetString("y")
	if !ok {
		return nil, common.NewError(common.ErrCodeInvalidMessage, "missing message type")
	}

	msg := &Message{TID: tid}
	switch y {
	case "q":
		q, err := decodeQuery(root)
		if err != nil {
			return nil, err
		}
		msg.Kind = KindQuery
		msg.Query = q
	case "r":
		r, err := decodeResponse(root)
		if err != nil {
			return nil, err
		}
		msg.Kind = KindResponse
		msg.Response = r
	case "e":
		e, err := decodeError(root)
		if err != nil {
			return nil, err
		}
		msg.Kind = KindError
		msg.Error = e
	default:
		return nil, common.NewError(common.ErrCodeInvalidMessage, "unknown message type").
			WithContext("y", y)
	}
	return msg, nil
}

func decodeQuery(root *bencode.Value) (*QueryBody, error) {
	method, ok := root.GetString("q")
	if !ok {
		return nil, common.NewError(common.ErrCodeInvalidMessage, "query missing method")
	}
	args, ok := root.GetDict("a")
	if !ok {
		return nil, common.NewError(common.ErrCodeInvalidMessage, "query missing args")
	}
	idBytes, ok := args.GetBytes("id")
	if !ok {
		return nil, common.NewError(common.ErrCodeInvalidMessage, "query missing sender id")
	}
	id, err := common.NodeIDFromBytes(idBytes)
	if err != nil {
		return nil, common.WrapError(common.ErrCodeBadSenderID, "sender id", err)
	}

	q := &QueryBody{Method: Method(method), ID: id}
	switch q.Method {
	case MethodPing:
	case MethodFindNode:
		target, ok := args.GetBytes("target")
		if !ok {
			return nil, common.NewError(common.ErrCodeInvalidMessage, "find_node missing target")
		}
		q.Target, err = common.NodeIDFromBytes(target)
		if err != nil {
			return nil, common.WrapError(common.ErrCodeInvalidMessage, "find_node target", err)
		}
	case MethodGetPeers:
		ih, ok := args.GetBytes("info_hash")
		if !ok {
			return nil, common.NewError(common.ErrCodeInvalidMessage, "get_peers missing info_hash")
		}
		q.InfoHash, err = common.InfoHashFromBytes(ih)
		if err != nil {
			return nil, common.WrapError(common.ErrCodeInvalidMessage, "get_peers info_hash", err)
		}
	case MethodAnnouncePeer:
		ih, ok := args.GetBytes("info_hash")
		if !ok {
			return nil, common.NewError(common.ErrCodeInvalidMessage, "announce missing info_hash")
		}
		q.InfoHash, err = common.InfoHashFromBytes(ih)
		if err != nil {
			return nil, common.WrapError(common.ErrCodeInvalidMessage, "announce info_hash", err)
		}
		token, ok := args.GetBytes("token")
		if !ok {
			return nil, common.NewError(common.ErrCodeInvalidMessage, "announce missing token")
		}
		q.Token = token
		if port, ok := args.GetInt("port"); ok {
			q.Port = int(port)
		}
		if implied, ok := args.GetInt("implied_port"); ok && implied != 0 {
			q.ImpliedPort = true
		}
	default:
		// method name preserved so the dispatcher can answer 204
	}
	return q, nil
}

func decodeResponse(root *bencode.Value) (*ResponseBody, error) {
	body, ok := root.GetDict("r")
	if !ok {
		return nil, common.NewError(common.ErrCodeInvalidMessage, "response missing body")
	}
	idBytes, ok := body.GetBytes("id")
	if !ok {
		return nil, common.NewError(common.ErrCodeInvalidMessage, "response missing sender id")
	}
	id, err := common.NodeIDFromBytes(idBytes)
	if err != nil {
		return nil, common.WrapError(common.ErrCodeBadSenderID, "sender id", err)
	}

	r := &ResponseBody{ID: id}
	if nodes, ok := body.GetBytes("nodes"); ok {
		r.Nodes, err = common.UnmarshalCompactContacts(nodes, false)
		if err != nil {
			return nil, common.WrapError(common.ErrCodeInvalidMessage, "nodes", err)
		}
	}
	if nodes6, ok := body.GetBytes("nodes6"); ok {
		r.Nodes6, err = common.UnmarshalCompactContacts(nodes6, true)
		if err != nil {
			return nil, common.WrapError(common.ErrCodeInvalidMessage, "nodes6", err)
		}
	}
	if token, ok := body.GetBytes("token"); ok {
		r.Token = token
	}
	if values, ok := body.GetList("values"); ok {
		for _, v := range values {
			peer, ok := v.Bytes()
			if !ok {
				return nil, common.NewError(common.ErrCodeInvalidMessage, "values entry is not a string")
			}
			ep, err := common.UnmarshalCompactPeer(peer)
			if err != nil {
				return nil, common.WrapError(common.ErrCodeInvalidMessage, "values entry", err)
			}
			r.Values = append(r.Values, ep)
		}
	}
	return r, nil
}

// lenientDecode parses a packet whose KRPC-level validation failed, for
// transaction-id recovery. Only the bencode layer must still hold.
func lenientDecode(payload []byte) (*bencode.Value, error) {
	root, err := bencode.Decode(payload)
	if err != nil {
		return nil, err
	}
	if !root.IsDict() {
		return nil, common.NewError(common.ErrCodeInvalidMessage, "not a dict")
	}
	return root, nil
}

func decodeError(root *bencode.Value) (*ErrorBody, error) {
	list, ok := root.GetList("e")
	if !ok || len(list) < 2 {
		return nil, common.NewError(common.ErrCodeInvalidMessage, "error payload malformed")
	}
	code, ok := list[0].Int()
	if !ok {
		return nil, common.NewError(common.ErrCodeInvalidMessage, "error code is not an integer")
	}
	msgBytes, ok := list[1].Bytes()
	if !ok {
		return nil, common.NewError(common.ErrCodeInvalidMessage, "error message is not a string")
	}
	return &ErrorBody{Code: int(code), Message: string(msgBytes)}, nil
}
