package common

import (
	"fmt"
	"net"
	"strconv"
)

// Endpoint is an (IP, port) pair. A node speaks one address family per
// socket; v4 endpoints serialize to 6 bytes and v6 endpoints to 18.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// CompactContactV4Len is id + ipv4 + port.
const CompactContactV4Len = IDLength + net.IPv4len + 2

// CompactContactV6Len is id + ipv6 + port.
const CompactContactV6Len = IDLength + net.IPv6len + 2

// Contact couples an identifier with its network endpoint.
type Contact struct {
	ID       NodeID
	Endpoint Endpoint
}

// ParseEndpoint parses "host:port" with a numeric or resolvable host.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: bad port", s)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := net.LookupIP(host)
		if err != nil || len(addrs) == 0 {
			return Endpoint{}, fmt.Errorf("resolve endpoint %q: %w", s, err)
		}
		ip = addrs[0]
	}
	return Endpoint{IP: ip, Port: uint16(port)}, nil
}

// EndpointFromUDPAddr converts a net.UDPAddr.
func EndpointFromUDPAddr(addr *net.UDPAddr) Endpoint {
	return Endpoint{IP: addr.IP, Port: uint16(addr.Port)}
}

// UDPAddr converts to a net.UDPAddr.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP, Port: int(e.Port)}
}

// IsV4 reports whether the endpoint is an IPv4 address.
func (e Endpoint) IsV4() bool { return e.IP.To4() != nil }

// IsValid reports whether the endpoint has an address and a usable port.
func (e Endpoint) IsValid() bool {
	return len(e.IP) > 0 && !e.IP.IsUnspecified() && e.Port != 0
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(int(e.Port)))
}

// Key returns a map/limiter key for the endpoint.
func (e Endpoint) Key() string { return e.String() }

// MarshalCompactPeer encodes ip:port as 6 (v4) or 18 (v6) bytes.
func (e Endpoint) MarshalCompactPeer() ([]byte, error) {
	ip := e.IP.To4()
	if ip == nil {
		ip = e.IP.To16()
		if ip == nil {
			return nil, fmt.Errorf("endpoint %s: unencodable address", e)
		}
	}
	out := make([]byte, 0, len(ip)+2)
	out = append(out, ip...)
	out = append(out, byte(e.Port>>8), byte(e.Port))
	return out, nil
}

// UnmarshalCompactPeer decodes a 6- or 18-byte compact peer entry.
func UnmarshalCompactPeer(b []byte) (Endpoint, error) {
	switch len(b) {
	case net.IPv4len + 2, net.IPv6len + 2:
	default:
		return Endpoint{}, fmt.Errorf("compact peer: bad length %d", len(b))
	}
	ipLen := len(b) - 2
	ip := make(net.IP, ipLen)
	copy(ip, b[:ipLen])
	port := uint16(b[ipLen])<<8 | uint16(b[ipLen+1])
	return Endpoint{IP: ip, Port: port}, nil
}

// MarshalCompactContacts packs contacts consecutively without framing,
// 26 bytes each for v4 and 38 for v6. Mixed families are rejected.
func MarshalCompactContacts(contacts []Contact) ([]byte, error) {
	if len(contacts) == 0 {
		return nil, nil
	}
	v4 := contacts[0].Endpoint.IsV4()
	size := CompactContactV6Len
	if v4 {
		size = CompactContactV4Len
	}
	out := make([]byte, 0, size*len(contacts))
	for _, c := range contacts {
		if c.Endpoint.IsV4() != v4 {
			return nil, fmt.Errorf("compact contacts: mixed address families")
		}
		peer, err := c.Endpoint.MarshalCompactPeer()
		if err != nil {
			return nil, err
		}
		out = append(out, c.ID[:]...)
		out = append(out, peer...)
	}
	return out, nil
}

// UnmarshalCompactContacts splits a packed contact string. The v6 flag selects
// the entry size (26 bytes for v4, 38 for v6); a trailing partial entry is an
// error.
func UnmarshalCompactContacts(b []byte, v6 bool) ([]Contact, error) {
	size := CompactContactV4Len
	if v6 {
		size = CompactContactV6Len
	}
	if len(b)%size != 0 {
		return nil, fmt.Errorf("compact contacts: length %d not a multiple of %d", len(b), size)
	}
	contacts := make([]Contact, 0, len(b)/size)
	for off := 0; off < len(b); off += size {
		entry := b[off : off+size]
		id, err := NodeIDFromBytes(entry[:IDLength])
		if err != nil {
			return nil, err
		}
		ep, err := UnmarshalCompactPeer(entry[IDLength:])
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, Contact{ID: id, Endpoint: ep})
	}
	return contacts, nil
}
