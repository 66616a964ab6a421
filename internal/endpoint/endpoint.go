// Package endpoint describes the places a node can be reached: raw IP
// sockets, HTTP relays, or indirectly through another overlay node.
package endpoint

import (
	"cmp"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"Meshpath/internal/identity"
	"Meshpath/internal/wire"
)

// Type identifies the endpoint variant. The numeric value is the wire tag.
type Type uint8

const (
	TypeNil     Type = 0 // TypeNil is the empty endpoint
	TypeOverlay Type = 1 // TypeOverlay is reachability via another node's address
	TypeIPUDP   Type = 2 // TypeIPUDP is an IP address and UDP port
	TypeIPTCP   Type = 3 // TypeIPTCP is an IP address and TCP port
	TypeHTTP    Type = 4 // TypeHTTP is an HTTP(S) relay URL
)

const (
	// maxURLLength bounds HTTP endpoint URLs on encode and decode.
	maxURLLength = 1024
)

// ErrInvalidURL is returned when an HTTP endpoint URL is empty or longer
// than maxURLLength.
var ErrInvalidURL = errors.New("endpoint: invalid url length")

// Endpoint is a comparable value describing one way to reach a node.
// The zero value is the nil endpoint.
type Endpoint struct {
	typ     Type             // typ is the variant
	overlay identity.Address // overlay is set for TypeOverlay
	addr    netip.AddrPort   // addr is set for TypeIPUDP and TypeIPTCP
	url     string           // url is set for TypeHTTP
}

// NewOverlay returns an endpoint reachable through the node at addr.
func NewOverlay(addr identity.Address) Endpoint {
	return Endpoint{typ: TypeOverlay, overlay: addr}
}

// NewIPUDP returns a UDP socket endpoint.
func NewIPUDP(addr netip.AddrPort) Endpoint {
	return Endpoint{typ: TypeIPUDP, addr: canonicalAddr(addr)}
}

// NewIPTCP returns a TCP socket endpoint.
func NewIPTCP(addr netip.AddrPort) Endpoint {
	return Endpoint{typ: TypeIPTCP, addr: canonicalAddr(addr)}
}

// NewHTTP returns an HTTP relay endpoint.
func NewHTTP(url string) Endpoint {
	return Endpoint{typ: TypeHTTP, url: url}
}

// canonicalAddr unmaps IPv4-in-IPv6 addresses and drops IPv6 zones, so
// endpoints that encode to the same bytes compare equal.
func canonicalAddr(a netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(a.Addr().Unmap().WithZone(""), a.Port())
}

// checkURL enforces the encodable URL length.
func checkURL(url string) error {
	if len(url) == 0 || len(url) > maxURLLength {
		return fmt.Errorf("url length %d: %w", len(url), ErrInvalidURL)
	}

	return nil
}

// Type returns the endpoint variant.
func (e Endpoint) Type() Type { return e.typ }

// Overlay returns the relaying node's address for TypeOverlay endpoints.
func (e Endpoint) Overlay() identity.Address { return e.overlay }

// AddrPort returns the socket address for IP endpoints.
func (e Endpoint) AddrPort() netip.AddrPort { return e.addr }

// URL returns the relay URL for TypeHTTP endpoints.
func (e Endpoint) URL() string { return e.url }

// IsNil reports whether e is the nil endpoint.
func (e Endpoint) IsNil() bool { return e.typ == TypeNil }

// String returns the text form accepted by Parse.
func (e Endpoint) String() string {
	switch e.typ {
	case TypeOverlay:
		return "overlay/" + e.overlay.String()
	case TypeIPUDP:
		return "udp/" + e.addr.String()
	case TypeIPTCP:
		return "tcp/" + e.addr.String()
	case TypeHTTP:
		return "http/" + e.url
	default:
		return "nil"
	}
}

// Parse decodes the text form, e.g. "udp/192.0.2.1:9993" or "overlay/89e92ceee5".
func Parse(s string) (Endpoint, error) {
	if s == "nil" {
		return Endpoint{}, nil
	}

	kind, rest, ok := strings.Cut(s, "/")
	if !ok {
		return Endpoint{}, fmt.Errorf("endpoint %q: missing type prefix", s)
	}

	switch kind {
	case "overlay":
		a, err := identity.ParseAddress(rest)
		if err != nil {
			return Endpoint{}, fmt.Errorf("endpoint %q:\n%w", s, err)
		}
		return NewOverlay(a), nil
	case "udp", "tcp":
		ap, err := netip.ParseAddrPort(rest)
		if err != nil {
			return Endpoint{}, fmt.Errorf("endpoint %q:\n%w", s, err)
		}
		if kind == "udp" {
			return NewIPUDP(ap), nil
		}
		return NewIPTCP(ap), nil
	case "http":
		if err := checkURL(rest); err != nil {
			return Endpoint{}, fmt.Errorf("endpoint %q:\n%w", s, err)
		}
		return NewHTTP(rest), nil
	default:
		return Endpoint{}, fmt.Errorf("endpoint %q: unknown type %q", s, kind)
	}
}

// Compare orders endpoints by type, then by their type-specific payload.
func Compare(a, b Endpoint) int {
	if c := cmp.Compare(a.typ, b.typ); c != 0 {
		return c
	}

	switch a.typ {
	case TypeOverlay:
		return cmp.Compare(a.overlay, b.overlay)
	case TypeIPUDP, TypeIPTCP:
		return a.addr.Compare(b.addr)
	case TypeHTTP:
		return strings.Compare(a.url, b.url)
	default:
		return 0
	}
}

// Marshal appends the self-describing encoding: type tag, then payload.
func (e Endpoint) Marshal(w *wire.Writer) error {
	if err := w.AppendU8(uint8(e.typ)); err != nil {
		return err
	}

	switch e.typ {
	case TypeNil:
		return nil
	case TypeOverlay:
		return e.overlay.Marshal(w)
	case TypeIPUDP, TypeIPTCP:
		ip := e.addr.Addr().AsSlice()
		if err := w.AppendU8(uint8(len(ip))); err != nil {
			return err
		}
		if err := w.AppendBytes(ip); err != nil {
			return err
		}
		return w.AppendU16(e.addr.Port())
	case TypeHTTP:
		if err := checkURL(e.url); err != nil {
			return err
		}
		if err := w.AppendUvarint(uint64(len(e.url))); err != nil {
			return err
		}
		return w.AppendBytes([]byte(e.url))
	default:
		return fmt.Errorf("marshal endpoint type %d: unknown type", e.typ)
	}
}

// Unmarshal reads an endpoint written by Marshal.
func Unmarshal(r *wire.Reader) (Endpoint, error) {
	tag, err := r.ReadU8()
	if err != nil {
		return Endpoint{}, err
	}

	switch typ := Type(tag); typ {
	case TypeNil:
		return Endpoint{}, nil
	case TypeOverlay:
		a, err := identity.UnmarshalAddress(r)
		if err != nil {
			return Endpoint{}, err
		}
		return NewOverlay(a), nil
	case TypeIPUDP, TypeIPTCP:
		return unmarshalIP(r, typ)
	case TypeHTTP:
		n, err := r.ReadUvarint()
		if err != nil {
			return Endpoint{}, err
		}
		if n == 0 || n > maxURLLength {
			return Endpoint{}, fmt.Errorf("http endpoint url length %d: %w", n, wire.ErrDataFormat)
		}
		b, err := r.ReadBytes(n)
		if err != nil {
			return Endpoint{}, err
		}
		return NewHTTP(string(b)), nil
	default:
		return Endpoint{}, fmt.Errorf("endpoint type %d: %w", tag, wire.ErrDataFormat)
	}
}

// unmarshalIP reads the address length, address bytes and port.
func unmarshalIP(r *wire.Reader, typ Type) (Endpoint, error) {
	n, err := r.ReadU8()
	if err != nil {
		return Endpoint{}, err
	}

	if n != 4 && n != 16 {
		return Endpoint{}, fmt.Errorf("ip length %d: %w", n, wire.ErrDataFormat)
	}

	b, err := r.ReadBytes(uint64(n))
	if err != nil {
		return Endpoint{}, err
	}

	ip, _ := netip.AddrFromSlice(b)

	port, err := r.ReadU16()
	if err != nil {
		return Endpoint{}, err
	}

	return Endpoint{typ: typ, addr: netip.AddrPortFrom(ip, port)}, nil
}
