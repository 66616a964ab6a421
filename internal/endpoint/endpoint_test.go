package endpoint

import (
	"errors"
	"net/netip"
	"slices"
	"strings"
	"testing"

	"Meshpath/internal/identity"
	"Meshpath/internal/wire"
)

// sampleEndpoints returns one endpoint of each type.
func sampleEndpoints() []Endpoint {
	return []Endpoint{
		{},
		NewOverlay(identity.Address(0x89e92ceee5)),
		NewIPUDP(netip.MustParseAddrPort("192.0.2.1:9993")),
		NewIPUDP(netip.MustParseAddrPort("[2001:db8::1]:9993")),
		NewIPTCP(netip.MustParseAddrPort("198.51.100.7:443")),
		NewHTTP("https://relay.example.net/p"),
	}
}

// TestMarshalRoundTrip tests that every endpoint type survives encoding.
func TestMarshalRoundTrip(t *testing.T) {
	for _, ep := range sampleEndpoints() {
		w := wire.NewWriter(wire.MaxPacketSize)
		if err := ep.Marshal(w); err != nil {
			t.Fatalf("%s: marshal: %v", ep, err)
		}

		r := wire.NewReader(w.Bytes())
		got, err := Unmarshal(r)
		if err != nil {
			t.Fatalf("%s: unmarshal: %v", ep, err)
		}

		if got != ep {
			t.Errorf("round trip: got %s, want %s", got, ep)
		}

		if r.Remaining() != 0 {
			t.Errorf("%s: %d trailing bytes", ep, r.Remaining())
		}
	}
}

// TestParseString tests that String and Parse are inverses.
func TestParseString(t *testing.T) {
	for _, ep := range sampleEndpoints() {
		got, err := Parse(ep.String())
		if err != nil {
			t.Fatalf("parse %q: %v", ep.String(), err)
		}

		if got != ep {
			t.Errorf("parse %q: got %s", ep.String(), got)
		}
	}

	for _, bad := range []string{"", "udp", "udp/nope", "smtp/x", "overlay/00", "http/"} {
		if _, err := Parse(bad); err == nil {
			t.Errorf("parse %q: expected error", bad)
		}
	}
}

// TestMappedAddressCanonical tests that IPv4-mapped IPv6 sockets equal plain IPv4.
func TestMappedAddressCanonical(t *testing.T) {
	a := NewIPUDP(netip.MustParseAddrPort("[::ffff:192.0.2.1]:9993"))
	b := NewIPUDP(netip.MustParseAddrPort("192.0.2.1:9993"))

	if a != b {
		t.Errorf("mapped address not canonical: %s != %s", a, b)
	}
}

// TestZoneDropped tests that IPv6 zones are not part of the endpoint, since
// the encoding cannot carry them.
func TestZoneDropped(t *testing.T) {
	a := NewIPUDP(netip.MustParseAddrPort("[fe80::1%eth0]:9993"))
	b := NewIPUDP(netip.MustParseAddrPort("[fe80::1%eth1]:9993"))
	c := NewIPTCP(netip.MustParseAddrPort("[fe80::1%eth0]:9993"))

	if a != b || Compare(a, b) != 0 {
		t.Errorf("zones should not distinguish endpoints: %s, %s", a, b)
	}

	if c.AddrPort().Addr().Zone() != "" {
		t.Errorf("tcp endpoint kept zone: %s", c)
	}

	w := wire.NewWriter(wire.MaxPacketSize)
	if err := a.Marshal(w); err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := Unmarshal(wire.NewReader(w.Bytes()))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got != a {
		t.Errorf("round trip: got %s, want %s", got, a)
	}
}

// TestURLLengthBounds tests that encode and Parse reject URLs decode would.
func TestURLLengthBounds(t *testing.T) {
	for _, url := range []string{"", strings.Repeat("u", maxURLLength+1)} {
		w := wire.NewWriter(wire.MaxPacketSize)
		if err := NewHTTP(url).Marshal(w); !errors.Is(err, ErrInvalidURL) {
			t.Errorf("marshal url len %d: expected ErrInvalidURL, got %v", len(url), err)
		}

		if _, err := Parse("http/" + url); !errors.Is(err, ErrInvalidURL) {
			t.Errorf("parse url len %d: expected ErrInvalidURL, got %v", len(url), err)
		}
	}

	longest := NewHTTP(strings.Repeat("u", maxURLLength))

	w := wire.NewWriter(wire.MaxPacketSize)
	if err := longest.Marshal(w); err != nil {
		t.Fatalf("marshal longest url: %v", err)
	}

	got, err := Unmarshal(wire.NewReader(w.Bytes()))
	if err != nil {
		t.Fatalf("unmarshal longest url: %v", err)
	}

	if got != longest {
		t.Errorf("longest url did not round trip")
	}
}

// TestCompareTotalOrder tests that sorting is stable and type-major.
func TestCompareTotalOrder(t *testing.T) {
	eps := sampleEndpoints()
	shuffled := []Endpoint{eps[5], eps[2], eps[0], eps[4], eps[1], eps[3]}

	slices.SortFunc(shuffled, Compare)

	for i := 1; i < len(shuffled); i++ {
		if Compare(shuffled[i-1], shuffled[i]) >= 0 {
			t.Errorf("not strictly ascending at %d: %s, %s", i, shuffled[i-1], shuffled[i])
		}

		if shuffled[i-1].Type() > shuffled[i].Type() {
			t.Errorf("type order violated at %d", i)
		}
	}

	for _, e := range eps {
		if Compare(e, e) != 0 {
			t.Errorf("%s not equal to itself", e)
		}
	}
}

// TestUnmarshalMalformed tests typed failures on bad input.
func TestUnmarshalMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":         {},
		"unknown type":  {0x7f},
		"bad ip length": {byte(TypeIPUDP), 5, 1, 2, 3, 4, 5, 0, 1},
		"truncated ip":  {byte(TypeIPUDP), 4, 1, 2},
		"missing port":  {byte(TypeIPTCP), 4, 1, 2, 3, 4, 0},
		"reserved addr": {byte(TypeOverlay), 0xff, 0, 0, 0, 1},
		"empty url":     {byte(TypeHTTP), 0},
		"truncated url": {byte(TypeHTTP), 10, 'h'},
	}

	for name, raw := range cases {
		if _, err := Unmarshal(wire.NewReader(raw)); !errors.Is(err, wire.ErrDataFormat) {
			t.Errorf("%s: expected ErrDataFormat, got %v", name, err)
		}
	}
}
