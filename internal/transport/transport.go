// Package transport sends packets over UDP, splitting them into numbered
// fragments that the receiving path reassembles.
//
// Datagram layout:
//
//	[8B packet id BE][1B fragment number][1B fragment count][payload...]
//
// A single-fragment datagram with an empty payload is a keepalive.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"Meshpath/internal/endpoint"
	"Meshpath/internal/logger"
	"Meshpath/internal/path"
	"Meshpath/internal/registry"
	"Meshpath/internal/wire"
)

const (
	// HeaderSize is the fragment header length.
	HeaderSize = 10

	// DefaultMTU is the default datagram size, header included.
	DefaultMTU = 1432

	// minMTU leaves room for at least one payload byte.
	minMTU = HeaderSize + 1

	// maxDatagram is the largest datagram read.
	maxDatagram = 65507

	// Interface names the UDP transport in path bindings.
	Interface = "udp"
)

var (
	// ErrPacketTooLarge is returned when a packet needs more than
	// path.FragmentCountMax fragments.
	ErrPacketTooLarge = errors.New("transport: packet needs too many fragments")

	// ErrEmptyPacket is returned by Send for empty data, which would read as
	// a keepalive.
	ErrEmptyPacket = errors.New("transport: empty packet")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
)

// Handler receives each reassembled packet with the path it arrived on.
type Handler func(p *path.Path[string, string], packet []byte)

// Config holds the configuration for a Transport.
type Config struct {
	ListenAddr string                             // ListenAddr is the UDP address to bind
	Paths      *registry.Registry[string, string] // Paths records activity and reassembles fragments
	MTU        int                                // MTU is the datagram size including the header
	Registerer prometheus.Registerer              // Registerer receives metrics, nil to skip
}

// Transport is a fragmenting UDP socket bound to one local address.
type Transport struct {
	conn    *net.UDPConn                       // conn is the bound socket
	socket  string                             // socket is the local address used in bindings
	paths   *registry.Registry[string, string] // paths owns the per-remote state
	mtu     int                                // mtu is the datagram size including the header
	nextID  atomic.Uint64                      // nextID allocates packet ids
	metrics *metrics                           // metrics counts datagrams
	closed  atomic.Bool                        // closed is set by Close
	mu      sync.Mutex                         // mu serializes fragment writes of one packet
}

// Listen binds a transport to cfg.ListenAddr.
func Listen(cfg Config) (*Transport, error) {
	if cfg.Paths == nil {
		return nil, fmt.Errorf("path registry is required")
	}

	mtu := cfg.MTU
	if mtu == 0 {
		mtu = DefaultMTU
	}

	if mtu < minMTU || mtu > maxDatagram {
		return nil, fmt.Errorf("mtu %d out of range [%d, %d]", mtu, minMTU, maxDatagram)
	}

	laddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s:\n%w", cfg.ListenAddr, err)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s:\n%w", cfg.ListenAddr, err)
	}

	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed packet ids:\n%w", err)
	}

	t := &Transport{
		conn:    conn,
		socket:  conn.LocalAddr().String(),
		paths:   cfg.Paths,
		mtu:     mtu,
		metrics: newMetrics(cfg.Registerer),
	}
	t.nextID.Store(binary.BigEndian.Uint64(seed[:]))

	logger.Info("udp listening", "addr", t.socket, "mtu", mtu)

	return t, nil
}

// LocalAddr returns the bound address.
func (t *Transport) LocalAddr() netip.AddrPort {
	return t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// binding returns the path binding for a remote address on this socket.
func (t *Transport) binding(remote netip.AddrPort) path.Binding[string, string] {
	return path.Binding[string, string]{
		Endpoint:       endpoint.NewIPUDP(remote),
		LocalSocket:    t.socket,
		LocalInterface: Interface,
	}
}

// Send fragments data and writes it to addr.
func (t *Transport) Send(addr netip.AddrPort, data []byte) error {
	if len(data) == 0 {
		return ErrEmptyPacket
	}

	chunk := t.mtu - HeaderSize
	count := (len(data) + chunk - 1) / chunk

	if count > path.FragmentCountMax {
		return fmt.Errorf("%d bytes in %d fragments: %w", len(data), count, ErrPacketTooLarge)
	}

	id := t.nextID.Add(1)

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := 0; i < count; i++ {
		end := min((i+1)*chunk, len(data))

		if err := t.write(addr, id, uint8(i), uint8(count), data[i*chunk:end]); err != nil {
			return err
		}
	}

	t.logSend(addr)

	return nil
}

// write sends one fragment.
func (t *Transport) write(addr netip.AddrPort, id uint64, fragmentNo, count uint8, payload []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}

	w := wire.NewWriter(HeaderSize + len(payload))
	w.AppendU64(id)
	w.AppendU8(fragmentNo)
	w.AppendU8(count)
	w.AppendBytes(payload)

	if _, err := t.conn.WriteToUDPAddrPort(w.Bytes(), addr); err != nil {
		return fmt.Errorf("write to %s:\n%w", addr, err)
	}

	t.metrics.sent.Inc()

	return nil
}

// logSend records outbound activity on the path to addr.
func (t *Transport) logSend(addr netip.AddrPort) {
	p, _, err := t.paths.Canonical(t.binding(addr))
	if err != nil {
		logger.Debug("path unavailable", "remote", addr, "error", err)
		return
	}

	p.LogSend(t.paths.Ticks())
}

// Run reads datagrams until ctx is done or the socket fails, passing
// complete packets to h.
func (t *Transport) Run(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	buf := make([]byte, maxDatagram)

	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || t.closed.Load() {
				return nil
			}

			return fmt.Errorf("read:\n%w", err)
		}

		t.receive(from, buf[:n], h)
	}
}

// receive handles one datagram. The header is validated before a path is
// looked up, so malformed datagrams never create registry state.
func (t *Transport) receive(from netip.AddrPort, datagram []byte, h Handler) {
	t.metrics.received.Inc()

	r := wire.NewReader(datagram)
	id, err1 := r.ReadU64()
	fragmentNo, err2 := r.ReadU8()
	count, err3 := r.ReadU8()

	if err := errors.Join(err1, err2, err3); err != nil {
		t.metrics.malformed.Inc()
		logger.Debug("short datagram", "remote", from, "bytes", len(datagram))
		return
	}

	if count == 0 || count > path.FragmentCountMax || fragmentNo >= count {
		t.metrics.malformed.Inc()
		logger.Debug("bad fragment header", "remote", from, "fragment", fragmentNo, "count", count)
		return
	}

	payload := datagram[HeaderSize:]

	if count > 1 && len(payload) == 0 {
		t.metrics.malformed.Inc()
		logger.Debug("empty fragment", "remote", from, "fragment", fragmentNo)
		return
	}

	p, _, err := t.paths.Canonical(t.binding(from))
	if err != nil {
		logger.Debug("path unavailable", "remote", from, "error", err)
		return
	}

	ticks := t.paths.Ticks()
	p.LogReceive(ticks)

	if count == 1 {
		if len(payload) == 0 {
			return // keepalive
		}

		t.deliver(p, h, append([]byte(nil), payload...))
		return
	}

	a := p.ReceiveFragment(id, fragmentNo, count, payload, ticks)
	if a != nil {
		t.deliver(p, h, a.Bytes())
	}
}

// deliver hands a complete packet to h.
func (t *Transport) deliver(p *path.Path[string, string], h Handler, packet []byte) {
	t.metrics.delivered.Inc()

	if h != nil {
		h(p, packet)
	}
}

// Keepalive sends an empty single-fragment datagram on a UDP path owned by
// this socket.
func (t *Transport) Keepalive(p *path.Path[string, string]) {
	if p.LocalSocket != t.socket || p.Endpoint.Type() != endpoint.TypeIPUDP {
		return
	}

	addr := p.Endpoint.AddrPort()

	if err := t.write(addr, t.nextID.Add(1), 0, 1, nil); err != nil {
		logger.Debug("keepalive failed", "remote", addr, "error", err)
		return
	}

	p.LogSend(t.paths.Ticks())
}

// Dead logs the expiry of a UDP path. The registry has already dropped it.
func (t *Transport) Dead(p *path.Path[string, string]) {
	logger.Debug("udp path dead", "remote", p.Endpoint, "instance", p.InstanceID())
}

// Close closes the socket.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}

	return t.conn.Close()
}
