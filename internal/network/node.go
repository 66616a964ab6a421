// Package network exchanges signed locators between nodes over QUIC.
// Announcements are gossiped, and a newly connected peer is asked for a
// compressed batch of everything it knows.
package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quic-go/quic-go"
	"golang.org/x/time/rate"

	"Meshpath/internal/endpoint"
	"Meshpath/internal/identity"
	"Meshpath/internal/locator"
	"Meshpath/internal/logger"
	"Meshpath/internal/path"
	"Meshpath/internal/registry"
	"Meshpath/internal/storage"
	"Meshpath/internal/types"
)

const (
	// defaultReconnectDelay is the default delay between reconnection attempts.
	defaultReconnectDelay = 5 * time.Second

	// maxReconnectDelay is the maximum delay between reconnection attempts.
	maxReconnectDelay = 60 * time.Second

	// defaultGossipFanout is the number of peers a new locator is relayed to.
	defaultGossipFanout = 8

	// defaultPeerRate is the sustained inbound message rate allowed per peer.
	defaultPeerRate = rate.Limit(50)

	// defaultPeerBurst is the inbound message burst allowed per peer.
	defaultPeerBurst = 100

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "meshpath/1"

	// Interface names the QUIC transport in path bindings.
	Interface = "quic"
)

// DatagramSender carries envelopes outside QUIC. The UDP transport
// implements it.
type DatagramSender interface {
	Send(addr netip.AddrPort, data []byte) error
}

// Config holds the configuration for a Node.
type Config struct {
	Identity       identity.Identity                  // Identity is this node's signing identity
	Store          *storage.Store                     // Store holds accepted locators
	Paths          *registry.Registry[string, string] // Paths records per-peer activity
	ListenAddr     string                             // ListenAddr is the address to listen on (e.g., ":9000")
	Roots          []identity.Address                 // Roots may publish proxy-signed locators
	GossipFanout   int                                // GossipFanout is the relay fanout for new locators
	PeerRate       rate.Limit                         // PeerRate is the per-peer inbound message rate
	PeerBurst      int                                // PeerBurst is the per-peer inbound burst
	ReconnectDelay time.Duration                      // ReconnectDelay is the initial delay between reconnection attempts
	Clock          clock.Clock                        // Clock drives dedup expiry
	Datagrams      DatagramSender                     // Datagrams sends introductions over UDP, nil to skip
	Registerer     prometheus.Registerer              // Registerer receives metrics, nil to skip
}

// Node accepts and initiates QUIC connections and runs the locator exchange.
type Node struct {
	id         identity.Identity                  // id is this node's identity
	store      *storage.Store                     // store holds accepted locators
	paths      *registry.Registry[string, string] // paths records per-peer activity
	listenAddr string                             // listenAddr is the address to listen on
	tlsConfig  *tls.Config                        // tlsConfig is the TLS configuration
	quicConfig *quic.Config                       // quicConfig is the QUIC configuration

	listener *quic.Listener // listener is the QUIC listener

	peers   map[string]*Peer // peers maps certificate fingerprint to peer
	peersMu sync.RWMutex     // peersMu protects peers map

	closeOnce sync.Once // closeOnce makes Close idempotent

	redialing   map[string]struct{} // redialing holds dialed addresses with a reconnect loop running
	redialingMu sync.Mutex          // redialingMu protects redialing

	roots          map[identity.Address]struct{} // roots may publish proxy-signed locators
	fanout         int                           // fanout is the gossip relay count
	peerRate       rate.Limit                    // peerRate is the per-peer limiter rate
	peerBurst      int                           // peerBurst is the per-peer limiter burst
	reconnectDelay time.Duration                 // reconnectDelay is the initial reconnection delay

	datagrams       DatagramSender // datagrams sends introductions, may be nil
	datagramLimiter *rate.Limiter  // datagramLimiter bounds envelopes arriving as datagrams

	dedup   *Dedup   // dedup tracks seen envelopes to stop gossip loops
	metrics *metrics // metrics counts announce outcomes

	ctx    context.Context    // ctx is the node's context
	cancel context.CancelFunc // cancel cancels the node's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewNode creates a new network node.
func NewNode(cfg Config) (*Node, error) {
	switch {
	case cfg.Identity == nil:
		return nil, fmt.Errorf("identity is required")
	case cfg.Store == nil:
		return nil, fmt.Errorf("store is required")
	case cfg.Paths == nil:
		return nil, fmt.Errorf("path registry is required")
	case cfg.ListenAddr == "":
		return nil, fmt.Errorf("listen address is required")
	}

	cert, err := generateCertificate(cfg.Identity.Address())
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // locators carry their own signatures
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  path.ExpirationTime * time.Millisecond,
		KeepAlivePeriod: 10 * time.Second,
	}

	roots := make(map[identity.Address]struct{}, len(cfg.Roots))
	for _, r := range cfg.Roots {
		roots[r] = struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	peerRate := orDefault(cfg.PeerRate, defaultPeerRate)
	peerBurst := orDefault(cfg.PeerBurst, defaultPeerBurst)

	return &Node{
		id:              cfg.Identity,
		store:           cfg.Store,
		paths:           cfg.Paths,
		listenAddr:      cfg.ListenAddr,
		tlsConfig:       tlsConfig,
		quicConfig:      quicConfig,
		peers:           make(map[string]*Peer),
		redialing:       make(map[string]struct{}),
		roots:           roots,
		fanout:          orDefault(cfg.GossipFanout, defaultGossipFanout),
		peerRate:        peerRate,
		peerBurst:       peerBurst,
		reconnectDelay:  orDefault(cfg.ReconnectDelay, defaultReconnectDelay),
		datagrams:       cfg.Datagrams,
		datagramLimiter: rate.NewLimiter(peerRate, peerBurst),
		dedup:           NewDedup(cfg.Clock, 0),
		metrics:         newMetrics(cfg.Registerer),
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

// orDefault returns v unless it is not positive.
func orDefault[T int | time.Duration | rate.Limit](v, def T) T {
	if v <= 0 {
		return def
	}

	return v
}

// Identity returns the node's identity.
func (n *Node) Identity() identity.Identity {
	return n.id
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start starts the node and begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	logger.Info("quic listening", "addr", n.Addr(), "address", n.id.Address())

	return nil
}

// Connect dials a remote node and starts the greeting exchange. The peer
// is redialed at addr if the connection is lost.
func (n *Node) Connect(addr string) (*Peer, error) {
	conn, err := quic.DialAddr(n.ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial:\n%w", err)
	}

	peer, err := n.setupPeer(conn, addr, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.greet(peer)
	}()

	return peer, nil
}

// Announce stores a locator signed by this node and gossips it to peers.
func (n *Node) Announce(loc *locator.Locator) error {
	if loc.Signer() != n.id.Address() {
		return fmt.Errorf("locator signed by %s, node is %s: %w", loc.Signer(), n.id.Address(), ErrSignerMismatch)
	}

	if err := n.store.PutIdentity(n.id); err != nil {
		return fmt.Errorf("store identity:\n%w", err)
	}

	if _, err := n.store.Put(loc); err != nil {
		return fmt.Errorf("store locator:\n%w", err)
	}

	data, err := n.announceEnvelope(n.id, loc)
	if err != nil {
		return err
	}

	n.dedup.Check(data)

	return n.gossip(data, nil, len(n.Peers()))
}

// gossip sends data to up to fanout random peers other than from.
func (n *Node) gossip(data []byte, from *Peer, fanout int) error {
	peers := n.Peers()

	candidates := peers[:0]
	for _, p := range peers {
		if p != from {
			candidates = append(candidates, p)
		}
	}

	var errs []error

	for _, p := range selectRandomPeers(candidates, fanout) {
		if err := p.Send(data); err != nil {
			errs = append(errs, fmt.Errorf("peer %s:\n%w", p.Address(), err))
		}
	}

	return errors.Join(errs...)
}

// selectRandomPeers returns up to n random peers from the slice.
// If n >= len(peers), returns all peers.
func selectRandomPeers(peers []*Peer, n int) []*Peer {
	if n >= len(peers) {
		return peers
	}

	indices := rand.Perm(len(peers))[:n]
	selected := make([]*Peer, n)

	for i, idx := range indices {
		selected[i] = peers[idx]
	}

	return selected
}

// Peers returns a list of all connected peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// Keepalive sends a keepalive envelope on the peer owning p.
func (n *Node) Keepalive(p *path.Path[string, string]) {
	peer := n.peerFor(p.Binding)
	if peer == nil {
		return
	}

	if err := peer.Send(encodeEnvelope(types.MessageKindKeepalive, nil, nil)); err != nil {
		logger.Debug("keepalive failed", "peer", peer.Address(), "error", err)
	}
}

// Dead closes the peer owning p. Dialed peers are reconnected.
func (n *Node) Dead(p *path.Path[string, string]) {
	peer := n.peerFor(p.Binding)
	if peer == nil {
		return
	}

	logger.Info("peer path dead", "peer", peer.Address())
	peer.Close()
}

// peerFor returns the connected peer bound to b, or nil.
func (n *Node) peerFor(b path.Binding[string, string]) *Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	for _, p := range n.peers {
		if p.binding == b {
			return p
		}
	}

	return nil
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.cancel()

		if n.listener != nil {
			n.listener.Close()
		}

		for _, p := range n.Peers() {
			p.Close()
		}

		n.wg.Wait()
		n.dedup.Close()
	})

	return nil
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return // Listener closed
		}

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.handleIncoming(conn)
		}()
	}
}

// handleIncoming handles an incoming connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	peer, err := n.setupPeer(conn, conn.RemoteAddr().String(), "")
	if err != nil {
		logger.Debug("incoming setup failed", "remote", conn.RemoteAddr(), "error", err)
		conn.CloseWithError(1, "setup failed")
		return
	}

	n.greet(peer)
}

// setupPeer creates a Peer from a QUIC connection. dialAddr is empty for
// inbound connections.
func (n *Node) setupPeer(conn *quic.Conn, addr, dialAddr string) (*Peer, error) {
	key, err := peerKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("identify peer:\n%w", err)
	}

	remote, err := udpAddrPort(conn.RemoteAddr())
	if err != nil {
		return nil, err
	}

	peer := &Peer{
		key:      key,
		address:  addr,
		dialAddr: dialAddr,
		conn:     conn,
		node:     n,
		limiter:  rate.NewLimiter(n.peerRate, n.peerBurst),
		binding: path.Binding[string, string]{
			Endpoint:       endpoint.NewIPUDP(remote),
			LocalSocket:    conn.LocalAddr().String(),
			LocalInterface: Interface,
		},
	}

	n.peersMu.Lock()
	if old, ok := n.peers[key]; ok {
		old.Close()
	}
	n.peers[key] = peer
	count := len(n.peers)
	n.peersMu.Unlock()

	n.metrics.peers.Set(float64(count))
	logger.Debug("peer connected", "peer", addr, "peers", count)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop()
	}()

	return peer, nil
}

// udpAddrPort converts a QUIC remote address.
func udpAddrPort(addr net.Addr) (netip.AddrPort, error) {
	if u, ok := addr.(*net.UDPAddr); ok {
		return u.AddrPort(), nil
	}

	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("remote address %s:\n%w", addr, err)
	}

	return ap, nil
}

// handlePeerDisconnect forgets a peer and schedules reconnection to
// dialed addresses.
func (n *Node) handlePeerDisconnect(p *Peer) {
	n.peersMu.Lock()
	if n.peers[p.key] == p {
		delete(n.peers, p.key)
	}
	count := len(n.peers)
	n.peersMu.Unlock()

	n.metrics.peers.Set(float64(count))

	if n.ctx.Err() != nil || p.dialAddr == "" {
		return
	}

	n.redialingMu.Lock()
	_, running := n.redialing[p.dialAddr]
	if !running {
		n.redialing[p.dialAddr] = struct{}{}
	}
	n.redialingMu.Unlock()

	if running {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnectPeer(p.dialAddr)
	}()
}

// dialedPeer reports whether a live peer was dialed at addr.
func (n *Node) dialedPeer(addr string) bool {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	for _, p := range n.peers {
		if p.dialAddr == addr {
			return true
		}
	}

	return false
}

// reconnectPeer redials addr with exponential backoff. It is keyed by the
// dialed address because the remote's certificate changes when it restarts.
func (n *Node) reconnectPeer(addr string) {
	defer func() {
		n.redialingMu.Lock()
		delete(n.redialing, addr)
		n.redialingMu.Unlock()
	}()

	delay := n.reconnectDelay

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		if n.dialedPeer(addr) {
			return // Already reconnected
		}

		if _, err := n.Connect(addr); err == nil {
			return
		}

		delay = min(delay*2, maxReconnectDelay)
	}
}
