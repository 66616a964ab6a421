package network

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net/netip"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/time/rate"

	"Meshpath/internal/endpoint"
	"Meshpath/internal/identity"
	"Meshpath/internal/locator"
	"Meshpath/internal/path"
	"Meshpath/internal/registry"
	"Meshpath/internal/storage"
	"Meshpath/internal/transport"
	"Meshpath/internal/types"
	"Meshpath/internal/wire"
)

// newTestIdentity generates a random ed25519 identity.
func newTestIdentity(t testing.TB) *identity.Ed25519Identity {
	t.Helper()

	id, err := identity.GenerateEd25519()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	return id
}

// newTestLocator signs a locator for subject with one UDP endpoint.
func newTestLocator(t testing.TB, signer identity.Identity, subject identity.Address, ts int64) *locator.Locator {
	t.Helper()

	ep := endpoint.NewIPUDP(netip.MustParseAddrPort("192.0.2.1:9993"))

	loc, err := locator.Create(signer, subject, ts, []endpoint.Endpoint{ep})
	if err != nil {
		t.Fatalf("create locator: %v", err)
	}

	return loc
}

// newTestNode creates and starts a node on a loopback port with its own
// store and path registry. Unset config fields get test defaults.
func newTestNode(t *testing.T, cfg Config) *Node {
	t.Helper()

	if cfg.Identity == nil {
		cfg.Identity = newTestIdentity(t)
	}

	store, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg.Store = store
	cfg.Paths = registry.New[string, string](registry.Config{})
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}

	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 100 * time.Millisecond
	}

	node, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { node.Close() })

	return node
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("timeout waiting for %s", what)
}

// storedTimestamp returns the timestamp of the locator n holds for subject,
// or -1 if none.
func storedTimestamp(n *Node, subject identity.Address) int64 {
	loc, err := n.store.Get(subject)
	if err != nil || loc == nil {
		return -1
	}

	return loc.Timestamp()
}

// TestNewNodeRequiresDependencies tests config validation.
func TestNewNodeRequiresDependencies(t *testing.T) {
	if _, err := NewNode(Config{ListenAddr: "127.0.0.1:0"}); err == nil {
		t.Error("expected error without identity")
	}

	if _, err := NewNode(Config{Identity: newTestIdentity(t), ListenAddr: "127.0.0.1:0"}); err == nil {
		t.Error("expected error without store")
	}
}

// TestNodeStartStop tests starting and stopping a node.
func TestNodeStartStop(t *testing.T) {
	node := newTestNode(t, Config{})

	if node.Addr() == "" {
		t.Fatal("listener address is empty after start")
	}

	if err := node.Close(); err != nil {
		t.Fatalf("close node: %v", err)
	}
}

// TestEnvelopeRoundTrip tests that every field survives encoding.
func TestEnvelopeRoundTrip(t *testing.T) {
	id := newTestIdentity(t)
	payload := []byte("locator bytes")

	env, err := decodeEnvelope(encodeEnvelope(types.MessageKindAnnounce, id, payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if env.kind != types.MessageKindAnnounce {
		t.Errorf("kind: got %s, want Announce", env.kind)
	}

	if env.identityKind != identity.KindEd25519 || !bytes.Equal(env.publicKey, id.PublicKey()) {
		t.Errorf("identity: got kind %d key %x", env.identityKind, env.publicKey)
	}

	if !bytes.Equal(env.payload, payload) {
		t.Errorf("payload: got %q, want %q", env.payload, payload)
	}

	signer, err := env.signer()
	if err != nil || signer.Address() != id.Address() {
		t.Errorf("signer: got %v, %v", signer, err)
	}
}

// TestEnvelopeWithoutSigner tests kinds that carry no identity.
func TestEnvelopeWithoutSigner(t *testing.T) {
	env, err := decodeEnvelope(encodeEnvelope(types.MessageKindKeepalive, nil, nil))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if env.kind != types.MessageKindKeepalive || len(env.payload) != 0 {
		t.Errorf("got kind %s payload %x", env.kind, env.payload)
	}

	if _, err := env.signer(); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("signer error: got %v, want ErrMalformedEnvelope", err)
	}
}

// TestDecodeEnvelopeMalformed tests that garbage never panics.
func TestDecodeEnvelopeMalformed(t *testing.T) {
	if _, err := decodeEnvelope([]byte{1, 2, 3}); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("short input: got %v", err)
	}

	if _, err := decodeEnvelope(encodeEnvelope(types.MessageKind(99), nil, nil)); err == nil {
		t.Error("unknown kind accepted")
	}

	valid := encodeEnvelope(types.MessageKindAnnounce, newTestIdentity(t), []byte("payload"))
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 2000; i++ {
		data := bytes.Clone(valid)
		data[rng.Intn(len(data))] ^= byte(1 + rng.Intn(255))
		decodeEnvelope(data)

		garbage := make([]byte, 8+rng.Intn(64))
		rng.Read(garbage)
		decodeEnvelope(garbage)
	}
}

// TestMessageFraming tests length-prefixed framing and its size limit.
func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer

	if err := writeMessage(&buf, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := readMessage(&buf)
	if err != nil || string(got) != "hello" {
		t.Fatalf("read: got %q, %v", got, err)
	}

	if err := writeMessage(&buf, make([]byte, maxMessageSize+1)); err == nil {
		t.Error("oversized write accepted")
	}

	buf.Reset()
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := readMessage(&buf); err == nil {
		t.Error("oversized length prefix accepted")
	}
}

// TestSyncBatchRoundTrip tests compressing and parsing locator records.
func TestSyncBatchRoundTrip(t *testing.T) {
	bls, err := identity.GenerateBLS()
	if err != nil {
		t.Fatalf("generate bls: %v", err)
	}

	ed := newTestIdentity(t)

	records := []syncRecord{
		{signer: ed, loc: newTestLocator(t, ed, ed.Address(), 10)},
		{signer: bls, loc: newTestLocator(t, bls, ed.Address(), 20)},
	}

	data, err := encodeSyncBatch(records)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := decodeSyncBatch(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(got) != len(records) {
		t.Fatalf("records: got %d, want %d", len(got), len(records))
	}

	for i, rec := range got {
		if !rec.loc.Equal(records[i].loc) {
			t.Errorf("record %d locator: got %s, want %s", i, rec.loc, records[i].loc)
		}

		if !rec.loc.VerifySignature(rec.signer) {
			t.Errorf("record %d does not verify against its signer", i)
		}
	}
}

// TestSyncBatchMalformed tests rejection of corrupt and oversized batches.
func TestSyncBatchMalformed(t *testing.T) {
	if _, err := decodeSyncBatch([]byte("not zstd")); err == nil {
		t.Error("non-zstd input accepted")
	}

	w := wire.NewWriter(64)
	w.AppendUvarint(maxSyncRecords + 1)

	data, err := compressBatch(w.Bytes())
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	if _, err := decodeSyncBatch(data); !errors.Is(err, wire.ErrDataFormat) {
		t.Errorf("oversized count: got %v, want ErrDataFormat", err)
	}
}

// TestVerifyPipeline tests signer binding, signatures, and root policy.
func TestVerifyPipeline(t *testing.T) {
	subject := newTestIdentity(t)
	root := newTestIdentity(t)
	stranger := newTestIdentity(t)

	n := newTestNode(t, Config{Roots: []identity.Address{root.Address()}})

	self := newTestLocator(t, subject, subject.Address(), 1)
	if err := n.verify(subject, self); err != nil {
		t.Errorf("self-signed: %v", err)
	}

	if err := n.verify(stranger, self); !errors.Is(err, ErrSignerMismatch) {
		t.Errorf("wrong key: got %v, want ErrSignerMismatch", err)
	}

	byRoot := newTestLocator(t, root, subject.Address(), 2)
	if err := n.verify(root, byRoot); err != nil {
		t.Errorf("root proxy: %v", err)
	}

	byStranger := newTestLocator(t, stranger, subject.Address(), 3)
	if err := n.verify(stranger, byStranger); !errors.Is(err, ErrUntrustedProxy) {
		t.Errorf("stranger proxy: got %v, want ErrUntrustedProxy", err)
	}

	data, err := self.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	data[len(data)-1] ^= 0x01

	tampered := new(locator.Locator)
	if err := tampered.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if err := n.verify(subject, tampered); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered: got %v, want ErrBadSignature", err)
	}
}

// TestAcceptCountsResults tests storage outcomes and their metrics.
func TestAcceptCountsResults(t *testing.T) {
	reg := prometheus.NewRegistry()
	n := newTestNode(t, Config{Registerer: reg})

	id := newTestIdentity(t)
	stranger := newTestIdentity(t)

	if stored, err := n.accept(id, newTestLocator(t, id, id.Address(), 5)); err != nil || !stored {
		t.Fatalf("first accept: stored=%v err=%v", stored, err)
	}

	if stored, err := n.accept(id, newTestLocator(t, id, id.Address(), 4)); err != nil || stored {
		t.Fatalf("older accept: stored=%v err=%v", stored, err)
	}

	if _, err := n.accept(stranger, newTestLocator(t, stranger, id.Address(), 9)); err == nil {
		t.Fatal("untrusted proxy accepted")
	}

	for result, want := range map[string]float64{resultStored: 1, resultStale: 1, resultRejected: 1} {
		if got := testutil.ToFloat64(n.metrics.messages.WithLabelValues(result)); got != want {
			t.Errorf("%s: got %v, want %v", result, got, want)
		}
	}

	pub, err := n.store.GetIdentity(id.Address())
	if err != nil || pub == nil {
		t.Errorf("signer identity not stored: %v, %v", pub, err)
	}
}

// TestAnnounceRequiresOwnSignature tests that only this node's locators
// can be announced directly.
func TestAnnounceRequiresOwnSignature(t *testing.T) {
	n := newTestNode(t, Config{})
	other := newTestIdentity(t)

	err := n.Announce(newTestLocator(t, other, other.Address(), 1))
	if !errors.Is(err, ErrSignerMismatch) {
		t.Errorf("got %v, want ErrSignerMismatch", err)
	}
}

// TestSyncOnConnect tests that a new connection pulls the remote's locators.
func TestSyncOnConnect(t *testing.T) {
	server := newTestNode(t, Config{})
	client := newTestNode(t, Config{})

	serverID := server.Identity()
	if err := server.Announce(newTestLocator(t, serverID, serverID.Address(), 100)); err != nil {
		t.Fatalf("announce: %v", err)
	}

	clientID := client.Identity()
	if err := client.Announce(newTestLocator(t, clientID, clientID.Address(), 200)); err != nil {
		t.Fatalf("announce: %v", err)
	}

	if _, err := client.Connect(server.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, "client to learn server locator", func() bool {
		return storedTimestamp(client, serverID.Address()) == 100
	})

	waitFor(t, "server to learn client locator", func() bool {
		return storedTimestamp(server, clientID.Address()) == 200
	})
}

// TestAnnounceRelays tests that a new locator crosses an intermediate node.
func TestAnnounceRelays(t *testing.T) {
	a := newTestNode(t, Config{})
	b := newTestNode(t, Config{})
	c := newTestNode(t, Config{})

	if _, err := b.Connect(a.Addr()); err != nil {
		t.Fatalf("connect b->a: %v", err)
	}

	if _, err := c.Connect(b.Addr()); err != nil {
		t.Fatalf("connect c->b: %v", err)
	}

	waitFor(t, "peers", func() bool {
		return len(a.Peers()) == 1 && len(b.Peers()) == 2 && len(c.Peers()) == 1
	})

	aID := a.Identity()
	if err := a.Announce(newTestLocator(t, aID, aID.Address(), 42)); err != nil {
		t.Fatalf("announce: %v", err)
	}

	waitFor(t, "relay to c", func() bool {
		return storedTimestamp(c, aID.Address()) == 42
	})

	// a newer locator replaces the relayed one
	if err := a.Announce(newTestLocator(t, aID, aID.Address(), 43)); err != nil {
		t.Fatalf("announce: %v", err)
	}

	waitFor(t, "replacement at c", func() bool {
		return storedTimestamp(c, aID.Address()) == 43
	})
}

// TestPeerActivityLogged tests that traffic and keepalives reach the
// peer's path.
func TestPeerActivityLogged(t *testing.T) {
	server := newTestNode(t, Config{})
	client := newTestNode(t, Config{})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if peer.Binding().LocalInterface != Interface {
		t.Errorf("interface: got %q, want %q", peer.Binding().LocalInterface, Interface)
	}

	waitFor(t, "server peer", func() bool { return len(server.Peers()) == 1 })

	serverPeer := server.Peers()[0]

	waitFor(t, "initial activity", func() bool {
		p := server.paths.Lookup(serverPeer.Binding())
		return p != nil && p.LastReceiveTicks() != path.NeverTicks
	})

	waitFor(t, "client path", func() bool {
		p := client.paths.Lookup(peer.Binding())
		return p != nil && p.LastReceiveTicks() != path.NeverTicks
	})

	clientPath := client.paths.Lookup(peer.Binding())

	before := clientPath.LastReceiveTicks()
	time.Sleep(5 * time.Millisecond)

	server.Keepalive(server.paths.Lookup(serverPeer.Binding()))

	waitFor(t, "keepalive receipt", func() bool {
		return clientPath.LastReceiveTicks() > before
	})
}

// TestDeadPathReconnects tests that a dead path closes the peer and the
// dialing side reconnects.
func TestDeadPathReconnects(t *testing.T) {
	server := newTestNode(t, Config{})
	client := newTestNode(t, Config{})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	p, _, err := client.paths.Canonical(peer.Binding())
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}

	client.Dead(p)

	waitFor(t, "reconnection", func() bool {
		peers := client.Peers()
		return len(peers) == 1 && peers[0] != peer
	})
}

// TestReconnectFollowsDialedAddress tests that a peer restarted on the
// same address with a new certificate is redialed.
func TestReconnectFollowsDialedAddress(t *testing.T) {
	first := newTestNode(t, Config{})
	client := newTestNode(t, Config{})

	addr := first.Addr()

	peer, err := client.Connect(addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if peer.dialAddr != addr {
		t.Fatalf("dial address: got %q, want %q", peer.dialAddr, addr)
	}

	waitFor(t, "server peer", func() bool { return len(first.Peers()) == 1 })

	if inbound := first.Peers()[0]; inbound.dialAddr != "" {
		t.Errorf("inbound peer has dial address %q", inbound.dialAddr)
	}

	first.Close()

	waitFor(t, "disconnect", func() bool { return len(client.Peers()) == 0 })

	second := newTestNode(t, Config{ListenAddr: addr})

	waitFor(t, "reconnection to restarted server", func() bool {
		peers := client.Peers()
		return len(peers) == 1 && peers[0].key != peer.key && peers[0].dialAddr == addr
	})

	waitFor(t, "restarted server peer", func() bool { return len(second.Peers()) == 1 })
}

// TestLimitedMessageNotMarkedSeen tests that a message dropped by one
// sender's rate limiter is still accepted from another sender.
func TestLimitedMessageNotMarkedSeen(t *testing.T) {
	reg := prometheus.NewRegistry()
	n := newTestNode(t, Config{Registerer: reg})

	id := newTestIdentity(t)

	data, err := n.announceEnvelope(id, newTestLocator(t, id, id.Address(), 7))
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}

	exhausted := &Peer{node: n, address: "a", limiter: rate.NewLimiter(0, 0)}
	open := &Peer{node: n, address: "b", limiter: rate.NewLimiter(rate.Inf, 1)}

	n.receive(exhausted, exhausted.limiter, exhausted.address, data)

	if ts := storedTimestamp(n, id.Address()); ts != -1 {
		t.Fatalf("limited message stored: ts=%d", ts)
	}

	n.receive(open, open.limiter, open.address, data)

	if ts := storedTimestamp(n, id.Address()); ts != 7 {
		t.Fatalf("message from second sender: got ts %d, want 7", ts)
	}

	// the same bytes again are now a duplicate
	n.receive(open, open.limiter, open.address, data)

	for result, want := range map[string]float64{resultLimited: 1, resultStored: 1, resultDuplicate: 1} {
		if got := testutil.ToFloat64(n.metrics.messages.WithLabelValues(result)); got != want {
			t.Errorf("%s: got %v, want %v", result, got, want)
		}
	}
}

// recordingSender records datagrams instead of sending them.
type recordingSender struct {
	mu    sync.Mutex
	addrs []netip.AddrPort
	data  [][]byte
}

// Send records one datagram.
func (r *recordingSender) Send(addr netip.AddrPort, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.addrs = append(r.addrs, addr)
	r.data = append(r.data, bytes.Clone(data))

	return nil
}

// sent returns a copy of the recorded destinations.
func (r *recordingSender) sent() []netip.AddrPort {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]netip.AddrPort(nil), r.addrs...)
}

// TestIntroduceOnNewLocator tests that storing a locator with a UDP
// endpoint sends this node's own announce to it, and a stale one does not.
func TestIntroduceOnNewLocator(t *testing.T) {
	sender := &recordingSender{}
	n := newTestNode(t, Config{Datagrams: sender})

	own := n.Identity()
	if err := n.Announce(newTestLocator(t, own, own.Address(), 50)); err != nil {
		t.Fatalf("announce: %v", err)
	}

	if len(sender.sent()) != 0 {
		t.Fatalf("own locator triggered %d introductions", len(sender.sent()))
	}

	id := newTestIdentity(t)
	if _, err := n.accept(id, newTestLocator(t, id, id.Address(), 5)); err != nil {
		t.Fatalf("accept: %v", err)
	}

	want := netip.MustParseAddrPort("192.0.2.1:9993")
	if got := sender.sent(); len(got) != 1 || got[0] != want {
		t.Fatalf("introductions: got %v, want [%v]", got, want)
	}

	env, err := decodeEnvelope(sender.data[0])
	if err != nil {
		t.Fatalf("decode introduction: %v", err)
	}

	loc := new(locator.Locator)
	if err := loc.UnmarshalBinary(env.payload); err != nil {
		t.Fatalf("introduction locator: %v", err)
	}

	if env.kind != types.MessageKindAnnounce || loc.Subject() != own.Address() || loc.Timestamp() != 50 {
		t.Errorf("introduction carries kind %v subject %s ts %d", env.kind, loc.Subject(), loc.Timestamp())
	}

	if _, err := n.accept(id, newTestLocator(t, id, id.Address(), 4)); err != nil {
		t.Fatalf("stale accept: %v", err)
	}

	if got := len(sender.sent()); got != 1 {
		t.Errorf("stale locator sent introduction: %d sends", got)
	}
}

// newTestTransport binds a UDP transport on loopback.
func newTestTransport(t *testing.T) *transport.Transport {
	t.Helper()

	tr, err := transport.Listen(transport.Config{
		ListenAddr: "127.0.0.1:0",
		Paths:      registry.New[string, string](registry.Config{}),
	})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	return tr
}

// TestIntroductionOverUDP tests that an introduction crosses the UDP
// transport and is stored by the receiving node.
func TestIntroductionOverUDP(t *testing.T) {
	trA := newTestTransport(t)
	trB := newTestTransport(t)

	a := newTestNode(t, Config{Datagrams: trA})
	b := newTestNode(t, Config{Datagrams: trB})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go trB.Run(ctx, func(p *path.Path[string, string], packet []byte) {
		b.HandleDatagram(p.Endpoint.AddrPort(), packet)
	})

	aID := a.Identity()
	if err := a.Announce(newTestLocator(t, aID, aID.Address(), 11)); err != nil {
		t.Fatalf("announce: %v", err)
	}

	bID := b.Identity()
	bLoc, err := locator.Create(bID, bID.Address(), 12, []endpoint.Endpoint{endpoint.NewIPUDP(trB.LocalAddr())})
	if err != nil {
		t.Fatalf("create locator: %v", err)
	}

	if _, err := a.accept(bID, bLoc); err != nil {
		t.Fatalf("accept: %v", err)
	}

	waitFor(t, "introduction at b", func() bool {
		return storedTimestamp(b, aID.Address()) == 11
	})

	if len(a.Peers()) != 0 || len(b.Peers()) != 0 {
		t.Error("introduction opened a quic peer")
	}
}

// TestDedupBasic tests basic deduplication functionality.
func TestDedupBasic(t *testing.T) {
	d := NewDedup(clock.NewMock(), 0)
	defer d.Close()

	msg := []byte("test message")

	if !d.Check(msg) {
		t.Error("first check should return true")
	}

	if d.Check(msg) {
		t.Error("second check should return false")
	}

	if !d.Check([]byte("different message")) {
		t.Error("different message should return true")
	}
}

// TestDedupConcurrent tests that exactly one concurrent caller wins.
func TestDedupConcurrent(t *testing.T) {
	d := NewDedup(nil, 0)
	defer d.Close()

	const numGoroutines = 100
	msg := []byte("same message")

	var successCount atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			if d.Check(msg) {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	if successCount.Load() != 1 {
		t.Errorf("success count: got %d, want 1", successCount.Load())
	}
}

// TestDedupExpiry tests TTL expiry and background cleanup on a mock clock.
func TestDedupExpiry(t *testing.T) {
	mock := clock.NewMock()
	d := NewDedup(mock, time.Second)
	defer d.Close()

	msg := []byte("expiring message")

	if !d.Check(msg) {
		t.Fatal("first check should return true")
	}

	mock.Add(500 * time.Millisecond)
	if d.Check(msg) {
		t.Error("check inside ttl should return false")
	}

	mock.Add(time.Second)
	if !d.Check(msg) {
		t.Error("check after expiry should return true")
	}

	d.Check([]byte("other"))
	mock.Add(cleanupInterval)

	waitFor(t, "cleanup", func() bool { return d.Len() == 0 })
}

// TestSelectRandomPeers tests fanout selection.
func TestSelectRandomPeers(t *testing.T) {
	peers := make([]*Peer, 10)
	for i := range peers {
		peers[i] = &Peer{}
	}

	if got := selectRandomPeers(peers, 20); len(got) != 10 {
		t.Errorf("n > len: got %d, want 10", len(got))
	}

	if got := selectRandomPeers(peers, 3); len(got) != 3 {
		t.Errorf("n < len: got %d, want 3", len(got))
	}

	results := make(map[*Peer]int)
	for i := 0; i < 100; i++ {
		results[selectRandomPeers(peers, 1)[0]]++
	}

	// 10 peers over 100 draws; fewer than 5 distinct is vanishingly unlikely
	if len(results) < 5 {
		t.Errorf("randomness check: only %d different peers selected", len(results))
	}
}

// TestSyncHonorsContext tests that Sync fails once its context is done.
func TestSyncHonorsContext(t *testing.T) {
	server := newTestNode(t, Config{})
	client := newTestNode(t, Config{})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.Sync(ctx, peer); err == nil {
		t.Error("sync with cancelled context succeeded")
	}
}
