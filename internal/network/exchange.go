package network

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/time/rate"

	"Meshpath/internal/endpoint"
	"Meshpath/internal/identity"
	"Meshpath/internal/locator"
	"Meshpath/internal/logger"
	"Meshpath/internal/types"
	"Meshpath/internal/wire"
)

// syncTimeout bounds the sync request made on connect.
const syncTimeout = 20 * time.Second

var (
	// ErrSignerMismatch is returned when the envelope key does not belong
	// to the locator's signer.
	ErrSignerMismatch = errors.New("network: signer does not match locator")

	// ErrBadSignature is returned when a locator fails verification.
	ErrBadSignature = errors.New("network: invalid locator signature")

	// ErrUntrustedProxy is returned for proxy-signed locators from a
	// signer that is not a configured root.
	ErrUntrustedProxy = errors.New("network: proxy signer is not a root")
)

// announceEnvelope wraps a locator with its signer's public key.
func (n *Node) announceEnvelope(signer identity.Identity, loc *locator.Locator) ([]byte, error) {
	payload, err := loc.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal locator:\n%w", err)
	}

	return encodeEnvelope(types.MessageKindAnnounce, signer, payload), nil
}

// receive runs a one-way message through the sender's rate limiter, then
// dedup, then dispatch. The limiter comes first so a dropped message is not
// recorded as seen and can still arrive from another peer. from is nil for
// datagrams; source names the sender in logs.
func (n *Node) receive(from *Peer, limiter *rate.Limiter, source string, data []byte) {
	if !limiter.Allow() {
		n.metrics.messages.WithLabelValues(resultLimited).Inc()
		logger.Debug("sender rate limited", "source", source)
		return
	}

	if !n.dedup.Check(data) {
		n.metrics.messages.WithLabelValues(resultDuplicate).Inc()
		return
	}

	n.handleMessage(from, source, data)
}

// HandleDatagram processes an envelope that arrived outside QUIC, such as
// a packet reassembled by the UDP transport. Datagram senders share one
// rate limiter.
func (n *Node) HandleDatagram(from netip.AddrPort, data []byte) {
	n.receive(nil, n.datagramLimiter, "udp/"+from.String(), data)
}

// handleMessage dispatches a one-way message that passed rate limiting and
// dedup.
func (n *Node) handleMessage(from *Peer, source string, data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		n.metrics.messages.WithLabelValues(resultRejected).Inc()
		logger.Debug("bad envelope", "source", source, "error", err)
		return
	}

	switch env.kind {
	case types.MessageKindKeepalive:
		// activity was logged on receipt
	case types.MessageKindAnnounce:
		n.handleAnnounce(from, source, env, data)
	default:
		n.metrics.messages.WithLabelValues(resultRejected).Inc()
		logger.Debug("unexpected message", "source", source, "kind", env.kind)
	}
}

// handleAnnounce verifies and stores an announced locator, relaying it
// when it replaced what was known.
func (n *Node) handleAnnounce(from *Peer, source string, env envelope, raw []byte) {
	signer, err := env.signer()
	if err != nil {
		n.metrics.messages.WithLabelValues(resultRejected).Inc()
		logger.Debug("bad announce signer", "source", source, "error", err)
		return
	}

	loc := new(locator.Locator)
	if err := loc.UnmarshalBinary(env.payload); err != nil {
		n.metrics.messages.WithLabelValues(resultRejected).Inc()
		logger.Debug("bad announce locator", "source", source, "error", err)
		return
	}

	stored, err := n.accept(signer, loc)
	if err != nil {
		logger.Debug("announce rejected", "source", source, "subject", loc.Subject(), "error", err)
		return
	}

	if !stored {
		return
	}

	logger.Debug("locator accepted", "subject", loc.Subject(), "signer", loc.Signer(), "ts", loc.Timestamp())

	if err := n.gossip(raw, from, n.fanout); err != nil {
		logger.Debug("gossip failed", "error", err)
	}
}

// accept runs the verification pipeline and stores loc. It reports
// whether loc replaced the stored locator.
func (n *Node) accept(signer identity.Identity, loc *locator.Locator) (bool, error) {
	if err := n.verify(signer, loc); err != nil {
		n.metrics.messages.WithLabelValues(resultRejected).Inc()
		return false, err
	}

	if err := n.store.PutIdentity(signer); err != nil {
		return false, fmt.Errorf("store identity:\n%w", err)
	}

	stored, err := n.store.Put(loc)
	if err != nil {
		return false, fmt.Errorf("store locator:\n%w", err)
	}

	if stored {
		n.metrics.messages.WithLabelValues(resultStored).Inc()
		n.introduce(loc)
	} else {
		n.metrics.messages.WithLabelValues(resultStale).Inc()
	}

	return stored, nil
}

// verify checks signer binding, signature, and proxy authorization.
func (n *Node) verify(signer identity.Identity, loc *locator.Locator) error {
	if signer.Address() != loc.Signer() {
		return fmt.Errorf("key for %s, locator signer %s: %w", signer.Address(), loc.Signer(), ErrSignerMismatch)
	}

	if !loc.VerifySignature(signer) {
		return fmt.Errorf("locator for %s: %w", loc.Subject(), ErrBadSignature)
	}

	if loc.IsProxySigned() && !n.isRoot(loc.Signer()) {
		return fmt.Errorf("signer %s: %w", loc.Signer(), ErrUntrustedProxy)
	}

	return nil
}

// isRoot reports whether addr may publish proxy-signed locators.
func (n *Node) isRoot(addr identity.Address) bool {
	_, ok := n.roots[addr]
	return ok
}

// handleRequest answers a sync request with a batch of stored locators.
func (n *Node) handleRequest(data []byte) ([]byte, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	if env.kind != types.MessageKindSyncRequest {
		return nil, fmt.Errorf("unexpected request kind %s", env.kind)
	}

	records, err := n.collectRecords()
	if err != nil {
		return nil, err
	}

	batch, err := encodeSyncBatch(records)
	if err != nil {
		return nil, fmt.Errorf("encode batch:\n%w", err)
	}

	return encodeEnvelope(types.MessageKindSyncResponse, nil, batch), nil
}

// errBatchFull stops iteration once a batch is full.
var errBatchFull = errors.New("batch full")

// collectRecords gathers stored locators whose signer identity is known.
func (n *Node) collectRecords() ([]syncRecord, error) {
	var records []syncRecord

	err := n.store.Iterate(func(loc *locator.Locator) error {
		signer, err := n.store.GetIdentity(loc.Signer())
		if err != nil {
			return err
		}

		if signer == nil {
			return nil
		}

		records = append(records, syncRecord{signer: signer, loc: loc})
		if len(records) == maxSyncRecords {
			return errBatchFull
		}

		return nil
	})
	if err != nil && !errors.Is(err, errBatchFull) {
		return nil, fmt.Errorf("collect locators:\n%w", err)
	}

	return records, nil
}

// Sync requests the peer's locators and accepts the valid ones. It returns
// the number of locators that replaced local state.
func (n *Node) Sync(ctx context.Context, p *Peer) (int, error) {
	response, err := p.Request(ctx, encodeEnvelope(types.MessageKindSyncRequest, nil, nil))
	if err != nil {
		return 0, fmt.Errorf("sync request:\n%w", err)
	}

	env, err := decodeEnvelope(response)
	if err != nil {
		return 0, fmt.Errorf("sync response:\n%w", err)
	}

	if env.kind != types.MessageKindSyncResponse {
		return 0, fmt.Errorf("sync response kind %s: %w", env.kind, wire.ErrDataFormat)
	}

	records, err := decodeSyncBatch(env.payload)
	if err != nil {
		return 0, fmt.Errorf("sync batch:\n%w", err)
	}

	stored := 0

	for _, rec := range records {
		ok, err := n.accept(rec.signer, rec.loc)
		if err != nil {
			logger.Debug("sync record rejected", "peer", p.address, "subject", rec.loc.Subject(), "error", err)
			continue
		}

		if ok {
			stored++
		}
	}

	return stored, nil
}

// greet announces this node's own locator to a new peer and pulls its
// locators.
func (n *Node) greet(p *Peer) {
	own, err := n.store.Get(n.id.Address())
	if err != nil {
		logger.Warn("load own locator", "error", err)
	}

	if own != nil {
		data, err := n.announceEnvelope(n.id, own)
		if err == nil {
			err = p.Send(data)
		}

		if err != nil {
			logger.Debug("greeting announce failed", "peer", p.address, "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(n.ctx, syncTimeout)
	defer cancel()

	stored, err := n.Sync(ctx, p)
	if err != nil {
		logger.Debug("initial sync failed", "peer", p.address, "error", err)
		return
	}

	logger.Info("synced locators", "peer", p.address, "stored", stored)
}

// introduce sends this node's own announce as a datagram to the UDP
// endpoints of a newly stored locator, so the two nodes share a UDP path.
func (n *Node) introduce(loc *locator.Locator) {
	if n.datagrams == nil || loc.Subject() == n.id.Address() {
		return
	}

	var targets []netip.AddrPort
	for _, ep := range loc.Endpoints() {
		if ep.Type() == endpoint.TypeIPUDP {
			targets = append(targets, ep.AddrPort())
		}
	}

	if len(targets) == 0 {
		return
	}

	own, err := n.store.Get(n.id.Address())
	if err != nil || own == nil {
		return
	}

	data, err := n.announceEnvelope(n.id, own)
	if err != nil {
		logger.Debug("encode introduction", "error", err)
		return
	}

	for _, addr := range targets {
		if err := n.datagrams.Send(addr, data); err != nil {
			logger.Debug("introduction failed", "remote", addr, "error", err)
		}
	}
}

// logActivity records traffic on the peer's path.
func (n *Node) logActivity(p *Peer, send bool) {
	pth, _, err := n.paths.Canonical(p.binding)
	if err != nil {
		logger.Debug("path unavailable", "peer", p.address, "error", err)
		return
	}

	ticks := n.paths.Ticks()

	if send {
		pth.LogSend(ticks)
	} else {
		pth.LogReceive(ticks)
	}
}
