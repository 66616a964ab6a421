package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/time/rate"

	"Meshpath/internal/logger"
	"Meshpath/internal/path"
)

const (
	// defaultRequestTimeout is the default timeout for Request calls.
	defaultRequestTimeout = 30 * time.Second

	// sendTimeout bounds opening a stream for a one-way message.
	sendTimeout = 10 * time.Second
)

// Peer represents a connection to a remote node.
type Peer struct {
	key      string                       // key is the remote certificate fingerprint
	address  string                       // address is the remote address
	dialAddr string                       // dialAddr is the address this node dialed, empty for inbound peers
	conn     *quic.Conn                   // conn is the underlying QUIC connection
	node     *Node                        // node is the parent node
	limiter  *rate.Limiter                // limiter bounds inbound message processing
	binding  path.Binding[string, string] // binding locates the peer's activity path
	closed   atomic.Bool                  // closed indicates if the peer is closed
	mu       sync.Mutex                   // mu protects send operations
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Binding returns the path binding used to log this peer's activity.
func (p *Peer) Binding() path.Binding[string, string] {
	return p.binding
}

// Send sends a message to the peer using a new unidirectional stream.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer is closed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(p.node.ctx, sendTimeout)
	defer cancel()

	stream, err := p.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}

	if err := writeMessage(stream, data); err != nil {
		stream.Close()
		return fmt.Errorf("write message:\n%w", err)
	}

	p.node.logActivity(p, true)

	return stream.Close()
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	return p.conn.CloseWithError(0, "closed")
}

// Request sends data and waits for response via bidirectional stream.
// Uses the provided context for timeout/cancellation.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer is closed")
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeMessage(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	p.node.logActivity(p, true)

	response, err := readMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	p.node.logActivity(p, false)

	return response, nil
}

// receiveLoop accepts incoming streams until the connection ends.
func (p *Peer) receiveLoop() {
	p.node.wg.Add(1)
	go func() {
		defer p.node.wg.Done()
		p.acceptBidiStreams()
	}()

	for {
		stream, err := p.conn.AcceptUniStream(p.node.ctx)
		if err != nil {
			logger.Debug("receive loop ended", "peer", p.address, "error", err)
			break
		}

		p.node.wg.Add(1)
		go func() {
			defer p.node.wg.Done()
			p.handleUniStream(stream)
		}()
	}

	p.closed.Store(true)
	p.node.handlePeerDisconnect(p)
}

// acceptBidiStreams accepts bidirectional streams for request/response.
func (p *Peer) acceptBidiStreams() {
	for {
		stream, err := p.conn.AcceptStream(p.node.ctx)
		if err != nil {
			return
		}

		p.node.wg.Add(1)
		go func() {
			defer p.node.wg.Done()
			p.handleBidiStream(stream)
		}()
	}
}

// handleBidiStream handles a bidirectional request/response stream.
func (p *Peer) handleBidiStream(stream *quic.Stream) {
	defer stream.Close()

	stream.SetDeadline(time.Now().Add(defaultRequestTimeout))

	data, err := readMessage(stream)
	if err != nil {
		return
	}

	p.node.logActivity(p, false)

	if !p.limiter.Allow() {
		p.node.metrics.messages.WithLabelValues(resultLimited).Inc()
		return
	}

	response, err := p.node.handleRequest(data)
	if err != nil {
		logger.Debug("request failed", "peer", p.address, "error", err)
		return
	}

	if err := writeMessage(stream, response); err == nil {
		p.node.logActivity(p, true)
	}
}

// handleUniStream reads one message and hands it to the node's receive
// pipeline.
func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	data, err := readMessage(stream)
	if err != nil {
		logger.Debug("stream read error", "peer", p.address, "error", err)
		return
	}

	p.node.logActivity(p, false)
	p.node.receive(p, p.limiter, p.address, data)
}
