package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"Meshpath/internal/api"
	"Meshpath/internal/endpoint"
	"Meshpath/internal/identity"
	"Meshpath/internal/locator"
	"Meshpath/internal/logger"
	"Meshpath/internal/network"
	"Meshpath/internal/path"
	"Meshpath/internal/registry"
	"Meshpath/internal/storage"
	"Meshpath/internal/transport"
)

const (
	// republishInterval is how often this node re-signs its own locator.
	republishInterval = 30 * time.Minute

	// peerRetryDelay is the wait between failed bootstrap dials.
	peerRetryDelay = 5 * time.Second
)

// Node wires storage, the path registry, both transports, and the API.
type Node struct {
	cfg       *Config                            // cfg is the parsed configuration
	id        identity.Identity                  // id signs this node's locator
	endpoints []endpoint.Endpoint                // endpoints are published in this node's locator
	store     *storage.Store                     // store holds known locators
	paths     *registry.Registry[string, string] // paths is shared by both transports
	network   *network.Node                      // network exchanges locators over QUIC
	transport *transport.Transport               // transport carries fragmented UDP packets
	api       *api.Server                        // api serves status over HTTP
}

// NewNode opens storage and binds the UDP transport. QUIC and HTTP are
// started by Run.
func NewNode(cfg *Config, id identity.Identity) (*Node, error) {
	roots, err := cfg.rootAddresses()
	if err != nil {
		return nil, err
	}

	eps, err := cfg.advertisedEndpoints()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir:\n%w", err)
	}

	store, err := storage.New(filepath.Join(cfg.DataPath, "locators"))
	if err != nil {
		return nil, fmt.Errorf("open storage:\n%w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	paths := registry.New[string, string](registry.Config{Registerer: reg})

	tr, err := transport.Listen(transport.Config{
		ListenAddr: cfg.UDPAddress,
		Paths:      paths,
		MTU:        cfg.MTU,
		Registerer: reg,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("listen udp:\n%w", err)
	}

	nw, err := network.NewNode(network.Config{
		Identity:   id,
		Store:      store,
		Paths:      paths,
		ListenAddr: cfg.QUICAddress,
		Roots:      roots,
		Datagrams:  tr,
		Registerer: reg,
	})
	if err != nil {
		tr.Close()
		store.Close()
		return nil, fmt.Errorf("create network:\n%w", err)
	}

	if len(eps) == 0 {
		if local := tr.LocalAddr(); !local.Addr().IsUnspecified() {
			eps = append(eps, endpoint.NewIPUDP(local))
		} else {
			logger.Warn("no advertised endpoints; peers cannot reach this node directly")
		}
	}

	return &Node{
		cfg:       cfg,
		id:        id,
		endpoints: eps,
		store:     store,
		paths:     paths,
		network:   nw,
		transport: tr,
		api:       api.New(cfg.HTTPAddress, id.Address(), store, paths, reg),
	}, nil
}

// Run starts every component and blocks until ctx is done or one of them
// fails.
func (n *Node) Run(ctx context.Context) error {
	defer n.close()

	if err := n.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	if err := n.publish(); err != nil {
		return err
	}

	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return n.transport.Run(ctx, n.handlePacket)
	})

	g.Go(func() error {
		return n.paths.Run(ctx, registry.Mux[string, string]{
			network.Interface:   n.network,
			transport.Interface: n.transport,
		})
	})

	g.Go(func() error {
		return n.republishLoop(ctx)
	})

	for _, addr := range n.cfg.Peers {
		g.Go(func() error {
			n.dialPeer(ctx, addr)
			return nil
		})
	}

	err := g.Wait()

	logger.Info("shutting down")

	return err
}

// publish signs a fresh locator for this node and announces it.
func (n *Node) publish() error {
	loc, err := locator.Create(n.id, n.id.Address(), time.Now().UnixMilli(), n.endpoints)
	if err != nil {
		return fmt.Errorf("create own locator:\n%w", err)
	}

	if err := n.network.Announce(loc); err != nil {
		logger.Warn("announce own locator", "error", err)
	}

	logger.Info("published locator", "locator", loc)

	return nil
}

// republishLoop refreshes the node's locator until ctx is done.
func (n *Node) republishLoop(ctx context.Context) error {
	ticker := time.NewTicker(republishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := n.publish(); err != nil {
				return err
			}
		}
	}
}

// dialPeer connects to a bootstrap peer, retrying until it succeeds or ctx
// is done. Later reconnection is handled by the network node.
func (n *Node) dialPeer(ctx context.Context, addr string) {
	for {
		_, err := n.network.Connect(addr)
		if err == nil {
			logger.Info("connected to peer", "addr", addr)
			return
		}

		logger.Warn("peer dial failed", "addr", addr, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(peerRetryDelay):
		}
	}
}

// handlePacket hands packets reassembled by the UDP transport to the
// locator exchange.
func (n *Node) handlePacket(p *path.Path[string, string], packet []byte) {
	n.network.HandleDatagram(p.Endpoint.AddrPort(), packet)
}

// close stops components in reverse start order.
func (n *Node) close() {
	if err := n.api.Stop(); err != nil {
		logger.Warn("stop api", "error", err)
	}

	n.transport.Close()
	n.network.Close()

	if err := n.store.Close(); err != nil {
		logger.Warn("close storage", "error", err)
	}
}
