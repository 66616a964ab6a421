// Package api serves a read-only HTTP view of known locators, live paths,
// and prometheus metrics.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"Meshpath/internal/identity"
	"Meshpath/internal/locator"
	"Meshpath/internal/logger"
	"Meshpath/internal/path"
)

const (
	// defaultListLimit is the number of locators returned without ?limit.
	defaultListLimit = 1000

	// maxListLimit caps ?limit.
	maxListLimit = 10000
)

// LocatorSource reads stored locators.
type LocatorSource interface {
	Get(subject identity.Address) (*locator.Locator, error)
	Iterate(fn func(*locator.Locator) error) error
}

// PathSource lists live paths on a shared tick base.
type PathSource interface {
	Paths() []*path.Path[string, string]
	Ticks() int64
}

// Server is the HTTP API server.
type Server struct {
	addr     string              // addr is the HTTP listen address
	self     identity.Address    // self is this node's address
	locators LocatorSource       // locators serves /locators
	paths    PathSource          // paths serves /paths
	gatherer prometheus.Gatherer // gatherer serves /metrics
	server   *http.Server        // server is the underlying HTTP server
}

// New creates a new HTTP API server. A nil gatherer uses the default
// prometheus registry.
func New(addr string, self identity.Address, locators LocatorSource, paths PathSource, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &Server{
		addr:     addr,
		self:     self,
		locators: locators,
		paths:    paths,
		gatherer: gatherer,
	}
}

// Handler returns the routing mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /locators", s.handleListLocators)
	mux.HandleFunc("GET /locators/{address}", s.handleGetLocator)
	mux.HandleFunc("GET /paths", s.handlePaths)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// Start binds the listen address and serves in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", ln.Addr())

		if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"address": s.self.String(),
	})
}

// locatorView is the JSON form of a locator.
type locatorView struct {
	Subject   string   `json:"subject"`
	Signer    string   `json:"signer"`
	Timestamp int64    `json:"timestamp"`
	Proxy     bool     `json:"proxy"`
	Endpoints []string `json:"endpoints"`
	Key       string   `json:"key"`
}

// newLocatorView converts a locator for output.
func newLocatorView(loc *locator.Locator) locatorView {
	eps := loc.Endpoints()
	names := make([]string, len(eps))
	for i, ep := range eps {
		names[i] = ep.String()
	}

	key := loc.Key()

	return locatorView{
		Subject:   loc.Subject().String(),
		Signer:    loc.Signer().String(),
		Timestamp: loc.Timestamp(),
		Proxy:     loc.IsProxySigned(),
		Endpoints: names,
		Key:       hex.EncodeToString(key[:]),
	}
}

// errListFull stops iteration at the requested limit.
var errListFull = errors.New("list full")

// handleListLocators handles GET /locators?limit=N requests.
func (s *Server) handleListLocators(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxListLimit)
	}

	views := []locatorView{}

	err := s.locators.Iterate(func(loc *locator.Locator) error {
		views = append(views, newLocatorView(loc))
		if len(views) == limit {
			return errListFull
		}
		return nil
	})
	if err != nil && !errors.Is(err, errListFull) {
		logger.Warn("list locators", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read locators")
		return
	}

	writeJSON(w, http.StatusOK, views)
}

// handleGetLocator handles GET /locators/{address} requests. With
// ?format=binary the signed wire encoding is returned instead of JSON.
func (s *Server) handleGetLocator(w http.ResponseWriter, r *http.Request) {
	addr, err := identity.ParseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}

	loc, err := s.locators.Get(addr)
	if err != nil {
		logger.Warn("get locator", "address", addr, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read locator")
		return
	}

	if loc == nil {
		writeError(w, http.StatusNotFound, "locator not found")
		return
	}

	if r.URL.Query().Get("format") == "binary" {
		data, err := loc.MarshalBinary()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to encode locator")
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}

	writeJSON(w, http.StatusOK, newLocatorView(loc))
}

// pathView is the JSON form of a path. Idle times are null when the
// activity has never happened.
type pathView struct {
	Endpoint          string `json:"endpoint"`
	Socket            string `json:"socket"`
	Interface         string `json:"interface"`
	Instance          uint64 `json:"instance"`
	AgeMillis         int64  `json:"ageMillis"`
	SendIdleMillis    *int64 `json:"sendIdleMillis"`
	ReceiveIdleMillis *int64 `json:"receiveIdleMillis"`
	PendingPackets    int    `json:"pendingPackets"`
	Status            string `json:"status"`
}

// idle returns now - last, or nil for path.NeverTicks.
func idle(now, last int64) *int64 {
	if last == path.NeverTicks {
		return nil
	}

	d := now - last
	return &d
}

// handlePaths handles GET /paths requests.
func (s *Server) handlePaths(w http.ResponseWriter, r *http.Request) {
	now := s.paths.Ticks()
	paths := s.paths.Paths()

	views := make([]pathView, 0, len(paths))
	for _, p := range paths {
		views = append(views, pathView{
			Endpoint:          p.Endpoint.String(),
			Socket:            p.LocalSocket,
			Interface:         p.LocalInterface,
			Instance:          p.InstanceID(),
			AgeMillis:         now - p.CreateTicks(),
			SendIdleMillis:    idle(now, p.LastSendTicks()),
			ReceiveIdleMillis: idle(now, p.LastReceiveTicks()),
			PendingPackets:    p.PendingAssemblies(),
			Status:            p.Classify(now).String(),
		})
	}

	writeJSON(w, http.StatusOK, views)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
