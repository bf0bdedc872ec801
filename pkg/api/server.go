// Package api exposes a store over HTTP and provides a client that reaches a
// remote store through the same endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vjranagit/historian/pkg/store"
	"github.com/vjranagit/historian/pkg/storeerr"
	"github.com/vjranagit/historian/pkg/types"
)

// IdentityHeader carries the name of the user a request runs for.
const IdentityHeader = "X-Identity"

// Puller is implemented by stores that answer long-poll pull queries.
type Puller interface {
	Pull(ctx context.Context, q *types.StoreValuesQuery, timeout time.Duration, id *types.Identity) *types.StoreValues
}

// Purger is implemented by stores that can drop history.
type Purger interface {
	Purge(ctx context.Context, point types.PointRef, interval types.TimeInterval, id *types.Identity) (int, error)
}

// Options holds HTTP server configuration
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxPullTimeout caps the wait a pull request may ask for.
	MaxPullTimeout time.Duration
	Gatherer       prometheus.Gatherer
	// Notices streams committed values; the route is left out when nil.
	Notices http.Handler
	Logger  *slog.Logger
}

// Server implements the HTTP API server
type Server struct {
	store  store.Store
	opts   Options
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a new API server
func NewServer(st store.Store, opts Options) *Server {
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 2 * time.Minute
	}
	if opts.MaxPullTimeout == 0 {
		opts.MaxPullTimeout = time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  st,
		opts:   opts,
		logger: logger.With("component", "api"),
	}
}

// Handler returns the routes of the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/select", s.handleSelect)
	mux.HandleFunc("/api/v1/update", s.handleUpdate)
	mux.HandleFunc("/api/v1/pull", s.handlePull)
	mux.HandleFunc("/api/v1/purge", s.handlePurge)
	if s.opts.Notices != nil {
		mux.Handle("/api/v1/notices", s.opts.Notices)
	}
	mux.HandleFunc("/health", s.handleHealth)

	if s.opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	s.logger.Info("HTTP server listening", "addr", s.opts.Addr, "store", s.store.Name())
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

type selectRequest struct {
	Queries []*types.StoreValuesQuery `json:"queries"`
}

type selectResponse struct {
	Responses []*types.StoreValues `json:"responses"`
}

type updateRequest struct {
	Values []*types.VersionedValue `json:"values"`
}

type updateResponse struct {
	Errors []*types.ErrorJSON `json:"errors"`
}

type pullRequest struct {
	Query *types.StoreValuesQuery `json:"query"`
	// Timeout is the longest wait for a change, in milliseconds.
	Timeout int64 `json:"timeout_ms,omitempty"`
}

type purgeRequest struct {
	Point    types.PointRef     `json:"point"`
	Interval types.TimeInterval `json:"interval"`
}

type purgeResponse struct {
	Removed int              `json:"removed"`
	Error   *types.ErrorJSON `json:"error,omitempty"`
}

func identity(r *http.Request) *types.Identity {
	return types.User(r.Header.Get(IdentityHeader))
}

func decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) reply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

// handleSelect runs a batch of queries
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !decode(w, r, &req) {
		return
	}

	responses := s.store.Select(r.Context(), req.Queries, identity(r))
	if responses == nil {
		http.Error(w, "Store closed", http.StatusServiceUnavailable)
		return
	}
	s.reply(w, http.StatusOK, selectResponse{Responses: responses})
}

// handleUpdate runs a batch of updates
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if !decode(w, r, &req) {
		return
	}

	errs := s.store.Update(r.Context(), req.Values, identity(r))
	if errs == nil && len(req.Values) > 0 {
		http.Error(w, "Store closed", http.StatusServiceUnavailable)
		return
	}
	out := make([]*types.ErrorJSON, len(errs))
	for i, err := range errs {
		out[i] = types.NewErrorJSON(err)
	}
	s.reply(w, http.StatusOK, updateResponse{Errors: out})
}

// handlePull waits for changes after a version
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	puller, ok := s.store.(Puller)
	if !ok {
		http.Error(w, "Pull not supported", http.StatusNotImplemented)
		return
	}
	var req pullRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Query == nil {
		http.Error(w, "Missing query", http.StatusBadRequest)
		return
	}

	timeout := min(time.Duration(req.Timeout)*time.Millisecond, s.opts.MaxPullTimeout)
	s.reply(w, http.StatusOK, puller.Pull(r.Context(), req.Query, timeout, identity(r)))
}

// handlePurge drops the history of a point
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	purger, ok := s.store.(Purger)
	if !ok {
		http.Error(w, "Purge not supported", http.StatusNotImplemented)
		return
	}
	var req purgeRequest
	if !decode(w, r, &req) {
		return
	}

	removed, err := purger.Purge(r.Context(), req.Point, req.Interval, identity(r))
	status := http.StatusOK
	switch storeerr.KindOf(err) {
	case storeerr.KindUnknown:
		if err != nil {
			status = http.StatusInternalServerError
		}
	case storeerr.KindPointUnknown:
		status = http.StatusNotFound
	case storeerr.KindUnauthorized:
		status = http.StatusForbidden
	case storeerr.KindServiceUnavailable:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}
	s.reply(w, status, purgeResponse{Removed: removed, Error: types.NewErrorJSON(err)})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.store.Probe(r.Context()) {
		s.reply(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"store":  s.store.Name(),
		})
		return
	}
	s.reply(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"store":  s.store.Name(),
	})
}
