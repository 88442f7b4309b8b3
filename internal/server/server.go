// ABOUTME: Bridge daemon: runs the session bridge next to HTTP and gRPC health endpoints
// ABOUTME: Manages listener setup, log reachability reporting and graceful shutdown

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/aetherbus/internal/auth"
	"github.com/2389/aetherbus/internal/bridge"
	"github.com/2389/aetherbus/internal/metrics"
	"github.com/2389/aetherbus/internal/registry"
	"github.com/2389/aetherbus/internal/session"
	"github.com/2389/aetherbus/internal/store"
	"github.com/2389/aetherbus/internal/transport"
)

// ServiceName is the gRPC health service reporting whether the log is reachable.
const ServiceName = "aetherbus.bridge"

const (
	defaultHealthInterval = 5 * time.Second
	healthTimeout         = 2 * time.Second
	shutdownTimeout       = 5 * time.Second
)

// Components are the parts a Server runs. Store, Directory and Operators are optional.
type Components struct {
	Transport *transport.Transport
	Bridge    *bridge.Bridge
	Store     store.Store
	Directory *registry.Directory
	// Operators verifies bearer tokens on mutating endpoints. Nil leaves them open.
	Operators auth.TokenVerifier
}

// Options holds listener addresses. An empty address disables that listener.
type Options struct {
	HTTPAddr       string
	GRPCAddr       string
	HealthInterval time.Duration
}

// Server owns the bridge and its operator surfaces.
type Server struct {
	c      Components
	opts   Options
	logger *slog.Logger

	sessions   *session.Registry
	health     *health.Server
	grpcServer *grpc.Server
	httpServer *http.Server
	bridgeDone chan struct{}
}

// New wires the HTTP routes and the gRPC health service.
func New(c Components, opts Options, logger *slog.Logger) (*Server, error) {
	if c.Transport == nil || c.Bridge == nil {
		return nil, errors.New("server: transport and bridge are required")
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaultHealthInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Register()

	s := &Server{
		c:          c,
		opts:       opts,
		logger:     logger.With("component", "server"),
		sessions:   c.Bridge.Sessions(),
		health:     health.NewServer(),
		bridgeDone: make(chan struct{}),
	}

	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	s.httpServer = &http.Server{
		Addr:              opts.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{code}", s.handleGetSession)
	mux.HandleFunc("GET /sessions/{code}/ledger", s.handleLedger)
	mux.Handle("POST /sessions/{code}/terminate", auth.RequireOperator(s.c.Operators)(http.HandlerFunc(s.handleTerminate)))
	mux.HandleFunc("GET /agents", s.handleAgents)
	return mux
}

// handleHealth returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the log answers a ping.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.c.Transport.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "log unreachable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "sessions": len(s.sessions.List())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.sessions.List(),
		"counts":   s.sessions.Counts(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if info, ok := s.sessions.Lookup(code); ok {
		writeJSON(w, http.StatusOK, info)
		return
	}
	// Terminated sessions are only in the store.
	if s.c.Store != nil {
		rec, err := s.c.Store.GetSession(r.Context(), code)
		if err == nil {
			writeJSON(w, http.StatusOK, session.Info{
				Code:       rec.Code,
				State:      rec.State,
				Cursor:     rec.Cursor,
				ReplyTo:    rec.ReplyTo,
				Transcript: rec.TranscriptPath,
				CreatedAt:  rec.CreatedAt,
				LastActive: rec.UpdatedAt,
			})
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown session")
}

type ledgerEntry struct {
	ID            string    `json:"id"`
	Direction     string    `json:"direction"`
	EnvelopeID    string    `json:"envelope_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Stream        string    `json:"stream"`
	EnvelopeType  string    `json:"envelope_type"`
	Author        string    `json:"author,omitempty"`
	Text          *string   `json:"text,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if s.c.Store == nil {
		writeError(w, http.StatusNotImplemented, "no store configured")
		return
	}
	params := store.GetEntriesParams{
		SessionCode: r.PathValue("code"),
		Cursor:      r.URL.Query().Get("cursor"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		params.Limit = n
	}
	res, err := s.c.Store.GetEntries(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries := make([]ledgerEntry, 0, len(res.Entries))
	for _, e := range res.Entries {
		entries = append(entries, ledgerEntry{
			ID:            e.ID,
			Direction:     string(e.Direction),
			EnvelopeID:    e.EnvelopeID,
			CorrelationID: e.CorrelationID,
			Stream:        e.Stream,
			EnvelopeType:  e.EnvelopeType,
			Author:        e.Author,
			Text:          e.Text,
			Timestamp:     e.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":     entries,
		"next_cursor": res.NextCursor,
		"has_more":    res.HasMore,
	})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	reason := "operator"
	if who := auth.OperatorFromContext(r.Context()); who != "" {
		reason = "operator " + who
	}
	if err := s.sessions.Terminate(r.Context(), code, reason); err != nil {
		if errors.Is(err, session.ErrUnknownSession) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.SetSessions(s.sessions.Counts())
	s.logger.Info("session terminated by operator", "session", code, "reason", reason)
	writeJSON(w, http.StatusOK, map[string]string{"session_code": code, "state": session.StateTerminated.String()})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if s.c.Directory == nil {
		writeJSON(w, http.StatusOK, map[string]any{"agents": []registry.AgentInfo{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.c.Directory.List()})
}

// checkHealth updates the gRPC health status from a log ping.
func (s *Server) checkHealth(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	status := healthpb.HealthCheckResponse_SERVING
	err := s.c.Transport.Ping(pctx)
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.health.SetServingStatus("", status)
	return err == nil
}

func (s *Server) watchLog(ctx context.Context) {
	healthy := s.checkHealth(ctx)
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok := s.checkHealth(ctx)
			if ok != healthy {
				if ok {
					s.logger.Info("log reachable again")
				} else {
					s.logger.Warn("log unreachable")
				}
				healthy = ok
			}
		}
	}
}

// setupListeners creates TCP listeners for the configured addresses.
func (s *Server) setupListeners() (grpcLn, httpLn net.Listener, err error) {
	if s.opts.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", s.opts.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	if s.opts.HTTPAddr != "" {
		httpLn, err = net.Listen("tcp", s.opts.HTTPAddr)
		if err != nil {
			if grpcLn != nil {
				_ = grpcLn.Close()
			}
			return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
		}
	}
	return grpcLn, httpLn, nil
}

// startServers starts the listeners and the bridge in goroutines, returning the error channel.
func (s *Server) startServers(ctx context.Context, grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 3)

	if grpcLn != nil {
		go func() {
			s.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	if httpLn != nil {
		go func() {
			s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
			if err := s.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
	}

	go func() {
		defer close(s.bridgeDone)
		if err := s.c.Bridge.Run(ctx); err != nil {
			errCh <- fmt.Errorf("bridge: %w", err)
		}
	}()

	return errCh
}

// Run starts the bridge and listeners and blocks until ctx is canceled.
// Returns nil on graceful shutdown, or the first server error.
func (s *Server) Run(ctx context.Context) error {
	grpcLn, httpLn, err := s.setupListeners()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.watchLog(runCtx)

	errCh := s.startServers(runCtx, grpcLn, httpLn)

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	select {
	case <-s.bridgeDone:
	case <-shutdownCtx.Done():
		s.logger.Warn("bridge did not stop before shutdown deadline")
	}
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown stops the listeners, terminates every session and closes the store and log.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down bridge")
	s.health.Shutdown()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}

	s.sessions.Close(ctx)

	if s.c.Store != nil {
		if err := s.c.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if err := s.c.Transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("log close: %w", err))
	}
	return errors.Join(errs...)
}
