package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"grimm.is/foreman/internal/auth"
	"grimm.is/foreman/internal/broker"
	"grimm.is/foreman/internal/clock"
	"grimm.is/foreman/internal/config"
	"grimm.is/foreman/internal/events"
	"grimm.is/foreman/internal/lifecycle"
	"grimm.is/foreman/internal/logging"
	"grimm.is/foreman/internal/metrics"
	"grimm.is/foreman/internal/protocol"
	"grimm.is/foreman/internal/ratelimit"
	"grimm.is/foreman/internal/registry"
	"grimm.is/foreman/internal/trace"
)

// Options wires the server to the orchestrator.
type Options struct {
	Config    *config.ServerConfig
	Lifecycle *lifecycle.Service
	Registry  *registry.Registry
	Broker    *broker.Broker
	Traces    *trace.Aggregator
	Events    *events.Hub
	Identity  auth.Identity
	// Limiter bounds command submissions per user; nil allows everything.
	Limiter *ratelimit.Limiter
	// HeartbeatInterval is announced to agents in AGENT_REGISTERED.
	HeartbeatInterval time.Duration
	// Ready backs /healthz, typically a store ping.
	Ready    func(ctx context.Context) error
	Gatherer prometheus.Gatherer
	Clock    clock.Clock
	Logger   *logging.Logger
	Metrics  *metrics.Registry
}

// Server is the HTTP and WebSocket front end.
type Server struct {
	listen         string
	maxConns       int
	maxMessageSize int
	sendBuffer     int
	clockSkew      time.Duration
	closeDelay     time.Duration
	pingInterval   time.Duration
	seenIDs        int
	heartbeat      time.Duration

	lifecycle *lifecycle.Service
	registry  *registry.Registry
	broker    *broker.Broker
	traces    *trace.Aggregator
	events    *events.Hub
	identity  auth.Identity
	limiter   *ratelimit.Limiter
	ready     func(ctx context.Context) error
	gatherer  prometheus.Gatherer
	clock     clock.Clock
	logger    *logging.Logger
	metrics   *metrics.Registry

	upgrader websocket.Upgrader
	handler  http.Handler

	sessions sync.WaitGroup
}

// NewServer builds the server and its routes.
func NewServer(opts Options) *Server {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default().Server
	}
	s := &Server{
		listen:         cfg.Listen,
		maxConns:       cfg.MaxConnections,
		maxMessageSize: cfg.MaxMessageSize,
		sendBuffer:     cfg.SendBuffer,
		clockSkew:      cfg.ClockSkewDuration(),
		closeDelay:     cfg.CloseDelayDuration(),
		pingInterval:   cfg.PingIntervalDuration(),
		seenIDs:        cfg.SeenIDs,
		heartbeat:      opts.HeartbeatInterval,
		lifecycle:      opts.Lifecycle,
		registry:       opts.Registry,
		broker:         opts.Broker,
		traces:         opts.Traces,
		events:         opts.Events,
		identity:       opts.Identity,
		limiter:        opts.Limiter,
		ready:          opts.Ready,
		gatherer:       opts.Gatherer,
		clock:          clock.OrReal(opts.Clock),
		logger:         logging.OrDefault(opts.Logger).WithComponent("api"),
		metrics:        metrics.OrGet(opts.Metrics),
	}
	if s.maxMessageSize <= 0 {
		s.maxMessageSize = broker.DefaultMaxMessageSize
	}
	if s.heartbeat <= 0 {
		s.heartbeat = 10 * time.Second
	}
	if s.identity == nil {
		s.identity = auth.HeaderIdentity{Header: cfg.UserHeader, Anonymous: "anonymous"}
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	s.handler = s.accessLog(s.initRoutes())
	return s
}

// originChecker enforces same-origin WebSocket upgrades unless the origin is
// explicitly allowed. Requests without an Origin header (agents, CLIs) pass.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(allowed, origin) || slices.Contains(allowed, "*") {
			return true
		}
		if strings.Contains(origin, "://localhost:") || strings.Contains(origin, "://127.0.0.1:") {
			return true
		}
		_, host, ok := strings.Cut(origin, "://")
		return ok && host == r.Host
	}
}

func (s *Server) initRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	users := auth.NewMiddleware(s.identity)

	mux.HandleFunc("GET /ws/agent", s.handleAgentWS)
	mux.HandleFunc("GET /ws/dashboard", s.handleDashboardWS)

	mux.Handle("POST /api/commands", users.RequireUser(http.HandlerFunc(s.handleCreateCommand)))
	mux.HandleFunc("GET /api/commands", s.handleListCommands)
	mux.HandleFunc("GET /api/commands/{id}", s.handleGetCommand)
	mux.Handle("POST /api/commands/{id}/execute", users.RequireUser(http.HandlerFunc(s.handleExecuteCommand)))
	mux.Handle("POST /api/commands/{id}/interrupt", users.RequireUser(http.HandlerFunc(s.handleInterruptCommand)))
	mux.HandleFunc("GET /api/agents", s.handleAgents)
	mux.HandleFunc("GET /api/connections", s.handleConnections)
	mux.HandleFunc("GET /api/queue/metrics", s.handleQueueMetrics)
	mux.HandleFunc("GET /api/traces/{commandId}", s.handleTrace)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe listens on the configured address, bounded to the
// configured connection count, and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.listen, err)
	}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the dashboard fan-out and the HTTP server on ln until ctx
// ends, then shuts down: every connection receives connection:closing and
// is closed with the server-shutdown code after the close delay.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	fanCtx, stopFan := context.WithCancel(context.Background())
	fanDone := make(chan struct{})
	go func() {
		defer close(fanDone)
		s.fanout(fanCtx)
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("listening", "addr", ln.Addr().String())

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	s.shutdown(srv)
	stopFan()
	<-fanDone
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	return serveErr
}

func (s *Server) shutdown(srv *http.Server) {
	s.logger.Info("shutting down")
	closing := protocol.MustNew(protocol.MsgConnectionClosing, &protocol.ConnectionClosingPayload{
		Reason: "server shutdown",
		Code:   protocol.CloseServerShutdown,
	})
	for _, c := range s.broker.Connections() {
		s.broker.SendToConnection(c.ID, closing)
	}
	if s.closeDelay > 0 {
		time.Sleep(s.closeDelay)
	}
	s.broker.CloseAll(protocol.CloseServerShutdown, "server shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("sessions still open after shutdown")
	}
}
