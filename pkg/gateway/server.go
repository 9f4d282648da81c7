// Package gateway exposes live execution updates over websockets and the
// drill trigger surface over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/drillops/internal/observability"
	"github.com/harun/drillops/internal/tracing"
	"github.com/harun/drillops/pkg/drill"
	"github.com/harun/drillops/pkg/events"
	"github.com/harun/drillops/pkg/scheduler"
	"github.com/harun/drillops/pkg/testrun"
)

// DrillController is the scheduler surface driven by operators.
type DrillController interface {
	Start(ctx context.Context, drillID, scenarioID string, stepIDs []string) error
	Retry(ctx context.Context, drillID, stepID, scenarioID string) error
	Skip(ctx context.Context, drillID, stepID string) error
	ForceOverride(ctx context.Context, drillID, stepID string, status drill.Status, reason, actor string) (drill.StepRecord, error)
	ConfirmScenario(ctx context.Context, drillID, scenarioID string, finalStatus drill.Status, reason string) (drill.ScenarioRecord, error)
	EvaluateCriterion(ctx context.Context, drillID, criterionID string, status drill.CriterionStatus, checkedBy string) (drill.CriterionRecord, error)
	Snapshot(drillID string) (scheduler.Snapshot, bool)
	ActiveDrills() []string
}

// TestRunner starts and aborts scenario test runs.
type TestRunner interface {
	Start(ctx context.Context, scenarioID string) (*testrun.Run, error)
	Abort(scenarioID string) error
}

// RecordReader is the full-state query surface.
type RecordReader interface {
	ListStepRecords(ctx context.Context, drillID string) ([]drill.StepRecord, error)
}

// Topics attaches subscribers to broadcast topics.
type Topics interface {
	Subscribe(topic string, sub events.Subscriber) func()
}

// Server is the main Gateway Server
type Server struct {
	host         string
	port         int
	server       *http.Server
	listener     net.Listener
	upgrader     websocket.Upgrader
	clients      *ClientRegistry
	authHandler  *AuthHandler
	validator    *CommandValidator
	topics       Topics
	drills       DrillController
	testRuns     TestRunner
	records      RecordReader
	writeTimeout time.Duration
	rateLimit    int
	rateWindow   time.Duration
	logger       zerolog.Logger

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	conns          sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	SharedSecret   string
	Topics         Topics
	Drills         DrillController
	TestRuns       TestRunner
	Records        RecordReader
	WriteTimeout   time.Duration
	RateLimit      int
	RateWindow     time.Duration
	Logger         zerolog.Logger
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Topics == nil {
		return nil, fmt.Errorf("topics are required")
	}
	if cfg.Drills == nil {
		return nil, fmt.Errorf("drill controller is required")
	}
	if cfg.TestRuns == nil {
		return nil, fmt.Errorf("test runner is required")
	}
	if cfg.Records == nil {
		return nil, fmt.Errorf("record reader is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 30
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}

	validator, err := NewCommandValidator()
	if err != nil {
		return nil, err
	}

	s := &Server{
		host:         cfg.Host,
		port:         cfg.Port,
		clients:      NewClientRegistry(),
		authHandler:  NewAuthHandler(cfg.SharedSecret),
		validator:    validator,
		topics:       cfg.Topics,
		drills:       cfg.Drills,
		testRuns:     cfg.TestRuns,
		records:      cfg.Records,
		writeTimeout: cfg.WriteTimeout,
		rateLimit:    cfg.RateLimit,
		rateWindow:   cfg.RateWindow,
		logger:       cfg.Logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(cfg.AllowedOrigins),
		},
	}
	return s, nil
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/execution/{drillID}", s.handleExecutionSocket)
	mux.HandleFunc("GET /ws/scenario_test/{scenarioID}", s.handleTestRunSocket)
	s.registerAPI(mux)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"clients": s.clients.Count(),
			"drills":  len(s.drills.ActiveDrills()),
		})
	})
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the Gateway Server
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	// Hijacked websocket connections are not closed by Shutdown.
	for _, client := range s.clients.GetAll() {
		_ = client.Close()
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

type commandHandler func(ctx context.Context, client *Client, message []byte)

func (s *Server) handleExecutionSocket(w http.ResponseWriter, r *http.Request) {
	drillID := r.PathValue("drillID")
	s.serveSocket(w, r, events.ExecutionTopic(drillID), func(ctx context.Context, client *Client, message []byte) {
		s.handleExecutionCommand(tracing.NewDrillContext(ctx, drillID), client, drillID, message)
	})
}

func (s *Server) handleTestRunSocket(w http.ResponseWriter, r *http.Request) {
	scenarioID := r.PathValue("scenarioID")
	s.serveSocket(w, r, events.ScenarioTestTopic(scenarioID), func(ctx context.Context, client *Client, message []byte) {
		s.handleTestRunCommand(tracing.WithScenarioID(ctx, scenarioID), client, scenarioID, message)
	})
}

// serveSocket upgrades the request, subscribes the connection to topic and
// reads commands until the peer disconnects or the topic is closed.
func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request, topic string, handle commandHandler) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		_ = conn.Close()
		return
	}
	client := newClient(clientID, topic, conn, r.RemoteAddr, s.writeTimeout,
		NewClientRateLimiterWithLimits(s.rateLimit, s.rateWindow))

	s.conns.Add(1)
	defer s.conns.Done()

	s.clients.Add(client)
	unsubscribe := s.topics.Subscribe(topic, client)
	defer func() {
		unsubscribe()
		_ = client.Close()
		s.clients.Remove(clientID)
		s.logger.Info().Str("clientId", clientID).Str("topic", topic).Msg("Client disconnected")
	}()

	s.logger.Info().
		Str("clientId", clientID).
		Str("topic", topic).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	ctx := withSubscriber(tracing.NewRequestContext(context.Background()), clientID, topic)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", clientID).Msg("WebSocket error")
			}
			return
		}
		client.touch()
		handle(ctx, client, message)
	}
}

func (s *Server) handleExecutionCommand(ctx context.Context, client *Client, drillID string, message []byte) {
	logger := commandLogger(ctx, s.logger)

	reject := func(stepID, msg string) {
		reply := events.ExecutionEvent{
			Type:      events.ExecutionError,
			DrillID:   drillID,
			Timestamp: time.Now().UnixMilli(),
			StepID:    stepID,
			Error:     msg,
		}
		if err := client.WriteJSON(reply); err != nil {
			logger.Warn().Err(err).Msg("Failed to send command rejection")
		}
	}

	if !client.rateLimiter.Allow() {
		reject("", "rate limit exceeded")
		return
	}
	if err := s.validator.ValidateExecution(message); err != nil {
		reject("", err.Error())
		return
	}

	var cmd events.ClientCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		reject("", "malformed command")
		return
	}

	logger.Info().Str("command", cmd.Type).Str("step_id", cmd.StepID).Msg("Received client command")

	var err error
	switch cmd.Type {
	case events.CommandRetryStep:
		err = s.drills.Retry(ctx, drillID, cmd.StepID, cmd.ScenarioID)
	case events.CommandSkipStep:
		err = s.drills.Skip(ctx, drillID, cmd.StepID)
	}
	if err != nil {
		logger.Warn().Err(err).Str("command", cmd.Type).Msg("Client command rejected")
		reject(cmd.StepID, err.Error())
	}
}

func (s *Server) handleTestRunCommand(ctx context.Context, client *Client, scenarioID string, message []byte) {
	logger := commandLogger(ctx, s.logger)

	reject := func(msg string) {
		if err := client.WriteJSON(events.TestRunMessage{Type: events.TestRunErrorType, Data: msg}); err != nil {
			logger.Warn().Err(err).Msg("Failed to send command rejection")
		}
	}

	if !client.rateLimiter.Allow() {
		reject("rate limit exceeded")
		return
	}
	if err := s.validator.ValidateTestRun(message); err != nil {
		reject(err.Error())
		return
	}

	if err := s.testRuns.Abort(scenarioID); err != nil {
		logger.Warn().Err(err).Msg("Abort rejected")
		reject(err.Error())
		return
	}
	logger.Info().Msg("Test run aborted by client")
}
