// Package server provides HTTP and WebSocket server infrastructure for the scan agent.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dotside-studios/davi-scan-agent/buildinfo"
	"github.com/dotside-studios/davi-scan-agent/protocol"
	"github.com/dotside-studios/davi-scan-agent/scanner"
)

// ErrNoClientConnected is returned by Broadcast when nobody is listening.
var ErrNoClientConnected = errors.New("no client connected")

// CAProvider supplies the PEM-encoded CA certificate served at /ca.pem.
type CAProvider interface {
	ReadCACert() ([]byte, error)
}

// Config holds the server configuration
type Config struct {
	Session     *scanner.Session
	Permissions *ClientPermissionService // Optional; prompts are sent to the client
	Port        int
	APISecret   string // Optional API secret for WebSocket connection
	Workers     int

	// TLS. When CertFile and KeyFile are set the server speaks https/wss.
	CertFile string
	KeyFile  string
	CA       CAProvider

	DisableMDNS bool
}

// Server manages the HTTP and WebSocket server
type Server struct {
	config     Config
	log        zerolog.Logger
	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc

	// The single host app connection (first come, first served)
	client   *Client
	clientMu sync.Mutex
	upgrader websocket.Upgrader

	handlerRegistry *HandlerRegistry
	pool            *workerPool

	statusCh chan scanner.Status

	// mDNS service for auto-discovery
	mdnsServer *zeroconf.Server
}

// New creates a new server instance
func New(config Config) *Server {
	s := &Server{
		config: config,
		log:    log.With().Str("component", "server").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		handlerRegistry: NewHandlerRegistry(),
		pool:            newWorkerPool(config.Workers),
		statusCh:        make(chan scanner.Status, 16),
	}

	if config.Permissions != nil {
		config.Permissions.bind(s.Broadcast)
	}

	if config.Session != nil {
		NewScannerHandler(config.Session, config.Permissions).Register(s)
	}
	s.StartLifecycle(s.runStatusPump)

	return s
}

// Handle implements HandlerServer interface.
func (s *Server) Handle(messageType string, handler HandlerFunc) error {
	return s.handlerRegistry.Handle(messageType, handler)
}

// HandleInline implements HandlerServer interface.
func (s *Server) HandleInline(messageType string, handler HandlerFunc) error {
	return s.handlerRegistry.HandleInline(messageType, handler)
}

// StartLifecycle implements HandlerServer interface.
func (s *Server) StartLifecycle(start func(ctx context.Context)) {
	s.handlerRegistry.RegisterLifecycle(start)
}

// Broadcast sends a message to the connected client.
func (s *Server) Broadcast(msg protocol.WebSocketMessage) error {
	s.clientMu.Lock()
	client := s.client
	s.clientMu.Unlock()

	if client == nil {
		return ErrNoClientConnected
	}
	return client.Send(msg)
}

// NotifyStatus queues a session status change for the client. It never
// blocks; when the queue is full the oldest snapshot is dropped.
func (s *Server) NotifyStatus(st scanner.Status) {
	for {
		select {
		case s.statusCh <- st:
			return
		default:
		}
		select {
		case <-s.statusCh:
		default:
		}
	}
}

func (s *Server) runStatusPump(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case st := <-s.statusCh:
				err := s.Broadcast(protocol.WebSocketMessage{
					Type:    protocol.WSTypeDeviceStatus,
					Payload: statusPayload(st),
				})
				if err != nil && !errors.Is(err, ErrNoClientConnected) {
					s.log.Debug().Err(err).Msg("status broadcast failed")
				}
			}
		}
	}()
}

// HasClient reports whether a host app is connected.
func (s *Server) HasClient() bool {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	return s.client != nil
}

func statusPayload(st scanner.Status) protocol.DeviceStatusPayload {
	return protocol.DeviceStatusPayload{
		Mode:              st.Mode.String(),
		Connected:         st.Connected,
		Scanning:          st.Scanning,
		Discovering:       st.Discovering,
		Address:           st.Address,
		PermissionPending: st.PermissionPending,
		Message:           st.Message,
	}
}

// enableCORS is a middleware that adds CORS headers to responses
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", CORSAllowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", CORSAllowMethods)
		w.Header().Set("Access-Control-Allow-Headers", CORSAllowHeaders)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler returns the HTTP handler with every route mounted.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(enableCORS)

	r.HandleFunc(RouteHealth, s.handleHealthCheck).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc(RouteStatus, s.handleStatus).Methods(http.MethodGet, http.MethodOptions)
	if s.config.CA != nil {
		r.HandleFunc(RouteCA, s.handleCACert).Methods(http.MethodGet)
	}
	r.HandleFunc(RouteWS, s.handleWebSocket)
	r.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(buildinfo.DisplayName + " Server Running"))
	})

	return r
}

// Start starts the HTTP server and blocks until ctx is cancelled, Stop is
// called, or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.CertFile != "" && s.config.KeyFile != "" {
			s.log.Info().Str("addr", s.httpServer.Addr).Msg("starting server (TLS)")
			err = s.httpServer.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			s.log.Info().Str("addr", s.httpServer.Addr).Msg("starting server")
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if !s.config.DisableMDNS {
		if err := s.startMDNS(); err != nil {
			s.log.Warn().Err(err).Msg("failed to start mDNS service, auto-discovery will not be available")
		}
	}

	s.handlerRegistry.StartLifecycleHandlers(s.ctx)
	s.log.Debug().Strs("types", s.handlerRegistry.MessageTypes()).Msg("message handlers registered")

	select {
	case <-s.ctx.Done():
		s.log.Info().Msg("server context cancelled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.cancel()
		return fmt.Errorf("HTTP server error: %w", err)
	}
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop() {
	if s.mdnsServer != nil {
		s.mdnsServer.Shutdown()
		s.mdnsServer = nil
		s.log.Info().Msg("mDNS service stopped")
	}

	s.clientMu.Lock()
	client := s.client
	s.clientMu.Unlock()
	if client != nil {
		client.close()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("server shutdown error")
		}
		s.httpServer = nil
	}
	s.pool.Wait()
	if s.cancel != nil {
		s.cancel()
	}
}

// startMDNS registers the agent as an mDNS service for auto-discovery
func (s *Server) startMDNS() error {
	scheme := "ws"
	if s.config.CertFile != "" {
		scheme = "wss"
	}
	txtRecords := []string{
		"version=" + buildinfo.Version,
		"protocol=" + scheme,
		"path=" + RouteWS,
	}

	server, err := zeroconf.Register(MDNSServiceName, MDNSServiceType, MDNSDomain, s.config.Port, txtRecords, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	s.mdnsServer = server
	s.log.Info().Str("service", MDNSServiceName).Int("port", s.config.Port).Msg("mDNS service registered")
	return nil
}

// claim takes the single client slot. It returns false if a client
// already holds it.
func (s *Server) claim(c *Client) bool {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	if s.client != nil {
		return false
	}
	s.client = c
	return true
}

func (s *Server) release(c *Client) {
	s.clientMu.Lock()
	if s.client == c {
		s.client = nil
	}
	s.clientMu.Unlock()
}

// handleWebSocket upgrades HTTP connections to WebSocket connections and manages
// the client connection lifecycle
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.config.APISecret != "" && r.URL.Query().Get("secret") != s.config.APISecret {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("WebSocket connection rejected: invalid API secret")
		http.Error(w, "Unauthorized: Invalid API secret", http.StatusUnauthorized)
		return
	}

	if s.HasClient() {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("WebSocket connection rejected: session already claimed")
		http.Error(w, "Session already claimed by another client", http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}

	client := newClient(conn, s.log)
	if !s.claim(client) {
		// Lost the race against another upgrade.
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session already claimed"))
		conn.Close()
		return
	}

	client.log.Info().Str("remote", r.RemoteAddr).Msg("WebSocket connected")

	defer func() {
		s.release(client)
		client.close()
		if s.config.Permissions != nil {
			s.config.Permissions.Cancel()
		}
		client.log.Info().Msg("WebSocket disconnected, session released")
	}()

	if s.config.Session != nil {
		client.Send(protocol.WebSocketMessage{
			Type:    protocol.WSTypeDeviceStatus,
			Payload: statusPayload(s.config.Session.Status()),
		})
	}

	ctx := s.ctx
	if ctx == nil {
		ctx = r.Context()
	}
	s.readLoop(ctx, client)
}

// readLoop dispatches incoming requests until the connection drops.
func (s *Server) readLoop(ctx context.Context, client *Client) {
	for {
		messageType, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				client.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var req protocol.WebSocketRequest
		if err := json.Unmarshal(message, &req); err != nil {
			client.log.Warn().Err(err).Msg("failed to parse WebSocket message")
			client.sendError("", protocol.ErrCodeParseError, "Invalid message format")
			continue
		}

		handler, ok := s.handlerRegistry.Get(req.Type)
		if !ok {
			client.log.Warn().Str("type", req.Type).Msg("unknown message type")
			client.sendError(req.ID, protocol.ErrCodeUnknownType, fmt.Sprintf("Unknown message type: %s", req.Type))
			continue
		}

		run := func() {
			if err := handler(ctx, client, req); err != nil {
				// Error already sent by handler, just log it
				client.log.Debug().Err(err).Str("type", req.Type).Msg("handler error")
			}
		}

		if s.handlerRegistry.IsInline(req.Type) {
			run()
			continue
		}
		if !s.pool.TrySubmit(run) {
			client.ReplyError(req, protocol.ErrCodeBusy, "Agent is busy, try again")
		}
	}
}

// handleHealthCheck provides a health check endpoint (GET /api/v1/health)
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, protocol.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().Format(time.RFC3339),
		Version:   buildinfo.FullVersion(),
	})
}

// handleStatus returns the session snapshot (GET /api/v1/status)
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.config.Session == nil {
		http.Error(w, "No session configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, statusPayload(s.config.Session.Status()))
}

// handleCACert serves the CA certificate so devices can trust wss://
func (s *Server) handleCACert(w http.ResponseWriter, r *http.Request) {
	pem, err := s.config.CA.ReadCACert()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read CA certificate")
		http.Error(w, "CA certificate not available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", "attachment; filename=\"ca.pem\"")
	w.Write(pem)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
