// Package websocket streams classified telemetry to browser and
// dashboard clients. The server subscribes the fanout subjects on the
// bus and broadcasts every message to all connected WebSocket clients,
// at-most-once.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sirineelayeb/ai-robot-health-monitoring/component"
	"github.com/sirineelayeb/ai-robot-health-monitoring/errors"
	"github.com/sirineelayeb/ai-robot-health-monitoring/metric"
	"github.com/sirineelayeb/ai-robot-health-monitoring/natsclient"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Envelope wraps every outbound stream message so clients can
// discriminate subjects without parsing the payload.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Subject   string          `json:"subject"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Deps carries the stream server dependencies.
type Deps struct {
	Name            string
	Addr            string
	Path            string
	Subjects        []string
	NATSClient      *natsclient.Client
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Server bridges bus subjects to WebSocket clients.
type Server struct {
	name     string
	addr     string
	path     string
	subjects []string
	client   *natsclient.Client
	logger   *slog.Logger
	metrics  *serverMetrics

	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]*clientInfo
	clientsMu sync.RWMutex

	httpServer *http.Server
	listener   net.Listener

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	messageID    atomic.Uint64
	sent         atomic.Int64
	bytes        atomic.Int64
	errorCount   atomic.Int64
	lastActivity atomic.Value // time.Time
	startTime    time.Time
}

// clientInfo tracks one connection. gorilla/websocket forbids
// concurrent writes, so every write goes through writeMu.
type clientInfo struct {
	conn        *websocket.Conn
	connectedAt time.Time
	lastPong    atomic.Value // time.Time
	closed      atomic.Bool
	closeOnce   sync.Once
	writeMu     sync.Mutex
}

var _ component.LifecycleComponent = (*Server)(nil)

// New creates the stream server. A nil NATS client skips the bus
// subscription so the HTTP side can be exercised alone.
func New(deps Deps) (*Server, error) {
	if deps.Name == "" {
		deps.Name = "live-stream"
	}
	if deps.Addr == "" {
		deps.Addr = ":8081"
	}
	if deps.Path == "" {
		deps.Path = "/ws"
	}
	if len(deps.Subjects) == 0 {
		deps.Subjects = []string{"telemetry.>"}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", deps.Name)

	var registrar metric.MetricsRegistrar
	if deps.MetricsRegistry != nil {
		registrar = deps.MetricsRegistry
	}
	metrics, err := newServerMetrics(registrar, deps.Name)
	if err != nil {
		return nil, errors.Wrap(err, "websocket.Server", "New", "register metrics")
	}

	s := &Server{
		name:     deps.Name,
		addr:     deps.Addr,
		path:     deps.Path,
		subjects: deps.Subjects,
		client:   deps.NATSClient,
		logger:   logger,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards connect cross-origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients:   make(map[*websocket.Conn]*clientInfo),
		startTime: time.Now(),
	}
	s.lastActivity.Store(time.Time{})
	return s, nil
}

// Meta returns component metadata.
func (s *Server) Meta() component.Metadata {
	return component.Metadata{
		Name:        s.name,
		Type:        "output",
		Description: fmt.Sprintf("WebSocket stream on %s%s for subjects %v", s.addr, s.path, s.subjects),
		Version:     "1.0.0",
	}
}

// Health reports whether the server is accepting clients.
func (s *Server) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:    s.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(s.errorCount.Load()),
		Uptime:     time.Since(s.startTime),
	}
}

// DataFlow returns stream throughput metrics.
func (s *Server) DataFlow() component.FlowMetrics {
	sent := s.sent.Load()
	var perSecond, bytesPerSecond, errorRate float64
	if uptime := time.Since(s.startTime).Seconds(); uptime > 0 {
		perSecond = float64(sent) / uptime
		bytesPerSecond = float64(s.bytes.Load()) / uptime
	}
	if sent > 0 {
		errorRate = float64(s.errorCount.Load()) / float64(sent)
	}
	lastActivity, _ := s.lastActivity.Load().(time.Time)
	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates configuration before Start.
func (s *Server) Initialize() error {
	if s.path == "" || s.path[0] != '/' {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "websocket.Server", "Initialize",
			fmt.Sprintf("path %q must start with /", s.path))
	}
	return nil
}

// Start binds the listener, subscribes the bus subjects, and begins
// serving clients.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, "websocket.Server", "Start",
			fmt.Sprintf("bind %s", s.addr))
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.path, s.handleUpgrade)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.client != nil {
		for _, subject := range s.subjects {
			subject := subject
			err := s.client.Subscribe(subCtx, subject, func(msgCtx context.Context, data []byte) {
				s.handleBusMessage(msgCtx, subject, data)
			})
			if err != nil {
				cancel()
				_ = ln.Close()
				return errors.WrapTransient(err, "websocket.Server", "Start",
					fmt.Sprintf("subscribe %s", subject))
			}
		}
	}

	s.running.Store(true)
	s.startTime = time.Now()

	s.wg.Add(2)
	go s.serve(ln)
	go s.pingLoop(subCtx)

	s.logger.Info("stream server listening", "addr", ln.Addr().String(), "path", s.path)
	return nil
}

func (s *Server) serve(ln net.Listener) {
	defer s.wg.Done()
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		s.logger.Error("stream server stopped", "error", err)
		s.errorCount.Add(1)
	}
}

// Stop drains the server: unsubscribes, closes clients, shuts the
// listener down within the timeout.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)

	if s.cancel != nil {
		s.cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("stream server shutdown", "error", err)
	}

	s.closeAllClients()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("stream goroutines did not exit before timeout")
	}

	s.logger.Info("stream server stopped")
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.errorCount.Add(1)
		s.metrics.recordError("upgrade")
		return
	}

	info := &clientInfo{conn: conn, connectedAt: time.Now()}
	info.lastPong.Store(time.Now())

	s.clientsMu.Lock()
	s.clients[conn] = info
	count := len(s.clients)
	s.clientsMu.Unlock()

	if s.metrics != nil {
		s.metrics.connectionsTotal.Inc()
		s.metrics.clientsConnected.Set(float64(count))
	}
	s.logger.Debug("client connected", "remote", conn.RemoteAddr().String(), "clients", count)

	s.wg.Add(1)
	go s.readLoop(conn, info)
}

// readLoop keeps the connection's read side alive for pong frames and
// close detection. Inbound data frames are ignored.
func (s *Server) readLoop(conn *websocket.Conn, info *clientInfo) {
	defer s.wg.Done()
	defer s.removeClient(conn, info, "closed")

	conn.SetPongHandler(func(string) error {
		info.lastPong.Store(time.Now())
		return nil
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn, info *clientInfo, reason string) {
	info.closeOnce.Do(func() {
		info.closed.Store(true)

		s.clientsMu.Lock()
		delete(s.clients, conn)
		count := len(s.clients)
		s.clientsMu.Unlock()

		if s.metrics != nil {
			s.metrics.disconnectsTotal.WithLabelValues(reason).Inc()
			s.metrics.clientsConnected.Set(float64(count))
		}
		_ = conn.Close()
		s.logger.Debug("client disconnected", "reason", reason, "clients", count)
	})
}

func (s *Server) closeAllClients() {
	s.clientsMu.Lock()
	conns := make(map[*websocket.Conn]*clientInfo, len(s.clients))
	for conn, info := range s.clients {
		conns[conn] = info
	}
	s.clientsMu.Unlock()

	for conn, info := range conns {
		s.removeClient(conn, info, "shutdown")
	}
}

func (s *Server) handleBusMessage(ctx context.Context, subject string, data []byte) {
	if ctx.Err() != nil || !s.running.Load() {
		return
	}
	s.lastActivity.Store(time.Now())
	if s.metrics != nil {
		s.metrics.messagesReceived.WithLabelValues(subject).Inc()
	}

	payload := data
	if !json.Valid(data) {
		wrapped, err := json.Marshal(string(data))
		if err != nil {
			return
		}
		payload = wrapped
	}

	envelope, err := json.Marshal(Envelope{
		Type:      "data",
		ID:        s.nextMessageID(),
		Subject:   subject,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	})
	if err != nil {
		s.errorCount.Add(1)
		s.metrics.recordError("envelope_marshal")
		return
	}

	s.broadcast(subject, envelope)
}

// broadcast fans the message out to every connected client
// concurrently. A failed write drops that client only.
func (s *Server) broadcast(subject string, data []byte) {
	start := time.Now()

	s.clientsMu.RLock()
	snapshot := make(map[*websocket.Conn]*clientInfo, len(s.clients))
	for conn, info := range s.clients {
		if !info.closed.Load() {
			snapshot[conn] = info
		}
	}
	s.clientsMu.RUnlock()

	var wg sync.WaitGroup
	for conn, info := range snapshot {
		conn, info := conn, info
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.writeToClient(info, data); err != nil {
				s.removeClient(conn, info, "write_failed")
				s.errorCount.Add(1)
				s.metrics.recordError("client_write")
				return
			}
			s.sent.Add(1)
			s.bytes.Add(int64(len(data)))
			if s.metrics != nil {
				s.metrics.messagesSent.WithLabelValues(subject).Inc()
				s.metrics.bytesSent.Add(float64(len(data)))
			}
		}()
	}
	wg.Wait()

	s.metrics.observeBroadcast(subject, start)
}

func (s *Server) writeToClient(info *clientInfo, data []byte) error {
	info.writeMu.Lock()
	defer info.writeMu.Unlock()
	_ = info.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return info.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) pingLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pingClients()
		}
	}
}

func (s *Server) pingClients() {
	s.clientsMu.RLock()
	snapshot := make(map[*websocket.Conn]*clientInfo, len(s.clients))
	for conn, info := range s.clients {
		if !info.closed.Load() {
			snapshot[conn] = info
		}
	}
	s.clientsMu.RUnlock()

	for conn, info := range snapshot {
		info.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		info.writeMu.Unlock()
		if err != nil {
			s.removeClient(conn, info, "ping_failed")
			s.errorCount.Add(1)
		}
	}
}

func (s *Server) nextMessageID() string {
	return fmt.Sprintf("msg-%d-%d", time.Now().UnixMilli(), s.messageID.Add(1))
}
