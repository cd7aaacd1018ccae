package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"order_pipeline/internal/config"
	"order_pipeline/internal/core"
	"order_pipeline/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

const (
	maxConnections = 1000
	dialsPerSecond = 10
	dialBurst      = 20

	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// pingPeriod must be under pongWait or healthy clients get cut.
	pingPeriod = 54 * time.Second
)

// Server terminates websocket clients and serves the health snapshot.
type Server struct {
	hub     *Hub
	monitor core.IHealthMonitor
	logger  core.ILogger
	cfg     config.FeedConfig

	upgrader      websocket.Upgrader
	connSemaphore chan struct{}
	ipLimiters    sync.Map

	mu  sync.Mutex
	srv *http.Server

	clientGauge metric.Int64UpDownCounter
	rejectedCtr metric.Int64Counter
}

func NewServer(hub *Hub, monitor core.IHealthMonitor, cfg config.FeedConfig, logger core.ILogger) *Server {
	meter := telemetry.GetMeter("feed")
	clientGauge, _ := meter.Int64UpDownCounter("pipeline_feed_clients",
		metric.WithDescription("Connected feed clients"))
	rejectedCtr, _ := meter.Int64Counter("pipeline_feed_rejected_total",
		metric.WithDescription("Rejected feed connections, by reason"))

	s := &Server{
		hub:           hub,
		monitor:       monitor,
		logger:        logger.WithField("component", "feed_server"),
		cfg:           cfg,
		connSemaphore: make(chan struct{}, maxConnections),
		clientGauge:   clientGauge,
		rejectedCtr:   rejectedCtr,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin enforces the configured allow-list. A bare "*" entry
// admits anything and is meant for development only.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		s.logger.Warn("rejected connection without origin", "remote_addr", r.RemoteAddr)
		return false
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		s.logger.Warn("rejected connection with unparsable origin", "origin", origin, "error", err)
		return false
	}
	got := parsed.Scheme + "://" + parsed.Host

	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" {
			s.logger.Warn("wildcard origin admitted a client", "origin", origin, "remote_addr", r.RemoteAddr)
			return true
		}
		if got == allowed {
			return true
		}
	}

	s.logger.Warn("rejected connection from unlisted origin", "origin", origin, "remote_addr", r.RemoteAddr)
	s.reject(r.Context(), "origin")
	return false
}

func (s *Server) reject(ctx context.Context, reason string) {
	s.rejectedCtr.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Start serves until the context ends or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.mu.Lock()
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: mux,
	}
	srv := s.srv
	s.mu.Unlock()

	s.logger.Info("feed server listening", "port", s.cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	s.logger.Info("stopping feed server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.ipLimiter(s.remoteIP(r)).Allow() {
		s.reject(r.Context(), "rate_limit")
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connSemaphore <- struct{}{}:
		s.clientGauge.Add(r.Context(), 1)
		defer func() {
			<-s.connSemaphore
			s.clientGauge.Add(context.Background(), -1)
		}()
	default:
		s.reject(r.Context(), "connection_limit")
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(uuid.New().String())
	s.hub.Register(client)
	s.logger.Info("feed client connected", "client_id", client.id, "remote_addr", r.RemoteAddr)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, client)
	}()
	wg.Wait()

	s.hub.Unregister(client)
	_ = conn.Close()
	s.logger.Info("feed client disconnected", "client_id", client.id)
}

// writePump drains the client's frame queue onto the socket and keeps
// the connection alive with pings.
func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.Frames():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Warn("feed write failed", "client_id", client.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound frames for pong bookkeeping only; the feed
// never acts on client input.
func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer s.hub.Unregister(client)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("feed read failed", "client_id", client.id, "error", err)
			}
			return
		}
	}
}

// handleHealth renders the component check snapshot; any failing check
// turns the response 503 so probes see the degradation.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"time":    time.Now().UTC(),
	}

	if s.monitor != nil {
		components := make(map[string]string)
		for name, err := range s.monitor.GetStatus() {
			if err != nil {
				components[name] = "unhealthy: " + err.Error()
			} else {
				components[name] = "healthy"
			}
		}
		body["components"] = components
		if !s.monitor.IsHealthy() {
			body["status"] = "unhealthy"
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(body)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) ipLimiter(ip string) *rate.Limiter {
	if v, ok := s.ipLimiters.Load(ip); ok {
		return v.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(rate.Limit(dialsPerSecond), dialBurst)
	actual, _ := s.ipLimiters.LoadOrStore(ip, limiter)
	return actual.(*rate.Limiter)
}
