package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/canopyhq/canopy/internal/platform/timeouts"
	"github.com/canopyhq/canopy/internal/services/realtime/bus"
	"github.com/canopyhq/canopy/internal/services/realtime/domain"
)

const (
	defaultMaxMessageBytes = 8192

	maxDecodeErrorsPerConn = 3
)

// Config defines the inputs for the realtime gateway process.
type Config struct {
	HTTPAddr           string
	AuthBaseURL        string
	AuthResourceSecret string

	// BrokerURL enables cross-process rooms; empty runs single-process.
	BrokerURL               string
	BrokerRequired          bool
	BrokerConnectTimeout    time.Duration
	BrokerDisconnectTimeout time.Duration

	// MaxMessageBytes caps inbound frames, measured as UTF-8 byte length.
	MaxMessageBytes   int
	HeartbeatInterval time.Duration

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.BrokerConnectTimeout <= 0 {
		c.BrokerConnectTimeout = timeouts.BrokerConnect
	}
	if c.BrokerDisconnectTimeout <= 0 {
		c.BrokerDisconnectTimeout = timeouts.BrokerDisconnect
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = timeouts.Heartbeat
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = timeouts.Shutdown
	}
}

// gateway owns the connection state machine: handshake, the per-connection
// frame loop, fanout delivery, and liveness sweeps.
type gateway struct {
	ctx               context.Context
	authorizer        Authorizer
	rooms             roomBroadcaster
	maxMessageBytes   int
	heartbeatInterval time.Duration

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

func newGateway(ctx context.Context, authorizer Authorizer, cfg Config) (*gateway, error) {
	cfg.applyDefaults()
	g := &gateway{
		ctx:               ctx,
		authorizer:        authorizer,
		maxMessageBytes:   cfg.MaxMessageBytes,
		heartbeatInterval: cfg.HeartbeatInterval,
		conns:             make(map[*wsConn]struct{}),
	}
	rooms, err := newRoomBroadcaster(ctx, cfg, g.deliverToRoom)
	if err != nil {
		return nil, err
	}
	g.rooms = rooms
	return g, nil
}

func (g *gateway) register(conn *wsConn) {
	g.mu.Lock()
	g.conns[conn] = struct{}{}
	g.mu.Unlock()
}

func (g *gateway) unregister(conn *wsConn) {
	g.mu.Lock()
	delete(g.conns, conn)
	g.mu.Unlock()
	g.rooms.LeaveAll(conn)
}

func (g *gateway) snapshotConns() []*wsConn {
	g.mu.Lock()
	defer g.mu.Unlock()
	conns := make([]*wsConn, 0, len(g.conns))
	for conn := range g.conns {
		conns = append(conns, conn)
	}
	return conns
}

type wsConnContextKey struct{}

// handshakeContext is attached to the request after a successful handshake.
type handshakeContext struct {
	profile domain.UserProfile
	surface domain.Surface
	request AuthRequest
}

// handler builds the gateway's HTTP surface: a health probe and the
// websocket endpoint. Surface validation and authentication both happen
// before the upgrade so a rejected handshake never becomes a connection.
func (g *gateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(g.handleConn)

	mux.HandleFunc("/realtime", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		surface := domain.DefaultSurface
		if r.URL.Query().Has("surface") {
			resolved, ok := domain.ResolveSurface(r.URL.Query().Get("surface"))
			if !ok {
				http.Error(w, errCodeUnsupportedSurface, http.StatusBadRequest)
				return
			}
			surface = resolved
		}

		if g.authorizer == nil {
			http.Error(w, "realtime auth is not configured", http.StatusServiceUnavailable)
			return
		}

		authReq := authRequestFromHTTP(r)
		profile, ok, err := g.authorizer.AuthenticateRequest(r.Context(), authReq)
		if err != nil {
			log.Printf("realtime: handshake authentication failed remote=%s: %v", r.RemoteAddr, err)
			http.Error(w, errCodeInternal, http.StatusInternalServerError)
			return
		}
		if !ok {
			log.Printf("realtime: handshake unauthorized remote=%s surface=%s", r.RemoteAddr, surface)
			http.Error(w, errCodeUnauthorized, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), wsConnContextKey{}, handshakeContext{
			profile: profile,
			surface: surface,
			request: authReq,
		})
		wsHandler.ServeHTTP(w, r.WithContext(ctx))
	})

	return mux
}

// inboundFrame carries one raw frame with its payload type so the loop can
// reject binary frames and enforce the byte budget before decoding.
type inboundFrame struct {
	payloadType byte
	data        []byte
}

var frameCodec = websocket.Codec{
	Marshal: func(v any) ([]byte, byte, error) {
		return nil, 0, errors.New("frame codec is receive-only")
	},
	Unmarshal: func(data []byte, payloadType byte, v any) error {
		frame, ok := v.(*inboundFrame)
		if !ok {
			return errors.New("frame codec target must be *inboundFrame")
		}
		frame.payloadType = payloadType
		frame.data = data
		return nil
	},
}

func (g *gateway) handleConn(ws *websocket.Conn) {
	request := ws.Request()
	if request == nil {
		_ = ws.Close()
		return
	}
	hs, ok := request.Context().Value(wsConnContextKey{}).(handshakeContext)
	if !ok {
		_ = ws.Close()
		return
	}

	// Bound the transport read so an oversized frame cannot buffer
	// unboundedly before the budget check runs.
	ws.MaxPayloadBytes = g.maxMessageBytes + 1024

	closeFn := func(status int) {
		_ = ws.WriteClose(status)
		_ = ws.Close()
	}
	conn := newWSConn(newWSPeer(json.NewEncoder(ws)), hs.profile, hs.surface, hs.request, closeFn)
	g.register(conn)
	defer func() {
		conn.markClosed()
		g.unregister(conn)
		_ = ws.Close()
	}()

	ctx := request.Context()
	decodeErrors := 0

	for {
		var frame inboundFrame
		if err := frameCodec.Receive(ws, &frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				conn.sendError("", errCodePayloadTooLarge, fmt.Sprintf("message exceeds %d bytes", g.maxMessageBytes))
				conn.close(closeStatusMessageTooBig)
				return
			}
			return
		}
		conn.markTraffic()

		if frame.payloadType == websocket.BinaryFrame {
			conn.sendError("", errCodeInvalidMessage, "binary frames are not supported")
			conn.close(closeStatusUnsupportedData)
			return
		}
		if len(frame.data) > g.maxMessageBytes {
			conn.sendError("", errCodePayloadTooLarge, fmt.Sprintf("message exceeds %d bytes", g.maxMessageBytes))
			conn.close(closeStatusMessageTooBig)
			return
		}

		msg, err := decodeClientMessage(frame.data)
		if err != nil {
			decodeErrors++
			conn.sendError("", errCodeInvalidMessage, "invalid message payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		switch msg.Type {
		case messageTypeSubscribe:
			g.handleSubscribe(ctx, conn, msg)
		case messageTypeUnsubscribe:
			g.handleUnsubscribe(ctx, conn, msg)
		case messageTypePing:
			_ = conn.peer.writeMessage(serverMessage{
				Type:      messageTypePong,
				RequestID: msg.RequestID,
				TS:        msg.TS,
			})
		case messageTypePong:
			// Heartbeat answer; markTraffic above already recorded it.
		default:
			conn.sendError(msg.RequestID, errCodeInvalidMessage, "unsupported message type")
		}
	}
}

// runHeartbeat pings idle connections on a fixed interval and closes any
// that failed to answer the previous ping.
func (g *gateway) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(g.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, conn := range g.snapshotConns() {
				g.sweepConn(conn)
			}
		}
	}
}

func (g *gateway) sweepConn(conn *wsConn) {
	if conn.isClosed() {
		g.unregister(conn)
		return
	}
	if !conn.beginHeartbeat() {
		// The previous ping went unanswered.
		conn.close(closeStatusGoingAway)
		g.unregister(conn)
		return
	}
	if err := conn.peer.writeMessage(serverMessage{Type: messageTypePing, TS: time.Now().UnixMilli()}); err != nil {
		conn.close(closeStatusGoingAway)
		g.unregister(conn)
	}
}

// Server hosts the realtime gateway HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	gateway         *gateway
	busUnsubscribe  func()
	heartbeatStop   context.CancelFunc
	heartbeatDone   chan struct{}
	brokerTimeout   time.Duration
}

// NewServer builds a configured gateway server wired to the event bus. The
// bus may be nil for deployments that receive events only via the broker.
func NewServer(ctx context.Context, config Config, eventBus *bus.Bus) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	config.applyDefaults()

	authorizer := newAuthServiceResolver(config.AuthBaseURL, config.AuthResourceSecret)
	if authorizer == nil {
		log.Printf("realtime: auth base url is not configured, handshakes will be rejected")
	}

	gatewayCtx, heartbeatStop := context.WithCancel(ctx)
	g, err := newGateway(gatewayCtx, authorizer, config)
	if err != nil {
		heartbeatStop()
		return nil, err
	}

	var unsubscribe func()
	if eventBus != nil {
		unsubscribe = eventBus.Subscribe(g.handleEnvelope)
	}

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.runHeartbeat(gatewayCtx)
	}()

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           g.handler(),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		gateway:         g,
		busUnsubscribe:  unsubscribe,
		heartbeatStop:   heartbeatStop,
		heartbeatDone:   heartbeatDone,
		brokerTimeout:   config.BrokerDisconnectTimeout,
	}, nil
}

// Run creates and serves a gateway until the context ends.
func Run(ctx context.Context, config Config, eventBus *bus.Bus) error {
	server, err := NewServer(ctx, config, eventBus)
	if err != nil {
		return fmt.Errorf("init realtime server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve realtime: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("realtime server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("realtime server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources, including a bounded broker disconnect.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.busUnsubscribe != nil {
		s.busUnsubscribe()
	}
	if s.heartbeatStop != nil {
		s.heartbeatStop()
	}
	if s.heartbeatDone != nil {
		<-s.heartbeatDone
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), s.brokerTimeout+time.Second)
	defer cancel()
	if err := s.gateway.rooms.Close(closeCtx); err != nil {
		log.Printf("realtime: close room broadcaster: %v", err)
	}
}
