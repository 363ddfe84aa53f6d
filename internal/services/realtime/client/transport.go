package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/canopyhq/canopy/internal/services/realtime/domain"
)

const (
	messageTypeSubscribe   = "subscribe"
	messageTypeUnsubscribe = "unsubscribe"
	messageTypePing        = "ping"
	messageTypePong        = "pong"

	messageTypeSubscribed   = "subscribed"
	messageTypeUnsubscribed = "unsubscribed"
	messageTypeEvent        = "event"
	messageTypeError        = "error"

	errCodeForbidden = "forbidden"
)

// ControlMessage is a client-to-server frame.
type ControlMessage struct {
	Type          string   `json:"type"`
	RequestID     string   `json:"requestId,omitempty"`
	WorkspaceSlug string   `json:"workspaceSlug,omitempty"`
	Topics        []string `json:"topics,omitempty"`
	TS            int64    `json:"ts,omitempty"`
}

// ServerMessage is a server-to-client frame.
type ServerMessage struct {
	Type          string           `json:"type"`
	RequestID     string           `json:"requestId,omitempty"`
	WorkspaceSlug string           `json:"workspaceSlug,omitempty"`
	Topics        []domain.Topic   `json:"topics,omitempty"`
	TS            int64            `json:"ts,omitempty"`
	Event         *domain.Envelope `json:"event,omitempty"`
	Code          string           `json:"code,omitempty"`
	Message       string           `json:"message,omitempty"`
}

// Conn is one live duplex connection to the gateway.
type Conn interface {
	Send(msg ControlMessage) error
	Close() error
}

// ConnHandlers receive a connection's inbound frames and its terminal
// close. OnClose fires at most once, after which no further OnMessage calls
// are made.
type ConnHandlers struct {
	OnMessage func(msg ServerMessage)
	OnClose   func(err error)
}

// Dialer opens a connection to the gateway for one surface. The runtime is
// written against this seam; tests substitute in-memory connections.
type Dialer func(ctx context.Context, endpoint string, surface domain.Surface, handlers ConnHandlers) (Conn, error)

type wsClientConn struct {
	ws *websocket.Conn

	mu      sync.Mutex
	encoder *json.Encoder
}

func (c *wsClientConn) Send(msg ControlMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encoder.Encode(msg)
}

func (c *wsClientConn) Close() error {
	return c.ws.Close()
}

// DialWebSocket is the production Dialer: it connects to the gateway's
// websocket endpoint with the surface declared as a query parameter and
// pumps inbound JSON frames to the handlers from a reader goroutine.
func DialWebSocket(_ context.Context, endpoint string, surface domain.Surface, handlers ConnHandlers) (Conn, error) {
	target, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse realtime endpoint: %w", err)
	}
	query := target.Query()
	query.Set("surface", string(surface))
	target.RawQuery = query.Encode()

	originScheme := "http"
	if target.Scheme == "wss" {
		originScheme = "https"
	}
	origin := originScheme + "://" + target.Host

	ws, err := websocket.Dial(target.String(), "", origin)
	if err != nil {
		return nil, fmt.Errorf("dial realtime gateway: %w", err)
	}

	conn := &wsClientConn{ws: ws, encoder: json.NewEncoder(ws)}
	go func() {
		decoder := json.NewDecoder(ws)
		for {
			var msg ServerMessage
			if err := decoder.Decode(&msg); err != nil {
				if handlers.OnClose != nil {
					handlers.OnClose(err)
				}
				return
			}
			if handlers.OnMessage != nil {
				handlers.OnMessage(msg)
			}
		}
	}()
	return conn, nil
}
