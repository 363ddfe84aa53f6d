package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/canopyhq/canopy/internal/services/realtime/domain"
)

// subscription is one live (workspace, topic) entitlement on a connection.
type subscription struct {
	WorkspaceID   int64
	WorkspaceSlug string
	Topic         domain.Topic
}

func subscriptionKey(workspaceID int64, topic domain.Topic) string {
	return fmt.Sprintf("%d:%s", workspaceID, topic)
}

// wsPeer serializes frame writes to one socket.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeMessage(msg serverMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(msg)
}

// wsConn is the server-side state for one live connection: the validated
// identity and surface fixed at handshake, the handshake request snapshot
// used for later authorization re-checks, and the mutable subscription map.
type wsConn struct {
	peer      *wsPeer
	profile   domain.UserProfile
	surface   domain.Surface
	handshake AuthRequest
	closeFn   func(status int)

	mu            sync.Mutex
	subscriptions map[string]subscription
	awaitingPong  bool
	lastSeen      time.Time
	closed        bool
}

func newWSConn(peer *wsPeer, profile domain.UserProfile, surface domain.Surface, handshake AuthRequest, closeFn func(status int)) *wsConn {
	return &wsConn{
		peer:          peer,
		profile:       profile,
		surface:       surface,
		handshake:     handshake,
		closeFn:       closeFn,
		subscriptions: make(map[string]subscription),
		lastSeen:      time.Now(),
	}
}

func (c *wsConn) addSubscription(sub subscription) {
	c.mu.Lock()
	c.subscriptions[subscriptionKey(sub.WorkspaceID, sub.Topic)] = sub
	c.mu.Unlock()
}

func (c *wsConn) removeSubscription(workspaceID int64, topic domain.Topic) bool {
	key := subscriptionKey(workspaceID, topic)
	c.mu.Lock()
	_, existed := c.subscriptions[key]
	delete(c.subscriptions, key)
	c.mu.Unlock()
	return existed
}

// hasSubscription re-reads live subscription state; fanout calls it after
// every authorization await instead of trusting an earlier snapshot.
func (c *wsConn) hasSubscription(workspaceID int64, topic domain.Topic) bool {
	c.mu.Lock()
	_, ok := c.subscriptions[subscriptionKey(workspaceID, topic)]
	c.mu.Unlock()
	return ok
}

func (c *wsConn) snapshotSubscriptions() []subscription {
	c.mu.Lock()
	subs := make([]subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	c.mu.Unlock()
	return subs
}

// markTraffic records inbound liveness; any frame counts as a heartbeat
// answer.
func (c *wsConn) markTraffic() {
	c.mu.Lock()
	c.awaitingPong = false
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// beginHeartbeat flags the connection as owing a liveness answer. It reports
// false when a previous heartbeat is still unanswered.
func (c *wsConn) beginHeartbeat() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.awaitingPong {
		return false
	}
	c.awaitingPong = true
	return true
}

func (c *wsConn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *wsConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *wsConn) close(status int) {
	c.markClosed()
	if c.closeFn != nil {
		c.closeFn(status)
	}
}

func (c *wsConn) sendError(requestID string, code string, message string) {
	_ = c.peer.writeMessage(serverMessage{
		Type:      messageTypeError,
		RequestID: requestID,
		Code:      code,
		Message:   message,
	})
}
