package server

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/canopyhq/canopy/internal/services/realtime/domain"
)

// handleEnvelope is the gateway's event bus listener. It resolves the target
// room and hands the envelope to the broadcaster, which may span processes.
func (g *gateway) handleEnvelope(envelope domain.Envelope) {
	if envelope.WorkspaceID <= 0 || !domain.IsSupportedTopic(envelope.Topic) {
		return
	}
	if envelope.WorkspaceSlug == "" {
		// Workspace and topic resolved but no slug: a publisher built a
		// broken envelope.
		log.Printf("realtime: dropping event %s for workspace %d: missing workspace slug", envelope.EventID, envelope.WorkspaceID)
		return
	}

	r := room{workspaceID: envelope.WorkspaceID, topic: envelope.Topic}
	if err := g.rooms.Broadcast(g.ctx, r, envelope); err != nil {
		log.Printf("realtime: broadcast event %s to %s: %v", envelope.EventID, r.name(), err)
	}
}

// deliverToRoom fans one envelope out to this process's members of the room.
// Authorization re-checks run concurrently across the room's connections and
// the call returns once every member is handled, so distinct events stay
// sequential.
func (g *gateway) deliverToRoom(r room, envelope domain.Envelope) {
	members := g.rooms.Members(r)
	if len(members) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, conn := range members {
		wg.Add(1)
		go func(conn *wsConn) {
			defer wg.Done()
			g.deliverToConn(conn, r, envelope)
		}(conn)
	}
	wg.Wait()
}

// deliverToConn re-validates one connection's entitlement from scratch
// before emitting. Permissions, membership, or the workspace itself may have
// changed since the connection subscribed, so nothing captured at subscribe
// time is trusted here.
func (g *gateway) deliverToConn(conn *wsConn, r room, envelope domain.Envelope) {
	if conn.isClosed() {
		return
	}

	if !domain.IsTopicAllowedForSurface(r.topic, conn.surface) {
		g.evict(conn, r)
		return
	}

	workspace, err := g.authorizer.ResolveWorkspaceContext(
		g.ctx,
		conn.handshake.forWorkspace(conn.surface, envelope.WorkspaceSlug),
	)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden) {
			g.evict(conn, r)
			return
		}
		// Transient resolver failure: skip this emission but keep the
		// subscription (fail-open). The REST layer remains the
		// access-control perimeter.
		log.Printf("realtime: fanout authorization check failed user=%d room=%s: %v", conn.profile.ID, r.name(), err)
		return
	}
	if workspace.WorkspaceID != r.workspaceID {
		g.evict(conn, r)
		return
	}
	if !domain.HasTopicPermission(r.topic, workspace.Permissions, conn.surface) {
		g.evict(conn, r)
		return
	}

	// Re-read live subscription state after the authorization await; the
	// connection may have unsubscribed or disconnected meanwhile.
	if !conn.hasSubscription(r.workspaceID, r.topic) || conn.isClosed() {
		return
	}

	event := envelope
	_ = conn.peer.writeMessage(serverMessage{
		Type:  messageTypeEvent,
		Event: &event,
	})
}

// evict silently drops a connection's subscription after a failed fanout
// re-check. The client sent no triggering message, so no error frame is
// emitted; it simply stops receiving the topic.
func (g *gateway) evict(conn *wsConn, r room) {
	conn.removeSubscription(r.workspaceID, r.topic)
	g.rooms.Leave(conn, r)
}

// newRoomBroadcaster selects the scale-out strategy at startup. An empty
// broker URL means single-process rooms. A broker URL is attempted with a
// bounded timeout; failure aborts startup when the broker is mandatory and
// degrades to single-process rooms with a warning otherwise.
func newRoomBroadcaster(ctx context.Context, cfg Config, deliver deliverFunc) (roomBroadcaster, error) {
	if cfg.BrokerURL == "" {
		return newLocalRooms(deliver), nil
	}

	rooms, err := newBrokerRooms(ctx, cfg.BrokerURL, cfg.BrokerConnectTimeout, cfg.BrokerDisconnectTimeout, deliver)
	if err != nil {
		if cfg.BrokerRequired {
			return nil, err
		}
		log.Printf("realtime: broker unavailable, continuing with single-process rooms: %v", err)
		return newLocalRooms(deliver), nil
	}
	return rooms, nil
}
