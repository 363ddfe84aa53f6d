package server

import (
	"context"
	"errors"
	"log"

	"github.com/canopyhq/canopy/internal/services/realtime/domain"
)

// controlRequest is a validated and authorized subscribe or unsubscribe
// batch.
type controlRequest struct {
	workspace WorkspaceContext
	slug      string
	topics    []domain.Topic
}

// validateControlMessage runs the shared subscribe/unsubscribe pipeline:
// slug and topic normalization, surface gating, a fresh workspace
// authorization resolution with server-forced surface and slug, and the
// per-topic permission check. The whole batch fails on the first failing
// topic so a partially authorized request never partially applies.
func (g *gateway) validateControlMessage(ctx context.Context, conn *wsConn, msg clientMessage) (controlRequest, bool) {
	slug, ok := normalizeWorkspaceSlug(msg.WorkspaceSlug)
	if !ok {
		conn.sendError(msg.RequestID, errCodeWorkspaceRequired, "a valid workspace slug is required")
		return controlRequest{}, false
	}

	topics := normalizeTopics(msg.Topics)
	if len(topics) == 0 {
		conn.sendError(msg.RequestID, errCodeInvalidMessage, "at least one topic is required")
		return controlRequest{}, false
	}
	for _, topic := range topics {
		if !domain.IsSupportedTopic(topic) {
			conn.sendError(msg.RequestID, errCodeUnsupportedTopic, "unsupported topic: "+string(topic))
			return controlRequest{}, false
		}
		if !domain.IsTopicAllowedForSurface(topic, conn.surface) {
			conn.sendError(msg.RequestID, errCodeForbidden, "topic is not available on this surface")
			return controlRequest{}, false
		}
	}

	workspace, ok := g.resolveWorkspace(ctx, conn, slug, msg.RequestID)
	if !ok {
		return controlRequest{}, false
	}

	for _, topic := range topics {
		if !domain.HasTopicPermission(topic, workspace.Permissions, conn.surface) {
			conn.sendError(msg.RequestID, errCodeForbidden, "missing permission for topic "+string(topic))
			return controlRequest{}, false
		}
	}

	return controlRequest{workspace: workspace, slug: slug, topics: topics}, true
}

// resolveWorkspace re-resolves workspace membership from the auth service,
// using the handshake request with the server-validated surface and slug
// forced over anything the client supplied.
func (g *gateway) resolveWorkspace(ctx context.Context, conn *wsConn, slug string, requestID string) (WorkspaceContext, bool) {
	if g.authorizer == nil {
		conn.sendError(requestID, errCodeInternal, "authorization is not configured")
		return WorkspaceContext{}, false
	}

	workspace, err := g.authorizer.ResolveWorkspaceContext(ctx, conn.handshake.forWorkspace(conn.surface, slug))
	if err != nil {
		switch {
		case errors.Is(err, ErrUnauthorized):
			conn.sendError(requestID, errCodeUnauthorized, "authentication required")
		case errors.Is(err, ErrForbidden):
			conn.sendError(requestID, errCodeForbidden, "workspace access denied")
		default:
			log.Printf("realtime: workspace resolution failed user=%d workspace=%q: %v", conn.profile.ID, slug, err)
			conn.sendError(requestID, errCodeInternal, "workspace resolution unavailable")
		}
		return WorkspaceContext{}, false
	}
	if workspace.WorkspaceID <= 0 {
		conn.sendError(requestID, errCodeForbidden, "workspace access denied")
		return WorkspaceContext{}, false
	}
	return workspace, true
}

func (g *gateway) handleSubscribe(ctx context.Context, conn *wsConn, msg clientMessage) {
	req, ok := g.validateControlMessage(ctx, conn, msg)
	if !ok {
		return
	}

	for _, topic := range req.topics {
		conn.addSubscription(subscription{
			WorkspaceID:   req.workspace.WorkspaceID,
			WorkspaceSlug: req.workspace.WorkspaceSlug,
			Topic:         topic,
		})
		g.rooms.Join(conn, room{workspaceID: req.workspace.WorkspaceID, topic: topic})
	}

	_ = conn.peer.writeMessage(serverMessage{
		Type:          messageTypeSubscribed,
		RequestID:     msg.RequestID,
		WorkspaceSlug: req.slug,
		Topics:        req.topics,
	})
}

// handleUnsubscribe runs the same validation and authorization pipeline as
// subscribe: removal is not unconditionally allowed, so an unauthorized
// actor cannot probe subscription state.
func (g *gateway) handleUnsubscribe(ctx context.Context, conn *wsConn, msg clientMessage) {
	req, ok := g.validateControlMessage(ctx, conn, msg)
	if !ok {
		return
	}

	for _, topic := range req.topics {
		conn.removeSubscription(req.workspace.WorkspaceID, topic)
		g.rooms.Leave(conn, room{workspaceID: req.workspace.WorkspaceID, topic: topic})
	}

	_ = conn.peer.writeMessage(serverMessage{
		Type:          messageTypeUnsubscribed,
		RequestID:     msg.RequestID,
		WorkspaceSlug: req.slug,
		Topics:        req.topics,
	})
}
