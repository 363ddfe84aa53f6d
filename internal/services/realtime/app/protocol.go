package server

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/canopyhq/canopy/internal/services/realtime/domain"
)

// Client message types.
const (
	messageTypeSubscribe   = "subscribe"
	messageTypeUnsubscribe = "unsubscribe"
	messageTypePing        = "ping"
	messageTypePong        = "pong"
)

// Server message types.
const (
	messageTypeSubscribed   = "subscribed"
	messageTypeUnsubscribed = "unsubscribed"
	messageTypeEvent        = "event"
	messageTypeError        = "error"
)

// Wire error codes. These are the protocol contract with clients and must
// stay stable.
const (
	errCodeInvalidMessage     = "invalid_message"
	errCodeUnauthorized       = "unauthorized"
	errCodeForbidden          = "forbidden"
	errCodeUnsupportedTopic   = "unsupported_topic"
	errCodeUnsupportedSurface = "unsupported_surface"
	errCodeWorkspaceRequired  = "workspace_required"
	errCodePayloadTooLarge    = "payload_too_large"
	errCodeInternal           = "internal_error"
)

// WebSocket close statuses sent alongside forced closures.
const (
	closeStatusGoingAway       = 1001
	closeStatusUnsupportedData = 1003
	closeStatusMessageTooBig   = 1009
)

// workspaceSlugPattern bounds slugs to DNS-label-style names up to 120 runes.
var workspaceSlugPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,118}[a-z0-9])?$`)

type clientMessage struct {
	Type          string   `json:"type"`
	RequestID     string   `json:"requestId,omitempty"`
	WorkspaceSlug string   `json:"workspaceSlug,omitempty"`
	Topics        []string `json:"topics,omitempty"`
	TS            int64    `json:"ts,omitempty"`
}

type serverMessage struct {
	Type          string           `json:"type"`
	RequestID     string           `json:"requestId,omitempty"`
	WorkspaceSlug string           `json:"workspaceSlug,omitempty"`
	Topics        []domain.Topic   `json:"topics,omitempty"`
	TS            int64            `json:"ts,omitempty"`
	Event         *domain.Envelope `json:"event,omitempty"`
	Code          string           `json:"code,omitempty"`
	Message       string           `json:"message,omitempty"`
}

// decodeClientMessage is the single deserialization boundary for inbound
// frames. Everything past it works with typed messages.
func decodeClientMessage(data []byte) (clientMessage, error) {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return clientMessage{}, fmt.Errorf("frame is not a JSON object")
	}
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return clientMessage{}, fmt.Errorf("decode frame: %w", err)
	}
	if strings.TrimSpace(msg.Type) == "" {
		return clientMessage{}, fmt.Errorf("frame has no type")
	}
	return msg, nil
}

// normalizeWorkspaceSlug lower-cases and trims a client-supplied slug and
// validates it against the slug grammar.
func normalizeWorkspaceSlug(raw string) (string, bool) {
	slug := strings.ToLower(strings.TrimSpace(raw))
	if slug == "" || !workspaceSlugPattern.MatchString(slug) {
		return "", false
	}
	return slug, true
}

// normalizeTopics trims and de-duplicates the requested topic list while
// preserving request order.
func normalizeTopics(raw []string) []domain.Topic {
	seen := make(map[domain.Topic]struct{}, len(raw))
	topics := make([]domain.Topic, 0, len(raw))
	for _, entry := range raw {
		topic := domain.Topic(strings.TrimSpace(entry))
		if topic == "" {
			continue
		}
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	return topics
}
