package domain

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/canopyhq/canopy/internal/platform/id"
)

// EventType identifies the business meaning of an envelope.
type EventType string

const (
	EventProjectCreated           EventType = "project.created"
	EventProjectUpdated           EventType = "project.updated"
	EventWorkspaceMetaUpdated     EventType = "workspace.meta.updated"
	EventWorkspaceSettingsUpdated EventType = "workspace.settings.updated"
	EventWorkspaceMembersUpdated  EventType = "workspace.members.updated"
	EventWorkspaceInvitesUpdated  EventType = "workspace.invites.updated"
	EventAITranscriptUpdated      EventType = "ai.transcript.updated"
	EventBillingLimitsUpdated     EventType = "billing.limits.updated"
)

// EntityIDNone is the sentinel entity id for events that concern no single
// entity, so string-keyed caches never bifurcate on a missing representation.
const EntityIDNone = "none"

var (
	// ErrEventTypeRequired indicates an envelope build without an event type.
	ErrEventTypeRequired = errors.New("event type is required")
	// ErrTopicRequired indicates an envelope build without a supported topic.
	ErrTopicRequired = errors.New("supported topic is required")
)

// Envelope is the normalized event record broadcast from business services
// to the gateway and onward to clients. Envelopes are immutable once built
// and fire-and-forget: no persistence, no cross-topic ordering guarantee.
type Envelope struct {
	EventID        string         `json:"eventId"`
	OccurredAt     time.Time      `json:"occurredAt"`
	EventType      EventType      `json:"eventType"`
	Topic          Topic          `json:"topic"`
	WorkspaceID    int64          `json:"workspaceId,omitempty"`
	WorkspaceSlug  string         `json:"workspaceSlug,omitempty"`
	EntityType     string         `json:"entityType,omitempty"`
	EntityID       string         `json:"entityId"`
	CommandID      string         `json:"commandId,omitempty"`
	SourceClientID string         `json:"sourceClientId,omitempty"`
	ActorUserID    int64          `json:"actorUserId,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// WorkspaceRef identifies the workspace an event belongs to.
type WorkspaceRef struct {
	ID   int64
	Slug string
}

// UserProfile is the authenticated identity attached to a connection.
type UserProfile struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// WorkspaceEventInput describes one workspace-scoped event to publish.
type WorkspaceEventInput struct {
	EventType      EventType
	Topic          Topic
	Workspace      WorkspaceRef
	EntityType     string
	EntityID       string
	CommandID      string
	SourceClientID string
	ActorUserID    int64
	Payload        map[string]any
}

// NewWorkspaceEvent builds a normalized envelope. The event id and timestamp
// are assigned here, the workspace slug is lower-cased and trimmed, and a
// missing entity id becomes the EntityIDNone sentinel.
func NewWorkspaceEvent(input WorkspaceEventInput) (Envelope, error) {
	if strings.TrimSpace(string(input.EventType)) == "" {
		return Envelope{}, ErrEventTypeRequired
	}
	if !IsSupportedTopic(input.Topic) {
		return Envelope{}, ErrTopicRequired
	}

	eventID, err := id.NewID()
	if err != nil {
		return Envelope{}, err
	}

	entityID := strings.TrimSpace(input.EntityID)
	if entityID == "" {
		entityID = EntityIDNone
	}

	workspaceID := input.Workspace.ID
	if workspaceID < 0 {
		workspaceID = 0
	}
	actorUserID := input.ActorUserID
	if actorUserID < 0 {
		actorUserID = 0
	}

	var payload map[string]any
	if len(input.Payload) > 0 {
		payload = make(map[string]any, len(input.Payload))
		for key, value := range input.Payload {
			payload[key] = value
		}
	}

	return Envelope{
		EventID:        eventID,
		OccurredAt:     time.Now().UTC(),
		EventType:      input.EventType,
		Topic:          input.Topic,
		WorkspaceID:    workspaceID,
		WorkspaceSlug:  strings.ToLower(strings.TrimSpace(input.Workspace.Slug)),
		EntityType:     strings.TrimSpace(input.EntityType),
		EntityID:       entityID,
		CommandID:      strings.TrimSpace(input.CommandID),
		SourceClientID: strings.TrimSpace(input.SourceClientID),
		ActorUserID:    actorUserID,
		Payload:        payload,
	}, nil
}

// ProjectRef identifies the project an event concerns.
type ProjectRef struct {
	ID   int64
	Name string
}

// ProjectEventInput describes one project mutation to publish.
type ProjectEventInput struct {
	Operation      string
	Workspace      WorkspaceRef
	Project        ProjectRef
	CommandID      string
	SourceClientID string
	ActorUserID    int64
}

// NewProjectEvent builds a project envelope, deriving the event type from
// the operation: "created" maps to EventProjectCreated, anything else to
// EventProjectUpdated.
func NewProjectEvent(input ProjectEventInput) (Envelope, error) {
	eventType := EventProjectUpdated
	if strings.EqualFold(strings.TrimSpace(input.Operation), "created") {
		eventType = EventProjectCreated
	}

	payload := map[string]any{
		"projectId": input.Project.ID,
	}
	if name := strings.TrimSpace(input.Project.Name); name != "" {
		payload["name"] = name
	}

	return NewWorkspaceEvent(WorkspaceEventInput{
		EventType:      eventType,
		Topic:          TopicProjects,
		Workspace:      input.Workspace,
		EntityType:     "project",
		EntityID:       strconv.FormatInt(input.Project.ID, 10),
		CommandID:      input.CommandID,
		SourceClientID: input.SourceClientID,
		ActorUserID:    input.ActorUserID,
		Payload:        payload,
	})
}
