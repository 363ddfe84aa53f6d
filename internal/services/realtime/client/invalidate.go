package client

import "github.com/canopyhq/canopy/internal/services/realtime/domain"

// CacheInvalidator is the seam between the realtime runtime and whatever
// query cache the embedding surface maintains. Each method invalidates one
// cache scope for a workspace; implementations decide what that means.
type CacheInvalidator interface {
	// InvalidateProjects drops cached project list and detail queries for
	// the workspace.
	InvalidateProjects(workspaceSlug string)

	// InvalidateWorkspaceAdmin drops the workspace administration scope:
	// settings, members, and invites queries.
	InvalidateWorkspaceAdmin(workspaceSlug string)

	// RefreshWorkspaceBootstrap forces a reload of the workspace bootstrap
	// payload. Settings and membership events can change the current
	// user's own role and permissions, which only the bootstrap carries.
	RefreshWorkspaceBootstrap(workspaceSlug string)

	// InvalidateTranscripts drops cached AI transcript queries for the
	// workspace.
	InvalidateTranscripts(workspaceSlug string)

	// InvalidateBilling drops cached billing limit queries for the
	// workspace.
	InvalidateBilling(workspaceSlug string)
}

// applyTopicInvalidation runs one topic's invalidation strategy. It is used
// both for inbound events and for subscribe-ack reconciliation, where it
// substitutes for every event missed while disconnected.
func applyTopicInvalidation(invalidator CacheInvalidator, topic domain.Topic, workspaceSlug string) {
	if invalidator == nil {
		return
	}
	switch topic {
	case domain.TopicProjects:
		invalidator.InvalidateProjects(workspaceSlug)
	case domain.TopicWorkspaceMeta, domain.TopicWorkspaceSettings, domain.TopicWorkspaceMembers:
		invalidator.InvalidateWorkspaceAdmin(workspaceSlug)
		invalidator.RefreshWorkspaceBootstrap(workspaceSlug)
	case domain.TopicWorkspaceInvites:
		invalidator.InvalidateWorkspaceAdmin(workspaceSlug)
	case domain.TopicAITranscripts:
		invalidator.InvalidateTranscripts(workspaceSlug)
	case domain.TopicBillingLimits:
		invalidator.InvalidateBilling(workspaceSlug)
	}
}
