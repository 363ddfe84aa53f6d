package domain

import "strings"

// Topic is a named category of events a connection can subscribe to.
type Topic string

const (
	TopicProjects          Topic = "projects"
	TopicWorkspaceMeta     Topic = "workspace_meta"
	TopicWorkspaceSettings Topic = "workspace_settings"
	TopicWorkspaceMembers  Topic = "workspace_members"
	TopicWorkspaceInvites  Topic = "workspace_invites"
	TopicAITranscripts     Topic = "ai_transcripts"
	TopicBillingLimits     Topic = "billing_limits"
)

// PermissionWildcard grants every topic permission when present in a
// caller's permission set.
const PermissionWildcard = "*"

// TopicRule is the static subscription policy for one topic.
//
// An empty SubscribeSurfaces set means every surface may subscribe. An empty
// RequiredAnyPermission list means workspace membership alone suffices;
// otherwise the caller needs at least one of the listed permissions.
// RequiredAnyPermissionBySurface overrides the default list for a specific
// surface.
type TopicRule struct {
	SubscribeSurfaces              []Surface
	RequiredAnyPermission          []string
	RequiredAnyPermissionBySurface map[Surface][]string
}

var topicRules = map[Topic]TopicRule{
	TopicProjects: {
		RequiredAnyPermission: []string{"projects.read"},
	},
	TopicWorkspaceMeta: {},
	TopicWorkspaceSettings: {
		RequiredAnyPermission: []string{"workspace.settings.view", "workspace.settings.update"},
	},
	TopicWorkspaceMembers: {
		RequiredAnyPermission: []string{"workspace.members.view", "workspace.members.manage"},
	},
	TopicWorkspaceInvites: {
		RequiredAnyPermission: []string{"workspace.invites.view", "workspace.invites.manage"},
	},
	TopicAITranscripts: {
		RequiredAnyPermission: []string{"ai.transcripts.read"},
	},
	TopicBillingLimits: {
		RequiredAnyPermissionBySurface: map[Surface][]string{
			SurfaceApp:   {},
			SurfaceAdmin: {"workspace.billing.manage"},
		},
	},
}

// topicOrder keeps listing output deterministic.
var topicOrder = []Topic{
	TopicProjects,
	TopicWorkspaceMeta,
	TopicWorkspaceSettings,
	TopicWorkspaceMembers,
	TopicWorkspaceInvites,
	TopicAITranscripts,
	TopicBillingLimits,
}

// IsSupportedTopic reports whether the topic exists in the registry.
func IsSupportedTopic(topic Topic) bool {
	_, ok := topicRules[topic]
	return ok
}

// IsTopicAllowedForSurface reports whether connections on the surface may
// subscribe to the topic. Topics without an explicit surface set allow all
// surfaces.
func IsTopicAllowedForSurface(topic Topic, surface Surface) bool {
	rule, ok := topicRules[topic]
	if !ok {
		return false
	}
	if len(rule.SubscribeSurfaces) == 0 {
		return true
	}
	normalized := Surface(strings.ToLower(string(surface)))
	for _, allowed := range rule.SubscribeSurfaces {
		if allowed == normalized {
			return true
		}
	}
	return false
}

// HasTopicPermission reports whether a caller holding permissions may
// receive the topic on the surface. The surface-specific required list takes
// precedence over the topic default; an empty effective list requires only
// workspace membership. Permission strings are case-sensitive but
// whitespace-trimmed, and the "*" wildcard always matches.
func HasTopicPermission(topic Topic, permissions []string, surface Surface) bool {
	rule, ok := topicRules[topic]
	if !ok {
		return false
	}

	required := rule.RequiredAnyPermission
	if rule.RequiredAnyPermissionBySurface != nil {
		if override, ok := rule.RequiredAnyPermissionBySurface[Surface(strings.ToLower(string(surface)))]; ok {
			required = override
		}
	}
	if len(required) == 0 {
		return true
	}

	held := make(map[string]struct{}, len(permissions))
	for _, permission := range permissions {
		held[strings.TrimSpace(permission)] = struct{}{}
	}
	if _, ok := held[PermissionWildcard]; ok {
		return true
	}
	for _, permission := range required {
		if _, ok := held[permission]; ok {
			return true
		}
	}
	return false
}

// TopicsForSurface lists every topic the surface may subscribe to, in
// registry order.
func TopicsForSurface(surface Surface) []Topic {
	topics := make([]Topic, 0, len(topicOrder))
	for _, topic := range topicOrder {
		if IsTopicAllowedForSurface(topic, surface) {
			topics = append(topics, topic)
		}
	}
	return topics
}
