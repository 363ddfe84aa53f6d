package server

import (
	"errors"
	"testing"

	"github.com/canopyhq/canopy/internal/services/realtime/domain"
)

func TestSubscribeGrantsRequestedTopics(t *testing.T) {
	authorizer := allowAllAuthorizer()
	g := newTestGateway(t, authorizer, Config{})
	srv := startTestServer(t, g)
	conn := dialRealtime(t, srv, "surface=app")

	reply := subscribeTopics(t, conn, "req-1", "acme", string(domain.TopicProjects), string(domain.TopicWorkspaceMeta))
	if reply.Type != messageTypeSubscribed {
		t.Fatalf("expected subscribed, got %+v", reply)
	}
	if reply.RequestID != "req-1" || reply.WorkspaceSlug != "acme" {
		t.Fatalf("expected echoed request id and slug, got %+v", reply)
	}
	if len(reply.Topics) != 2 {
		t.Fatalf("expected 2 confirmed topics, got %v", reply.Topics)
	}

	conns := g.snapshotConns()
	if len(conns) != 1 {
		t.Fatalf("expected one registered connection, got %d", len(conns))
	}
	if !conns[0].hasSubscription(11, domain.TopicProjects) || !conns[0].hasSubscription(11, domain.TopicWorkspaceMeta) {
		t.Fatalf("expected both subscriptions active, got %v", conns[0].snapshotSubscriptions())
	}
}

func TestSubscribeNormalizesSlugAndDeduplicatesTopics(t *testing.T) {
	authorizer := allowAllAuthorizer()
	g := newTestGateway(t, authorizer, Config{})
	srv := startTestServer(t, g)
	conn := dialRealtime(t, srv, "surface=app")

	reply := subscribeTopics(t, conn, "req-1", "  ACME  ",
		string(domain.TopicProjects), string(domain.TopicProjects), " projects ")
	if reply.Type != messageTypeSubscribed {
		t.Fatalf("expected subscribed, got %+v", reply)
	}
	if reply.WorkspaceSlug != "acme" {
		t.Fatalf("expected normalized slug, got %q", reply.WorkspaceSlug)
	}
	if len(reply.Topics) != 1 || reply.Topics[0] != domain.TopicProjects {
		t.Fatalf("expected deduplicated topics, got %v", reply.Topics)
	}
}

func TestSubscribeRejectsMissingWorkspaceBeforeResolution(t *testing.T) {
	authorizer := allowAllAuthorizer()
	g := newTestGateway(t, authorizer, Config{})
	srv := startTestServer(t, g)
	conn := dialRealtime(t, srv, "surface=app")

	reply := subscribeTopics(t, conn, "req-1", "", string(domain.TopicProjects))
	if reply.Type != messageTypeError || reply.Code != errCodeWorkspaceRequired {
		t.Fatalf("expected workspace_required, got %+v", reply)
	}
	if reply.RequestID != "req-1" {
		t.Fatalf("expected echoed request id, got %+v", reply)
	}
	if authorizer.resolveCallCount() != 0 {
		t.Fatal("expected no workspace resolution for a missing slug")
	}
}

func TestSubscribeRejectsMalformedSlug(t *testing.T) {
	authorizer := allowAllAuthorizer()
	g := newTestGateway(t, authorizer, Config{})
	srv := startTestServer(t, g)
	conn := dialRealtime(t, srv, "surface=app")

	for _, slug := range []string{"-acme", "acme-", "ac me", "a_b"} {
		reply := subscribeTopics(t, conn, "req-1", slug, string(domain.TopicProjects))
		if reply.Code != errCodeWorkspaceRequired {
			t.Fatalf("slug %q: expected workspace_required, got %+v", slug, reply)
		}
	}
	if authorizer.resolveCallCount() != 0 {
		t.Fatal("expected no workspace resolution for malformed slugs")
	}
}

func TestSubscribeRejectsEmptyTopics(t *testing.T) {
	g := newTestGateway(t, allowAllAuthorizer(), Config{})
	srv := startTestServer(t, g)
	conn := dialRealtime(t, srv, "surface=app")

	reply := subscribeTopics(t, conn, "req-1", "acme")
	if reply.Type != messageTypeError || reply.Code != errCodeInvalidMessage {
		t.Fatalf("expected invalid_message for empty topics, got %+v", reply)
	}
}

func TestSubscribeRejectsUnsupportedTopic(t *testing.T) {
	authorizer := allowAllAuthorizer()
	g := newTestGateway(t, authorizer, Config{})
	srv := startTestServer(t, g)
	conn := dialRealtime(t, srv, "surface=app")

	reply := subscribeTopics(t, conn, "req-1", "acme", "stock_quotes")
	if reply.Type != messageTypeError || reply.Code != errCodeUnsupportedTopic {
		t.Fatalf("expected unsupported_topic, got %+v", reply)
	}
	if authorizer.resolveCallCount() != 0 {
		t.Fatal("expected topic validation before workspace resolution")
	}
}

func TestSubscribeDeniesTopicMissingPermission(t *testing.T) {
	authorizer := allowAllAuthorizer()
	authorizer.setPermissions([]string{"project.view"})
	g := newTestGateway(t, authorizer, Config{})
	srv := startTestServer(t, g)
	conn := dialRealtime(t, srv, "surface=app")

	reply := subscribeTopics(t, conn, "req-7", "acme", string(domain.TopicWorkspaceSettings))
	if reply.Type != messageTypeError || reply.Code != errCodeForbidden {
		t.Fatalf("expected forbidden, got %+v", reply)
	}
	if reply.RequestID != "req-7" {
		t.Fatalf("expected echoed request id, got %+v", reply)
	}
}

func TestSubscribeBatchIsAtomic(t *testing.T) {
	authorizer := allowAllAuthorizer()
	authorizer.setPermissions([]string{"project.view"})
	g := newTestGateway(t, authorizer, Config{})
	srv := startTestServer(t, g)
	conn := dialRealtime(t, srv, "surface=app")

	// projects is permitted, workspace_settings is not: the whole batch
	// must fail and leave no subscription behind.
	reply := subscribeTopics(t, conn, "req-1", "acme",
		string(domain.TopicProjects), string(domain.TopicWorkspaceSettings))
	if reply.Type != messageTypeError || reply.Code != errCodeForbidden {
		t.Fatalf("expected forbidden for mixed batch, got %+v", reply)
	}

	conns := g.snapshotConns()
	if len(conns) != 1 {
		t.Fatalf("expected one registered connection, got %d", len(conns))
	}
	if subs := conns[0].snapshotSubscriptions(); len(subs) != 0 {
		t.Fatalf("expected no partial subscriptions, got %v", subs)
	}
	if members := g.rooms.Members(room{workspaceID: 11, topic: domain.TopicProjects}); len(members) != 0 {
		t.Fatalf("expected empty room after rejected batch, got %d members", len(members))
	}
}

func TestSubscribeMapsResolverErrors(t *testing.T) {
	cases := []struct {
		name       string
		resolveErr error
		wantCode   string
	}{
		{name: "unauthorized", resolveErr: ErrUnauthorized, wantCode: errCodeUnauthorized},
		{name: "forbidden", resolveErr: ErrForbidden, wantCode: errCodeForbidden},
		{name: "transient", resolveErr: errors.New("auth service down"), wantCode: errCodeInternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			authorizer := allowAllAuthorizer()
			authorizer.setResolveErr(tc.resolveErr)
			g := newTestGateway(t, authorizer, Config{})
			srv := startTestServer(t, g)
			conn := dialRealtime(t, srv, "surface=app")

			reply := subscribeTopics(t, conn, "req-1", "acme", string(domain.TopicProjects))
			if reply.Type != messageTypeError || reply.Code != tc.wantCode {
				t.Fatalf("expected %s, got %+v", tc.wantCode, reply)
			}
		})
	}
}

func TestSubscribeDeniesNonMember(t *testing.T) {
	authorizer := allowAllAuthorizer()
	authorizer.workspace = WorkspaceContext{}
	g := newTestGateway(t, authorizer, Config{})
	srv := startTestServer(t, g)
	conn := dialRealtime(t, srv, "surface=app")

	reply := subscribeTopics(t, conn, "req-1", "acme", string(domain.TopicProjects))
	if reply.Type != messageTypeError || reply.Code != errCodeForbidden {
		t.Fatalf("expected forbidden for non-member, got %+v", reply)
	}
}

func TestSubscribeForcesServerValidatedSurfaceAndSlug(t *testing.T) {
	authorizer := allowAllAuthorizer()
	g := newTestGateway(t, authorizer, Config{})
	srv := startTestServer(t, g)
	conn := dialRealtime(t, srv, "surface=admin")

	reply := subscribeTopics(t, conn, "req-1", "ACME", string(domain.TopicWorkspaceMeta))
	if reply.Type != messageTypeSubscribed {
		t.Fatalf("expected subscribed, got %+v", reply)
	}

	call, ok := authorizer.lastResolveCall()
	if !ok {
		t.Fatal("expected a workspace resolution call")
	}
	if got := call.Header.Get(headerSurface); got != string(domain.SurfaceAdmin) {
		t.Fatalf("expected forced surface header %q, got %q", domain.SurfaceAdmin, got)
	}
	if got := call.Header.Get(headerWorkspace); got != "acme" {
		t.Fatalf("expected forced normalized slug header, got %q", got)
	}
}

func TestSubscribeBillingLimitsPerSurfacePolicy(t *testing.T) {
	authorizer := allowAllAuthorizer()
	authorizer.setPermissions([]string{"projects.read"})
	g := newTestGateway(t, authorizer, Config{})
	srv := startTestServer(t, g)

	// On the app surface billing_limits only requires membership.
	appConn := dialRealtime(t, srv, "surface=app")
	if reply := subscribeTopics(t, appConn, "req-1", "acme", string(domain.TopicBillingLimits)); reply.Type != messageTypeSubscribed {
		t.Fatalf("expected membership-only subscribe on app surface, got %+v", reply)
	}

	// On the admin surface the same topic needs the billing permission.
	adminConn := dialRealtime(t, srv, "surface=admin")
	if reply := subscribeTopics(t, adminConn, "req-2", "acme", string(domain.TopicBillingLimits)); reply.Type != messageTypeError || reply.Code != errCodeForbidden {
		t.Fatalf("expected forbidden on admin surface without billing permission, got %+v", reply)
	}

	authorizer.setPermissions([]string{"workspace.billing.manage"})
	if reply := subscribeTopics(t, adminConn, "req-3", "acme", string(domain.TopicBillingLimits)); reply.Type != messageTypeSubscribed {
		t.Fatalf("expected subscribed with billing permission, got %+v", reply)
	}
}

func TestUnsubscribeRemovesTopics(t *testing.T) {
	authorizer := allowAllAuthorizer()
	g := newTestGateway(t, authorizer, Config{})
	srv := startTestServer(t, g)
	conn := dialRealtime(t, srv, "surface=app")

	if reply := subscribeTopics(t, conn, "req-1", "acme", string(domain.TopicProjects)); reply.Type != messageTypeSubscribed {
		t.Fatalf("expected subscribed, got %+v", reply)
	}

	sendMessage(t, conn, clientMessage{
		Type:          messageTypeUnsubscribe,
		RequestID:     "req-2",
		WorkspaceSlug: "acme",
		Topics:        []string{string(domain.TopicProjects)},
	})
	reply := readMessage(t, conn)
	if reply.Type != messageTypeUnsubscribed || reply.RequestID != "req-2" {
		t.Fatalf("expected unsubscribed, got %+v", reply)
	}

	conns := g.snapshotConns()
	if len(conns) != 1 || conns[0].hasSubscription(11, domain.TopicProjects) {
		t.Fatal("expected subscription to be removed")
	}
	if members := g.rooms.Members(room{workspaceID: 11, topic: domain.TopicProjects}); len(members) != 0 {
		t.Fatalf("expected empty room after unsubscribe, got %d members", len(members))
	}
}

func TestUnsubscribeRunsAuthorizationPipeline(t *testing.T) {
	authorizer := allowAllAuthorizer()
	g := newTestGateway(t, authorizer, Config{})
	srv := startTestServer(t, g)
	conn := dialRealtime(t, srv, "surface=app")

	if reply := subscribeTopics(t, conn, "req-1", "acme", string(domain.TopicProjects)); reply.Type != messageTypeSubscribed {
		t.Fatalf("expected subscribed, got %+v", reply)
	}

	authorizer.setResolveErr(ErrForbidden)
	sendMessage(t, conn, clientMessage{
		Type:          messageTypeUnsubscribe,
		RequestID:     "req-2",
		WorkspaceSlug: "acme",
		Topics:        []string{string(domain.TopicProjects)},
	})
	reply := readMessage(t, conn)
	if reply.Type != messageTypeError || reply.Code != errCodeForbidden {
		t.Fatalf("expected forbidden unsubscribe, got %+v", reply)
	}
}
