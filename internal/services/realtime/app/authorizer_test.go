package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/canopyhq/canopy/internal/services/realtime/domain"
)

func TestNewAuthServiceResolverRequiresBaseURL(t *testing.T) {
	if resolver := newAuthServiceResolver("", "secret"); resolver != nil {
		t.Fatal("expected nil resolver without a base url")
	}
	if resolver := newAuthServiceResolver("   ", "secret"); resolver != nil {
		t.Fatal("expected nil resolver for a blank base url")
	}
	if resolver := newAuthServiceResolver("http://auth.internal", ""); resolver == nil {
		t.Fatal("expected resolver with a base url")
	}
}

func TestAuthenticateRequest(t *testing.T) {
	var gotPath, gotSecret string
	var gotPayload authenticatePayload
	status := http.StatusOK
	response := authenticateResponse{
		Authenticated: true,
		User:          domain.UserProfile{ID: 42, Email: "dev@acme.test", DisplayName: "Dev"},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSecret = r.Header.Get("X-Resource-Secret")
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response)
	}))
	defer srv.Close()

	resolver := newAuthServiceResolver(srv.URL, "hunter2")
	req := AuthRequest{
		Method:     http.MethodGet,
		Path:       "/realtime",
		Header:     http.Header{"Cookie": {"session=abc"}},
		Query:      url.Values{"surface": {"app"}},
		RemoteAddr: "10.0.0.1:5000",
	}

	profile, ok, err := resolver.AuthenticateRequest(context.Background(), req)
	if err != nil || !ok {
		t.Fatalf("expected authenticated, got ok=%v err=%v", ok, err)
	}
	if profile.ID != 42 || profile.Email != "dev@acme.test" {
		t.Fatalf("unexpected profile %+v", profile)
	}
	if gotPath != "/internal/realtime/authenticate" {
		t.Fatalf("unexpected endpoint %q", gotPath)
	}
	if gotSecret != "hunter2" {
		t.Fatalf("expected resource secret header, got %q", gotSecret)
	}
	if got := gotPayload.Headers["Cookie"]; len(got) != 1 || got[0] != "session=abc" {
		t.Fatalf("expected handshake headers forwarded, got %v", gotPayload.Headers)
	}

	// 200 without a session is a clean "not authenticated", not an error.
	response = authenticateResponse{}
	if _, ok, err := resolver.AuthenticateRequest(context.Background(), req); ok || err != nil {
		t.Fatalf("expected unauthenticated without error, got ok=%v err=%v", ok, err)
	}

	status = http.StatusUnauthorized
	if _, ok, err := resolver.AuthenticateRequest(context.Background(), req); ok || err != nil {
		t.Fatalf("expected 401 to mean unauthenticated, got ok=%v err=%v", ok, err)
	}

	status = http.StatusInternalServerError
	if _, _, err := resolver.AuthenticateRequest(context.Background(), req); err == nil {
		t.Fatal("expected transient failure for 5xx")
	}
}

func TestResolveWorkspaceContext(t *testing.T) {
	var gotPath string
	var gotPayload workspaceContextPayload
	status := http.StatusOK

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"workspace":   map[string]any{"id": 11, "slug": " ACME "},
			"permissions": []string{"projects.read"},
		})
	}))
	defer srv.Close()

	resolver := newAuthServiceResolver(srv.URL, "")
	req := AuthRequest{Method: http.MethodGet, Path: "/realtime", Header: http.Header{}, Query: url.Values{}}

	workspace, err := resolver.ResolveWorkspaceContext(context.Background(), req.forWorkspace(domain.SurfaceApp, "acme"))
	if err != nil {
		t.Fatalf("resolve workspace context: %v", err)
	}
	if gotPath != "/internal/realtime/workspace-context" {
		t.Fatalf("unexpected endpoint %q", gotPath)
	}
	if gotPayload.WorkspacePolicy != "required" {
		t.Fatalf("expected required workspace policy, got %q", gotPayload.WorkspacePolicy)
	}
	if got := gotPayload.Headers[headerWorkspace]; len(got) != 1 || got[0] != "acme" {
		t.Fatalf("expected forced workspace marker, got %v", gotPayload.Headers)
	}
	if workspace.WorkspaceID != 11 || workspace.WorkspaceSlug != "acme" {
		t.Fatalf("expected normalized workspace, got %+v", workspace)
	}
	if len(workspace.Permissions) != 1 || workspace.Permissions[0] != "projects.read" {
		t.Fatalf("unexpected permissions %v", workspace.Permissions)
	}

	status = http.StatusUnauthorized
	if _, err := resolver.ResolveWorkspaceContext(context.Background(), req); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	status = http.StatusForbidden
	if _, err := resolver.ResolveWorkspaceContext(context.Background(), req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for 403, got %v", err)
	}

	status = http.StatusConflict
	if _, err := resolver.ResolveWorkspaceContext(context.Background(), req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for 409, got %v", err)
	}

	status = http.StatusBadGateway
	if _, err := resolver.ResolveWorkspaceContext(context.Background(), req); err == nil ||
		errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden) {
		t.Fatalf("expected transient error for 502, got %v", err)
	}
}

func TestForWorkspaceClonesRequest(t *testing.T) {
	original := AuthRequest{
		Method:     http.MethodGet,
		Path:       "/realtime",
		Header:     http.Header{"Cookie": {"session=abc"}, headerSurface: {"spoofed"}},
		Query:      url.Values{"workspace": {"spoofed"}},
		RemoteAddr: "10.0.0.1:5000",
	}

	forced := original.forWorkspace(domain.SurfaceAdmin, "acme")
	if got := forced.Header.Get(headerSurface); got != string(domain.SurfaceAdmin) {
		t.Fatalf("expected forced surface, got %q", got)
	}
	if got := forced.Header.Get(headerWorkspace); got != "acme" {
		t.Fatalf("expected forced workspace, got %q", got)
	}
	if got := forced.Query.Get("workspace"); got != "acme" {
		t.Fatalf("expected forced workspace query, got %q", got)
	}
	if got := forced.Header.Get("Cookie"); got != "session=abc" {
		t.Fatalf("expected session cookie preserved, got %q", got)
	}

	// The clone must not alias the original's maps.
	forced.Header.Set("Cookie", "session=other")
	if got := original.Header.Get("Cookie"); got != "session=abc" {
		t.Fatalf("expected original headers untouched, got %q", got)
	}
	if got := original.Header.Get(headerSurface); got != "spoofed" {
		t.Fatalf("expected original spoofed surface untouched, got %q", got)
	}
}
