package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/canopyhq/canopy/internal/platform/timeouts"
	"github.com/canopyhq/canopy/internal/services/realtime/domain"
)

// Headers the gateway forces onto resolver requests. Client-supplied values
// for these are discarded so a connection cannot claim a surface or
// workspace other than what the server validated.
const (
	headerSurface   = "X-Canopy-Surface"
	headerWorkspace = "X-Canopy-Workspace"
)

var (
	// ErrUnauthorized indicates the caller is not authenticated.
	ErrUnauthorized = errors.New("caller is not authenticated")
	// ErrForbidden indicates the caller is authenticated but not entitled.
	ErrForbidden = errors.New("caller is not entitled")
)

// AuthRequest is the normalized pseudo-HTTP request the gateway builds from
// a connection's handshake metadata. The external auth service consumes it
// in place of a real browser request.
type AuthRequest struct {
	Method     string
	Path       string
	Header     http.Header
	Query      url.Values
	RemoteAddr string
}

func authRequestFromHTTP(r *http.Request) AuthRequest {
	header := make(http.Header, len(r.Header))
	for name, values := range r.Header {
		header[name] = append([]string(nil), values...)
	}
	query := make(url.Values)
	if r.URL != nil {
		for name, values := range r.URL.Query() {
			query[name] = append([]string(nil), values...)
		}
	}
	path := "/"
	if r.URL != nil && r.URL.Path != "" {
		path = r.URL.Path
	}
	return AuthRequest{
		Method:     r.Method,
		Path:       path,
		Header:     header,
		Query:      query,
		RemoteAddr: r.RemoteAddr,
	}
}

// forWorkspace clones the request and force-overrides surface and workspace
// markers with server-validated values.
func (r AuthRequest) forWorkspace(surface domain.Surface, workspaceSlug string) AuthRequest {
	clone := AuthRequest{
		Method:     r.Method,
		Path:       r.Path,
		Header:     make(http.Header, len(r.Header)),
		Query:      make(url.Values, len(r.Query)),
		RemoteAddr: r.RemoteAddr,
	}
	for name, values := range r.Header {
		clone.Header[name] = append([]string(nil), values...)
	}
	for name, values := range r.Query {
		clone.Query[name] = append([]string(nil), values...)
	}
	clone.Header.Set(headerSurface, string(surface))
	clone.Header.Set(headerWorkspace, workspaceSlug)
	clone.Query.Set("surface", string(surface))
	clone.Query.Set("workspace", workspaceSlug)
	return clone
}

// WorkspaceContext is the resolved workspace identity and permission set for
// one caller at one moment. It is never cached across authorization checks.
type WorkspaceContext struct {
	WorkspaceID   int64
	WorkspaceSlug string
	Permissions   []string
}

// Authorizer resolves identity and workspace entitlement from the external
// auth service. Implementations must map explicit denials to ErrUnauthorized
// or ErrForbidden and keep transient failures as ordinary errors.
type Authorizer interface {
	// AuthenticateRequest resolves the caller's identity. ok is false when
	// the request carries no valid session; err reports transient failure.
	AuthenticateRequest(ctx context.Context, req AuthRequest) (profile domain.UserProfile, ok bool, err error)

	// ResolveWorkspaceContext resolves workspace membership and permissions
	// for the workspace named by the request's forced workspace marker.
	ResolveWorkspaceContext(ctx context.Context, req AuthRequest) (WorkspaceContext, error)
}

type authServiceResolver struct {
	baseURL        string
	resourceSecret string
	httpClient     *http.Client
}

// newAuthServiceResolver wires the HTTP adapter for the auth service, or
// returns nil when the gateway is not configured for it.
func newAuthServiceResolver(baseURL string, resourceSecret string) Authorizer {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil
	}
	return &authServiceResolver{
		baseURL:        strings.TrimRight(baseURL, "/"),
		resourceSecret: strings.TrimSpace(resourceSecret),
		httpClient: &http.Client{
			Timeout: timeouts.AuthRequest,
		},
	}
}

type authenticatePayload struct {
	Method     string              `json:"method"`
	Path       string              `json:"path"`
	Headers    map[string][]string `json:"headers"`
	Query      map[string][]string `json:"query"`
	RemoteAddr string              `json:"remoteAddr"`
}

type authenticateResponse struct {
	Authenticated bool               `json:"authenticated"`
	User          domain.UserProfile `json:"user"`
}

type workspaceContextPayload struct {
	authenticatePayload
	WorkspacePolicy string `json:"workspacePolicy"`
}

type workspaceContextResponse struct {
	Workspace struct {
		ID   int64  `json:"id"`
		Slug string `json:"slug"`
	} `json:"workspace"`
	Permissions []string `json:"permissions"`
}

func (a *authServiceResolver) post(ctx context.Context, endpoint string, payload any, out any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode auth payload: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeouts.AuthRequest)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, a.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.resourceSecret != "" {
		req.Header.Set("X-Resource-Secret", a.resourceSecret)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("call auth service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode auth response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func authPayloadFromRequest(req AuthRequest) authenticatePayload {
	return authenticatePayload{
		Method:     req.Method,
		Path:       req.Path,
		Headers:    req.Header,
		Query:      req.Query,
		RemoteAddr: req.RemoteAddr,
	}
}

func (a *authServiceResolver) AuthenticateRequest(ctx context.Context, req AuthRequest) (domain.UserProfile, bool, error) {
	var decoded authenticateResponse
	status, err := a.post(ctx, "/internal/realtime/authenticate", authPayloadFromRequest(req), &decoded)
	if err != nil {
		return domain.UserProfile{}, false, err
	}
	switch {
	case status == http.StatusOK && decoded.Authenticated && decoded.User.ID > 0:
		return decoded.User, true, nil
	case status == http.StatusOK || status == http.StatusUnauthorized:
		return domain.UserProfile{}, false, nil
	default:
		return domain.UserProfile{}, false, fmt.Errorf("auth authenticate status %d", status)
	}
}

func (a *authServiceResolver) ResolveWorkspaceContext(ctx context.Context, req AuthRequest) (WorkspaceContext, error) {
	payload := workspaceContextPayload{
		authenticatePayload: authPayloadFromRequest(req),
		WorkspacePolicy:     "required",
	}
	var decoded workspaceContextResponse
	status, err := a.post(ctx, "/internal/realtime/workspace-context", payload, &decoded)
	if err != nil {
		return WorkspaceContext{}, err
	}
	switch status {
	case http.StatusOK:
		return WorkspaceContext{
			WorkspaceID:   decoded.Workspace.ID,
			WorkspaceSlug: strings.ToLower(strings.TrimSpace(decoded.Workspace.Slug)),
			Permissions:   decoded.Permissions,
		}, nil
	case http.StatusUnauthorized:
		return WorkspaceContext{}, ErrUnauthorized
	case http.StatusForbidden, http.StatusConflict:
		return WorkspaceContext{}, ErrForbidden
	default:
		return WorkspaceContext{}, fmt.Errorf("auth workspace context status %d", status)
	}
}
