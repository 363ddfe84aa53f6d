package domain

import "strings"

// Surface identifies a logical front-end application context. Each surface
// has its own URL prefix and permission expectations; a connection declares
// its surface once at handshake and keeps it for the connection's lifetime.
type Surface string

const (
	// SurfaceApp is the main workspace application.
	SurfaceApp Surface = "app"
	// SurfaceAdmin is the workspace administration console.
	SurfaceAdmin Surface = "admin"
)

// DefaultSurface is assumed when a connection does not declare a surface.
const DefaultSurface = SurfaceApp

var surfacePathPrefixes = map[Surface]string{
	SurfaceApp:   "/",
	SurfaceAdmin: "/admin",
}

// ResolveSurface normalizes a declared surface value against the surface
// registry. The empty string resolves to nothing; callers decide whether an
// absent declaration falls back to DefaultSurface.
func ResolveSurface(raw string) (Surface, bool) {
	surface := Surface(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := surfacePathPrefixes[surface]; !ok {
		return "", false
	}
	return surface, true
}

// PathPrefix returns the URL prefix the surface is served under.
func (s Surface) PathPrefix() string {
	return surfacePathPrefixes[s]
}

// Surfaces lists all registered surfaces in stable order.
func Surfaces() []Surface {
	return []Surface{SurfaceApp, SurfaceAdmin}
}
