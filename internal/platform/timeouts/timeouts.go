// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// AuthRequest caps a single call to the auth service's resolution endpoints.
const AuthRequest = 3 * time.Second

// BrokerConnect caps the wait for the realtime broker at startup.
const BrokerConnect = 5 * time.Second

// BrokerDisconnect caps the graceful broker quit during shutdown before the
// connection is force-closed.
const BrokerDisconnect = 3 * time.Second

// Heartbeat is the default interval between realtime liveness sweeps.
const Heartbeat = 25 * time.Second
