// Package realtime implements the event-distribution gateway for workspace
// surfaces.
//
// It keeps WebSocket lifecycle, subscription authorization, and fan-out
// isolated from business logic: services publish envelopes through the bus
// and remain the source of truth for the data those envelopes describe.
package realtime
