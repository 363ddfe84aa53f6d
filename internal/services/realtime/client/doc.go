// Package client is the embedding side of the realtime gateway: a per-tab
// runtime that keeps one websocket connection aligned with the user's
// current eligibility, reconciles query caches on subscribe, and correlates
// the tab's own mutations with the events they echo back.
package client
