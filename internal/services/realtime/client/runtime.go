package client

import (
	"context"
	"errors"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/canopyhq/canopy/internal/services/realtime/domain"
)

// State is the runtime's connection state, keyed by the current
// eligibility fingerprint.
type State string

const (
	StateDisconnected      State = "disconnected"
	StateConnecting        State = "connecting"
	StateConnected         State = "connected"
	StateTerminalForbidden State = "terminal_forbidden"
)

const (
	defaultInitialBackoff      = 500 * time.Millisecond
	defaultMaxBackoff          = 30 * time.Second
	defaultMaintenanceInterval = 5 * time.Second
)

// SessionSnapshot is what the embedding surface currently knows about the
// user: whether they are signed in, which surface the tab runs, the active
// workspace, and the permission set the workspace granted.
type SessionSnapshot struct {
	Authenticated bool
	Surface       domain.Surface
	WorkspaceSlug string
	Permissions   []string
}

// SessionSource supplies the current session snapshot on demand. The
// runtime polls it on every maintenance tick so session changes are picked
// up within one interval.
type SessionSource interface {
	Snapshot() SessionSnapshot
}

// fingerprint captures everything a connection's subscriptions depend on.
// Two equal fingerprints mean an existing connection is still correct; any
// difference means tear down and reconnect.
type fingerprint struct {
	surface       domain.Surface
	authenticated bool
	workspaceSlug string
	topics        []domain.Topic
}

func (f fingerprint) eligible() bool {
	return f.authenticated && f.workspaceSlug != "" && len(f.topics) > 0
}

func (f fingerprint) key() string {
	parts := make([]string, 0, len(f.topics)+3)
	parts = append(parts, string(f.surface), strconv.FormatBool(f.authenticated), f.workspaceSlug)
	for _, topic := range f.topics {
		parts = append(parts, string(topic))
	}
	return strings.Join(parts, "|")
}

// pendingControl tracks one in-flight subscribe so its ack can be matched
// and anything from a superseded connection discarded.
type pendingControl struct {
	requestID      string
	epoch          int
	fingerprintKey string
	workspaceSlug  string
	topics         []domain.Topic
}

// RuntimeConfig wires a client runtime. Endpoint and Session are required;
// everything else has defaults.
type RuntimeConfig struct {
	Endpoint    string
	Session     SessionSource
	Invalidator CacheInvalidator
	Tracker     *CommandTracker
	Dial        Dialer

	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	MaintenanceInterval time.Duration
}

// Runtime is the per-tab connection manager: it computes the eligibility
// fingerprint, keeps at most one connection matching it, subscribes to the
// eligible topic set, reconciles caches on ack, and reconnects with
// exponential backoff. Forbidden subscribe acks park the runtime until the
// fingerprint changes.
type Runtime struct {
	endpoint            string
	session             SessionSource
	invalidator         CacheInvalidator
	tracker             *CommandTracker
	dial                Dialer
	maintenanceInterval time.Duration

	mu             sync.Mutex
	started        bool
	state          State
	epoch          int
	conn           Conn
	fingerprintKey string
	pending        *pendingControl
	forbiddenKey   string
	backoff        *backoff.ExponentialBackOff
	reconnectTimer *time.Timer
}

// NewRuntime builds a runtime. A nil Tracker gets a fresh one; a nil Dial
// uses the websocket dialer.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("realtime endpoint is required")
	}
	if cfg.Session == nil {
		return nil, errors.New("session source is required")
	}
	if cfg.Tracker == nil {
		cfg.Tracker = NewCommandTracker(TrackerConfig{})
	}
	if cfg.Dial == nil {
		cfg.Dial = DialWebSocket
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = defaultMaintenanceInterval
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialBackoff
	bo.RandomizationFactor = 0.2
	bo.Multiplier = 2
	bo.MaxInterval = cfg.MaxBackoff
	bo.Reset()

	r := &Runtime{
		endpoint:            cfg.Endpoint,
		session:             cfg.Session,
		invalidator:         cfg.Invalidator,
		tracker:             cfg.Tracker,
		dial:                cfg.Dial,
		maintenanceInterval: cfg.MaintenanceInterval,
		state:               StateDisconnected,
		backoff:             bo,
	}
	r.tracker.BindProcessor(r.processEnvelope)
	return r, nil
}

// Tracker returns the runtime's correlation tracker so the HTTP layer can
// tag outbound mutations.
func (r *Runtime) Tracker() *CommandTracker {
	return r.tracker
}

// State reports the current connection state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start launches the maintenance loop. It runs until the context ends.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()
	go r.maintain(ctx)
}

func (r *Runtime) maintain(ctx context.Context) {
	ticker := time.NewTicker(r.maintenanceInterval)
	defer ticker.Stop()

	r.Refresh()
	for {
		select {
		case <-ctx.Done():
			r.Stop()
			return
		case <-ticker.C:
			r.tracker.Sweep()
			r.Refresh()
		}
	}
}

// Stop tears down any live connection and clears timers and pending
// tracking. A stopped runtime can be started again.
func (r *Runtime) Stop() {
	r.mu.Lock()
	r.teardownLocked(StateDisconnected)
	r.started = false
	r.mu.Unlock()
}

// computeFingerprint derives the eligibility fingerprint from the current
// session snapshot: the surface, auth state, workspace, and every topic the
// surface plus permission set make subscribable.
func (r *Runtime) computeFingerprint() fingerprint {
	snapshot := r.session.Snapshot()
	surface := snapshot.Surface
	if _, ok := domain.ResolveSurface(string(surface)); !ok {
		surface = domain.DefaultSurface
	}

	fp := fingerprint{
		surface:       surface,
		authenticated: snapshot.Authenticated,
		workspaceSlug: strings.ToLower(strings.TrimSpace(snapshot.WorkspaceSlug)),
	}
	if !fp.authenticated || fp.workspaceSlug == "" {
		return fp
	}
	for _, topic := range domain.TopicsForSurface(surface) {
		if domain.HasTopicPermission(topic, snapshot.Permissions, surface) {
			fp.topics = append(fp.topics, topic)
		}
	}
	sort.Slice(fp.topics, func(i, j int) bool { return fp.topics[i] < fp.topics[j] })
	return fp
}

// Refresh re-evaluates eligibility against the live session and converges
// the connection toward it: teardown when ineligible, reconnect when the
// fingerprint changed, no-op when the current connection still matches.
func (r *Runtime) Refresh() {
	fp := r.computeFingerprint()
	key := fp.key()

	r.mu.Lock()

	if !fp.eligible() {
		r.teardownLocked(StateDisconnected)
		r.mu.Unlock()
		return
	}

	if r.forbiddenKey != "" {
		if r.forbiddenKey == key {
			r.mu.Unlock()
			return
		}
		// The fingerprint changed; the forbidden verdict no longer
		// applies.
		r.forbiddenKey = ""
		r.state = StateDisconnected
	}

	switch r.state {
	case StateConnecting, StateConnected:
		if r.fingerprintKey == key {
			r.mu.Unlock()
			return
		}
		r.teardownLocked(StateDisconnected)
	case StateDisconnected:
		if r.reconnectTimer != nil {
			if r.fingerprintKey == key {
				// Backoff owns the retry for this same fingerprint.
				r.mu.Unlock()
				return
			}
			r.reconnectTimer.Stop()
			r.reconnectTimer = nil
			r.backoff.Reset()
		}
	}

	r.epoch++
	epoch := r.epoch
	r.state = StateConnecting
	r.fingerprintKey = key
	r.mu.Unlock()

	r.connect(fp, epoch)
}

// connect dials outside the lock and installs the connection only if this
// epoch is still current when the dial returns.
func (r *Runtime) connect(fp fingerprint, epoch int) {
	handlers := ConnHandlers{
		OnMessage: func(msg ServerMessage) { r.handleMessage(epoch, msg) },
		OnClose:   func(err error) { r.handleDisconnect(epoch, err) },
	}

	conn, err := r.dial(context.Background(), r.endpoint, fp.surface, handlers)
	if err != nil {
		log.Printf("realtime client: connect failed: %v", err)
		r.scheduleReconnect(epoch)
		return
	}

	topics := make([]string, len(fp.topics))
	for i, topic := range fp.topics {
		topics[i] = string(topic)
	}
	requestID := newID()

	r.mu.Lock()
	if r.epoch != epoch || r.state != StateConnecting {
		r.mu.Unlock()
		_ = conn.Close()
		return
	}
	r.conn = conn
	r.state = StateConnected
	r.pending = &pendingControl{
		requestID:      requestID,
		epoch:          epoch,
		fingerprintKey: fp.key(),
		workspaceSlug:  fp.workspaceSlug,
		topics:         fp.topics,
	}
	r.mu.Unlock()

	if err := conn.Send(ControlMessage{
		Type:          messageTypeSubscribe,
		RequestID:     requestID,
		WorkspaceSlug: fp.workspaceSlug,
		Topics:        topics,
	}); err != nil {
		r.handleDisconnect(epoch, err)
	}
}

func (r *Runtime) handleMessage(epoch int, msg ServerMessage) {
	switch msg.Type {
	case messageTypePing:
		r.mu.Lock()
		conn := r.conn
		current := r.epoch == epoch
		r.mu.Unlock()
		if current && conn != nil {
			_ = conn.Send(ControlMessage{Type: messageTypePong, RequestID: msg.RequestID, TS: msg.TS})
		}

	case messageTypeSubscribed:
		r.mu.Lock()
		pending := r.pending
		if r.epoch != epoch || pending == nil || pending.requestID != msg.RequestID ||
			pending.epoch != epoch || pending.fingerprintKey != r.fingerprintKey {
			// Stale ack from a superseded connection.
			r.mu.Unlock()
			return
		}
		r.pending = nil
		r.backoff.Reset()
		slug := pending.workspaceSlug
		topics := append([]domain.Topic(nil), pending.topics...)
		r.mu.Unlock()

		// Reconciliation: treat the ack as one missed event per topic so
		// nothing that happened while disconnected stays stale.
		for _, topic := range topics {
			applyTopicInvalidation(r.invalidator, topic, slug)
		}

	case messageTypeEvent:
		if msg.Event == nil {
			return
		}
		r.mu.Lock()
		current := r.epoch == epoch
		r.mu.Unlock()
		if current {
			r.tracker.HandleEvent(*msg.Event)
		}

	case messageTypeError:
		r.mu.Lock()
		pending := r.pending
		if r.epoch != epoch || pending == nil || pending.requestID != msg.RequestID ||
			pending.epoch != epoch || pending.fingerprintKey != r.fingerprintKey {
			// Stale rejection from a superseded connection.
			r.mu.Unlock()
			return
		}
		r.pending = nil
		if msg.Code == errCodeForbidden {
			// Sticky until the fingerprint changes: retrying the same
			// subscribe would only fail the same way.
			r.forbiddenKey = pending.fingerprintKey
			r.teardownLocked(StateTerminalForbidden)
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		log.Printf("realtime client: subscribe rejected code=%s: %s", msg.Code, msg.Message)

	case messageTypeUnsubscribed, messageTypePong:
		// Nothing to track.
	}
}

// processEnvelope applies one admitted event: the topic's invalidation
// strategy scoped to the envelope's workspace.
func (r *Runtime) processEnvelope(envelope domain.Envelope) {
	applyTopicInvalidation(r.invalidator, envelope.Topic, envelope.WorkspaceSlug)
}

func (r *Runtime) handleDisconnect(epoch int, err error) {
	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	r.pending = nil
	if r.state == StateTerminalForbidden {
		r.mu.Unlock()
		return
	}
	r.state = StateDisconnected
	r.mu.Unlock()

	if err != nil {
		log.Printf("realtime client: connection closed: %v", err)
	}
	r.scheduleReconnect(epoch)
}

// scheduleReconnect arms the backoff timer for this epoch. The timer
// re-runs Refresh so the fingerprint is recomputed at fire time, not frozen
// at schedule time.
func (r *Runtime) scheduleReconnect(epoch int) {
	r.mu.Lock()
	if r.epoch != epoch || r.state == StateTerminalForbidden {
		r.mu.Unlock()
		return
	}
	r.state = StateDisconnected
	delay := r.backoff.NextBackOff()
	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
	}
	r.reconnectTimer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		r.reconnectTimer = nil
		r.mu.Unlock()
		r.Refresh()
	})
	r.mu.Unlock()
}

// teardownLocked closes any live connection and invalidates every callback
// and timer belonging to the current epoch. Callers hold r.mu.
func (r *Runtime) teardownLocked(next State) {
	r.epoch++
	r.pending = nil
	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
		r.reconnectTimer = nil
	}
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
	if next == StateDisconnected {
		r.fingerprintKey = ""
		r.backoff.Reset()
	}
	r.state = next
}
