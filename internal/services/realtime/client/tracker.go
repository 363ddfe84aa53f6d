package client

import (
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/canopyhq/canopy/internal/platform/id"
	"github.com/canopyhq/canopy/internal/services/realtime/domain"
)

// Outcome is the terminal state of a tracked command.
type Outcome string

const (
	OutcomeAcked  Outcome = "acked"
	OutcomeFailed Outcome = "failed"
)

const (
	defaultCommandTTL            = 30 * time.Second
	defaultMaxPending            = 256
	defaultResolvedTTL           = 2 * time.Minute
	defaultMaxResolved           = 512
	defaultSeenEventTTL          = 5 * time.Minute
	defaultMaxSeenEvents         = 1024
	defaultMaxDeferredPerCommand = 16
)

// CommandPattern is one allowlist entry: an HTTP method plus a path
// pattern. Only mutations whose effects are also broadcast over realtime
// belong here; tagging every write would defer events it can never
// correlate.
type CommandPattern struct {
	Method string
	Path   *regexp.Regexp
}

// defaultCommandPatterns covers the mutations whose writes come back as
// realtime events.
var defaultCommandPatterns = []CommandPattern{
	{Method: http.MethodPost, Path: regexp.MustCompile(`^/api/workspaces/[^/]+/projects$`)},
	{Method: http.MethodPatch, Path: regexp.MustCompile(`^/api/workspaces/[^/]+/projects/\d+$`)},
	{Method: http.MethodDelete, Path: regexp.MustCompile(`^/api/workspaces/[^/]+/projects/\d+$`)},
	{Method: http.MethodPatch, Path: regexp.MustCompile(`^/api/workspaces/[^/]+/settings$`)},
	{Method: http.MethodPost, Path: regexp.MustCompile(`^/api/workspaces/[^/]+/members(/.*)?$`)},
	{Method: http.MethodDelete, Path: regexp.MustCompile(`^/api/workspaces/[^/]+/members/\d+$`)},
	{Method: http.MethodPost, Path: regexp.MustCompile(`^/api/workspaces/[^/]+/invites(/.*)?$`)},
	{Method: http.MethodDelete, Path: regexp.MustCompile(`^/api/workspaces/[^/]+/invites/\d+$`)},
}

type pendingCommand struct {
	id         string
	recordedAt time.Time
	deferred   []domain.Envelope
}

// newID generates an identifier, falling back to a time-derived value if the
// system's entropy source fails; the tab runtime must not panic over it.
func newID() string {
	generated, err := id.NewID()
	if err != nil {
		log.Printf("realtime client: generate id: %v", err)
		return "fallback-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return generated
}

// TrackerConfig tunes the correlation tracker. Zero values select the
// defaults; Now exists so tests can drive expiry with a fake clock.
type TrackerConfig struct {
	ClientID    string
	Patterns    []CommandPattern
	CommandTTL  time.Duration
	MaxPending  int
	MaxDeferred int
	Now         func() time.Time
}

// CommandTracker correlates this tab's own mutating HTTP requests with the
// realtime events they produce. A command is recorded pending before its
// request is sent; self events for a pending command are deferred until the
// command resolves so a broadcast can never be applied ahead of the HTTP
// response that confirms the write.
type CommandTracker struct {
	clientID    string
	patterns    []CommandPattern
	commandTTL  time.Duration
	maxPending  int
	maxDeferred int
	now         func() time.Time

	mu           sync.Mutex
	pending      map[string]*pendingCommand
	pendingOrder []string
	acked        *expirable.LRU[string, time.Time]
	failed       *expirable.LRU[string, time.Time]
	seenEvents   *expirable.LRU[string, struct{}]
	listeners    map[int]func(commandID string, outcome Outcome)
	nextListener int
	process      processFunc
}

// processFunc applies one envelope's effects; the runtime binds it.
type processFunc func(domain.Envelope)

// NewCommandTracker builds a tracker for one tab. The client id is stable
// for the tab's lifetime and stamps every tagged request.
func NewCommandTracker(cfg TrackerConfig) *CommandTracker {
	if cfg.ClientID == "" {
		cfg.ClientID = newID()
	}
	if cfg.Patterns == nil {
		cfg.Patterns = defaultCommandPatterns
	}
	if cfg.CommandTTL <= 0 {
		cfg.CommandTTL = defaultCommandTTL
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaultMaxPending
	}
	if cfg.MaxDeferred <= 0 {
		cfg.MaxDeferred = defaultMaxDeferredPerCommand
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CommandTracker{
		clientID:    cfg.ClientID,
		patterns:    cfg.Patterns,
		commandTTL:  cfg.CommandTTL,
		maxPending:  cfg.MaxPending,
		maxDeferred: cfg.MaxDeferred,
		now:         cfg.Now,
		pending:     make(map[string]*pendingCommand),
		acked:       expirable.NewLRU[string, time.Time](defaultMaxResolved, nil, defaultResolvedTTL),
		failed:      expirable.NewLRU[string, time.Time](defaultMaxResolved, nil, defaultResolvedTTL),
		seenEvents:  expirable.NewLRU[string, struct{}](defaultMaxSeenEvents, nil, defaultSeenEventTTL),
		listeners:   make(map[int]func(string, Outcome)),
	}
}

// ClientID returns the tab's stable client id.
func (t *CommandTracker) ClientID() string {
	return t.clientID
}

// Matches reports whether a method and path belong to the correlated
// mutation allowlist.
func (t *CommandTracker) Matches(method string, path string) bool {
	method = strings.ToUpper(strings.TrimSpace(method))
	for _, pattern := range t.patterns {
		if pattern.Method == method && pattern.Path.MatchString(path) {
			return true
		}
	}
	return false
}

// Tag assigns a command id to an outbound mutation, or reports that the
// request is not correlated. Passing the previous command id marks a
// transport-level retry of the same command: the id is reused verbatim and
// no second pending record is created.
func (t *CommandTracker) Tag(method string, path string, retryOf string) (string, bool) {
	if !t.Matches(method, path) {
		return "", false
	}

	t.mu.Lock()

	if retryOf != "" {
		if _, ok := t.pending[retryOf]; ok {
			t.mu.Unlock()
			return retryOf, true
		}
	}

	commandID := newID()
	t.pending[commandID] = &pendingCommand{id: commandID, recordedAt: t.now()}
	t.pendingOrder = append(t.pendingOrder, commandID)
	evicted := t.evictOverflowLocked()
	t.mu.Unlock()

	for _, res := range evicted {
		t.runResolution(res)
	}
	return commandID, true
}

// resolution is the deferred side effects of one command transition,
// executed outside the tracker lock.
type resolution struct {
	commandID string
	outcome   Outcome
	replay    []domain.Envelope
	notify    []func(string, Outcome)
}

func (t *CommandTracker) runResolution(res resolution) {
	for _, fn := range res.notify {
		fn(res.commandID, res.outcome)
	}
	for _, envelope := range res.replay {
		t.replay(envelope)
	}
}

// evictOverflowLocked drops the oldest pending command once the cap is
// exceeded. Eviction counts as an implicit failure so deferred events are
// still replayed.
func (t *CommandTracker) evictOverflowLocked() []resolution {
	var evicted []resolution
	for len(t.pendingOrder) > t.maxPending {
		oldest := t.pendingOrder[0]
		t.pendingOrder = t.pendingOrder[1:]
		cmd, ok := t.pending[oldest]
		if !ok {
			continue
		}
		delete(t.pending, oldest)
		replay, notify := t.resolveLocked(cmd, OutcomeFailed)
		evicted = append(evicted, resolution{commandID: cmd.id, outcome: OutcomeFailed, replay: replay, notify: notify})
	}
	return evicted
}

// Resolve transitions a pending command to acked or failed when its HTTP
// response arrives. Listeners run synchronously; failed commands replay
// their deferred events, acked commands drop them. Resolving an unknown
// command is a no-op.
func (t *CommandTracker) Resolve(commandID string, success bool) {
	t.mu.Lock()
	cmd, ok := t.pending[commandID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.pending, commandID)
	t.removeFromOrderLocked(commandID)
	outcome := OutcomeFailed
	if success {
		outcome = OutcomeAcked
	}
	replay, notify := t.resolveLocked(cmd, outcome)
	t.mu.Unlock()

	t.runResolution(resolution{commandID: commandID, outcome: outcome, replay: replay, notify: notify})
}

// resolveLocked records the terminal state and returns the envelopes to
// replay plus the listeners to notify, both executed outside the lock.
func (t *CommandTracker) resolveLocked(cmd *pendingCommand, outcome Outcome) (replay []domain.Envelope, notify []func(string, Outcome)) {
	switch outcome {
	case OutcomeAcked:
		t.acked.Add(cmd.id, t.now())
	case OutcomeFailed:
		t.failed.Add(cmd.id, t.now())
		replay = cmd.deferred
	}
	cmd.deferred = nil
	notify = make([]func(string, Outcome), 0, len(t.listeners))
	for _, fn := range t.listeners {
		notify = append(notify, fn)
	}
	return replay, notify
}

func (t *CommandTracker) removeFromOrderLocked(commandID string) {
	for i, entry := range t.pendingOrder {
		if entry == commandID {
			t.pendingOrder = append(t.pendingOrder[:i], t.pendingOrder[i+1:]...)
			return
		}
	}
}

// OnResolve registers a listener for command transitions and returns its
// cancel function. Listeners are invoked synchronously from Resolve.
func (t *CommandTracker) OnResolve(fn func(commandID string, outcome Outcome)) func() {
	t.mu.Lock()
	idx := t.nextListener
	t.nextListener++
	t.listeners[idx] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, idx)
		t.mu.Unlock()
	}
}

// IsPending reports whether a command is still awaiting its HTTP response.
func (t *CommandTracker) IsPending(commandID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[commandID]
	return ok
}

var trackerNoopProcess = func(domain.Envelope) {}

// replay routes one deferred envelope through the bound processor.
func (t *CommandTracker) replay(envelope domain.Envelope) {
	t.mu.Lock()
	process := t.process
	t.mu.Unlock()
	if process == nil {
		process = trackerNoopProcess
	}
	process(envelope)
}

// BindProcessor wires the function that applies an envelope's effects.
// Deferred events replayed on failure and events admitted by HandleEvent
// both run through it.
func (t *CommandTracker) BindProcessor(process processFunc) {
	t.mu.Lock()
	t.process = process
	t.mu.Unlock()
}

// HandleEvent routes one inbound envelope through correlation and
// de-duplication, invoking the bound processor for events that should apply
// now. Self events for a pending command are deferred and marked seen, so a
// redelivery cannot queue a second copy; self events for an acked command
// are skipped outright; everything else is de-duplicated by event id and
// processed.
func (t *CommandTracker) HandleEvent(envelope domain.Envelope) {
	t.mu.Lock()

	if envelope.EventID != "" {
		if _, seen := t.seenEvents.Get(envelope.EventID); seen {
			t.mu.Unlock()
			return
		}
	}

	selfEvent := envelope.SourceClientID != "" && envelope.SourceClientID == t.clientID
	if selfEvent && envelope.CommandID != "" {
		if cmd, ok := t.pending[envelope.CommandID]; ok {
			if envelope.EventID != "" {
				t.seenEvents.Add(envelope.EventID, struct{}{})
			}
			if len(cmd.deferred) >= t.maxDeferred {
				// Bounded per-command queue: oldest deferred entry gives
				// way.
				cmd.deferred = cmd.deferred[1:]
			}
			cmd.deferred = append(cmd.deferred, envelope)
			t.mu.Unlock()
			return
		}
		if _, acked := t.acked.Get(envelope.CommandID); acked {
			// Effects already applied via the command's own success path.
			if envelope.EventID != "" {
				t.seenEvents.Add(envelope.EventID, struct{}{})
			}
			t.mu.Unlock()
			return
		}
	}

	if envelope.EventID != "" {
		t.seenEvents.Add(envelope.EventID, struct{}{})
	}
	process := t.process
	t.mu.Unlock()

	if process == nil {
		process = trackerNoopProcess
	}
	process(envelope)
}

// Sweep expires pending commands past their TTL, treating each as an
// implicit failure: listeners fire and deferred events replay, because the
// server evidently completed (or independently produced) the work even
// though the response never arrived.
func (t *CommandTracker) Sweep() {
	now := t.now()

	t.mu.Lock()
	var expired []*pendingCommand
	kept := t.pendingOrder[:0]
	for _, commandID := range t.pendingOrder {
		cmd, ok := t.pending[commandID]
		if !ok {
			continue
		}
		if now.Sub(cmd.recordedAt) >= t.commandTTL {
			delete(t.pending, commandID)
			expired = append(expired, cmd)
			continue
		}
		kept = append(kept, commandID)
	}
	t.pendingOrder = kept

	resolutions := make([]resolution, 0, len(expired))
	for _, cmd := range expired {
		replay, notify := t.resolveLocked(cmd, OutcomeFailed)
		resolutions = append(resolutions, resolution{commandID: cmd.id, outcome: OutcomeFailed, replay: replay, notify: notify})
	}
	t.mu.Unlock()

	for _, res := range resolutions {
		log.Printf("realtime client: command %s expired without a response, treating as failed", res.commandID)
		t.runResolution(res)
	}
}
