// Package bus provides the in-process publish/subscribe primitive feeding
// the realtime gateway.
//
// Delivery is synchronous, in subscription order, and best-effort: listeners
// registered at the moment of publish receive the envelope exactly once per
// publish call, a listener added mid-publish sees only later publishes, and
// nothing is queued or retried. A listener failure is isolated and logged so
// it cannot block delivery to subsequent listeners.
package bus

import (
	"log"
	"sync"

	"github.com/canopyhq/canopy/internal/services/realtime/domain"
)

// Listener receives every published envelope.
type Listener func(domain.Envelope)

// Handle identifies one listener registration so it can be removed with
// Unsubscribe. The zero Handle matches nothing.
type Handle int

type registration struct {
	id Handle
	fn Listener
}

// Bus fans envelopes out to registered listeners. The zero value is not
// usable; construct with New so instances stay test-isolated.
type Bus struct {
	mu        sync.Mutex
	nextID    Handle
	listeners []registration
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a listener and returns its unsubscribe function.
// Unsubscribing twice is harmless.
func (b *Bus) Subscribe(fn Listener) func() {
	handle := b.Attach(fn)
	return func() { b.Unsubscribe(handle) }
}

// Attach registers a listener and returns a handle for Unsubscribe. It is
// the storable-value counterpart to Subscribe's closure.
func (b *Bus) Attach(fn Listener) Handle {
	if b == nil || fn == nil {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners = append(b.listeners, registration{id: b.nextID, fn: fn})
	return b.nextID
}

// Unsubscribe removes the listener registered under the handle. Unknown and
// already-removed handles are ignored.
func (b *Bus) Unsubscribe(handle Handle) {
	if b == nil || handle == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, reg := range b.listeners {
		if reg.id == handle {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Publish delivers the envelope to every listener registered right now, in
// subscription order. The listener set is snapshotted first so a listener
// unsubscribing mid-publish cannot corrupt the iteration.
func (b *Bus) Publish(envelope domain.Envelope) {
	if b == nil {
		return
	}

	b.mu.Lock()
	snapshot := make([]registration, len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.Unlock()

	for _, reg := range snapshot {
		invoke(reg.fn, envelope)
	}
}

func invoke(fn Listener, envelope domain.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("realtime: event listener panic for event=%s type=%s: %v", envelope.EventID, envelope.EventType, r)
		}
	}()
	fn(envelope)
}

// PublishWorkspaceEvent builds and publishes a workspace envelope.
func (b *Bus) PublishWorkspaceEvent(input domain.WorkspaceEventInput) (domain.Envelope, error) {
	envelope, err := domain.NewWorkspaceEvent(input)
	if err != nil {
		return domain.Envelope{}, err
	}
	b.Publish(envelope)
	return envelope, nil
}

// PublishProjectEvent builds and publishes a project envelope.
func (b *Bus) PublishProjectEvent(input domain.ProjectEventInput) (domain.Envelope, error) {
	envelope, err := domain.NewProjectEvent(input)
	if err != nil {
		return domain.Envelope{}, err
	}
	b.Publish(envelope)
	return envelope, nil
}

// PublishWorkspaceEventSafely publishes and never fails the caller: build
// errors are logged and swallowed. Business writes must not roll back on a
// missing realtime notification.
func (b *Bus) PublishWorkspaceEventSafely(input domain.WorkspaceEventInput) {
	if _, err := b.PublishWorkspaceEvent(input); err != nil {
		log.Printf("realtime: publish workspace event type=%s topic=%s: %v", input.EventType, input.Topic, err)
	}
}

// PublishProjectEventSafely publishes and never fails the caller.
func (b *Bus) PublishProjectEventSafely(input domain.ProjectEventInput) {
	if _, err := b.PublishProjectEvent(input); err != nil {
		log.Printf("realtime: publish project event operation=%q: %v", input.Operation, err)
	}
}
