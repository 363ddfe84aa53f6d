package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/canopyhq/canopy/internal/services/realtime/domain"
)

// room is the broadcast grouping for one (workspace, topic) pair.
type room struct {
	workspaceID int64
	topic       domain.Topic
}

func (r room) name() string {
	return fmt.Sprintf("workspace:%d:topic:%s", r.workspaceID, r.topic)
}

// roomBroadcaster is the scale-out seam. The in-process implementation keeps
// rooms local to one gateway; the broker-backed implementation spans every
// gateway process behind the same broker. The gateway is written against
// this interface only.
//
// Join/Leave/Members track connections hosted by this process. Broadcast
// hands an envelope to every process hosting members of the room; each
// process then runs its own per-connection delivery, so authorization
// re-checks always happen next to the socket they guard.
type roomBroadcaster interface {
	Join(conn *wsConn, r room)
	Leave(conn *wsConn, r room)
	LeaveAll(conn *wsConn)
	Members(r room) []*wsConn
	Broadcast(ctx context.Context, r room, envelope domain.Envelope) error
	Close(ctx context.Context) error
}

// deliverFunc runs local delivery for one room once a broadcast reaches this
// process.
type deliverFunc func(r room, envelope domain.Envelope)

// localRooms is the single-process broadcaster: membership and delivery
// never leave this gateway.
type localRooms struct {
	deliver deliverFunc

	mu    sync.Mutex
	rooms map[room]map[*wsConn]struct{}
}

func newLocalRooms(deliver deliverFunc) *localRooms {
	return &localRooms{
		deliver: deliver,
		rooms:   make(map[room]map[*wsConn]struct{}),
	}
}

func (l *localRooms) Join(conn *wsConn, r room) {
	l.mu.Lock()
	members, ok := l.rooms[r]
	if !ok {
		members = make(map[*wsConn]struct{})
		l.rooms[r] = members
	}
	members[conn] = struct{}{}
	l.mu.Unlock()
}

func (l *localRooms) Leave(conn *wsConn, r room) {
	l.mu.Lock()
	if members, ok := l.rooms[r]; ok {
		delete(members, conn)
		if len(members) == 0 {
			delete(l.rooms, r)
		}
	}
	l.mu.Unlock()
}

func (l *localRooms) LeaveAll(conn *wsConn) {
	l.mu.Lock()
	for r, members := range l.rooms {
		delete(members, conn)
		if len(members) == 0 {
			delete(l.rooms, r)
		}
	}
	l.mu.Unlock()
}

func (l *localRooms) Members(r room) []*wsConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	members := make([]*wsConn, 0, len(l.rooms[r]))
	for conn := range l.rooms[r] {
		members = append(members, conn)
	}
	return members
}

func (l *localRooms) Broadcast(_ context.Context, r room, envelope domain.Envelope) error {
	l.deliver(r, envelope)
	return nil
}

func (l *localRooms) Close(context.Context) error {
	return nil
}
