package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/canopyhq/canopy/internal/platform/id"
	"github.com/canopyhq/canopy/internal/services/realtime/domain"
)

// brokerChannel carries every room broadcast between gateway processes.
const brokerChannel = "canopy:realtime:rooms"

// brokerMessage is the cross-process broadcast payload. Origin lets a
// process skip its own publications, which it already delivered locally.
type brokerMessage struct {
	Origin      string          `json:"origin"`
	WorkspaceID int64           `json:"workspaceId"`
	Topic       domain.Topic    `json:"topic"`
	Envelope    domain.Envelope `json:"envelope"`
}

// brokerRooms spans rooms across gateway processes via Redis pub/sub. Local
// membership lives in an embedded localRooms; Broadcast delivers locally
// first and then relays the envelope to the other processes.
type brokerRooms struct {
	local      *localRooms
	client     *redis.Client
	pubsub     *redis.PubSub
	instanceID string

	wg         sync.WaitGroup
	disconnect time.Duration
}

// newBrokerRooms connects to the broker with a bounded timeout and starts
// the relay consumer. The caller owns the mandatory/optional startup policy.
func newBrokerRooms(ctx context.Context, brokerURL string, connectTimeout, disconnectTimeout time.Duration, deliver deliverFunc) (*brokerRooms, error) {
	opts, err := redis.ParseURL(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}

	instanceID, err := id.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate broker instance id: %w", err)
	}

	client := redis.NewClient(opts)
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(connectCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect broker: %w", err)
	}

	pubsub := client.Subscribe(ctx, brokerChannel)
	// Force the subscription to be established before any Broadcast can
	// race ahead of it.
	if _, err := pubsub.Receive(connectCtx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("subscribe broker channel: %w", err)
	}

	rooms := &brokerRooms{
		local:      newLocalRooms(deliver),
		client:     client,
		pubsub:     pubsub,
		instanceID: instanceID,
		disconnect: disconnectTimeout,
	}
	rooms.wg.Add(1)
	go rooms.consume(deliver)
	return rooms, nil
}

func (b *brokerRooms) consume(deliver deliverFunc) {
	defer b.wg.Done()
	for msg := range b.pubsub.Channel() {
		var decoded brokerMessage
		if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
			log.Printf("realtime: decode broker message: %v", err)
			continue
		}
		if decoded.Origin == b.instanceID {
			continue
		}
		deliver(room{workspaceID: decoded.WorkspaceID, topic: decoded.Topic}, decoded.Envelope)
	}
}

func (b *brokerRooms) Join(conn *wsConn, r room)  { b.local.Join(conn, r) }
func (b *brokerRooms) Leave(conn *wsConn, r room) { b.local.Leave(conn, r) }
func (b *brokerRooms) LeaveAll(conn *wsConn)      { b.local.LeaveAll(conn) }
func (b *brokerRooms) Members(r room) []*wsConn   { return b.local.Members(r) }

func (b *brokerRooms) Broadcast(ctx context.Context, r room, envelope domain.Envelope) error {
	// Local members never depend on the broker round-trip.
	if err := b.local.Broadcast(ctx, r, envelope); err != nil {
		return err
	}

	payload, err := json.Marshal(brokerMessage{
		Origin:      b.instanceID,
		WorkspaceID: r.workspaceID,
		Topic:       r.topic,
		Envelope:    envelope,
	})
	if err != nil {
		return fmt.Errorf("encode broker message: %w", err)
	}
	if err := b.client.Publish(ctx, brokerChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish broker message: %w", err)
	}
	return nil
}

// Close attempts a graceful broker disconnect bounded by the configured
// timeout, then force-closes so process exit can never hang on the broker.
func (b *brokerRooms) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		err := b.pubsub.Close()
		b.wg.Wait()
		if closeErr := b.client.Close(); err == nil {
			err = closeErr
		}
		done <- err
	}()

	timeout := b.disconnect
	if timeout <= 0 {
		timeout = time.Second
	}
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		log.Printf("realtime: broker disconnect stalled after %s, forcing", timeout)
		_ = b.client.Close()
		return fmt.Errorf("broker disconnect timed out after %s", timeout)
	case <-ctx.Done():
		_ = b.client.Close()
		return ctx.Err()
	}
}
