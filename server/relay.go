package server

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
	"github.com/teranos/segpulse/pulse/async"
)

// relayEnvelope is what travels over the Redis channel
type relayEnvelope struct {
	Node  string          `json:"node"`
	Rooms []string        `json:"rooms"`
	Data  json.RawMessage `json:"data"`
}

// Relay shares hub rooms between server instances through Redis pub/sub.
// Each node publishes its local deliveries tagged with its node id and
// replays everyone else's into its own hub.
type Relay struct {
	client  *redis.Client
	channel string
	nodeID  string
	hub     *Hub
	logger  *zap.SugaredLogger

	subscribed atomic.Bool
	received   atomic.Int64
}

// NewRedisClient connects to addr and verifies the connection
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "redis connection to %s failed", addr)
	}
	return client, nil
}

// NewRelay creates a relay delivering remote messages into hub
func NewRelay(client *redis.Client, channel, nodeID string, hub *Hub, log *zap.SugaredLogger) *Relay {
	return &Relay{
		client:  client,
		channel: channel,
		nodeID:  nodeID,
		hub:     hub,
		logger:  logger.AddHubSymbol(log.Named("relay")),
	}
}

// Publish sends an already delivered local message to the other nodes
func (r *Relay) Publish(ctx context.Context, rooms []string, data []byte) error {
	body, err := json.Marshal(relayEnvelope{Node: r.nodeID, Rooms: rooms, Data: data})
	if err != nil {
		return errors.Wrap(err, "failed to encode relay envelope")
	}
	return r.client.Publish(ctx, r.channel, body).Err()
}

// Run subscribes to the channel and replays remote messages until ctx is done
func (r *Relay) Run(ctx context.Context) {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		r.logger.Errorw("Relay subscription failed", "channel", r.channel, logger.FieldError, err)
		return
	}
	r.subscribed.Store(true)
	defer r.subscribed.Store(false)
	r.logger.Infow("Relay subscribed", "channel", r.channel, "node", r.nodeID)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handle(msg.Payload)
		}
	}
}

// handle replays one remote envelope. Messages from this node were already
// delivered locally.
func (r *Relay) handle(payload string) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warnw("Discarding malformed relay message", logger.FieldError, err)
		return
	}
	if env.Node == r.nodeID {
		return
	}
	r.received.Add(1)
	r.hub.deliverLocal(env.Rooms, env.Data)
}

// Subscribed reports whether the subscription is live
func (r *Relay) Subscribed() bool { return r.subscribed.Load() }

// RemotePublisher sends events straight to the relay channel for processes
// that have no hub of their own, such as `segpulse jobs cancel`. Every
// server node replays them to its local subscribers.
type RemotePublisher struct {
	relay relayPublisher
}

// NewRemotePublisher publishes on channel as nodeID
func NewRemotePublisher(client *redis.Client, channel, nodeID string, log *zap.SugaredLogger) *RemotePublisher {
	return &RemotePublisher{relay: NewRelay(client, channel, nodeID, nil, log)}
}

// Publish implements async.Publisher
func (p *RemotePublisher) Publish(ctx context.Context, eventType async.EventType, payload interface{}, rooms ...string) error {
	data, err := encodeEvent(eventType, payload)
	if err != nil {
		return err
	}
	return p.relay.Publish(ctx, rooms, data)
}
