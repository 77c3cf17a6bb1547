package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ent0n29/geotrack/internal/observability"
	"github.com/ent0n29/geotrack/internal/protocol"
	"github.com/ent0n29/geotrack/internal/tracking"
)

// ErrNoSubscribers means a batch had nowhere to go.
var ErrNoSubscribers = errors.New("no stream subscribers")

// Hub fans protocol messages out to WebSocket clients of this instance and,
// when Redis is configured, to the clients of every other instance.
type Hub struct {
	redis   *redis.Client
	channel string
	origin  string
	log     zerolog.Logger
	metrics *observability.Metrics

	mu         sync.RWMutex
	clients    map[*Client]struct{}
	onPresence func(n int)
}

type Client struct {
	Send chan []byte
}

// relayed is the Redis wire format; origin lets an instance skip its own
// messages, which it already delivered locally.
type relayed struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

func NewHub(redisClient *redis.Client, channel string, logger zerolog.Logger, metrics *observability.Metrics) *Hub {
	if channel == "" {
		channel = "default"
	}
	return &Hub{
		redis:   redisClient,
		channel: redisChannel(channel),
		origin:  uuid.NewString(),
		log:     logger.With().Str("component", "stream").Logger(),
		metrics: metrics,
		clients: map[*Client]struct{}{},
	}
}

// OnPresence registers fn to be called with the local client count whenever a
// client registers or unregisters.
func (h *Hub) OnPresence(fn func(n int)) {
	h.mu.Lock()
	h.onPresence = fn
	h.mu.Unlock()
}

func (h *Hub) Register() *Client {
	client := &Client{Send: make(chan []byte, 64)}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	n, fn := len(h.clients), h.onPresence
	h.mu.Unlock()

	h.metrics.SetWSClients(n)
	if fn != nil {
		fn(n)
	}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.Send)
	n, fn := len(h.clients), h.onPresence
	h.mu.Unlock()

	h.metrics.SetWSClients(n)
	if fn != nil {
		fn(n)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers payload to local clients and publishes it for the other
// instances. It returns the number of local clients reached.
func (h *Hub) Broadcast(ctx context.Context, payload []byte) int {
	n := h.deliverLocal(payload)
	if h.redis == nil {
		return n
	}
	data, err := json.Marshal(relayed{Origin: h.origin, Payload: payload})
	if err != nil {
		h.log.Warn().Err(err).Msg("encode relay message failed")
		return n
	}
	if err := h.redis.Publish(ctx, h.channel, data).Err(); err != nil {
		h.log.Warn().Err(err).Msg("redis publish failed")
	}
	return n
}

// Publish encodes msg and broadcasts it.
func (h *Hub) Publish(ctx context.Context, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode stream message: %w", err)
	}
	h.Broadcast(ctx, payload)
	return nil
}

func (h *Hub) deliverLocal(payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for client := range h.clients {
		select {
		case client.Send <- payload:
			delivered++
		default:
			h.log.Debug().Msg("stream client too slow; message dropped")
		}
	}
	return delivered
}

// Run relays messages published by other instances until ctx is done. Without
// Redis it just waits.
func (h *Hub) Run(ctx context.Context) error {
	if h.redis == nil {
		<-ctx.Done()
		return nil
	}
	pubsub := h.redis.Subscribe(ctx, h.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", h.channel, err)
	}
	h.log.Info().Str("channel", channelName(h.channel)).Msg("stream relay subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var r relayed
			if err := json.Unmarshal([]byte(msg.Payload), &r); err != nil {
				h.log.Debug().Err(err).Msg("ignoring malformed relay message")
				continue
			}
			if r.Origin == h.origin {
				continue
			}
			h.deliverLocal(r.Payload)
		}
	}
}

func (h *Hub) OnSamples(ctx context.Context, batch tracking.Batch) error {
	if h.redis == nil && h.ClientCount() == 0 {
		return ErrNoSubscribers
	}
	h.metrics.ObserveWSMessage("out", string(protocol.TypeSampleBatch))
	payload, err := json.Marshal(protocol.NewSampleBatch(batch))
	if err != nil {
		return fmt.Errorf("encode sample batch: %w", err)
	}
	if n := h.Broadcast(ctx, payload); n == 0 && h.redis == nil {
		return ErrNoSubscribers
	}
	return nil
}

func (h *Hub) OnStateChange(ctx context.Context, change tracking.StateChange) {
	h.metrics.ObserveWSMessage("out", string(protocol.TypeStateChanged))
	if err := h.Publish(ctx, protocol.NewStateChanged(change)); err != nil {
		h.log.Warn().Err(err).Msg("publish state change failed")
	}
}

func (h *Hub) OnFault(ctx context.Context, err error) {
	h.metrics.ObserveWSMessage("out", string(protocol.TypeProviderFault))
	if perr := h.Publish(ctx, protocol.NewProviderFault(err)); perr != nil {
		h.log.Warn().Err(perr).Msg("publish provider fault failed")
	}
}

func redisChannel(name string) string {
	return "geotrack:" + name + ":broadcast"
}

func channelName(ch string) string {
	// geotrack:{name}:broadcast
	const prefix = "geotrack:"
	const suffix = ":broadcast"
	if len(ch) <= len(prefix)+len(suffix) {
		return ""
	}
	return ch[len(prefix) : len(ch)-len(suffix)]
}
