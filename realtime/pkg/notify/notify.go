// Package notify carries broadcasts and connection control messages between
// relay processes over Redis pub/sub.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/giftlane/relay/domain"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultBroadcastChannel = "relay:broadcast"
	DefaultControlChannel   = "relay:control"
)

// Broadcast is a state change for one topic.
type Broadcast struct {
	Event  string        `json:"event"`
	Notice domain.Notice `json:"notice"`
}

func (b Broadcast) Topic() domain.Topic {
	return b.Notice.Topic()
}

// Eviction asks whichever process holds the connections to close them.
type Eviction struct {
	UserID  string   `json:"user_id"`
	ConnIDs []string `json:"conn_ids"`
}

type Config struct {
	Logger           *slog.Logger
	Redis            redis.UniversalClient
	BroadcastChannel string
	ControlChannel   string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Redis == nil {
		return errors.New("redis client is required")
	}
	if cfg.BroadcastChannel == "" {
		cfg.BroadcastChannel = DefaultBroadcastChannel
	}
	if cfg.ControlChannel == "" {
		cfg.ControlChannel = DefaultControlChannel
	}
	return nil
}

// Bus publishes to and subscribes from both channels.
type Bus struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Bus{log: cfg.Logger, cfg: cfg}, nil
}

// Publish sends a broadcast to every process.
func (b *Bus) Publish(ctx context.Context, event string, n domain.Notice) error {
	payload, err := json.Marshal(Broadcast{Event: event, Notice: n})
	if err != nil {
		return fmt.Errorf("failed to encode broadcast: %w", err)
	}
	if err := b.cfg.Redis.Publish(ctx, b.cfg.BroadcastChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish broadcast: %w", err)
	}
	return nil
}

// Evict asks every process to close the named connections.
func (b *Bus) Evict(ctx context.Context, ev Eviction) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode eviction: %w", err)
	}
	if err := b.cfg.Redis.Publish(ctx, b.cfg.ControlChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish eviction: %w", err)
	}
	return nil
}

// Handler receives messages from Run. Calls are made from a single
// goroutine and must not block for long.
type Handler interface {
	HandleBroadcast(b Broadcast)
	HandleEviction(ev Eviction)
}

// Run subscribes to both channels and dispatches to h until ctx is done.
// ready, when non-nil, is closed once the subscription is confirmed.
func (b *Bus) Run(ctx context.Context, h Handler, ready chan<- struct{}) error {
	sub := b.cfg.Redis.Subscribe(ctx, b.cfg.BroadcastChannel, b.cfg.ControlChannel)
	defer sub.Close()

	// Receive blocks until the first subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	b.log.Info("notify: subscribed", "broadcast", b.cfg.BroadcastChannel, "control", b.cfg.ControlChannel)
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription closed")
			}
			b.dispatch(msg, h)
		}
	}
}

func (b *Bus) dispatch(msg *redis.Message, h Handler) {
	switch msg.Channel {
	case b.cfg.BroadcastChannel:
		var bc Broadcast
		if err := json.Unmarshal([]byte(msg.Payload), &bc); err != nil {
			b.log.Warn("notify: dropping malformed broadcast", "error", err)
			return
		}
		h.HandleBroadcast(bc)
	case b.cfg.ControlChannel:
		var ev Eviction
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			b.log.Warn("notify: dropping malformed control message", "error", err)
			return
		}
		h.HandleEviction(ev)
	}
}
