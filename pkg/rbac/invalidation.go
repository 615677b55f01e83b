package rbac

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/dealerops/pkg/observability"
)

// DefaultInvalidationChannel is the pub/sub channel snapshot invalidations travel on
const DefaultInvalidationChannel = "dealerops:rbac:invalidate"

// InvalidationScope selects which cached snapshots an invalidation drops
type InvalidationScope string

const (
	ScopeUser   InvalidationScope = "user"
	ScopeDealer InvalidationScope = "dealer"
	ScopeAll    InvalidationScope = "all"
)

// Invalidation tells every instance to drop cached snapshots
type Invalidation struct {
	Scope InvalidationScope `json:"scope"`
	ID    int64             `json:"id,omitempty"`
}

// InvalidationBus fans invalidations out to the other instances
type InvalidationBus interface {
	Publish(ctx context.Context, inv Invalidation) error
}

// NopBus is used by single-instance deployments
type NopBus struct{}

// Publish does nothing
func (NopBus) Publish(context.Context, Invalidation) error { return nil }

// RedisBus carries invalidations over redis pub/sub
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *observability.Logger
}

// NewRedisBus creates a bus on channel. An empty channel uses DefaultInvalidationChannel.
func NewRedisBus(client *redis.Client, channel string, logger *observability.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		logger:  logger.WithField("component", "invalidation_bus"),
	}
}

// Publish broadcasts inv
func (b *RedisBus) Publish(ctx context.Context, inv Invalidation) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

// Subscribe applies every received invalidation to provider until ctx is
// cancelled. It returns once the subscription is confirmed; delivery runs
// on a separate goroutine.
func (b *RedisBus) Subscribe(ctx context.Context, provider *Provider) error {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv Invalidation
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					b.logger.WithError(err).Warn("dropping malformed invalidation")
					continue
				}
				provider.Apply(inv)
			}
		}
	}()
	return nil
}
