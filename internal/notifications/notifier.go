package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"greenconnect/internal/observability"

	"github.com/redis/go-redis/v9"
)

// Notifier publishes chat events into Redis channels so that every server
// instance can deliver them to its own connected clients. With no Redis
// client it degrades to a no-op and callers fall back to local delivery.
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a Notifier backed by the given Redis client, which may
// be nil for single-instance deployments.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// Enabled reports whether cross-instance publishing is available.
func (n *Notifier) Enabled() bool { return n != nil && n.rdb != nil }

// PublishToUser sends an event to a user's channel.
func (n *Notifier) PublishToUser(ctx context.Context, userID uint, event Event) error {
	if !n.Enabled() {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	channel := fmt.Sprintf("chat:user:%d", userID)
	return n.rdb.Publish(ctx, channel, string(payload)).Err()
}

// PublishToConversation sends an event to a conversation's channel.
func (n *Notifier) PublishToConversation(ctx context.Context, conversationID uint, event Event) error {
	if !n.Enabled() {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	channel := fmt.Sprintf("chat:conv:%d", conversationID)
	return n.rdb.Publish(ctx, channel, string(payload)).Err()
}

// StartSubscriber subscribes to the chat channel patterns and calls onMessage
// for each incoming message until ctx is cancelled.
func (n *Notifier) StartSubscriber(
	ctx context.Context, onMessage func(channel string, payload string),
) error {
	if !n.Enabled() {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, "chat:user:*", "chat:conv:*")
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							observability.GlobalLogger.Error("panic in chat subscriber",
								"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
						}
					}()
					onMessage(msg.Channel, msg.Payload)
				}()
			}
		}
	}()

	return nil
}
