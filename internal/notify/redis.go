package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/kimhsiao/offlinegate/internal/errors"
	"github.com/kimhsiao/offlinegate/internal/logging"
)

// Subscriber feeds messages published on a Redis channel to a PushHandler,
// one push per message.
type Subscriber struct {
	rdb     *redis.Client
	channel string
	handler PushHandler

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSubscriber creates a Subscriber. Call Start to begin receiving.
func NewSubscriber(rdb *redis.Client, channel string, handler PushHandler) *Subscriber {
	return &Subscriber{rdb: rdb, channel: channel, handler: handler}
}

// Start subscribes and returns once Redis has confirmed the subscription.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}
	if s.channel == "" {
		return apperrors.New(apperrors.ErrInvalid, "push channel is empty")
	}

	pubsub := s.rdb.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.receive(subCtx, pubsub, s.done)

	logging.Info("Subscribed to push channel", map[string]interface{}{
		"channel": s.channel,
	})
	return nil
}

func (s *Subscriber) receive(ctx context.Context, pubsub *redis.PubSub, done chan struct{}) {
	defer close(done)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, err := s.handler.OnPush(ctx, []byte(msg.Payload)); err != nil && ctx.Err() == nil {
				logging.Error("Failed to relay push message", err, map[string]interface{}{
					"channel": msg.Channel,
				})
			}
		}
	}
}

// Close unsubscribes and waits for the receive loop to exit.
func (s *Subscriber) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
