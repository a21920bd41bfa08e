package notify

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/offlinegate/internal/logging"
	"github.com/kimhsiao/offlinegate/internal/uuid"
)

// Broadcaster fans a typed message out to connected pages.
type Broadcaster interface {
	Broadcast(messageType string, data map[string]interface{})
}

// PushHandler turns a raw push payload into a shown notification.
type PushHandler interface {
	OnPush(ctx context.Context, payload []byte) (*Notification, error)
}

// Notification is what a page displays for one push message.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Icon      string    `json:"icon"`
	CreatedAt time.Time `json:"created_at"`
}

// RelayConfig is the fixed presentation of every notification.
type RelayConfig struct {
	Title string
	Icon  string
}

// Relay shows push payloads as notifications. The payload is never parsed.
type Relay struct {
	out   Broadcaster
	title string
	icon  string

	mu   sync.Mutex
	sent int
}

// NewRelay creates a Relay.
func NewRelay(out Broadcaster, cfg RelayConfig) *Relay {
	if cfg.Title == "" {
		cfg.Title = "Notificación"
	}
	if cfg.Icon == "" {
		cfg.Icon = "./icons/fut1.png"
	}
	return &Relay{out: out, title: cfg.Title, icon: cfg.Icon}
}

// OnPush displays payload as the body of a notification.
func (r *Relay) OnPush(ctx context.Context, payload []byte) (*Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := &Notification{
		ID:        uuid.New(),
		Title:     r.title,
		Body:      string(payload),
		Icon:      r.icon,
		CreatedAt: time.Now().UTC(),
	}

	r.out.Broadcast(EventPushNotification, map[string]interface{}{
		"id":    n.ID,
		"title": n.Title,
		"body":  n.Body,
		"icon":  n.Icon,
	})

	r.mu.Lock()
	r.sent++
	r.mu.Unlock()

	logging.Info("Push notification relayed", map[string]interface{}{
		"notification_id": n.ID,
		"bytes":           len(payload),
	})
	return n, nil
}

// Sent returns how many notifications have been relayed.
func (r *Relay) Sent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}
