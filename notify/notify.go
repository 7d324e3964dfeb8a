// Package notify delivers user notifications through the transactional outbox.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Event types emitted by offer settlement.
const (
	EventOfferSubmitted = "offer.submitted"
	EventOfferAccepted  = "offer.accepted"
	EventOfferRejected  = "offer.rejected"
	EventOfferWithdrawn = "offer.withdrawn"
)

// Notifier sends a notification to one user. Delivery is best effort and
// never reported back to the caller.
type Notifier interface {
	Notify(ctx context.Context, userID, eventType string, payload map[string]any)
}

// OutboxNotifier enqueues notifications in the outbox table for the
// delivery worker.
type OutboxNotifier struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewOutboxNotifier(pool *pgxpool.Pool, logger *slog.Logger) *OutboxNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxNotifier{pool: pool, logger: logger}
}

func (n *OutboxNotifier) Notify(ctx context.Context, userID, eventType string, payload map[string]any) {
	topic, body, err := Message(userID, eventType, payload)
	if err != nil {
		n.logger.Warn("notification dropped", "event", eventType, "user_id", userID, "error", err)
		return
	}

	if _, err := n.pool.Exec(context.WithoutCancel(ctx),
		`INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		n.logger.Warn("notification enqueue failed", "event", eventType, "user_id", userID, "error", err)
	}
}

// Message builds the outbox topic and JSON body for a notification.
func Message(userID, eventType string, payload map[string]any) (string, []byte, error) {
	if userID == "" {
		return "", nil, fmt.Errorf("notify: empty recipient")
	}
	doc := maps.Clone(payload)
	if doc == nil {
		doc = make(map[string]any, 2)
	}
	doc["user_id"] = userID
	doc["event"] = eventType

	body, err := json.Marshal(doc)
	if err != nil {
		return "", nil, fmt.Errorf("notify: marshal payload: %w", err)
	}
	return "notification." + eventType, body, nil
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Notify(context.Context, string, string, map[string]any) {}
