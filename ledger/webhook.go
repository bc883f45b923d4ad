package ledger

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// ProcessorEvent is a card-processor lifecycle notification
// (payment_intent.succeeded and friends). Delivery is at-least-once and may
// be delayed or duplicated, so handling must be idempotent.
type ProcessorEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string            `json:"id"`
			Status   string            `json:"status"`
			Amount   int64             `json:"amount"`
			Currency string            `json:"currency"`
			Metadata map[string]string `json:"metadata,omitempty"`
		} `json:"object"`
	} `json:"data"`
}

// WebhookConsumer applies processor events to the ledger. It only annotates
// entries the settlement path already recorded; it is never a write path for
// new payments, so a replayed or early event cannot mint access.
type WebhookConsumer struct {
	store Store
	log   *zap.Logger
}

// NewWebhookConsumer creates a consumer over the given store.
func NewWebhookConsumer(store Store, log *zap.Logger) *WebhookConsumer {
	return &WebhookConsumer{store: store, log: log}
}

// Handle applies one event. Unknown payment ids are acknowledged and
// dropped; returning an error would make the processor redeliver forever.
func (c *WebhookConsumer) Handle(ctx context.Context, event ProcessorEvent) error {
	intentID := event.Data.Object.ID
	if intentID == "" {
		c.log.Warn("processor event without object id", zap.String("event", event.ID))
		return nil
	}

	entry, err := c.store.Get(ctx, intentID)
	if err != nil {
		return err
	}
	if entry == nil {
		c.log.Info("processor event for unrecorded payment, dropping",
			zap.String("event", event.ID),
			zap.String("intent", intentID),
			zap.String("type", event.Type))
		return nil
	}

	meta, err := json.Marshal(map[string]any{
		"eventId":  event.ID,
		"type":     event.Type,
		"status":   event.Data.Object.Status,
		"amount":   event.Data.Object.Amount,
		"currency": event.Data.Object.Currency,
	})
	if err != nil {
		return err
	}

	if err := c.store.Annotate(ctx, intentID, string(meta)); err != nil {
		return err
	}
	c.log.Debug("annotated ledger entry from processor event",
		zap.String("intent", intentID), zap.String("type", event.Type))
	return nil
}
