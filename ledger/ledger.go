// Package ledger records processed payments. One entry per payment
// identifier, written at most once: the storage layer enforces uniqueness so
// concurrent settlement attempts for the same proof resolve to exactly one
// winner, with losers observing paygate.ErrAlreadyProcessed.
package ledger

import (
	"context"
	"time"

	"github.com/basehealth/paygate"
)

// Entry is one settled payment. The key is PaymentID: a transaction hash,
// signature or intent id, globally unique per network. Amount is the amount
// that actually settled; RequiredAmount is what the quote asked for, kept so
// over-payment surplus stays reconcilable.
type Entry struct {
	PaymentID      string
	OrderID        string
	Resource       string
	Payer          string
	Amount         string
	RequiredAmount string
	Network        paygate.Network
	SettledAt      time.Time
	ProcessorMeta  string
}

// Store is the durable processed-payments record. Implementations must make
// MarkProcessed atomic at the storage layer: of N concurrent calls with the
// same payment id exactly one succeeds and the rest see
// paygate.ErrAlreadyProcessed.
type Store interface {
	// IsProcessed reports whether the payment id has been consumed.
	IsProcessed(ctx context.Context, paymentID string) (bool, error)

	// MarkProcessed records the entry, or returns
	// paygate.ErrAlreadyProcessed if the id was recorded before. Losing a
	// race counts as already processed, never as an overwrite.
	MarkProcessed(ctx context.Context, e Entry) error

	// Get returns the entry for a payment id, or nil if absent.
	Get(ctx context.Context, paymentID string) (*Entry, error)

	// FindBySession returns the entry recorded for an order/session and
	// resource, or nil if none.
	FindBySession(ctx context.Context, orderID, resource string) (*Entry, error)

	// LatestForPayer returns the most recent entry for a payer and
	// resource, or nil if none. Entitlement windows are derived from it on
	// every access check.
	LatestForPayer(ctx context.Context, payer, resource string) (*Entry, error)

	// Annotate attaches processor metadata to an existing entry. Unknown
	// payment ids are a no-op: webhook delivery is at-least-once and may
	// outrun or duplicate the settlement path, but it never creates entries.
	Annotate(ctx context.Context, paymentID, meta string) error

	Close() error
}
