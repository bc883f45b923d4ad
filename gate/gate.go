// Package gate answers "has this principal paid for this resource?" by
// combining the ledger with time-bounded entitlements. Nothing here is
// cached or swept: entitlement windows are re-derived from the most recent
// qualifying payment on every call, so expiry is exact to the second.
package gate

import (
	"context"
	"time"

	"github.com/basehealth/paygate"
	"github.com/basehealth/paygate/ledger"
)

// Entitlement is a derived, time-bounded grant. It is computed on read and
// never stored, so it cannot drift from the ledger.
type Entitlement struct {
	Principal       string          `json:"principal"`
	Resource        string          `json:"resource"`
	ValidUntil      time.Time       `json:"validUntil"`
	SourcePaymentID string          `json:"sourcePaymentId"`
	Network         paygate.Network `json:"network"`
}

// Gate evaluates access against the ledger. Read-only: it never writes the
// ledger, which keeps the checkout machine the single settlement writer.
type Gate struct {
	store    ledger.Store
	registry *paygate.Registry
	now      func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New creates a Gate over the given ledger and catalog.
func New(store ledger.Store, registry *paygate.Registry, opts ...Option) *Gate {
	g := &Gate{store: store, registry: registry, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// HasAccess reports whether the principal may use the resource right now.
// Two grant strategies compose: a ledger entry scoped to the session for
// one-off purchases, and a rolling entitlement window for pass-style tiers.
func (g *Gate) HasAccess(ctx context.Context, principal, resource, sessionID string) (bool, error) {
	if sessionID != "" {
		entry, err := g.store.FindBySession(ctx, sessionID, resource)
		if err != nil {
			return false, err
		}
		if entry != nil {
			return true, nil
		}
	}

	ent, err := g.Entitlement(ctx, principal, resource)
	if err != nil {
		return false, err
	}
	return ent != nil && g.now().Before(ent.ValidUntil), nil
}

// Entitlement derives the principal's current entitlement for a pass-style
// resource from the most recent qualifying payment. Returns nil when the
// resource is not a pass or no payment exists; the caller checks ValidUntil
// against its own clock.
func (g *Gate) Entitlement(ctx context.Context, principal, resource string) (*Entitlement, error) {
	if principal == "" {
		return nil, nil
	}
	duration, ok := g.registry.PassDuration(resource)
	if !ok {
		return nil, nil
	}

	entry, err := g.store.LatestForPayer(ctx, principal, resource)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}

	return &Entitlement{
		Principal:       principal,
		Resource:        resource,
		ValidUntil:      entry.SettledAt.Add(duration),
		SourcePaymentID: entry.PaymentID,
		Network:         entry.Network,
	}, nil
}
