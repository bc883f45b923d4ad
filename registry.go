package paygate

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ResourceTier is one priced resource in the catalog (e.g. "ai-consult",
// "chat-assistant-pass"). Price is a human-readable decimal in the asset's
// major unit; the registry converts it to minor units deterministically.
type ResourceTier struct {
	Resource          string
	Description       string
	MimeType          string
	Price             string
	Decimals          int
	Scheme            Scheme
	Network           Network
	Asset             string
	PayTo             string
	MaxTimeoutSeconds int
	// PassDuration, when non-zero, makes a settled payment grant a rolling
	// entitlement window instead of a one-off session grant.
	PassDuration time.Duration
}

// ErrResourceNotFound is returned for resource ids with no catalog entry.
type ErrResourceNotFound struct {
	Resource string
}

func (e *ErrResourceNotFound) Error() string {
	return fmt.Sprintf("no payment requirement for resource %q", e.Resource)
}

// Registry maps resource ids to payment requirements. Lookups are pure:
// within one pricing epoch the same resource always yields byte-identical
// requirements, so clients can cache them.
type Registry struct {
	mu    sync.RWMutex
	tiers map[string]ResourceTier
}

// NewRegistry builds a registry from a tier catalog. Tier amounts are parsed
// eagerly so a bad catalog fails at startup, not per request.
func NewRegistry(tiers []ResourceTier) (*Registry, error) {
	m := make(map[string]ResourceTier, len(tiers))
	for _, t := range tiers {
		if t.Resource == "" {
			return nil, NewPaymentError(ErrCodeConfig, "catalog tier missing resource id")
		}
		if _, err := minorUnits(t.Price, t.Decimals); err != nil {
			return nil, NewPaymentError(ErrCodeConfig,
				fmt.Sprintf("tier %q: %v", t.Resource, err))
		}
		if t.MaxTimeoutSeconds <= 0 {
			return nil, NewPaymentError(ErrCodeConfig,
				fmt.Sprintf("tier %q: maxTimeoutSeconds must be positive", t.Resource))
		}
		m[t.Resource] = t
	}
	return &Registry{tiers: m}, nil
}

// GetRequirement returns the requirements for a resource id.
func (r *Registry) GetRequirement(resource string) (PaymentRequirements, error) {
	r.mu.RLock()
	tier, ok := r.tiers[resource]
	r.mu.RUnlock()
	if !ok {
		return PaymentRequirements{}, &ErrResourceNotFound{Resource: resource}
	}

	amount, err := minorUnits(tier.Price, tier.Decimals)
	if err != nil {
		return PaymentRequirements{}, err
	}

	return PaymentRequirements{
		Scheme:            tier.Scheme.String(),
		Network:           tier.Network,
		MaxAmountRequired: amount,
		Resource:          tier.Resource,
		Description:       tier.Description,
		MimeType:          tier.MimeType,
		PayTo:             tier.PayTo,
		MaxTimeoutSeconds: tier.MaxTimeoutSeconds,
		Asset:             tier.Asset,
	}, nil
}

// PassDuration returns the entitlement window for a resource, if it is a
// pass-style tier.
func (r *Registry) PassDuration(resource string) (time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tier, ok := r.tiers[resource]
	if !ok || tier.PassDuration <= 0 {
		return 0, false
	}
	return tier.PassDuration, true
}

// Resources lists every catalog resource id.
func (r *Registry) Resources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tiers))
	for id := range r.tiers {
		out = append(out, id)
	}
	return out
}

// minorUnits converts a major-unit decimal price into an integer string of
// minor units. Fractions below one minor unit are rejected rather than
// rounded; pricing must be exact.
func minorUnits(price string, decimals int) (string, error) {
	d, err := decimal.NewFromString(price)
	if err != nil {
		return "", fmt.Errorf("invalid price %q: %w", price, err)
	}
	if d.IsNegative() {
		return "", fmt.Errorf("price %q is negative", price)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return "", fmt.Errorf("price %q has more than %d decimal places", price, decimals)
	}
	return shifted.Truncate(0).String(), nil
}
