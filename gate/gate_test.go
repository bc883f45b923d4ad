package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basehealth/paygate"
	"github.com/basehealth/paygate/ledger"
)

const (
	payer    = "0x857b06519E91e3A54538791bDbb0E22373e36b66"
	passTier = "chat-assistant-pass"
	oneOff   = "ai-consult"
)

func testRegistry(t *testing.T) *paygate.Registry {
	registry, err := paygate.NewRegistry([]paygate.ResourceTier{
		{
			Resource:          oneOff,
			Price:             "0.50",
			Decimals:          6,
			Scheme:            paygate.SchemeExact,
			Network:           paygate.NetworkBase,
			PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
			MaxTimeoutSeconds: 300,
		},
		{
			Resource:          passTier,
			Price:             "5",
			Decimals:          6,
			Scheme:            paygate.SchemeExact,
			Network:           paygate.NetworkBase,
			PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
			MaxTimeoutSeconds: 300,
			PassDuration:      time.Hour,
		},
	})
	require.NoError(t, err)
	return registry
}

func settle(t *testing.T, store ledger.Store, paymentID, orderID, resource string, at time.Time) {
	t.Helper()
	require.NoError(t, store.MarkProcessed(context.Background(), ledger.Entry{
		PaymentID: paymentID,
		OrderID:   orderID,
		Resource:  resource,
		Payer:     payer,
		Amount:    "500000",
		Network:   paygate.NetworkBase,
		SettledAt: at,
	}))
}

func TestSessionGrant(t *testing.T) {
	store := ledger.NewMemoryStore()
	g := New(store, testRegistry(t))
	ctx := context.Background()

	granted, err := g.HasAccess(ctx, "", oneOff, "order-1")
	require.NoError(t, err)
	assert.False(t, granted, "no payment yet")

	settle(t, store, "0xaaa", "order-1", oneOff, time.Now())

	granted, err = g.HasAccess(ctx, "", oneOff, "order-1")
	require.NoError(t, err)
	assert.True(t, granted)

	granted, err = g.HasAccess(ctx, "", oneOff, "order-2")
	require.NoError(t, err)
	assert.False(t, granted, "other sessions must not inherit the grant")
}

func TestEntitlementWindow(t *testing.T) {
	settledAt := time.Unix(1735689600, 0)
	store := ledger.NewMemoryStore()
	ctx := context.Background()
	settle(t, store, "0xbbb", "order-1", passTier, settledAt)

	cases := []struct {
		name    string
		now     time.Time
		granted bool
	}{
		{"just after settlement", settledAt.Add(time.Second), true},
		{"one second before expiry", settledAt.Add(time.Hour - time.Second), true},
		{"exactly at expiry", settledAt.Add(time.Hour), false},
		{"one second after expiry", settledAt.Add(time.Hour + time.Second), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := New(store, testRegistry(t), WithClock(func() time.Time { return tc.now }))
			granted, err := g.HasAccess(ctx, payer, passTier, "")
			require.NoError(t, err)
			assert.Equal(t, tc.granted, granted)
		})
	}
}

func TestEntitlementDerivedFromLatestPayment(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()

	first := time.Unix(1735689600, 0)
	renewal := first.Add(50 * time.Minute)
	settle(t, store, "0xc01", "order-1", passTier, first)
	settle(t, store, "0xc02", "order-2", passTier, renewal)

	g := New(store, testRegistry(t))
	ent, err := g.Entitlement(ctx, payer, passTier)
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.Equal(t, "0xc02", ent.SourcePaymentID)
	assert.True(t, ent.ValidUntil.Equal(renewal.Add(time.Hour)))
}

func TestNoEntitlementForOneOffTier(t *testing.T) {
	store := ledger.NewMemoryStore()
	settle(t, store, "0xddd", "order-1", oneOff, time.Now())

	g := New(store, testRegistry(t))
	ent, err := g.Entitlement(context.Background(), payer, oneOff)
	require.NoError(t, err)
	assert.Nil(t, ent, "one-off tiers never grant rolling entitlements")
}

func TestNoEntitlementWithoutPrincipal(t *testing.T) {
	store := ledger.NewMemoryStore()
	g := New(store, testRegistry(t))
	ent, err := g.Entitlement(context.Background(), "", passTier)
	require.NoError(t, err)
	assert.Nil(t, ent)
}
