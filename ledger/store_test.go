package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basehealth/paygate"
)

// storeFactories lets every Store implementation run the same semantics
// suite.
var storeFactories = map[string]func(t *testing.T) Store{
	"memory": func(t *testing.T) Store {
		return NewMemoryStore()
	},
	"sqlite": func(t *testing.T) Store {
		store, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	},
}

func sampleEntry(paymentID string) Entry {
	return Entry{
		PaymentID:      paymentID,
		OrderID:        "order-1",
		Resource:       "ai-consult",
		Payer:          "0x857b06519E91e3A54538791bDbb0E22373e36b66",
		Amount:         "500000",
		RequiredAmount: "500000",
		Network:        paygate.NetworkBase,
		SettledAt:      time.Unix(1735689600, 0),
	}
}

func TestMarkProcessedFirstWriterWins(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			require.NoError(t, store.MarkProcessed(ctx, sampleEntry("0xaaa")))

			second := sampleEntry("0xaaa")
			second.OrderID = "order-2"
			err := store.MarkProcessed(ctx, second)
			assert.ErrorIs(t, err, paygate.ErrAlreadyProcessed)

			// The losing write must not overwrite anything.
			entry, err := store.Get(ctx, "0xaaa")
			require.NoError(t, err)
			require.NotNil(t, entry)
			assert.Equal(t, "order-1", entry.OrderID)
		})
	}
}

func TestMarkProcessedConcurrentSingleWinner(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			const writers = 32
			var wg sync.WaitGroup
			results := make(chan error, writers)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					results <- store.MarkProcessed(ctx, sampleEntry("0xbbb"))
				}()
			}
			wg.Wait()
			close(results)

			winners := 0
			for err := range results {
				if err == nil {
					winners++
				} else {
					assert.ErrorIs(t, err, paygate.ErrAlreadyProcessed)
				}
			}
			assert.Equal(t, 1, winners, "exactly one concurrent writer must win")
		})
	}
}

func TestGetAndIsProcessed(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			processed, err := store.IsProcessed(ctx, "0xccc")
			require.NoError(t, err)
			assert.False(t, processed)

			entry, err := store.Get(ctx, "0xccc")
			require.NoError(t, err)
			assert.Nil(t, entry)

			require.NoError(t, store.MarkProcessed(ctx, sampleEntry("0xccc")))

			processed, err = store.IsProcessed(ctx, "0xccc")
			require.NoError(t, err)
			assert.True(t, processed)

			entry, err = store.Get(ctx, "0xccc")
			require.NoError(t, err)
			require.NotNil(t, entry)
			assert.Equal(t, "500000", entry.Amount)
			assert.Equal(t, paygate.NetworkBase, entry.Network)
			assert.True(t, entry.SettledAt.Equal(time.Unix(1735689600, 0)))
		})
	}
}

func TestFindBySession(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			require.NoError(t, store.MarkProcessed(ctx, sampleEntry("0xddd")))

			entry, err := store.FindBySession(ctx, "order-1", "ai-consult")
			require.NoError(t, err)
			require.NotNil(t, entry)
			assert.Equal(t, "0xddd", entry.PaymentID)

			entry, err = store.FindBySession(ctx, "order-1", "other-resource")
			require.NoError(t, err)
			assert.Nil(t, entry)

			entry, err = store.FindBySession(ctx, "order-unknown", "ai-consult")
			require.NoError(t, err)
			assert.Nil(t, entry)
		})
	}
}

func TestLatestForPayerPicksMostRecent(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			older := sampleEntry("0xe01")
			older.SettledAt = time.Unix(1735689600, 0)
			newer := sampleEntry("0xe02")
			newer.OrderID = "order-2"
			newer.SettledAt = time.Unix(1735693200, 0)

			require.NoError(t, store.MarkProcessed(ctx, older))
			require.NoError(t, store.MarkProcessed(ctx, newer))

			entry, err := store.LatestForPayer(ctx, older.Payer, "ai-consult")
			require.NoError(t, err)
			require.NotNil(t, entry)
			assert.Equal(t, "0xe02", entry.PaymentID)
		})
	}
}

func TestAnnotate(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			// Annotating an unknown id must be a silent no-op.
			require.NoError(t, store.Annotate(ctx, "0xfff", `{"status":"succeeded"}`))

			require.NoError(t, store.MarkProcessed(ctx, sampleEntry("0xfff")))
			require.NoError(t, store.Annotate(ctx, "0xfff", `{"status":"succeeded"}`))

			entry, err := store.Get(ctx, "0xfff")
			require.NoError(t, err)
			require.NotNil(t, entry)
			assert.Equal(t, `{"status":"succeeded"}`, entry.ProcessorMeta)
		})
	}
}
