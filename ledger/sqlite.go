package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/basehealth/paygate"
)

const schema = `
CREATE TABLE IF NOT EXISTS processed_payments (
	payment_id      TEXT PRIMARY KEY,
	order_id        TEXT NOT NULL,
	resource        TEXT NOT NULL,
	payer           TEXT NOT NULL,
	amount          TEXT NOT NULL,
	required_amount TEXT NOT NULL,
	network         TEXT NOT NULL,
	settled_at      INTEGER NOT NULL,
	processor_meta  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_payments_payer_resource
	ON processed_payments (payer, resource, settled_at);
CREATE INDEX IF NOT EXISTS idx_payments_order
	ON processed_payments (order_id, resource);
`

// SQLiteStore is the durable Store implementation. The PRIMARY KEY on
// payment_id is what makes MarkProcessed first-writer-wins; the application
// never relies on an advisory check.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the ledger database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent settlement attempts.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) IsProcessed(ctx context.Context, paymentID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_payments WHERE payment_id = ?`, paymentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, e Entry) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_payments
			(payment_id, order_id, resource, payer, amount, required_amount, network, settled_at, processor_meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (payment_id) DO NOTHING`,
		e.PaymentID, e.OrderID, e.Resource, e.Payer, e.Amount, e.RequiredAmount,
		e.Network.String(), e.SettledAt.Unix(), e.ProcessorMeta)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if n == 0 {
		return paygate.ErrAlreadyProcessed
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, paymentID string) (*Entry, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT payment_id, order_id, resource, payer, amount, required_amount, network, settled_at, processor_meta
		 FROM processed_payments WHERE payment_id = ?`, paymentID))
}

func (s *SQLiteStore) FindBySession(ctx context.Context, orderID, resource string) (*Entry, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT payment_id, order_id, resource, payer, amount, required_amount, network, settled_at, processor_meta
		 FROM processed_payments WHERE order_id = ? AND resource = ?
		 ORDER BY settled_at DESC LIMIT 1`, orderID, resource))
}

func (s *SQLiteStore) LatestForPayer(ctx context.Context, payer, resource string) (*Entry, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT payment_id, order_id, resource, payer, amount, required_amount, network, settled_at, processor_meta
		 FROM processed_payments WHERE payer = ? AND resource = ?
		 ORDER BY settled_at DESC LIMIT 1`, payer, resource))
}

func (s *SQLiteStore) Annotate(ctx context.Context, paymentID, meta string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE processed_payments SET processor_meta = ? WHERE payment_id = ?`,
		meta, paymentID)
	if err != nil {
		return fmt.Errorf("annotate payment %s: %w", paymentID, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) scanOne(row *sql.Row) (*Entry, error) {
	var e Entry
	var network string
	var settledAt int64
	err := row.Scan(&e.PaymentID, &e.OrderID, &e.Resource, &e.Payer, &e.Amount,
		&e.RequiredAmount, &network, &settledAt, &e.ProcessorMeta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Network = paygate.Network(network)
	e.SettledAt = time.Unix(settledAt, 0).UTC()
	return &e, nil
}

var _ Store = (*SQLiteStore)(nil)
