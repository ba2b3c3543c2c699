package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	queryfi "github.com/kshitij-hash/QueryFi"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists the accumulator so that earned value survives a
// process restart. Every mutating call runs inside one IMMEDIATE
// transaction, which is the store's atomic read-modify-write unit.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (and if needed creates) the ledger database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for concurrent readers during settlement. The _pragma form
	// is applied to every pooled connection.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS payments (
		query_id TEXT PRIMARY KEY,
		amount_micro_units INTEGER NOT NULL,
		recorded_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS accumulator (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		accumulated_micro_units INTEGER NOT NULL DEFAULT 0,
		last_settlement_at INTEGER NOT NULL DEFAULT 0
	);
	INSERT OR IGNORE INTO accumulator (id, accumulated_micro_units, last_settlement_at) VALUES (1, 0, 0);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Append inserts the payment and bumps the accumulated total in one
// transaction.
func (s *SQLiteStore) Append(ctx context.Context, record queryfi.PaymentRecord) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO payments (query_id, amount_micro_units, recorded_at) VALUES (?, ?, ?)`,
		record.QueryID, int64(record.MicroUnits), record.Timestamp.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert payment: %w", err)
	}

	var accumulated int64
	err = tx.QueryRowContext(ctx,
		`UPDATE accumulator SET accumulated_micro_units = accumulated_micro_units + ? WHERE id = 1
		 RETURNING accumulated_micro_units`,
		int64(record.MicroUnits),
	).Scan(&accumulated)
	if err != nil {
		return 0, fmt.Errorf("update accumulated total: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return uint64(accumulated), nil
}

// Snapshot reads the accumulator and its payments in one transaction.
func (s *SQLiteStore) Snapshot(ctx context.Context) (queryfi.AccumulatorSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return queryfi.AccumulatorSnapshot{}, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	snap, err := readSnapshot(ctx, tx)
	if err != nil {
		return queryfi.AccumulatorSnapshot{}, err
	}
	return snap, tx.Commit()
}

// Reset deletes exactly the batch payments and subtracts their value from
// the total in one transaction. Payments appended after the batch was
// captured are left untouched.
func (s *SQLiteStore) Reset(ctx context.Context, settledAt time.Time, batch queryfi.AccumulatorSnapshot) (queryfi.AccumulatorSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return queryfi.AccumulatorSnapshot{}, fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var removed []queryfi.PaymentRecord
	var removedSum uint64
	for _, p := range batch.Payments {
		res, err := tx.ExecContext(ctx, `DELETE FROM payments WHERE query_id = ?`, p.QueryID)
		if err != nil {
			return queryfi.AccumulatorSnapshot{}, fmt.Errorf("clear payment %s: %w", p.QueryID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return queryfi.AccumulatorSnapshot{}, fmt.Errorf("clear payment %s: %w", p.QueryID, err)
		}
		if n == 0 {
			continue
		}
		removed = append(removed, p)
		removedSum += p.MicroUnits
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE accumulator SET accumulated_micro_units = accumulated_micro_units - ?, last_settlement_at = ? WHERE id = 1`,
		int64(removedSum), settledAt.UnixNano(),
	)
	if err != nil {
		return queryfi.AccumulatorSnapshot{}, fmt.Errorf("decrement accumulator: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return queryfi.AccumulatorSnapshot{}, fmt.Errorf("commit reset: %w", err)
	}
	return queryfi.AccumulatorSnapshot{MicroUnits: removedSum, Payments: removed}, nil
}

// LastSettlement returns the recorded time of the most recent reset.
func (s *SQLiteStore) LastSettlement(ctx context.Context) (time.Time, error) {
	var nanos int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_settlement_at FROM accumulator WHERE id = 1`,
	).Scan(&nanos)
	if err != nil {
		return time.Time{}, fmt.Errorf("read last settlement: %w", err)
	}
	if nanos == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, nanos), nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func readSnapshot(ctx context.Context, tx *sql.Tx) (queryfi.AccumulatorSnapshot, error) {
	var accumulated int64
	if err := tx.QueryRowContext(ctx,
		`SELECT accumulated_micro_units FROM accumulator WHERE id = 1`,
	).Scan(&accumulated); err != nil {
		return queryfi.AccumulatorSnapshot{}, fmt.Errorf("read accumulated total: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT query_id, amount_micro_units, recorded_at FROM payments ORDER BY recorded_at, query_id`,
	)
	if err != nil {
		return queryfi.AccumulatorSnapshot{}, fmt.Errorf("read payments: %w", err)
	}
	defer rows.Close()

	var payments []queryfi.PaymentRecord
	for rows.Next() {
		var record queryfi.PaymentRecord
		var amount, nanos int64
		if err := rows.Scan(&record.QueryID, &amount, &nanos); err != nil {
			return queryfi.AccumulatorSnapshot{}, fmt.Errorf("scan payment row: %w", err)
		}
		record.MicroUnits = uint64(amount)
		record.Timestamp = time.Unix(0, nanos)
		payments = append(payments, record)
	}
	if err := rows.Err(); err != nil {
		return queryfi.AccumulatorSnapshot{}, fmt.Errorf("iterate payments: %w", err)
	}

	return queryfi.AccumulatorSnapshot{
		MicroUnits: uint64(accumulated),
		Payments:   payments,
	}, nil
}
