package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"futurestack/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ PositionStore = (*SQLiteStore)(nil)
var _ RollStore = (*SQLiteStore)(nil)
var _ InstrumentLockStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	tier                TEXT    NOT NULL,
	id                  INTEGER NOT NULL,
	order_key           TEXT    NOT NULL,
	parent_id           INTEGER,
	active              INTEGER NOT NULL DEFAULT 1,
	locked              INTEGER NOT NULL DEFAULT 0,
	locked_at           INTEGER,
	lock_owner          TEXT,
	modification_status TEXT    NOT NULL,
	version             INTEGER NOT NULL DEFAULT 0,
	body                TEXT    NOT NULL,
	PRIMARY KEY (tier, id)
);
CREATE INDEX IF NOT EXISTS orders_key ON orders (tier, order_key, active);
CREATE INDEX IF NOT EXISTS orders_parent ON orders (tier, parent_id);

CREATE TABLE IF NOT EXISTS order_id_counters (
	tier    TEXT    PRIMARY KEY,
	last_id INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS strategy_positions (
	strategy   TEXT    NOT NULL,
	instrument TEXT    NOT NULL,
	position   INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (strategy, instrument)
);

CREATE TABLE IF NOT EXISTS contract_positions (
	instrument  TEXT    NOT NULL,
	contract_id TEXT    NOT NULL,
	position    INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (instrument, contract_id)
);

CREATE TABLE IF NOT EXISTS completion_bookings (
	instrument_order_id INTEGER PRIMARY KEY,
	booked_at           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trade_records (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy    TEXT    NOT NULL,
	instrument  TEXT    NOT NULL,
	qty         INTEGER NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS trade_records_instrument ON trade_records (instrument, recorded_at);

CREATE TABLE IF NOT EXISTS instrument_locks (
	instrument TEXT PRIMARY KEY,
	reason     TEXT    NOT NULL,
	locked_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS roll_parameters (
	instrument        TEXT PRIMARY KEY,
	state             TEXT NOT NULL,
	priced_contract   TEXT NOT NULL,
	forward_contract  TEXT NOT NULL,
	priced_reference  TEXT,
	forward_reference TEXT,
	updated_at        INTEGER NOT NULL
);
`

// SQLiteStore owns the database shared by the three order stacks, the
// position tables and the roll parameters. Other processes may open the same
// file; WAL mode and a busy timeout let them interleave writes.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection serialises writers inside this process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpdateStrategyPosition adds delta to a strategy's instrument position.
func (s *SQLiteStore) UpdateStrategyPosition(ctx context.Context, strategy, instrument string, delta int64) error {
	return addStrategyPosition(ctx, s.db, strategy, instrument, delta)
}

// UpdateContractPosition adds delta to the position in one contract.
func (s *SQLiteStore) UpdateContractPosition(ctx context.Context, instrument, contractID string, delta int64) error {
	return addContractPosition(ctx, s.db, instrument, contractID, delta)
}

func addStrategyPosition(ctx context.Context, db execer, strategy, instrument string, delta int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO strategy_positions (strategy, instrument, position, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (strategy, instrument)
		DO UPDATE SET position = position + excluded.position, updated_at = excluded.updated_at`,
		strategy, instrument, delta, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("updating position %s/%s: %w", strategy, instrument, err)
	}
	return nil
}

func addContractPosition(ctx context.Context, db execer, instrument, contractID string, delta int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO contract_positions (instrument, contract_id, position, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (instrument, contract_id)
		DO UPDATE SET position = position + excluded.position, updated_at = excluded.updated_at`,
		instrument, contractID, delta, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("updating position %s/%s: %w", instrument, contractID, err)
	}
	return nil
}

// BookCompletion applies the position changes of a completed order tree
// together with a marker keyed by the instrument order id, in one
// transaction. booked is false when the tree was booked before, in which
// case nothing changes.
func (s *SQLiteStore) BookCompletion(ctx context.Context, b Booking) (booked bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if !booked {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO completion_bookings (instrument_order_id, booked_at) VALUES (?, ?)
		ON CONFLICT (instrument_order_id) DO NOTHING`,
		int64(b.OrderID), time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("marking order %d booked: %w", b.OrderID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}

	if b.StrategyDelta != 0 {
		if err := addStrategyPosition(ctx, tx, b.Strategy, b.Instrument, b.StrategyDelta); err != nil {
			return false, err
		}
	}
	for _, c := range b.Contracts {
		if c.Delta == 0 {
			continue
		}
		if err := addContractPosition(ctx, tx, b.Instrument, c.ContractID, c.Delta); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("booking order %d: %w", b.OrderID, err)
	}
	return true, nil
}

// PositionTotals sums strategy and contract positions per instrument.
func (s *SQLiteStore) PositionTotals(ctx context.Context) ([]PositionTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instrument, SUM(strategy_qty), SUM(contract_qty) FROM (
			SELECT instrument, position AS strategy_qty, 0 AS contract_qty FROM strategy_positions
			UNION ALL
			SELECT instrument, 0, position FROM contract_positions
		) GROUP BY instrument ORDER BY instrument`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PositionTotal
	for rows.Next() {
		var t PositionTotal
		if err := rows.Scan(&t.Instrument, &t.Strategy, &t.Contract); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// StrategyPosition returns zero for a strategy that never traded.
func (s *SQLiteStore) StrategyPosition(ctx context.Context, strategy, instrument string) (int64, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx,
		`SELECT position FROM strategy_positions WHERE strategy = ? AND instrument = ?`,
		strategy, instrument).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return pos, err
}

// ContractPosition returns zero for a contract never traded.
func (s *SQLiteStore) ContractPosition(ctx context.Context, instrument, contractID string) (int64, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx,
		`SELECT position FROM contract_positions WHERE instrument = ? AND contract_id = ?`,
		instrument, contractID).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return pos, err
}

// InstrumentsWithPositions lists instruments holding any contract position.
func (s *SQLiteStore) InstrumentsWithPositions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT instrument FROM contract_positions
		WHERE position != 0 ORDER BY instrument`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var instrument string
		if err := rows.Scan(&instrument); err != nil {
			return nil, err
		}
		out = append(out, instrument)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Trade log
// ---------------------------------------------------------------------------

// RecordTrade counts qty contracts against a strategy's instrument. A
// negative qty hands quantity back.
func (s *SQLiteStore) RecordTrade(ctx context.Context, strategy, instrument string, qty int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_records (strategy, instrument, qty, recorded_at) VALUES (?, ?, ?, ?)`,
		strategy, instrument, qty, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("recording trade %s/%s: %w", strategy, instrument, err)
	}
	return nil
}

// TradedSince sums the quantity recorded for an instrument at or after
// since. An empty strategy sums every strategy.
func (s *SQLiteStore) TradedSince(ctx context.Context, instrument, strategy string, since time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(qty), 0) FROM trade_records
		WHERE instrument = ? AND recorded_at >= ? AND (? = '' OR strategy = ?)`,
		instrument, since.UnixMilli(), strategy, strategy).Scan(&total)
	return total, err
}

// PruneTrades deletes records older than before.
func (s *SQLiteStore) PruneTrades(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trade_records WHERE recorded_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ---------------------------------------------------------------------------
// InstrumentLockStore implementation
// ---------------------------------------------------------------------------

// LockInstrument stops new trading in an instrument. Locking a locked
// instrument keeps the first reason.
func (s *SQLiteStore) LockInstrument(ctx context.Context, instrument, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instrument_locks (instrument, reason, locked_at) VALUES (?, ?, ?)
		ON CONFLICT (instrument) DO NOTHING`,
		instrument, reason, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("locking instrument %s: %w", instrument, err)
	}
	return nil
}

// UnlockInstrument removes an instrument lock. Unlocking an unlocked
// instrument is a no-op.
func (s *SQLiteStore) UnlockInstrument(ctx context.Context, instrument string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM instrument_locks WHERE instrument = ?`, instrument)
	return err
}

// InstrumentLocked reports whether an instrument is locked.
func (s *SQLiteStore) InstrumentLocked(ctx context.Context, instrument string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM instrument_locks WHERE instrument = ?`, instrument).Scan(&n)
	return n > 0, err
}

// InstrumentLocks lists every lock, ordered by instrument.
func (s *SQLiteStore) InstrumentLocks(ctx context.Context) ([]InstrumentLock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instrument, reason, locked_at FROM instrument_locks ORDER BY instrument`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InstrumentLock
	for rows.Next() {
		var (
			l  InstrumentLock
			ms int64
		)
		if err := rows.Scan(&l.Instrument, &l.Reason, &ms); err != nil {
			return nil, err
		}
		l.LockedAt = time.UnixMilli(ms)
		out = append(out, l)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// RollStore implementation
// ---------------------------------------------------------------------------

// RollParameters returns the roll state for an instrument.
func (s *SQLiteStore) RollParameters(ctx context.Context, instrument string) (domain.RollParameters, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instrument, state, priced_contract, forward_contract, priced_reference, forward_reference
		FROM roll_parameters WHERE instrument = ?`, instrument)
	p, err := scanRollParameters(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RollParameters{}, fmt.Errorf("roll parameters %s: %w", instrument, ErrNotFound)
	}
	return p, err
}

// SetRollParameters inserts or replaces the roll state for an instrument.
func (s *SQLiteStore) SetRollParameters(ctx context.Context, p domain.RollParameters) error {
	if _, err := domain.ParseRollState(string(p.State)); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO roll_parameters
		(instrument, state, priced_contract, forward_contract, priced_reference, forward_reference, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Instrument, string(p.State), p.PricedContract, p.ForwardContract,
		p.PricedReference, p.ForwardReference, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("saving roll parameters %s: %w", p.Instrument, err)
	}
	return nil
}

// ListRollParameters returns every instrument's roll state.
func (s *SQLiteStore) ListRollParameters(ctx context.Context) ([]domain.RollParameters, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instrument, state, priced_contract, forward_contract, priced_reference, forward_reference
		FROM roll_parameters ORDER BY instrument`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RollParameters
	for rows.Next() {
		p, err := scanRollParameters(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRollParameters(row scanner) (domain.RollParameters, error) {
	var (
		p       domain.RollParameters
		state   string
		priced  decimal.NullDecimal
		forward decimal.NullDecimal
	)
	if err := row.Scan(&p.Instrument, &state, &p.PricedContract, &p.ForwardContract, &priced, &forward); err != nil {
		return domain.RollParameters{}, err
	}
	p.State = domain.RollState(state)
	p.PricedReference = priced
	p.ForwardReference = forward
	return p, nil
}
