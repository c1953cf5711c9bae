package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/clubfridge/kiosk/internal/ledger"
)

const saleColumns = `seq, id, club_id, date, member_id, article_id, amount, unit_price, total,
	sync_state, attempts, next_attempt_at, last_error, needs_reconcile, synced_at`

// SaleQuery filters ScanSales. Zero values disable a filter.
type SaleQuery struct {
	State    ledger.SyncState
	ClubID   int
	MemberID string
	AfterSeq int64
	Limit    int
}

// SyncFailure describes a failed synchronization attempt.
type SyncFailure struct {
	NextAttemptAt time.Time
	Error         string
	// NeedsReconcile marks that the remote may have recorded the sale even
	// though no acknowledgement arrived. Once set it stays set until synced.
	NeedsReconcile bool
}

// SaleCounts summarizes the ledger by sync state.
type SaleCounts struct {
	Unsynced       int
	Syncing        int
	Synced         int
	OldestUnsynced time.Time
}

// AppendSale inserts a new sale in state unsynced and returns it with its
// assigned Seq. The insert is committed (and, with synchronous=FULL, on
// stable storage) when this returns without error.
//
// Returns ErrDuplicateSale if the id is already in the ledger.
func (s *Store) AppendSale(ctx context.Context, sale ledger.Sale) (ledger.Sale, error) {
	appended, err := s.AppendSales(ctx, []ledger.Sale{sale})
	if err != nil {
		return ledger.Sale{}, err
	}
	return appended[0], nil
}

// AppendSales inserts several sales in one transaction: either all of them
// are in the ledger afterwards or none is.
func (s *Store) AppendSales(ctx context.Context, sales []ledger.Sale) ([]ledger.Sale, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("append sales: begin tx: %w", err)
	}
	defer tx.Rollback()

	appended := make([]ledger.Sale, 0, len(sales))
	for _, sale := range sales {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO sales (id, club_id, date, member_id, article_id, amount, unit_price, total, sync_state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'unsynced')
		`,
			sale.ID,
			sale.ClubID,
			formatTime(sale.Date),
			sale.MemberID,
			sale.ArticleID,
			sale.Amount,
			sale.UnitPrice.String(),
			sale.Total.String(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("append sale %s: %w", sale.ID, ErrDuplicateSale)
			}
			return nil, fmt.Errorf("append sale %s: %w", sale.ID, err)
		}

		seq, err := result.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("append sale %s: last insert id: %w", sale.ID, err)
		}

		sale.Seq = seq
		sale.Date = sale.Date.UTC()
		sale.SyncState = ledger.SyncStateUnsynced
		sale.Attempts = 0
		sale.NextAttemptAt = time.Time{}
		sale.LastError = ""
		sale.NeedsReconcile = false
		sale.SyncedAt = time.Time{}
		appended = append(appended, sale)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("append sales: commit: %w", err)
	}
	return appended, nil
}

// ReadSale returns a sale by id or ErrNotFound.
func (s *Store) ReadSale(ctx context.Context, id string) (ledger.Sale, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = ?`, id)
	sale, err := scanSale(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Sale{}, fmt.Errorf("read sale %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ledger.Sale{}, fmt.Errorf("read sale %s: %w", id, err)
	}
	return sale, nil
}

// ScanSales returns the sales matching q in insertion order.
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ScanSales(ctx context.Context, q SaleQuery) ([]ledger.Sale, error) {
	var (
		where []string
		args  []any
	)
	if q.State != "" {
		where = append(where, "sync_state = ?")
		args = append(args, string(q.State))
	}
	if q.ClubID != 0 {
		where = append(where, "club_id = ?")
		args = append(args, q.ClubID)
	}
	if q.MemberID != "" {
		where = append(where, "member_id = ?")
		args = append(args, q.MemberID)
	}
	if q.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, q.AfterSeq)
	}

	query := `SELECT ` + saleColumns + ` FROM sales`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	return s.querySales(ctx, "scan sales", query, args...)
}

// ReadDueSales returns unsynced sales whose next attempt time has passed,
// oldest first.
func (s *Store) ReadDueSales(ctx context.Context, now time.Time, limit int) ([]ledger.Sale, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.querySales(ctx, "read due sales", `
		SELECT `+saleColumns+`
		FROM sales
		WHERE sync_state = 'unsynced' AND next_attempt_at <= ?
		ORDER BY seq ASC
		LIMIT ?
	`, formatTime(now), limit)
}

func (s *Store) querySales(ctx context.Context, op, query string, args ...any) ([]ledger.Sale, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	sales := []ledger.Sale{}
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return sales, nil
}

// MarkSyncing claims unsynced sales for a sync attempt and returns the ids it
// actually claimed, in the order given. Sales that are no longer unsynced are
// skipped.
func (s *Store) MarkSyncing(ctx context.Context, ids []string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mark syncing: begin tx: %w", err)
	}
	defer tx.Rollback()

	claimed := make([]string, 0, len(ids))
	for _, id := range ids {
		result, err := tx.ExecContext(ctx, `
			UPDATE sales SET sync_state = 'syncing'
			WHERE id = ? AND sync_state = 'unsynced'
		`, id)
		if err != nil {
			return nil, fmt.Errorf("mark syncing %s: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("mark syncing %s: rows affected: %w", id, err)
		}
		if n > 0 {
			claimed = append(claimed, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mark syncing: commit: %w", err)
	}
	return claimed, nil
}

// MarkSynced records the remote acknowledgement of a syncing sale.
// Marking an already synced sale again is a no-op, not an error.
func (s *Store) MarkSynced(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sales SET
			sync_state = 'synced',
			synced_at = ?,
			next_attempt_at = '',
			last_error = '',
			needs_reconcile = 0
		WHERE id = ? AND sync_state = 'syncing'
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark synced %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark synced %s: rows affected: %w", id, err)
	}
	if n > 0 {
		return nil
	}

	state, err := s.readSyncState(ctx, id)
	if err != nil {
		return fmt.Errorf("mark synced %s: %w", id, err)
	}
	if state == ledger.SyncStateSynced {
		return nil
	}
	return fmt.Errorf("mark synced %s: sale is %s: %w", id, state, ErrStateConflict)
}

// MarkUnsynced returns a syncing sale to unsynced after a failed attempt and
// records the retry schedule. The attempt counter is incremented.
func (s *Store) MarkUnsynced(ctx context.Context, id string, f SyncFailure) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sales SET
			sync_state = 'unsynced',
			attempts = attempts + 1,
			next_attempt_at = ?,
			last_error = ?,
			needs_reconcile = (needs_reconcile OR ?)
		WHERE id = ? AND sync_state = 'syncing'
	`, formatTime(f.NextAttemptAt), f.Error, f.NeedsReconcile, id)
	if err != nil {
		return fmt.Errorf("mark unsynced %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark unsynced %s: rows affected: %w", id, err)
	}
	if n > 0 {
		return nil
	}

	state, err := s.readSyncState(ctx, id)
	if err != nil {
		return fmt.Errorf("mark unsynced %s: %w", id, err)
	}
	return fmt.Errorf("mark unsynced %s: sale is %s: %w", id, state, ErrStateConflict)
}

// ReleaseSyncing returns claimed sales that were never sent to unsynced
// without counting an attempt. nextAttemptAt may be zero for "immediately".
func (s *Store) ReleaseSyncing(ctx context.Context, ids []string, nextAttemptAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("release syncing: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		_, err := tx.ExecContext(ctx, `
			UPDATE sales SET sync_state = 'unsynced', next_attempt_at = ?
			WHERE id = ? AND sync_state = 'syncing'
		`, formatTime(nextAttemptAt), id)
		if err != nil {
			return fmt.Errorf("release syncing %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("release syncing: commit: %w", err)
	}
	return nil
}

// RecoverInFlight resets sales left in syncing by a crash. Their outcome is
// unknown, so they are flagged for reconciliation before resubmission.
// Returns the number of recovered sales.
func (s *Store) RecoverInFlight(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sales SET sync_state = 'unsynced', needs_reconcile = 1
		WHERE sync_state = 'syncing'
	`)
	if err != nil {
		return 0, fmt.Errorf("recover in-flight sales: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover in-flight sales: rows affected: %w", err)
	}
	return n, nil
}

// NextRetryAt returns the earliest retry of an unsynced sale scheduled after
// now, or the zero time when there is none.
func (s *Store) NextRetryAt(ctx context.Context, now time.Time) (time.Time, error) {
	var next sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(next_attempt_at) FROM sales
		WHERE sync_state = 'unsynced' AND next_attempt_at > ?
	`, formatTime(now)).Scan(&next)
	if err != nil {
		return time.Time{}, fmt.Errorf("next retry: %w", err)
	}
	t, err := parseTime(next.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("next retry: %w", err)
	}
	return t, nil
}

// CountSales returns the number of sales per sync state and the date of the
// oldest unsynced sale.
func (s *Store) CountSales(ctx context.Context) (SaleCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sync_state, COUNT(*), MIN(date) FROM sales GROUP BY sync_state
	`)
	if err != nil {
		return SaleCounts{}, fmt.Errorf("count sales: %w", err)
	}
	defer rows.Close()

	var counts SaleCounts
	for rows.Next() {
		var (
			state  string
			n      int
			oldest string
		)
		if err := rows.Scan(&state, &n, &oldest); err != nil {
			return SaleCounts{}, fmt.Errorf("count sales: scan: %w", err)
		}
		switch ledger.SyncState(state) {
		case ledger.SyncStateUnsynced:
			counts.Unsynced = n
			t, err := parseTime(oldest)
			if err != nil {
				return SaleCounts{}, fmt.Errorf("count sales: %w", err)
			}
			counts.OldestUnsynced = t
		case ledger.SyncStateSyncing:
			counts.Syncing = n
		case ledger.SyncStateSynced:
			counts.Synced = n
		}
	}
	if err := rows.Err(); err != nil {
		return SaleCounts{}, fmt.Errorf("count sales: iterate: %w", err)
	}
	return counts, nil
}

func (s *Store) readSyncState(ctx context.Context, id string) (ledger.SyncState, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT sync_state FROM sales WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return ledger.ParseSyncState(state)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanSale scans a row selected with saleColumns.
func scanSale(row rowScanner) (ledger.Sale, error) {
	var (
		sale                          ledger.Sale
		date, unitPrice, total, state string
		nextAttemptAt, syncedAt       string
		needsReconcile                bool
	)
	if err := row.Scan(
		&sale.Seq, &sale.ID, &sale.ClubID, &date, &sale.MemberID, &sale.ArticleID,
		&sale.Amount, &unitPrice, &total, &state, &sale.Attempts, &nextAttemptAt,
		&sale.LastError, &needsReconcile, &syncedAt,
	); err != nil {
		return ledger.Sale{}, err
	}

	var err error
	if sale.Date, err = parseTime(date); err != nil {
		return ledger.Sale{}, fmt.Errorf("sale %s: %w", sale.ID, err)
	}
	if sale.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
		return ledger.Sale{}, fmt.Errorf("sale %s: unit price: %w", sale.ID, err)
	}
	if sale.Total, err = decimal.NewFromString(total); err != nil {
		return ledger.Sale{}, fmt.Errorf("sale %s: total: %w", sale.ID, err)
	}
	if sale.SyncState, err = ledger.ParseSyncState(state); err != nil {
		return ledger.Sale{}, fmt.Errorf("sale %s: %w", sale.ID, err)
	}
	if sale.NextAttemptAt, err = parseTime(nextAttemptAt); err != nil {
		return ledger.Sale{}, fmt.Errorf("sale %s: %w", sale.ID, err)
	}
	if sale.SyncedAt, err = parseTime(syncedAt); err != nil {
		return ledger.Sale{}, fmt.Errorf("sale %s: %w", sale.ID, err)
	}
	sale.NeedsReconcile = needsReconcile
	return sale, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
