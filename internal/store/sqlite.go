package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("not found")

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// :memory: databases are per connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS payments (
			signature TEXT PRIMARY KEY,
			playback_id TEXT NOT NULL,
			payer TEXT NOT NULL,
			recipient TEXT NOT NULL,
			lamports INTEGER NOT NULL,
			usd_amount TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			last_valid_block_height INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS payments_status ON payments (status)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS payments_stream_payer ON payments (playback_id, payer)`)
	return err
}

// SavePayment inserts p, or updates the row with the same signature. The
// original creation time is kept on update.
func (s *SQLiteStore) SavePayment(ctx context.Context, p *Payment) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (signature, playback_id, payer, recipient, lamports, usd_amount, status, error, last_valid_block_height, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(signature) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, p.Signature, p.PlaybackID, p.Payer, p.Recipient, int64(p.Lamports), p.USDAmount.String(),
		string(p.Status), p.Error, int64(p.LastValidBlockHeight), p.CreatedAt, p.UpdatedAt)
	return err
}

const paymentColumns = `signature, playback_id, payer, recipient, lamports, usd_amount, status, error, last_valid_block_height, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (*Payment, error) {
	var (
		p        Payment
		lamports int64
		usd      string
		status   string
		height   int64
	)
	err := row.Scan(&p.Signature, &p.PlaybackID, &p.Payer, &p.Recipient, &lamports, &usd,
		&status, &p.Error, &height, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Lamports = uint64(lamports)
	p.LastValidBlockHeight = uint64(height)
	p.Status = Status(status)
	p.USDAmount, err = decimal.NewFromString(usd)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) GetPayment(ctx context.Context, signature string) (*Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE signature = ?`, signature)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) UpdatePaymentStatus(ctx context.Context, signature string, status Status, errMsg string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payments SET status = ?, error = ?, updated_at = ? WHERE signature = ?
	`, string(status), errMsg, time.Now().UTC(), signature)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPaymentsByStatus returns matching payments, oldest first.
func (s *SQLiteStore) ListPaymentsByStatus(ctx context.Context, status Status) ([]*Payment, error) {
	return s.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE status = ? ORDER BY created_at
	`, string(status))
}

// ListPaymentsFor returns the payments payer made for playbackID in any of
// statuses, oldest first. Payers match case-insensitively.
func (s *SQLiteStore) ListPaymentsFor(ctx context.Context, playbackID, payer string, statuses ...Status) ([]*Payment, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := []any{playbackID, payer}
	placeholders := make([]string, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	return s.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE playback_id = ? AND payer = ? COLLATE NOCASE AND status IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY created_at
	`, args...)
}

func (s *SQLiteStore) queryPayments(ctx context.Context, query string, args ...any) ([]*Payment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{SettledUSD: decimal.Zero}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) as total,
			COALESCE(SUM(CASE WHEN status = 'confirmed' THEN 1 ELSE 0 END), 0) as confirmed_count,
			COALESCE(SUM(CASE WHEN status = 'unreconciled' THEN 1 ELSE 0 END), 0) as unreconciled_count,
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) as pending_count,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) as failed_count,
			COALESCE(SUM(CASE WHEN status IN ('confirmed', 'unreconciled') THEN lamports ELSE 0 END), 0) as settled_lamports,
			COUNT(DISTINCT playback_id) as streams,
			COALESCE(MIN(created_at), '') as oldest,
			COALESCE(MAX(created_at), '') as newest
		FROM payments
	`)

	var (
		settled        int64
		oldest, newest string
	)
	err := row.Scan(
		&stats.TotalPayments,
		&stats.ConfirmedPayments,
		&stats.UnreconciledPayments,
		&stats.PendingPayments,
		&stats.FailedPayments,
		&settled,
		&stats.Streams,
		&oldest,
		&newest,
	)
	if err != nil {
		return nil, err
	}
	stats.SettledLamports = uint64(settled)
	stats.OldestPayment = parseTimestamp(oldest)
	stats.NewestPayment = parseTimestamp(newest)

	// USD amounts are stored as decimal text; sum them exactly here.
	rows, err := s.db.QueryContext(ctx, `
		SELECT usd_amount FROM payments WHERE status IN ('confirmed', 'unreconciled')
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var usd string
		if err := rows.Scan(&usd); err != nil {
			return nil, err
		}
		if d, err := decimal.NewFromString(usd); err == nil {
			stats.SettledUSD = stats.SettledUSD.Add(d)
		}
	}

	return stats, rows.Err()
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		time.RFC3339Nano,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
