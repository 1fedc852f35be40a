package pairing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps pairing state in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS pairing_pending (
		channel TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		peer_id TEXT NOT NULL,
		code TEXT NOT NULL,
		requested_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (channel, peer_id)
	);

	CREATE INDEX IF NOT EXISTS idx_pairing_pending_code ON pairing_pending(channel, code);

	CREATE TABLE IF NOT EXISTS pairing_approved (
		channel TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		peer_id TEXT NOT NULL,
		added_at INTEGER NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (channel, peer_id)
	);
`

// NewSQLiteStore opens the database at path and ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("pairing database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create pairing directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open pairing database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create pairing schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Pending(ctx context.Context, channel string) ([]Request, error) {
	query := `SELECT channel, account_id, peer_id, code, requested_at, expires_at FROM pairing_pending`
	var args []interface{}
	if channel != "" {
		query += ` WHERE channel = ?`
		args = append(args, channel)
	}
	query += ` ORDER BY requested_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var req Request
		var requestedAt, expiresAt int64
		if err := rows.Scan(&req.Channel, &req.AccountID, &req.PeerID, &req.Code, &requestedAt, &expiresAt); err != nil {
			return nil, err
		}
		req.RequestedAt = time.Unix(0, requestedAt)
		req.ExpiresAt = time.Unix(0, expiresAt)
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutPending(ctx context.Context, req Request) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pairing_pending (channel, account_id, peer_id, code, requested_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		req.Channel, req.AccountID, req.PeerID, normalizeCode(req.Code),
		req.RequestedAt.UnixNano(), req.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to store pending request: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TakePending(ctx context.Context, channel, code string) (Request, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Request{}, err
	}
	defer tx.Rollback()

	req := Request{Channel: channel}
	var requestedAt, expiresAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT account_id, peer_id, code, requested_at, expires_at FROM pairing_pending WHERE channel = ? AND code = ?`,
		channel, normalizeCode(code),
	).Scan(&req.AccountID, &req.PeerID, &req.Code, &requestedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, ErrRequestNotFound
	}
	if err != nil {
		return Request{}, fmt.Errorf("failed to look up pending request: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pairing_pending WHERE channel = ? AND peer_id = ?`, channel, req.PeerID); err != nil {
		return Request{}, fmt.Errorf("failed to delete pending request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Request{}, err
	}
	req.RequestedAt = time.Unix(0, requestedAt)
	req.ExpiresAt = time.Unix(0, expiresAt)
	return req, nil
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pairing_pending WHERE expires_at < ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune pending requests: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Approve(ctx context.Context, approval Approval) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pairing_approved (channel, account_id, peer_id, added_at, reason) VALUES (?, ?, ?, ?, ?)`,
		approval.Channel, approval.AccountID, approval.PeerID, approval.AddedAt.UnixNano(), approval.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to store approval: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Approved(ctx context.Context, channel string) ([]Approval, error) {
	query := `SELECT channel, account_id, peer_id, added_at, reason FROM pairing_approved`
	var args []interface{}
	if channel != "" {
		query += ` WHERE channel = ?`
		args = append(args, channel)
	}
	query += ` ORDER BY added_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		var entry Approval
		var addedAt int64
		if err := rows.Scan(&entry.Channel, &entry.AccountID, &entry.PeerID, &addedAt, &entry.Reason); err != nil {
			return nil, err
		}
		entry.AddedAt = time.Unix(0, addedAt)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) IsApproved(ctx context.Context, channel, peerID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pairing_approved WHERE channel = ? AND peer_id = ?`, channel, peerID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check approval: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
