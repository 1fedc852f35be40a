package pairing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrPendingLimitReached = errors.New("pairing pending limit reached")
	ErrRequestNotFound     = errors.New("pairing request not found")
	ErrAlreadyApproved     = errors.New("peer is already approved")
)

// Store kinds accepted by Open.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Request represents a pending pairing request for a peer.
type Request struct {
	Channel     string    `json:"channel"`
	AccountID   string    `json:"account_id"`
	PeerID      string    `json:"peer_id"`
	Code        string    `json:"code"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the request is past its expiry at now.
func (r Request) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Approval represents an approved peer on a channel.
type Approval struct {
	Channel   string    `json:"channel"`
	AccountID string    `json:"account_id"`
	PeerID    string    `json:"peer_id"`
	AddedAt   time.Time `json:"added_at"`
	Reason    string    `json:"reason,omitempty"`
}

// Store persists pending requests and approvals. Implementations must be
// safe for concurrent use and must tolerate another process (the CLI)
// mutating the same backing storage.
type Store interface {
	// Pending lists pending requests for channel, or every channel when
	// channel is empty, oldest first.
	Pending(ctx context.Context, channel string) ([]Request, error)
	// PutPending inserts or replaces the request for (channel, peer).
	PutPending(ctx context.Context, req Request) error
	// TakePending removes and returns the request with the given code.
	TakePending(ctx context.Context, channel, code string) (Request, error)
	// DeleteExpired removes requests that expired before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	// Approve records an approval for (channel, peer).
	Approve(ctx context.Context, approval Approval) error
	// Approved lists approvals for channel, or every channel when empty.
	Approved(ctx context.Context, channel string) ([]Approval, error)
	// IsApproved reports whether peer has been approved on channel.
	IsApproved(ctx context.Context, channel, peerID string) (bool, error)
	Close() error
}

// Open returns the store of the given kind rooted at path. For the file store
// path is a directory; for sqlite it is the database file.
func Open(kind, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", StoreFile:
		return NewFileStore(path)
	case StoreSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown pairing store %q", kind)
	}
}

func peerKey(channel, peerID string) string {
	return channel + "\x00" + peerID
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
