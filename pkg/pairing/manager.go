package pairing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	DefaultPendingLimit = 3
	DefaultPendingTTL   = time.Hour
	CodeLength          = 8
	CodeAlphabet        = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// ManagerOptions configures a pairing manager.
type ManagerOptions struct {
	Store      Store
	MaxPending int
	PendingTTL time.Duration
	Now        func() time.Time
}

// Manager issues pairing codes to unknown direct-message senders and
// resolves them into approvals. MaxPending applies per channel.
type Manager struct {
	mu sync.Mutex

	store      Store
	maxPending int
	pendingTTL time.Duration
	now        func() time.Time
}

// NewManager creates a new pairing manager over store.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("pairing store is required")
	}
	pendingTTL := opts.PendingTTL
	if pendingTTL <= 0 {
		pendingTTL = DefaultPendingTTL
	}
	maxPending := opts.MaxPending
	if maxPending <= 0 {
		maxPending = DefaultPendingLimit
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Manager{
		store:      opts.Store,
		maxPending: maxPending,
		pendingTTL: pendingTTL,
		now:        nowFn,
	}, nil
}

// EnsurePending returns a pending request for the peer, creating one if needed.
// The returned boolean indicates whether a new request was created.
func (m *Manager) EnsurePending(ctx context.Context, channel, accountID, peerID string) (Request, bool, error) {
	channel = strings.TrimSpace(channel)
	peerID = strings.TrimSpace(peerID)
	if channel == "" || peerID == "" {
		return Request{}, false, fmt.Errorf("channel and peer id are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if _, err := m.store.DeleteExpired(ctx, now); err != nil {
		return Request{}, false, err
	}
	approved, err := m.store.IsApproved(ctx, channel, peerID)
	if err != nil {
		return Request{}, false, err
	}
	if approved {
		return Request{}, false, ErrAlreadyApproved
	}

	pending, err := m.store.Pending(ctx, channel)
	if err != nil {
		return Request{}, false, err
	}
	codes := make(map[string]bool, len(pending))
	for _, req := range pending {
		if req.PeerID == peerID {
			return req, false, nil
		}
		codes[req.Code] = true
	}
	if len(pending) >= m.maxPending {
		return Request{}, false, ErrPendingLimitReached
	}

	code, err := generateUniqueCode(codes)
	if err != nil {
		return Request{}, false, err
	}
	request := Request{
		Channel:     channel,
		AccountID:   accountID,
		PeerID:      peerID,
		Code:        code,
		RequestedAt: now,
		ExpiresAt:   now.Add(m.pendingTTL),
	}
	if err := m.store.PutPending(ctx, request); err != nil {
		return Request{}, false, err
	}
	return request, true, nil
}

// Approve approves a pending pairing request by code.
func (m *Manager) Approve(ctx context.Context, channel, code string) (Request, error) {
	return m.resolve(ctx, channel, code, true)
}

// Reject rejects a pending pairing request by code.
func (m *Manager) Reject(ctx context.Context, channel, code string) (Request, error) {
	return m.resolve(ctx, channel, code, false)
}

func (m *Manager) resolve(ctx context.Context, channel, code string, approve bool) (Request, error) {
	code = normalizeCode(code)
	if code == "" {
		return Request{}, fmt.Errorf("code is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.store.DeleteExpired(ctx, m.now()); err != nil {
		return Request{}, err
	}
	request, err := m.store.TakePending(ctx, strings.TrimSpace(channel), code)
	if err != nil {
		return Request{}, err
	}
	if approve {
		err := m.store.Approve(ctx, Approval{
			Channel:   request.Channel,
			AccountID: request.AccountID,
			PeerID:    request.PeerID,
			AddedAt:   m.now(),
			Reason:    fmt.Sprintf("approved via code %s", code),
		})
		if err != nil {
			return Request{}, err
		}
	}
	return request, nil
}

// IsApproved returns true if the peer was approved through pairing.
func (m *Manager) IsApproved(ctx context.Context, channel, peerID string) bool {
	ok, err := m.store.IsApproved(ctx, channel, strings.TrimSpace(peerID))
	return err == nil && ok
}

// ListPending returns active pending requests; empty channel lists all.
func (m *Manager) ListPending(ctx context.Context, channel string) ([]Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.store.DeleteExpired(ctx, m.now()); err != nil {
		return nil, err
	}
	return m.store.Pending(ctx, channel)
}

// ListApproved returns approvals; empty channel lists all.
func (m *Manager) ListApproved(ctx context.Context, channel string) ([]Approval, error) {
	return m.store.Approved(ctx, channel)
}

// PruneExpired drops expired pending requests and reports how many were removed.
func (m *Manager) PruneExpired(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.DeleteExpired(ctx, m.now())
}

// Close releases the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}

func generateUniqueCode(taken map[string]bool) (string, error) {
	for i := 0; i < 5; i++ {
		code, err := gonanoid.Generate(CodeAlphabet, CodeLength)
		if err != nil {
			return "", fmt.Errorf("failed to generate pairing code: %w", err)
		}
		if !taken[code] {
			return code, nil
		}
	}
	return "", errors.New("failed to generate unique pairing code")
}
