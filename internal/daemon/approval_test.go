package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/harun/chatgate/internal/config"
	"github.com/harun/chatgate/pkg/channels"
	"github.com/harun/chatgate/pkg/channels/signedhook"
	"github.com/harun/chatgate/pkg/pairing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) AppendAllowFrom(key, entry string) (bool, error) {
	args := m.Called(key, entry)
	return args.Bool(0), args.Error(1)
}

func newTestApprover(t *testing.T, writer AllowListWriter, cfg *config.Config) (*Approver, *pairing.Manager) {
	t.Helper()

	store, err := pairing.Open("file", filepath.Join(t.TempDir(), "pairing"))
	require.NoError(t, err)
	manager, err := pairing.NewManager(pairing.ManagerOptions{Store: store})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	registry := channels.NewRegistry()
	require.NoError(t, registry.Register(signedhook.New()))

	return NewApprover(manager, registry, writer, func() *config.Config { return cfg }, zerolog.Nop()), manager
}

func TestApprover_ApproveWritesChannelAllowList(t *testing.T) {
	writer := new(mockWriter)
	writer.On("AppendAllowFrom", "channels.signedhook.allow_from", "alice").Return(true, nil)

	approver, manager := newTestApprover(t, writer, config.DefaultConfig())
	ctx := context.Background()

	req, created, err := manager.EnsurePending(ctx, "signedhook", "default", "alice")
	require.NoError(t, err)
	require.True(t, created)

	approved, err := approver.Approve(ctx, "signedhook", req.Code)
	require.NoError(t, err)
	assert.Equal(t, "alice", approved.PeerID)
	assert.True(t, manager.IsApproved(ctx, "signedhook", "alice"))
	writer.AssertExpectations(t)

	pending, err := approver.ListPending(ctx, "signedhook")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestApprover_ApproveWritesAccountAllowList(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Channels.SignedHook.Accounts = map[string]config.SignedHookAccount{
		"ops": {Secret: "s"},
	}
	writer := new(mockWriter)
	writer.On("AppendAllowFrom", "channels.signedhook.accounts.ops.allow_from", "bob").Return(false, nil)

	approver, manager := newTestApprover(t, writer, cfg)
	ctx := context.Background()

	req, _, err := manager.EnsurePending(ctx, "signedhook", "ops", "bob")
	require.NoError(t, err)

	_, err = approver.Approve(ctx, "signedhook", req.Code)
	require.NoError(t, err)
	writer.AssertExpectations(t)
}

func TestApprover_WriteFailureStillApproves(t *testing.T) {
	writer := new(mockWriter)
	writer.On("AppendAllowFrom", mock.Anything, mock.Anything).Return(false, errors.New("read-only"))

	approver, manager := newTestApprover(t, writer, config.DefaultConfig())
	ctx := context.Background()

	req, _, err := manager.EnsurePending(ctx, "signedhook", "default", "carol")
	require.NoError(t, err)

	_, err = approver.Approve(ctx, "signedhook", req.Code)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only")
	assert.True(t, manager.IsApproved(ctx, "signedhook", "carol"))
}

func TestApprover_UnknownCode(t *testing.T) {
	approver, _ := newTestApprover(t, nil, config.DefaultConfig())

	_, err := approver.Approve(context.Background(), "signedhook", "NOPE2345")
	assert.ErrorIs(t, err, pairing.ErrRequestNotFound)

	_, err = approver.Reject(context.Background(), "signedhook", "NOPE2345")
	assert.ErrorIs(t, err, pairing.ErrRequestNotFound)
}

func TestApprover_Reject(t *testing.T) {
	writer := new(mockWriter)
	approver, manager := newTestApprover(t, writer, config.DefaultConfig())
	ctx := context.Background()

	req, _, err := manager.EnsurePending(ctx, "signedhook", "default", "dave")
	require.NoError(t, err)

	rejected, err := approver.Reject(ctx, "signedhook", req.Code)
	require.NoError(t, err)
	assert.Equal(t, "dave", rejected.PeerID)
	assert.False(t, manager.IsApproved(ctx, "signedhook", "dave"))
	writer.AssertNotCalled(t, "AppendAllowFrom", mock.Anything, mock.Anything)
}
