// Package lifecycle runs channel accounts: it starts and stops their
// transports and owns every account's runtime snapshot.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/chatgate/internal/config"
	"github.com/harun/chatgate/internal/metrics"
	"github.com/harun/chatgate/pkg/channels"
	"github.com/harun/chatgate/pkg/webhook"
	"github.com/rs/zerolog"
)

var (
	ErrNotConfigured = errors.New("account is not configured")
	ErrDisabled      = errors.New("account is disabled")
	ErrStopping      = errors.New("account is stopping")
)

// Options configures a Manager.
type Options struct {
	Plugins    *channels.Registry
	Webhooks   *webhook.Registry
	Dispatcher channels.Dispatcher
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Manager starts, stops and reconciles accounts across all channels.
type Manager struct {
	plugins    *channels.Registry
	webhooks   *webhook.Registry
	dispatcher channels.Dispatcher
	logger     zerolog.Logger
	now        func() time.Time

	mu       sync.Mutex
	accounts map[string]*account
}

type account struct {
	snapshot    Snapshot
	fingerprint string
	run         *run
}

// run is one Starting..Stopped cycle of an account.
type run struct {
	cancel context.CancelFunc
	stop   func()
	ended  bool
}

// NewManager creates a lifecycle manager.
func NewManager(opts Options) *Manager {
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Manager{
		plugins:    opts.Plugins,
		webhooks:   opts.Webhooks,
		dispatcher: opts.Dispatcher,
		logger:     opts.Logger.With().Str("component", "lifecycle").Logger(),
		now:        nowFn,
		accounts:   make(map[string]*account),
	}
}

func accountKey(channel, accountID string) string {
	return channel + "/" + accountID
}

// StartAccount starts one account's transport. It is a no-op while the
// account is already starting or running.
func (m *Manager) StartAccount(ctx context.Context, plugin *channels.Plugin, cfg *config.Config, accountID string) error {
	resolved := plugin.Config.ResolveAccount(cfg, accountID)
	if !resolved.Enabled {
		return fmt.Errorf("%s/%s: %w", plugin.ID, resolved.AccountID, ErrDisabled)
	}
	if !resolved.Configured {
		return fmt.Errorf("%s/%s: %w", plugin.ID, resolved.AccountID, ErrNotConfigured)
	}
	key := accountKey(plugin.ID, resolved.AccountID)
	logger := m.logger.With().Str("channel", plugin.ID).Str("account", resolved.AccountID).Logger()

	m.mu.Lock()
	acct := m.accounts[key]
	if acct == nil {
		acct = &account{snapshot: Snapshot{Channel: plugin.ID, AccountID: resolved.AccountID}}
		m.accounts[key] = acct
	}
	switch acct.snapshot.State {
	case StateStarting, StateRunning:
		m.mu.Unlock()
		return nil
	case StateStopping:
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", key, ErrStopping)
	}

	abortCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel}
	now := m.now()
	acct.run = r
	acct.fingerprint = fingerprint(resolved)
	acct.snapshot.Name = resolved.Name
	acct.snapshot.Enabled = resolved.Enabled
	acct.snapshot.Configured = resolved.Configured
	acct.snapshot.State = StateStarting
	acct.snapshot.LastStartAt = &now
	acct.snapshot.LastError = ""
	m.mu.Unlock()

	logger.Info().Msg("Starting account")

	gc := channels.GatewayContext{
		Channel:    plugin.ID,
		Config:     cfg,
		Account:    resolved,
		Logger:     logger,
		Webhooks:   m.webhooks,
		Dispatcher: m.dispatcher,
		SetStatus: func(patch channels.StatusPatch) {
			m.applyPatch(key, patch)
		},
		Fail: func(err error) {
			m.teardown(key, r, StateErrored, err)
		},
	}

	stop, err := plugin.Gateway.StartAccount(abortCtx, gc)
	if err != nil {
		m.mu.Lock()
		if !r.ended {
			r.ended = true
			acct.run = nil
			acct.snapshot.State = StateErrored
			acct.snapshot.LastError = err.Error()
		}
		m.mu.Unlock()
		cancel()
		metrics.RecordAccountError(plugin.ID, resolved.AccountID)
		logger.Error().Err(err).Msg("Failed to start account")
		return fmt.Errorf("failed to start %s: %w", key, err)
	}

	m.mu.Lock()
	if r.ended {
		// Failed or stopped while the transport was starting.
		lastErr := acct.snapshot.LastError
		m.mu.Unlock()
		if stop != nil {
			stop()
		}
		if lastErr != "" {
			return fmt.Errorf("failed to start %s: %s", key, lastErr)
		}
		return nil
	}
	r.stop = stop
	acct.snapshot.State = StateRunning
	acct.snapshot.Running = true
	m.mu.Unlock()

	m.publishRunning(plugin.ID)
	logger.Info().Msg("Account running")

	go func() {
		<-abortCtx.Done()
		m.teardown(key, r, StateStopped, nil)
	}()
	return nil
}

// StopAccount stops an account. Stopping an account that is not running is a
// no-op.
func (m *Manager) StopAccount(channel, accountID string) {
	key := accountKey(channel, channels.NormalizeAccountID(accountID))
	m.mu.Lock()
	acct := m.accounts[key]
	if acct == nil || acct.run == nil {
		m.mu.Unlock()
		return
	}
	r := acct.run
	m.mu.Unlock()
	m.teardown(key, r, StateStopped, nil)
}

// StopAll stops every running account.
func (m *Manager) StopAll() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.accounts))
	runs := make([]*run, 0, len(m.accounts))
	for key, acct := range m.accounts {
		if acct.run != nil {
			keys = append(keys, key)
			runs = append(runs, acct.run)
		}
	}
	m.mu.Unlock()

	for i, key := range keys {
		m.teardown(key, runs[i], StateStopped, nil)
	}
}

// teardown ends run r exactly once, whichever of stop, abort or Fail gets
// there first.
func (m *Manager) teardown(key string, r *run, final State, cause error) {
	m.mu.Lock()
	acct := m.accounts[key]
	if acct == nil || acct.run != r || r.ended {
		m.mu.Unlock()
		return
	}
	r.ended = true
	acct.snapshot.State = StateStopping
	stop := r.stop
	channel := acct.snapshot.Channel
	accountID := acct.snapshot.AccountID
	m.mu.Unlock()

	r.cancel()
	if stop != nil {
		stop()
	}

	now := m.now()
	m.mu.Lock()
	acct.run = nil
	acct.snapshot.State = final
	acct.snapshot.Running = false
	acct.snapshot.LastStopAt = &now
	if cause != nil {
		acct.snapshot.LastError = cause.Error()
	}
	m.mu.Unlock()

	m.publishRunning(channel)
	logger := m.logger.With().Str("channel", channel).Str("account", accountID).Logger()
	if cause != nil {
		metrics.RecordAccountError(channel, accountID)
		logger.Error().Err(cause).Msg("Account failed")
		return
	}
	logger.Info().Msg("Account stopped")
}

func (m *Manager) applyPatch(key string, patch channels.StatusPatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.accounts[key]
	if acct == nil {
		return
	}
	if patch.LastError != nil {
		acct.snapshot.LastError = *patch.LastError
	}
	if patch.LastInboundAt != nil {
		t := *patch.LastInboundAt
		acct.snapshot.LastInboundAt = &t
	}
	if patch.LastOutboundAt != nil {
		t := *patch.LastOutboundAt
		acct.snapshot.LastOutboundAt = &t
	}
}

// RecordInbound stamps lastInboundAt for an account.
func (m *Manager) RecordInbound(channel, accountID string, at time.Time) {
	m.applyPatch(accountKey(channel, accountID), channels.StatusPatch{LastInboundAt: &at})
}

// RecordOutbound stamps lastOutboundAt for an account.
func (m *Manager) RecordOutbound(channel, accountID string, at time.Time) {
	m.applyPatch(accountKey(channel, accountID), channels.StatusPatch{LastOutboundAt: &at})
}

// IsRunning reports whether the account is in the running state.
func (m *Manager) IsRunning(channel, accountID string) bool {
	snap, ok := m.Snapshot(channel, accountID)
	return ok && snap.State == StateRunning
}

// Snapshot returns a copy of an account's runtime snapshot.
func (m *Manager) Snapshot(channel, accountID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.accounts[accountKey(channel, channels.NormalizeAccountID(accountID))]
	if acct == nil {
		return Snapshot{}, false
	}
	return acct.snapshot.clone(), true
}

// Snapshots returns copies of every known account snapshot ordered by
// channel and account.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	out := make([]Snapshot, 0, len(m.accounts))
	for _, acct := range m.accounts {
		out = append(out, acct.snapshot.clone())
	}
	m.mu.Unlock()
	sortSnapshots(out)
	return out
}

// Status lists every configured account of every plugin merged with its
// runtime snapshot, including accounts that never started.
func (m *Manager) Status(cfg *config.Config) []Snapshot {
	var out []Snapshot
	for _, plugin := range m.plugins.Plugins() {
		for _, id := range plugin.Config.ListAccountIDs(cfg) {
			resolved := plugin.Config.ResolveAccount(cfg, id)
			snap, ok := m.Snapshot(plugin.ID, resolved.AccountID)
			if !ok {
				snap = Snapshot{Channel: plugin.ID, AccountID: resolved.AccountID, State: StateStopped}
			}
			snap.Name = resolved.Name
			snap.Enabled = resolved.Enabled
			snap.Configured = resolved.Configured
			snap.Details = plugin.Status.Summary(cfg, resolved)
			out = append(out, snap)
		}
	}
	sortSnapshots(out)
	return out
}

// Reconcile brings running accounts in line with cfg: enabled and configured
// accounts are started, removed or disabled ones stopped, and accounts whose
// settings changed are restarted.
func (m *Manager) Reconcile(ctx context.Context, cfg *config.Config) error {
	desired := make(map[string]bool)
	var errs []error

	for _, plugin := range m.plugins.Plugins() {
		for _, id := range plugin.Config.ListAccountIDs(cfg) {
			resolved := plugin.Config.ResolveAccount(cfg, id)
			if !resolved.Enabled || !resolved.Configured {
				continue
			}
			key := accountKey(plugin.ID, resolved.AccountID)
			desired[key] = true

			m.mu.Lock()
			var state State
			var previous string
			if acct := m.accounts[key]; acct != nil {
				state = acct.snapshot.State
				previous = acct.fingerprint
			}
			m.mu.Unlock()

			changed := previous != fingerprint(resolved)
			switch state {
			case StateRunning, StateStarting:
				if !changed {
					continue
				}
				m.logger.Info().Str("channel", plugin.ID).Str("account", resolved.AccountID).Msg("Account settings changed, restarting")
				m.StopAccount(plugin.ID, resolved.AccountID)
			case StateErrored:
				if !changed {
					continue
				}
			}
			if err := m.StartAccount(ctx, plugin, cfg, resolved.AccountID); err != nil {
				errs = append(errs, err)
			}
		}
	}

	m.mu.Lock()
	var stale []string
	for key, acct := range m.accounts {
		if acct.run != nil && !desired[key] {
			stale = append(stale, key)
		}
	}
	m.mu.Unlock()
	for _, key := range stale {
		snap := m.snapshotByKey(key)
		m.StopAccount(snap.Channel, snap.AccountID)
	}

	return errors.Join(errs...)
}

func (m *Manager) snapshotByKey(key string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct := m.accounts[key]; acct != nil {
		return acct.snapshot.clone()
	}
	return Snapshot{}
}

func (m *Manager) publishRunning(channel string) {
	m.mu.Lock()
	n := 0
	for _, acct := range m.accounts {
		if acct.snapshot.Channel == channel && acct.snapshot.Running {
			n++
		}
	}
	m.mu.Unlock()
	metrics.SetAccountsRunning(channel, n)
}

func fingerprint(account channels.ResolvedAccount) string {
	data, err := json.Marshal(account.Settings)
	if err != nil {
		return ""
	}
	return string(data)
}

func sortSnapshots(s []Snapshot) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Channel != s[j].Channel {
			return s[i].Channel < s[j].Channel
		}
		return s[i].AccountID < s[j].AccountID
	})
}
