package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/chatgate/pkg/commandqueue"
	"github.com/harun/chatgate/pkg/lifecycle"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultMaintenanceSchedule runs maintenance once a minute.
const DefaultMaintenanceSchedule = "@every 1m"

// PairingPruner drops expired pairing requests. *pairing.Manager satisfies it.
type PairingPruner interface {
	PruneExpired(ctx context.Context) (int, error)
}

// Maintenance runs periodic housekeeping on a cron schedule.
type Maintenance struct {
	cron     *cron.Cron
	schedule string
	pairing  PairingPruner
	queue    *commandqueue.CommandQueue
	accounts func() []lifecycle.Snapshot
	logger   zerolog.Logger
}

// NewMaintenance creates the maintenance runner. schedule accepts standard
// five-field cron expressions and descriptors such as "@every 30s".
func NewMaintenance(schedule string, pairing PairingPruner, queue *commandqueue.CommandQueue, accounts func() []lifecycle.Snapshot, logger zerolog.Logger) (*Maintenance, error) {
	if schedule == "" {
		schedule = DefaultMaintenanceSchedule
	}
	m := &Maintenance{
		cron:     cron.New(),
		schedule: schedule,
		pairing:  pairing,
		queue:    queue,
		accounts: accounts,
		logger:   logger.With().Str("component", "maintenance").Logger(),
	}
	if _, err := m.cron.AddFunc(schedule, func() { m.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", schedule, err)
	}
	return m, nil
}

// Start begins the schedule.
func (m *Maintenance) Start() {
	m.cron.Start()
	m.logger.Info().Str("schedule", m.schedule).Msg("Maintenance started")
}

// Stop halts the schedule and waits for a running pass to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
	m.logger.Info().Msg("Maintenance stopped")
}

// RunOnce performs one maintenance pass.
func (m *Maintenance) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if m.pairing != nil {
		removed, err := m.pairing.PruneExpired(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Failed to prune pairing requests")
		} else if removed > 0 {
			m.logger.Info().Int("removed", removed).Msg("Expired pairing requests pruned")
		}
	}

	if m.queue != nil {
		for lane, st := range m.queue.Stats() {
			if st.Queued > 0 || st.Running > 0 {
				m.logger.Debug().
					Str("lane", lane).
					Int("queued", st.Queued).
					Int("running", st.Running).
					Msg("Queue stats")
			}
		}
	}

	if m.accounts != nil {
		for _, snap := range m.accounts() {
			if snap.State == lifecycle.StateErrored {
				m.logger.Warn().
					Str("channel", snap.Channel).
					Str("account", snap.AccountID).
					Str("last_error", snap.LastError).
					Msg("Account is errored")
			}
		}
	}
}
