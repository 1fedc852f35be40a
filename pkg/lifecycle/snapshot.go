package lifecycle

import "time"

// State is an account's position in its lifecycle.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateErrored  State = "errored"
)

// Snapshot is the runtime status of one account.
type Snapshot struct {
	Channel        string         `json:"channel"`
	AccountID      string         `json:"accountId"`
	Name           string         `json:"name,omitempty"`
	Enabled        bool           `json:"enabled"`
	Configured     bool           `json:"configured"`
	State          State          `json:"state"`
	Running        bool           `json:"running"`
	LastStartAt    *time.Time     `json:"lastStartAt,omitempty"`
	LastStopAt     *time.Time     `json:"lastStopAt,omitempty"`
	LastError      string         `json:"lastError,omitempty"`
	LastInboundAt  *time.Time     `json:"lastInboundAt,omitempty"`
	LastOutboundAt *time.Time     `json:"lastOutboundAt,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.LastStartAt = copyTime(s.LastStartAt)
	out.LastStopAt = copyTime(s.LastStopAt)
	out.LastInboundAt = copyTime(s.LastInboundAt)
	out.LastOutboundAt = copyTime(s.LastOutboundAt)
	if s.Details != nil {
		out.Details = make(map[string]any, len(s.Details))
		for k, v := range s.Details {
			out.Details[k] = v
		}
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
