package core

import (
	"webgate/internal/decision"
	"webgate/internal/protocol"
)

type SessionStatus string

const (
	SessionIdle            SessionStatus = "idle"
	SessionWorking         SessionStatus = "working"
	SessionWaitingForInput SessionStatus = "waiting_for_input"
)

type Session struct {
	ID             string        `json:"id"`
	Status         SessionStatus `json:"status"`
	Cwd            string        `json:"cwd,omitempty"`
	LastActivityMS int64         `json:"lastActivity"`
}

// Snapshot is the count-based summary of the registry at one point in time.
type Snapshot struct {
	Sessions        int
	Working         int
	WaitingForInput int
}

// Status folds the blocking decision into the snapshot. The hub is the
// authority while it runs, so it always decides as connected with no bypass.
func (s Snapshot) Status() protocol.Status {
	return protocol.Status{
		Sessions:        s.Sessions,
		Working:         s.Working,
		WaitingForInput: s.WaitingForInput,
		Blocked: decision.Blocked(decision.Input{
			Working:         s.Working,
			WaitingForInput: s.WaitingForInput,
			ServerConnected: true,
		}),
	}
}
