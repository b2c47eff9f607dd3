// Package decision holds the blocking rule shared by the hub and the sync
// agent. Both sides must import it rather than restating the rule.
package decision

import "time"

// Input is everything the blocking rule looks at.
type Input struct {
	Working         int
	WaitingForInput int
	BypassActive    bool
	ServerConnected bool
}

// Idle reports whether no tracked session is working or waiting on the user.
func (in Input) Idle() bool {
	return in.Working == 0 && in.WaitingForInput == 0
}

// Blocked is fail-closed: without a live server the web is blocked unless a
// bypass is running.
func Blocked(in Input) bool {
	if in.BypassActive {
		return false
	}
	return in.Idle() || !in.ServerConnected
}

// BypassActive reports whether a bypass ending at until (unix ms, 0 for none)
// is still running at now.
func BypassActive(untilMS int64, now time.Time) bool {
	return untilMS != 0 && untilMS > now.UnixMilli()
}
