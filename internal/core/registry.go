package core

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"webgate/internal/clock"
	"webgate/internal/protocol"
)

type Config struct {
	SessionTimeout time.Duration
	ReapInterval   time.Duration
	// RequireSessionStart makes events for unseen session ids no-ops instead
	// of implicitly creating the session.
	RequireSessionStart bool
	SubscriberQueue     int
	Clock               clock.Clock
	// Journal is optional.
	Journal *Journal
}

func (c Config) withDefaults() Config {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = protocol.SessionTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = protocol.ReapInterval
	}
	if c.SubscriberQueue <= 0 {
		c.SubscriberQueue = 16
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	return c
}

// Registry holds per-session activity state. Every mutation runs under one
// lock and calls the notifier before the lock is released, so notifications
// arrive in mutation order.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	sessions map[string]*Session
	notify   func(Snapshot)
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) SetNotifier(fn func(Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify = fn
}

// Apply folds one hook event into the registry and reports whether anything
// was mutated.
func (r *Registry) Apply(ev protocol.HookPayload) bool {
	if ev.SessionID == "" {
		return false
	}
	switch ev.HookEventName {
	case protocol.EventSessionStart, protocol.EventUserPromptSubmit, protocol.EventPreToolUse, protocol.EventStop:
	case protocol.EventSessionEnd:
		return r.remove(ev)
	default:
		return false
	}

	now := r.cfg.Clock.Now().UnixMilli()
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[ev.SessionID]
	if !ok {
		if ev.HookEventName != protocol.EventSessionStart && r.cfg.RequireSessionStart {
			return false
		}
		sess = &Session{ID: ev.SessionID, Status: SessionIdle}
		r.sessions[ev.SessionID] = sess
	}
	if ev.Cwd != "" {
		sess.Cwd = ev.Cwd
	}
	if now > sess.LastActivityMS {
		sess.LastActivityMS = now
	}
	switch ev.HookEventName {
	case protocol.EventUserPromptSubmit:
		sess.Status = SessionWorking
	case protocol.EventPreToolUse:
		if protocol.IsUserInputTool(ev.ToolName) {
			sess.Status = SessionWaitingForInput
		}
	case protocol.EventStop:
		sess.Status = SessionIdle
	}
	r.cfg.Journal.Record(JournalEntry{
		TsMS:      now,
		SessionID: sess.ID,
		Kind:      string(ev.HookEventName),
		Status:    sess.Status,
		Tool:      ev.ToolName,
		Cwd:       ev.Cwd,
	})
	r.notifyLocked()
	return true
}

func (r *Registry) remove(ev protocol.HookPayload) bool {
	now := r.cfg.Clock.Now().UnixMilli()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[ev.SessionID]; !ok {
		return false
	}
	delete(r.sessions, ev.SessionID)
	r.cfg.Journal.Record(JournalEntry{TsMS: now, SessionID: ev.SessionID, Kind: string(ev.HookEventName), Cwd: ev.Cwd})
	r.notifyLocked()
	return true
}

// Reap evicts sessions idle for longer than the session timeout at now and
// returns how many were removed.
func (r *Registry) Reap(now time.Time) int {
	nowMS := now.UnixMilli()
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, s := range r.sessions {
		if !r.staleLocked(s, nowMS) {
			continue
		}
		delete(r.sessions, id)
		evicted++
		slog.Info("session reaped",
			"session_id", s.ID,
			"status", s.Status,
			"idle_ms", nowMS-s.LastActivityMS,
		)
		r.cfg.Journal.Record(JournalEntry{TsMS: nowMS, SessionID: s.ID, Kind: KindReaped, Status: s.Status, Cwd: s.Cwd})
	}
	if evicted > 0 {
		r.notifyLocked()
	}
	return evicted
}

func (r *Registry) staleLocked(s *Session, nowMS int64) bool {
	return nowMS-s.LastActivityMS > r.cfg.SessionTimeout.Milliseconds()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Observe runs fn with the current snapshot while holding the writer lock, so
// no mutation can slip in between reading the snapshot and acting on it.
func (r *Registry) Observe(fn func(Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.snapshotLocked())
}

// Sessions returns copies of the tracked sessions, most recently active
// first.
func (r *Registry) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.cfg.Clock.Now().UnixMilli()
	items := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if r.staleLocked(s, now) {
			continue
		}
		items = append(items, *s)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].LastActivityMS == items[j].LastActivityMS {
			return items[i].ID < items[j].ID
		}
		return items[i].LastActivityMS > items[j].LastActivityMS
	})
	return items
}

func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// snapshotLocked leaves out sessions already past the timeout, so the
// aggregate never waits for the next reaper tick.
func (r *Registry) snapshotLocked() Snapshot {
	now := r.cfg.Clock.Now().UnixMilli()
	var snap Snapshot
	for _, s := range r.sessions {
		if r.staleLocked(s, now) {
			continue
		}
		snap.Sessions++
		switch s.Status {
		case SessionWorking:
			snap.Working++
		case SessionWaitingForInput:
			snap.WaitingForInput++
		}
	}
	return snap
}

func (r *Registry) notifyLocked() {
	if r.notify != nil {
		r.notify(r.snapshotLocked())
	}
}
