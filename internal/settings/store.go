package settings

import (
	"database/sql"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"webgate/internal/protocol"
)

const MaxBypassSeconds = 86400

var ErrInvalidDuration = errors.New("bypass duration must be between 1 and 86400 seconds")

// Settings is the externally editable client configuration.
type Settings struct {
	BlockedDomains []string `json:"blockedDomains"`
	// BypassDuration is in seconds.
	BypassDuration int `json:"bypassDuration"`
}

// Patch carries a partial update; nil fields are left unchanged.
type Patch struct {
	BlockedDomains *[]string `json:"blockedDomains,omitempty"`
	BypassDuration *int      `json:"bypassDuration,omitempty"`
}

func Defaults() Settings {
	return Settings{
		BlockedDomains: slices.Clone(protocol.DefaultBlockedDomains),
		BypassDuration: protocol.DefaultBypassSeconds,
	}
}

type Store struct {
	mu  sync.RWMutex
	cur Settings
	db  *sql.DB
}

func NewStore() *Store {
	return &Store{cur: Defaults()}
}

func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.cur)
}

// BypassDuration satisfies agent.Settings.
func (s *Store) BypassDuration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.cur.BypassDuration) * time.Second
}

func (s *Store) BlockedDomains() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.cur.BlockedDomains)
}

// Update validates and applies p, persisting it when the store is backed by
// SQLite. Nothing changes if validation or persistence fails.
func (s *Store) Update(p Patch) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := clone(s.cur)
	if p.BypassDuration != nil {
		if !ValidDuration(*p.BypassDuration) {
			return clone(s.cur), ErrInvalidDuration
		}
		next.BypassDuration = *p.BypassDuration
	}
	if p.BlockedDomains != nil {
		next.BlockedDomains = NormalizeDomains(*p.BlockedDomains)
	}
	if err := s.persistLocked(next); err != nil {
		return clone(s.cur), err
	}
	s.cur = next
	return clone(next), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ValidDuration(seconds int) bool {
	return seconds >= 1 && seconds <= MaxBypassSeconds
}

// NormalizeDomains trims, lower-cases and de-duplicates hosts, dropping any
// scheme, path and leading "www.".
func NormalizeDomains(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, raw := range in {
		d := NormalizeDomain(raw)
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

func NormalizeDomain(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	d = strings.TrimPrefix(d, "www.")
	return strings.Trim(d, ".")
}

// ParseDomains splits a comma separated list, as accepted on the command line.
func ParseDomains(v string) []string {
	return NormalizeDomains(strings.Split(v, ","))
}

func clone(s Settings) Settings {
	s.BlockedDomains = slices.Clone(s.BlockedDomains)
	if s.BlockedDomains == nil {
		s.BlockedDomains = []string{}
	}
	return s
}
