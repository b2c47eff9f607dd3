package core

import (
	"encoding/json"
	"io"
	"os"
	"sync"
)

const KindReaped = "reaped"

// JournalEntry is one line of the session journal. Kind is the hook event
// name, or KindReaped for evictions.
type JournalEntry struct {
	TsMS      int64         `json:"ts_ms"`
	SessionID string        `json:"session_id"`
	Kind      string        `json:"kind"`
	Status    SessionStatus `json:"status,omitempty"`
	Tool      string        `json:"tool,omitempty"`
	Cwd       string        `json:"cwd,omitempty"`
}

// Journal appends session transitions as JSON lines. A nil *Journal records
// nothing.
type Journal struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &Journal{w: f, c: f}, nil
}

func NewJournal(w io.Writer) *Journal {
	return &Journal{w: w}
}

func (j *Journal) Close() error {
	if j == nil || j.c == nil {
		return nil
	}
	return j.c.Close()
}

func (j *Journal) Record(e JournalEntry) {
	if j == nil || j.w == nil {
		return
	}
	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, _ = j.w.Write(append(line, '\n'))
}
