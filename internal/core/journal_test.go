package core

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"webgate/internal/clock"
	"webgate/internal/protocol"
)

func readJournal(t *testing.T, data []byte) []JournalEntry {
	t.Helper()
	var out []JournalEntry
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var e JournalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad journal line %q: %v", sc.Text(), err)
		}
		out = append(out, e)
	}
	return out
}

func TestJournalRecordsTransitions(t *testing.T) {
	fc := clock.Fake(epoch)
	var buf bytes.Buffer
	hub := NewHub(Config{Clock: fc, Journal: NewJournal(&buf)})

	hub.Apply(protocol.HookPayload{SessionID: "A", HookEventName: protocol.EventSessionStart, Cwd: "/repo"})
	hub.Apply(hook("A", protocol.EventUserPromptSubmit))
	hub.Apply(protocol.HookPayload{SessionID: "A", HookEventName: protocol.EventPreToolUse, ToolName: "AskUserQuestion"})
	hub.Apply(hook("", protocol.EventStop))
	hub.Apply(hook("A", protocol.EventSessionEnd))

	got := readJournal(t, buf.Bytes())
	want := []struct {
		kind   string
		status SessionStatus
	}{
		{"SessionStart", SessionIdle},
		{"UserPromptSubmit", SessionWorking},
		{"PreToolUse", SessionWaitingForInput},
		{"SessionEnd", ""},
	}
	if len(got) != len(want) {
		t.Fatalf("journal has %d entries, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].Kind != w.kind || got[i].Status != w.status || got[i].SessionID != "A" {
			t.Fatalf("entry %d = %+v, want kind=%s status=%q", i, got[i], w.kind, w.status)
		}
	}
	if got[0].Cwd != "/repo" || got[0].TsMS != epoch.UnixMilli() {
		t.Fatalf("unexpected first entry: %+v", got[0])
	}
	if got[2].Tool != "AskUserQuestion" {
		t.Fatalf("tool not recorded: %+v", got[2])
	}
}

func TestJournalRecordsReaps(t *testing.T) {
	fc := clock.Fake(epoch)
	var buf bytes.Buffer
	reg := NewRegistry(Config{Clock: fc, Journal: NewJournal(&buf)})
	reg.Apply(hook("A", protocol.EventUserPromptSubmit))
	r := &Reaper{Registry: reg, Clock: fc}

	fc.Advance(protocol.SessionTimeout + time.Second)
	if n := r.Sweep(); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	got := readJournal(t, buf.Bytes())
	if len(got) != 2 || got[1].Kind != KindReaped || got[1].Status != SessionWorking {
		t.Fatalf("unexpected journal: %+v", got)
	}
	if got[1].TsMS != fc.Now().UnixMilli() {
		t.Fatalf("reap recorded at %d, want %d", got[1].TsMS, fc.Now().UnixMilli())
	}
}

// Every line must carry the status its own event produced, even when
// events for one session race each other.
func TestJournalStatusMatchesEventUnderContention(t *testing.T) {
	fc := clock.Fake(epoch)
	var buf bytes.Buffer
	hub := NewHub(Config{Clock: fc, Journal: NewJournal(&buf)})
	hub.Apply(hook("A", protocol.EventSessionStart))

	events := []protocol.HookEventName{protocol.EventUserPromptSubmit, protocol.EventStop}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < 200; n++ {
				hub.Apply(hook("A", events[(i+n)%2]))
			}
		}(i)
	}
	wg.Wait()

	want := map[string]SessionStatus{
		string(protocol.EventSessionStart):     SessionIdle,
		string(protocol.EventUserPromptSubmit): SessionWorking,
		string(protocol.EventStop):             SessionIdle,
	}
	got := readJournal(t, buf.Bytes())
	if len(got) != 1+8*200 {
		t.Fatalf("journal has %d entries, want %d", len(got), 1+8*200)
	}
	for i, e := range got {
		if e.Status != want[e.Kind] {
			t.Fatalf("entry %d = %+v, want status %q", i, e, want[e.Kind])
		}
	}
	final, _ := hub.Registry().Get("A")
	if last := got[len(got)-1]; last.Status != final.Status {
		t.Fatalf("last journal status %q, registry has %q", last.Status, final.Status)
	}
}

func TestOpenJournalAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	for i := 0; i < 2; i++ {
		j, err := OpenJournal(path)
		if err != nil {
			t.Fatalf("open journal: %v", err)
		}
		j.Record(JournalEntry{SessionID: "A", Kind: KindReaped})
		if err := j.Close(); err != nil {
			t.Fatalf("close journal: %v", err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(readJournal(t, data)); n != 2 {
		t.Fatalf("journal has %d entries, want 2", n)
	}

	var nilJournal *Journal
	nilJournal.Record(JournalEntry{Kind: KindReaped})
	if err := nilJournal.Close(); err != nil {
		t.Fatal(err)
	}
}
