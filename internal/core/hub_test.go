package core

import (
	"fmt"
	"sync"
	"testing"

	"webgate/internal/clock"
	"webgate/internal/protocol"
)

func newTestHub(t *testing.T, queue int) *Hub {
	t.Helper()
	h := NewHub(Config{Clock: clock.Fake(epoch), SubscriberQueue: queue})
	t.Cleanup(h.Close)
	return h
}

func recv(t *testing.T, sub *Subscriber) protocol.ServerMessage {
	t.Helper()
	select {
	case msg := <-sub.Send:
		return msg
	default:
		t.Fatal("expected a queued message")
		return protocol.ServerMessage{}
	}
}

func TestSubscribeQueuesCurrentState(t *testing.T) {
	h := newTestHub(t, 4)
	h.Apply(hook("A", protocol.EventUserPromptSubmit))

	sub := h.Subscribe("127.0.0.1:1")
	msg := recv(t, sub)
	want := protocol.ServerMessage{Type: protocol.TypeState, Sessions: 1, Working: 1}
	if msg != want {
		t.Fatalf("first message=%+v, want %+v", msg, want)
	}
	if sub.ID == "" {
		t.Fatal("subscriber id not assigned")
	}
}

func TestBroadcastReachesEverySubscriber(t *testing.T) {
	h := newTestHub(t, 4)
	a := h.Subscribe("a")
	b := h.Subscribe("b")
	recv(t, a)
	recv(t, b)

	h.Apply(hook("A", protocol.EventSessionStart))
	for _, sub := range []*Subscriber{a, b} {
		msg := recv(t, sub)
		if msg.Sessions != 1 || !msg.Blocked {
			t.Fatalf("subscriber %s got %+v", sub.Remote, msg)
		}
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	h := newTestHub(t, 1)
	slow := h.Subscribe("slow")
	fast := h.Subscribe("fast")
	recv(t, fast)

	// slow never drains; its queue already holds the initial state.
	h.Apply(hook("A", protocol.EventSessionStart))

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow subscriber should have been dropped")
	}
	if got := recv(t, fast); got.Sessions != 1 {
		t.Fatalf("fast subscriber got %+v", got)
	}
	if n := h.SubscriberCount(); n != 1 {
		t.Fatalf("subscriber count=%d, want 1", n)
	}

	h.Apply(hook("A", protocol.EventUserPromptSubmit))
	if got := recv(t, fast); got.Working != 1 {
		t.Fatalf("fast subscriber got %+v", got)
	}
}

func TestReplyOnlyTargetsOneSubscriber(t *testing.T) {
	h := newTestHub(t, 4)
	a := h.Subscribe("a")
	b := h.Subscribe("b")
	recv(t, a)
	recv(t, b)

	if !h.Reply(a, protocol.ServerMessage{Type: protocol.TypePong}) {
		t.Fatal("reply not delivered")
	}
	if got := recv(t, a); got.Type != protocol.TypePong {
		t.Fatalf("got %+v, want pong", got)
	}
	select {
	case msg := <-b.Send:
		t.Fatalf("pong leaked to other subscriber: %+v", msg)
	default:
	}

	h.Unsubscribe(a)
	if h.Reply(a, protocol.ServerMessage{Type: protocol.TypePong}) {
		t.Fatal("reply to unsubscribed subscriber should fail")
	}
}

func TestStatusMatchesSnapshot(t *testing.T) {
	h := newTestHub(t, 4)
	if st := h.Status(); !st.Blocked || st.Sessions != 0 {
		t.Fatalf("empty hub status=%+v", st)
	}
	h.Apply(toolHook("A", "ask_human"))
	st := h.Status()
	want := protocol.Status{Sessions: 1, WaitingForInput: 1, Blocked: false}
	if st != want {
		t.Fatalf("status=%+v, want %+v", st, want)
	}
}

func checkAggregate(t *testing.T, where string, st protocol.Status) {
	t.Helper()
	if st.Working < 0 || st.WaitingForInput < 0 || st.Working+st.WaitingForInput > st.Sessions {
		t.Errorf("%s: inconsistent aggregate %+v", where, st)
	}
	if st.Blocked != (st.Working == 0 && st.WaitingForInput == 0) {
		t.Errorf("%s: blocked=%v with %+v", where, st.Blocked, st)
	}
}

func TestHubConcurrentApplyAndSubscribe(t *testing.T) {
	h := newTestHub(t, 64)
	const writers, rounds = 8, 300

	script := []protocol.HookPayload{
		{HookEventName: protocol.EventUserPromptSubmit},
		{HookEventName: protocol.EventPreToolUse, ToolName: "AskUserQuestion"},
		{HookEventName: protocol.EventPreToolUse, ToolName: "Bash"},
		{HookEventName: protocol.EventStop},
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				checkAggregate(t, "status", h.Status())
				checkAggregate(t, "snapshot", h.Registry().Snapshot().Status())
				h.Sessions()
			}
		}()
	}
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func(i int) {
			defer readers.Done()
			for n := 0; ; n++ {
				select {
				case <-stop:
					return
				default:
				}
				sub := h.Subscribe(fmt.Sprintf("sub-%d-%d", i, n))
			drain:
				for {
					select {
					case msg := <-sub.Send:
						checkAggregate(t, "frame", protocol.Status{
							Sessions:        msg.Sessions,
							Working:         msg.Working,
							WaitingForInput: msg.WaitingForInput,
							Blocked:         msg.Blocked,
						})
					default:
						break drain
					}
				}
				h.Unsubscribe(sub)
			}
		}(i)
	}

	var writersWG sync.WaitGroup
	for w := 0; w < writers; w++ {
		writersWG.Add(1)
		go func(w int) {
			defer writersWG.Done()
			id := fmt.Sprintf("s%d", w)
			h.Apply(hook(id, protocol.EventSessionStart))
			for n := 0; n < rounds; n++ {
				ev := script[(w+n)%len(script)]
				ev.SessionID = id
				h.Apply(ev)
			}
			// Even writers finish working, odd ones finish waiting.
			if w%2 == 0 {
				h.Apply(hook(id, protocol.EventUserPromptSubmit))
			} else {
				h.Apply(toolHook(id, "AskUserQuestion"))
			}
		}(w)
	}
	writersWG.Wait()
	close(stop)
	readers.Wait()

	for w := 0; w < writers; w++ {
		want := SessionWorking
		if w%2 == 1 {
			want = SessionWaitingForInput
		}
		mustStatus(t, h.Registry(), fmt.Sprintf("s%d", w), want)
	}
	want := protocol.Status{Sessions: writers, Working: writers / 2, WaitingForInput: writers / 2}
	if got := h.Status(); got != want {
		t.Fatalf("final status %+v, want %+v", got, want)
	}
	if n := h.SubscriberCount(); n != 0 {
		t.Fatalf("%d subscribers left after unsubscribe", n)
	}
}
