package protocol

import (
	"encoding/json"
	"testing"
)

func TestIsUserInputTool(t *testing.T) {
	for _, name := range []string{"ask_user", "ask_human", "AskUserQuestion"} {
		if !IsUserInputTool(name) {
			t.Fatalf("%q should be a user input tool", name)
		}
	}
	for _, name := range []string{"", "Bash", "askuserquestion"} {
		if IsUserInputTool(name) {
			t.Fatalf("%q should not be a user input tool", name)
		}
	}
}

func TestHookPayloadDecodesAgentHookJSON(t *testing.T) {
	raw := `{"session_id":"abc","hook_event_name":"PreToolUse","tool_name":"AskUserQuestion","tool_input":{"questions":[]},"cwd":"/repo","transcript_path":"/tmp/t.jsonl"}`
	var p HookPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.SessionID != "abc" || p.HookEventName != EventPreToolUse || p.ToolName != "AskUserQuestion" || p.Cwd != "/repo" {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if string(p.ToolInput) != `{"questions":[]}` {
		t.Fatalf("tool_input not kept raw: %s", p.ToolInput)
	}
}

func TestStateMessageWireShape(t *testing.T) {
	msg := Status{Sessions: 2, Working: 1, WaitingForInput: 1}.StateMessage()
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"state","blocked":false,"sessions":2,"working":1,"waitingForInput":1}`
	if string(b) != want {
		t.Fatalf("got %s, want %s", b, want)
	}
}

func TestPongWireShape(t *testing.T) {
	b, err := json.Marshal(ServerMessage{Type: TypePong})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"type":"pong"}` {
		t.Fatalf("got %s", b)
	}
}
