// Package protocol defines the messages exchanged between agent hooks, the
// hub, and sync clients.
package protocol

import (
	"encoding/json"
	"slices"
	"time"
)

const (
	DefaultPort      = 8765
	DefaultLocalPort = 8766

	SessionTimeout    = 5 * time.Minute
	ReapInterval      = 30 * time.Second
	KeepaliveInterval = 20 * time.Second
	ReconnectFloor    = time.Second
	ReconnectCeiling  = 30 * time.Second
	StatusTimeout     = 2 * time.Second

	DefaultBypassSeconds = 10
)

var DefaultBlockedDomains = []string{"x.com", "twitter.com", "youtube.com"}

// UserInputTools are tool names that park the agent on the user.
var UserInputTools = []string{"ask_user", "ask_human", "AskUserQuestion"}

func IsUserInputTool(name string) bool {
	return slices.Contains(UserInputTools, name)
}

// HookEventName is the lifecycle event kind reported by an agent hook.
type HookEventName string

const (
	EventSessionStart     HookEventName = "SessionStart"
	EventUserPromptSubmit HookEventName = "UserPromptSubmit"
	EventPreToolUse       HookEventName = "PreToolUse"
	EventStop             HookEventName = "Stop"
	EventSessionEnd       HookEventName = "SessionEnd"
)

// HookPayload is the body of POST /hook.
type HookPayload struct {
	SessionID     string          `json:"session_id"`
	HookEventName HookEventName   `json:"hook_event_name"`
	ToolName      string          `json:"tool_name,omitempty"`
	ToolInput     json.RawMessage `json:"tool_input,omitempty"`
	Cwd           string          `json:"cwd,omitempty"`
}

const (
	TypeState = "state"
	TypePong  = "pong"
	TypePing  = "ping"
)

// ServerMessage is a frame sent from the hub over the sync channel. Only Type
// is set on pong frames.
type ServerMessage struct {
	Type            string `json:"type"`
	Blocked         bool   `json:"blocked"`
	Sessions        int    `json:"sessions"`
	Working         int    `json:"working"`
	WaitingForInput int    `json:"waitingForInput"`
}

// MarshalJSON keeps non-state frames to just their type, so a pong is
// {"type":"pong"} on the wire.
func (m ServerMessage) MarshalJSON() ([]byte, error) {
	if m.Type != TypeState {
		return json.Marshal(ClientMessage{Type: m.Type})
	}
	type plain ServerMessage
	return json.Marshal(plain(m))
}

// ClientMessage is a frame sent from a sync client to the hub.
type ClientMessage struct {
	Type string `json:"type"`
}

// Status is the body of GET /status.
type Status struct {
	Sessions        int  `json:"sessions"`
	Working         int  `json:"working"`
	WaitingForInput int  `json:"waitingForInput"`
	Blocked         bool `json:"blocked"`
}

// StateMessage builds the state frame for a status.
func (s Status) StateMessage() ServerMessage {
	return ServerMessage{
		Type:            TypeState,
		Blocked:         s.Blocked,
		Sessions:        s.Sessions,
		Working:         s.Working,
		WaitingForInput: s.WaitingForInput,
	}
}
