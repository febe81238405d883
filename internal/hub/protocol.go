package hub

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Request types accepted from clients.
const (
	TypeCreateSession  = "create_session"
	TypeSendKeys       = "send_keys"
	TypeTakeSnapshot   = "take_snapshot"
	TypeWaitForOutput  = "wait_for_output"
	TypeExecuteCommand = "execute_command"
	TypeListSessions   = "list_sessions"
	TypeCloseSession   = "close_session"
)

// Message types sent to clients.
const (
	TypeResult        = "result"
	TypeError         = "error"
	TypeSessionOpened = "session_created"
	TypeSessionClosed = "session_closed"
)

// ClientMessage is one tool request. ID is echoed in the reply so clients
// can match replies to requests sent concurrently.
type ClientMessage struct {
	ID        string       `json:"id,omitempty"`
	Type      string       `json:"type"`
	SessionID string       `json:"session_id,omitempty"`
	Keys      []string     `json:"keys,omitempty"`
	Command   CommandField `json:"command,omitempty"`
	TimeoutMS int          `json:"timeout_ms,omitempty"`
	SettleMS  int          `json:"settle_ms,omitempty"`
}

// CommandField accepts either a command line string or an argv array.
type CommandField struct {
	Line string
	Argv []string
}

func (c *CommandField) UnmarshalJSON(data []byte) error {
	var line string
	if err := json.Unmarshal(data, &line); err == nil {
		c.Line = line
		c.Argv = strings.Fields(line)
		return nil
	}
	var argv []string
	if err := json.Unmarshal(data, &argv); err != nil {
		return fmt.Errorf("command must be a string or an array of strings")
	}
	c.Argv = argv
	c.Line = strings.Join(argv, " ")
	return nil
}

func (c CommandField) MarshalJSON() ([]byte, error) {
	if c.Line == "" && len(c.Argv) > 0 {
		return json.Marshal(c.Argv)
	}
	return json.Marshal(c.Line)
}

// ServerMessage is a reply or a broadcast notification.
type ServerMessage struct {
	ID    string `json:"id,omitempty"`
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}
