package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/memextech/headless-terminal-mcp/internal/session"
)

// dispatch runs one tool request and builds its reply.
func (h *Hub) dispatch(ctx context.Context, msg ClientMessage) ServerMessage {
	if h.tools == nil {
		return ServerMessage{ID: msg.ID, Type: TypeError, Error: "no sessions available"}
	}

	data, err := h.call(ctx, msg)
	if err != nil {
		h.logger.Debug("tool request failed", "request_id", msg.ID, "type", msg.Type, "session_id", msg.SessionID, "error", err)
		return ServerMessage{ID: msg.ID, Type: TypeError, Error: err.Error()}
	}
	return ServerMessage{ID: msg.ID, Type: TypeResult, Data: data}
}

func (h *Hub) call(ctx context.Context, msg ClientMessage) (any, error) {
	switch msg.Type {
	case TypeCreateSession:
		info, err := h.tools.Create(ctx, session.CreateRequest{Command: msg.Command.Argv})
		if err != nil {
			return nil, err
		}
		h.Broadcast(TypeSessionOpened, info)
		return info, nil

	case TypeListSessions:
		return map[string]any{"sessions": h.tools.List()}, nil

	case TypeSendKeys:
		if err := requireSession(msg); err != nil {
			return nil, err
		}
		if err := h.tools.SendKeys(ctx, msg.SessionID, msg.Keys); err != nil {
			return nil, err
		}
		return map[string]any{"sent": len(msg.Keys)}, nil

	case TypeTakeSnapshot:
		if err := requireSession(msg); err != nil {
			return nil, err
		}
		return h.tools.TakeSnapshot(ctx, msg.SessionID, millis(msg.TimeoutMS))

	case TypeWaitForOutput:
		if err := requireSession(msg); err != nil {
			return nil, err
		}
		lines, err := h.tools.WaitForOutput(ctx, msg.SessionID, millis(msg.TimeoutMS))
		if err != nil {
			return nil, err
		}
		return map[string]any{"output": lines}, nil

	case TypeExecuteCommand:
		if err := requireSession(msg); err != nil {
			return nil, err
		}
		if msg.Command.Line == "" {
			return nil, fmt.Errorf("command is required")
		}
		return h.tools.ExecuteCommand(ctx, msg.SessionID, msg.Command.Line, millis(msg.SettleMS), millis(msg.TimeoutMS))

	case TypeCloseSession:
		if err := requireSession(msg); err != nil {
			return nil, err
		}
		if err := h.tools.Close(ctx, msg.SessionID); err != nil {
			return nil, err
		}
		h.Broadcast(TypeSessionClosed, map[string]string{"id": msg.SessionID})
		return map[string]any{"closed": true}, nil

	default:
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func requireSession(msg ClientMessage) error {
	if msg.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	return nil
}

// millis converts a client supplied duration. Zero or negative values select
// the server default.
func millis(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	d := time.Duration(ms) * time.Millisecond
	if d > maxWait {
		return maxWait
	}
	return d
}
