package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Command is one outbound instruction. The wire line is the JSON object of
// the variant with its CommandType spliced in as the leading "type" field.
type Command interface {
	CommandType() string
}

// SendKeys types each token in order. Tokens are either literal text or a
// key name from the collaborator's vocabulary ("Enter", "Down", "C-c").
type SendKeys struct {
	Keys []string `json:"keys"`
}

type TakeSnapshot struct{}

// Input writes raw bytes to the hosted terminal without key-name mapping.
type Input struct {
	Payload string `json:"payload"`
}

type Resize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (SendKeys) CommandType() string     { return "sendKeys" }
func (TakeSnapshot) CommandType() string { return "takeSnapshot" }
func (Input) CommandType() string        { return "input" }
func (Resize) CommandType() string       { return "resize" }

// EncodeCommand returns the JSON line for cmd, without the trailing newline.
func EncodeCommand(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("encode command: nil command")
	}
	typ, err := json.Marshal(cmd.CommandType())
	if err != nil {
		return nil, fmt.Errorf("encode command type: %w", err)
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.CommandType(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: command must encode as a JSON object", cmd.CommandType())
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 9)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if rest := bytes.TrimSpace(body[1:]); !bytes.Equal(rest, []byte("}")) {
		buf.WriteByte(',')
		buf.Write(rest)
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// DecodeCommand is the inverse of EncodeCommand for the known variants. It
// is used by collaborator implementations; unknown types return an error.
func DecodeCommand(line []byte) (Command, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var cmd Command
	switch head.Type {
	case "sendKeys":
		var c SendKeys
		if err := json.Unmarshal(line, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		cmd = c
	case "takeSnapshot":
		cmd = TakeSnapshot{}
	case "input":
		var c Input
		if err := json.Unmarshal(line, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		cmd = c
	case "resize":
		var c Resize
		if err := json.Unmarshal(line, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		cmd = c
	case "":
		return nil, ErrMissingType
	default:
		return nil, fmt.Errorf("unknown command type %q", head.Type)
	}
	return cmd, nil
}
