package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the value of the "type" field of an inbound line.
type Kind string

const (
	KindSnapshot Kind = "snapshot"
	KindOutput   Kind = "output"
	KindInit     Kind = "init"
	KindResize   Kind = "resize"
)

var (
	ErrMalformed   = errors.New("malformed event line")
	ErrMissingType = errors.New("event line has no type")
)

// DecodeError describes an inbound line that could not become an Event.
type DecodeError struct {
	Line []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode event: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Payload is implemented by every event body. The set is closed to this
// package; unrecognized kinds decode to Unknown.
type Payload interface {
	kind() Kind
}

type Snapshot struct {
	Text string `json:"text"`
	Seq  string `json:"seq"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

type Output struct {
	Seq string `json:"seq"`
}

// Init is emitted once by the collaborator when it is ready for commands.
type Init struct {
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
	PID  int    `json:"pid"`
	Text string `json:"text"`
}

type Resized struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// Unknown preserves a well-formed line whose type is not recognized.
type Unknown struct {
	Type string
	Raw  string
}

func (Snapshot) kind() Kind  { return KindSnapshot }
func (Output) kind() Kind    { return KindOutput }
func (Init) kind() Kind      { return KindInit }
func (Resized) kind() Kind   { return KindResize }
func (u Unknown) kind() Kind { return Kind(u.Type) }

type Event struct {
	Kind     Kind
	Received time.Time
	Payload  Payload
}

func (e Event) Snapshot() (Snapshot, bool) {
	p, ok := e.Payload.(Snapshot)
	return p, ok
}

func (e Event) Output() (Output, bool) {
	p, ok := e.Payload.(Output)
	return p, ok
}

func (e Event) Unknown() (Unknown, bool) {
	p, ok := e.Payload.(Unknown)
	return p, ok
}

type envelope struct {
	Type *string         `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeEvent parses one protocol line. Lines that are not a JSON object,
// that lack a string "type", or whose data does not match a recognized
// kind return a *DecodeError.
func DecodeEvent(line []byte, received time.Time) (Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Event{}, &DecodeError{Line: line, Err: ErrMalformed}
	}

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Event{}, &DecodeError{Line: line, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if env.Type == nil || *env.Type == "" {
		return Event{}, &DecodeError{Line: line, Err: ErrMissingType}
	}

	kind := Kind(*env.Type)
	var payload Payload
	var err error
	switch kind {
	case KindSnapshot:
		payload, err = decodeData[Snapshot](env.Data)
	case KindOutput:
		payload, err = decodeData[Output](env.Data)
	case KindInit:
		payload, err = decodeData[Init](env.Data)
	case KindResize:
		payload, err = decodeData[Resized](env.Data)
	default:
		payload = Unknown{Type: *env.Type, Raw: string(line)}
	}
	if err != nil {
		return Event{}, &DecodeError{Line: line, Err: fmt.Errorf("%w: %s data: %v", ErrMalformed, kind, err)}
	}

	return Event{Kind: kind, Received: received, Payload: payload}, nil
}

func decodeData[T Payload](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return v, errors.New("missing data")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, err
	}
	return v, nil
}

// EncodeEvent renders p as a protocol line, without the trailing newline.
// It is the collaborator side of DecodeEvent.
func EncodeEvent(p Payload) ([]byte, error) {
	if u, ok := p.(Unknown); ok {
		return []byte(u.Raw), nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", p.kind(), err)
	}
	return json.Marshal(struct {
		Type Kind            `json:"type"`
		Data json.RawMessage `json:"data"`
	}{Type: p.kind(), Data: data})
}
