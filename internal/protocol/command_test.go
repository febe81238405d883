package protocol

import (
	"encoding/json"
	"reflect"
	"testing"
)

type pingCommand struct {
	Nonce string `json:"nonce"`
}

func (pingCommand) CommandType() string { return "ping" }

func TestEncodeCommand(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{
			name: "send keys",
			cmd:  SendKeys{Keys: []string{"echo hi", "Enter"}},
			want: `{"type":"sendKeys","keys":["echo hi","Enter"]}`,
		},
		{
			name: "take snapshot has no fields",
			cmd:  TakeSnapshot{},
			want: `{"type":"takeSnapshot"}`,
		},
		{
			name: "input",
			cmd:  Input{Payload: "ls\r"},
			want: `{"type":"input","payload":"ls\r"}`,
		},
		{
			name: "resize",
			cmd:  Resize{Cols: 100, Rows: 30},
			want: `{"type":"resize","cols":100,"rows":30}`,
		},
		{
			name: "extension variant",
			cmd:  pingCommand{Nonce: "n1"},
			want: `{"type":"ping","nonce":"n1"}`,
		},
		{
			name: "quotes and newlines stay on one line",
			cmd:  SendKeys{Keys: []string{"printf \"a\nb\""}},
			want: `{"type":"sendKeys","keys":["printf \"a\nb\""]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeCommand(tt.cmd)
			if err != nil {
				t.Fatalf("EncodeCommand: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("EncodeCommand() = %s, want %s", got, tt.want)
			}
			for _, b := range got {
				if b == '\n' {
					t.Fatalf("encoded command contains a raw newline: %q", got)
				}
			}
			if !json.Valid(got) {
				t.Errorf("encoded command is not valid JSON: %s", got)
			}
		})
	}
}

func TestEncodeCommandNil(t *testing.T) {
	if _, err := EncodeCommand(nil); err == nil {
		t.Fatal("expected error for nil command")
	}
}

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		input   string
		want    Command
		wantErr bool
	}{
		{input: `{"type":"sendKeys","keys":["a","Enter"]}`, want: SendKeys{Keys: []string{"a", "Enter"}}},
		{input: `{"type":"takeSnapshot"}`, want: TakeSnapshot{}},
		{input: `{"type":"input","payload":"x"}`, want: Input{Payload: "x"}},
		{input: `{"type":"resize","cols":10,"rows":5}`, want: Resize{Cols: 10, Rows: 5}},
		{input: `{"type":"launchMissiles"}`, wantErr: true},
		{input: `{"keys":[]}`, wantErr: true},
		{input: `nope`, wantErr: true},
	}

	for _, tt := range tests {
		got, err := DecodeCommand([]byte(tt.input))
		if tt.wantErr {
			if err == nil {
				t.Errorf("DecodeCommand(%s) expected error, got %#v", tt.input, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("DecodeCommand(%s) error: %v", tt.input, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("DecodeCommand(%s) = %#v, want %#v", tt.input, got, tt.want)
		}
	}
}

func TestLaunchArgs(t *testing.T) {
	tests := []struct {
		name      string
		subscribe []Kind
		size      string
		command   []string
		want      []string
	}{
		{
			name:    "defaults",
			command: []string{"bash"},
			want:    []string{"--subscribe", "snapshot,output", "bash"},
		},
		{
			name:      "dedupe and size",
			subscribe: []Kind{KindInit, KindSnapshot, KindOutput, KindSnapshot},
			size:      "120x40",
			command:   []string{"sh", "-c", "top"},
			want:      []string{"--subscribe", "init,snapshot,output", "--size", "120x40", "sh", "-c", "top"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LaunchArgs(tt.subscribe, tt.size, tt.command)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("LaunchArgs() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseKindsAndSize(t *testing.T) {
	kinds := ParseKinds(" snapshot, output,,init ")
	want := []Kind{KindSnapshot, KindOutput, KindInit}
	if !reflect.DeepEqual(kinds, want) {
		t.Errorf("ParseKinds() = %v, want %v", kinds, want)
	}
	if !HasKind(kinds, KindInit) || HasKind(kinds, KindResize) {
		t.Errorf("HasKind gave wrong answer for %v", kinds)
	}

	cols, rows, err := ParseSize("120x40")
	if err != nil || cols != 120 || rows != 40 {
		t.Errorf("ParseSize(120x40) = %d, %d, %v", cols, rows, err)
	}
	for _, bad := range []string{"", "120", "x40", "0x10", "-1x5"} {
		if _, _, err := ParseSize(bad); err == nil {
			t.Errorf("ParseSize(%q) expected error", bad)
		}
	}
}
