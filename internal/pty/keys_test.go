package pty

import (
	"strings"
	"testing"
	"time"
)

func TestKeyBytes(t *testing.T) {
	tests := []struct {
		token string
		want  string
	}{
		{"Enter", "\r"},
		{"enter", "\r"},
		{"Tab", "\t"},
		{"Escape", "\x1b"},
		{"Up", "\x1b[A"},
		{"PageDown", "\x1b[6~"},
		{"C-c", "\x03"},
		{"^d", "\x04"},
		{"C-C", "\x03"},
		{"C-1", "C-1"},
		{"echo hi", "echo hi"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := KeyBytes(tt.token); got != tt.want {
			t.Errorf("KeyBytes(%q) = %q, want %q", tt.token, got, tt.want)
		}
	}
}

func TestStripANSI(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "no ANSI codes", input: "plain text", expected: "plain text"},
		{name: "color codes SGR", input: "\x1b[31mred text\x1b[0m", expected: "red text"},
		{name: "cursor movement", input: "\x1b[2J\x1b[Hclear screen", expected: "clear screen"},
		{name: "OSC sequence with bell", input: "\x1b]0;window title\x07text", expected: "text"},
		{name: "OSC sequence with ST", input: "\x1b]0;title\x1b\\text", expected: "text"},
		{name: "carriage return removal", input: "line1\r\nline2\r", expected: "line1\nline2"},
		{name: "charset selection", input: "\x1b(Btext\x1b)0more", expected: "textmore"},
		{name: "bracketed paste mode", input: "\x1b[?2004htext\x1b[?2004l", expected: "text"},
		{name: "backspace cleanup", input: "e\becho", expected: "echo"},
		{name: "remove other control bytes", input: "a\x00b\x1fc", expected: "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripANSI(tt.input); got != tt.expected {
				t.Errorf("StripANSI(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestCaptureWraps(t *testing.T) {
	c := newCapture(4)
	c.Write([]byte("ab"))
	if got := string(c.Bytes()); got != "ab" {
		t.Fatalf("Bytes() = %q, want ab", got)
	}
	c.Write([]byte("cdef"))
	if got := string(c.Bytes()); got != "cdef" {
		t.Fatalf("Bytes() = %q, want cdef", got)
	}
	c.Write([]byte("g"))
	if got := string(c.Bytes()); got != "defg" {
		t.Fatalf("Bytes() = %q, want defg", got)
	}
}

func TestCaptureConcurrentWrites(t *testing.T) {
	c := newCapture(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			c.Write([]byte("x"))
		}
	}()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-done:
			if got := string(c.Bytes()); got != strings.Repeat("x", 64) {
				t.Errorf("Bytes() = %q", got)
			}
			return
		case <-deadline:
			t.Fatal("writer did not finish")
		default:
			_ = c.Bytes()
		}
	}
}
