package pty

import "strings"

var namedKeys = map[string]string{
	"enter":     "\r",
	"space":     " ",
	"tab":       "\t",
	"escape":    "\x1b",
	"esc":       "\x1b",
	"backspace": "\x7f",
	"up":        "\x1b[A",
	"down":      "\x1b[B",
	"right":     "\x1b[C",
	"left":      "\x1b[D",
	"home":      "\x1b[H",
	"end":       "\x1b[F",
	"pageup":    "\x1b[5~",
	"pagedown":  "\x1b[6~",
	"delete":    "\x1b[3~",
}

// KeyBytes translates a key token to the bytes a terminal would send.
// Named keys ("Enter", "Down") and control chords ("C-c", "^c") are mapped;
// anything else is literal text and returned unchanged.
func KeyBytes(token string) string {
	key := strings.ToLower(strings.TrimSpace(token))
	if seq, ok := namedKeys[key]; ok {
		return seq
	}
	if ctrl, ok := controlChord(key); ok {
		return ctrl
	}
	return token
}

func controlChord(key string) (string, bool) {
	var letter string
	switch {
	case strings.HasPrefix(key, "c-") && len(key) == 3:
		letter = key[2:]
	case strings.HasPrefix(key, "^") && len(key) == 2:
		letter = key[1:]
	default:
		return "", false
	}
	c := letter[0]
	if c < 'a' || c > 'z' {
		return "", false
	}
	return string(rune(c - 'a' + 1)), true
}
