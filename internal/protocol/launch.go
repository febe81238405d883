package protocol

import (
	"fmt"
	"strings"
)

// DefaultSubscribe lists the kinds a controller consumes when none are configured.
var DefaultSubscribe = []Kind{KindSnapshot, KindOutput}

// LaunchArgs builds the collaborator argument vector:
//
//	--subscribe <kinds> [--size COLSxROWS] command...
func LaunchArgs(subscribe []Kind, size string, command []string) []string {
	if len(subscribe) == 0 {
		subscribe = DefaultSubscribe
	}
	args := []string{"--subscribe", JoinKinds(subscribe)}
	if size != "" {
		args = append(args, "--size", size)
	}
	return append(args, command...)
}

// JoinKinds renders kinds the way --subscribe expects them, dropping duplicates.
func JoinKinds(kinds []Kind) string {
	seen := make(map[Kind]struct{}, len(kinds))
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		k = Kind(strings.TrimSpace(string(k)))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		parts = append(parts, string(k))
	}
	return strings.Join(parts, ",")
}

// ParseKinds splits a comma separated --subscribe value.
func ParseKinds(s string) []Kind {
	var kinds []Kind
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			kinds = append(kinds, Kind(part))
		}
	}
	return kinds
}

func HasKind(kinds []Kind, k Kind) bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}

// ParseSize validates a COLSxROWS terminal size.
func ParseSize(s string) (cols, rows int, err error) {
	if _, err := fmt.Sscanf(s, "%dx%d", &cols, &rows); err != nil {
		return 0, 0, fmt.Errorf("invalid size %q: want COLSxROWS", s)
	}
	if cols <= 0 || rows <= 0 {
		return 0, 0, fmt.Errorf("invalid size %q: dimensions must be positive", s)
	}
	return cols, rows, nil
}
