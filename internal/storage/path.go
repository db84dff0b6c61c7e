package storage

import (
	"fmt"
	"strings"
)

// pathSpecial lists the characters gjson and sjson interpret in a path.
const pathSpecial = `\.*?|#@!=<>%:,{}[]"`

// splitKey splits a dotted key into its segments.
func splitKey(key string) ([]string, error) {
	segments := strings.Split(key, ".")
	for _, s := range segments {
		if s == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidKey, key)
		}
		for _, r := range s {
			if r < 0x20 || r == 0x7f {
				return nil, fmt.Errorf("%w: control character in %q", ErrInvalidKey, key)
			}
		}
	}
	return segments, nil
}

// getPath builds a gjson path that matches segments literally.
func getPath(segments []string) string {
	parts := make([]string, len(segments))
	for i, s := range segments {
		parts[i] = escape(s)
	}
	return strings.Join(parts, ".")
}

// setPath builds the equivalent sjson path. Numeric segments are forced to
// be object keys rather than array indexes.
func setPath(segments []string) string {
	parts := make([]string, len(segments))
	for i, s := range segments {
		if numeric(s) {
			parts[i] = ":" + s
			continue
		}
		parts[i] = escape(s)
	}
	return strings.Join(parts, ".")
}

func escape(s string) string {
	if !strings.ContainsAny(s, pathSpecial) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(pathSpecial, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func numeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
