package storage

import (
	"fmt"
	"strings"
)

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// ValidatePath checks that path is a non-empty '/'-separated list of
// non-empty segments without control characters.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}
		for _, r := range segment {
			if r < 0x20 || r == 0x7f {
				return fmt.Errorf("%w: %q contains a control character", ErrInvalidPath, path)
			}
		}
	}
	return nil
}

// Within reports whether path equals prefix or lies below it.
func Within(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// Related reports whether a change at one path can alter the value read at
// the other: one contains the other.
func Related(a, b string) bool {
	return Within(a, b) || Within(b, a)
}

// Ancestors returns the proper ancestors of path, nearest first.
func Ancestors(path string) []string {
	var out []string
	for i := strings.LastIndexByte(path, '/'); i > 0; i = strings.LastIndexByte(path[:i], '/') {
		out = append(out, path[:i])
	}
	return out
}

// ValidateUpdate checks that no path in an Update is an ancestor of another.
func ValidateUpdate(values map[string]any) error {
	paths := make([]string, 0, len(values))
	for path := range values {
		if err := ValidatePath(path); err != nil {
			return err
		}
		paths = append(paths, path)
	}
	for i, a := range paths {
		for _, b := range paths[i+1:] {
			if Related(a, b) {
				return fmt.Errorf("%w: update paths %q and %q overlap", ErrInvalidPath, a, b)
			}
		}
	}
	return nil
}
