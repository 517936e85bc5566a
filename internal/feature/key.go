package feature

import (
	"fmt"
	"strings"
)

// Key identifies a feature as the triple project:category:feature.
// It is immutable once parsed; the canonical string form is String().
type Key struct {
	Project  string
	Category string
	Feature  string
}

// Parse validates and splits a canonical feature key string.
// The form is exactly "project:category:feature" with nonempty components.
func Parse(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("feature key %q: want exactly 2 separators", s)
	}
	for _, p := range parts {
		if p == "" {
			return Key{}, fmt.Errorf("feature key %q: empty component", s)
		}
	}
	return Key{Project: parts[0], Category: parts[1], Feature: parts[2]}, nil
}

// MustParse is for tests and static tables.
func MustParse(s string) Key {
	k, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return k
}

func (k Key) String() string {
	return k.Project + ":" + k.Category + ":" + k.Feature
}

// Valid reports whether all three components are nonempty.
func (k Key) Valid() bool {
	return k.Project != "" && k.Category != "" && k.Feature != ""
}
