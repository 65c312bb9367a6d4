package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Entity describes how the engine handles one record type.
// Everything domain specific is behind these statically typed accessors.
type Entity[K Key, V Record[K]] struct {
	// Storage node name ("Incidents")
	Name string
	// ParseKey converts a storage path segment to a key
	ParseKey func(segment string) (K, error)
	// WithKey back-fills the key into the value
	WithKey func(value V, key K) V
	// Normalize defaults and canonicalizes the value fields
	Normalize func(value V, now time.Time) V
	// Visible is the role-visibility predicate
	Visible func(s Session, value V) bool
	// SearchFields returns the fields matched by the free text search
	SearchFields func(value V) []string
	// Field returns a structured filter field value
	Field func(value V, name string) (string, bool)
}

// Validate checks all the accessors are defined.
func (e Entity[K, V]) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("%s: empty", "name")
	}
	if e.ParseKey == nil {
		return fmt.Errorf("%s: nil", "parseKey")
	}
	if e.WithKey == nil {
		return fmt.Errorf("%s: nil", "withKey")
	}
	if e.Normalize == nil {
		return fmt.Errorf("%s: nil", "normalize")
	}
	if e.Visible == nil {
		return fmt.Errorf("%s: nil", "visible")
	}
	if e.SearchFields == nil {
		return fmt.Errorf("%s: nil", "searchFields")
	}
	if e.Field == nil {
		return fmt.Errorf("%s: nil", "field")
	}

	return nil
}

// KeyPath builds the storage path of a record.
func (e Entity[K, V]) KeyPath(key K) string {
	return e.Name + "/" + KeyString(key)
}

// KeyFromPath parses the last storage path segment as a key.
func (e Entity[K, V]) KeyFromPath(path string) (K, error) {
	var zero K

	path = strings.TrimRight(path, "/")
	segment := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		segment = path[idx+1:]
	}
	if segment == "" {
		return zero, fmt.Errorf("path %q: empty key segment", path)
	}

	key, err := e.ParseKey(segment)
	if err != nil {
		return zero, fmt.Errorf("path %q: %w", path, err)
	}
	if IsZeroKey(key) {
		return zero, fmt.Errorf("path %q: zero key", path)
	}

	return key, nil
}

// KeyString formats a key for paths and view list ids.
func KeyString[K Key](key K) string {
	return fmt.Sprint(key)
}

// ParseIntKey is the ParseKey implementation for integer keys.
func ParseIntKey(segment string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(segment))
	if err != nil {
		return 0, fmt.Errorf("int key: %w", err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("int key: must be GT 0")
	}

	return v, nil
}

// ParseStringKey is the ParseKey implementation for string keys.
func ParseStringKey(segment string) (string, error) {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return "", fmt.Errorf("string key: empty")
	}

	return segment, nil
}
