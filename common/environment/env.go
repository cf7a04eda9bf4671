// Package environment reads typed configuration values from environment
// variables.
//
// Every helper returns either the parsed value or the supplied default;
// unparsable values fall back to the default instead of failing so that a
// typo in an optional knob never prevents the bot from starting. Required
// values return an error and leave the exit decision to main.
//
// The package-level functions read the process environment. A Source built
// with FromMap reads a fixed map instead, which keeps config tests hermetic.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(name string) (string, bool)

// Source resolves variables through a LookupFunc.
type Source struct {
	lookup LookupFunc
}

// OS is the Source backed by the process environment.
var OS = Source{lookup: os.LookupEnv}

// FromMap returns a Source that reads only from m.
func FromMap(m map[string]string) Source {
	return Source{lookup: func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}}
}

// value returns the variable's value, treating set-but-empty as unset.
func (s Source) value(name string) (string, bool) {
	if s.lookup == nil {
		return "", false
	}
	v, ok := s.lookup(name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// String returns the raw value and whether the variable was set (even if
// set to the empty string).
func (s Source) String(name string) (string, bool) {
	if s.lookup == nil {
		return "", false
	}
	return s.lookup(name)
}

// StringOr returns the value, or defaultValue if unset or empty.
func (s Source) StringOr(name, defaultValue string) string {
	if v, ok := s.value(name); ok {
		return v
	}
	return defaultValue
}

// RequiredString returns the value or an error if unset or empty.
func (s Source) RequiredString(name string) (string, error) {
	v, ok := s.value(name)
	if !ok {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

// BoolOr parses the value with strconv.ParseBool.
func (s Source) BoolOr(name string, defaultValue bool) bool {
	v, ok := s.value(name)
	if !ok {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

// IntOr parses the value as a decimal integer.
func (s Source) IntOr(name string, defaultValue int) int {
	v, ok := s.value(name)
	if !ok {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return defaultValue
	}
	return n
}

// DurationOr parses the value as a time.Duration ("30s", "5m").
func (s Source) DurationOr(name string, defaultValue time.Duration) time.Duration {
	v, ok := s.value(name)
	if !ok {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

// StringSliceOr parses the value as a comma-separated list, trimming each
// element and dropping empty ones.
func (s Source) StringSliceOr(name string, defaultValue []string) []string {
	v, ok := s.value(name)
	if !ok {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// StringOr reads the process environment. See Source.StringOr.
func StringOr(name, defaultValue string) string { return OS.StringOr(name, defaultValue) }

// RequiredString reads the process environment. See Source.RequiredString.
func RequiredString(name string) (string, error) { return OS.RequiredString(name) }

// BoolOr reads the process environment. See Source.BoolOr.
func BoolOr(name string, defaultValue bool) bool { return OS.BoolOr(name, defaultValue) }

// IntOr reads the process environment. See Source.IntOr.
func IntOr(name string, defaultValue int) int { return OS.IntOr(name, defaultValue) }

// DurationOr reads the process environment. See Source.DurationOr.
func DurationOr(name string, defaultValue time.Duration) time.Duration {
	return OS.DurationOr(name, defaultValue)
}

// StringSliceOr reads the process environment. See Source.StringSliceOr.
func StringSliceOr(name string, defaultValue []string) []string {
	return OS.StringSliceOr(name, defaultValue)
}
