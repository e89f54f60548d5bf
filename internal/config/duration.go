package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses an optional duration field such as "90s" or "3m".
// An empty value is zero, which callers treat as unset.
func ParseDurationField(name, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration", name, value)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: %q is negative", name, value)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for unset fields.
func ParseDurationOrDefault(name, value string, fallback time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(name, value)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return fallback, nil
	}
	return d, nil
}
