// Package status tracks the lifecycle status of every dataset and model.
package status

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ComponentStatus is the lifecycle state of a dataset or model.
type ComponentStatus int

const (
	Initializing ComponentStatus = iota
	Ready
	Error
	Refreshing
	Disabled
)

var statusNames = map[ComponentStatus]string{
	Initializing: "initializing",
	Ready:        "ready",
	Error:        "error",
	Refreshing:   "refreshing",
	Disabled:     "disabled",
}

func (s ComponentStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the status by name
func (s ComponentStatus) MarshalText() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown component status %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a status name
func (s *ComponentStatus) UnmarshalText(text []byte) error {
	for status, name := range statusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown component status %q", string(text))
}

// Terminal reports whether a load pipeline ends in this status.
func (s ComponentStatus) Terminal() bool {
	return s == Ready || s == Error
}

// Kind is the component type a status belongs to.
type Kind string

const (
	KindDataset Kind = "dataset"
	KindModel   Kind = "model"
)

// Entry is the last status written for one component.
type Entry struct {
	Kind      Kind            `json:"kind"`
	Name      string          `json:"name"`
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

var (
	urlRegex        = regexp.MustCompile(`[a-z][a-z0-9+.-]*://[^\s]+`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// sanitizeMessage removes endpoints and credentials from error text before it
// is exposed through the status API.
func sanitizeMessage(msg string) string {
	if msg == "" {
		return ""
	}
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	lower := strings.ToLower(msg)
	for _, word := range []string{"password", "token", "key", "secret", "credential"} {
		if strings.Contains(lower, word) {
			return credentialRegex.ReplaceAllString(msg, "[REDACTED]")
		}
	}
	return msg
}
