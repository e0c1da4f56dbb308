package creds

import "log/slog"

const mask = "***********"

// Secret wraps a password so that every default rendering masks it. Only
// Reveal returns the clear text.
type Secret struct {
	value string
}

// NewSecret wraps a clear-text password.
func NewSecret(value string) Secret { return Secret{value: value} }

// Reveal returns the clear-text password.
func (s Secret) Reveal() string { return s.value }

// IsZero reports whether no password is held.
func (s Secret) IsZero() bool { return s.value == "" }

func (s Secret) String() string {
	if s.value == "" {
		return ""
	}
	return mask
}

func (s Secret) GoString() string { return "creds.Secret(" + mask + ")" }

// LogValue keeps the mask in structured log output.
func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }

// MarshalText keeps the mask in JSON and YAML renderings.
func (s Secret) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
