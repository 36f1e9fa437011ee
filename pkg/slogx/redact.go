package slogx

import "log/slog"

// Redacted wraps a secret so it can be passed to a logger without ever
// being rendered.
type Redacted string

func (Redacted) LogValue() slog.Value {
	return slog.StringValue("[REDACTED]")
}

func (Redacted) String() string { return "[REDACTED]" }
