// Package svcfields tags log entries with dotted subsystem paths, the same
// "sys" convention used across pkt.systems services.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem joins the parts into a dot-delimited path, dropping empties.
func Subsystem(parts ...string) string {
	var b strings.Builder
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}

// WithSubsystem attaches a subsystem tag to every entry emitted by logger.
func WithSubsystem(logger pslog.Logger, parts ...string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	sys := Subsystem(parts...)
	if sys == "" {
		return logger
	}
	return logger.With(SubsystemKey, sys)
}
