package logging

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Switch is a slog.Handler that can be muted at runtime. Loggers derived from
// the same Switch (through With or WithGroup) share one mute flag, so muting it
// silences every component built on top of it.
type Switch struct {
	next  slog.Handler
	muted *atomic.Bool
}

// NewSwitch wraps next in a mutable handler.
func NewSwitch(next slog.Handler) *Switch {
	return &Switch{next: next, muted: new(atomic.Bool)}
}

// Mute silences all records passing through the switch.
// It returns the previous state so callers can restore it.
func (s *Switch) Mute() (wasMuted bool) {
	return s.muted.Swap(true)
}

// Restore sets the mute flag back to a state returned by Mute.
func (s *Switch) Restore(muted bool) {
	s.muted.Store(muted)
}

// Muted reports whether the switch is muted.
func (s *Switch) Muted() bool {
	return s.muted.Load()
}

// Unmuted returns a handler that bypasses the mute flag. It is used for
// records that must never be lost, such as chain corruption reports.
func (s *Switch) Unmuted() slog.Handler {
	return s.next
}

// Enabled implements slog.Handler.
func (s *Switch) Enabled(ctx context.Context, level slog.Level) bool {
	if s.muted.Load() {
		return false
	}
	return s.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (s *Switch) Handle(ctx context.Context, r slog.Record) error {
	if s.muted.Load() {
		return nil
	}
	return s.next.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (s *Switch) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Switch{next: s.next.WithAttrs(attrs), muted: s.muted}
}

// WithGroup implements slog.Handler.
func (s *Switch) WithGroup(name string) slog.Handler {
	return &Switch{next: s.next.WithGroup(name), muted: s.muted}
}

// NewSwitchedLogger creates a Logger on top of a Switch and returns both.
func NewSwitchedLogger(next slog.Handler) (*Logger, *Switch) {
	sw := NewSwitch(next)
	return New(sw), sw
}
