package core

import (
	"context"
	"log/slog"
)

// nopHandler silently discards all log records, matching hal.SetLogger's
// default-silent convention. core types take an explicit *slog.Logger
// rather than reading a package global, so there is no core.SetLogger;
// callers (compositor, cmd/hwcdemo) decide what to pass in.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func defaultLogger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(nopHandler{})
	}
	return l
}
