package rollback

import "log/slog"

// Option configures a Scheduler in New.
type Option func(*Scheduler)

func WithEvents(ch chan Event) Option {
	return func(s *Scheduler) { s.events = ch }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}
