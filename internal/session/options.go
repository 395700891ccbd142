package session

import (
	"log/slog"

	"github.com/VasiliCekaskin/dota-smash/internal/archive"
	"github.com/VasiliCekaskin/dota-smash/pkg/rollback"
)

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithEvents forwards scheduler events to ch. Sends never block; events
// are dropped when ch is full.
func WithEvents(ch chan rollback.Event) Option {
	return func(m *Manager) { m.events = ch }
}

// WithArchive saves a MatchRecord whenever a built session is torn down.
func WithArchive(s archive.Store) Option {
	return func(m *Manager) { m.archive = s }
}
