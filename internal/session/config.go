package session

import (
	"fmt"
	"time"

	"github.com/VasiliCekaskin/dota-smash/internal/config"
	"github.com/VasiliCekaskin/dota-smash/pkg/peers"
	"github.com/VasiliCekaskin/dota-smash/pkg/rollback"
	"github.com/VasiliCekaskin/dota-smash/pkg/signaling"
)

type Config struct {
	Room             string
	NumPlayers       int
	PredictionWindow int
	InputDelay       int
	TickRate         int
	DesyncInterval   int

	StatsEvery     time.Duration
	ConnectTimeout time.Duration
	RetryBase      time.Duration
	RetryMax       time.Duration

	// protocol timers, zero means the peers package default
	ResendEvery        time.Duration
	KeepAliveEvery     time.Duration
	QualityReportEvery time.Duration
	DisconnectTimeout  time.Duration
}

func DefaultConfig() Config {
	return FromConfig(config.Default())
}

// FromConfig maps the file/flag configuration onto a session Config.
func FromConfig(c config.Config) Config {
	return Config{
		Room:               c.Session.Room,
		NumPlayers:         c.Session.NumPlayers,
		PredictionWindow:   c.Session.PredictionWindow,
		InputDelay:         c.Session.InputDelay,
		TickRate:           c.Session.TickRate,
		DesyncInterval:     c.Session.DesyncInterval,
		StatsEvery:         c.Session.StatsEvery.D(),
		ConnectTimeout:     c.Signal.JoinTimeout.D(),
		RetryBase:          c.Session.RetryBase.D(),
		RetryMax:           c.Session.RetryMax.D(),
		ResendEvery:        c.Net.ResendEvery.D(),
		KeepAliveEvery:     c.Net.KeepAliveEvery.D(),
		QualityReportEvery: c.Net.QualityReportEvery.D(),
		DisconnectTimeout:  c.Net.DisconnectTimeout.D(),
	}
}

func (c Config) withDefaults() Config {
	if c.TickRate <= 0 {
		c.TickRate = 60
	}
	if c.StatsEvery <= 0 {
		c.StatsEvery = time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 250 * time.Millisecond
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = 32 * c.RetryBase
	}
	return c
}

func (c Config) Validate() error {
	n, err := signaling.Capacity(c.Room)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	if n > 0 && n != c.NumPlayers {
		return fmt.Errorf("%w: room %s batches %d players, session wants %d", ErrInvalidConfiguration, c.Room, n, c.NumPlayers)
	}
	return c.rollback(0).Validate()
}

func (c Config) rollback(local int) rollback.Config {
	return rollback.Config{
		NumPlayers:       c.NumPlayers,
		LocalSlot:        local,
		PredictionWindow: c.PredictionWindow,
		InputDelay:       c.InputDelay,
		DesyncInterval:   c.DesyncInterval,
	}
}

func (c Config) peers() peers.Config {
	return peers.Config{
		NumPlayers:         c.NumPlayers,
		InputDelay:         c.InputDelay,
		TickRate:           c.TickRate,
		QualityReportEvery: c.QualityReportEvery,
		KeepAliveEvery:     c.KeepAliveEvery,
		ResendEvery:        c.ResendEvery,
		DisconnectTimeout:  c.DisconnectTimeout,
	}
}
