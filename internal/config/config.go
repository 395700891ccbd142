// Package config holds the settings shared by the fighter client, the
// signaling server and the simulator. Values come from Default, an optional
// JSON file and finally command-line flags, in that order.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

var ErrInvalid = errors.New("invalid config")

// Duration is a time.Duration written as a string ("200ms") in JSON and on
// the command line.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }
func (d Duration) String() string   { return time.Duration(d).String() }

func (d *Duration) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"200ms\": %w", err)
	}
	return d.Set(s)
}

type Session struct {
	Room             string   `json:"room"`
	NumPlayers       int      `json:"num_players"`
	PredictionWindow int      `json:"prediction_window"`
	InputDelay       int      `json:"input_delay"`
	TickRate         int      `json:"tick_rate"`
	DesyncInterval   int      `json:"desync_interval"`
	StatsEvery       Duration `json:"stats_every"`
	RetryBase        Duration `json:"retry_base"`
	RetryMax         Duration `json:"retry_max"`
}

type Net struct {
	Listen             string   `json:"listen"`
	ResendEvery        Duration `json:"resend_every"`
	KeepAliveEvery     Duration `json:"keepalive_every"`
	QualityReportEvery Duration `json:"quality_report_every"`
	DisconnectTimeout  Duration `json:"disconnect_timeout"`
}

type Signal struct {
	URL         string   `json:"url"`
	Listen      string   `json:"listen"`
	JoinTimeout Duration `json:"join_timeout"`
}

type Archive struct {
	MongoURI   string   `json:"mongo_uri"`
	Database   string   `json:"database"`
	Collection string   `json:"collection"`
	Timeout    Duration `json:"timeout"`
}

type Log struct {
	Level string `json:"level"`
	File  string `json:"file"`
}

type Config struct {
	Session Session `json:"session"`
	Net     Net     `json:"net"`
	Signal  Signal  `json:"signal"`
	Archive Archive `json:"archive"`
	Log     Log     `json:"log"`
}

func Default() Config {
	return Config{
		Session: Session{
			Room:             "next_2",
			NumPlayers:       2,
			PredictionWindow: 12,
			InputDelay:       2,
			TickRate:         60,
			DesyncInterval:   10,
			StatsEvery:       Duration(time.Second),
			RetryBase:        Duration(250 * time.Millisecond),
			RetryMax:         Duration(8 * time.Second),
		},
		Net: Net{
			Listen:             "0.0.0.0:0",
			ResendEvery:        Duration(50 * time.Millisecond),
			KeepAliveEvery:     Duration(200 * time.Millisecond),
			QualityReportEvery: Duration(200 * time.Millisecond),
			DisconnectTimeout:  Duration(2 * time.Second),
		},
		Signal: Signal{
			URL:         "ws://127.0.0.1:3536",
			Listen:      ":3536",
			JoinTimeout: Duration(5 * time.Second),
		},
		Archive: Archive{
			Database:   "dota_smash",
			Collection: "matches",
			Timeout:    Duration(5 * time.Second),
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over the defaults. Fields missing from the file keep their
// default value.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// FromArgs looks for a -config flag in args and loads that file, or returns
// Default when there is none. It runs before flag parsing so the file's
// values become the flag defaults.
func FromArgs(args []string) (Config, error) {
	for i := 0; i < len(args); i++ {
		a := strings.TrimLeft(args[i], "-")
		if a == args[i] || len(args[i])-len(a) > 2 {
			continue
		}
		if a == "--" || a == "" {
			break
		}
		switch {
		case a == "config":
			if i+1 >= len(args) {
				return Default(), fmt.Errorf("%w: -config needs a path", ErrInvalid)
			}
			return Load(args[i+1])
		case strings.HasPrefix(a, "config="):
			return Load(strings.TrimPrefix(a, "config="))
		}
	}
	return Default(), nil
}

// RegisterFlags binds the most commonly tuned fields to fs. Call before
// fs.Parse; parsed values overwrite whatever c holds.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Session.Room, "room", c.Session.Room, "matchmaking room (next_N batches N players)")
	fs.IntVar(&c.Session.NumPlayers, "players", c.Session.NumPlayers, "players per match")
	fs.IntVar(&c.Session.PredictionWindow, "window", c.Session.PredictionWindow, "max frames simulated past the confirmed horizon")
	fs.IntVar(&c.Session.InputDelay, "delay", c.Session.InputDelay, "input delay in frames")
	fs.IntVar(&c.Session.TickRate, "fps", c.Session.TickRate, "simulation ticks per second")
	fs.IntVar(&c.Session.DesyncInterval, "desync-interval", c.Session.DesyncInterval, "frames between checksum exchanges; 0=off")
	fs.Var(&c.Session.StatsEvery, "stats-every", "network stats sampling period")

	fs.StringVar(&c.Net.Listen, "listen", c.Net.Listen, "UDP address for peer traffic")
	fs.Var(&c.Net.DisconnectTimeout, "disconnect-timeout", "silence before a peer is dropped")

	fs.StringVar(&c.Signal.URL, "signal", c.Signal.URL, "signaling server base URL")
	fs.StringVar(&c.Signal.Listen, "signal-listen", c.Signal.Listen, "signaling server listen address")

	fs.StringVar(&c.Archive.MongoURI, "mongo", c.Archive.MongoURI, "MongoDB URI for match records; empty keeps them in memory")

	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "debug, info, warn or error")
	fs.StringVar(&c.Log.File, "log-file", c.Log.File, "also append logs to this file")
}

func (c Config) Validate() error {
	var errs []string
	s := c.Session
	if s.NumPlayers < 2 {
		errs = append(errs, fmt.Sprintf("session.num_players must be at least 2, got %d", s.NumPlayers))
	}
	if s.PredictionWindow < 1 {
		errs = append(errs, fmt.Sprintf("session.prediction_window must be positive, got %d", s.PredictionWindow))
	}
	if s.InputDelay < 0 {
		errs = append(errs, fmt.Sprintf("session.input_delay must not be negative, got %d", s.InputDelay))
	}
	if s.TickRate < 1 {
		errs = append(errs, fmt.Sprintf("session.tick_rate must be positive, got %d", s.TickRate))
	}
	if s.DesyncInterval < 0 {
		errs = append(errs, "session.desync_interval must not be negative")
	}
	if s.Room == "" {
		errs = append(errs, "session.room is empty")
	}
	if s.RetryMax < s.RetryBase {
		errs = append(errs, "session.retry_max is below retry_base")
	}
	if c.Net.DisconnectTimeout.D() <= c.Net.KeepAliveEvery.D() {
		errs = append(errs, "net.disconnect_timeout must exceed keepalive_every")
	}
	if c.Archive.MongoURI != "" && (c.Archive.Database == "" || c.Archive.Collection == "") {
		errs = append(errs, "archive.database and archive.collection are required with a mongo_uri")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}
