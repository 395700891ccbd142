// Command fighter joins a match through the signaling server and plays it
// with rollback netcode, either on a terminal dashboard or headless.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/VasiliCekaskin/dota-smash/internal/archive"
	"github.com/VasiliCekaskin/dota-smash/internal/config"
	"github.com/VasiliCekaskin/dota-smash/internal/logger"
	"github.com/VasiliCekaskin/dota-smash/internal/session"
	"github.com/VasiliCekaskin/dota-smash/internal/tui"
	"github.com/VasiliCekaskin/dota-smash/pkg/arena"
	"github.com/VasiliCekaskin/dota-smash/pkg/input"
	"github.com/VasiliCekaskin/dota-smash/pkg/rollback"
	"github.com/VasiliCekaskin/dota-smash/pkg/signaling"
	"github.com/VasiliCekaskin/dota-smash/pkg/transport"
)

var (
	flBot      bool
	flSeed     int64
	flHeadless bool
	flAsk      bool
	flLogEvery time.Duration
)

func main() {
	cfg, err := config.FromArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	fs := flag.NewFlagSet("fighter", flag.ExitOnError)
	fs.String("config", "", "JSON config file")
	fs.BoolVar(&flBot, "bot", false, "let a seeded bot play instead of the keyboard")
	fs.Int64Var(&flSeed, "seed", time.Now().UnixNano(), "bot seed")
	fs.BoolVar(&flHeadless, "headless", false, "no dashboard; log progress instead (implies -bot)")
	fs.BoolVar(&flAsk, "ask", false, "ask for server and room before joining")
	fs.DurationVar(&flLogEvery, "log-every", 5*time.Second, "headless progress period")
	cfg.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	if flAsk {
		js, err := tui.AskJoin(tui.JoinSettings{Signal: cfg.Signal.URL, Room: cfg.Session.Room, Bot: flBot})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg.Signal.URL, cfg.Session.Room, flBot = js.Signal, js.Room, js.Bot
		if n := js.Players(); n > 0 {
			cfg.Session.NumPlayers = n
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	h, err := initLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fighter_failed", "err", err)
		h.Close()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	h.Close()
}

// initLogger keeps the terminal for the dashboard: without -headless logs
// only go to a file.
func initLogger(c config.Log) (*logger.Handler, error) {
	if flHeadless {
		return logger.Init(c.Level, c.File)
	}
	l, err := logger.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	path := c.File
	if path == "" {
		path = "logs/fighter.log"
	}
	h, err := logger.NewHandler(io.Discard, path, l)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(h))
	return h, nil
}

func openArchive(ctx context.Context, c config.Archive) (archive.Store, error) {
	if c.MongoURI == "" {
		return archive.NewMemoryStore(), nil
	}
	return archive.DialMongo(ctx, archive.MongoConfig{
		URI:        c.MongoURI,
		Database:   c.Database,
		Collection: c.Collection,
		AppName:    "dota-smash-fighter",
		Timeout:    c.Timeout.D(),
	})
}

func run(ctx context.Context, cfg config.Config) error {
	store, err := openArchive(ctx, cfg.Archive)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	connect := session.Connector(
		func() signaling.Rendezvous { return signaling.NewWebSocket(cfg.Signal.URL) },
		func() (transport.Endpoint, error) { return transport.ListenUDP(cfg.Net.Listen) },
	)
	newGame := func(players int) rollback.Game { return arena.New(arena.DefaultConfig(), players) }

	keys := input.NewKeyState(0)
	var src input.Source = input.NewSampler(keys)
	if flBot || flHeadless {
		src = input.NewBot(flSeed)
	}

	var events chan rollback.Event
	if !flHeadless {
		events = make(chan rollback.Event, 256)
	}
	m, err := session.New(session.FromConfig(cfg), connect, newGame, src,
		session.WithEvents(events),
		session.WithArchive(store),
		session.WithLogger(slog.Default()),
	)
	if err != nil {
		return err
	}
	defer m.Close()

	if flHeadless {
		return runHeadless(ctx, m)
	}
	return runDashboard(ctx, m, keys, events)
}

func runHeadless(ctx context.Context, m *session.Manager) error {
	var next time.Time
	err := m.Run(ctx, func(r session.Report) {
		if time.Now().Before(next) {
			return
		}
		next = time.Now().Add(flLogEvery)
		slog.Info("progress",
			"stage", r.Stage,
			"frame", r.Frame,
			"horizon", r.Horizon,
			"rollbacks", r.Counters.Rollbacks,
			"stalls", r.Counters.Stalls,
			"attempts", r.Attempts,
		)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runDashboard ticks the session on its own goroutine and hands reports to
// the dashboard without ever blocking the tick.
func runDashboard(ctx context.Context, m *session.Manager, keys *input.KeyState, events chan rollback.Event) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reports := make(chan session.Report, 1)
	done := make(chan error, 1)
	go func() {
		defer close(reports)
		done <- m.Run(ctx, func(r session.Report) {
			select {
			case reports <- r:
			default:
			}
		})
	}()

	p := tea.NewProgram(tui.NewDashboard(keys, reports, events), tea.WithAltScreen(), tea.WithContext(ctx))
	_, uiErr := p.Run()
	cancel()
	runErr := <-done

	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	if uiErr != nil && !errors.Is(uiErr, tea.ErrProgramKilled) && !errors.Is(uiErr, context.Canceled) {
		return errors.Join(runErr, uiErr)
	}
	return runErr
}
