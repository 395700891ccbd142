// Command sim runs several bot-driven peers in one process over an impaired
// in-memory network and reports how the rollback sessions coped.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/VasiliCekaskin/dota-smash/internal/archive"
	"github.com/VasiliCekaskin/dota-smash/internal/config"
	"github.com/VasiliCekaskin/dota-smash/internal/logger"
	"github.com/VasiliCekaskin/dota-smash/internal/session"
	"github.com/VasiliCekaskin/dota-smash/pkg/arena"
	"github.com/VasiliCekaskin/dota-smash/pkg/input"
	"github.com/VasiliCekaskin/dota-smash/pkg/rollback"
	"github.com/VasiliCekaskin/dota-smash/pkg/signaling"
	"github.com/VasiliCekaskin/dota-smash/pkg/transport"
)

var (
	flPeers      = flag.Int("peers", 2, "number of peers in the match")
	flDuration   = flag.Duration("duration", 30*time.Second, "run duration")
	flFPS        = flag.Int("fps", 60, "simulation ticks per second")
	flWindow     = flag.Int("window", 12, "prediction window in frames")
	flInputDelay = flag.Int("input-delay", 2, "input delay in frames")
	flDesync     = flag.Int("desync-interval", 10, "frames between checksum exchanges; 0=off")
	flOutDir     = flag.String("out", "out", "output directory")
	flSeed       = flag.Int64("seed", 1, "seed for bots and link impairments")
	flLogLevel   = flag.String("log-level", "warn", "log level")

	// chaos knobs (uniform for every link)
	flLoss   = flag.Float64("loss", 0.0, "drop probability [0..1]")
	flDup    = flag.Float64("dup", 0.0, "dup probability [0..1]")
	flReord  = flag.Float64("reorder", 0.0, "reorder probability [0..1]")
	flDelay  = flag.Duration("delay", 0, "base one-way delay")
	flJitter = flag.Duration("jitter", 0, "jitter (+/-)")

	flFailurePeriod = flag.Duration("failure-period", 0, "mean time between random link failures (0=off)")
	flRecoveryDelay = flag.Duration("recovery-delay", 500*time.Millisecond, "time a failed link stays down")
	flDropAt        = flag.Duration("drop-at", 0, "close the last peer at this offset; 0=never")

	// diagnostics
	flPrintEvents = flag.Bool("print-events", false, "print scheduler events to stdout")
	flTypes       = flag.String("types", "rollback,stall,disconnect,desync,fatal", "comma-separated event types to print")
)

type simPeer struct {
	Name    string
	Index   int
	Manager *session.Manager

	mu   sync.Mutex
	link *transport.Chaos
}

func (p *simPeer) Link() *transport.Chaos {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link
}

func main() {
	flag.Parse()

	if *flPeers < 2 {
		fmt.Println("need at least 2 peers")
		os.Exit(1)
	}
	if err := os.MkdirAll(*flOutDir, 0o755); err != nil {
		panic(err)
	}
	h, err := logger.NewHandler(os.Stderr, filepath.Join(*flOutDir, "sim.log"), mustLevel(*flLogLevel))
	if err != nil {
		panic(err)
	}
	slog.SetDefault(slog.New(h))
	defer h.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *flDuration)
	defer cancel()

	cfg := config.Default()
	cfg.Session.Room = fmt.Sprintf("next_%d", *flPeers)
	cfg.Session.NumPlayers = *flPeers
	cfg.Session.TickRate = *flFPS
	cfg.Session.PredictionWindow = *flWindow
	cfg.Session.InputDelay = *flInputDelay
	cfg.Session.DesyncInterval = *flDesync
	cfg.Session.RetryBase = config.Duration(50 * time.Millisecond)
	cfg.Session.RetryMax = config.Duration(time.Second)
	if err := cfg.Validate(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	lobby := signaling.NewLobby()
	sw := transport.NewSwitch()
	store := archive.NewMemoryStore()
	prof := transport.LinkProfile{
		Loss:      *flLoss,
		Dup:       *flDup,
		Reorder:   *flReord,
		BaseDelay: *flDelay,
		Jitter:    *flJitter,
	}

	tele := newTelemetry(*flPeers)
	events := make(chan peerEvent, 8192)
	var fwdWG sync.WaitGroup

	sps := make([]*simPeer, *flPeers)
	for i := range sps {
		sp := &simPeer{Name: fmt.Sprintf("P%02d", i), Index: i}
		attempt := 0
		listen := func() (transport.Endpoint, error) {
			attempt++
			ep, err := sw.Listen(transport.Addr(fmt.Sprintf("%s#%d", sp.Name, attempt)))
			if err != nil {
				return nil, err
			}
			p := prof
			p.Seed = *flSeed*100 + int64(i)
			c := transport.WrapChaos(ep, p)
			sp.mu.Lock()
			sp.link = c
			sp.mu.Unlock()
			return c, nil
		}
		ch := make(chan rollback.Event, 1024)
		m, err := session.New(session.FromConfig(cfg),
			session.Connector(lobby.Client, listen),
			func(players int) rollback.Game { return arena.New(arena.DefaultConfig(), players) },
			input.NewBot(*flSeed+int64(i)),
			session.WithEvents(ch),
			session.WithArchive(store),
			session.WithLogger(slog.Default().With("peer", sp.Name)),
		)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		sp.Manager = m
		sps[i] = sp

		// forward events into single channel; exit on ctx
		fwdWG.Add(1)
		go func(idx int, ch <-chan rollback.Event) {
			defer fwdWG.Done()
			for {
				select {
				case e := <-ch:
					select {
					case events <- peerEvent{Peer: idx, Event: e}:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}(i, ch)
	}

	statsCSV, sumTxt, closeFiles := mustOpenFiles(*flOutDir)
	defer closeFiles()

	typeFilter := map[string]bool{}
	if *flTypes != "" {
		for _, t := range strings.Split(*flTypes, ",") {
			typeFilter[strings.TrimSpace(t)] = true
		}
	}
	var evWG sync.WaitGroup
	evWG.Add(1)
	go func() {
		defer evWG.Done()
		for e := range events {
			tele.handle(e)
			if *flPrintEvents && (len(typeFilter) == 0 || typeFilter[string(e.Type)]) {
				fmt.Printf("%s %-4s %-10s f=%-6d %v\n", e.Time.Format(time.RFC3339Nano), sps[e.Peer].Name, e.Type, e.Frame, e.Fields)
			}
		}
	}()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, sp := range sps {
		g.Go(func() error {
			err := sp.Manager.Run(gctx, func(r session.Report) { tele.observe(sp.Index, r) })
			switch {
			case errors.Is(err, session.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return nil
			case err != nil:
				return fmt.Errorf("%s: %w", sp.Name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		sampleLoop(gctx, tele, statsCSV, sps, start)
		return nil
	})
	if *flFailurePeriod > 0 && *flRecoveryDelay > 0 {
		g.Go(func() error {
			flapLoop(gctx, sps, *flFailurePeriod, *flRecoveryDelay)
			return nil
		})
	}
	if *flDropAt > 0 {
		// cut the last peer's outbound link; the others drop it once the
		// disconnect timeout passes
		g.Go(func() error {
			select {
			case <-time.After(*flDropAt):
				victim := sps[len(sps)-1]
				if l := victim.Link(); l != nil {
					l.SetUp(false)
				}
				slog.Warn("peer_dropped", "peer", victim.Name)
			case <-gctx.Done():
			}
			return nil
		})
	}

	runErr := g.Wait()
	elapsed := time.Since(start)
	for _, sp := range sps {
		sp.Manager.Close()
	}
	fwdWG.Wait()
	close(events)
	evWG.Wait()

	recs, _ := store.Recent(context.Background(), len(sps))
	writeSummary(sumTxt, tele, recs, elapsed, runErr)
	_ = tele.writeRollbacksCSV(filepath.Join(*flOutDir, "rollbacks.csv"))
	_ = writeMatches(filepath.Join(*flOutDir, "matches.jsonl"), recs)

	if runErr != nil || tele.mismatches() > 0 {
		fmt.Println("FAIL:", runErr, "checksum mismatches:", tele.mismatches())
		closeFiles()
		h.Close()
		os.Exit(1)
	}
	fmt.Printf("ok: %d peers, %s, summary in %s\n", len(sps), elapsed.Round(time.Millisecond), *flOutDir)
}

func mustLevel(s string) slog.Level {
	l, err := logger.ParseLevel(s)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	return l
}

// sampleLoop writes one stats row per peer every second.
func sampleLoop(ctx context.Context, tele *telemetry, w *csv.Writer, sps []*simPeer, start time.Time) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, row := range tele.sample(time.Since(start), sps) {
				_ = w.Write(row)
			}
			w.Flush()
		}
	}
}

// flapLoop periodically partitions a random pair of peers, then heals it.
func flapLoop(ctx context.Context, sps []*simPeer, meanPeriod, down time.Duration) {
	if meanPeriod <= 0 || down <= 0 {
		return
	}
	rng := rand.New(rand.NewSource(*flSeed))
	lambda := 1.0 / meanPeriod.Seconds()
	n := len(sps)
	for {
		// next failure time ~ Exp(meanPeriod)
		sleep := time.Duration(rng.ExpFloat64()/lambda*1e9) * time.Nanosecond
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		i := rng.Intn(n)
		j := (i + 1 + rng.Intn(n-1)) % n
		a, b := sps[i].Link(), sps[j].Link()
		if a == nil || b == nil {
			continue
		}
		a.Partition(b.Addr())
		b.Partition(a.Addr())
		slog.Info("link_down", "a", sps[i].Name, "b", sps[j].Name, "for", down)
		select {
		case <-ctx.Done():
			return
		case <-time.After(down):
		}
		a.Heal(b.Addr())
		b.Heal(a.Addr())
	}
}

func mustOpenFiles(dir string) (*csv.Writer, *os.File, func()) {
	statsF, err := os.Create(filepath.Join(dir, "stats.csv"))
	if err != nil {
		panic(err)
	}
	sumF, err := os.Create(filepath.Join(dir, "summary.txt"))
	if err != nil {
		panic(err)
	}
	w := csv.NewWriter(statsF)
	_ = w.Write(statsHeader)
	closer := func() {
		w.Flush()
		_ = statsF.Close()
		_ = sumF.Close()
	}
	return w, sumF, closer
}

// writeMatches stores the archived records one JSON object per line for
// cmd/logreport.
func writeMatches(path string, recs []archive.MatchRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func writeSummary(out *os.File, tele *telemetry, recs []archive.MatchRecord, elapsed time.Duration, runErr error) {
	fmt.Fprintf(out, "Peers: %d\nDuration: %s\nFPS: %d\nWindow: %d\nInput delay: %d\nDesync interval: %d\n",
		*flPeers, elapsed.Round(time.Millisecond), *flFPS, *flWindow, *flInputDelay, *flDesync)
	fmt.Fprintf(out, "Chaos: loss=%.2f dup=%.2f reorder=%.2f delay=%s jitter=%s\n",
		*flLoss, *flDup, *flReord, flDelay.String(), flJitter.String())
	fmt.Fprintf(out, "Failures: period=%s recovery=%s drop_at=%s\n",
		flFailurePeriod.String(), flRecoveryDelay.String(), flDropAt.String())
	for _, line := range tele.statsLines() {
		fmt.Fprintln(out, line)
	}
	for _, r := range recs {
		fmt.Fprintf(out, "Match %s peer=%.8s frames=%d confirmed=%d rollbacks=%d resim=%d stalls=%d sum=%016x\n",
			r.ID, r.LocalPeer, r.Frames, r.Confirmed, r.Rollbacks, r.Resimulated, r.Stalls, r.FinalSum)
	}
	if runErr != nil {
		fmt.Fprintf(out, "Error: %v\n", runErr)
	}
}
