// Command signal runs the matchmaking server peers meet on before they talk
// to each other directly over UDP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/VasiliCekaskin/dota-smash/internal/archive"
	"github.com/VasiliCekaskin/dota-smash/internal/config"
	"github.com/VasiliCekaskin/dota-smash/internal/logger"
	"github.com/VasiliCekaskin/dota-smash/pkg/signaling"
)

func main() {
	cfg, err := config.FromArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	fs := flag.NewFlagSet("signal", flag.ExitOnError)
	fs.String("config", "", "JSON config file")
	cfg.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	h, err := logger.Init(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer h.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		logger.Fatal("signal_failed", "err", err)
		h.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	var store archive.Store
	if cfg.Archive.MongoURI != "" {
		ms, err := archive.DialMongo(ctx, archive.MongoConfig{
			URI:        cfg.Archive.MongoURI,
			Database:   cfg.Archive.Database,
			Collection: cfg.Archive.Collection,
			AppName:    "dota-smash-signal",
			Timeout:    cfg.Archive.Timeout.D(),
		})
		if err != nil {
			return err
		}
		store = ms
		defer ms.Close(context.Background())
	}

	srv := signaling.NewServer(nil, slog.Default().With("component", "signaling"))
	srv.JoinTimeout = cfg.Signal.JoinTimeout.D()

	hs := &http.Server{
		Addr:              cfg.Signal.Listen,
		Handler:           newMux(srv, store),
		ReadHeaderTimeout: 5 * time.Second,
	}
	hs.RegisterOnShutdown(srv.Close)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("signal_listening", "addr", hs.Addr)
		if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("signal_shutdown")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(sctx)
	})
	return g.Wait()
}

// newMux serves the diagnostics routes next to the websocket endpoint,
// which takes every other path as a room name.
func newMux(srv *signaling.Server, store archive.Store) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/rooms", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, struct {
			ServerTime int64          `json:"serverTime"`
			Rooms      map[string]int `json:"rooms"`
		}{time.Now().UnixMilli(), srv.Hub().Rooms()})
	})
	mux.HandleFunc("/matches", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "no match archive configured", http.StatusNotFound)
			return
		}
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				http.Error(w, "bad limit", http.StatusBadRequest)
				return
			}
			limit = min(n, 200)
		}
		recs, err := store.Recent(r.Context(), limit)
		if err != nil {
			slog.Warn("matches_query_failed", "err", err)
			http.Error(w, "archive unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, recs)
	})
	mux.Handle("/", srv)
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to encode", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
