package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/VasiliCekaskin/dota-smash/internal/archive"
)

func main() {
	dir := flag.String("dir", "out", "directory with matches.jsonl and rollbacks.csv from cmd/sim")
	mongoURI := flag.String("mongo", "", "read match records from MongoDB instead of -dir")
	db := flag.String("db", "dota_smash", "MongoDB database")
	coll := flag.String("collection", "matches", "MongoDB collection")
	limit := flag.Int("limit", 20, "records to read from MongoDB")
	flag.Parse()

	var (
		recs []archive.MatchRecord
		err  error
	)
	if *mongoURI != "" {
		recs, err = fromMongo(*mongoURI, *db, *coll, *limit)
	} else {
		recs, err = readLines[archive.MatchRecord](filepath.Join(*dir, "matches.jsonl"))
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	printHeader("MATCH REPORT")
	if *mongoURI != "" {
		fmt.Printf("Source: %s/%s.%s\n\n", redact(*mongoURI), *db, *coll)
	} else {
		fmt.Printf("Directory: %s\n\n", *dir)
	}
	printMatches(os.Stdout, recs)

	if *mongoURI == "" {
		rows, _ := readCSV(filepath.Join(*dir, "rollbacks.csv"))
		printRollbacks(os.Stdout, rows)
	}
}

func fromMongo(uri, db, coll string, limit int) ([]archive.MatchRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := archive.DialMongo(ctx, archive.MongoConfig{URI: uri, Database: db, Collection: coll, AppName: "dota-smash-logreport"})
	if err != nil {
		return nil, err
	}
	defer s.Close(context.Background())
	return s.Recent(ctx, limit)
}

func readLines[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 64*1024), 1<<20)
	var out []T
	for s.Scan() {
		var v T
		if err := json.Unmarshal(s.Bytes(), &v); err == nil {
			out = append(out, v)
		}
	}
	return out, s.Err()
}

// readCSV returns the data rows of a headed CSV file.
func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[1:], nil
}

func printHeader(title string) {
	fmt.Println(strings.Repeat("=", len(title)))
	fmt.Println(title)
	fmt.Println(strings.Repeat("=", len(title)))
}

func printMatches(w io.Writer, recs []archive.MatchRecord) {
	fmt.Fprintln(w, "Matches")
	if len(recs) == 0 {
		fmt.Fprintln(w, "  (no matches)")
		fmt.Fprintln(w)
		return
	}

	// every peer archives its own record; group them so a match reads together
	byRoom := map[string][]archive.MatchRecord{}
	for _, r := range recs {
		byRoom[r.Room] = append(byRoom[r.Room], r)
	}
	for _, room := range sortedKeys(byRoom) {
		fmt.Fprintf(w, "  Room %s\n", room)
		for _, r := range byRoom[room] {
			dur := r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond)
			fmt.Fprintf(w, "    %-8.8s frames=%6d confirmed=%6d rollbacks=%5d resim=%6d stalls=%4d dur=%s\n",
				r.LocalPeer, r.Frames, r.Confirmed, r.Rollbacks, r.Resimulated, r.Stalls, dur)
			for _, s := range r.Slots {
				if s.Disconnected {
					fmt.Fprintf(w, "      slot %d (%s %.8s) disconnected\n", s.Index, s.Kind, s.Peer)
				}
			}
			for _, st := range r.Stats {
				fmt.Fprintf(w, "      slot %d ping=%.0fms kbps=%.1f behind=%d/%d\n",
					st.Slot, st.PingMillis, st.KbpsSent, st.LocalFramesBehind, st.RemoteFramesBehind)
			}
			if r.Error != "" {
				fmt.Fprintf(w, "      error: %s\n", r.Error)
			}
		}
	}
	fmt.Fprintln(w)
}

func printRollbacks(w io.Writer, rows [][]string) {
	fmt.Fprintln(w, "Rollback Summary")
	if len(rows) == 0 {
		fmt.Fprintln(w, "  (no rollbacks)")
		fmt.Fprintln(w)
		return
	}
	type agg struct{ Count, Frames, Max int }
	byPeer := map[string]agg{}
	for _, r := range rows {
		if len(r) < 5 {
			continue
		}
		n, _ := strconv.Atoi(r[4])
		a := byPeer[r[0]]
		a.Count++
		a.Frames += n
		a.Max = max(a.Max, n)
		byPeer[r[0]] = a
	}
	for _, k := range sortedKeys(byPeer) {
		a := byPeer[k]
		fmt.Fprintf(w, "  %-6s count=%5d resimulated=%6d avg=%.2f max=%d\n",
			k, a.Count, a.Frames, float64(a.Frames)/float64(a.Count), a.Max)
	}
	fmt.Fprintln(w)
}

// redact hides credentials in a connection string.
func redact(uri string) string {
	at := strings.LastIndex(uri, "@")
	scheme := strings.Index(uri, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return uri
	}
	return uri[:scheme+3] + "***" + uri[at:]
}

func sortedKeys[V any](m map[string]V) []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}
