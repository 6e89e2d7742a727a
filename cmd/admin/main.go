// Command admin inspects a claims server: its audit and upkeep logs, its
// claim database and its local admin endpoints.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"claimcraft.ai/internal/claims/model"
	"claimcraft.ai/internal/claims/upkeep"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "audit":
			auditCmd(os.Args[2:])
			return
		case "upkeep-log":
			upkeepLogCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "stats":
			getCmd("stats", "/admin/v1/stats", os.Args[2:])
			return
		case "reload":
			postCmd("reload", "/admin/v1/reload", os.Args[2:])
			return
		case "invalidate":
			postCmd("invalidate", "/admin/v1/invalidate", os.Args[2:])
			return
		case "upkeep":
			postCmd("upkeep", "/admin/v1/upkeep/run", os.Args[2:])
			return
		}
	}
	fmt.Fprintln(os.Stderr, "usage: admin audit|upkeep-log|db|stats|reload|invalidate|upkeep [flags]")
	os.Exit(2)
}

type logFilter struct {
	since    time.Time
	player   string
	regionID int64
	action   string
}

func (f logFilter) match(ms int64, player string, regionID int64, action string) bool {
	if !f.since.IsZero() && ms < f.since.UnixMilli() {
		return false
	}
	if f.player != "" && !strings.EqualFold(f.player, player) {
		return false
	}
	if f.regionID != 0 && f.regionID != regionID {
		return false
	}
	return f.action == "" || strings.EqualFold(f.action, action)
}

func filterFlags(fs *flag.FlagSet) (dataDir *string, build func() (logFilter, error)) {
	dataDir = fs.String("data", "./data", "runtime data directory")
	since := fs.Duration("since", 0, "only entries newer than this (e.g. 24h)")
	player := fs.String("player", "", "player uuid filter")
	region := fs.Int64("region", 0, "region id filter")
	action := fs.String("action", "", "action or outcome filter (e.g. DISSOLVE, PAID)")
	return dataDir, func() (logFilter, error) {
		f := logFilter{regionID: *region, action: strings.TrimSpace(*action)}
		if *since > 0 {
			f.since = time.Now().Add(-*since)
		}
		if p := strings.TrimSpace(*player); p != "" {
			id, err := model.ParsePlayerID(p)
			if err != nil {
				return f, err
			}
			f.player = id.String()
		}
		return f, nil
	}
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dataDir, build := filterFlags(fs)
	_ = fs.Parse(args)
	f, err := build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -player:", err)
		os.Exit(2)
	}

	n := 0
	err = readJSONL(filepath.Join(*dataDir, "audit"), "audit-", func(line []byte) error {
		var e model.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		if f.match(e.TimeMS, e.Actor, e.RegionID, e.Action) {
			printJSON(e)
			n++
		}
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "read audit:", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "%d entries\n", n)
}

func upkeepLogCmd(args []string) {
	fs := flag.NewFlagSet("upkeep-log", flag.ExitOnError)
	dataDir, build := filterFlags(fs)
	_ = fs.Parse(args)
	f, err := build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -player:", err)
		os.Exit(2)
	}

	var entries, charged int64
	outcomes := map[string]int{}
	err = readJSONL(filepath.Join(*dataDir, "upkeep"), "upkeep-", func(line []byte) error {
		var e upkeep.LogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		if !f.match(e.TimeMS, e.Owner, e.RegionID, e.Outcome) {
			return nil
		}
		printJSON(e)
		entries++
		charged += e.Elapsed
		outcomes[e.Outcome]++
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "read upkeep log:", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "%d entries, %s charged, outcomes=%v\n", entries, time.Duration(charged)*time.Second, outcomes)
}

// readJSONL feeds every line of the hourly <prefix>*.jsonl.zst files in dir
// to fn, oldest file first.
func readJSONL(dir, prefix string, fn func(line []byte) error) error {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := readJSONLFile(filepath.Join(dir, name), fn); err != nil {
			return err
		}
	}
	return nil
}

func readJSONLFile(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		if err := fn(sc.Bytes()); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	// The current hour is still being written; its frame ends early.
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	return nil
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}
