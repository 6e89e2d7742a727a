package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"claimcraft.ai/internal/claims/model"
	"claimcraft.ai/internal/persistence/claimdb"
)

type claimRow struct {
	ID        int64          `json:"id"`
	Owner     string         `json:"owner"`
	Cell      string         `json:"cell"`
	RegionID  int64          `json:"region_id,omitempty"`
	Name      string         `json:"name"`
	Locked    bool           `json:"locked,omitempty"`
	Resources model.Snapshot `json:"resources"`
	ClaimedAt time.Time      `json:"claimed_at"`
}

type regionRow struct {
	ID        int64          `json:"id"`
	Owner     string         `json:"owner"`
	World     string         `json:"world"`
	Name      string         `json:"name"`
	Resources model.Snapshot `json:"resources"`
	CreatedAt time.Time      `json:"created_at"`
}

type scopeRow struct {
	Scope  string `json:"scope"`
	Player string `json:"player"`
	Role   string `json:"role,omitempty"`
}

// dbCmd dumps one table of the claim database as JSON lines.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <data>/claims.sqlite)")
	owner := fs.String("owner", "", "owner uuid filter (claims, regions)")
	_ = fs.Parse(args)

	q := "regions"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "claims.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "db:", err)
		os.Exit(1)
	}
	var ownerID model.PlayerID
	if s := strings.TrimSpace(*owner); s != "" {
		id, err := model.ParsePlayerID(s)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -owner:", err)
			os.Exit(2)
		}
		ownerID = id
	}
	keep := func(p model.PlayerID) bool { return *owner == "" || p == ownerID }

	db, err := claimdb.Open(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch q {
	case "claims":
		claims, err := db.AllClaims(ctx)
		exitOn("claims", err)
		for _, c := range claims {
			if keep(c.Owner) {
				printJSON(claimRow{ID: c.ID, Owner: c.Owner.String(), Cell: c.Cell.String(), RegionID: c.RegionID, Name: c.Name, Locked: c.Locked, Resources: c.Resources, ClaimedAt: c.ClaimedAt})
			}
		}
	case "regions":
		regions, err := db.AllRegions(ctx)
		exitOn("regions", err)
		for _, r := range regions {
			if keep(r.Owner) {
				printJSON(regionRow{ID: r.ID, Owner: r.Owner.String(), World: r.World, Name: r.Name, Resources: r.Resources, CreatedAt: r.CreatedAt})
			}
		}
	case "cells":
		cells, err := db.AllResourceCells(ctx)
		exitOn("cells", err)
		for _, rc := range cells {
			printJSON(map[string]any{"region_id": rc.RegionID, "claim_id": rc.ClaimID, "location": rc.Location.String(), "price_per_second": rc.PricePerSecond.String()})
		}
	case "members":
		members, err := db.AllMembers(ctx)
		exitOn("members", err)
		for _, m := range members {
			printJSON(scopeRow{Scope: m.Scope.String(), Player: m.Player.String(), Role: m.Role.String()})
		}
	case "bans":
		bans, err := db.AllBannedPlayers(ctx)
		exitOn("bans", err)
		for _, b := range bans {
			printJSON(scopeRow{Scope: b.Scope.String(), Player: b.Player.String()})
		}
	default:
		fmt.Fprintln(os.Stderr, "unknown table (claims|regions|cells|members|bans):", q)
		os.Exit(2)
	}
}

func exitOn(what string, err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, what+":", err)
		os.Exit(1)
	}
}
