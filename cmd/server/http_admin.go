package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"claimcraft.ai/internal/claims/model"
	"claimcraft.ai/internal/claims/registry"
	"claimcraft.ai/internal/claims/upkeep"
)

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Local-only admin endpoints.
func (rt *runtime) adminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /admin/v1/reload", loopbackOnly(rt.handleReload))
	mux.HandleFunc("POST /admin/v1/invalidate", loopbackOnly(rt.handleInvalidate))
	mux.HandleFunc("GET /admin/v1/stats", loopbackOnly(rt.handleStats))
	mux.HandleFunc("POST /admin/v1/upkeep/run", loopbackOnly(rt.handleUpkeepRun))
	mux.HandleFunc("POST /admin/v1/containers", loopbackOnly(rt.handlePlaceContainer))
	mux.HandleFunc("POST /admin/v1/grant", loopbackOnly(rt.handleGrant))
}

func (rt *runtime) handleReload(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	start := time.Now()
	if err := rt.store.Reload(ctx); err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "took_ms": time.Since(start).Milliseconds(), "stats": rt.store.Stats()})
}

func (rt *runtime) handleInvalidate(rw http.ResponseWriter, r *http.Request) {
	rt.store.Invalidate()
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

type statsResp struct {
	Cache      registry.Stats `json:"cache"`
	Invariants []string       `json:"invariants,omitempty"`
	Sessions   int            `json:"ws_sessions"`
	Dropped    uint64         `json:"ws_dropped"`
	Containers int            `json:"containers"`
	LastUpkeep *upkeepResp    `json:"last_upkeep,omitempty"`
}

type upkeepResp struct {
	AtMS   int64         `json:"at_ms"`
	Report upkeep.Report `json:"report"`
}

func (rt *runtime) handleStats(rw http.ResponseWriter, r *http.Request) {
	resp := statsResp{
		Cache:      rt.store.Stats(),
		Invariants: rt.store.CheckInvariants(),
		Sessions:   rt.hub.Sessions(),
		Dropped:    rt.hub.Dropped(),
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	_ = rt.loop.Do(ctx, func() { resp.Containers = rt.containers.Len() })
	if rep, at := rt.lastUpkeep(); !at.IsZero() {
		resp.LastUpkeep = &upkeepResp{AtMS: at.UnixMilli(), Report: rep}
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (rt *runtime) handleUpkeepRun(rw http.ResponseWriter, r *http.Request) {
	rep := rt.runUpkeep(r.Context())
	writeJSON(rw, http.StatusOK, upkeepResp{AtMS: rt.now().UnixMilli(), Report: rep})
}

type containerReq struct {
	position
	Items map[string]int `json:"items,omitempty"`
}

// handlePlaceContainer stands in for the game placing a container block and
// players filling it.
func (rt *runtime) handlePlaceContainer(rw http.ResponseWriter, r *http.Request) {
	var req containerReq
	if err := decode(rw, r, &req); err != nil {
		badRequest(rw, err.Error())
		return
	}
	if strings.TrimSpace(req.World) == "" {
		badRequest(rw, "missing world")
		return
	}
	loc := req.location()
	var inv map[string]int
	err := rt.loop.Do(r.Context(), func() {
		rt.containers.Place(loc)
		for item, n := range req.Items {
			rt.containers.Put(loc, strings.ToUpper(item), n)
		}
		live, _ := rt.containers.Inventory(loc)
		inv = make(map[string]int, len(live))
		for k, v := range live {
			inv[k] = v
		}
	})
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"location": loc.String(), "inventory": inv})
}

type grantReq struct {
	Player  string  `json:"player"`
	Credits float64 `json:"credits"`
}

func (rt *runtime) handleGrant(rw http.ResponseWriter, r *http.Request) {
	var req grantReq
	if err := decode(rw, r, &req); err != nil {
		badRequest(rw, err.Error())
		return
	}
	player, err := model.ParsePlayerID(req.Player)
	if err != nil || req.Credits <= 0 {
		badRequest(rw, "player and positive credits are required")
		return
	}
	rt.bank.Deposit(player, model.FromCredits(req.Credits))
	writeJSON(rw, http.StatusOK, map[string]any{"balance": rt.bank.Balance(player).String()})
}

func (rt *runtime) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	st := rt.store.Stats()
	loaded := 0
	if st.Loaded {
		loaded = 1
	}

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP claimcraft_cache_loaded Whether the claim cache is loaded.\n")
	fmt.Fprintf(rw, "# TYPE claimcraft_cache_loaded gauge\n")
	fmt.Fprintf(rw, "claimcraft_cache_loaded %d\n", loaded)

	fmt.Fprintf(rw, "# HELP claimcraft_cache_generation Reload generation of the claim cache.\n")
	fmt.Fprintf(rw, "# TYPE claimcraft_cache_generation counter\n")
	fmt.Fprintf(rw, "claimcraft_cache_generation %d\n", st.Generation)

	fmt.Fprintf(rw, "# HELP claimcraft_cache_entries Cached entries by kind.\n")
	fmt.Fprintf(rw, "# TYPE claimcraft_cache_entries gauge\n")
	fmt.Fprintf(rw, "claimcraft_cache_entries{kind=%q} %d\n", "claims", st.Claims)
	fmt.Fprintf(rw, "claimcraft_cache_entries{kind=%q} %d\n", "regions", st.Regions)
	fmt.Fprintf(rw, "claimcraft_cache_entries{kind=%q} %d\n", "members", st.Members)
	fmt.Fprintf(rw, "claimcraft_cache_entries{kind=%q} %d\n", "bans", st.Bans)
	fmt.Fprintf(rw, "claimcraft_cache_entries{kind=%q} %d\n", "resource_cells", st.Cells)

	fmt.Fprintf(rw, "# HELP claimcraft_ws_sessions Connected notification sessions.\n")
	fmt.Fprintf(rw, "# TYPE claimcraft_ws_sessions gauge\n")
	fmt.Fprintf(rw, "claimcraft_ws_sessions %d\n", rt.hub.Sessions())

	fmt.Fprintf(rw, "# HELP claimcraft_ws_dropped_total Notifications dropped on full queues.\n")
	fmt.Fprintf(rw, "# TYPE claimcraft_ws_dropped_total counter\n")
	fmt.Fprintf(rw, "claimcraft_ws_dropped_total %d\n", rt.hub.Dropped())

	if rep, at := rt.lastUpkeep(); !at.IsZero() {
		fmt.Fprintf(rw, "# HELP claimcraft_upkeep_last_cycle Outcome counts of the last upkeep cycle.\n")
		fmt.Fprintf(rw, "# TYPE claimcraft_upkeep_last_cycle gauge\n")
		fmt.Fprintf(rw, "claimcraft_upkeep_last_cycle{outcome=%q} %d\n", "charged", len(rep.Charged))
		fmt.Fprintf(rw, "claimcraft_upkeep_last_cycle{outcome=%q} %d\n", "dissolved", len(rep.Dissolved))
		fmt.Fprintf(rw, "claimcraft_upkeep_last_cycle{outcome=%q} %d\n", "dissolved_claims", len(rep.DissolvedClaims))
		fmt.Fprintf(rw, "claimcraft_upkeep_last_cycle{outcome=%q} %d\n", "failed", len(rep.Failed)+len(rep.FailedClaims))
		fmt.Fprintf(rw, "claimcraft_upkeep_last_cycle{outcome=%q} %d\n", "cells_removed", len(rep.CellsRemoved))
		fmt.Fprintf(rw, "# HELP claimcraft_upkeep_last_cycle_ms Unix time of the last upkeep cycle.\n")
		fmt.Fprintf(rw, "# TYPE claimcraft_upkeep_last_cycle_ms gauge\n")
		fmt.Fprintf(rw, "claimcraft_upkeep_last_cycle_ms %d\n", at.UnixMilli())
	}
}
