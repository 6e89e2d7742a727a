package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"claimcraft.ai/internal/claims/governance"
	"claimcraft.ai/internal/claims/merge"
	"claimcraft.ai/internal/claims/model"
	"claimcraft.ai/internal/claims/permissions"
	"claimcraft.ai/internal/claims/upkeep"
	"claimcraft.ai/internal/protocol"
)

// apiError is the JSON body of every failed request.
type apiError struct {
	Code      string  `json:"code"`
	Message   string  `json:"message"`
	RegionIDs []int64 `json:"region_ids,omitempty"`
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func badRequest(rw http.ResponseWriter, msg string) {
	writeJSON(rw, http.StatusBadRequest, apiError{Code: protocol.ErrBadRequest, Message: msg})
}

func statusFor(code string) int {
	switch code {
	case protocol.ErrNotFound:
		return http.StatusNotFound
	case protocol.ErrNoPermission:
		return http.StatusForbidden
	case protocol.ErrAlreadyClaimed, protocol.ErrRegionConflict, protocol.ErrConflict, protocol.ErrResourceCellAttached:
		return http.StatusConflict
	case protocol.ErrNotAdjacent, protocol.ErrInvalidTarget:
		return http.StatusUnprocessableEntity
	case protocol.ErrInsufficientFunds:
		return http.StatusPaymentRequired
	case protocol.ErrUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (rt *runtime) writeErr(rw http.ResponseWriter, err error) {
	code := protocol.CodeFor(err)
	body := apiError{Code: code, Message: protocol.UserMessage(err)}
	var rc *model.RegionConflictError
	if errors.As(err, &rc) {
		body.RegionIDs = rc.RegionIDs
	}
	if code == protocol.ErrUnavailable || code == protocol.ErrInternal {
		rt.log.Printf("request failed: %v", err)
	}
	writeJSON(rw, statusFor(code), body)
}

func decode(rw http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 64*1024))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// position is a block position in a request.
type position struct {
	World string `json:"world"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Z     int    `json:"z"`
}

func (p position) location() model.Location {
	return model.Location{World: p.World, X: p.X, Y: p.Y, Z: p.Z}
}

func (rt *runtime) cellOf(p position) model.CellKey {
	return p.location().Cell(rt.tune.GridSize)
}

func queryPosition(r *http.Request) (position, error) {
	q := r.URL.Query()
	p := position{World: strings.TrimSpace(q.Get("world"))}
	if p.World == "" {
		return p, fmt.Errorf("missing world")
	}
	var err error
	for _, f := range []struct {
		name string
		dst  *int
	}{{"x", &p.X}, {"y", &p.Y}, {"z", &p.Z}} {
		raw := q.Get(f.name)
		if raw == "" {
			continue
		}
		if *f.dst, err = strconv.Atoi(raw); err != nil {
			return p, fmt.Errorf("bad %s", f.name)
		}
	}
	return p, nil
}

func (rt *runtime) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/lookup", rt.handleLookup)
	mux.HandleFunc("GET /v1/authorize", rt.handleAuthorize)
	mux.HandleFunc("POST /v1/claim", rt.handleClaim)
	mux.HandleFunc("POST /v1/unclaim", rt.handleUnclaim)
	mux.HandleFunc("GET /v1/players/{player}/claims", rt.handlePlayerClaims)
	mux.HandleFunc("GET /v1/players/{player}/balance", rt.handleBalance)
	mux.HandleFunc("GET /v1/players/{player}/invite", rt.handlePendingInvite)
	mux.HandleFunc("POST /v1/players/{player}/invite/accept", rt.handleAcceptInvite)
	mux.HandleFunc("POST /v1/scopes/{scope}/{op}", rt.handleGovern)
	mux.HandleFunc("POST /v1/resource-cells", rt.handleCreateCell)
	mux.HandleFunc("DELETE /v1/regions/{id}/resource-cell", rt.handleRemoveCell)
	mux.HandleFunc("POST /v1/regions/{id}/currency", rt.handleCurrency)
	mux.HandleFunc("GET /v1/regions/{id}/status", rt.handleStatus)
	mux.HandleFunc("/v1/ws", rt.hub.Handler())
}

func (rt *runtime) handleLookup(rw http.ResponseWriter, r *http.Request) {
	p, err := queryPosition(r)
	if err != nil {
		badRequest(rw, err.Error())
		return
	}
	cl, found, err := rt.store.Lookup(r.Context(), rt.cellOf(p))
	if err != nil {
		rt.writeErr(rw, err)
		return
	}
	if !found {
		writeJSON(rw, http.StatusOK, map[string]any{"found": false, "cell": rt.cellOf(p).String()})
		return
	}
	resp := map[string]any{"found": true, "claim": viewClaim(cl, rt.tune.PricePerSecond())}
	if reg, ok := rt.store.Region(cl.RegionID); ok && cl.RegionID != 0 {
		resp["region"] = viewRegion(reg, rt.tune.PricePerSecond())
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (rt *runtime) handleAuthorize(rw http.ResponseWriter, r *http.Request) {
	p, err := queryPosition(r)
	if err != nil {
		badRequest(rw, err.Error())
		return
	}
	player, err := model.ParsePlayerID(r.URL.Query().Get("player"))
	if err != nil {
		badRequest(rw, err.Error())
		return
	}
	action := strings.TrimSpace(r.URL.Query().Get("action"))
	var d permissions.Decision
	if action == "enter" {
		d = rt.permissions.CanEnter(player, rt.cellOf(p))
	} else {
		capability, ok := model.ParseCapability(action)
		if !ok {
			badRequest(rw, fmt.Sprintf("unknown action %q", action))
			return
		}
		d = rt.permissions.Authorize(player, rt.cellOf(p), capability)
	}
	writeJSON(rw, http.StatusOK, d)
}

type claimReq struct {
	Player string `json:"player"`
	position
	Name     string `json:"name,omitempty"`
	RegionID int64  `json:"region_id,omitempty"`
}

func (rt *runtime) handleClaim(rw http.ResponseWriter, r *http.Request) {
	var req claimReq
	if err := decode(rw, r, &req); err != nil {
		badRequest(rw, err.Error())
		return
	}
	owner, err := model.ParsePlayerID(req.Player)
	if err != nil || strings.TrimSpace(req.World) == "" {
		badRequest(rw, "player and world are required")
		return
	}
	cr := merge.ClaimRequest{Owner: owner, Cell: rt.cellOf(req.position), Name: strings.TrimSpace(req.Name)}
	var res merge.ClaimResult
	if req.RegionID != 0 {
		res, err = rt.merge.ClaimInto(r.Context(), cr, req.RegionID)
	} else {
		res, err = rt.merge.Claim(r.Context(), cr)
	}
	if err != nil {
		rt.hub.Notify(owner, protocol.NotifyMsg{
			Kind:     protocol.NotifyClaimFailed,
			World:    cr.Cell.World,
			RegionID: req.RegionID,
			Code:     protocol.CodeFor(err),
			Message:  protocol.UserMessage(err),
		})
		rt.writeErr(rw, err)
		return
	}
	price := rt.tune.PricePerSecond()
	writeJSON(rw, http.StatusCreated, map[string]any{
		"claim":      viewClaim(res.Claim, price),
		"region":     viewRegion(res.Region, price),
		"new_region": res.NewRegion,
		"absorbed":   res.Absorbed,
	})
}

type unclaimReq struct {
	Player string `json:"player"`
	position
}

func (rt *runtime) handleUnclaim(rw http.ResponseWriter, r *http.Request) {
	var req unclaimReq
	if err := decode(rw, r, &req); err != nil {
		badRequest(rw, err.Error())
		return
	}
	owner, err := model.ParsePlayerID(req.Player)
	if err != nil {
		badRequest(rw, err.Error())
		return
	}
	res, err := rt.merge.Unclaim(r.Context(), owner, rt.cellOf(req.position))
	if err != nil {
		rt.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"claim_id":       res.Claim.ID,
		"region_deleted": res.RegionDeleted,
		"fragmented":     res.Fragmented,
		"refund":         res.Refund.String(),
	})
}

func (rt *runtime) handlePlayerClaims(rw http.ResponseWriter, r *http.Request) {
	player, err := model.ParsePlayerID(r.PathValue("player"))
	if err != nil {
		badRequest(rw, err.Error())
		return
	}
	claims, err := rt.store.ClaimsOf(r.Context(), player)
	if err != nil {
		rt.writeErr(rw, err)
		return
	}
	out := make([]claimView, 0, len(claims))
	for _, c := range claims {
		out = append(out, viewClaim(c, rt.tune.PricePerSecond()))
	}
	writeJSON(rw, http.StatusOK, map[string]any{"claims": out})
}

func (rt *runtime) handleBalance(rw http.ResponseWriter, r *http.Request) {
	player, err := model.ParsePlayerID(r.PathValue("player"))
	if err != nil {
		badRequest(rw, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"balance": rt.bank.Balance(player).String()})
}

func (rt *runtime) handlePendingInvite(rw http.ResponseWriter, r *http.Request) {
	player, err := model.ParsePlayerID(r.PathValue("player"))
	if err != nil {
		badRequest(rw, err.Error())
		return
	}
	inv, ok := rt.governance.PendingInvite(player)
	if !ok {
		writeJSON(rw, http.StatusNotFound, apiError{Code: protocol.ErrNotFound, Message: "No pending invitation."})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"scope":      inv.Scope.String(),
		"inviter":    inv.Inviter.String(),
		"expires_at": inv.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (rt *runtime) handleAcceptInvite(rw http.ResponseWriter, r *http.Request) {
	player, err := model.ParsePlayerID(r.PathValue("player"))
	if err != nil {
		badRequest(rw, err.Error())
		return
	}
	m, err := rt.governance.Accept(r.Context(), player)
	if err != nil {
		rt.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"scope": m.Scope.String(), "role": m.Role.String()})
}

// governReq carries the arguments of every scope operation; each op reads
// the fields it needs.
type governReq struct {
	Player  string    `json:"player"`
	Name    string    `json:"name,omitempty"`
	Locked  bool      `json:"locked,omitempty"`
	Home    *position `json:"home,omitempty"`
	Public  bool      `json:"public,omitempty"`
	Toggle  string    `json:"toggle,omitempty"`
	Value   bool      `json:"value,omitempty"`
	Visitor []string  `json:"visitor,omitempty"`
	Member  []string  `json:"member,omitempty"`
	Target  string    `json:"target,omitempty"`
	Role    string    `json:"role,omitempty"`
}

func (rt *runtime) handleGovern(rw http.ResponseWriter, r *http.Request) {
	scope, err := parseScope(r.PathValue("scope"))
	if err != nil {
		badRequest(rw, err.Error())
		return
	}
	var req governReq
	if err := decode(rw, r, &req); err != nil {
		badRequest(rw, err.Error())
		return
	}
	actor, err := model.ParsePlayerID(req.Player)
	if err != nil {
		badRequest(rw, err.Error())
		return
	}
	target := func() (model.PlayerID, bool) {
		p, err := model.ParsePlayerID(req.Target)
		if err != nil {
			badRequest(rw, "target: "+err.Error())
			return p, false
		}
		return p, true
	}

	ctx := r.Context()
	g := rt.governance
	resp := map[string]any{"ok": true}
	switch op := r.PathValue("op"); op {
	case "rename":
		err = g.Rename(ctx, actor, scope, req.Name)
	case "lock":
		err = g.SetLocked(ctx, actor, scope, req.Locked)
	case "home":
		var h *model.Home
		if req.Home != nil {
			h = &model.Home{World: req.Home.World, X: float64(req.Home.X) + 0.5, Y: float64(req.Home.Y), Z: float64(req.Home.Z) + 0.5, Public: req.Public}
		}
		err = g.SetHome(ctx, actor, scope, h)
	case "toggle":
		name := strings.ToLower(strings.TrimSpace(req.Toggle))
		if toggleField(&model.Toggles{}, name) == nil {
			badRequest(rw, fmt.Sprintf("unknown toggle %q", req.Toggle))
			return
		}
		err = g.UpdateToggles(ctx, actor, scope, func(t *model.Toggles) { *toggleField(t, name) = req.Value })
	case "permissions":
		visitor, verr := parseCapabilities(req.Visitor)
		member, merr := parseCapabilities(req.Member)
		if verr != nil || merr != nil {
			badRequest(rw, errors.Join(verr, merr).Error())
			return
		}
		err = g.SetPermissions(ctx, actor, scope, visitor, member)
	case "add-member":
		p, ok := target()
		if !ok {
			return
		}
		role, known := model.ParseRole(req.Role)
		if !known || role == model.RoleOwner {
			badRequest(rw, fmt.Sprintf("bad role %q", req.Role))
			return
		}
		err = g.AddMember(ctx, actor, scope, p, role)
	case "remove-member":
		p, ok := target()
		if !ok {
			return
		}
		err = g.RemoveMember(ctx, actor, scope, p)
	case "ban", "unban", "transfer":
		p, ok := target()
		if !ok {
			return
		}
		switch op {
		case "ban":
			err = g.Ban(ctx, actor, scope, p)
		case "unban":
			err = g.Unban(ctx, actor, scope, p)
		default:
			err = g.TransferRegion(ctx, actor, scope, p)
		}
	case "invite":
		p, ok := target()
		if !ok {
			return
		}
		var inv governance.Invite
		if inv, err = g.Invite(ctx, actor, scope, p); err == nil {
			resp["expires_at"] = inv.ExpiresAt.UTC().Format(time.RFC3339)
		}
	case "leave":
		err = g.Leave(ctx, actor, scope)
	case "dissolve":
		var out upkeep.Dissolution
		if out, err = rt.upkeep.Dissolve(ctx, actor, scope); err == nil {
			resp["region_id"] = out.RegionID
			resp["claim_ids"] = out.ClaimIDs
			resp["refund"] = out.Refund.String()
		}
	default:
		writeJSON(rw, http.StatusNotFound, apiError{Code: protocol.ErrNotFound, Message: "unknown operation " + op})
		return
	}
	if err != nil {
		rt.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, resp)
}

type cellReq struct {
	Player string `json:"player"`
	position
}

func (rt *runtime) handleCreateCell(rw http.ResponseWriter, r *http.Request) {
	var req cellReq
	if err := decode(rw, r, &req); err != nil {
		badRequest(rw, err.Error())
		return
	}
	owner, err := model.ParsePlayerID(req.Player)
	if err != nil {
		badRequest(rw, err.Error())
		return
	}
	rc, err := rt.cells.Create(r.Context(), owner, req.location())
	if err != nil {
		rt.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusCreated, map[string]any{
		"region_id":        rc.RegionID,
		"claim_id":         rc.ClaimID,
		"location":         rc.Location.String(),
		"price_per_second": rc.PricePerSecond.String(),
	})
}

func pathRegion(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("bad region id")
	}
	return id, nil
}

func (rt *runtime) handleRemoveCell(rw http.ResponseWriter, r *http.Request) {
	id, err := pathRegion(r)
	if err != nil {
		badRequest(rw, err.Error())
		return
	}
	owner, err := model.ParsePlayerID(r.URL.Query().Get("player"))
	if err != nil {
		badRequest(rw, err.Error())
		return
	}
	if err := rt.cells.Remove(r.Context(), owner, id); err != nil {
		rt.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

type currencyReq struct {
	Player   string  `json:"player"`
	Deposit  float64 `json:"deposit,omitempty"`
	Withdraw float64 `json:"withdraw,omitempty"`
}

func (rt *runtime) handleCurrency(rw http.ResponseWriter, r *http.Request) {
	id, err := pathRegion(r)
	if err != nil {
		badRequest(rw, err.Error())
		return
	}
	var req currencyReq
	if err := decode(rw, r, &req); err != nil {
		badRequest(rw, err.Error())
		return
	}
	owner, err := model.ParsePlayerID(req.Player)
	if err != nil {
		badRequest(rw, err.Error())
		return
	}
	switch {
	case req.Deposit > 0 && req.Withdraw == 0:
		err = rt.cells.DepositCurrency(r.Context(), owner, id, model.FromCredits(req.Deposit))
	case req.Withdraw > 0 && req.Deposit == 0:
		err = rt.cells.WithdrawCurrency(r.Context(), owner, id, model.FromCredits(req.Withdraw))
	default:
		badRequest(rw, "exactly one of deposit or withdraw must be positive")
		return
	}
	if err != nil {
		rt.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"balance": rt.bank.Balance(owner).String()})
}

func (rt *runtime) handleStatus(rw http.ResponseWriter, r *http.Request) {
	id, err := pathRegion(r)
	if err != nil {
		badRequest(rw, err.Error())
		return
	}
	st, err := rt.cells.Status(r.Context(), id)
	if err != nil {
		rt.writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, st)
}
