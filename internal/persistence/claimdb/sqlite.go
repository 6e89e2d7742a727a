// Package claimdb is the SQLite Repository behind the territory registry.
package claimdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"claimcraft.ai/internal/claims/ledger"
	"claimcraft.ai/internal/claims/model"
	"claimcraft.ai/internal/claims/registry"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB implements registry.Repository. Inside Atomic the same type runs
// against the open transaction.
type DB struct {
	db   *sql.DB
	q    querier
	inTx bool
}

func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and a transaction
	// must see its own writes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{db: db, q: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS regions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			world TEXT NOT NULL,
			name TEXT NOT NULL,
			home_json TEXT,
			locked INTEGER NOT NULL DEFAULT 0,
			item_seconds INTEGER NOT NULL DEFAULT 0,
			currency INTEGER NOT NULL DEFAULT 0,
			grace_seconds INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS claims (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			world TEXT NOT NULL,
			gx INTEGER NOT NULL,
			gz INTEGER NOT NULL,
			region_id INTEGER NOT NULL DEFAULT 0,
			name TEXT NOT NULL,
			home_json TEXT,
			locked INTEGER NOT NULL DEFAULT 0,
			toggles_json TEXT NOT NULL,
			visitor_perms INTEGER NOT NULL,
			member_perms INTEGER NOT NULL,
			item_seconds INTEGER NOT NULL DEFAULT 0,
			currency INTEGER NOT NULL DEFAULT 0,
			grace_seconds INTEGER NOT NULL DEFAULT 0,
			claimed_at INTEGER NOT NULL,
			UNIQUE (world, gx, gz)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_claims_owner ON claims(owner);`,
		`CREATE INDEX IF NOT EXISTS idx_claims_region ON claims(region_id);`,
		`CREATE TABLE IF NOT EXISTS members (
			scope_kind INTEGER NOT NULL,
			scope_id INTEGER NOT NULL,
			player TEXT NOT NULL,
			role INTEGER NOT NULL,
			joined_at INTEGER NOT NULL,
			PRIMARY KEY (scope_kind, scope_id, player)
		);`,
		`CREATE TABLE IF NOT EXISTS bans (
			scope_kind INTEGER NOT NULL,
			scope_id INTEGER NOT NULL,
			player TEXT NOT NULL,
			banned_at INTEGER NOT NULL,
			PRIMARY KEY (scope_kind, scope_id, player)
		);`,
		`CREATE TABLE IF NOT EXISTS resource_cells (
			region_id INTEGER PRIMARY KEY,
			claim_id INTEGER NOT NULL,
			world TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			price INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Atomic runs fn in a transaction. Nested calls join the outer one.
func (d *DB) Atomic(ctx context.Context, fn func(ctx context.Context, tx registry.Repository) error) error {
	if d.inTx {
		return fn(ctx, d)
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	inner := &DB{db: d.db, q: tx, inTx: true}
	if err := fn(ctx, inner); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeHome(h *model.Home) (sql.NullString, error) {
	if h == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeHome(s sql.NullString) (*model.Home, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var h model.Home
	if err := json.Unmarshal([]byte(s.String), &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func mustAffect(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	return nil
}

// Claims.

const claimCols = `id, owner, world, gx, gz, region_id, name, home_json, locked, toggles_json,
	visitor_perms, member_perms, item_seconds, currency, grace_seconds, claimed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanClaim(sc scanner) (model.Claim, error) {
	var (
		c                 model.Claim
		owner, toggles    string
		home              sql.NullString
		locked            int
		visitor, member   uint32
		currency, claimed int64
	)
	err := sc.Scan(&c.ID, &owner, &c.Cell.World, &c.Cell.X, &c.Cell.Z, &c.RegionID, &c.Name, &home, &locked, &toggles,
		&visitor, &member, &c.Resources.ItemSeconds, &currency, &c.Resources.GraceSeconds, &claimed)
	if err != nil {
		return c, err
	}
	if c.Owner, err = model.ParsePlayerID(owner); err != nil {
		return c, err
	}
	if c.Home, err = decodeHome(home); err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(toggles), &c.Toggles); err != nil {
		return c, err
	}
	c.Locked = locked != 0
	c.Visitor = model.Capability(visitor)
	c.Member = model.Capability(member)
	c.Resources.Currency = model.Money(currency)
	c.ClaimedAt = fromMS(claimed)
	return c, nil
}

func (d *DB) queryClaims(ctx context.Context, where string, args ...any) ([]model.Claim, error) {
	rows, err := d.q.QueryContext(ctx, `SELECT `+claimCols+` FROM claims `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *DB) queryClaim(ctx context.Context, where string, args ...any) (model.Claim, bool, error) {
	c, err := scanClaim(d.q.QueryRowContext(ctx, `SELECT `+claimCols+` FROM claims `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Claim{}, false, nil
	}
	if err != nil {
		return model.Claim{}, false, err
	}
	return c, true, nil
}

func (d *DB) CreateClaim(ctx context.Context, c model.Claim) (model.Claim, error) {
	home, err := encodeHome(c.Home)
	if err != nil {
		return c, err
	}
	toggles, err := json.Marshal(c.Toggles)
	if err != nil {
		return c, err
	}
	res, err := d.q.ExecContext(ctx, `INSERT INTO claims(owner, world, gx, gz, region_id, name, home_json, locked, toggles_json,
			visitor_perms, member_perms, item_seconds, currency, grace_seconds, claimed_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(world, gx, gz) DO NOTHING`,
		c.Owner.String(), c.Cell.World, c.Cell.X, c.Cell.Z, c.RegionID, c.Name, home, boolInt(c.Locked), string(toggles),
		uint32(c.Visitor), uint32(c.Member), c.Resources.ItemSeconds, int64(c.Resources.Currency), c.Resources.GraceSeconds, ms(c.ClaimedAt))
	if err != nil {
		return c, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return c, err
	} else if n == 0 {
		return c, fmt.Errorf("cell %s: %w", c.Cell, model.ErrAlreadyClaimed)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return c, err
	}
	return c.Clone(), nil
}

func (d *DB) UpdateClaim(ctx context.Context, c model.Claim) error {
	home, err := encodeHome(c.Home)
	if err != nil {
		return err
	}
	toggles, err := json.Marshal(c.Toggles)
	if err != nil {
		return err
	}
	res, err := d.q.ExecContext(ctx, `UPDATE claims SET owner=?, region_id=?, name=?, home_json=?, locked=?, toggles_json=?,
			visitor_perms=?, member_perms=?, item_seconds=?, currency=?, grace_seconds=?
		WHERE id=?`,
		c.Owner.String(), c.RegionID, c.Name, home, boolInt(c.Locked), string(toggles),
		uint32(c.Visitor), uint32(c.Member), c.Resources.ItemSeconds, int64(c.Resources.Currency), c.Resources.GraceSeconds, c.ID)
	if err != nil {
		return err
	}
	return mustAffect(res, fmt.Sprintf("claim %d", c.ID))
}

func (d *DB) dropScope(ctx context.Context, scope model.Scope) error {
	if _, err := d.q.ExecContext(ctx, `DELETE FROM members WHERE scope_kind=? AND scope_id=?`, int(scope.Kind), scope.ID); err != nil {
		return err
	}
	_, err := d.q.ExecContext(ctx, `DELETE FROM bans WHERE scope_kind=? AND scope_id=?`, int(scope.Kind), scope.ID)
	return err
}

func (d *DB) DeleteClaim(ctx context.Context, id int64) error {
	return d.Atomic(ctx, func(ctx context.Context, tx registry.Repository) error {
		t := tx.(*DB)
		res, err := t.q.ExecContext(ctx, `DELETE FROM claims WHERE id=?`, id)
		if err != nil {
			return err
		}
		if err := mustAffect(res, fmt.Sprintf("claim %d", id)); err != nil {
			return err
		}
		return t.dropScope(ctx, model.ClaimScope(id))
	})
}

func (d *DB) FindClaimAt(ctx context.Context, k model.CellKey) (model.Claim, bool, error) {
	return d.queryClaim(ctx, `WHERE world=? AND gx=? AND gz=?`, k.World, k.X, k.Z)
}

func (d *DB) FindClaimByID(ctx context.Context, id int64) (model.Claim, bool, error) {
	return d.queryClaim(ctx, `WHERE id=?`, id)
}

func (d *DB) ClaimsByOwner(ctx context.Context, owner model.PlayerID) ([]model.Claim, error) {
	return d.queryClaims(ctx, `WHERE owner=?`, owner.String())
}

func (d *DB) AllClaims(ctx context.Context) ([]model.Claim, error) {
	return d.queryClaims(ctx, ``)
}

// Regions.

const regionCols = `id, owner, world, name, home_json, locked, item_seconds, currency, grace_seconds, created_at`

func scanRegion(sc scanner) (model.Region, error) {
	var (
		r                 model.Region
		owner             string
		home              sql.NullString
		locked            int
		currency, created int64
	)
	err := sc.Scan(&r.ID, &owner, &r.World, &r.Name, &home, &locked, &r.Resources.ItemSeconds, &currency, &r.Resources.GraceSeconds, &created)
	if err != nil {
		return r, err
	}
	if r.Owner, err = model.ParsePlayerID(owner); err != nil {
		return r, err
	}
	if r.DefaultHome, err = decodeHome(home); err != nil {
		return r, err
	}
	r.Locked = locked != 0
	r.Resources.Currency = model.Money(currency)
	r.CreatedAt = fromMS(created)
	return r, nil
}

func (d *DB) CreateRegion(ctx context.Context, r model.Region) (model.Region, error) {
	home, err := encodeHome(r.DefaultHome)
	if err != nil {
		return r, err
	}
	res, err := d.q.ExecContext(ctx, `INSERT INTO regions(owner, world, name, home_json, locked, item_seconds, currency, grace_seconds, created_at)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		r.Owner.String(), r.World, r.Name, home, boolInt(r.Locked), r.Resources.ItemSeconds, int64(r.Resources.Currency), r.Resources.GraceSeconds, ms(r.CreatedAt))
	if err != nil {
		return r, err
	}
	if r.ID, err = res.LastInsertId(); err != nil {
		return r, err
	}
	r.Claims = nil
	return r.Clone(), nil
}

func (d *DB) UpdateRegion(ctx context.Context, r model.Region) error {
	home, err := encodeHome(r.DefaultHome)
	if err != nil {
		return err
	}
	res, err := d.q.ExecContext(ctx, `UPDATE regions SET owner=?, world=?, name=?, home_json=?, locked=?, item_seconds=?, currency=?, grace_seconds=?
		WHERE id=?`,
		r.Owner.String(), r.World, r.Name, home, boolInt(r.Locked), r.Resources.ItemSeconds, int64(r.Resources.Currency), r.Resources.GraceSeconds, r.ID)
	if err != nil {
		return err
	}
	return mustAffect(res, fmt.Sprintf("region %d", r.ID))
}

func (d *DB) UpdateRegionOwner(ctx context.Context, id int64, owner model.PlayerID) error {
	res, err := d.q.ExecContext(ctx, `UPDATE regions SET owner=? WHERE id=?`, owner.String(), id)
	if err != nil {
		return err
	}
	return mustAffect(res, fmt.Sprintf("region %d", id))
}

func (d *DB) FindRegionByID(ctx context.Context, id int64) (model.Region, bool, error) {
	r, err := scanRegion(d.q.QueryRowContext(ctx, `SELECT `+regionCols+` FROM regions WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Region{}, false, nil
	}
	if err != nil {
		return model.Region{}, false, err
	}
	return r, true, nil
}

func (d *DB) DeleteRegion(ctx context.Context, id int64) error {
	return d.Atomic(ctx, func(ctx context.Context, tx registry.Repository) error {
		t := tx.(*DB)
		res, err := t.q.ExecContext(ctx, `DELETE FROM regions WHERE id=?`, id)
		if err != nil {
			return err
		}
		if err := mustAffect(res, fmt.Sprintf("region %d", id)); err != nil {
			return err
		}
		if _, err := t.q.ExecContext(ctx, `DELETE FROM resource_cells WHERE region_id=?`, id); err != nil {
			return err
		}
		return t.dropScope(ctx, model.RegionScope(id))
	})
}

func (d *DB) AllRegions(ctx context.Context) ([]model.Region, error) {
	return d.queryRegions(ctx, ``)
}

func (d *DB) queryRegions(ctx context.Context, where string, args ...any) ([]model.Region, error) {
	rows, err := d.q.QueryContext(ctx, `SELECT `+regionCols+` FROM regions `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Region
	for rows.Next() {
		r, err := scanRegion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Members and bans.

func (d *DB) AddMember(ctx context.Context, m model.Member) error {
	_, err := d.q.ExecContext(ctx, `INSERT INTO members(scope_kind, scope_id, player, role, joined_at) VALUES(?,?,?,?,?)
		ON CONFLICT(scope_kind, scope_id, player) DO UPDATE SET role=excluded.role`,
		int(m.Scope.Kind), m.Scope.ID, m.Player.String(), int(m.Role), ms(m.JoinedAt))
	return err
}

func (d *DB) RemoveMember(ctx context.Context, scope model.Scope, player model.PlayerID) error {
	_, err := d.q.ExecContext(ctx, `DELETE FROM members WHERE scope_kind=? AND scope_id=? AND player=?`,
		int(scope.Kind), scope.ID, player.String())
	return err
}

func (d *DB) AllMembers(ctx context.Context) ([]model.Member, error) {
	rows, err := d.q.QueryContext(ctx, `SELECT scope_kind, scope_id, player, role, joined_at FROM members ORDER BY scope_kind, scope_id, player`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Member
	for rows.Next() {
		var (
			m          model.Member
			kind, role int
			player     string
			joined     int64
		)
		if err := rows.Scan(&kind, &m.Scope.ID, &player, &role, &joined); err != nil {
			return nil, err
		}
		if m.Player, err = model.ParsePlayerID(player); err != nil {
			return nil, err
		}
		m.Scope.Kind = model.ScopeKind(kind)
		m.Role = model.RoleFromID(role)
		m.JoinedAt = fromMS(joined)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (d *DB) Ban(ctx context.Context, b model.BanEntry) error {
	_, err := d.q.ExecContext(ctx, `INSERT INTO bans(scope_kind, scope_id, player, banned_at) VALUES(?,?,?,?)
		ON CONFLICT(scope_kind, scope_id, player) DO NOTHING`,
		int(b.Scope.Kind), b.Scope.ID, b.Player.String(), ms(b.BannedAt))
	return err
}

func (d *DB) Unban(ctx context.Context, scope model.Scope, player model.PlayerID) error {
	_, err := d.q.ExecContext(ctx, `DELETE FROM bans WHERE scope_kind=? AND scope_id=? AND player=?`,
		int(scope.Kind), scope.ID, player.String())
	return err
}

func (d *DB) IsBanned(ctx context.Context, scope model.Scope, player model.PlayerID) (bool, error) {
	var n int
	err := d.q.QueryRowContext(ctx, `SELECT COUNT(1) FROM bans WHERE scope_kind=? AND scope_id=? AND player=?`,
		int(scope.Kind), scope.ID, player.String()).Scan(&n)
	return n > 0, err
}

func (d *DB) AllBannedPlayers(ctx context.Context) ([]model.BanEntry, error) {
	rows, err := d.q.QueryContext(ctx, `SELECT scope_kind, scope_id, player, banned_at FROM bans ORDER BY scope_kind, scope_id, player`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BanEntry
	for rows.Next() {
		var (
			b      model.BanEntry
			kind   int
			player string
			at     int64
		)
		if err := rows.Scan(&kind, &b.Scope.ID, &player, &at); err != nil {
			return nil, err
		}
		if b.Player, err = model.ParsePlayerID(player); err != nil {
			return nil, err
		}
		b.Scope.Kind = model.ScopeKind(kind)
		b.BannedAt = fromMS(at)
		out = append(out, b)
	}
	return out, rows.Err()
}

// Resource cells.

const cellCols = `region_id, claim_id, world, x, y, z, price, created_at`

func scanCell(sc scanner) (model.ResourceCell, error) {
	var (
		rc             model.ResourceCell
		price, created int64
	)
	err := sc.Scan(&rc.RegionID, &rc.ClaimID, &rc.Location.World, &rc.Location.X, &rc.Location.Y, &rc.Location.Z, &price, &created)
	rc.PricePerSecond = model.Money(price)
	rc.CreatedAt = fromMS(created)
	return rc, err
}

func (d *DB) CreateResourceCell(ctx context.Context, rc model.ResourceCell) error {
	if _, found, err := d.FindRegionByID(ctx, rc.RegionID); err != nil {
		return err
	} else if !found {
		return fmt.Errorf("region %d: %w", rc.RegionID, model.ErrNotFound)
	}
	res, err := d.q.ExecContext(ctx, `INSERT INTO resource_cells(`+cellCols+`) VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT(region_id) DO NOTHING`,
		rc.RegionID, rc.ClaimID, rc.Location.World, rc.Location.X, rc.Location.Y, rc.Location.Z, int64(rc.PricePerSecond), ms(rc.CreatedAt))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("resource cell of region %d: %w", rc.RegionID, model.ErrAlreadyClaimed)
	}
	return nil
}

func (d *DB) ResourceCell(ctx context.Context, regionID int64) (model.ResourceCell, bool, error) {
	rc, err := scanCell(d.q.QueryRowContext(ctx, `SELECT `+cellCols+` FROM resource_cells WHERE region_id=?`, regionID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ResourceCell{}, false, nil
	}
	if err != nil {
		return model.ResourceCell{}, false, err
	}
	return rc, true, nil
}

func (d *DB) AllResourceCells(ctx context.Context) ([]model.ResourceCell, error) {
	rows, err := d.q.QueryContext(ctx, `SELECT `+cellCols+` FROM resource_cells ORDER BY region_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ResourceCell
	for rows.Next() {
		rc, err := scanCell(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (d *DB) AllResourceCellLocations(ctx context.Context) (map[int64]model.Location, error) {
	cells, err := d.AllResourceCells(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]model.Location, len(cells))
	for _, rc := range cells {
		out[rc.RegionID] = rc.Location
	}
	return out, nil
}

func (d *DB) DeleteResourceCell(ctx context.Context, regionID int64) error {
	_, err := d.q.ExecContext(ctx, `DELETE FROM resource_cells WHERE region_id=?`, regionID)
	return err
}

// DrainRegionsWithoutResourceCell charges every claim and region that has
// no resource cell, in one transaction.
func (d *DB) DrainRegionsWithoutResourceCell(ctx context.Context, elapsed int64, price model.Money) ([]model.Claim, error) {
	var out []model.Claim
	err := d.Atomic(ctx, func(ctx context.Context, tx registry.Repository) error {
		t := tx.(*DB)
		claims, err := t.queryClaims(ctx, `WHERE region_id=0 OR region_id NOT IN (SELECT region_id FROM resource_cells)`)
		if err != nil {
			return err
		}
		regions, err := t.queryRegions(ctx, `WHERE id NOT IN (SELECT region_id FROM resource_cells)`)
		if err != nil {
			return err
		}
		for _, c := range claims {
			c.Resources, _ = ledger.Drain(c.Resources, elapsed, price)
			if _, err := t.q.ExecContext(ctx, `UPDATE claims SET item_seconds=?, currency=?, grace_seconds=? WHERE id=?`,
				c.Resources.ItemSeconds, int64(c.Resources.Currency), c.Resources.GraceSeconds, c.ID); err != nil {
				return err
			}
			out = append(out, c)
		}
		for _, r := range regions {
			r.Resources, _ = ledger.Drain(r.Resources, elapsed, price)
			if _, err := t.q.ExecContext(ctx, `UPDATE regions SET item_seconds=?, currency=?, grace_seconds=? WHERE id=?`,
				r.Resources.ItemSeconds, int64(r.Resources.Currency), r.Resources.GraceSeconds, r.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var _ registry.Repository = (*DB)(nil)
