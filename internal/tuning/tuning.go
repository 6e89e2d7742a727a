// Package tuning loads the claims engine settings from YAML and applies
// CLAIMCRAFT_* environment overrides.
package tuning

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"claimcraft.ai/internal/claims/ledger"
	"claimcraft.ai/internal/claims/model"
)

const EnvPrefix = "CLAIMCRAFT_"

type Tuning struct {
	GridSize            int     `yaml:"grid_size" env:"GRID_SIZE"`
	UpkeepPeriodSec     int     `yaml:"upkeep_period_sec" env:"UPKEEP_PERIOD_SEC"`
	PricePerHour        float64 `yaml:"price_per_hour" env:"PRICE_PER_HOUR"`
	MinBufferSec        int64   `yaml:"min_buffer_sec" env:"MIN_BUFFER_SEC"`
	InitialGraceSec     int64   `yaml:"initial_grace_sec" env:"INITIAL_GRACE_SEC"`
	LowUpkeepWarningSec int64   `yaml:"low_upkeep_warning_sec" env:"LOW_UPKEEP_WARNING_SEC"`
	RepositoryTimeoutMs int     `yaml:"repository_timeout_ms" env:"REPOSITORY_TIMEOUT_MS"`
	StartingBalance     float64 `yaml:"starting_balance" env:"STARTING_BALANCE"`
	NotifyQueue         int     `yaml:"notify_queue" env:"NOTIFY_QUEUE"`
	WorldLoopQueue      int     `yaml:"world_loop_queue" env:"WORLD_LOOP_QUEUE"`
	InviteTTLSec        int     `yaml:"invite_ttl_sec" env:"INVITE_TTL_SEC"`

	// LogRetentionHours bounds how long hourly audit and upkeep logs are
	// kept. Zero keeps them forever.
	LogRetentionHours int `yaml:"log_retention_hours" env:"LOG_RETENTION_HOURS"`

	// Items maps an item id to the upkeep seconds one unit buys.
	Items map[string]int64 `yaml:"items" env:"ITEMS"`

	Defaults Defaults `yaml:"defaults" envPrefix:"DEFAULT_"`

	pricePerSecond model.Money
}

// Defaults are the settings a newly founded region starts with.
type Defaults struct {
	PvP                 bool `yaml:"pvp" env:"PVP"`
	MobSpawning         bool `yaml:"mob_spawning" env:"MOB_SPAWNING"`
	FireSpread          bool `yaml:"fire_spread" env:"FIRE_SPREAD"`
	Explosions          bool `yaml:"explosions" env:"EXPLOSIONS"`
	LeafDecay           bool `yaml:"leaf_decay" env:"LEAF_DECAY"`
	EntityDrop          bool `yaml:"entity_drop" env:"ENTITY_DROP"`
	FluidFlow           bool `yaml:"fluid_flow" env:"FLUID_FLOW"`
	ExternalFluidInflow bool `yaml:"external_fluid_inflow" env:"EXTERNAL_FLUID_INFLOW"`
	MobGriefing         bool `yaml:"mob_griefing" env:"MOB_GRIEFING"`
	TNT                 bool `yaml:"tnt" env:"TNT"`
	HopperInteraction   bool `yaml:"hopper_interaction" env:"HOPPER_INTERACTION"`

	VisitorPermissions []string `yaml:"visitor_permissions" env:"VISITOR_PERMISSIONS"`
	MemberPermissions  []string `yaml:"member_permissions" env:"MEMBER_PERMISSIONS"`
}

func defaults() Tuning {
	tg := model.DefaultToggles()
	return Tuning{
		GridSize:            16,
		UpkeepPeriodSec:     60,
		PricePerHour:        100,
		MinBufferSec:        60,
		InitialGraceSec:     600,
		LowUpkeepWarningSec: 3600,
		RepositoryTimeoutMs: 5000,
		StartingBalance:     0,
		NotifyQueue:         32,
		WorldLoopQueue:      256,
		InviteTTLSec:        300,
		LogRetentionHours:   720,
		Items: map[string]int64{
			"COAL":            60,
			"CHARCOAL":        60,
			"IRON_INGOT":      300,
			"GOLD_INGOT":      600,
			"EMERALD":         1800,
			"DIAMOND":         3600,
			"NETHERITE_INGOT": 14400,
		},
		Defaults: Defaults{
			PvP:                 tg.PvP,
			MobSpawning:         tg.MobSpawning,
			FireSpread:          tg.FireSpread,
			Explosions:          tg.Explosions,
			LeafDecay:           tg.LeafDecay,
			EntityDrop:          tg.EntityDrop,
			FluidFlow:           tg.FluidFlow,
			ExternalFluidInflow: tg.ExternalFluidInflow,
			MobGriefing:         tg.MobGriefing,
			TNT:                 tg.TNT,
			HopperInteraction:   tg.HopperInteraction,
			VisitorPermissions:  []string{"doors"},
			MemberPermissions:   []string{"break", "place", "interact", "trade", "doors", "attack", "redstone"},
		},
	}
}

// Load reads path (empty means built-in defaults), applies environment
// overrides, then normalizes and validates the result.
func Load(path string) (Tuning, error) {
	return load(path, os.Environ())
}

func load(path string, environ []string) (Tuning, error) {
	t := defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return t, err
		}
		// yaml.v3 merges into a non-nil map; a file listing items replaces the table.
		items := t.Items
		t.Items = nil
		if err := yaml.Unmarshal(b, &t); err != nil {
			return t, fmt.Errorf("claims.yaml: %w", err)
		}
		if t.Items == nil {
			t.Items = items
		}
	}
	if err := env.ParseWithOptions(&t, env.Options{Prefix: EnvPrefix, Environment: envMap(environ)}); err != nil {
		return t, fmt.Errorf("parse env: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("claims.yaml: %w", err)
	}
	return t, nil
}

func envMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			out[k] = v
		}
	}
	return out
}

// Normalize fills zero values with defaults and fixes the per-second
// price, rounding it once.
func (t *Tuning) Normalize() {
	d := defaults()
	if t.GridSize <= 0 {
		t.GridSize = d.GridSize
	}
	if t.UpkeepPeriodSec <= 0 {
		t.UpkeepPeriodSec = d.UpkeepPeriodSec
	}
	if t.MinBufferSec < 0 {
		t.MinBufferSec = 0
	}
	if t.InitialGraceSec < 0 {
		t.InitialGraceSec = 0
	}
	if t.LowUpkeepWarningSec < 0 {
		t.LowUpkeepWarningSec = 0
	}
	if t.RepositoryTimeoutMs <= 0 {
		t.RepositoryTimeoutMs = d.RepositoryTimeoutMs
	}
	if t.NotifyQueue <= 0 {
		t.NotifyQueue = d.NotifyQueue
	}
	if t.WorldLoopQueue <= 0 {
		t.WorldLoopQueue = d.WorldLoopQueue
	}
	if t.InviteTTLSec <= 0 {
		t.InviteTTLSec = d.InviteTTLSec
	}
	if t.LogRetentionHours < 0 {
		t.LogRetentionHours = 0
	}
	items := make(map[string]int64, len(t.Items))
	for k, v := range t.Items {
		k = strings.ToUpper(strings.TrimSpace(k))
		if k != "" && v > 0 {
			items[k] = v
		}
	}
	t.Items = items
	t.pricePerSecond = model.PricePerSecondFromHourly(t.PricePerHour)
}

func (t Tuning) Validate() error {
	if t.PricePerHour <= 0 {
		return fmt.Errorf("price_per_hour must be > 0")
	}
	if t.StartingBalance < 0 {
		return fmt.Errorf("starting_balance must be >= 0")
	}
	if len(t.Items) == 0 {
		return fmt.Errorf("items: at least one item value is required")
	}
	for _, list := range [][]string{t.Defaults.VisitorPermissions, t.Defaults.MemberPermissions} {
		if _, err := parseCaps(list); err != nil {
			return err
		}
	}
	return nil
}

func parseCaps(names []string) (model.Capability, error) {
	var c model.Capability
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		bit, ok := model.ParseCapability(n)
		if !ok {
			return 0, fmt.Errorf("unknown permission %q", n)
		}
		c |= bit
	}
	return c, nil
}

// PricePerSecond is the currency charged per upkeep second, fixed by
// Normalize.
func (t Tuning) PricePerSecond() model.Money {
	if t.pricePerSecond == 0 {
		return model.PricePerSecondFromHourly(t.PricePerHour)
	}
	return t.pricePerSecond
}

func (t Tuning) UpkeepPeriod() time.Duration {
	return time.Duration(t.UpkeepPeriodSec) * time.Second
}

func (t Tuning) InviteTTL() time.Duration {
	return time.Duration(t.InviteTTLSec) * time.Second
}

func (t Tuning) RepositoryTimeout() time.Duration {
	return time.Duration(t.RepositoryTimeoutMs) * time.Millisecond
}

func (t Tuning) LogRetention() time.Duration {
	return time.Duration(t.LogRetentionHours) * time.Hour
}

func (t Tuning) ItemTable() ledger.ItemTable {
	out := make(ledger.ItemTable, len(t.Items))
	for k, v := range t.Items {
		out[k] = v
	}
	return out
}

// ItemNames lists the accepted upkeep items, sorted.
func (t Tuning) ItemNames() []string {
	out := make([]string, 0, len(t.Items))
	for k := range t.Items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (t Tuning) DefaultToggles() model.Toggles {
	d := t.Defaults
	return model.Toggles{
		PvP:                 d.PvP,
		MobSpawning:         d.MobSpawning,
		FireSpread:          d.FireSpread,
		Explosions:          d.Explosions,
		LeafDecay:           d.LeafDecay,
		EntityDrop:          d.EntityDrop,
		FluidFlow:           d.FluidFlow,
		ExternalFluidInflow: d.ExternalFluidInflow,
		MobGriefing:         d.MobGriefing,
		TNT:                 d.TNT,
		HopperInteraction:   d.HopperInteraction,
	}
}

// VisitorMask and MemberMask assume Validate has passed.
func (t Tuning) VisitorMask() model.Capability {
	c, _ := parseCaps(t.Defaults.VisitorPermissions)
	return c
}

func (t Tuning) MemberMask() model.Capability {
	c, _ := parseCaps(t.Defaults.MemberPermissions)
	return c
}
