package tuning

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"claimcraft.ai/internal/claims/model"
)

func write(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "claims.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	tn, err := load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tn.GridSize != 16 || tn.InitialGraceSec != 600 || tn.PricePerHour != 100 {
		t.Fatalf("defaults: %+v", tn)
	}
	if tn.LogRetention() != 30*24*time.Hour {
		t.Fatalf("log retention: %v", tn.LogRetention())
	}
	if tn.InviteTTL() != 5*time.Minute {
		t.Fatalf("invite ttl: %v", tn.InviteTTL())
	}
	// 100 credits/hour rounds once to 27778 micro-credits/second.
	if got := tn.PricePerSecond(); got != 27778 {
		t.Fatalf("price per second: %d", got)
	}
	if tn.DefaultToggles() != model.DefaultToggles() {
		t.Fatalf("toggles: %+v", tn.DefaultToggles())
	}
	if tn.VisitorMask() != model.CapUseDoors || tn.MemberMask() != model.AllCapabilities {
		t.Fatalf("masks: %s %s", tn.VisitorMask(), tn.MemberMask())
	}
}

func TestLoadYAMLAndNormalize(t *testing.T) {
	p := write(t, `
grid_size: 0
upkeep_period_sec: 30
price_per_hour: 36
items:
  coal: 90
  " iron_ingot ": 0
defaults:
  pvp: true
  visitor_permissions: [build, doors]
`)
	tn, err := load(p, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tn.GridSize != 16 {
		t.Fatalf("grid size not defaulted: %d", tn.GridSize)
	}
	if tn.UpkeepPeriod().Seconds() != 30 || tn.PricePerSecond() != model.FromCredits(0.01) {
		t.Fatalf("period %v price %d", tn.UpkeepPeriod(), tn.PricePerSecond())
	}
	if names := tn.ItemNames(); len(names) != 1 || names[0] != "COAL" || tn.ItemTable()["COAL"] != 90 {
		t.Fatalf("items %v", tn.Items)
	}
	if !tn.DefaultToggles().PvP || tn.VisitorMask() != model.CapPlace|model.CapUseDoors {
		t.Fatalf("defaults %+v", tn.Defaults)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	p := write(t, "price_per_hour: 50\n")
	tn, err := load(p, []string{
		"CLAIMCRAFT_PRICE_PER_HOUR=72",
		"CLAIMCRAFT_ITEMS=DIAMOND:7200",
		"CLAIMCRAFT_DEFAULT_TNT=true",
		"UNRELATED=1",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tn.PricePerHour != 72 || tn.PricePerSecond() != model.FromCredits(0.02) {
		t.Fatalf("price %v", tn.PricePerHour)
	}
	if len(tn.Items) != 1 || tn.Items["DIAMOND"] != 7200 {
		t.Fatalf("items %v", tn.Items)
	}
	if !tn.Defaults.TNT {
		t.Fatalf("tnt not overridden")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"price":      "price_per_hour: 0\n",
		"balance":    "starting_balance: -1\n",
		"permission": "defaults:\n  member_permissions: [fly]\n",
		"items":      "items: {COAL: 0}\n",
		"yaml":       "grid_size: [\n",
	}
	for name, body := range cases {
		if _, err := load(write(t, body), nil); err == nil || !strings.Contains(err.Error(), "claims.yaml") {
			t.Fatalf("%s: expected claims.yaml error, got %v", name, err)
		}
	}
}
