// Package resourcecell binds regions to the containers that feed their
// upkeep and moves currency between owners and region reservoirs.
package resourcecell

import (
	"context"
	"fmt"
	"log"
	"time"

	"claimcraft.ai/internal/claims/economy"
	"claimcraft.ai/internal/claims/ledger"
	"claimcraft.ai/internal/claims/model"
	"claimcraft.ai/internal/claims/registry"
	"claimcraft.ai/internal/world"
)

// Executor runs fn on the goroutine that owns world state.
type Executor interface {
	Do(ctx context.Context, fn func()) error
}

type Config struct {
	GridSize       int
	PricePerSecond model.Money
	Items          ledger.ItemTable

	Now    func() time.Time
	Logger *log.Logger
	Audit  model.AuditLogger
}

type Service struct {
	store      *registry.Store
	economy    economy.Backend
	loop       Executor
	containers *world.Containers
	cfg        Config
	log        *log.Logger
}

func New(store *registry.Store, econ economy.Backend, loop Executor, containers *world.Containers, cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Service{store: store, economy: econ, loop: loop, containers: containers, cfg: cfg, log: cfg.Logger}
}

// Create binds the container at loc to the region of the claim it stands
// in. The caller must own that claim, the claim must belong to a region and
// the region must not have a resource cell yet.
func (s *Service) Create(ctx context.Context, owner model.PlayerID, loc model.Location) (model.ResourceCell, error) {
	var present bool
	if err := s.loop.Do(ctx, func() { _, present = s.containers.Inventory(loc) }); err != nil {
		return model.ResourceCell{}, err
	}
	if !present {
		return model.ResourceCell{}, fmt.Errorf("container at %s: %w", loc, model.ErrNotFound)
	}

	var rc model.ResourceCell
	_, err := s.store.Apply(ctx, func(ctx context.Context, tx registry.Repository) (registry.Change, error) {
		cl, found, err := tx.FindClaimAt(ctx, loc.Cell(s.cfg.GridSize))
		if err != nil {
			return registry.Change{}, model.RepoErr("find claim", err)
		}
		if !found {
			return registry.Change{}, fmt.Errorf("resource cell at %s: %w", loc, model.ErrNotFound)
		}
		if cl.Owner != owner {
			return registry.Change{}, fmt.Errorf("resource cell at %s: %w", loc, model.ErrNotOwner)
		}
		if cl.RegionID == 0 {
			return registry.Change{}, fmt.Errorf("claim %d has no region: %w", cl.ID, model.ErrInvalidTarget)
		}
		_, exists, err := tx.ResourceCell(ctx, cl.RegionID)
		if err != nil {
			return registry.Change{}, model.RepoErr("resource cell", err)
		}
		if exists {
			return registry.Change{}, fmt.Errorf("region %d: %w", cl.RegionID, model.ErrResourceCellExists)
		}
		rc = model.ResourceCell{
			RegionID:       cl.RegionID,
			ClaimID:        cl.ID,
			Location:       loc,
			PricePerSecond: s.cfg.PricePerSecond,
			CreatedAt:      s.cfg.Now(),
		}
		if err := tx.CreateResourceCell(ctx, rc); err != nil {
			return registry.Change{}, model.RepoErr("create resource cell", err)
		}
		return registry.Change{PutCells: []model.ResourceCell{rc}}, nil
	})
	if err != nil {
		return model.ResourceCell{}, err
	}
	s.audit(owner, "CELL_CREATE", rc.RegionID, loc)
	return rc, nil
}

// Remove unbinds the resource cell of regionID. The container stays where
// it is.
func (s *Service) Remove(ctx context.Context, owner model.PlayerID, regionID int64) error {
	var rc model.ResourceCell
	_, err := s.store.Apply(ctx, func(ctx context.Context, tx registry.Repository) (registry.Change, error) {
		if _, err := ownedRegion(ctx, tx, owner, regionID); err != nil {
			return registry.Change{}, err
		}
		var found bool
		var err error
		rc, found, err = tx.ResourceCell(ctx, regionID)
		if err != nil {
			return registry.Change{}, model.RepoErr("resource cell", err)
		}
		if !found {
			return registry.Change{}, fmt.Errorf("resource cell of region %d: %w", regionID, model.ErrNotFound)
		}
		if err := tx.DeleteResourceCell(ctx, regionID); err != nil {
			return registry.Change{}, model.RepoErr("delete resource cell", err)
		}
		return registry.Change{DeleteCells: []int64{regionID}}, nil
	})
	if err != nil {
		return err
	}
	s.audit(owner, "CELL_REMOVE", regionID, rc.Location)
	return nil
}

func ownedRegion(ctx context.Context, tx registry.Repository, owner model.PlayerID, regionID int64) (model.Region, error) {
	r, found, err := tx.FindRegionByID(ctx, regionID)
	if err != nil {
		return r, model.RepoErr("find region", err)
	}
	if !found {
		return r, fmt.Errorf("region %d: %w", regionID, model.ErrNotFound)
	}
	if r.Owner != owner {
		return r, fmt.Errorf("region %d: %w", regionID, model.ErrNotOwner)
	}
	return r, nil
}

// adjustCurrency adds delta to the region reservoir and mirrors it onto the
// region's claims. A negative delta larger than the balance fails.
func (s *Service) adjustCurrency(ctx context.Context, owner model.PlayerID, regionID int64, delta model.Money) error {
	_, err := s.store.Apply(ctx, func(ctx context.Context, tx registry.Repository) (registry.Change, error) {
		r, err := ownedRegion(ctx, tx, owner, regionID)
		if err != nil {
			return registry.Change{}, err
		}
		if r.Resources.Currency+delta < 0 {
			return registry.Change{}, fmt.Errorf("region %d holds %s: %w", regionID, r.Resources.Currency, model.ErrInsufficientFunds)
		}
		claims, err := registry.ClaimsInRegion(ctx, tx, r)
		if err != nil {
			return registry.Change{}, err
		}
		r.Resources.Currency += delta
		return registry.WriteRegionSnapshot(ctx, tx, r, claims)
	})
	return err
}

// DepositCurrency moves amount from the owner's wallet into the region.
// The wallet is refunded if the region cannot be updated.
func (s *Service) DepositCurrency(ctx context.Context, owner model.PlayerID, regionID int64, amount model.Money) error {
	if amount <= 0 {
		return fmt.Errorf("deposit %s: %w", amount, model.ErrInvalidTarget)
	}
	if !s.economy.Withdraw(owner, amount) {
		return fmt.Errorf("deposit %s: %w", amount, model.ErrInsufficientFunds)
	}
	if err := s.adjustCurrency(ctx, owner, regionID, amount); err != nil {
		if !s.economy.Deposit(owner, amount) {
			s.log.Printf("deposit rollback failed: player=%s amount=%s", owner, amount)
		}
		return err
	}
	s.audit(owner, "DEPOSIT", regionID, model.Location{})
	return nil
}

// WithdrawCurrency moves amount from the region into the owner's wallet.
// The region is refilled if the wallet refuses the deposit.
func (s *Service) WithdrawCurrency(ctx context.Context, owner model.PlayerID, regionID int64, amount model.Money) error {
	if amount <= 0 {
		return fmt.Errorf("withdraw %s: %w", amount, model.ErrInvalidTarget)
	}
	if err := s.adjustCurrency(ctx, owner, regionID, -amount); err != nil {
		return err
	}
	if !s.economy.Deposit(owner, amount) {
		if err := s.adjustCurrency(ctx, owner, regionID, amount); err != nil {
			s.log.Printf("withdraw rollback failed: region=%d amount=%s: %v", regionID, amount, err)
		}
		return fmt.Errorf("withdraw %s: wallet refused deposit", amount)
	}
	s.audit(owner, "WITHDRAW", regionID, model.Location{})
	return nil
}

type Status struct {
	RegionID         int64          `json:"region_id"`
	Resources        model.Snapshot `json:"resources"`
	PricePerSecond   model.Money    `json:"price_per_second"`
	RemainingSeconds int64          `json:"remaining_seconds"`
	HasCell          bool           `json:"has_cell"`
	ContainerSeconds int64          `json:"container_seconds"`
}

// Status reports how long a region can pay upkeep, counting what its
// container could still convert.
func (s *Service) Status(ctx context.Context, regionID int64) (Status, error) {
	r, ok := s.store.Region(regionID)
	if !ok {
		return Status{}, fmt.Errorf("region %d: %w", regionID, model.ErrNotFound)
	}
	st := Status{RegionID: regionID, Resources: r.Resources, PricePerSecond: s.cfg.PricePerSecond}
	if rc, ok := s.store.ResourceCell(regionID); ok {
		st.HasCell = true
		st.PricePerSecond = rc.PricePerSecond
		err := s.loop.Do(ctx, func() {
			if inv, ok := s.containers.Inventory(rc.Location); ok {
				st.ContainerSeconds = ledger.Value(inv, s.cfg.Items)
			}
		})
		if err != nil {
			return Status{}, err
		}
	}
	st.RemainingSeconds = r.Resources.RemainingSeconds(st.PricePerSecond) + st.ContainerSeconds
	return st, nil
}

func (s *Service) audit(actor model.PlayerID, action string, regionID int64, loc model.Location) {
	if s.cfg.Audit == nil {
		return
	}
	err := s.cfg.Audit.WriteAudit(model.AuditEntry{
		TimeMS:   s.cfg.Now().UnixMilli(),
		Actor:    actor.String(),
		Action:   action,
		World:    loc.World,
		X:        loc.X,
		Z:        loc.Z,
		RegionID: regionID,
	})
	if err != nil {
		s.log.Printf("audit %s: %v", action, err)
	}
}
