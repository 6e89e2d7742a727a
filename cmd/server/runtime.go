package main

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"claimcraft.ai/internal/claims/economy"
	"claimcraft.ai/internal/claims/governance"
	"claimcraft.ai/internal/claims/merge"
	"claimcraft.ai/internal/claims/model"
	"claimcraft.ai/internal/claims/permissions"
	"claimcraft.ai/internal/claims/registry"
	"claimcraft.ai/internal/claims/resourcecell"
	"claimcraft.ai/internal/claims/upkeep"
	"claimcraft.ai/internal/protocol"
	"claimcraft.ai/internal/transport/ws"
	"claimcraft.ai/internal/tuning"
	"claimcraft.ai/internal/world"
)

// runtime wires every claims component around one repository.
type runtime struct {
	tune tuning.Tuning
	log  *log.Logger
	now  func() time.Time

	store      *registry.Store
	loop       *world.Loop
	containers *world.Containers
	bank       *economy.Bank
	hub        *ws.Hub

	merge       *merge.Engine
	governance  *governance.Service
	cells       *resourcecell.Service
	permissions *permissions.Authorizer
	upkeep      *upkeep.Scheduler

	mu         sync.Mutex
	lastReport upkeep.Report
	lastRunAt  time.Time
}

type runtimeDeps struct {
	Audit     model.AuditLogger
	UpkeepLog upkeep.CycleLogger
	Token     string
	Now       func() time.Time
	Logger    *log.Logger
}

func componentLogger(base *log.Logger, name string) *log.Logger {
	if base == nil {
		return log.New(os.Stdout, "["+name+"] ", log.LstdFlags|log.Lmicroseconds)
	}
	return log.New(base.Writer(), "["+name+"] ", base.Flags())
}

func newRuntime(repo registry.Repository, tune tuning.Tuning, deps runtimeDeps) *runtime {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	rt := &runtime{
		tune:       tune,
		log:        componentLogger(deps.Logger, "server"),
		now:        deps.Now,
		loop:       world.NewLoop(tune.WorldLoopQueue),
		containers: world.NewContainers(),
		bank:       economy.NewBank(model.FromCredits(tune.StartingBalance)),
	}
	rt.store = registry.New(repo, registry.Config{
		Timeout: tune.RepositoryTimeout(),
		Logger:  componentLogger(deps.Logger, "registry"),
	})
	rt.hub = ws.NewHub(ws.Config{
		Params: protocol.ClaimParams{
			GridSize:        tune.GridSize,
			UpkeepPeriodSec: tune.UpkeepPeriodSec,
			PricePerHour:    tune.PricePerHour,
			MinBufferSec:    tune.MinBufferSec,
			InitialGraceSec: tune.InitialGraceSec,
		},
		QueueSize: tune.NotifyQueue,
		Token:     deps.Token,
		Logger:    componentLogger(deps.Logger, "ws"),
		Now:       deps.Now,
	})
	rt.merge = merge.New(rt.store, merge.Config{
		InitialGrace:   tune.InitialGraceSec,
		DefaultToggles: tune.DefaultToggles(),
		DefaultVisitor: tune.VisitorMask(),
		DefaultMember:  tune.MemberMask(),
		Economy:        rt.bank,
		Now:            deps.Now,
		Logger:         componentLogger(deps.Logger, "merge"),
		Audit:          deps.Audit,
	})
	rt.governance = governance.New(rt.store, governance.Config{
		InviteTTL: tune.InviteTTL(),
		Now:       deps.Now,
		Logger:    componentLogger(deps.Logger, "governance"),
		Audit:     deps.Audit,
	})
	rt.cells = resourcecell.New(rt.store, rt.bank, rt.loop, rt.containers, resourcecell.Config{
		GridSize:       tune.GridSize,
		PricePerSecond: tune.PricePerSecond(),
		Items:          tune.ItemTable(),
		Now:            deps.Now,
		Logger:         componentLogger(deps.Logger, "cells"),
		Audit:          deps.Audit,
	})
	rt.permissions = permissions.New(rt.store)
	rt.upkeep = upkeep.New(rt.store, rt.bank, rt.loop, rt.containers, rt.hub, upkeep.Config{
		Period:           tune.UpkeepPeriod(),
		PricePerSecond:   tune.PricePerSecond(),
		MinBuffer:        tune.MinBufferSec,
		Items:            tune.ItemTable(),
		LowUpkeepWarning: tune.LowUpkeepWarningSec,
		Now:              deps.Now,
		Logger:           componentLogger(deps.Logger, "upkeep"),
		Audit:            deps.Audit,
		UpkeepLog:        deps.UpkeepLog,
		OnCycle:          rt.recordUpkeep,
	})
	return rt
}

// start runs the world loop and the upkeep ticker until ctx ends. The
// first cache load happens in the background so the server can answer
// before the repository does.
func (rt *runtime) start(ctx context.Context) {
	go func() {
		if err := rt.loop.Run(ctx); err != nil && err != context.Canceled {
			rt.log.Printf("world loop stopped: %v", err)
		}
	}()
	go func() {
		if err := <-rt.store.ReloadAsync(ctx); err != nil {
			rt.log.Printf("cold start reload: %v", err)
		}
	}()
	go func() {
		if err := rt.upkeep.Run(ctx); err != nil && err != context.Canceled {
			rt.log.Printf("upkeep stopped: %v", err)
		}
	}()
}

// runUpkeep performs one cycle outside the ticker.
func (rt *runtime) runUpkeep(ctx context.Context) upkeep.Report {
	now := rt.now()
	rep := rt.upkeep.RunOnce(ctx, now)
	rt.recordUpkeep(now, rep)
	return rep
}

func (rt *runtime) recordUpkeep(now time.Time, rep upkeep.Report) {
	rt.mu.Lock()
	rt.lastReport = rep
	rt.lastRunAt = now
	rt.mu.Unlock()
}

func (rt *runtime) lastUpkeep() (upkeep.Report, time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.lastReport, rt.lastRunAt
}
