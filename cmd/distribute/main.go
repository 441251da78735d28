// Package main runs one campaign distribution in the foreground.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/token-distributor/internal/app"
	"github.com/token-distributor/internal/config"
	"github.com/token-distributor/internal/distribution"
	"github.com/token-distributor/internal/logging"
	"github.com/token-distributor/internal/storage"
	"github.com/token-distributor/internal/types"
)

func main() {
	var (
		campaignID  = flag.String("campaign", "", "Campaign ID to distribute")
		resumeStale = flag.Bool("resume-stale", false, "Take over a campaign left IN_PROGRESS by a dead run")
	)
	flag.Parse()

	if *campaignID == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := app.InitLogging(cfg)

	if err := run(cfg, *campaignID, *resumeStale); err != nil {
		logger.WithError(err).WithField("campaignId", *campaignID).Error("Distribution failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, campaignID string, resumeStale bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	logger := logging.GetGlobalLogger().WithFields(map[string]interface{}{
		"campaignId": campaignID,
		"runId":      runID,
	})
	ctx = logging.WithLogger(ctx, logger)

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	deps, err := app.New(initCtx, cfg)
	cancel()
	if err != nil {
		return err
	}
	defer deps.Close()

	lease, err := deps.RunLock.Acquire(ctx, campaignID)
	if errors.Is(err, storage.ErrLockHeld) {
		return fmt.Errorf("campaign %s is being distributed by another process", campaignID)
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.WithError(err).Warn("Failed to release run lock")
		}
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	lease.KeepAlive(runCtx, func(err error) {
		logger.WithError(err).Error("Run lock lost, stopping")
		cancelRun()
	})

	opts := []distribution.PrepareOption{distribution.WithRunID(runID)}
	if resumeStale {
		opts = append(opts, distribution.WithResumeStale())
	}

	plan, err := deps.Runner.Prepare(runCtx, campaignID, opts...)
	if err != nil {
		return err
	}

	logger.WithFields(map[string]interface{}{
		"distributor": plan.Distributor,
		"network":     plan.Network,
		"recipients":  plan.Campaign.Outstanding(),
		"required":    plan.Required.String(),
	}).Info("Distribution starting")

	execErr := deps.Runner.Execute(runCtx, plan)

	snap := plan.Progress.Snapshot()
	out, _ := json.MarshalIndent(snap, "", "  ")
	fmt.Println(string(out))

	if execErr != nil {
		return execErr
	}
	if snap.Status != types.CampaignCompleted {
		return fmt.Errorf("campaign finished %s with %d unpaid recipients, re-run to retry", snap.Status, snap.Failed)
	}
	return nil
}
