// Command kerneld is the durability kernel's entrypoint: it loads
// configuration, runs the Boot Orchestrator, wires the Recovery Engine,
// WAL Adapter and Work Queue around the boot services bag, registers
// their sweeps on the scheduler, and blocks until SIGINT/SIGTERM.
// Grounded on the teacher's cmd/appserver/main.go shape (flag parsing,
// log.Fatalf on fatal startup errors, signal-driven graceful shutdown
// with a bounded context) generalized from an HTTP server's lifecycle
// to the kernel's boot-then-run-sweeps lifecycle.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/0xHoneyJar/loa-beauvoir-sub001/internal/boot"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/internal/config"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/internal/executor"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/internal/recovery"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/internal/trackercli"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/internal/wal"
	"github.com/0xHoneyJar/loa-beauvoir-sub001/internal/workqueue"
)

func main() {
	dataDir := flag.String("data-dir", "", "kernel data directory (overrides KERNEL_DATA_DIR)")
	sessionTimeout := flag.Duration("session-timeout", 30*time.Minute, "agent session wall-clock timeout")
	tickInterval := flag.Duration("tick-interval", 5*time.Second, "work queue claim/execute/release interval")
	staleSweepInterval := flag.Duration("stale-sweep-interval", time.Minute, "stale-session recovery sweep interval")
	recoverySweepInterval := flag.Duration("recovery-sweep-interval", 30*time.Second, "recovery engine check interval")
	reconcileCron := flag.String("reconcile-cron", "*/5 * * * *", "cron spec for the idempotency reconciliation sweep")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	rootCtx := context.Background()

	svc, report, shutdown, err := boot.New(cfg).Boot(rootCtx)
	if err != nil {
		log.Fatalf("boot: %v", err)
	}
	for _, w := range report.Warnings {
		svc.Logger.Warn(w)
	}
	svc.Logger.WithFields(map[string]interface{}{"mode": string(report.Mode)}).Info("kernel booted")

	exec := executor.New(svc.RateLimiter, svc.Idempotency, svc.AuditTrail, svc.Breaker, svc)
	_ = exec // held for MCP tool handlers to route steps through; no handlers are wired by this entrypoint itself.

	tracker := trackercli.New(trackercli.Config{Binary: cfg.TrackerBinary, Timeout: 30 * time.Second})

	walAdapter := wal.New(wal.Config{
		Dir:        filepath.Join(cfg.DataDir, "wal"),
		StorePath:  filepath.Join(cfg.DataDir, "tracker-store.json"),
		Dispatcher: wal.NewTrackerDispatcher(tracker),
		Logger:     svc.Logger,
		Now:        cfg.Now,
	})
	if err := walAdapter.Open(rootCtx); err != nil {
		log.Fatalf("wal: open: %v", err)
	}
	if needsRecovery, err := walAdapter.NeedsRecovery(); err != nil {
		svc.Logger.WithFields(map[string]interface{}{"error": err.Error()}).Warn("wal: recovery check failed")
	} else if needsRecovery {
		results, err := walAdapter.Replay(rootCtx)
		if err != nil {
			log.Fatalf("wal: replay: %v", err)
		}
		svc.Logger.WithFields(map[string]interface{}{"records": len(results)}).Info("wal: replayed pending transitions")
	}

	queue := workqueue.New(workqueue.Config{
		Tracker:        tracker,
		Spawner:        workqueue.NewExecSpawner(agentCommand(cfg)...),
		SessionTimeout: *sessionTimeout,
		Now:            cfg.Now,
	})

	recoveryEngine := recovery.New(recovery.Config{
		DataDir:          cfg.DataDir,
		PrivateKey:       recoverySigningKey(cfg),
		TrustedPublicKey: nil,
		Mount:            recoverySource("mount", cfg.RecoveryMountDir),
		VCS:              recoverySource("vcs", cfg.RecoveryVCSDir),
		Template:         recovery.NewTemplateSource(map[string][]byte{}),
		Audit:            svc.AuditTrail,
		Logger:           svc.Logger,
		Now:              cfg.Now,
	})

	svc.Scheduler.RegisterInterval("work-queue-tick", *tickInterval, func(ctx context.Context) error {
		state := workqueue.StateRunning
		if svc.Degraded() {
			state = workqueue.StateStopped
		}
		return queue.Tick(ctx, state)
	})
	svc.Scheduler.RegisterInterval("work-queue-stale-sweep", *staleSweepInterval, queue.RecoverStaleSessions)
	svc.Scheduler.RegisterInterval("recovery-engine-check", *recoverySweepInterval, func(ctx context.Context) error {
		out := recoveryEngine.Run(ctx)
		if out.Err != nil {
			svc.Logger.WithFields(map[string]interface{}{"state": string(out.State), "error": out.Err.Error()}).Warn("recovery engine degraded")
		}
		return nil
	})
	if err := svc.Scheduler.RegisterCron("idempotency-reconcile-sweep", *reconcileCron, func(ctx context.Context) error {
		remaining, err := svc.Idempotency.ReconcilePending(ctx)
		if err != nil {
			return err
		}
		if len(remaining) > 0 {
			svc.Logger.WithFields(map[string]interface{}{"count": len(remaining)}).Warn("idempotency entries still pending after reconciliation sweep")
		}
		return nil
	}); err != nil {
		log.Fatalf("register reconciliation sweep: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := walAdapter.Close(); err != nil {
		svc.Logger.WithFields(map[string]interface{}{"error": err.Error()}).Warn("wal: close failed")
	}
	if err := shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

// agentCommand resolves the argv prefix NewExecSpawner runs as an agent
// session, falling back to a no-op placeholder so an unconfigured
// deployment fails loudly at claim time rather than at startup.
func agentCommand(cfg *config.Config) []string {
	if len(cfg.AgentCommand) > 0 {
		return cfg.AgentCommand
	}
	return []string{"/bin/false"}
}

// recoverySigningKey decodes the configured Ed25519 seed, or generates a
// fresh one. A generated key cannot verify a manifest signed by a prior
// process, which only matters across restarts — operators who need that
// continuity set KERNEL_RECOVERY_SIGNING_KEY.
func recoverySigningKey(cfg *config.Config) ed25519.PrivateKey {
	if cfg.RecoverySigningKeyHex != "" {
		seed, err := hex.DecodeString(cfg.RecoverySigningKeyHex)
		if err == nil && len(seed) == ed25519.SeedSize {
			return ed25519.NewKeyFromSeed(seed)
		}
		log.Printf("recovery: ignoring malformed KERNEL_RECOVERY_SIGNING_KEY")
	}
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		log.Fatalf("recovery: generate signing key: %v", err)
	}
	return priv
}

// recoverySource builds a mount/vcs Source when dir is configured, or a
// stub that always fails Load so the cascade falls through to the next
// configured source instead of "succeeding" with zero files.
func recoverySource(kind, dir string) recovery.Source {
	if dir == "" {
		return unconfiguredSource(kind)
	}
	if kind == "vcs" {
		return recovery.NewVCSSource(dir, nil)
	}
	return recovery.NewMountSource(dir, nil)
}

// unconfiguredSource is a Source stub for a restore slot the operator
// left unset; its Load always errors so the cascade moves on to the
// next source rather than restoring zero files.
type unconfiguredSource string

func (s unconfiguredSource) Name() string { return string(s) }

func (s unconfiguredSource) Load(ctx context.Context) (map[string][]byte, *recovery.Manifest, error) {
	return nil, nil, errUnconfiguredSource
}

var errUnconfiguredSource = errors.New("recovery: source not configured")
