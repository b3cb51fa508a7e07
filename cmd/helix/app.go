package main

import (
	"context"
	"errors"
	"fmt"

	"helix/internal/approval"
	"helix/internal/audit"
	"helix/internal/classify"
	"helix/internal/compiler"
	"helix/internal/config"
	"helix/internal/evolution"
	"helix/internal/loader"
	"helix/internal/logging"
	"helix/internal/metrics"
	"helix/internal/override"
	"helix/internal/review"
	"helix/internal/rollback"
	"helix/internal/store"
	"helix/internal/types"

	"github.com/prometheus/client_golang/prometheus"
)

// app is the wired kernel. Every command builds one from cfg.
type app struct {
	cfg        *config.Config
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	store      *store.VersionStore
	loader     *loader.Registry
	compiler   *compiler.Compiler
	classifier *classify.Classifier
	auditor    *audit.Async
	issuer     *override.Issuer
	gate       *approval.Gate
	rollback   *rollback.Manager
	pipeline   *evolution.Pipeline
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	timer := logging.StartTimer(logging.CategoryBoot, "wiring kernel")
	defer timer.Stop()

	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	a.metrics = metrics.NewMetrics(a.registry)

	if a.store, err = store.Open(cfg.Rollback.DatabasePath); err != nil {
		return nil, err
	}
	a.loader = loader.NewRegistry(loader.Options{
		ABI:               loader.ABI{ExecuteSymbol: cfg.Loader.ExecuteSymbol, FreeSymbol: cfg.Loader.FreeSymbol},
		RequireOwnSymbols: cfg.Loader.RequireOwnSymbols,
		Metrics:           a.metrics,
	})

	if a.compiler, err = newCompiler(cfg, a.metrics); err != nil {
		return nil, err
	}

	policy, err := classify.LoadPolicyFile(cfg.Review.PolicyPath)
	if err != nil {
		return nil, err
	}
	if a.classifier, err = classify.New(policy); err != nil {
		return nil, err
	}

	if a.auditor, err = audit.Open(ctx, cfg.Audit, a.metrics); err != nil {
		return nil, err
	}

	if cfg.Approval.OverrideSecret != "" {
		if a.issuer, err = override.NewIssuer(cfg.Approval.OverrideSecret, cfg.GetOverrideTTL()); err != nil {
			return nil, err
		}
	} else {
		logging.BootWarn("no override secret configured; human overrides are disabled")
	}

	consensus, err := review.NewGateFromConfig(ctx, cfg, a.classifier, a.metrics)
	if err != nil {
		return nil, err
	}
	threshold, err := types.ParseChangeSeverity(cfg.Approval.RequireOverrideAt)
	if err != nil {
		return nil, err
	}

	a.rollback = rollback.NewManager(a.store, a.loader, rollback.Options{Emitter: a.auditor, Metrics: a.metrics})
	a.gate = approval.NewGate(consensus, a.rollback, a.store, approval.Options{
		RequireOverrideAt: threshold,
		AllowHighOverride: cfg.Approval.AllowHighOverride,
		Issuer:            a.issuer,
		Classifier:        a.classifier,
		Emitter:           a.auditor,
		Metrics:           a.metrics,
	})
	a.pipeline = evolution.New(a.gate, a.compiler, a.loader, a.rollback, evolution.Options{
		Emitter: a.auditor,
		Metrics: a.metrics,
	})

	logging.Boot("kernel wired: reviewers=%v toolchain=%s db=%s",
		consensus.Reviewers(), cfg.Compiler.Toolchain, cfg.Rollback.DatabasePath)
	return a, nil
}

func newCompiler(cfg *config.Config, m *metrics.Metrics) (*compiler.Compiler, error) {
	cargo := &compiler.Cargo{Binary: cfg.Compiler.CargoPath, Offline: cfg.Compiler.Offline}
	cc := &compiler.CC{Binary: cfg.Compiler.CCPath}
	toolchains := []compiler.Toolchain{cargo, cc}
	if cfg.Compiler.Toolchain == "cc" {
		toolchains = []compiler.Toolchain{cc, cargo}
	}
	return compiler.New(compiler.Options{
		ArtifactsDir: cfg.Compiler.ArtifactsDir,
		Timeout:      cfg.GetCompileTimeout(),
		MaxParallel:  int64(cfg.Compiler.MaxParallelBuilds),
		KeepScratch:  cfg.Compiler.KeepScratch,
		Metrics:      m,
	}, toolchains...)
}

// Close releases everything in reverse order of construction.
func (a *app) Close() error {
	var errs []error
	if a.loader != nil {
		a.loader.Close()
	}
	if a.auditor != nil {
		errs = append(errs, a.auditor.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
