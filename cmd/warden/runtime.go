package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"warden/internal/aci"
	"warden/internal/contract"
	"warden/internal/core"
	"warden/internal/failmode"
	"warden/internal/journal"
	"warden/internal/logging"
	"warden/internal/ledger"
	"warden/internal/resolution"
	"warden/internal/simulate"
	"warden/internal/taskgraph"
)

// opContext returns a context bounded by --timeout and cancelled on SIGINT or
// SIGTERM.
func (a *app) opContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (a *app) graphs() *taskgraph.FileStore {
	return taskgraph.NewFileStore(filepath.Join(a.cfg.State.Dir, "graphs"))
}

func (a *app) openLedger() (*ledger.Ledger, error) {
	l, err := ledger.Open(a.cfg.State.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", a.cfg.State.LedgerPath, err)
	}
	return l, nil
}

// runtimeContext is the failure-mode context for CLI-initiated work.
func (a *app) runtimeContext(traceID, userInput string, viaOps bool) (failmode.RuntimeContext, error) {
	maxAge, err := a.cfg.FailMode.GetEvidenceMaxAge()
	if err != nil {
		return failmode.RuntimeContext{}, err
	}
	return failmode.RuntimeContext{
		TraceID:     traceID,
		UserInput:   userInput,
		ViaOps:      viaOps,
		EvidenceTTL: maxAge,
	}, nil
}

// openRuntime wires every governance module from config. The caller closes
// the runtime.
func (a *app) openRuntime() (*core.Runtime, error) {
	cfg := a.cfg

	ttls, err := cfg.Evidence.TTLs()
	if err != nil {
		return nil, err
	}

	resolver := resolution.NewResolver(resolution.DefaultRules()...)
	if cfg.Resolution.PolicyPath != "" {
		policy, err := resolution.LoadPolicy(cfg.Resolution.PolicyPath)
		if err != nil {
			return nil, err
		}
		if resolver, err = resolver.WithPolicy(policy); err != nil {
			return nil, err
		}
		a.logger.Debug("policy snapshot applied", zap.String("path", cfg.Resolution.PolicyPath), zap.Strings("rules", resolver.RuleIDs()))
	}

	evalOpts := []failmode.Option{failmode.WithAckToken(cfg.FailMode.AckToken)}
	if len(cfg.FailMode.ProtectedPaths) > 0 {
		evalOpts = append(evalOpts, failmode.WithProtectedPaths(cfg.FailMode.ProtectedPaths))
	}
	if len(cfg.FailMode.RemoteCommands) > 0 {
		evalOpts = append(evalOpts, failmode.WithRemoteCommands(cfg.FailMode.RemoteCommands))
	}

	var sink journal.Sink = journal.NullSink{}
	if cfg.JournalEnabled() {
		s, err := journal.OpenSQLite(cfg.State.JournalPath)
		if err != nil {
			return nil, err
		}
		sink = s
	} else {
		logging.BootWarn("execution journal disabled; resolutions are not persisted")
	}

	l, err := a.openLedger()
	if err != nil {
		_ = sink.Close()
		return nil, err
	}

	rt, err := core.New(core.Deps{
		Contracts:        contract.NewLoader(cfg.State.ContractsDir),
		Ledger:           l,
		Graphs:           a.graphs(),
		Journal:          sink,
		Resolver:         resolver,
		Router:           aci.NewRouter(aci.WithThreshold(cfg.Intent.Threshold)),
		StateDir:         cfg.State.Dir,
		EvidenceTTLs:     ttls,
		EvaluatorOptions: evalOpts,
		SimulateOptions:  []simulate.Option{simulate.WithConcurrency(cfg.Simulate.Concurrency)},
	})
	if err != nil {
		_ = sink.Close()
		_ = l.Close()
		return nil, err
	}
	a.logger.Debug("runtime opened",
		zap.String("state", cfg.State.Dir),
		zap.String("ledger", cfg.State.LedgerPath),
		zap.Bool("journal", cfg.JournalEnabled()))
	return rt, nil
}
