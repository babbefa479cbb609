// Package main implements the warden operator CLI. Every command is thin glue
// over the internal packages; decisions are made there, not here.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"warden/internal/config"
	"warden/internal/logging"
)

// app carries what the root command resolves for its subcommands.
type app struct {
	// Global flags
	configPath string
	verbose    bool
	timeout    time.Duration

	cfg    *config.Config
	logger *zap.Logger
	styles Styles
}

func newRootCmd() *cobra.Command {
	a := &app{styles: NewStyles(DetectTheme())}

	root := &cobra.Command{
		Use:   "warden",
		Short: "Deterministic governance core for an AI operations agent",
		Long: `warden decides, records and explains what an operations agent may do.

It gates intents against the governance phase ladder, evaluates actions
against capability contracts and evidence, resolves tasks by fixed rules,
and keeps a hash-chained issuance ledger. It never executes anything.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
			logging.CloseAll()
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "warden.yaml", "Config file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Route every log category to stderr at debug level")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", time.Minute, "Operation timeout")

	root.AddCommand(
		a.intentCmd(),
		a.gateCmd(),
		a.ledgerCmd(),
		a.contractsCmd(),
		a.evidenceCmd(),
		a.taskCmd(),
		a.explainCmd(),
		a.simulateCmd(),
	)
	return root
}

// setup loads config and initializes logging.
func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", a.configPath, err)
	}
	a.cfg = cfg

	if err := logging.Initialize(cfg.State.LogsDir, cfg.Logging.ToLogging()); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	if a.verbose {
		zc := zap.NewDevelopmentConfig()
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		zc.OutputPaths = []string{"stderr"}
		logger, err := zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		a.logger = logger
		logging.SetLogger(logger)
	} else {
		a.logger = zap.NewNop()
	}
	logging.Boot("warden %s, config %s", cfg.Version, a.configPath)
	logging.BootDebug("state %s, contracts %s, ledger %s", cfg.State.Dir, cfg.State.ContractsDir, cfg.State.LedgerPath)
	if logging.IsDebugMode() {
		a.logger.Info("category logs enabled", zap.String("dir", cfg.State.LogsDir))
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
