package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"warden/internal/contract"
	"warden/internal/reason"
)

func (a *app) contractsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contracts",
		Short: "Capability contract operations",
	}
	cmd.AddCommand(a.contractsValidateCmd(), a.contractsWatchCmd())
	return cmd
}

func (a *app) contractsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [dir]",
		Short: "Load every contract file and report the ones that fail closed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := a.cfg.State.ContractsDir
			if len(args) == 1 {
				dir = args[0]
			}
			bad, err := a.printCatalog(cmd, contract.NewLoader(dir))
			if err != nil {
				return err
			}
			if bad > 0 {
				return reason.New(reason.CapabilityInvalid, "%d of the contracts in %s are invalid", bad, dir)
			}
			return nil
		},
	}
}

func (a *app) contractsWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Re-validate the contract directory whenever it changes",
		Long: `Watches the contracts directory and prints the catalog after every
change until interrupted or --timeout elapses.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.opContext()
			defer cancel()

			loader := contract.NewLoader(a.cfg.State.ContractsDir)
			changed := make(chan string, 1)
			w, err := contract.NewWatcher(loader, func(path string) {
				select {
				case changed <- path:
				default:
				}
			})
			if err != nil {
				return err
			}
			if err := w.Start(ctx); err != nil {
				return err
			}
			defer w.Stop()

			if _, err := a.printCatalog(cmd, loader); err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case path := <-changed:
					a.logger.Info("contract directory changed", zap.String("path", path))
					if _, err := a.printCatalog(cmd, loader); err != nil {
						return err
					}
				}
			}
		},
	}
}

// printCatalog prints one line per contract file and returns how many failed.
func (a *app) printCatalog(cmd *cobra.Command, loader *contract.Loader) (int, error) {
	ctx, cancel := a.opContext()
	defer cancel()
	entries, err := loader.Catalog(ctx)
	if err != nil {
		return 0, err
	}
	p := printer{cmd.OutOrStdout(), a.styles}
	p.title("Contracts in %s", loader.Dir())
	bad := 0
	for _, e := range entries {
		if e.Err != nil {
			bad++
			p.line("%s %s %s", a.styles.Badge(false, "FAIL"), e.Path, a.styles.Muted.Render(e.Err.Error()))
			continue
		}
		c := e.Contract
		p.line("%s %s %s", a.styles.Badge(true, "ok  "), e.Path,
			a.styles.Muted.Render(fmt.Sprintf("%s risk=%s ops=%t evidence=%v", c.Capability, c.RiskLevel, c.OpsRequired(), c.RequiredEvidence())))
	}
	p.kv("total", len(entries))
	p.kv("invalid", bad)
	return bad, nil
}
