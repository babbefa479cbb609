package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"warden/internal/simulate"
)

func (a *app) explainCmd() *cobra.Command {
	var traceID string
	cmd := &cobra.Command{
		Use:   "explain [task-id]",
		Short: "Print the causal chain behind a task",
		Long: `Prints the task's causal chain, oldest cause first. A chain with an
unexplained step or expired evidence is reported as unknown rather than
printed partially.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			chain, ok, err := rt.Explain(traceID, args[0])
			if err != nil {
				return err
			}
			p := printer{cmd.OutOrStdout(), a.styles}
			if !ok {
				p.kv("chain", a.styles.Pending.Render("unknown"))
				return nil
			}
			p.title("Causal chain of %s", args[0])
			for i, step := range chain {
				p.line("%2d. %s", i+1, step)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&traceID, "trace", "", "Trace id (required)")
	_ = cmd.MarkFlagRequired("trace")
	return cmd
}

func (a *app) simulateCmd() *cobra.Command {
	var (
		traceID, input, planPath string
		prop                     simulate.Proposal
		viaOps                   bool
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Preview whether an action, plan or task would be allowed",
		Long: `Runs the same checks the runtime applies without writing anything.
Every reason a step would be refused is itemized.

Examples:
  warden simulate --trace t1 --action "/ops restart nginx"
  warden simulate --trace t1 --plan plan.yaml
  warden simulate --trace t1 --task task-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if planPath != "" {
				data, err := os.ReadFile(planPath)
				if err != nil {
					return fmt.Errorf("failed to read plan: %w", err)
				}
				if err := yaml.Unmarshal(data, &prop.Steps); err != nil {
					return fmt.Errorf("failed to parse plan %s: %w", planPath, err)
				}
			}
			if traceID == "" {
				traceID = uuid.NewString()
			}
			rc, err := a.runtimeContext(traceID, input, viaOps)
			if err != nil {
				return err
			}
			ctx, cancel := a.opContext()
			defer cancel()

			rt, err := a.openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			s, err := rt.Session(traceID)
			if err != nil {
				return err
			}

			res, err := rt.Simulator(s).Simulate(ctx, prop, rc)
			if err != nil {
				return err
			}
			p := printer{cmd.OutOrStdout(), a.styles}
			verdict := a.styles.Badge(res.Verdict == simulate.Allowed, strings.ToUpper(string(res.Verdict)))
			if res.Verdict == simulate.Unknown {
				verdict = a.styles.Pending.Render("UNKNOWN")
			}
			p.kv("verdict", verdict)
			if res.Capability != "" {
				p.kv("capability", res.Capability)
			}
			for _, r := range res.Reasons {
				p.line("  %s", r)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&traceID, "trace", "", "Trace id whose evidence and causal trace are consulted (default: a new, empty one)")
	cmd.Flags().StringVar(&prop.Action, "action", "", "Action to simulate")
	cmd.Flags().StringSliceVar(&prop.RequiredEvidence, "evidence", nil, "Additional claim the action requires (repeatable)")
	cmd.Flags().StringVar(&prop.TaskID, "task", "", "Task whose causal chain must be explainable")
	cmd.Flags().StringVar(&planPath, "plan", "", "YAML list of plan steps")
	cmd.Flags().StringVar(&input, "input", "", "User input, checked for the irreversible-action acknowledgement")
	cmd.Flags().BoolVar(&viaOps, "via-ops", false, "The request arrived through the /ops channel")
	return cmd
}
