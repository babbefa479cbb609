package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"warden/internal/core"
	"warden/internal/evidence"
	"warden/internal/resolution"
	"warden/internal/selector"
	"warden/internal/taskgraph"
)

func (a *app) evidenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Evidence store operations",
	}
	cmd.AddCommand(a.evidenceRecordCmd(), a.evidenceShowCmd())
	return cmd
}

func (a *app) evidenceRecordCmd() *cobra.Command {
	var (
		traceID, source, ref, raw string
		ttl                       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "record [claim]",
		Short: "Record one piece of evidence for a trace",
		Long: `Appends an evidence record. The raw content is hashed; the TTL defaults
to the source type's configured TTL and the scope is inferred from the claim.

Example:
  warden evidence record --trace t1 --source command --ref "systemctl cat nginx" service.nginx.exists`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			s, err := rt.Session(traceID)
			if err != nil {
				return err
			}
			var opts []evidence.RecordOption
			if ttl != 0 {
				opts = append(opts, evidence.WithTTL(ttl))
			}
			rec, err := s.Evidence.Record(args[0], evidence.SourceType(source), ref, raw, opts...)
			if err != nil {
				return err
			}
			p := printer{cmd.OutOrStdout(), a.styles}
			p.kv("claim", rec.Claim)
			p.kv("scope", rec.Scope)
			p.kv("hash", rec.ContentHash)
			p.kv("expires", rec.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&traceID, "trace", "", "Trace id (required)")
	cmd.Flags().StringVar(&source, "source", string(evidence.SourceCommand), "Source type: introspection, command, file, test or observation")
	cmd.Flags().StringVar(&ref, "ref", "", "Where the evidence came from")
	cmd.Flags().StringVar(&raw, "raw", "", "Raw content backing the claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Override the source type's TTL")
	_ = cmd.MarkFlagRequired("trace")
	return cmd
}

func (a *app) evidenceShowCmd() *cobra.Command {
	var traceID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Evaluate every claim recorded for a trace",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			s, err := rt.Session(traceID)
			if err != nil {
				return err
			}
			now := time.Now()
			p := printer{cmd.OutOrStdout(), a.styles}
			for _, claim := range s.Evidence.Claims() {
				ev := s.Evidence.Evaluate(claim, now)
				p.line("%s %s %s", a.styles.Badge(ev.OK(), fmt.Sprintf("%-8s", ev.Status)), claim,
					a.styles.Muted.Render(fmt.Sprintf("confidence=%.2f records=%d", ev.Confidence, len(s.Evidence.Records(claim)))))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&traceID, "trace", "", "Trace id (required)")
	_ = cmd.MarkFlagRequired("trace")
	return cmd
}

func (a *app) taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Task graph operations",
	}
	cmd.AddCommand(a.taskAddCmd(), a.taskListCmd(), a.taskNextCmd())
	return cmd
}

func (a *app) taskAddCmd() *cobra.Command {
	var (
		traceID string
		nt      taskgraph.NewTask
	)
	cmd := &cobra.Command{
		Use:   "add [task-id]",
		Short: "Add a task to a trace's graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nt.TaskID = args[0]
			store := a.graphs()
			g, err := store.Load(traceID)
			if err != nil {
				return err
			}
			task, err := g.AddTask(nt)
			if err != nil {
				return err
			}
			g.RefreshReadiness()
			if err := store.Save(g); err != nil {
				return err
			}
			task, _ = g.Task(task.TaskID)
			printer{cmd.OutOrStdout(), a.styles}.line("%s", task)
			return nil
		},
	}
	cmd.Flags().StringVar(&traceID, "trace", "", "Trace id (required)")
	cmd.Flags().StringVar(&nt.Description, "description", "", "What the task is for")
	cmd.Flags().StringVar(&nt.Action, "action", "", `Governed action, e.g. "/ops restart nginx"`)
	cmd.Flags().StringVar(&nt.ParentID, "parent", "", "Parent task id")
	cmd.Flags().StringSliceVar(&nt.DependsOn, "depends-on", nil, "Task this one depends on (repeatable)")
	cmd.Flags().StringSliceVar(&nt.RequiredEvidence, "evidence", nil, "Claim required beyond the contract's (repeatable)")
	_ = cmd.MarkFlagRequired("trace")
	return cmd
}

func (a *app) taskListCmd() *cobra.Command {
	var traceID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a trace's tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := a.graphs().Load(traceID)
			if err != nil {
				return err
			}
			p := printer{cmd.OutOrStdout(), a.styles}
			for _, t := range g.Tasks() {
				p.line("%s", t)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&traceID, "trace", "", "Trace id (required)")
	_ = cmd.MarkFlagRequired("trace")
	return cmd
}

// observationFile is the YAML an operator hands to "task next".
type observationFile struct {
	Service    string                    `yaml:"service"`
	Evidence   resolution.EvidenceBundle `yaml:"evidence"`
	Inspection resolution.Inspection     `yaml:"inspection"`
}

func loadObservation(path string) (core.Observation, error) {
	if path == "" {
		return core.Observation{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return core.Observation{}, fmt.Errorf("failed to read observation: %w", err)
	}
	var f observationFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return core.Observation{}, fmt.Errorf("failed to parse observation %s: %w", path, err)
	}
	return core.Observation{Service: f.Service, Evidence: f.Evidence, Inspection: f.Inspection}, nil
}

func (a *app) taskNextCmd() *cobra.Command {
	var (
		traceID, input, obsPath string
		viaOps                  bool
	)
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Select the next task, resolve it against an observation and record the outcome",
		Long: `Selects the next eligible task, resolves it against the observation
file (YAML with service, evidence and inspection sections), journals the
outcome, appends it to the causal trace and saves the task's new status.

When no task is eligible the reason for every candidate is printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			obs, err := loadObservation(obsPath)
			if err != nil {
				return err
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

			adv, err := rt.AdvanceTask(ctx, traceID, rc, obs)
			p := printer{cmd.OutOrStdout(), a.styles}
			a.printAdvance(p, adv)
			return err
		},
	}
	cmd.Flags().StringVar(&traceID, "trace", "", "Trace id (required)")
	cmd.Flags().StringVar(&input, "input", "", "User input; a task it names explicitly is preferred")
	cmd.Flags().StringVar(&obsPath, "observation", "", "Observation YAML file")
	cmd.Flags().BoolVar(&viaOps, "via-ops", false, "The request arrived through the /ops channel")
	_ = cmd.MarkFlagRequired("trace")
	return cmd
}

func (a *app) printAdvance(p printer, adv core.Advance) {
	sel := adv.Selection
	if sel.Status != selector.StatusSelected {
		p.kv("selection", a.styles.Badge(false, string(sel.Status)))
		for _, r := range sel.Reasons {
			p.line("  %s", a.styles.Muted.Render(r))
		}
		return
	}
	p.kv("task", sel.Task.TaskID)
	p.kv("method", sel.Method)
	p.kv("capability", sel.Verdict.Capability)
	if adv.Outcome == nil {
		return
	}
	out := adv.Outcome
	p.kv("outcome", a.styles.Badge(out.OutcomeType == resolution.Resolved, string(out.OutcomeType)))
	p.kv("rule", out.RuleID)
	p.kv("message", out.Message)
	if out.NextStep != "" {
		p.kv("next step", a.styles.Pending.Render(out.NextStep))
	}
	if adv.Status != "" {
		p.kv("status", adv.Status)
	}
	if len(adv.Nodes) > 0 {
		ids := make([]string, 0, len(adv.Nodes))
		for _, n := range adv.Nodes {
			ids = append(ids, string(n.NodeType))
		}
		p.kv("trace nodes", strings.Join(ids, " "))
	}
}
