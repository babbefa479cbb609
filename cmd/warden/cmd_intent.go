package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"warden/internal/aci"
	"warden/internal/core"
)

func (a *app) intentCmd() *cobra.Command {
	var phase int
	cmd := &cobra.Command{
		Use:   "intent [text]",
		Short: "Classify an utterance at a governance phase",
		Long: `Routes the text to exactly one intent class and prints the confidence,
the per-class scores and, when the route is refused, the reason code.

Example:
  warden intent --phase 40 "issue the artifact"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			ladder := aci.DefaultLadder()
			router := aci.NewRouter(aci.WithThreshold(a.cfg.Intent.Threshold))
			route := router.Route(text, phase, ladder.AdmissibleTransitions(phase))
			a.printRoute(printer{cmd.OutOrStdout(), a.styles}, route)
			return nil
		},
	}
	cmd.Flags().IntVar(&phase, "phase", aci.FirstPhase, "Current governance phase")
	return cmd
}

func (a *app) gateCmd() *cobra.Command {
	var t core.Turn
	cmd := &cobra.Command{
		Use:   "gate [text]",
		Short: "Route and gate a turn, issuing the next artifact when admitted",
		Long: `Runs one full turn: the utterance is routed, gated against the phase
ladder and, when it is an admissible governance issuance, the next phase's
artifact is appended to the issuance ledger.

Lineage is the single live artifact of the current phase unless --ref is
given. Execution-seeking turns are never admitted.

Example:
  warden gate --phase 40 --env prod --issuer alice "issue the artifact"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t.Text = strings.Join(args, " ")
			if t.TraceID == "" {
				t.TraceID = uuid.NewString()
			}
			ctx, cancel := a.opContext()
			defer cancel()

			rt, err := a.openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.HandleTurn(ctx, t)
			p := printer{cmd.OutOrStdout(), a.styles}
			a.printRoute(p, res.Route)
			p.divider()
			a.printGate(p, res.Gate)
			if res.Artifact != nil {
				p.divider()
				a.printRecord(p, *res.Artifact)
			}
			if err != nil {
				a.logger.Warn("turn refused by ledger", zap.String("trace", t.TraceID), zap.Error(err))
				return err
			}
			p.kv("phase", res.Phase())
			return nil
		},
	}
	cmd.Flags().IntVar(&t.Phase, "phase", aci.FirstPhase, "Current governance phase")
	cmd.Flags().StringVar(&t.TraceID, "trace", "", "Trace id (default: a new UUID)")
	cmd.Flags().StringVar(&t.EnvironmentID, "env", "", "Environment the artifact is issued for")
	cmd.Flags().StringVar(&t.IssuerIdentityID, "issuer", "", "Identity issuing the artifact")
	cmd.Flags().StringVar(&t.ContractName, "contract", "", "Contract name (default: the next rung's artifact type)")
	cmd.Flags().StringSliceVar(&t.LineageRefs, "ref", nil, "Explicit parent artifact id (repeatable)")
	cmd.Flags().BoolVar(&t.LineageRequired, "lineage-required", false, "Refuse a root issuance")
	return cmd
}

func (a *app) printRoute(p printer, r aci.Route) {
	p.title("Intent")
	p.kv("intent", a.styles.Badge(r.Intent != aci.IntentAmbiguous && r.Intent != aci.IntentForbidden, string(r.Intent)))
	p.kv("confidence", fmt.Sprintf("%.2f", r.Confidence))
	p.kv("phase", r.Phase)
	if r.Candidate != "" && r.Candidate != r.Intent {
		p.kv("candidate", r.Candidate)
	}
	if len(r.Scores) > 0 {
		keys := make([]string, 0, len(r.Scores))
		for k := range r.Scores {
			keys = append(keys, string(k))
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%d", k, r.Scores[aci.Intent(k)]))
		}
		p.kv("scores", strings.Join(parts, " "))
	}
	if r.ReasonCode != "" {
		p.kv("reason", a.styles.Refused.Render(string(r.ReasonCode)))
	}
	if r.Detail != "" {
		p.kv("detail", a.styles.Muted.Render(r.Detail))
	}
}

func (a *app) printGate(p printer, g aci.Gate) {
	p.title("Gate")
	word := "refused"
	if g.Admissible {
		word = "admitted"
	}
	p.kv("verdict", a.styles.Badge(g.Admissible, word))
	p.kv("reason", g.ReasonCode)
	if g.Transition() {
		p.kv("next phase", g.NextPhase)
		p.kv("class", g.PhaseClass)
		p.kv("artifact", g.ArtifactType)
	}
	if g.Detail != "" {
		p.kv("detail", a.styles.Muted.Render(g.Detail))
	}
}
