package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"warden/internal/ledger"
)

func (a *app) ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Issuance ledger operations",
		Long: `The issuance ledger is an append-only, hash-chained NDJSON file of
issuance, revocation and supersession records. Records are never rewritten.`,
	}
	cmd.AddCommand(
		a.ledgerVerifyCmd(),
		a.ledgerIssueCmd(),
		a.ledgerRevokeCmd(),
		a.ledgerSupersedeCmd(),
		a.ledgerShowCmd(),
	)
	return cmd
}

func (a *app) ledgerVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [path]",
		Short: "Verify the hash chain of a ledger file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.State.LedgerPath
			if len(args) == 1 {
				path = args[0]
			}
			n, err := ledger.VerifyFile(path)
			p := printer{cmd.OutOrStdout(), a.styles}
			if err != nil {
				p.kv("ledger", path)
				p.kv("verdict", a.styles.Badge(false, "broken"))
				return err
			}
			p.kv("ledger", path)
			p.kv("verdict", a.styles.Badge(true, "intact"))
			p.kv("records", n)
			return nil
		},
	}
}

func (a *app) ledgerIssueCmd() *cobra.Command {
	var req ledger.IssueRequest
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Append an issuance record directly",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.appendRecord(cmd, "issue", func(l *ledger.Ledger) (ledger.Record, error) {
				return l.AppendIssuedArtifact(req)
			})
		},
	}
	cmd.Flags().IntVar(&req.PhaseID, "phase", 0, "Phase the artifact enters (required)")
	cmd.Flags().StringVar(&req.ContractName, "contract", "", "Contract name (required)")
	cmd.Flags().StringVar(&req.EnvironmentID, "env", "", "Environment id (required)")
	cmd.Flags().StringVar(&req.IssuerIdentityID, "issuer", "", "Issuer identity (required)")
	cmd.Flags().StringSliceVar(&req.LineageRefs, "ref", nil, "Parent artifact id (repeatable)")
	cmd.Flags().BoolVar(&req.LineageRequired, "lineage-required", false, "Refuse a root issuance")
	cmd.Flags().StringVar(&req.ArtifactType, "artifact-type", "", "Artifact type (default: derived from the phase)")
	return cmd
}

func (a *app) ledgerRevokeCmd() *cobra.Command {
	var req ledger.RevokeRequest
	cmd := &cobra.Command{
		Use:   "revoke [artifact-id]",
		Short: "Append a revocation record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ArtifactID = args[0]
			return a.appendRecord(cmd, "revoke", func(l *ledger.Ledger) (ledger.Record, error) {
				return l.AppendRevocationRecord(req)
			})
		},
	}
	cmd.Flags().StringVar(&req.EnvironmentID, "env", "", "Environment id (required)")
	cmd.Flags().StringVar(&req.IssuerIdentityID, "issuer", "", "Issuer identity (required)")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "Why the artifact is revoked")
	return cmd
}

func (a *app) ledgerSupersedeCmd() *cobra.Command {
	var req ledger.SupersedeRequest
	cmd := &cobra.Command{
		Use:   "supersede [old-artifact-id] [new-artifact-id]",
		Short: "Record that a revoked artifact is replaced by another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.OldArtifactID, req.NewArtifactID = args[0], args[1]
			return a.appendRecord(cmd, "supersede", func(l *ledger.Ledger) (ledger.Record, error) {
				return l.AppendSupersessionRecord(req)
			})
		},
	}
	cmd.Flags().StringVar(&req.EnvironmentID, "env", "", "Environment id (required)")
	cmd.Flags().StringVar(&req.IssuerIdentityID, "issuer", "", "Issuer identity (required)")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "Why the artifact is superseded")
	return cmd
}

func (a *app) ledgerShowCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "List ledger records, or one environment's artifacts with their state",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.openLedger()
			if err != nil {
				return err
			}
			defer l.Close()

			p := printer{cmd.OutOrStdout(), a.styles}
			seq, head := l.Head()
			p.kv("head", fmt.Sprintf("#%d %s", seq, head))
			p.divider()
			if env == "" {
				for _, r := range l.Records() {
					p.line("#%-4d %-12s %s", r.Sequence, r.RecordType, summarize(r))
				}
				return nil
			}
			for _, r := range l.Artifacts(env) {
				state := a.styles.Allowed.Render("live")
				if l.IsRevoked(r.ArtifactID) {
					state = a.styles.Refused.Render("revoked")
				}
				if next, ok := l.IsSuperseded(r.ArtifactID); ok {
					state += a.styles.Muted.Render(" -> " + next)
				}
				p.line("%s  p%-2d %-40s %s", r.ArtifactID, r.PhaseID, r.ContractName, state)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "Only this environment's issued artifacts")
	return cmd
}

// appendRecord opens the ledger, appends one record and prints it.
func (a *app) appendRecord(cmd *cobra.Command, op string, fn func(*ledger.Ledger) (ledger.Record, error)) error {
	l, err := a.openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	rec, err := fn(l)
	if err != nil {
		a.logger.Warn("ledger append refused", zap.String("op", op), zap.Error(err))
		return err
	}
	a.printRecord(printer{cmd.OutOrStdout(), a.styles}, rec)
	return nil
}

func (a *app) printRecord(p printer, r ledger.Record) {
	p.title("Ledger record #%d", r.Sequence)
	p.kv("type", r.RecordType)
	p.kv("environment", r.EnvironmentID)
	p.kv("issuer", r.IssuerIdentityID)
	switch {
	case r.Issuance != nil:
		p.kv("artifact", r.ArtifactID)
		p.kv("phase", r.PhaseID)
		p.kv("contract", r.ContractName)
		if len(r.LineageRefs) > 0 {
			p.kv("lineage", strings.Join(r.LineageRefs, ", "))
		} else {
			p.kv("lineage", a.styles.Muted.Render("(root)"))
		}
	case r.Revocation != nil:
		p.kv("revoked", r.RevokedArtifactID)
	case r.Supersession != nil:
		p.kv("superseded", r.SupersededArtifactID)
		p.kv("replacement", r.ReplacementArtifactID)
	}
	p.kv("record hash", r.RecordHash)
}

func summarize(r ledger.Record) string {
	switch {
	case r.Issuance != nil:
		return fmt.Sprintf("%s p%d %s (%s)", r.ArtifactID, r.PhaseID, r.ContractName, r.EnvironmentID)
	case r.Revocation != nil:
		return fmt.Sprintf("%s (%s)", r.RevokedArtifactID, r.EnvironmentID)
	case r.Supersession != nil:
		return fmt.Sprintf("%s -> %s (%s)", r.SupersededArtifactID, r.ReplacementArtifactID, r.EnvironmentID)
	}
	return ""
}
