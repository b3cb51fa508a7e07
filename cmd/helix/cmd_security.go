package main

import (
	"errors"
	"fmt"
	"time"

	"helix/internal/audit"
	"helix/internal/override"
	"helix/internal/types"

	"github.com/spf13/cobra"
)

var (
	approverFlag  string
	ttlFlag       time.Duration
	sinceFlag     time.Duration
	auditFileFlag string
)

var overrideCmd = &cobra.Command{
	Use:   "override [skill] [dna]",
	Short: "Mint a signed override token for one exact change",
	Long: `Mints a token that lets a change with High findings, or one at or above
approval.require_override_at, be approved. The token is bound to the skill
and the DNA (sha256 of the source) and expires after --ttl.

Requires approval.override_secret or HELIX_OVERRIDE_SECRET.`,
	Args: cobra.ExactArgs(2),
	RunE: runOverride,
}

var auditSummaryCmd = &cobra.Command{
	Use:   "audit-summary",
	Short: "Summarize security decisions over a time window",
	RunE:  runAuditSummary,
}

var verifyCmd = &cobra.Command{
	Use:   "verify [skill...]",
	Short: "Verify version hash chains and, with --audit-file, an audit log",
	RunE:  runVerify,
}

func init() {
	overrideCmd.Flags().StringVar(&approverFlag, "approver", "", "Human approving the change (required)")
	overrideCmd.Flags().DurationVar(&ttlFlag, "ttl", 0, "Token lifetime (default: approval.override_ttl)")
	overrideCmd.MarkFlagRequired("approver")

	auditSummaryCmd.Flags().DurationVar(&sinceFlag, "since", 24*time.Hour, "Window to summarize")

	verifyCmd.Flags().StringVar(&auditFileFlag, "audit-file", "", "Hash-chained audit log to verify")
}

func runOverride(cmd *cobra.Command, args []string) error {
	ttl := ttlFlag
	if ttl <= 0 {
		ttl = cfg.GetOverrideTTL()
	}
	issuer, err := override.NewIssuer(cfg.Approval.OverrideSecret, ttl)
	if err != nil {
		return err
	}
	tok, err := issuer.Mint(approverFlag, args[0], types.DNA(args[1]))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
	return err
}

func runAuditSummary(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.gate.Summary(ctx, time.Now().UTC().Add(-sinceFlag))
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), s)
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	skills := args
	if len(skills) == 0 {
		if skills, err = a.rollback.Skills(ctx); err != nil {
			return err
		}
	}
	var errs []error
	for _, skill := range skills {
		if err := a.rollback.VerifyChain(ctx, skill); err != nil {
			errs = append(errs, err)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: BROKEN (%v)\n", skill, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", skill)
	}
	if auditFileFlag != "" {
		head, err := audit.VerifyFile(auditFileFlag)
		if err != nil {
			errs = append(errs, err)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: BROKEN (%v)\n", auditFileFlag, err)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (head %s)\n", auditFileFlag, head)
		}
	}
	return errors.Join(errs...)
}
