package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"helix/internal/types"

	"github.com/spf13/cobra"
)

var (
	skillFlag     string
	langFlag      string
	diffFlag      string
	overrideFlag  string
	outputFlag    string
	sourceFlag    string
	submitterFlag string
)

var submitCmd = &cobra.Command{
	Use:   "submit [source-file]",
	Short: "Run a source file through review, compilation and promotion",
	Long: `Submits a complete skill source as a proposed change. The skill name
defaults to the file stem and the language to the file extension (.rs, .c).

Example:
  helix submit adder.rs
  helix submit --skill adder --override "$TOKEN" adder.rs`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var compileCmd = &cobra.Command{
	Use:   "compile [source-file|project-dir]",
	Short: "Compile a skill without review or promotion",
	Args:  cobra.ExactArgs(1),
	RunE:  runCompile,
}

var promoteCmd = &cobra.Command{
	Use:   "promote [skill] [artifact]",
	Short: "Record an already built artifact as the active version",
	Long: `Promotes a prebuilt artifact. --source names the source it was built
from; its hash is the version's DNA and is checked against dead-end memory.`,
	Args: cobra.ExactArgs(2),
	RunE: runPromote,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback [skill]",
	Short: "Reactivate the previous healthy version of a skill",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollback,
}

var versionsCmd = &cobra.Command{
	Use:   "versions [skill]",
	Short: "Show version history (all skills' active versions without an argument)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runVersions,
}

var deadEndsCmd = &cobra.Command{
	Use:   "dead-ends [skill]",
	Short: "List DNA permanently rejected for a skill",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDeadEnds,
}

var execCmd = &cobra.Command{
	Use:   "exec [skill] [json-args]",
	Short: "Load the active version of a skill and call it",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runExec,
}

func init() {
	submitCmd.Flags().StringVar(&skillFlag, "skill", "", "Skill name (default: file stem)")
	submitCmd.Flags().StringVar(&langFlag, "lang", "", "Language: rust or c (default: from extension)")
	submitCmd.Flags().StringVar(&diffFlag, "diff", "", "Diff file shown to reviewers")
	submitCmd.Flags().StringVar(&overrideFlag, "override", "", "Signed override token")
	submitCmd.Flags().StringVar(&submitterFlag, "submitter", "cli", "Recorded submitter")

	compileCmd.Flags().StringVar(&skillFlag, "skill", "", "Skill name (default: file stem)")
	compileCmd.Flags().StringVar(&langFlag, "lang", "", "Language: rust or c (default: from extension)")
	compileCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "Artifact path")

	promoteCmd.Flags().StringVar(&sourceFlag, "source", "", "Source file the artifact was built from (required)")
	promoteCmd.MarkFlagRequired("source")
}

// readChange builds a proposed change from a source file and flags.
func readChange(path string) (*types.ProposedChange, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	skill, lang := skillFlag, types.Language(langFlag)
	if skill == "" {
		base := filepath.Base(path)
		skill = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if lang == "" {
		lang, err = languageOf(path)
		if err != nil {
			return nil, err
		}
	}
	opts := []types.ChangeOption{types.WithSubmitter(submitterFlag)}
	if diffFlag != "" {
		diff, err := os.ReadFile(diffFlag)
		if err != nil {
			return nil, err
		}
		opts = append(opts, types.WithDiff(string(diff)))
	}
	return types.NewProposedChange(skill, lang, string(src), opts...)
}

func languageOf(path string) (types.Language, error) {
	switch filepath.Ext(path) {
	case ".rs":
		return types.LanguageRust, nil
	case ".c":
		return types.LanguageC, nil
	}
	return "", fmt.Errorf("cannot infer language of %s; pass --lang", path)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	change, err := readChange(args[0])
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res := a.pipeline.Evolve(ctx, change, overrideFlag)
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%s stopped at %s", change.Skill(), res.Stage)
	}
	return nil
}

func runCompile(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	c, err := newCompiler(cfg, nil)
	if err != nil {
		return err
	}
	if fi, err := os.Stat(args[0]); err == nil && fi.IsDir() {
		art, err := c.CompileFromPath(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), art)
	}
	change, err := readChange(args[0])
	if err != nil {
		return err
	}
	art, err := c.CompileChange(ctx, change, outputFlag)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), art)
}

func runPromote(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	src, err := os.ReadFile(sourceFlag)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := a.rollback.Promote(ctx, args[0], args[1], types.ComputeDNA(string(src)))
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), v)
}

func runRollback(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// The swap needs the current version loaded to retire it.
	if _, err := a.rollback.Restore(ctx); err != nil {
		return err
	}
	v, err := a.rollback.Rollback(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), v)
}

func runVersions(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 0 {
		active, err := a.store.ActiveAll(ctx)
		if err != nil {
			return err
		}
		if active == nil {
			active = []types.PatchVersion{}
		}
		return printJSON(cmd.OutOrStdout(), active)
	}
	versions, err := a.rollback.Versions(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), versions)
}

func runDeadEnds(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	skill := ""
	if len(args) == 1 {
		skill = args[0]
	}
	records, err := a.rollback.DeadEnds(ctx, skill)
	if err != nil {
		return err
	}
	if records == nil {
		records = []types.DeadEndRecord{}
	}
	return printJSON(cmd.OutOrStdout(), records)
}

func runExec(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	payload := json.RawMessage(`{}`)
	if len(args) == 2 {
		payload = json.RawMessage(args[1])
		if !json.Valid(payload) {
			return fmt.Errorf("arguments are not valid JSON")
		}
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := a.rollback.Active(ctx, args[0])
	if err != nil {
		return err
	}
	if err := a.loader.Load(v.ArtifactPath, v.Skill); err != nil {
		return err
	}
	out, err := a.pipeline.Execute(ctx, args[0], payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}
