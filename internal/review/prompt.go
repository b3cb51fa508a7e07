package review

import (
	"fmt"
	"strings"

	"helix/internal/types"
)

// Analyzer renders review prompts.
type Analyzer struct {
	// MaxSourceBytes truncates very large sources; zero means no limit.
	MaxSourceBytes int
}

const answerSchema = `Answer with ONLY a JSON object, no prose:
{"findings": [{"severity": "info|low|medium|high|critical", "category": "<checklist id>", "rationale": "<one sentence>"}]}
Use an empty array when nothing on the checklist applies.
critical means the skill must never run: it can take over or exfiltrate from the host.
high means it must not run without a human override.`

// Truncates reports whether BuildPrompt would cut change's source.
func (a Analyzer) Truncates(change *types.ProposedChange) bool {
	return a.MaxSourceBytes > 0 && len(change.Source()) > a.MaxSourceBytes
}

// BuildPrompt embeds change, its language and the fixed checklist.
func (a Analyzer) BuildPrompt(change *types.ProposedChange) string {
	var b strings.Builder
	b.WriteString("You are a red-team security reviewer. The following ")
	b.WriteString(string(change.Language()))
	b.WriteString(" source will be compiled into a shared library and loaded into a long-running host process. ")
	b.WriteString("It exports execute(const char*) -> char* and free(char*); arguments and results are JSON.\n\n")

	fmt.Fprintf(&b, "Skill: %s\nDNA: %s\nPolicy severity: %s\n\n", change.Skill(), change.DNA(), change.Severity())

	b.WriteString("Checklist:\n")
	for _, item := range types.Checklist {
		fmt.Fprintf(&b, "- %s: %s\n", item.Category, item.Description)
	}

	if diff := change.Diff(); diff != "" {
		b.WriteString("\nDiff against the active version:\n```diff\n")
		b.WriteString(diff)
		b.WriteString("\n```\n")
	}

	src := change.Source()
	truncated := a.Truncates(change)
	if truncated {
		src = src[:a.MaxSourceBytes]
	}
	fmt.Fprintf(&b, "\nSource:\n```%s\n%s\n```\n", change.Language(), src)
	if truncated {
		b.WriteString("(source truncated; treat the unseen remainder as suspicious)\n")
	}

	b.WriteString("\n")
	b.WriteString(answerSchema)
	return b.String()
}
