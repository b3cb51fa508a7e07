package classify

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"helix/internal/types"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

//go:embed severity.mg
var defaultPolicySource string

// PolicyFinding is a finding derived by the policy program.
type PolicyFinding struct {
	Category   string
	Severity   types.Severity
	Capability Capability
}

// Verdict is the policy's answer for one set of capabilities.
type Verdict struct {
	Severity types.ChangeSeverity
	Findings []PolicyFinding
}

// Policy is an analyzed Mangle program deriving blast_radius/1 and
// finding/3 from capability/1 facts. It is immutable after load and safe
// for concurrent use; each evaluation gets its own fact store.
type Policy struct {
	info       *analysis.ProgramInfo
	capability ast.PredicateSym
	blast      ast.PredicateSym
	finding    ast.PredicateSym
}

// DefaultPolicy returns the embedded policy.
func DefaultPolicy() (*Policy, error) {
	return LoadPolicy(defaultPolicySource)
}

// LoadPolicyFile reads a policy program from disk. An empty path selects
// the embedded policy.
func LoadPolicyFile(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return LoadPolicy(string(data))
}

// LoadPolicy parses and analyzes src. The program must declare
// capability(Cap), blast_radius(N) and finding(Category, Severity, Cap).
func LoadPolicy(src string) (*Policy, error) {
	unit, err := parse.Unit(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze policy: %w", err)
	}

	p := &Policy{info: info}
	want := map[string]*ast.PredicateSym{
		"capability":   &p.capability,
		"blast_radius": &p.blast,
		"finding":      &p.finding,
	}
	arity := map[string]int{"capability": 1, "blast_radius": 1, "finding": 3}
	for sym := range info.Decls {
		if dst, ok := want[sym.Symbol]; ok && sym.Arity == arity[sym.Symbol] {
			*dst = sym
			delete(want, sym.Symbol)
		}
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for name := range want {
			missing = append(missing, fmt.Sprintf("%s/%d", name, arity[name]))
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("policy does not declare %s", strings.Join(missing, ", "))
	}
	return p, nil
}

// Evaluate runs the program over caps.
func (p *Policy) Evaluate(caps []Capability) (Verdict, error) {
	store := factstore.NewSimpleInMemoryStore()
	for _, c := range caps {
		name, err := ast.Name("/" + string(c))
		if err != nil {
			return Verdict{}, fmt.Errorf("capability %q: %w", c, err)
		}
		store.Add(ast.Atom{Predicate: p.capability, Args: []ast.BaseTerm{name}})
	}

	if _, err := mengine.EvalProgramWithStats(p.info, store); err != nil {
		return Verdict{}, fmt.Errorf("policy evaluation failed: %w", err)
	}

	v := Verdict{Severity: types.ChangeLow}
	err := store.GetFacts(ast.NewQuery(p.blast), func(a ast.Atom) error {
		c, ok := a.Args[0].(ast.Constant)
		if !ok || c.Type != ast.NumberType {
			return fmt.Errorf("blast_radius: non-numeric value %v", a.Args[0])
		}
		s := types.ChangeSeverity(c.NumValue)
		if s > types.ChangeCritical {
			s = types.ChangeCritical
		}
		if s > v.Severity {
			v.Severity = s
		}
		return nil
	})
	if err != nil {
		return Verdict{}, err
	}

	err = store.GetFacts(ast.NewQuery(p.finding), func(a ast.Atom) error {
		cat, err1 := nameArg(a.Args[0])
		sev, err2 := nameArg(a.Args[1])
		capName, err3 := nameArg(a.Args[2])
		if err1 != nil || err2 != nil || err3 != nil {
			return fmt.Errorf("finding: malformed fact %v", a)
		}
		severity, err := types.ParseSeverity(sev)
		if err != nil {
			return fmt.Errorf("finding: %w", err)
		}
		v.Findings = append(v.Findings, PolicyFinding{
			Category:   strings.ReplaceAll(cat, "_", "-"),
			Severity:   severity,
			Capability: Capability(capName),
		})
		return nil
	})
	if err != nil {
		return Verdict{}, err
	}
	sort.Slice(v.Findings, func(i, j int) bool {
		a, b := v.Findings[i], v.Findings[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Capability < b.Capability
	})
	return v, nil
}

// nameArg returns a name constant without its leading slash.
func nameArg(t ast.BaseTerm) (string, error) {
	c, ok := t.(ast.Constant)
	if !ok || c.Type != ast.NameType {
		return "", fmt.Errorf("not a name: %v", t)
	}
	return strings.TrimPrefix(c.Symbol, "/"), nil
}
