package types

import "time"

// Checklist categories a finding may be tagged with.
const (
	CategoryInjection         = "injection"
	CategoryDeserialization   = "unsafe-deserialization"
	CategoryResourceExhaust   = "unbounded-resource"
	CategoryPrivilegeEscalate = "privilege-escalation"
	CategoryMemorySafety      = "memory-safety"
	CategoryPathTraversal     = "path-traversal"
	CategorySecrets           = "secrets-exposure"
	CategoryExfiltration      = "network-exfiltration"
	CategoryProcessExec       = "process-execution"
	CategoryDenialOfService   = "denial-of-service"
	CategoryAmbiguous         = "ambiguous-review"
	CategoryOther             = "other"
)

// Checklist is the fixed vulnerability checklist embedded in review prompts.
var Checklist = []struct {
	Category    string
	Description string
}{
	{CategoryInjection, "command, SQL, format-string or template injection from argument data"},
	{CategoryDeserialization, "decoding untrusted input into types with side effects or unchecked sizes"},
	{CategoryResourceExhaust, "unbounded loops, allocations, recursion or file handles driven by input"},
	{CategoryPrivilegeEscalate, "changing uid/gid, capabilities, permissions or escaping the host process"},
	{CategoryMemorySafety, "unsafe blocks, raw pointers, FFI misuse, use-after-free, buffer overflow"},
	{CategoryPathTraversal, "file paths built from input without canonicalization"},
	{CategorySecrets, "reading or returning credentials, keys or environment secrets"},
	{CategoryExfiltration, "opening sockets or making HTTP requests"},
	{CategoryProcessExec, "spawning processes or invoking a shell"},
	{CategoryDenialOfService, "panics across the C ABI, aborts, or blocking forever"},
}

// SecurityFinding is one issue raised by one reviewer.
type SecurityFinding struct {
	Severity  Severity `json:"severity"`
	Category  string   `json:"category"`
	Rationale string   `json:"rationale"`
	Reviewer  string   `json:"reviewer"`
}

// ReviewerFailure records a reviewer that did not produce a usable verdict.
type ReviewerFailure struct {
	Reviewer string `json:"reviewer"`
	Reason   string `json:"reason"`
}

// ConsensusResult is the reduced verdict over all reviewer findings.
type ConsensusResult struct {
	Approved  bool              `json:"approved"`
	Lethal    bool              `json:"lethal"`
	Findings  []SecurityFinding `json:"findings"`
	Reviewers []string          `json:"reviewers"`
	Failed    []ReviewerFailure `json:"failed,omitempty"`
	Override  string            `json:"override,omitempty"`
	Reason    string            `json:"reason"`
	At        time.Time         `json:"at"`
}

// MaxSeverity returns the highest finding severity, or Info when there are
// no findings.
func (r ConsensusResult) MaxSeverity() Severity {
	max := SeverityInfo
	for _, f := range r.Findings {
		if f.Severity > max {
			max = f.Severity
		}
	}
	return max
}

// Has reports whether any finding is at exactly s.
func (r ConsensusResult) Has(s Severity) bool {
	for _, f := range r.Findings {
		if f.Severity == s {
			return true
		}
	}
	return false
}

// ApprovalStatus is the lifecycle state of a submitted change.
type ApprovalStatus int

const (
	StatusPending ApprovalStatus = iota
	StatusApproved
	StatusRejected
)

func (s ApprovalStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func (s ApprovalStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further transition is allowed.
func (s ApprovalStatus) Terminal() bool { return s == StatusApproved || s == StatusRejected }

// SecurityAuditSummary aggregates review history over a window.
type SecurityAuditSummary struct {
	Since      time.Time      `json:"since"`
	Until      time.Time      `json:"until"`
	Decisions  int            `json:"decisions"`
	Approved   int            `json:"approved"`
	Rejected   int            `json:"rejected"`
	Lethal     int            `json:"lethal"`
	Overridden int            `json:"overridden"`
	BySeverity map[string]int `json:"by_severity"`
	BySkill    map[string]int `json:"by_skill"`
	ByCategory map[string]int `json:"by_category"`
}
