// Package types holds the records shared by every stage of the evolution
// pipeline: proposed changes, security findings, consensus verdicts and
// version history entries.
package types

import (
	"fmt"
	"strings"
)

// Severity grades a single security finding. The zero value is Info.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"info", "low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityInfo || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity is case-insensitive. Unknown names are an error so reviewer
// output that invents a level is caught rather than silently downgraded.
func ParseSeverity(s string) (Severity, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range severityNames {
		if n == name {
			return Severity(i), nil
		}
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	if s < SeverityInfo || s > SeverityCritical {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ChangeSeverity is the blast-radius class a policy assigns to a whole
// change, independent of what reviewers find in it.
type ChangeSeverity int

const (
	ChangeLow ChangeSeverity = iota
	ChangeMedium
	ChangeHigh
	ChangeCritical
)

var changeSeverityNames = [...]string{"low", "medium", "high", "critical"}

func (c ChangeSeverity) String() string {
	if c < ChangeLow || c > ChangeCritical {
		return fmt.Sprintf("change_severity(%d)", int(c))
	}
	return changeSeverityNames[c]
}

// ParseChangeSeverity is case-insensitive.
func ParseChangeSeverity(s string) (ChangeSeverity, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range changeSeverityNames {
		if n == name {
			return ChangeSeverity(i), nil
		}
	}
	return ChangeLow, fmt.Errorf("unknown change severity %q", s)
}

func (c ChangeSeverity) MarshalText() ([]byte, error) {
	if c < ChangeLow || c > ChangeCritical {
		return nil, fmt.Errorf("invalid change severity %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *ChangeSeverity) UnmarshalText(b []byte) error {
	v, err := ParseChangeSeverity(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
