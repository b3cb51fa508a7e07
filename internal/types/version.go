package types

import (
	"fmt"
	"time"
)

// PatchStatus is the lifecycle state of a recorded version.
type PatchStatus string

const (
	PatchActive     PatchStatus = "active"
	PatchSuperseded PatchStatus = "superseded"
	PatchRolledBack PatchStatus = "rolled_back"
	PatchDeadEnd    PatchStatus = "dead_end"
)

// ParsePatchStatus validates a stored status string.
func ParsePatchStatus(s string) (PatchStatus, error) {
	switch PatchStatus(s) {
	case PatchActive, PatchSuperseded, PatchRolledBack, PatchDeadEnd:
		return PatchStatus(s), nil
	}
	return "", fmt.Errorf("unknown patch status %q", s)
}

// MetricsSnapshot is a point-in-time read of a skill's execution counters.
type MetricsSnapshot struct {
	Calls       int64         `json:"calls"`
	Errors      int64         `json:"errors"`
	TotalTime   time.Duration `json:"total_time"`
	CollectedAt time.Time     `json:"collected_at"`
}

// ErrorRate is errors/calls, 0 with no calls.
func (m MetricsSnapshot) ErrorRate() float64 {
	if m.Calls == 0 {
		return 0
	}
	return float64(m.Errors) / float64(m.Calls)
}

// MeanLatency is the average call duration, 0 with no calls.
func (m MetricsSnapshot) MeanLatency() time.Duration {
	if m.Calls == 0 {
		return 0
	}
	return m.TotalTime / time.Duration(m.Calls)
}

// PatchVersion is one durable record in a skill's version history.
type PatchVersion struct {
	ID           string          `json:"id"`
	Skill        string          `json:"skill"`
	Seq          int64           `json:"seq"`
	DNA          DNA             `json:"dna"`
	ArtifactPath string          `json:"artifact_path"`
	Status       PatchStatus     `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	PrevHash     string          `json:"prev_hash"`
	RecordHash   string          `json:"record_hash"`
	Baseline     MetricsSnapshot `json:"baseline"`
}

// DeadEndRecord is a permanently rejected DNA for one skill.
type DeadEndRecord struct {
	Skill       string    `json:"skill"`
	DNA         DNA       `json:"dna"`
	Reason      string    `json:"reason"`
	Occurrences int       `json:"occurrences"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// PatchPerformanceDelta compares the active version against the baseline
// captured when it was promoted.
type PatchPerformanceDelta struct {
	Skill   string          `json:"skill"`
	Version int64           `json:"version"`
	Since   time.Time       `json:"since"`
	Before  MetricsSnapshot `json:"before"`
	After   MetricsSnapshot `json:"after"`
}

// ErrorRateDelta is after minus before.
func (d PatchPerformanceDelta) ErrorRateDelta() float64 {
	return d.After.ErrorRate() - d.Before.ErrorRate()
}

// LatencyRatio is the relative change in mean latency (0.5 = 50% slower).
// Zero when there is no baseline latency.
func (d PatchPerformanceDelta) LatencyRatio() float64 {
	before := d.Before.MeanLatency()
	if before == 0 {
		return 0
	}
	return float64(d.After.MeanLatency()-before) / float64(before)
}

// RegressionPolicy decides when a delta counts as a regression.
type RegressionPolicy struct {
	MinCalls             int64
	MaxErrorRateIncrease float64
	MaxLatencyIncrease   float64
}

// Regressed returns a reason and true when the new version is worse than
// policy allows. Too few calls is never a regression.
func (d PatchPerformanceDelta) Regressed(p RegressionPolicy) (string, bool) {
	if d.After.Calls < p.MinCalls {
		return "", false
	}
	if inc := d.ErrorRateDelta(); p.MaxErrorRateIncrease > 0 && inc > p.MaxErrorRateIncrease {
		return fmt.Sprintf("error rate rose by %.3f (limit %.3f)", inc, p.MaxErrorRateIncrease), true
	}
	if r := d.LatencyRatio(); p.MaxLatencyIncrease > 0 && r > p.MaxLatencyIncrease {
		return fmt.Sprintf("mean latency rose by %.0f%% (limit %.0f%%)", r*100, p.MaxLatencyIncrease*100), true
	}
	return "", false
}
