package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"helix/internal/types"

	"github.com/google/uuid"
)

// ReviewRecord is one terminal approval decision.
type ReviewRecord struct {
	ID         string
	Skill      string
	DNA        types.DNA
	Submitter  string
	Status     types.ApprovalStatus
	Approved   bool
	Lethal     bool
	OverrideBy string
	Reason     string
	Findings   []types.SecurityFinding
	DecidedAt  time.Time
}

// AppendReview records a decision. The ID is generated when empty.
func (s *VersionStore) AppendReview(ctx context.Context, r ReviewRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.DecidedAt.IsZero() {
		r.DecidedAt = s.now()
	}
	findings, err := json.Marshal(r.Findings)
	if err != nil {
		return fmt.Errorf("encode findings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reviews
		(id, skill, dna, submitter, status, approved, lethal, override_by, reason, findings, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Skill, string(r.DNA), r.Submitter, r.Status.String(), boolInt(r.Approved), boolInt(r.Lethal),
		r.OverrideBy, r.Reason, string(findings), formatTime(r.DecidedAt))
	if err != nil {
		return fmt.Errorf("append review: %w", err)
	}
	return nil
}

// ReviewsSince returns decisions at or after since, oldest first.
func (s *VersionStore) ReviewsSince(ctx context.Context, since time.Time) ([]ReviewRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, skill, dna, submitter, status, approved, lethal, override_by, reason, findings, decided_at
		FROM reviews WHERE decided_at >= ? ORDER BY decided_at`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("query reviews: %w", err)
	}
	defer rows.Close()

	var out []ReviewRecord
	for rows.Next() {
		var (
			r                         ReviewRecord
			dna, status, findings, at string
			submitter, override       *string
			reason                    *string
			approved, lethal          int
		)
		if err := rows.Scan(&r.ID, &r.Skill, &dna, &submitter, &status, &approved, &lethal,
			&override, &reason, &findings, &at); err != nil {
			return nil, err
		}
		r.DNA = types.DNA(dna)
		r.Approved = approved != 0
		r.Lethal = lethal != 0
		r.Submitter = deref(submitter)
		r.OverrideBy = deref(override)
		r.Reason = deref(reason)
		switch status {
		case "approved":
			r.Status = types.StatusApproved
		case "rejected":
			r.Status = types.StatusRejected
		default:
			r.Status = types.StatusPending
		}
		if err := json.Unmarshal([]byte(findings), &r.Findings); err != nil {
			return nil, fmt.Errorf("decode findings of review %s: %w", r.ID, err)
		}
		if r.DecidedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
