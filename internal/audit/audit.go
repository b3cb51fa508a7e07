// Package audit records security decisions in append-only sinks. Emission is
// asynchronous; a slow or failing sink never blocks or fails a decision.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"helix/internal/types"

	"github.com/google/uuid"
)

// Slot is the knowledge-store slot every record is written under.
const Slot = "security_audit"

// Kind classifies a record.
type Kind string

const (
	KindDecision     Kind = "decision"
	KindBuildFailure Kind = "build_failure"
	KindPromotion    Kind = "promotion"
	KindRollback     Kind = "rollback"
	KindDeadEnd      Kind = "dead_end"
)

// Record is one immutable audit entry.
type Record struct {
	ID       string                  `json:"id"`
	Kind     Kind                    `json:"kind"`
	Skill    string                  `json:"skill"`
	DNA      types.DNA               `json:"dna,omitempty"`
	Status   string                  `json:"status,omitempty"`
	Lethal   bool                    `json:"lethal,omitempty"`
	Override string                  `json:"override,omitempty"`
	Reason   string                  `json:"reason,omitempty"`
	Findings []types.SecurityFinding `json:"findings,omitempty"`
	BuildLog string                  `json:"build_log,omitempty"`
	At       time.Time               `json:"at"`
}

// NewRecord stamps a record with a fresh ID and the current time.
func NewRecord(kind Kind, skill string, dna types.DNA) Record {
	return Record{ID: uuid.NewString(), Kind: kind, Skill: skill, DNA: dna, At: time.Now().UTC()}
}

// Key is the record's key within Slot; keys sort by time per skill.
func (r Record) Key() string {
	return fmt.Sprintf("%s/%s/%s", r.Skill, r.At.UTC().Format("20060102T150405.000000000Z"), r.ID)
}

// Sink is an append-only store addressed by slot and key.
type Sink interface {
	Insert(ctx context.Context, slot, key string, value []byte) error
	Close() error
}

// Emitter accepts records without blocking.
type Emitter interface {
	Emit(Record)
}

// Discard drops every record.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Record) {}

// Write encodes rec and inserts it into sink synchronously.
func Write(ctx context.Context, sink Sink, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	return sink.Insert(ctx, Slot, rec.Key(), value)
}
