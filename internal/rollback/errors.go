package rollback

import (
	"errors"
	"fmt"
)

var (
	ErrDeadEnd         = errors.New("dna is a known dead end")
	ErrNoPriorVersion  = errors.New("no eligible prior version")
	ErrNoActiveVersion = errors.New("no active version")
)

// RollbackError wraps a failed version operation.
type RollbackError struct {
	Op    string // promote, rollback, dead_end, restore
	Skill string
	Err   error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Skill, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }
