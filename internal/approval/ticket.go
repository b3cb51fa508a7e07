package approval

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"helix/internal/types"
)

// ErrIllegalTransition is returned for any transition other than
// Pending to Approved or Pending to Rejected.
var ErrIllegalTransition = errors.New("illegal approval transition")

// Transition is one recorded state change.
type Transition struct {
	From, To types.ApprovalStatus
	Reason   string
	At       time.Time
}

// Ticket tracks one submitted change through the approval states.
type Ticket struct {
	mu      sync.Mutex
	change  *types.ProposedChange
	status  types.ApprovalStatus
	reason  string
	history []Transition
}

// NewTicket opens a Pending ticket for change.
func NewTicket(change *types.ProposedChange) *Ticket {
	return &Ticket{change: change, status: types.StatusPending}
}

func (t *Ticket) Status() types.ApprovalStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Ticket) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// History returns the transitions taken so far.
func (t *Ticket) History() []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Transition(nil), t.history...)
}

func (t *Ticket) Approve(reason string) error { return t.transition(types.StatusApproved, reason) }
func (t *Ticket) Reject(reason string) error  { return t.transition(types.StatusRejected, reason) }

func (t *Ticket) transition(to types.ApprovalStatus, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != types.StatusPending || !to.Terminal() {
		return fmt.Errorf("%w: %s -> %s for %s", ErrIllegalTransition, t.status, to, t.change.Skill())
	}
	t.history = append(t.history, Transition{From: t.status, To: to, Reason: reason, At: time.Now().UTC()})
	t.status = to
	t.reason = reason
	return nil
}
