// Package contract owns milestone contracts and the escrow lifecycle of each
// milestone.
//
// Flow:
//  1. Client creates a contract with a budget split into milestones → pending
//  2. Client funds a milestone → amount debited from the client's wallet
//  3. Freelancer submits work → submitted
//  4. Client requests a revision (back to funded) or releases → freelancer
//     paid net, platform takes the fee
//  5. Client cancels the contract → every outstanding hold refunded in full
//
// Released and refunded milestones are terminal; cancelled and completed
// contracts are closed to any further milestone action.
package contract

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gigpact/escrow/internal/idgen"
)

var (
	ErrContractNotFound    = errors.New("contract: contract not found")
	ErrMilestoneNotFound   = errors.New("contract: milestone not found")
	ErrInvalidTransition   = errors.New("contract: invalid milestone transition")
	ErrNotAuthorized       = errors.New("contract: caller not authorized for this action")
	ErrContractClosed      = errors.New("contract: contract is cancelled or completed")
	ErrBudgetExceeded      = errors.New("contract: milestone amounts exceed total budget")
	ErrConcurrencyConflict = errors.New("contract: milestone was modified concurrently, re-read and retry")
)

// Status represents the derived state of a contract.
type Status string

const (
	StatusPending   Status = "pending"   // No milestone funded yet
	StatusActive    Status = "active"    // At least one milestone funded, not all released
	StatusCompleted Status = "completed" // Every milestone released
	StatusCancelled Status = "cancelled" // Terminal; set explicitly by cancellation
)

// MilestoneStatus represents the state of one milestone's escrow hold.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneFunded    MilestoneStatus = "funded"
	MilestoneSubmitted MilestoneStatus = "submitted"
	MilestoneReleased  MilestoneStatus = "released"
	MilestoneRefunded  MilestoneStatus = "refunded"
)

// IsTerminal returns true if no further transition is permitted.
func (s MilestoneStatus) IsTerminal() bool {
	return s == MilestoneReleased || s == MilestoneRefunded
}

// Holding returns true if the milestone currently holds client funds.
func (s MilestoneStatus) Holding() bool {
	return s == MilestoneFunded || s == MilestoneSubmitted
}

// Submission records a freelancer's delivery for one milestone. It is
// replaced on re-submission after a revision request.
type Submission struct {
	Note        string    `json:"note,omitempty"`
	DeliveryRef string    `json:"deliveryRef"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RevisionRequest is one entry of a milestone's append-only revision trail.
type RevisionRequest struct {
	Feedback  string    `json:"feedback"`
	CreatedAt time.Time `json:"createdAt"`
}

// Milestone is a discrete, separately payable unit of work within a contract.
type Milestone struct {
	ID          string            `json:"id"`
	ContractID  string            `json:"contractId"`
	Position    int               `json:"position"`
	Description string            `json:"description"`
	Amount      string            `json:"amount"`
	Status      MilestoneStatus   `json:"status"`
	Version     int64             `json:"version"` // optimistic concurrency counter
	Submission  *Submission       `json:"submission,omitempty"`
	Revisions   []RevisionRequest `json:"revisions,omitempty"`
	ReleasedNet string            `json:"releasedNet,omitempty"` // set on release
	ReleasedFee string            `json:"releasedFee,omitempty"` // set on release
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Contract is an agreement between a client and a freelancer, owning an
// ordered sequence of milestones.
type Contract struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	ClientID     string       `json:"clientId"`
	FreelancerID string       `json:"freelancerId"`
	TotalBudget  string       `json:"totalBudget"`
	Status       Status       `json:"status"`
	Milestones   []*Milestone `json:"milestones"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// IsClosed returns true if the contract accepts no further milestone actions.
func (c *Contract) IsClosed() bool {
	return c.Status == StatusCancelled || c.Status == StatusCompleted
}

// Milestone returns the milestone with the given id, or nil.
func (c *Contract) Milestone(id string) *Milestone {
	for _, m := range c.Milestones {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// DeriveStatus computes the contract-level status from milestone statuses.
// Cancellation is sticky and never derived away.
func (c *Contract) DeriveStatus() Status {
	statuses := make([]MilestoneStatus, len(c.Milestones))
	for i, m := range c.Milestones {
		statuses[i] = m.Status
	}
	return deriveStatus(c.Status, statuses)
}

func deriveStatus(current Status, milestones []MilestoneStatus) Status {
	if current == StatusCancelled {
		return StatusCancelled
	}
	allReleased := len(milestones) > 0
	anyStarted := false
	for _, st := range milestones {
		if st != MilestoneReleased {
			allReleased = false
		}
		if st.Holding() || st == MilestoneReleased {
			anyStarted = true
		}
	}
	switch {
	case allReleased:
		return StatusCompleted
	case anyStarted:
		return StatusActive
	default:
		return StatusPending
	}
}

// Store persists contracts and milestones.
type Store interface {
	CreateContract(ctx context.Context, contract *Contract) error
	// GetContract returns a contract with its milestones ordered by position.
	GetContract(ctx context.Context, id string) (*Contract, error)
	// UpdateMilestone writes a milestone if its stored version still equals
	// expectedVersion, incrementing the version; otherwise it fails with
	// ErrConcurrencyConflict. Submission and revision records are persisted
	// with the same write.
	UpdateMilestone(ctx context.Context, m *Milestone, expectedVersion int64) error
	// SyncContractStatus re-derives the contract status from the current
	// milestone rows and writes it, returning the result. Derivation and
	// write happen atomically against the stored rows, never against a
	// caller snapshot, so concurrent transitions on sibling milestones
	// converge on the right status.
	SyncContractStatus(ctx context.Context, id string) (Status, error)
	// CancelContract marks the contract cancelled and the given milestones
	// refunded as a single atomic unit, checking each milestone's version.
	// A contract whose milestones are all released is refused even when the
	// status column has not caught up yet.
	CancelContract(ctx context.Context, id string, refunded []*Milestone) error
	// ListByParty returns contracts where the party is client or freelancer.
	ListByParty(ctx context.Context, clientID, freelancerID string, limit int) ([]*Contract, error)
}

// LedgerService abstracts the wallet operations the engine needs, so the
// state machine can be tested against a mock ledger.
type LedgerService interface {
	// EscrowHold debits the client's wallet for a milestone hold.
	EscrowHold(ctx context.Context, clientID, amount, reference string) error
	// Settle credits freelancer net and platform fee as one atomic pair.
	Settle(ctx context.Context, freelancerID, net, fee, reference string) error
	// Refund credits the client back a single held amount.
	Refund(ctx context.Context, clientID, amount, reference string) error
	// RefundBatch credits the client all outstanding holds atomically.
	RefundBatch(ctx context.Context, clientID string, refunds []RefundItem) error
}

// RefundItem is one milestone's refund within a cancellation batch.
type RefundItem struct {
	Amount    string
	Reference string
}

func generateContractID() string {
	return idgen.WithPrefix("ct_")
}

func generateMilestoneID() string {
	return idgen.WithPrefix("ms_")
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
