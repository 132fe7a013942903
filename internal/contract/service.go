package contract

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/gigpact/escrow/internal/fees"
	"github.com/gigpact/escrow/internal/money"
	"github.com/gigpact/escrow/internal/syncutil"
	"github.com/gigpact/escrow/internal/traces"
)

// MaxMilestones is the maximum number of milestones in one contract.
const MaxMilestones = 100

// CreateRequest contains the parameters for creating a contract.
type CreateRequest struct {
	Title        string          `json:"title" binding:"required"`
	ClientID     string          `json:"clientId" binding:"required"`
	FreelancerID string          `json:"freelancerId" binding:"required"`
	TotalBudget  string          `json:"totalBudget" binding:"required"`
	Milestones   []MilestoneSpec `json:"milestones" binding:"required"`
}

// MilestoneSpec defines one milestone at contract creation.
type MilestoneSpec struct {
	Description string `json:"description"`
	Amount      string `json:"amount" binding:"required"`
}

// SubmitRequest contains the parameters for submitting milestone work.
type SubmitRequest struct {
	CallerID    string `json:"callerId" binding:"required"`
	Note        string `json:"note"`
	DeliveryRef string `json:"deliveryRef" binding:"required"`
}

// RevisionRequestInput contains the parameters for requesting a revision.
type RevisionRequestInput struct {
	CallerID string `json:"callerId" binding:"required"`
	Feedback string `json:"feedback" binding:"required"`
}

// EventPublisher receives milestone and contract transitions for fan-out.
type EventPublisher interface {
	PublishMilestone(contractID string, m *Milestone, action string)
	PublishContract(c *Contract)
}

// Service implements the escrow milestone engine.
type Service struct {
	store  Store
	ledger LedgerService
	calc   *fees.Calculator
	events EventPublisher
	logger *slog.Logger
	locks  syncutil.ShardedMutex // serializes in-process transitions per milestone
}

// NewService creates a new contract service.
func NewService(store Store, ledger LedgerService, calc *fees.Calculator) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
		calc:   calc,
		logger: slog.Default(),
	}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithEvents adds an event publisher for the realtime feed.
func (s *Service) WithEvents(p EventPublisher) *Service {
	s.events = p
	return s
}

// lockMilestone serializes in-process transitions for one milestone.
// This prevents concurrent transitions (e.g. release + cancel racing);
// cross-process races are caught by the version check on write.
func (s *Service) lockMilestone(contractID, milestoneID string) func() {
	return s.locks.Lock(contractID + "/" + milestoneID)
}

// lockContract is scoped to the whole contract (cancellation).
func (s *Service) lockContract(contractID string) func() {
	return s.locks.Lock(contractID)
}

// Create validates the milestone split and persists a new pending contract.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Contract, error) {
	ctx, span := traces.StartSpan(ctx, "contract.Create",
		traces.Caller(req.ClientID),
		traces.Amount(req.TotalBudget),
	)
	defer span.End()

	clientID := normalizeID(req.ClientID)
	freelancerID := normalizeID(req.FreelancerID)
	if clientID == freelancerID {
		return nil, fmt.Errorf("%w: client and freelancer cannot be the same party", ErrNotAuthorized)
	}
	if len(req.Milestones) == 0 {
		return nil, fmt.Errorf("contract requires at least one milestone")
	}
	if len(req.Milestones) > MaxMilestones {
		return nil, fmt.Errorf("contract cannot have more than %d milestones", MaxMilestones)
	}

	budget, ok := money.Parse(req.TotalBudget)
	if !ok || budget.Sign() <= 0 {
		return nil, fmt.Errorf("invalid total budget %q", req.TotalBudget)
	}

	// Milestone amounts must not exceed the budget; under-allocation is fine.
	sum := new(big.Int)
	for i, spec := range req.Milestones {
		amt, ok := money.Parse(spec.Amount)
		if !ok || amt.Sign() <= 0 {
			return nil, fmt.Errorf("milestones[%d]: invalid amount %q", i, spec.Amount)
		}
		sum.Add(sum, amt)
	}
	if sum.Cmp(budget) > 0 {
		return nil, fmt.Errorf("%w: milestones total %s, budget %s",
			ErrBudgetExceeded, money.Format(sum), req.TotalBudget)
	}

	now := time.Now()
	contract := &Contract{
		ID:           generateContractID(),
		Title:        req.Title,
		ClientID:     clientID,
		FreelancerID: freelancerID,
		TotalBudget:  req.TotalBudget,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i, spec := range req.Milestones {
		contract.Milestones = append(contract.Milestones, &Milestone{
			ID:          generateMilestoneID(),
			ContractID:  contract.ID,
			Position:    i,
			Description: spec.Description,
			Amount:      spec.Amount,
			Status:      MilestonePending,
			Version:     1,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	if err := s.store.CreateContract(ctx, contract); err != nil {
		return nil, fmt.Errorf("failed to create contract: %w", err)
	}

	observeTransition("create", "ok")
	if s.events != nil {
		s.events.PublishContract(contract)
	}
	return contract, nil
}

// FundMilestone moves a pending milestone to funded, debiting the client.
func (s *Service) FundMilestone(ctx context.Context, contractID, milestoneID, callerID string) (*Milestone, error) {
	ctx, span := traces.StartSpan(ctx, "contract.FundMilestone",
		traces.ContractID(contractID),
		traces.MilestoneID(milestoneID),
		traces.Caller(callerID),
	)
	defer span.End()

	unlock := s.lockMilestone(contractID, milestoneID)
	defer unlock()

	contract, m, err := s.loadMilestone(ctx, contractID, milestoneID)
	if err != nil {
		return nil, err
	}
	if normalizeID(callerID) != contract.ClientID {
		observeTransition("fund", "not_authorized")
		return nil, fmt.Errorf("%w: only the client can fund a milestone", ErrNotAuthorized)
	}
	if m.Status != MilestonePending {
		observeTransition("fund", "invalid_transition")
		return nil, fmt.Errorf("%w: cannot fund milestone in status %s", ErrInvalidTransition, m.Status)
	}

	// Take the hold before claiming the status; a failed debit leaves the
	// milestone untouched.
	if err := s.ledger.EscrowHold(ctx, contract.ClientID, m.Amount, m.ID); err != nil {
		observeTransition("fund", "hold_failed")
		return nil, fmt.Errorf("failed to hold milestone funds: %w", err)
	}

	expected := m.Version
	m.Status = MilestoneFunded
	m.UpdatedAt = time.Now()
	if err := s.store.UpdateMilestone(ctx, m, expected); err != nil {
		// Give the hold back; the transition did not happen.
		if refundErr := s.ledger.Refund(ctx, contract.ClientID, m.Amount, m.ID); refundErr != nil {
			s.logger.Error("CRITICAL: fund hold taken but status write and refund both failed",
				"contract_id", contractID, "milestone_id", m.ID, "amount", m.Amount,
				"update_error", err, "refund_error", refundErr)
		}
		observeTransition("fund", "conflict")
		return nil, err
	}

	observeTransition("fund", "ok")
	escrowHeldAdd(m.Amount)
	s.afterTransition(ctx, contract, m, "funded")
	return m, nil
}

// SubmitWork moves a funded milestone to submitted, storing the delivery.
func (s *Service) SubmitWork(ctx context.Context, contractID, milestoneID string, req SubmitRequest) (*Milestone, error) {
	ctx, span := traces.StartSpan(ctx, "contract.SubmitWork",
		traces.ContractID(contractID),
		traces.MilestoneID(milestoneID),
		traces.Caller(req.CallerID),
	)
	defer span.End()

	unlock := s.lockMilestone(contractID, milestoneID)
	defer unlock()

	contract, m, err := s.loadMilestone(ctx, contractID, milestoneID)
	if err != nil {
		return nil, err
	}
	if normalizeID(req.CallerID) != contract.FreelancerID {
		observeTransition("submit", "not_authorized")
		return nil, fmt.Errorf("%w: only the freelancer can submit work", ErrNotAuthorized)
	}
	if m.Status != MilestoneFunded {
		observeTransition("submit", "invalid_transition")
		return nil, fmt.Errorf("%w: cannot submit milestone in status %s", ErrInvalidTransition, m.Status)
	}

	expected := m.Version
	now := time.Now()
	m.Status = MilestoneSubmitted
	m.Submission = &Submission{
		Note:        req.Note,
		DeliveryRef: req.DeliveryRef,
		CreatedAt:   now,
	}
	m.UpdatedAt = now
	if err := s.store.UpdateMilestone(ctx, m, expected); err != nil {
		observeTransition("submit", "conflict")
		return nil, err
	}

	observeTransition("submit", "ok")
	s.afterTransition(ctx, contract, m, "submitted")
	return m, nil
}

// RequestRevision returns a submitted milestone to funded with feedback.
// The hold is untouched; the freelancer must resubmit.
func (s *Service) RequestRevision(ctx context.Context, contractID, milestoneID string, req RevisionRequestInput) (*Milestone, error) {
	ctx, span := traces.StartSpan(ctx, "contract.RequestRevision",
		traces.ContractID(contractID),
		traces.MilestoneID(milestoneID),
		traces.Caller(req.CallerID),
	)
	defer span.End()

	unlock := s.lockMilestone(contractID, milestoneID)
	defer unlock()

	contract, m, err := s.loadMilestone(ctx, contractID, milestoneID)
	if err != nil {
		return nil, err
	}
	if normalizeID(req.CallerID) != contract.ClientID {
		observeTransition("revision", "not_authorized")
		return nil, fmt.Errorf("%w: only the client can request a revision", ErrNotAuthorized)
	}
	if m.Status != MilestoneSubmitted {
		observeTransition("revision", "invalid_transition")
		return nil, fmt.Errorf("%w: cannot request revision in status %s", ErrInvalidTransition, m.Status)
	}

	expected := m.Version
	now := time.Now()
	m.Status = MilestoneFunded
	m.Submission = nil
	m.Revisions = append(m.Revisions, RevisionRequest{
		Feedback:  req.Feedback,
		CreatedAt: now,
	})
	m.UpdatedAt = now
	if err := s.store.UpdateMilestone(ctx, m, expected); err != nil {
		observeTransition("revision", "conflict")
		return nil, err
	}

	observeTransition("revision", "ok")
	s.afterTransition(ctx, contract, m, "revision_requested")
	return m, nil
}

// ReleaseEscrow releases a submitted milestone: the freelancer is credited
// the net amount and the platform the fee.
func (s *Service) ReleaseEscrow(ctx context.Context, contractID, milestoneID, callerID string) (*Milestone, fees.Settlement, error) {
	ctx, span := traces.StartSpan(ctx, "contract.ReleaseEscrow",
		traces.ContractID(contractID),
		traces.MilestoneID(milestoneID),
		traces.Caller(callerID),
	)
	defer span.End()

	unlock := s.lockMilestone(contractID, milestoneID)
	defer unlock()

	contract, m, err := s.loadMilestone(ctx, contractID, milestoneID)
	if err != nil {
		return nil, fees.Settlement{}, err
	}
	if normalizeID(callerID) != contract.ClientID {
		observeTransition("release", "not_authorized")
		return nil, fees.Settlement{}, fmt.Errorf("%w: only the client can release escrow", ErrNotAuthorized)
	}
	if m.Status != MilestoneSubmitted {
		observeTransition("release", "invalid_transition")
		return nil, fees.Settlement{}, fmt.Errorf("%w: cannot release milestone in status %s", ErrInvalidTransition, m.Status)
	}

	settlement, err := s.calc.Compute(m.Amount)
	if err != nil {
		return nil, fees.Settlement{}, fmt.Errorf("failed to compute settlement: %w", err)
	}

	// Claim the status first: the version bump makes a concurrent or retried
	// release fail before any funds move, which is what prevents double payment.
	expected := m.Version
	now := time.Now()
	m.Status = MilestoneReleased
	m.ReleasedNet = settlement.Net
	m.ReleasedFee = settlement.Fee
	m.UpdatedAt = now
	if err := s.store.UpdateMilestone(ctx, m, expected); err != nil {
		observeTransition("release", "conflict")
		return nil, fees.Settlement{}, err
	}

	if err := s.ledger.Settle(ctx, contract.FreelancerID, settlement.Net, settlement.Fee, m.ID); err != nil {
		// Roll the claim back so the hold stays intact and the client can retry.
		m.Status = MilestoneSubmitted
		m.ReleasedNet = ""
		m.ReleasedFee = ""
		m.UpdatedAt = time.Now()
		if revertErr := s.store.UpdateMilestone(ctx, m, expected+1); revertErr != nil {
			s.logger.Error("CRITICAL: milestone marked released but payout failed and revert failed",
				"contract_id", contractID, "milestone_id", m.ID, "amount", m.Amount,
				"settle_error", err, "revert_error", revertErr)
		}
		observeTransition("release", "settle_failed")
		return nil, fees.Settlement{}, fmt.Errorf("failed to settle release: %w", err)
	}

	observeTransition("release", "ok")
	escrowHeldSub(m.Amount)
	s.afterTransition(ctx, contract, m, "released")
	return m, settlement, nil
}

// Cancel cancels the whole contract: every funded or submitted milestone is
// refunded in full to the client, pending milestones become void, and the
// contract is closed permanently.
func (s *Service) Cancel(ctx context.Context, contractID, callerID string) (*Contract, []*Milestone, error) {
	ctx, span := traces.StartSpan(ctx, "contract.Cancel",
		traces.ContractID(contractID),
		traces.Caller(callerID),
	)
	defer span.End()

	unlock := s.lockContract(contractID)
	defer unlock()

	contract, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, nil, err
	}
	if normalizeID(callerID) != contract.ClientID {
		observeTransition("cancel", "not_authorized")
		return nil, nil, fmt.Errorf("%w: only the client can cancel the contract", ErrNotAuthorized)
	}
	if contract.IsClosed() {
		observeTransition("cancel", "closed")
		return nil, nil, fmt.Errorf("%w: status is %s", ErrContractClosed, contract.Status)
	}

	var refunded []*Milestone
	var refunds []RefundItem
	for _, m := range contract.Milestones {
		if m.Status.Holding() {
			refunded = append(refunded, m)
			refunds = append(refunds, RefundItem{Amount: m.Amount, Reference: m.ID})
		}
	}

	// Money first, then state, mirroring the refund path of a dispute: the
	// wallet batch is atomic, and if the state write fails we take the
	// refunds back rather than leave a half-cancelled ledger.
	if len(refunds) > 0 {
		if err := s.ledger.RefundBatch(ctx, contract.ClientID, refunds); err != nil {
			observeTransition("cancel", "refund_failed")
			return nil, nil, fmt.Errorf("failed to refund outstanding milestones: %w", err)
		}
	}

	now := time.Now()
	for _, m := range refunded {
		m.Status = MilestoneRefunded
		m.Submission = nil
		m.UpdatedAt = now
	}
	contract.Status = StatusCancelled
	contract.UpdatedAt = now

	if err := s.store.CancelContract(ctx, contractID, refunded); err != nil {
		for _, item := range refunds {
			if compErr := s.ledger.EscrowHold(ctx, contract.ClientID, item.Amount, item.Reference); compErr != nil {
				s.logger.Error("CRITICAL: cancellation refund issued but state write and compensation both failed",
					"contract_id", contractID, "milestone_id", item.Reference, "amount", item.Amount,
					"cancel_error", err, "compensate_error", compErr)
			}
		}
		observeTransition("cancel", "conflict")
		return nil, nil, err
	}

	observeTransition("cancel", "ok")
	for _, m := range refunded {
		escrowHeldSub(m.Amount)
	}
	if s.events != nil {
		for _, m := range refunded {
			s.events.PublishMilestone(contractID, m, "refunded")
		}
		s.events.PublishContract(contract)
	}
	return contract, refunded, nil
}

// Get returns a contract with its milestones.
func (s *Service) Get(ctx context.Context, contractID string) (*Contract, error) {
	return s.store.GetContract(ctx, contractID)
}

// ListByParty returns contracts filtered by client and/or freelancer.
func (s *Service) ListByParty(ctx context.Context, clientID, freelancerID string, limit int) ([]*Contract, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, normalizeID(clientID), normalizeID(freelancerID), limit)
}

// loadMilestone fetches the contract and one milestone, rejecting closed
// contracts up front.
func (s *Service) loadMilestone(ctx context.Context, contractID, milestoneID string) (*Contract, *Milestone, error) {
	contract, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, nil, err
	}
	if contract.IsClosed() {
		return nil, nil, fmt.Errorf("%w: status is %s", ErrContractClosed, contract.Status)
	}
	m := contract.Milestone(milestoneID)
	if m == nil {
		return nil, nil, ErrMilestoneNotFound
	}
	return contract, m, nil
}

// afterTransition re-derives the contract status and publishes events.
// The store derives from the rows as they stand now, not from our snapshot:
// a concurrent transition on a sibling milestone may have landed since we
// loaded the contract, and deriving from the snapshot would miss it.
func (s *Service) afterTransition(ctx context.Context, contract *Contract, m *Milestone, action string) {
	status, err := s.store.SyncContractStatus(ctx, contract.ID)
	if err != nil {
		s.logger.Error("failed to sync derived contract status",
			"contract_id", contract.ID, "error", err)
		status = contract.Status
	}
	contract.Status = status
	if s.events != nil {
		s.events.PublishMilestone(contract.ID, m, action)
		if status != StatusPending {
			s.events.PublishContract(contract)
		}
	}
}
