package server

import (
	"context"

	"github.com/gigpact/escrow/internal/contract"
	"github.com/gigpact/escrow/internal/realtime"
	"github.com/gigpact/escrow/internal/wallet"
)

// ledgerAdapter wires the contract engine's ledger operations to the wallet.
type ledgerAdapter struct {
	ledger *wallet.Ledger
}

func (a *ledgerAdapter) EscrowHold(ctx context.Context, clientID, amount, reference string) error {
	return a.ledger.Debit(ctx, wallet.AccountID(wallet.RoleClient, clientID), amount, "escrow_hold", reference)
}

func (a *ledgerAdapter) Settle(ctx context.Context, freelancerID, net, fee, reference string) error {
	return a.ledger.Settle(ctx, freelancerID, net, fee, reference)
}

func (a *ledgerAdapter) Refund(ctx context.Context, clientID, amount, reference string) error {
	return a.ledger.Credit(ctx, wallet.AccountID(wallet.RoleClient, clientID), wallet.RoleClient, amount, "refund", reference)
}

func (a *ledgerAdapter) RefundBatch(ctx context.Context, clientID string, refunds []contract.RefundItem) error {
	credits := make([]wallet.CreditInput, 0, len(refunds))
	for _, r := range refunds {
		credits = append(credits, wallet.CreditInput{
			AccountID: wallet.AccountID(wallet.RoleClient, clientID),
			Role:      wallet.RoleClient,
			Type:      "refund",
			Amount:    r.Amount,
			Reference: r.Reference,
		})
	}
	return a.ledger.RefundMany(ctx, credits)
}

// hubPublisher fans domain transitions out to WebSocket subscribers.
type hubPublisher struct {
	hub *realtime.Hub
}

func (p *hubPublisher) PublishMilestone(contractID string, m *contract.Milestone, action string) {
	p.hub.BroadcastMilestone(map[string]any{
		"contractId":  contractID,
		"milestoneId": m.ID,
		"status":      string(m.Status),
		"action":      action,
		"amount":      m.Amount,
	})
}

func (p *hubPublisher) PublishContract(c *contract.Contract) {
	p.hub.BroadcastContract(map[string]any{
		"contractId":   c.ID,
		"status":       string(c.Status),
		"clientId":     c.ClientID,
		"freelancerId": c.FreelancerID,
	})
}

func (p *hubPublisher) PublishDeposit(ownerID, amount string) {
	p.hub.BroadcastDeposit(map[string]any{
		"ownerId": ownerID,
		"amount":  amount,
	})
}
