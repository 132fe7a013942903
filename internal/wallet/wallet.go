// Package wallet is the ledger of record for platform balances.
//
// Accounts belong to a party (client, freelancer) or to the platform itself.
// Balances are mutated only through this package, one operation per milestone
// transition:
//  1. Funding a milestone debits the client's account (the escrow hold)
//  2. Releasing credits the freelancer (net) and the platform (fee) as a pair
//  3. Refunding credits the client the full held amount
package wallet

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gigpact/escrow/internal/money"
)

var (
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrAccountNotFound   = errors.New("wallet: account not found")
	ErrInvalidAmount     = errors.New("wallet: invalid amount")
)

// Role identifies what kind of party owns an account.
type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
	RolePlatform   Role = "platform"
)

// PlatformOwner is the reserved owner id of the platform fee account.
const PlatformOwner = "platform"

// AccountID builds the canonical account identifier for an owner and role.
func AccountID(role Role, ownerID string) string {
	return string(role) + ":" + strings.ToLower(ownerID)
}

// PlatformAccountID is the account that collects release fees.
func PlatformAccountID() string {
	return AccountID(RolePlatform, PlatformOwner)
}

// Account holds one party's balance.
type Account struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Role      Role      `json:"role"`
	Balance   string    `json:"balance"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entry is an append-only record of one balance mutation.
type Entry struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"accountId"`
	Type        string    `json:"type"` // deposit, escrow_hold, release_net, release_fee, refund
	Amount      string    `json:"amount"`
	Reference   string    `json:"reference,omitempty"` // milestone or contract id
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CreditInput is one credit within an atomic batch.
type CreditInput struct {
	AccountID string
	Role      Role
	Type      string
	Amount    string
	Reference string
}

// Store persists accounts and entries. Every mutation is atomic: the balance
// change and its entry commit together or not at all.
type Store interface {
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	// Credit increases a balance, creating the account on first use.
	Credit(ctx context.Context, accountID string, role Role, amount, entryType, reference string) error
	// Debit decreases a balance. Fails with ErrInsufficientFunds rather
	// than letting the balance go negative.
	Debit(ctx context.Context, accountID, amount, entryType, reference string) error
	// CreditPair applies two credits as a single atomic unit (release's
	// freelancer net + platform fee).
	CreditPair(ctx context.Context, a, b CreditInput) error
	// CreditMany applies a batch of credits atomically (cancellation refunds).
	CreditMany(ctx context.Context, credits []CreditInput) error
	GetHistory(ctx context.Context, accountID string, limit int, opts ...ListOption) ([]*Entry, error)
}

// Ledger exposes validated wallet operations over a Store.
type Ledger struct {
	store Store
}

// New creates a wallet ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetBalance returns an account. Unknown accounts read as zero balance.
func (l *Ledger) GetBalance(ctx context.Context, accountID string) (*Account, error) {
	done := observeOp("get_balance")
	defer done()
	return l.store.GetAccount(ctx, accountID)
}

// Deposit credits a client account so it can fund milestones. The physical
// money movement behind a deposit is handled upstream.
func (l *Ledger) Deposit(ctx context.Context, ownerID, amount string) error {
	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	done := observeOp("deposit")
	defer done()
	return l.store.Credit(ctx, AccountID(RoleClient, ownerID), RoleClient, amount, "deposit", "")
}

// Debit removes funds from an account for an escrow hold.
func (l *Ledger) Debit(ctx context.Context, accountID, amount, entryType, reference string) error {
	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	done := observeOp("debit")
	defer done()
	return l.store.Debit(ctx, accountID, amount, entryType, reference)
}

// Credit adds funds to an account.
func (l *Ledger) Credit(ctx context.Context, accountID string, role Role, amount, entryType, reference string) error {
	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	done := observeOp("credit")
	defer done()
	return l.store.Credit(ctx, accountID, role, amount, entryType, reference)
}

// Settle credits a released milestone's net to the freelancer and fee to the
// platform as one atomic pair. A zero fee degrades to a single credit.
func (l *Ledger) Settle(ctx context.Context, freelancerID, net, fee, reference string) error {
	if !money.IsPositive(net) && !money.IsPositive(fee) {
		return ErrInvalidAmount
	}
	done := observeOp("settle")
	defer done()

	netCredit := CreditInput{
		AccountID: AccountID(RoleFreelancer, freelancerID),
		Role:      RoleFreelancer,
		Type:      "release_net",
		Amount:    net,
		Reference: reference,
	}
	feeCredit := CreditInput{
		AccountID: PlatformAccountID(),
		Role:      RolePlatform,
		Type:      "release_fee",
		Amount:    fee,
		Reference: reference,
	}

	switch {
	case !money.IsPositive(fee):
		return l.store.Credit(ctx, netCredit.AccountID, netCredit.Role, net, netCredit.Type, reference)
	case !money.IsPositive(net):
		return l.store.Credit(ctx, feeCredit.AccountID, feeCredit.Role, fee, feeCredit.Type, reference)
	default:
		return l.store.CreditPair(ctx, netCredit, feeCredit)
	}
}

// RefundMany credits a batch of refunds atomically (contract cancellation).
func (l *Ledger) RefundMany(ctx context.Context, credits []CreditInput) error {
	for _, c := range credits {
		if !money.IsPositive(c.Amount) {
			return ErrInvalidAmount
		}
	}
	if len(credits) == 0 {
		return nil
	}
	done := observeOp("refund_many")
	defer done()
	return l.store.CreditMany(ctx, credits)
}

// GetHistory returns the most recent ledger entries for an account.
func (l *Ledger) GetHistory(ctx context.Context, accountID string, limit int, opts ...ListOption) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, accountID, limit, opts...)
}
