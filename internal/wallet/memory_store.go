package wallet

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/gigpact/escrow/internal/idgen"
	"github.com/gigpact/escrow/internal/money"
	"github.com/gigpact/escrow/internal/pagination"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	accounts map[string]*Account
	balances map[string]*big.Int // smallest units, authoritative
	entries  []*Entry
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		balances: make(map[string]*big.Int),
	}
}

func (m *MemoryStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return &Account{ID: accountID, Balance: "0.00", UpdatedAt: time.Now()}, nil
	}
	cp := *acct
	cp.Balance = money.Format(m.balances[accountID])
	return &cp, nil
}

func (m *MemoryStore) Credit(ctx context.Context, accountID string, role Role, amount, entryType, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creditLocked(accountID, role, amount, entryType, reference)
}

func (m *MemoryStore) Debit(ctx context.Context, accountID, amount, entryType, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	amt, ok := money.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}
	if bal.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}

	bal.Sub(bal, amt)
	m.accounts[accountID].UpdatedAt = time.Now()
	m.appendEntryLocked(accountID, entryType, amount, reference)
	return nil
}

func (m *MemoryStore) CreditPair(ctx context.Context, a, b CreditInput) error {
	return m.CreditMany(ctx, []CreditInput{a, b})
}

// CreditMany applies every credit or none. Credits cannot fail on balance,
// so under the single lock the batch is trivially atomic.
func (m *MemoryStore) CreditMany(ctx context.Context, credits []CreditInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range credits {
		if _, ok := money.Parse(c.Amount); !ok {
			return ErrInvalidAmount
		}
	}
	for _, c := range credits {
		if err := m.creditLocked(c.AccountID, c.Role, c.Amount, c.Type, c.Reference); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, accountID string, limit int, opts ...ListOption) ([]*Entry, error) {
	o := applyListOpts(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.AccountID != accountID {
			continue
		}
		if o.cursor != nil && !beforeCursor(e, o.cursor) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// beforeCursor reports whether e sorts strictly after the cursor position in
// the created_at DESC, id DESC ordering.
func beforeCursor(e *Entry, c *pagination.Cursor) bool {
	if e.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return e.CreatedAt.Equal(c.CreatedAt) && e.ID < c.ID
}

func (m *MemoryStore) creditLocked(accountID string, role Role, amount, entryType, reference string) error {
	amt, ok := money.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	if _, exists := m.accounts[accountID]; !exists {
		m.accounts[accountID] = &Account{
			ID:      accountID,
			OwnerID: ownerFromID(accountID),
			Role:    role,
		}
		m.balances[accountID] = big.NewInt(0)
	}
	m.balances[accountID].Add(m.balances[accountID], amt)
	m.accounts[accountID].UpdatedAt = time.Now()
	m.appendEntryLocked(accountID, entryType, amount, reference)
	return nil
}

func (m *MemoryStore) appendEntryLocked(accountID, entryType, amount, reference string) {
	m.entries = append(m.entries, &Entry{
		ID:        generateEntryID(),
		AccountID: accountID,
		Type:      entryType,
		Amount:    amount,
		Reference: reference,
		CreatedAt: time.Now(),
	})
}

func ownerFromID(accountID string) string {
	for i := 0; i < len(accountID); i++ {
		if accountID[i] == ':' {
			return accountID[i+1:]
		}
	}
	return accountID
}

func generateEntryID() string {
	return idgen.WithPrefix("we_")
}
