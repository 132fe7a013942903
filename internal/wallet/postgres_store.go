package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the wallet tables. Mirrors migrations/00001_wallet.sql.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallet_accounts (
			id         VARCHAR(80) PRIMARY KEY,
			owner_id   VARCHAR(64) NOT NULL,
			role       VARCHAR(16) NOT NULL,
			balance    NUMERIC(20,2) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_balance_nonneg CHECK (balance >= 0)
		);

		CREATE TABLE IF NOT EXISTS wallet_entries (
			id          VARCHAR(36) PRIMARY KEY,
			account_id  VARCHAR(80) NOT NULL,
			type        VARCHAR(20) NOT NULL,
			amount      NUMERIC(20,2) NOT NULL,
			reference   VARCHAR(255),
			description TEXT,
			created_at  TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_wallet_entries_account ON wallet_entries(account_id);
		CREATE INDEX IF NOT EXISTS idx_wallet_entries_created ON wallet_entries(created_at DESC);
	`)
	return err
}

// GetAccount retrieves an account. Unknown accounts read as zero balance.
func (p *PostgresStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	acct := &Account{ID: accountID}

	err := p.db.QueryRowContext(ctx, `
		SELECT owner_id, role, balance, updated_at
		FROM wallet_accounts WHERE id = $1
	`, accountID).Scan(&acct.OwnerID, &acct.Role, &acct.Balance, &acct.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Account{ID: accountID, Balance: "0.00", UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// Credit adds funds to an account, creating it on first use.
func (p *PostgresStore) Credit(ctx context.Context, accountID string, role Role, amount, entryType, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := creditTx(ctx, tx, CreditInput{
		AccountID: accountID, Role: role, Type: entryType, Amount: amount, Reference: reference,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// Debit removes funds from an account.
// The CHECK constraint on balance >= 0 prevents overdraft at the DB level.
func (p *PostgresStore) Debit(ctx context.Context, accountID, amount, entryType, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallet_accounts SET
			balance    = balance - $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE id = $1
	`, accountID, amount)
	if err != nil {
		if isCheckViolation(err) {
			return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		return fmt.Errorf("failed to debit account: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAccountNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, account_id, type, amount, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, NOW())
	`, generateEntryID(), accountID, entryType, amount, reference)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

// CreditPair applies two credits in one transaction.
func (p *PostgresStore) CreditPair(ctx context.Context, a, b CreditInput) error {
	return p.CreditMany(ctx, []CreditInput{a, b})
}

// CreditMany applies a batch of credits in one transaction.
func (p *PostgresStore) CreditMany(ctx context.Context, credits []CreditInput) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, c := range credits {
		if err := creditTx(ctx, tx, c); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetHistory retrieves ledger entries for an account, newest first. A cursor
// option continues the keyset scan from a previous page.
func (p *PostgresStore) GetHistory(ctx context.Context, accountID string, limit int, opts ...ListOption) ([]*Entry, error) {
	o := applyListOpts(opts)

	query := `
		SELECT id, account_id, type, amount, reference, description, created_at
		FROM wallet_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	args := []any{accountID, limit}
	if o.cursor != nil {
		query = `
			SELECT id, account_id, type, amount, reference, description, created_at
			FROM wallet_entries
			WHERE account_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`
		args = []any{accountID, o.cursor.CreatedAt, o.cursor.ID, limit}
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var reference, description sql.NullString
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Type, &e.Amount, &reference, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reference = reference.String
		e.Description = description.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// isCheckViolation reports whether err is a CHECK constraint violation, the
// only failure mode of the debit UPDATE that means insufficient balance.
// Anything else (dropped connection, serialization failure) stays a plain
// error rather than masquerading as an overdraft.
func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514"
}

func creditTx(ctx context.Context, tx *sql.Tx, c CreditInput) error {
	// Upsert balance using native NUMERIC arithmetic
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_accounts (id, owner_id, role, balance, updated_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), NOW())
		ON CONFLICT (id) DO UPDATE SET
			balance    = wallet_accounts.balance + $4::NUMERIC(20,2),
			updated_at = NOW()
	`, c.AccountID, ownerFromID(c.AccountID), string(c.Role), c.Amount)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, account_id, type, amount, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, NOW())
	`, generateEntryID(), c.AccountID, c.Type, c.Amount, c.Reference)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return nil
}
