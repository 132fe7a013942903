package contract

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed contract store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the contract tables. Mirrors migrations/00002_contracts.sql.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS contracts (
			id            VARCHAR(36) PRIMARY KEY,
			title         VARCHAR(200) NOT NULL,
			client_id     VARCHAR(64) NOT NULL,
			freelancer_id VARCHAR(64) NOT NULL,
			total_budget  NUMERIC(20,2) NOT NULL,
			status        VARCHAR(20) NOT NULL DEFAULT 'pending',
			created_at    TIMESTAMPTZ DEFAULT NOW(),
			updated_at    TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS milestones (
			id           VARCHAR(36) PRIMARY KEY,
			contract_id  VARCHAR(36) NOT NULL REFERENCES contracts(id),
			position     INT NOT NULL,
			description  TEXT,
			amount       NUMERIC(20,2) NOT NULL,
			status       VARCHAR(20) NOT NULL DEFAULT 'pending',
			version      BIGINT NOT NULL DEFAULT 1,
			released_net NUMERIC(20,2),
			released_fee NUMERIC(20,2),
			created_at   TIMESTAMPTZ DEFAULT NOW(),
			updated_at   TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS submissions (
			milestone_id VARCHAR(36) PRIMARY KEY REFERENCES milestones(id),
			note         TEXT,
			delivery_ref VARCHAR(255) NOT NULL,
			created_at   TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS revision_requests (
			id           SERIAL PRIMARY KEY,
			milestone_id VARCHAR(36) NOT NULL REFERENCES milestones(id),
			feedback     TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (milestone_id, created_at)
		);

		CREATE INDEX IF NOT EXISTS idx_milestones_contract ON milestones(contract_id);
		CREATE INDEX IF NOT EXISTS idx_contracts_client ON contracts(client_id);
		CREATE INDEX IF NOT EXISTS idx_contracts_freelancer ON contracts(freelancer_id);
	`)
	return err
}

func (p *PostgresStore) CreateContract(ctx context.Context, c *Contract) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO contracts (id, title, client_id, freelancer_id, total_budget, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6, $7, $8)
	`, c.ID, c.Title, c.ClientID, c.FreelancerID, c.TotalBudget, string(c.Status), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert contract: %w", err)
	}

	for _, m := range c.Milestones {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO milestones (id, contract_id, position, description, amount, status, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6, $7, $8, $9)
		`, m.ID, m.ContractID, m.Position, m.Description, m.Amount, string(m.Status), m.Version, m.CreatedAt, m.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert milestone: %w", err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) GetContract(ctx context.Context, id string) (*Contract, error) {
	c := &Contract{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, title, client_id, freelancer_id, total_budget, status, created_at, updated_at
		FROM contracts WHERE id = $1
	`, id).Scan(&c.ID, &c.Title, &c.ClientID, &c.FreelancerID, &c.TotalBudget, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrContractNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := p.loadMilestones(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PostgresStore) loadMilestones(ctx context.Context, c *Contract) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.contract_id, m.position, m.description, m.amount, m.status, m.version,
		       m.released_net, m.released_fee, m.created_at, m.updated_at,
		       s.note, s.delivery_ref, s.created_at
		FROM milestones m
		LEFT JOIN submissions s ON s.milestone_id = m.id
		WHERE m.contract_id = $1
		ORDER BY m.position
	`, c.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		m := &Milestone{}
		var releasedNet, releasedFee, subNote, subRef sql.NullString
		var subCreated sql.NullTime
		if err := rows.Scan(&m.ID, &m.ContractID, &m.Position, &m.Description, &m.Amount, &m.Status, &m.Version,
			&releasedNet, &releasedFee, &m.CreatedAt, &m.UpdatedAt,
			&subNote, &subRef, &subCreated); err != nil {
			return err
		}
		m.ReleasedNet = releasedNet.String
		m.ReleasedFee = releasedFee.String
		if subRef.Valid {
			m.Submission = &Submission{
				Note:        subNote.String,
				DeliveryRef: subRef.String,
				CreatedAt:   subCreated.Time,
			}
		}
		c.Milestones = append(c.Milestones, m)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range c.Milestones {
		revs, err := p.loadRevisions(ctx, m.ID)
		if err != nil {
			return err
		}
		m.Revisions = revs
	}
	return nil
}

func (p *PostgresStore) loadRevisions(ctx context.Context, milestoneID string) ([]RevisionRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT feedback, created_at
		FROM revision_requests
		WHERE milestone_id = $1
		ORDER BY created_at
	`, milestoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var revs []RevisionRequest
	for rows.Next() {
		var r RevisionRequest
		if err := rows.Scan(&r.Feedback, &r.CreatedAt); err != nil {
			return nil, err
		}
		revs = append(revs, r)
	}
	return revs, rows.Err()
}

// UpdateMilestone writes a milestone only if the stored version matches
// expectedVersion, bumping the version on success.
func (p *PostgresStore) UpdateMilestone(ctx context.Context, m *Milestone, expectedVersion int64) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateMilestoneTx(ctx, tx, m, expectedVersion); err != nil {
		return err
	}

	return tx.Commit()
}

func updateMilestoneTx(ctx context.Context, tx *sql.Tx, m *Milestone, expectedVersion int64) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE milestones SET
			status       = $3,
			version      = version + 1,
			released_net = NULLIF($4, '')::NUMERIC(20,2),
			released_fee = NULLIF($5, '')::NUMERIC(20,2),
			updated_at   = $6
		WHERE id = $1 AND version = $2
	`, m.ID, expectedVersion, string(m.Status), m.ReleasedNet, m.ReleasedFee, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update milestone: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Either the milestone is gone or someone got there first; the
		// version probe distinguishes the two.
		var current int64
		probe := tx.QueryRowContext(ctx, `SELECT version FROM milestones WHERE id = $1`, m.ID).Scan(&current)
		if probe == sql.ErrNoRows {
			return ErrMilestoneNotFound
		}
		return ErrConcurrencyConflict
	}

	// The submission row tracks the latest delivery only.
	if _, err := tx.ExecContext(ctx, `DELETE FROM submissions WHERE milestone_id = $1`, m.ID); err != nil {
		return fmt.Errorf("failed to clear submission: %w", err)
	}
	if m.Submission != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO submissions (milestone_id, note, delivery_ref, created_at)
			VALUES ($1, $2, $3, $4)
		`, m.ID, m.Submission.Note, m.Submission.DeliveryRef, m.Submission.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to record submission: %w", err)
		}
	}
	if n := len(m.Revisions); n > 0 {
		latest := m.Revisions[n-1]
		_, err = tx.ExecContext(ctx, `
			INSERT INTO revision_requests (milestone_id, feedback, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (milestone_id, created_at) DO NOTHING
		`, m.ID, latest.Feedback, latest.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to record revision request: %w", err)
		}
	}

	m.Version = expectedVersion + 1
	return nil
}

// SyncContractStatus re-derives the contract status from the milestone rows
// as they stand now. The contract row is locked for the duration so two
// concurrent syncs serialize instead of overwriting each other with stale
// derivations.
func (p *PostgresStore) SyncContractStatus(ctx context.Context, id string) (Status, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var current Status
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM contracts WHERE id = $1 FOR UPDATE
	`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return "", ErrContractNotFound
	}
	if err != nil {
		return "", err
	}

	statuses, err := milestoneStatusesTx(ctx, tx, id)
	if err != nil {
		return "", err
	}

	derived := deriveStatus(current, statuses)
	if derived != current {
		if _, err := tx.ExecContext(ctx, `
			UPDATE contracts SET status = $2, updated_at = NOW() WHERE id = $1
		`, id, string(derived)); err != nil {
			return "", fmt.Errorf("failed to update contract status: %w", err)
		}
	}
	return derived, tx.Commit()
}

func milestoneStatusesTx(ctx context.Context, tx *sql.Tx, contractID string) ([]MilestoneStatus, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT status FROM milestones WHERE contract_id = $1
	`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statuses []MilestoneStatus
	for rows.Next() {
		var st MilestoneStatus
		if err := rows.Scan(&st); err != nil {
			return nil, err
		}
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}

// CancelContract marks the contract cancelled and writes every refunded
// milestone in one transaction. Refunded milestones carry the version they
// were read at; any mismatch aborts the whole cancellation.
func (p *PostgresStore) CancelContract(ctx context.Context, id string, refunded []*Milestone) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current Status
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM contracts WHERE id = $1 FOR UPDATE
	`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrContractNotFound
	}
	if err != nil {
		return err
	}

	// Judge closure from the milestone rows, not the status column: a
	// release on a sibling milestone may have landed after the caller's
	// snapshot, and a fully released contract must never be cancelled.
	statuses, err := milestoneStatusesTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if current == StatusCancelled || deriveStatus(current, statuses) == StatusCompleted {
		return ErrContractClosed
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE contracts SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, string(StatusCancelled)); err != nil {
		return fmt.Errorf("failed to cancel contract: %w", err)
	}

	for _, m := range refunded {
		if err := updateMilestoneTx(ctx, tx, m, m.Version); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) ListByParty(ctx context.Context, clientID, freelancerID string, limit int) ([]*Contract, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, client_id, freelancer_id, total_budget, status, created_at, updated_at
		FROM contracts
		WHERE ($1 = '' OR client_id = $1)
		  AND ($2 = '' OR freelancer_id = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, clientID, freelancerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Contract
	for rows.Next() {
		c := &Contract{}
		if err := rows.Scan(&c.ID, &c.Title, &c.ClientID, &c.FreelancerID, &c.TotalBudget, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range out {
		if err := p.loadMilestones(ctx, c); err != nil {
			return nil, err
		}
	}
	return out, nil
}
