//go:build integration

package contract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gigpact/escrow/internal/testutil"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func seedContract(t *testing.T, store *PostgresStore, amounts ...string) *Contract {
	t.Helper()
	now := time.Now()
	c := &Contract{
		ID:           generateContractID(),
		Title:        "pg contract",
		ClientID:     "pg-client",
		FreelancerID: "pg-freelancer",
		TotalBudget:  "1000.00",
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i, a := range amounts {
		c.Milestones = append(c.Milestones, &Milestone{
			ID:         generateMilestoneID(),
			ContractID: c.ID,
			Position:   i,
			Amount:     a,
			Status:     MilestonePending,
			Version:    1,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	if err := store.CreateContract(context.Background(), c); err != nil {
		t.Fatalf("CreateContract failed: %v", err)
	}
	return c
}

func TestPostgres_CreateAndGetContract(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	c := seedContract(t, store, "400.00", "600.00")

	loaded, err := store.GetContract(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetContract failed: %v", err)
	}
	if loaded.TotalBudget != "1000.00" {
		t.Errorf("budget = %s, want 1000.00", loaded.TotalBudget)
	}
	if len(loaded.Milestones) != 2 {
		t.Fatalf("milestones = %d, want 2", len(loaded.Milestones))
	}
	if loaded.Milestones[0].Amount != "400.00" || loaded.Milestones[1].Amount != "600.00" {
		t.Errorf("milestone amounts wrong: %s, %s", loaded.Milestones[0].Amount, loaded.Milestones[1].Amount)
	}
}

func TestPostgres_UpdateMilestoneVersionCheck(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	c := seedContract(t, store, "400.00")
	m := c.Milestones[0]

	m.Status = MilestoneFunded
	m.UpdatedAt = time.Now()
	if err := store.UpdateMilestone(ctx, m, 1); err != nil {
		t.Fatalf("UpdateMilestone failed: %v", err)
	}
	if m.Version != 2 {
		t.Errorf("version = %d, want 2", m.Version)
	}

	// A stale write must be rejected.
	stale := *m
	stale.Status = MilestoneSubmitted
	err := store.UpdateMilestone(ctx, &stale, 1)
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}

	loaded, _ := store.GetContract(ctx, c.ID)
	if loaded.Milestones[0].Status != MilestoneFunded {
		t.Errorf("status = %s, want funded", loaded.Milestones[0].Status)
	}
}

func TestPostgres_SubmissionRoundTrip(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	c := seedContract(t, store, "400.00")
	m := c.Milestones[0]

	m.Status = MilestoneFunded
	m.UpdatedAt = time.Now()
	if err := store.UpdateMilestone(ctx, m, m.Version); err != nil {
		t.Fatalf("fund write: %v", err)
	}

	m.Status = MilestoneSubmitted
	m.Submission = &Submission{Note: "done", DeliveryRef: "ref-1", CreatedAt: time.Now()}
	m.UpdatedAt = time.Now()
	if err := store.UpdateMilestone(ctx, m, m.Version); err != nil {
		t.Fatalf("submit write: %v", err)
	}

	loaded, _ := store.GetContract(ctx, c.ID)
	sub := loaded.Milestones[0].Submission
	if sub == nil || sub.DeliveryRef != "ref-1" {
		t.Fatalf("submission not persisted: %+v", sub)
	}

	// Revision clears the submission and records the feedback.
	m.Status = MilestoneFunded
	m.Submission = nil
	m.Revisions = append(m.Revisions, RevisionRequest{Feedback: "needs work", CreatedAt: time.Now()})
	m.UpdatedAt = time.Now()
	if err := store.UpdateMilestone(ctx, m, m.Version); err != nil {
		t.Fatalf("revision write: %v", err)
	}

	loaded, _ = store.GetContract(ctx, c.ID)
	if loaded.Milestones[0].Submission != nil {
		t.Error("submission should be cleared")
	}
	if len(loaded.Milestones[0].Revisions) != 1 {
		t.Errorf("revisions = %d, want 1", len(loaded.Milestones[0].Revisions))
	}
}

func TestPostgres_CancelContract(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	c := seedContract(t, store, "400.00", "300.00")
	funded := c.Milestones[0]
	funded.Status = MilestoneFunded
	funded.UpdatedAt = time.Now()
	if err := store.UpdateMilestone(ctx, funded, funded.Version); err != nil {
		t.Fatalf("fund write: %v", err)
	}

	funded.Status = MilestoneRefunded
	funded.UpdatedAt = time.Now()
	if err := store.CancelContract(ctx, c.ID, []*Milestone{funded}); err != nil {
		t.Fatalf("CancelContract failed: %v", err)
	}

	loaded, _ := store.GetContract(ctx, c.ID)
	if loaded.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", loaded.Status)
	}
	if loaded.Milestones[0].Status != MilestoneRefunded {
		t.Errorf("milestone status = %s, want refunded", loaded.Milestones[0].Status)
	}
	// Untouched milestones keep their status.
	if loaded.Milestones[1].Status != MilestonePending {
		t.Errorf("pending milestone status = %s", loaded.Milestones[1].Status)
	}

	// Cancelling again fails.
	if err := store.CancelContract(ctx, c.ID, nil); !errors.Is(err, ErrContractClosed) {
		t.Errorf("expected ErrContractClosed, got %v", err)
	}
}

func TestPostgres_SyncContractStatus(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	c := seedContract(t, store, "400.00", "300.00")

	for _, m := range c.Milestones {
		m.Status = MilestoneReleased
		m.ReleasedNet = "1.00"
		m.ReleasedFee = "0.10"
		m.UpdatedAt = time.Now()
		if err := store.UpdateMilestone(ctx, m, m.Version); err != nil {
			t.Fatalf("release write %s: %v", m.ID, err)
		}
	}

	// The status column still says pending; sync derives from the rows.
	status, err := store.SyncContractStatus(ctx, c.ID)
	if err != nil {
		t.Fatalf("SyncContractStatus failed: %v", err)
	}
	if status != StatusCompleted {
		t.Errorf("synced status = %s, want completed", status)
	}
	loaded, _ := store.GetContract(ctx, c.ID)
	if loaded.Status != StatusCompleted {
		t.Errorf("stored status = %s, want completed", loaded.Status)
	}

	if _, err := store.SyncContractStatus(ctx, "ct_missing"); !errors.Is(err, ErrContractNotFound) {
		t.Errorf("expected ErrContractNotFound, got %v", err)
	}
}

func TestPostgres_CancelAllReleasedRejected(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	c := seedContract(t, store, "400.00")
	m := c.Milestones[0]
	m.Status = MilestoneReleased
	m.ReleasedNet = "360.00"
	m.ReleasedFee = "40.00"
	m.UpdatedAt = time.Now()
	if err := store.UpdateMilestone(ctx, m, m.Version); err != nil {
		t.Fatalf("release write: %v", err)
	}

	// Status column still lags at pending; cancellation must judge from the
	// milestone rows and refuse.
	if err := store.CancelContract(ctx, c.ID, nil); !errors.Is(err, ErrContractClosed) {
		t.Errorf("expected ErrContractClosed, got %v", err)
	}
	loaded, _ := store.GetContract(ctx, c.ID)
	if loaded.Status == StatusCancelled {
		t.Error("fully released contract must not be cancelled")
	}
}

func TestPostgres_ListByParty(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seedContract(t, store, "400.00")
	seedContract(t, store, "500.00")

	byClient, err := store.ListByParty(ctx, "pg-client", "", 50)
	if err != nil {
		t.Fatalf("ListByParty failed: %v", err)
	}
	if len(byClient) != 2 {
		t.Errorf("contracts = %d, want 2", len(byClient))
	}

	none, err := store.ListByParty(ctx, "pg-other", "", 50)
	if err != nil {
		t.Fatalf("ListByParty failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("contracts = %d, want 0", len(none))
	}
}
