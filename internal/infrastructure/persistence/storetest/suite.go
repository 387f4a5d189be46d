// Package storetest holds the behavioral checks every ApprovalStore must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/invoice-approval/internal/application/port"
	"github.com/garyjia/invoice-approval/internal/domain/entity"
	"github.com/garyjia/invoice-approval/internal/domain/workflow"
)

// Factory returns a fresh, empty store for one subtest
type Factory func(t *testing.T) port.ApprovalStore

var base = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

// NewRecord builds a pending record created offset after a fixed base time
func NewRecord(invoiceID string, level entity.Level, offset time.Duration) *entity.ApprovalRecord {
	score := 12.5
	return &entity.ApprovalRecord{
		ID:          uuid.NewString(),
		InvoiceID:   invoiceID,
		VendorName:  "Acme GmbH",
		Country:     "DE",
		TotalAmount: decimal.RequireFromString("1234.56"),
		FraudScore:  &score,
		Level:       level,
		LevelName:   level.Name(),
		Status:      entity.StatusPending,
		CreatedAt:   base.Add(offset),
	}
}

func approve(actor string) workflow.Decision {
	return workflow.Decision{Trigger: workflow.TriggerApprove, Actor: actor, Detail: "looks good", At: base.Add(48 * time.Hour)}
}

func reject(actor string) workflow.Decision {
	return workflow.Decision{Trigger: workflow.TriggerReject, Actor: actor, Detail: "duplicate invoice", At: base.Add(48 * time.Hour)}
}

// Run executes the store contract against stores built by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("GetUnknown", func(t *testing.T) { testGetUnknown(t, newStore(t)) })
	t.Run("GetByInvoiceID", func(t *testing.T) { testGetByInvoiceID(t, newStore(t)) })
	t.Run("GetByInvoiceIDSameInstant", func(t *testing.T) { testGetByInvoiceIDSameInstant(t, newStore(t)) })
	t.Run("ListPendingOrder", func(t *testing.T) { testListPendingOrder(t, newStore(t)) })
	t.Run("ListPendingByLevel", func(t *testing.T) { testListPendingByLevel(t, newStore(t)) })
	t.Run("ApproveThenConflict", func(t *testing.T) { testApproveThenConflict(t, newStore(t)) })
	t.Run("RejectThenConflict", func(t *testing.T) { testRejectThenConflict(t, newStore(t)) })
	t.Run("UpdateUnknown", func(t *testing.T) { testUpdateUnknown(t, newStore(t)) })
	t.Run("History", func(t *testing.T) { testHistory(t, newStore(t)) })
	t.Run("ConcurrentDecisions", func(t *testing.T) { testConcurrentDecisions(t, newStore(t)) })
	t.Run("ReturnedRecordsAreCopies", func(t *testing.T) { testCopies(t, newStore(t)) })
}

func testCreateAndGet(t *testing.T, store port.ApprovalStore) {
	ctx := context.Background()
	rec := NewRecord("INV-1", entity.LevelFinance, 0)
	require.NoError(t, store.Create(ctx, rec))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.InvoiceID, got.InvoiceID)
	assert.Equal(t, rec.VendorName, got.VendorName)
	assert.Equal(t, rec.Country, got.Country)
	assert.True(t, rec.TotalAmount.Equal(got.TotalAmount), "amount %s != %s", got.TotalAmount, rec.TotalAmount)
	require.NotNil(t, got.FraudScore)
	assert.InDelta(t, 12.5, *got.FraudScore, 1e-9)
	assert.Equal(t, entity.LevelFinance, got.Level)
	assert.Equal(t, "Finance", got.LevelName)
	assert.Equal(t, entity.StatusPending, got.Status)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	assert.Empty(t, got.DecidedBy)
	assert.Nil(t, got.DecidedAt)

	unscored := NewRecord("INV-2", entity.LevelManager, time.Minute)
	unscored.FraudScore = nil
	require.NoError(t, store.Create(ctx, unscored))
	got, err = store.Get(ctx, unscored.ID)
	require.NoError(t, err)
	assert.Nil(t, got.FraudScore)
}

func testGetUnknown(t *testing.T, store port.ApprovalStore) {
	_, err := store.Get(context.Background(), uuid.NewString())
	assert.True(t, errors.Is(err, workflow.ErrNotFound), "got %v", err)
}

func testGetByInvoiceID(t *testing.T, store port.ApprovalStore) {
	ctx := context.Background()
	first := NewRecord("INV-9", entity.LevelManager, 0)
	second := NewRecord("INV-9", entity.LevelManager, time.Hour)
	require.NoError(t, store.Create(ctx, first))
	require.NoError(t, store.Create(ctx, second))

	got, err := store.GetByInvoiceID(ctx, "INV-9")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = store.GetByInvoiceID(ctx, "INV-missing")
	assert.True(t, errors.Is(err, workflow.ErrNotFound), "got %v", err)
}

func testGetByInvoiceIDSameInstant(t *testing.T, store port.ApprovalStore) {
	ctx := context.Background()
	var last *entity.ApprovalRecord
	for i := 0; i < 5; i++ {
		last = NewRecord("INV-7", entity.LevelManager, 0)
		require.NoError(t, store.Create(ctx, last))
	}

	got, err := store.GetByInvoiceID(ctx, "INV-7")
	require.NoError(t, err)
	assert.Equal(t, last.ID, got.ID)
}

func testListPendingOrder(t *testing.T, store port.ApprovalStore) {
	ctx := context.Background()
	newest := NewRecord("INV-new", entity.LevelManager, 3*time.Hour)
	oldest := NewRecord("INV-old", entity.LevelFinance, 0)
	middle := NewRecord("INV-mid", entity.LevelCompliance, time.Hour)
	decided := NewRecord("INV-done", entity.LevelManager, -time.Hour)
	for _, rec := range []*entity.ApprovalRecord{newest, oldest, middle, decided} {
		require.NoError(t, store.Create(ctx, rec))
	}
	_, err := store.UpdateDecision(ctx, decided.ID, approve("Bob"))
	require.NoError(t, err)

	pending, err := store.ListPending(ctx, nil)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, oldest.ID, pending[0].ID)
	assert.Equal(t, middle.ID, pending[1].ID)
	assert.Equal(t, newest.ID, pending[2].ID)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func testListPendingByLevel(t *testing.T, store port.ApprovalStore) {
	ctx := context.Background()
	for i, level := range []entity.Level{entity.LevelManager, entity.LevelFinance, entity.LevelManager} {
		require.NoError(t, store.Create(ctx, NewRecord(fmt.Sprintf("INV-%d", i), level, time.Duration(i)*time.Minute)))
	}

	level := entity.LevelManager
	pending, err := store.ListPending(ctx, &level)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	for _, rec := range pending {
		assert.Equal(t, entity.LevelManager, rec.Level)
	}

	level = entity.LevelCompliance
	pending, err = store.ListPending(ctx, &level)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func testApproveThenConflict(t *testing.T, store port.ApprovalStore) {
	ctx := context.Background()
	rec := NewRecord("INV-A", entity.LevelManager, 0)
	require.NoError(t, store.Create(ctx, rec))

	updated, err := store.UpdateDecision(ctx, rec.ID, approve("Bob"))
	require.NoError(t, err)
	assert.Equal(t, entity.StatusApproved, updated.Status)
	assert.Equal(t, "Bob", updated.DecidedBy)
	assert.Equal(t, "looks good", updated.DecisionDetail)
	require.NotNil(t, updated.DecidedAt)
	assert.True(t, updated.DecidedAt.Equal(base.Add(48*time.Hour)))

	_, err = store.UpdateDecision(ctx, rec.ID, reject("Alice"))
	assert.True(t, errors.Is(err, workflow.ErrConflict), "got %v", err)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusApproved, got.Status)
	assert.Equal(t, "Bob", got.DecidedBy)
}

func testRejectThenConflict(t *testing.T, store port.ApprovalStore) {
	ctx := context.Background()
	rec := NewRecord("INV-R", entity.LevelCompliance, 0)
	require.NoError(t, store.Create(ctx, rec))

	updated, err := store.UpdateDecision(ctx, rec.ID, reject("Alice"))
	require.NoError(t, err)
	assert.Equal(t, entity.StatusRejected, updated.Status)
	assert.Equal(t, "duplicate invoice", updated.DecisionDetail)

	_, err = store.UpdateDecision(ctx, rec.ID, approve("Bob"))
	assert.True(t, errors.Is(err, workflow.ErrConflict), "got %v", err)
}

func testUpdateUnknown(t *testing.T, store port.ApprovalStore) {
	_, err := store.UpdateDecision(context.Background(), uuid.NewString(), approve("Bob"))
	assert.True(t, errors.Is(err, workflow.ErrNotFound), "got %v", err)
}

func testHistory(t *testing.T, store port.ApprovalStore) {
	ctx := context.Background()
	rec := NewRecord("INV-H", entity.LevelManager, 0)
	require.NoError(t, store.Create(ctx, rec))
	_, err := store.UpdateDecision(ctx, rec.ID, reject("Alice"))
	require.NoError(t, err)
	_, _ = store.UpdateDecision(ctx, rec.ID, approve("Bob"))

	entries, err := store.History(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2, "a failed decision must not be audited")

	assert.Equal(t, entity.AuditActionCreated, entries[0].Action)
	assert.Equal(t, entity.StatusPending, entries[0].NewStatus)

	assert.Equal(t, entity.AuditActionRejected, entries[1].Action)
	assert.Equal(t, "Alice", entries[1].Actor)
	assert.Equal(t, entity.StatusPending, entries[1].PreviousStatus)
	assert.Equal(t, entity.StatusRejected, entries[1].NewStatus)
	assert.Equal(t, "duplicate invoice", entries[1].Detail)

	_, err = store.History(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, workflow.ErrNotFound), "got %v", err)
}

func testConcurrentDecisions(t *testing.T, store port.ApprovalStore) {
	ctx := context.Background()
	rec := NewRecord("INV-RACE", entity.LevelManager, 0)
	require.NoError(t, store.Create(ctx, rec))

	const racers = 16
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		mu        sync.Mutex
		successes int
		conflicts int
		others    []error
	)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := approve(fmt.Sprintf("approver-%d", i))
			if i%2 == 1 {
				d = reject(fmt.Sprintf("rejector-%d", i))
			}
			<-start
			_, err := store.UpdateDecision(ctx, rec.ID, d)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, workflow.ErrConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.Empty(t, others)
	assert.Equal(t, 1, successes)
	assert.Equal(t, racers-1, conflicts)

	entries, err := store.History(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.IsTerminal())
	assert.Equal(t, entries[1].Actor, got.DecidedBy)
}

func testCopies(t *testing.T, store port.ApprovalStore) {
	ctx := context.Background()
	rec := NewRecord("INV-C", entity.LevelManager, 0)
	require.NoError(t, store.Create(ctx, rec))

	rec.Status = entity.StatusApproved
	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, got.Status)

	got.Status = entity.StatusRejected
	*got.FraudScore = 99
	again, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, again.Status)
	assert.InDelta(t, 12.5, *again.FraudScore, 1e-9)
}
