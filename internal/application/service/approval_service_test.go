package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/invoice-approval/internal/application/port"
	"github.com/garyjia/invoice-approval/internal/domain/entity"
	"github.com/garyjia/invoice-approval/internal/domain/escalation"
	"github.com/garyjia/invoice-approval/internal/domain/event"
	"github.com/garyjia/invoice-approval/internal/domain/workflow"
	"github.com/garyjia/invoice-approval/internal/infrastructure/persistence/memory"
)

type mockLogger struct{}

func (m *mockLogger) Info(msg string, keysAndValues ...interface{})  {}
func (m *mockLogger) Error(msg string, keysAndValues ...interface{}) {}

// fakeClock is a settable clock safe for concurrent reads
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu       sync.Mutex
	assigned []port.Approver
	err      error
}

func (n *recordingNotifier) NotifyAssigned(ctx context.Context, approver port.Approver, rec *entity.ApprovalRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.assigned = append(n.assigned, approver)
	return n.err
}

func (n *recordingNotifier) NotifyOverdue(ctx context.Context, approver port.Approver, item escalation.OverdueItem) error {
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*event.Event
}

func (p *recordingPublisher) Publish(e *event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []event.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.Type, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func score(v float64) *float64 { return &v }

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestService(t *testing.T, opts ...Option) (ApprovalService, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewApprovalService(memory.New(), &mockLogger{}, opts...), clock
}

func TestApprovalService_CreateApproval_Routing(t *testing.T) {
	tests := []struct {
		name      string
		amount    string
		score     *float64
		wantLevel entity.Level
		wantName  string
	}{
		{"small low risk", "1200.00", score(10), entity.LevelManager, "Manager"},
		{"exactly 50k", "50000", score(50), entity.LevelManager, "Manager"},
		{"finance band", "80000", score(20), entity.LevelFinance, "Finance"},
		{"finance band unscored", "100000", nil, entity.LevelFinance, "Finance"},
		{"trailing zero decimals", "100000.000", nil, entity.LevelFinance, "Finance"},
		{"one cent above compliance threshold", "100000.01", nil, entity.LevelCompliance, "Compliance"},
		{"above compliance threshold", "120000", score(10), entity.LevelCompliance, "Compliance"},
		{"high risk small amount", "60000", score(75), entity.LevelCompliance, "Compliance"},
		{"high risk boundary", "10", score(70), entity.LevelCompliance, "Compliance"},
		{"medium risk does not escalate", "1000", score(69), entity.LevelManager, "Manager"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t)

			rec, err := svc.CreateApproval(context.Background(), CreateApprovalInput{
				InvoiceID:   "INV-1",
				VendorName:  "Acme",
				Country:     "US",
				TotalAmount: amount(tt.amount),
				FraudScore:  tt.score,
			})
			require.NoError(t, err)

			assert.Equal(t, tt.wantLevel, rec.Level)
			assert.Equal(t, tt.wantName, rec.LevelName)
			assert.Equal(t, entity.StatusPending, rec.Status)
			assert.NotEmpty(t, rec.ID)
		})
	}
}

func TestApprovalService_CreateApproval_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		in   CreateApprovalInput
	}{
		{"negative amount", CreateApprovalInput{InvoiceID: "INV-1", TotalAmount: amount("-0.01")}},
		{"missing invoice id", CreateApprovalInput{InvoiceID: "  ", TotalAmount: amount("10")}},
		{"score above range", CreateApprovalInput{InvoiceID: "INV-1", TotalAmount: amount("10"), FraudScore: score(100.5)}},
		{"negative score", CreateApprovalInput{InvoiceID: "INV-1", TotalAmount: amount("10"), FraudScore: score(-1)}},
		{"sub-cent amount at compliance boundary", CreateApprovalInput{InvoiceID: "INV-1", TotalAmount: amount("100000.004")}},
		{"sub-cent amount", CreateApprovalInput{InvoiceID: "INV-1", TotalAmount: amount("10.001")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t)
			_, err := svc.CreateApproval(context.Background(), tt.in)
			assert.True(t, errors.Is(err, workflow.ErrInvalidInput), "got %v", err)

			all, err := svc.ListAll(context.Background())
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestApprovalService_RejectThenApproveConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.CreateApproval(ctx, CreateApprovalInput{InvoiceID: "INV-120K", TotalAmount: amount("120000"), FraudScore: score(10)})
	require.NoError(t, err)
	require.Equal(t, entity.LevelCompliance, rec.Level)

	rejected, err := svc.Reject(ctx, rec.ID, "Alice", "duplicate")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusRejected, rejected.Status)
	assert.Equal(t, "Alice", rejected.DecidedBy)
	assert.Equal(t, "duplicate", rejected.DecisionDetail)
	require.NotNil(t, rejected.DecidedAt)

	_, err = svc.Approve(ctx, rec.ID, "Bob", "")
	assert.True(t, errors.Is(err, workflow.ErrConflict), "got %v", err)

	got, err := svc.GetApproval(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusRejected, got.Status)
	assert.Equal(t, "Alice", got.DecidedBy)
}

func TestApprovalService_ApproveOptionalComments(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	rec, err := svc.CreateApproval(ctx, CreateApprovalInput{InvoiceID: "INV-1", TotalAmount: amount("500")})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	approved, err := svc.Approve(ctx, rec.ID, "  Bob  ", "")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusApproved, approved.Status)
	assert.Equal(t, "Bob", approved.DecidedBy)
	assert.Empty(t, approved.DecisionDetail)
	assert.True(t, approved.DecidedAt.Equal(clock.Now()))

	_, err = svc.Reject(ctx, rec.ID, "Alice", "late")
	assert.True(t, errors.Is(err, workflow.ErrConflict), "got %v", err)
}

func TestApprovalService_DecisionValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.CreateApproval(ctx, CreateApprovalInput{InvoiceID: "INV-1", TotalAmount: amount("500")})
	require.NoError(t, err)

	_, err = svc.Approve(ctx, rec.ID, "", "fine")
	assert.True(t, errors.Is(err, workflow.ErrValidation), "got %v", err)

	_, err = svc.Reject(ctx, rec.ID, "Alice", "   ")
	assert.True(t, errors.Is(err, workflow.ErrValidation), "got %v", err)

	_, err = svc.Reject(ctx, rec.ID, "", "duplicate")
	assert.True(t, errors.Is(err, workflow.ErrValidation), "got %v", err)

	got, err := svc.GetApproval(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, got.Status, "failed validation must not mutate the record")

	history, err := svc.History(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestApprovalService_UnknownID(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.GetApproval(ctx, "missing")
	assert.True(t, errors.Is(err, workflow.ErrNotFound), "got %v", err)

	_, err = svc.Approve(ctx, "missing", "Bob", "")
	assert.True(t, errors.Is(err, workflow.ErrNotFound), "got %v", err)

	_, err = svc.Reject(ctx, "missing", "Alice", "duplicate")
	assert.True(t, errors.Is(err, workflow.ErrNotFound), "got %v", err)

	_, err = svc.History(ctx, "missing")
	assert.True(t, errors.Is(err, workflow.ErrNotFound), "got %v", err)
}

func TestApprovalService_ConcurrentDecisions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.CreateApproval(ctx, CreateApprovalInput{InvoiceID: "INV-RACE", TotalAmount: amount("75000")})
	require.NoError(t, err)

	const racers = 32
	type outcome struct {
		actor string
		rec   *entity.ApprovalRecord
		err   error
	}
	results := make(chan outcome, racers)
	start := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			actor := fmt.Sprintf("approver-%d", i)
			var (
				r   *entity.ApprovalRecord
				err error
			)
			if i%2 == 0 {
				r, err = svc.Approve(ctx, rec.ID, actor, "ok")
			} else {
				r, err = svc.Reject(ctx, rec.ID, actor, "not ok")
			}
			results <- outcome{actor: actor, rec: r, err: err}
		}(i)
	}
	close(start)
	wg.Wait()
	close(results)

	var winner *outcome
	conflicts := 0
	for res := range results {
		res := res
		switch {
		case res.err == nil:
			require.Nil(t, winner, "more than one decision succeeded")
			winner = &res
		case errors.Is(res.err, workflow.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", res.err)
		}
	}

	require.NotNil(t, winner)
	assert.Equal(t, racers-1, conflicts)

	final, err := svc.GetApproval(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, winner.actor, final.DecidedBy)
	assert.Equal(t, winner.rec.Status, final.Status)
	assert.Equal(t, winner.rec.DecisionDetail, final.DecisionDetail)
}

func TestApprovalService_ListPendingOldestFirst(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for i, amt := range []string{"100", "60000", "200"} {
		rec, err := svc.CreateApproval(ctx, CreateApprovalInput{InvoiceID: fmt.Sprintf("INV-%d", i), TotalAmount: amount(amt)})
		require.NoError(t, err)
		ids = append(ids, rec.ID)
		clock.Advance(time.Minute)
	}

	pending, err := svc.ListPending(ctx, nil)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i := range ids {
		assert.Equal(t, ids[i], pending[i].ID)
	}

	manager := entity.LevelManager
	pending, err = svc.ListPending(ctx, &manager)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[0], pending[0].ID)
	assert.Equal(t, ids[2], pending[1].ID)

	bogus := entity.Level(9)
	_, err = svc.ListPending(ctx, &bogus)
	assert.True(t, errors.Is(err, workflow.ErrInvalidInput), "got %v", err)
}

func TestApprovalService_ListOverdue(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	old, err := svc.CreateApproval(ctx, CreateApprovalInput{InvoiceID: "INV-OLD", TotalAmount: amount("100")})
	require.NoError(t, err)
	clock.Advance(2 * 24 * time.Hour)
	_, err = svc.CreateApproval(ctx, CreateApprovalInput{InvoiceID: "INV-NEW", TotalAmount: amount("100")})
	require.NoError(t, err)
	clock.Advance(2 * 24 * time.Hour)

	items, err := svc.ListOverdue(ctx, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, old.ID, items[0].Record.ID)
	assert.Equal(t, 4, items[0].WaitingDays)

	one := 1
	items, err = svc.ListOverdue(ctx, &one)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	negative := -1
	_, err = svc.ListOverdue(ctx, &negative)
	assert.True(t, errors.Is(err, workflow.ErrInvalidInput), "got %v", err)

	_, err = svc.Approve(ctx, old.ID, "Bob", "")
	require.NoError(t, err)
	items, err = svc.ListOverdue(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, items, "decided records are never overdue")
}

func TestApprovalService_Summarize(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := svc.CreateApproval(ctx, CreateApprovalInput{InvoiceID: fmt.Sprintf("INV-%d", i), TotalAmount: amount("100")})
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	_, err := svc.Approve(ctx, ids[0], "Bob", "")
	require.NoError(t, err)

	summary, err := svc.Summarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalPending)
	assert.Equal(t, 1, summary.TotalApproved)
	assert.Equal(t, 0, summary.TotalRejected)
	assert.Equal(t, map[string]int{"Manager": 2}, summary.PendingByLevel)
}

func TestApprovalService_Dashboard(t *testing.T) {
	svc, clock := newTestService(t, WithDashboardPendingLimit(1))
	ctx := context.Background()

	first, err := svc.CreateApproval(ctx, CreateApprovalInput{InvoiceID: "INV-1", TotalAmount: amount("100")})
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = svc.CreateApproval(ctx, CreateApprovalInput{InvoiceID: "INV-2", TotalAmount: amount("150000")})
	require.NoError(t, err)
	clock.Advance(5 * 24 * time.Hour)

	view, err := svc.Dashboard(ctx)
	require.NoError(t, err)
	require.Len(t, view.PendingApprovals, 1)
	assert.Equal(t, first.ID, view.PendingApprovals[0].ID)
	assert.Len(t, view.OverdueApprovals, 2)
	assert.Equal(t, 2, view.Summary.OverdueCount)
	assert.Equal(t, map[string]int{"Manager": 1, "Compliance": 1}, view.Summary.PendingByLevel)
	assert.Len(t, view.ApprovalLevels, 3)
}

func TestApprovalService_GetApprovalByInvoice(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	first, err := svc.CreateApproval(ctx, CreateApprovalInput{InvoiceID: "INV-7", TotalAmount: amount("100")})
	require.NoError(t, err)
	_, err = svc.Reject(ctx, first.ID, "Alice", "wrong vendor")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	resubmitted, err := svc.CreateApproval(ctx, CreateApprovalInput{InvoiceID: "INV-7", TotalAmount: amount("100")})
	require.NoError(t, err)

	got, err := svc.GetApprovalByInvoice(ctx, "INV-7")
	require.NoError(t, err)
	assert.Equal(t, resubmitted.ID, got.ID)
	assert.Equal(t, entity.StatusPending, got.Status)

	_, err = svc.GetApprovalByInvoice(ctx, "INV-none")
	assert.True(t, errors.Is(err, workflow.ErrNotFound), "got %v", err)
}

func TestApprovalService_NotifiesAssignedApprover(t *testing.T) {
	notifier := &recordingNotifier{}
	directory := StaticDirectory{
		entity.LevelManager:    {Name: "Manager", Email: "manager@example.com"},
		entity.LevelCompliance: {Name: "Compliance Officer", Email: "compliance@example.com"},
	}
	svc, _ := newTestService(t, WithNotifier(notifier, directory))
	ctx := context.Background()

	_, err := svc.CreateApproval(ctx, CreateApprovalInput{InvoiceID: "INV-1", TotalAmount: amount("250000")})
	require.NoError(t, err)
	_, err = svc.CreateApproval(ctx, CreateApprovalInput{InvoiceID: "INV-2", TotalAmount: amount("70000")})
	require.NoError(t, err, "a level without an approver is not an error")
	require.NoError(t, svc.Shutdown(ctx))

	require.Len(t, notifier.assigned, 1)
	assert.Equal(t, "compliance@example.com", notifier.assigned[0].Email)
}

func TestApprovalService_NotificationFailureDoesNotFailCreate(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("lark unavailable")}
	directory := StaticDirectory{entity.LevelManager: {Name: "Manager", Email: "manager@example.com"}}
	svc, _ := newTestService(t, WithNotifier(notifier, directory))

	rec, err := svc.CreateApproval(context.Background(), CreateApprovalInput{InvoiceID: "INV-1", TotalAmount: amount("10")})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, rec.Status)
	require.NoError(t, svc.Shutdown(context.Background()))
	assert.Len(t, notifier.assigned, 1)
}

// blockingNotifier holds every NotifyAssigned call until release is closed
type blockingNotifier struct {
	recordingNotifier
	started chan struct{}
	release chan struct{}
}

func (n *blockingNotifier) NotifyAssigned(ctx context.Context, approver port.Approver, rec *entity.ApprovalRecord) error {
	n.started <- struct{}{}
	select {
	case <-n.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return n.recordingNotifier.NotifyAssigned(ctx, approver, rec)
}

func TestApprovalService_CreateDoesNotWaitForNotifier(t *testing.T) {
	notifier := &blockingNotifier{started: make(chan struct{}, 1), release: make(chan struct{})}
	directory := StaticDirectory{entity.LevelManager: {Name: "Manager", Email: "manager@example.com"}}
	svc, _ := newTestService(t, WithNotifier(notifier, directory))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	rec, err := svc.CreateApproval(ctx, CreateApprovalInput{InvoiceID: "INV-1", TotalAmount: amount("10")})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	// The record is readable while delivery is still blocked
	<-notifier.started
	got, err := svc.GetApproval(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, got.Status)

	// Shutdown gives up when its own deadline passes first
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	assert.ErrorIs(t, svc.Shutdown(short), context.DeadlineExceeded)

	// Cancelling the request does not cancel delivery
	cancel()
	close(notifier.release)
	require.NoError(t, svc.Shutdown(context.Background()))
	require.Len(t, notifier.assigned, 1)
	assert.Equal(t, "manager@example.com", notifier.assigned[0].Email)
}

func TestApprovalService_PublishesEvents(t *testing.T) {
	publisher := &recordingPublisher{}
	svc, _ := newTestService(t, WithEvents(publisher))
	ctx := context.Background()

	a, err := svc.CreateApproval(ctx, CreateApprovalInput{InvoiceID: "INV-1", TotalAmount: amount("10")})
	require.NoError(t, err)
	b, err := svc.CreateApproval(ctx, CreateApprovalInput{InvoiceID: "INV-2", TotalAmount: amount("10")})
	require.NoError(t, err)

	_, err = svc.Approve(ctx, a.ID, "Bob", "")
	require.NoError(t, err)
	_, err = svc.Reject(ctx, b.ID, "Alice", "duplicate")
	require.NoError(t, err)
	_, _ = svc.Approve(ctx, b.ID, "Bob", "")

	assert.Equal(t, []event.Type{
		event.TypeApprovalCreated,
		event.TypeApprovalCreated,
		event.TypeApprovalApproved,
		event.TypeApprovalRejected,
	}, publisher.types())
}

// failingStore fails every call to exercise error propagation
type failingStore struct {
	port.ApprovalStore
	err error
}

func (f *failingStore) Create(ctx context.Context, rec *entity.ApprovalRecord) error { return f.err }

func (f *failingStore) List(ctx context.Context) ([]*entity.ApprovalRecord, error) {
	return nil, f.err
}

func (f *failingStore) ListPending(ctx context.Context, level *entity.Level) ([]*entity.ApprovalRecord, error) {
	return nil, f.err
}

func TestApprovalService_StoreErrorsPropagate(t *testing.T) {
	boom := errors.New("disk full")
	svc := NewApprovalService(&failingStore{err: boom}, &mockLogger{})
	ctx := context.Background()

	_, err := svc.CreateApproval(ctx, CreateApprovalInput{InvoiceID: "INV-1", TotalAmount: amount("10")})
	assert.ErrorIs(t, err, boom)

	_, err = svc.Summarize(ctx)
	assert.ErrorIs(t, err, boom)

	_, err = svc.ListOverdue(ctx, nil)
	assert.ErrorIs(t, err, boom)

	_, err = svc.Dashboard(ctx)
	assert.ErrorIs(t, err, boom)
}

func TestStaticDirectory(t *testing.T) {
	d := StaticDirectory{
		entity.LevelManager: {Name: "Manager"},
		entity.LevelFinance: {},
	}

	a, ok := d.ApproverFor(entity.LevelManager)
	assert.True(t, ok)
	assert.Equal(t, "Manager", a.Name)

	_, ok = d.ApproverFor(entity.LevelFinance)
	assert.False(t, ok)

	_, ok = d.ApproverFor(entity.LevelCompliance)
	assert.False(t, ok)
}
