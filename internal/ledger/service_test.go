package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/osirix/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory mocks for Repo and TxRunner. These let us test the accounting
// logic without a database. The mock repo enforces the same non-negative
// balance rule the conditional UPDATE does.
// ---------------------------------------------------------------------------

type mockRepo struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64
	entries  []*models.LedgerEntry
}

func newMockRepo() *mockRepo {
	return &mockRepo{balances: make(map[uuid.UUID]int64)}
}

func (m *mockRepo) EnsureAccount(_ context.Context, _ pgx.Tx, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.balances[userID]; !ok {
		m.balances[userID] = 0
	}
	return nil
}

func (m *mockRepo) BalanceForUpdate(_ context.Context, _ pgx.Tx, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *mockRepo) Deduct(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[userID] < amount {
		return 0, pgx.ErrNoRows
	}
	m.balances[userID] -= amount
	return m.balances[userID], nil
}

func (m *mockRepo) Add(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] += amount
	return m.balances[userID], nil
}

func (m *mockRepo) InsertEntry(_ context.Context, _ pgx.Tx, e *models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	cp.Sequence = int64(len(m.entries) + 1)
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *mockRepo) CountEntries(_ context.Context, _ pgx.Tx, referenceID uuid.UUID, kind string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.ReferenceID == referenceID && e.Kind == kind {
			n++
		}
	}
	return n, nil
}

func (m *mockRepo) LatestBalance(_ context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest int64
	var seq int64 = -1
	for _, e := range m.entries {
		if e.UserID == userID && e.Sequence > seq {
			seq = e.Sequence
			latest = e.BalanceAfter
		}
	}
	return latest, nil
}

func (m *mockRepo) SumAmounts(_ context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, e := range m.entries {
		if e.UserID == userID {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (m *mockRepo) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerEntry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].UserID == userID {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

func (m *mockRepo) balance(userID uuid.UUID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID]
}

func (m *mockRepo) byKind(kind string) []*models.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range m.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// mockTx runs the function directly; the mocks ignore the pgx.Tx argument.
type mockTx struct{}

func (mockTx) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

func newTestService() (*Service, *mockRepo) {
	repo := newMockRepo()
	return NewService(repo, mockTx{}), repo
}

func seed(t *testing.T, svc *Service, userID uuid.UUID, amount int64) {
	t.Helper()
	if err := svc.Grant(context.Background(), userID, amount, models.LedgerKindPurchase, uuid.New()); err != nil {
		t.Fatalf("seed grant: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Reserve
// ---------------------------------------------------------------------------

func TestReserve(t *testing.T) {
	svc, repo := newTestService()
	user := uuid.New()
	job := uuid.New()
	ctx := context.Background()

	seed(t, svc, user, 500)

	if err := svc.Reserve(ctx, user, 50, job); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := repo.balance(user); got != 450 {
		t.Errorf("balance after reserve: got %d, want 450", got)
	}

	reservations := repo.byKind(models.LedgerKindReservation)
	if len(reservations) != 1 {
		t.Fatalf("reservation entries: got %d, want 1", len(reservations))
	}
	if reservations[0].Amount != -50 {
		t.Errorf("reservation amount: got %d, want -50", reservations[0].Amount)
	}
	if reservations[0].BalanceAfter != 450 {
		t.Errorf("reservation balance_after: got %d, want 450", reservations[0].BalanceAfter)
	}
	if reservations[0].ReferenceID != job {
		t.Error("reservation should reference the job")
	}
}

func TestReserveInsufficient(t *testing.T) {
	svc, repo := newTestService()
	user := uuid.New()
	ctx := context.Background()

	seed(t, svc, user, 30)

	err := svc.Reserve(ctx, user, 100, uuid.New())
	var insufficient *InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got: %v", err)
	}
	if insufficient.Requested != 100 || insufficient.Available != 30 {
		t.Errorf("error amounts: got requested=%d available=%d, want 100/30", insufficient.Requested, insufficient.Available)
	}

	// A failed reservation must leave no trace.
	if got := repo.balance(user); got != 30 {
		t.Errorf("balance after failed reserve: got %d, want 30", got)
	}
	if n := len(repo.byKind(models.LedgerKindReservation)); n != 0 {
		t.Errorf("reservation entries after failure: got %d, want 0", n)
	}
}

// Two goroutines race for a balance that covers only one reservation. Exactly
// one must win.
func TestConcurrentReservations(t *testing.T) {
	svc, repo := newTestService()
	user := uuid.New()
	ctx := context.Background()

	seed(t, svc, user, 100)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = svc.Reserve(ctx, user, 80, uuid.New())
		}()
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		var insufficient *InsufficientCreditsError
		switch {
		case err == nil:
			won++
		case errors.As(err, &insufficient):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Errorf("got %d winners and %d losers, want 1 and 1", won, lost)
	}
	if got := repo.balance(user); got != 20 {
		t.Errorf("balance after race: got %d, want 20", got)
	}
}

// ---------------------------------------------------------------------------
// Capture
// ---------------------------------------------------------------------------

func TestCapturePartial(t *testing.T) {
	svc, repo := newTestService()
	user := uuid.New()
	job := uuid.New()
	ctx := context.Background()

	seed(t, svc, user, 500)
	if err := svc.Reserve(ctx, user, 100, job); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// 100 reserved, 60 actually used: 40 comes back.
	if err := svc.CaptureTx(ctx, nil, user, 100, 60, job); err != nil {
		t.Fatalf("CaptureTx: %v", err)
	}
	if got := repo.balance(user); got != 440 {
		t.Errorf("balance after partial capture: got %d, want 440", got)
	}
	refunds := repo.byKind(models.LedgerKindRefund)
	if len(refunds) != 1 || refunds[0].Amount != 40 {
		t.Fatalf("refund entries after capture: got %v, want one of +40", refunds)
	}

	// Duplicate capture must not refund again.
	if err := svc.CaptureTx(ctx, nil, user, 100, 60, job); err != nil {
		t.Fatalf("duplicate CaptureTx: %v", err)
	}
	if got := repo.balance(user); got != 440 {
		t.Errorf("balance after duplicate capture: got %d, want 440", got)
	}
	if n := len(repo.byKind(models.LedgerKindRefund)); n != 1 {
		t.Errorf("refund entries after duplicate capture: got %d, want 1", n)
	}
}

func TestCaptureFull(t *testing.T) {
	svc, repo := newTestService()
	user := uuid.New()
	job := uuid.New()
	ctx := context.Background()

	seed(t, svc, user, 500)
	if err := svc.Reserve(ctx, user, 100, job); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// Full use: no refund entry at all.
	if err := svc.CaptureTx(ctx, nil, user, 100, 100, job); err != nil {
		t.Fatalf("CaptureTx: %v", err)
	}
	if got := repo.balance(user); got != 400 {
		t.Errorf("balance after full capture: got %d, want 400", got)
	}
	if n := len(repo.byKind(models.LedgerKindRefund)); n != 0 {
		t.Errorf("refund entries after full capture: got %d, want 0", n)
	}
}

func TestCaptureExceedsReservation(t *testing.T) {
	svc, _ := newTestService()
	user := uuid.New()

	if err := svc.CaptureTx(context.Background(), nil, user, 100, 150, uuid.New()); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for capture > reservation, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Refund
// ---------------------------------------------------------------------------

func TestRefundIdempotent(t *testing.T) {
	svc, repo := newTestService()
	user := uuid.New()
	job := uuid.New()
	ctx := context.Background()

	seed(t, svc, user, 500)
	if err := svc.Reserve(ctx, user, 100, job); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if err := svc.Refund(ctx, user, 100, job); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if err := svc.Refund(ctx, user, 100, job); err != nil {
		t.Fatalf("duplicate Refund: %v", err)
	}
	if got := repo.balance(user); got != 500 {
		t.Errorf("balance after duplicate refund: got %d, want 500", got)
	}
	if n := len(repo.byKind(models.LedgerKindRefund)); n != 1 {
		t.Errorf("refund entries: got %d, want 1", n)
	}
}

// A retried job places a second reservation under the same reference; that
// second cycle must still be refundable.
func TestRefundAfterRetry(t *testing.T) {
	svc, repo := newTestService()
	user := uuid.New()
	job := uuid.New()
	ctx := context.Background()

	seed(t, svc, user, 500)

	// First cycle: reserve + fail.
	if err := svc.Reserve(ctx, user, 100, job); err != nil {
		t.Fatalf("first Reserve: %v", err)
	}
	if err := svc.Refund(ctx, user, 100, job); err != nil {
		t.Fatalf("first Refund: %v", err)
	}

	// Retry cycle: reserve again, fail again.
	if err := svc.Reserve(ctx, user, 100, job); err != nil {
		t.Fatalf("second Reserve: %v", err)
	}
	if err := svc.Refund(ctx, user, 100, job); err != nil {
		t.Fatalf("second Refund: %v", err)
	}

	if got := repo.balance(user); got != 500 {
		t.Errorf("balance after retry cycle: got %d, want 500", got)
	}
	if n := len(repo.byKind(models.LedgerKindRefund)); n != 2 {
		t.Errorf("refund entries after retry cycle: got %d, want 2", n)
	}
}

// ---------------------------------------------------------------------------
// Grant
// ---------------------------------------------------------------------------

func TestGrantKinds(t *testing.T) {
	svc, _ := newTestService()
	user := uuid.New()
	ctx := context.Background()

	if err := svc.Grant(ctx, user, 100, models.LedgerKindBonus, uuid.New()); err != nil {
		t.Fatalf("bonus grant: %v", err)
	}
	if err := svc.Grant(ctx, user, 100, models.LedgerKindUsage, uuid.New()); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for non-grantable kind, got: %v", err)
	}
	if err := svc.Grant(ctx, user, 0, models.LedgerKindBonus, uuid.New()); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero amount, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Conservation and reconciliation
// ---------------------------------------------------------------------------

// Full cycle: grant, reserve, partial capture, reserve, refund. The ledger
// sum must always equal the running balance, and every entry's balance_after
// must match a replay of the history.
func TestLedgerConsistency(t *testing.T) {
	svc, repo := newTestService()
	user := uuid.New()
	jobA := uuid.New()
	jobB := uuid.New()
	ctx := context.Background()

	seed(t, svc, user, 1000)
	if err := svc.Reserve(ctx, user, 300, jobA); err != nil {
		t.Fatalf("Reserve A: %v", err)
	}
	if err := svc.CaptureTx(ctx, nil, user, 300, 120, jobA); err != nil {
		t.Fatalf("Capture A: %v", err)
	}
	if err := svc.Reserve(ctx, user, 200, jobB); err != nil {
		t.Fatalf("Reserve B: %v", err)
	}
	if err := svc.Refund(ctx, user, 200, jobB); err != nil {
		t.Fatalf("Refund B: %v", err)
	}

	// 1000 - 120 actually spent.
	if got := repo.balance(user); got != 880 {
		t.Errorf("final balance: got %d, want 880", got)
	}

	report, err := svc.Reconcile(ctx, user)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !report.Consistent {
		t.Errorf("reconcile: summed %d, latest %d, want equal", report.SummedBalance, report.LatestBalance)
	}
	if report.SummedBalance != 880 {
		t.Errorf("reconcile sum: got %d, want 880", report.SummedBalance)
	}

	// Replay: each entry's balance_after equals the running sum.
	var running int64
	for _, e := range repo.entries {
		running += e.Amount
		if e.BalanceAfter != running {
			t.Errorf("entry seq %d: balance_after %d, replay says %d", e.Sequence, e.BalanceAfter, running)
		}
	}
}
