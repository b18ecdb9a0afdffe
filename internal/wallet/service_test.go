package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/osirix/backend/internal/ledger"
	"github.com/osirix/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory mocks for Repo, CreditLedger and TxRunner. The mock tx runner
// snapshots state before fn and restores it on error, mirroring a rollback,
// so atomicity assertions are meaningful.
// ---------------------------------------------------------------------------

type mockState struct {
	wallets      map[uuid.UUID]*models.Wallet // by user ID
	transactions []*models.Transaction
	requests     map[uuid.UUID]*models.WithdrawalRequest
	products     map[uuid.UUID]*models.Product
	deals        map[uuid.UUID]*models.SponsorshipDeal
	credits      map[uuid.UUID]int64
}

func (s *mockState) clone() *mockState {
	cp := &mockState{
		wallets:  make(map[uuid.UUID]*models.Wallet, len(s.wallets)),
		requests: make(map[uuid.UUID]*models.WithdrawalRequest, len(s.requests)),
		products: make(map[uuid.UUID]*models.Product, len(s.products)),
		deals:    make(map[uuid.UUID]*models.SponsorshipDeal, len(s.deals)),
		credits:  make(map[uuid.UUID]int64, len(s.credits)),
	}
	for k, v := range s.wallets {
		w := *v
		cp.wallets[k] = &w
	}
	for _, t := range s.transactions {
		tc := *t
		cp.transactions = append(cp.transactions, &tc)
	}
	for k, v := range s.requests {
		r := *v
		cp.requests[k] = &r
	}
	for k, v := range s.products {
		p := *v
		cp.products[k] = &p
	}
	for k, v := range s.deals {
		d := *v
		cp.deals[k] = &d
	}
	for k, v := range s.credits {
		cp.credits[k] = v
	}
	return cp
}

type mockStore struct {
	mu    sync.Mutex
	state *mockState

	failDealStatus bool // force SetDealStatusTx to fail
}

func newMockStore() *mockStore {
	return &mockStore{state: &mockState{
		wallets:  make(map[uuid.UUID]*models.Wallet),
		requests: make(map[uuid.UUID]*models.WithdrawalRequest),
		products: make(map[uuid.UUID]*models.Product),
		deals:    make(map[uuid.UUID]*models.SponsorshipDeal),
		credits:  make(map[uuid.UUID]int64),
	}}
}

// WithTx snapshots state and restores it when fn errors, like a rollback.
func (m *mockStore) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	m.mu.Lock()
	snapshot := m.state.clone()
	m.mu.Unlock()
	if err := fn(nil); err != nil {
		m.mu.Lock()
		m.state = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *mockStore) EnsureWalletTx(_ context.Context, _ pgx.Tx, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.wallets[userID]; !ok {
		m.state.wallets[userID] = &models.Wallet{ID: uuid.New(), UserID: userID}
	}
	return nil
}

func (m *mockStore) GetByUserID(_ context.Context, userID uuid.UUID) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.state.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *mockStore) GetForUpdateTx(ctx context.Context, _ pgx.Tx, userID uuid.UUID) (*models.Wallet, error) {
	return m.GetByUserID(ctx, userID)
}

func (m *mockStore) walletByID(id uuid.UUID) *models.Wallet {
	for _, w := range m.state.wallets {
		if w.ID == id {
			return w
		}
	}
	return nil
}

func (m *mockStore) ApplyEarningTx(_ context.Context, _ pgx.Tx, walletID uuid.UUID, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.walletByID(walletID)
	w.Balance += amount
	w.TotalEarnings += amount
	return nil
}

func (m *mockStore) ApplyWithdrawalTx(_ context.Context, _ pgx.Tx, walletID uuid.UUID, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.walletByID(walletID)
	if w.Balance < amount {
		return 0, pgx.ErrNoRows
	}
	w.Balance -= amount
	w.TotalWithdrawn += amount
	return w.Balance, nil
}

func (m *mockStore) InsertTransactionTx(_ context.Context, _ pgx.Tx, t *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	cp.CreatedAt = time.Now()
	m.state.transactions = append(m.state.transactions, &cp)
	return nil
}

func (m *mockStore) ListTransactions(_ context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Transaction
	for i := len(m.state.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		if m.state.transactions[i].UserID == userID {
			cp := *m.state.transactions[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockStore) InsertRequestTx(_ context.Context, _ pgx.Tx, req *models.WithdrawalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	cp.CreatedAt = time.Now()
	m.state.requests[req.ID] = &cp
	return nil
}

func (m *mockStore) GetRequestForUpdateTx(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.state.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *req
	return &cp, nil
}

func (m *mockStore) SetRequestStatusTx(_ context.Context, _ pgx.Tx, id uuid.UUID, status string, processedAt *time.Time, rejectionReason *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req := m.state.requests[id]
	req.Status = status
	req.ProcessedAt = processedAt
	req.RejectionReason = rejectionReason
	return nil
}

func (m *mockStore) ListRequestsByUser(_ context.Context, userID uuid.UUID) ([]*models.WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.WithdrawalRequest
	for _, req := range m.state.requests {
		if req.UserID == userID {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockStore) CreateProduct(_ context.Context, p *models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.state.products[p.ID] = &cp
	return nil
}

func (m *mockStore) GetProduct(_ context.Context, id uuid.UUID) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.state.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockStore) CreateDeal(_ context.Context, d *models.SponsorshipDeal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.state.deals[d.ID] = &cp
	return nil
}

func (m *mockStore) GetDealForUpdateTx(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.SponsorshipDeal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.state.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}
	cp := *d
	return &cp, nil
}

var errDealStatusWrite = errors.New("deal status write failed")

func (m *mockStore) SetDealStatusTx(_ context.Context, _ pgx.Tx, id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDealStatus {
		return errDealStatusWrite
	}
	m.state.deals[id].Status = status
	return nil
}

// DebitTx spends the buyer's credits like the accounting service does.
func (m *mockStore) DebitTx(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount int64, _ uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.credits[userID] < amount {
		return &ledger.InsufficientCreditsError{Requested: amount, Available: m.state.credits[userID]}
	}
	m.state.credits[userID] -= amount
	return nil
}

func (m *mockStore) walletBalance(userID uuid.UUID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.state.wallets[userID]
	if !ok {
		return 0
	}
	return w.Balance
}

func (m *mockStore) transactionsOf(userID uuid.UUID, txType string) []*models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Transaction
	for _, t := range m.state.transactions {
		if t.UserID == userID && t.Type == txType {
			out = append(out, t)
		}
	}
	return out
}

const minWithdrawal = 1000

func newTestWallet() (*Service, *mockStore) {
	store := newMockStore()
	return NewService(store, store, store, minWithdrawal, nil), store
}

// ---------------------------------------------------------------------------
// Credit: every balance change pairs with exactly one transaction record.
// ---------------------------------------------------------------------------

func TestCreditPairsTransaction(t *testing.T) {
	svc, store := newTestWallet()
	user := uuid.New()
	deal := uuid.New()
	ctx := context.Background()

	if err := svc.Credit(ctx, user, 2500, models.SourceSponsorship, deal, "payout"); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	if got := store.walletBalance(user); got != 2500 {
		t.Errorf("balance after credit: got %d, want 2500", got)
	}
	earnings := store.transactionsOf(user, models.TransactionTypeEarning)
	if len(earnings) != 1 {
		t.Fatalf("earning transactions: got %d, want 1", len(earnings))
	}
	if earnings[0].Amount != 2500 {
		t.Errorf("transaction amount: got %d, want 2500", earnings[0].Amount)
	}
	if earnings[0].SourceID == nil || *earnings[0].SourceID != deal {
		t.Error("transaction should reference the deal")
	}
	if earnings[0].Status != models.TransactionStatusCompleted {
		t.Errorf("transaction status: got %s, want completed", earnings[0].Status)
	}
}

func TestGetCreatesWalletLazily(t *testing.T) {
	svc, _ := newTestWallet()
	user := uuid.New()

	w, err := svc.Get(context.Background(), user)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if w.UserID != user || w.Balance != 0 {
		t.Errorf("lazy wallet: got user %s balance %d, want %s and 0", w.UserID, w.Balance, user)
	}
}

// ---------------------------------------------------------------------------
// Withdrawal scenario: earn 10000, request 5000, approve. Debit happens at
// approval, not at request time.
// ---------------------------------------------------------------------------

func TestWithdrawalLifecycle(t *testing.T) {
	svc, store := newTestWallet()
	user := uuid.New()
	ctx := context.Background()

	if err := svc.Credit(ctx, user, 10000, models.SourceSponsorship, uuid.New(), "payout"); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	req, err := svc.RequestWithdrawal(ctx, user, 5000, "bank_transfer", nil)
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}
	if req.Status != models.WithdrawalStatusPending {
		t.Errorf("request status: got %s, want pending", req.Status)
	}
	// Filing the request must not touch the balance.
	if got := store.walletBalance(user); got != 10000 {
		t.Errorf("balance after request: got %d, want 10000", got)
	}

	if err := svc.ApproveWithdrawal(ctx, req.ID); err != nil {
		t.Fatalf("ApproveWithdrawal: %v", err)
	}
	if got := store.walletBalance(user); got != 5000 {
		t.Errorf("balance after approval: got %d, want 5000", got)
	}
	withdrawals := store.transactionsOf(user, models.TransactionTypeWithdrawal)
	if len(withdrawals) != 1 || withdrawals[0].Amount != 5000 {
		t.Fatalf("withdrawal transactions: got %v, want one of 5000", withdrawals)
	}

	final, err := svc.ListWithdrawals(ctx, user)
	if err != nil {
		t.Fatalf("ListWithdrawals: %v", err)
	}
	if len(final) != 1 || final[0].Status != models.WithdrawalStatusCompleted {
		t.Errorf("final request state: got %+v, want one completed", final)
	}
	if final[0].ProcessedAt == nil {
		t.Error("approved request should carry processed_at")
	}

	// Duplicate approval must not debit again.
	if err := svc.ApproveWithdrawal(ctx, req.ID); err != nil {
		t.Fatalf("duplicate ApproveWithdrawal should no-op, got: %v", err)
	}
	if got := store.walletBalance(user); got != 5000 {
		t.Errorf("balance after duplicate approval: got %d, want 5000", got)
	}
}

func TestWithdrawalBelowMinimum(t *testing.T) {
	svc, _ := newTestWallet()
	user := uuid.New()
	ctx := context.Background()

	if err := svc.Credit(ctx, user, 10000, models.SourceSponsorship, uuid.New(), ""); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	_, err := svc.RequestWithdrawal(ctx, user, 500, "paypal", nil)
	var belowMin *BelowMinimumError
	if !errors.As(err, &belowMin) {
		t.Fatalf("expected BelowMinimumError, got: %v", err)
	}
	if belowMin.Requested != 500 || belowMin.Minimum != minWithdrawal {
		t.Errorf("error amounts: got %d/%d, want 500/%d", belowMin.Requested, belowMin.Minimum, minWithdrawal)
	}
}

func TestWithdrawalInsufficientBalance(t *testing.T) {
	svc, _ := newTestWallet()
	user := uuid.New()
	ctx := context.Background()

	if err := svc.Credit(ctx, user, 2000, models.SourceSponsorship, uuid.New(), ""); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	_, err := svc.RequestWithdrawal(ctx, user, 5000, "paypal", nil)
	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError, got: %v", err)
	}
	if insufficient.Requested != 5000 || insufficient.Available != 2000 {
		t.Errorf("error amounts: got %d/%d, want 5000/2000", insufficient.Requested, insufficient.Available)
	}
}

// Two pending requests may both be filed against one balance; approval
// re-validates, so the second approval bounces.
func TestOverlappingRequestsRevalidatedAtApproval(t *testing.T) {
	svc, store := newTestWallet()
	user := uuid.New()
	ctx := context.Background()

	if err := svc.Credit(ctx, user, 6000, models.SourceSponsorship, uuid.New(), ""); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	first, err := svc.RequestWithdrawal(ctx, user, 4000, "paypal", nil)
	if err != nil {
		t.Fatalf("first RequestWithdrawal: %v", err)
	}
	second, err := svc.RequestWithdrawal(ctx, user, 4000, "paypal", nil)
	if err != nil {
		t.Fatalf("second RequestWithdrawal: %v", err)
	}

	if err := svc.ApproveWithdrawal(ctx, first.ID); err != nil {
		t.Fatalf("approve first: %v", err)
	}

	err = svc.ApproveWithdrawal(ctx, second.ID)
	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError on second approval, got: %v", err)
	}
	if got := store.walletBalance(user); got != 2000 {
		t.Errorf("balance: got %d, want 2000", got)
	}
}

func TestRejectWithdrawal(t *testing.T) {
	svc, store := newTestWallet()
	user := uuid.New()
	ctx := context.Background()

	if err := svc.Credit(ctx, user, 5000, models.SourceSponsorship, uuid.New(), ""); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	req, err := svc.RequestWithdrawal(ctx, user, 3000, "paypal", nil)
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}

	if err := svc.RejectWithdrawal(ctx, req.ID, "unverified account"); err != nil {
		t.Fatalf("RejectWithdrawal: %v", err)
	}
	if got := store.walletBalance(user); got != 5000 {
		t.Errorf("balance after reject: got %d, want 5000", got)
	}

	// Approving a rejected request is an illegal transition.
	if err := svc.ApproveWithdrawal(ctx, req.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("approve after reject: got %v, want ErrInvalidTransition", err)
	}
}

// ---------------------------------------------------------------------------
// Marketplace purchase: buyer credit debit and seller wallet credit are one
// atomic settlement.
// ---------------------------------------------------------------------------

func TestPurchaseProduct(t *testing.T) {
	svc, store := newTestWallet()
	buyer := uuid.New()
	seller := uuid.New()
	ctx := context.Background()

	store.state.credits[buyer] = 1000
	product, err := svc.CreateProduct(ctx, seller, "Voice pack", 300)
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	orderID, err := svc.PurchaseProduct(ctx, buyer, product.ID)
	if err != nil {
		t.Fatalf("PurchaseProduct: %v", err)
	}
	if orderID == uuid.Nil {
		t.Fatal("expected a non-nil order id")
	}

	if got := store.state.credits[buyer]; got != 700 {
		t.Errorf("buyer credits: got %d, want 700", got)
	}
	if got := store.walletBalance(seller); got != 300 {
		t.Errorf("seller wallet: got %d, want 300", got)
	}
	earnings := store.transactionsOf(seller, models.TransactionTypeEarning)
	if len(earnings) != 1 || earnings[0].SourceType != models.SourceMarketplaceSale {
		t.Errorf("seller earning transaction: got %+v, want one marketplace_sale", earnings)
	}
}

func TestPurchaseInsufficientCreditsRollsBack(t *testing.T) {
	svc, store := newTestWallet()
	buyer := uuid.New()
	seller := uuid.New()
	ctx := context.Background()

	store.state.credits[buyer] = 100
	product, err := svc.CreateProduct(ctx, seller, "Voice pack", 300)
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	_, err = svc.PurchaseProduct(ctx, buyer, product.ID)
	var insufficient *ledger.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got: %v", err)
	}
	if got := store.walletBalance(seller); got != 0 {
		t.Errorf("seller wallet after failed purchase: got %d, want 0", got)
	}
	if got := store.state.credits[buyer]; got != 100 {
		t.Errorf("buyer credits after failed purchase: got %d, want 100", got)
	}
}

// ---------------------------------------------------------------------------
// Sponsorship deals: content_submitted -> approved -> paid, wallet credit and
// paid mark commit together.
// ---------------------------------------------------------------------------

func TestDealSettlement(t *testing.T) {
	svc, store := newTestWallet()
	sponsor := uuid.New()
	influencer := uuid.New()
	ctx := context.Background()

	deal, err := svc.CreateDeal(ctx, sponsor, influencer, 7500)
	if err != nil {
		t.Fatalf("CreateDeal: %v", err)
	}
	if deal.Status != models.DealStatusContentSubmitted {
		t.Errorf("new deal status: got %s, want content_submitted", deal.Status)
	}

	// Settling before approval is illegal.
	if err := svc.SettleDeal(ctx, deal.ID); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("settle before approve: got %v, want ErrInvalidTransition", err)
	}

	if err := svc.ApproveDeal(ctx, deal.ID); err != nil {
		t.Fatalf("ApproveDeal: %v", err)
	}
	if err := svc.SettleDeal(ctx, deal.ID); err != nil {
		t.Fatalf("SettleDeal: %v", err)
	}

	if got := store.walletBalance(influencer); got != 7500 {
		t.Errorf("influencer wallet: got %d, want 7500", got)
	}
	settled, err := store.GetDealForUpdateTx(ctx, nil, deal.ID)
	if err != nil {
		t.Fatalf("reload deal: %v", err)
	}
	if settled.Status != models.DealStatusPaid {
		t.Errorf("deal status: got %s, want paid", settled.Status)
	}

	// Duplicate settlement must not pay twice.
	if err := svc.SettleDeal(ctx, deal.ID); err != nil {
		t.Fatalf("duplicate SettleDeal should no-op, got: %v", err)
	}
	if got := store.walletBalance(influencer); got != 7500 {
		t.Errorf("wallet after duplicate settle: got %d, want 7500", got)
	}
}

// A failure while marking the deal paid must roll back the wallet credit and
// leave the deal approved.
func TestDealSettlementFailureLeavesApproved(t *testing.T) {
	svc, store := newTestWallet()
	sponsor := uuid.New()
	influencer := uuid.New()
	ctx := context.Background()

	deal, err := svc.CreateDeal(ctx, sponsor, influencer, 7500)
	if err != nil {
		t.Fatalf("CreateDeal: %v", err)
	}
	if err := svc.ApproveDeal(ctx, deal.ID); err != nil {
		t.Fatalf("ApproveDeal: %v", err)
	}

	store.failDealStatus = true
	if err := svc.SettleDeal(ctx, deal.ID); !errors.Is(err, errDealStatusWrite) {
		t.Fatalf("expected deal status write error, got: %v", err)
	}
	store.failDealStatus = false

	if got := store.walletBalance(influencer); got != 0 {
		t.Errorf("wallet after failed settle: got %d, want 0", got)
	}
	reloaded, err := store.GetDealForUpdateTx(ctx, nil, deal.ID)
	if err != nil {
		t.Fatalf("reload deal: %v", err)
	}
	if reloaded.Status != models.DealStatusApproved {
		t.Errorf("deal after failed settle: got %s, want approved", reloaded.Status)
	}

	// Retrying the settlement succeeds and pays exactly once.
	if err := svc.SettleDeal(ctx, deal.ID); err != nil {
		t.Fatalf("retry SettleDeal: %v", err)
	}
	if got := store.walletBalance(influencer); got != 7500 {
		t.Errorf("wallet after retried settle: got %d, want 7500", got)
	}
}
