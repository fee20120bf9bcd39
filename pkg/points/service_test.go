package points

import (
	"context"
	"errors"
	"testing"
)

const (
	newAccountValue = "acct-new"
	referrerValue   = "acct-referrer"
)

func TestDebitResolvesPolicyAndCharges(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	accountID := mustAccountID(test, accountIDValue)

	if _, err := service.CreditAmount(context.Background(), accountID, 5000, "seed", mustIdempotencyKey(test, "seed"), Metadata{}); err != nil {
		test.Fatalf("seed: %v", err)
	}

	result, err := service.Debit(context.Background(), accountID, "landing_page", mustIdempotencyKey(test, "job-1"))
	if err != nil {
		test.Fatalf("debit: %v", err)
	}
	if result.Balance != 4000 || result.Used != 1000 {
		test.Fatalf("unexpected debit result: %+v", result)
	}
	transactions := store.accountTransactions(accountIDValue)
	if transactions[len(transactions)-1].Type != TypeUse {
		test.Fatalf("expected use transaction, got %s", transactions[len(transactions)-1].Type)
	}
}

func TestDebitUnknownPolicy(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore())
	accountID := mustAccountID(test, accountIDValue)

	_, err := service.Debit(context.Background(), accountID, "teleportation", IdempotencyKey{})
	if !errors.Is(err, ErrUnknownPolicy) {
		test.Fatalf(errorMismatchMessage, ErrUnknownPolicy, err)
	}
}

func TestDebitRejectsCreditPolicy(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore())
	accountID := mustAccountID(test, accountIDValue)

	_, err := service.Debit(context.Background(), accountID, PolicySignupBonus, IdempotencyKey{})
	if !errors.Is(err, ErrInvalidPolicy) {
		test.Fatalf(errorMismatchMessage, ErrInvalidPolicy, err)
	}
}

func TestCreditRejectsDebitPolicy(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore())
	accountID := mustAccountID(test, accountIDValue)

	_, err := service.Credit(context.Background(), accountID, "landing_page", IdempotencyKey{})
	if !errors.Is(err, ErrInvalidPolicy) {
		test.Fatalf(errorMismatchMessage, ErrInvalidPolicy, err)
	}
}

func TestCreditAmountRequiresPositiveAmount(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore())
	accountID := mustAccountID(test, accountIDValue)

	_, err := service.CreditAmount(context.Background(), accountID, -10, "bad", IdempotencyKey{}, Metadata{})
	if !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf(errorMismatchMessage, ErrInvalidAmount, err)
	}
}

func TestAdjustAppliesSignedCorrections(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	accountID := mustAccountID(test, accountIDValue)

	up, err := service.Adjust(context.Background(), accountID, 300, "manual grant", mustIdempotencyKey(test, "adj-1"), Metadata{})
	if err != nil {
		test.Fatalf("adjust up: %v", err)
	}
	if up.Balance != 300 {
		test.Fatalf("expected balance 300, got %d", up.Balance)
	}

	down, err := service.Adjust(context.Background(), accountID, -100, "manual correction", mustIdempotencyKey(test, "adj-2"), Metadata{})
	if err != nil {
		test.Fatalf("adjust down: %v", err)
	}
	if down.Balance != 200 {
		test.Fatalf("expected balance 200, got %d", down.Balance)
	}
	transactions := store.accountTransactions(accountIDValue)
	if transactions[0].Type != TypeCharge || transactions[1].Type != TypeUse {
		test.Fatalf("unexpected transaction types: %s, %s", transactions[0].Type, transactions[1].Type)
	}
}

func TestSignupBonusWithoutReferrer(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	accountID := mustAccountID(test, newAccountValue)

	result, err := service.SignupBonus(context.Background(), accountID, nil)
	if err != nil {
		test.Fatalf("signup bonus: %v", err)
	}
	if result.Balance != 1000 {
		test.Fatalf("expected balance 1000, got %d", result.Balance)
	}
	if result.ReferralCredited || result.ReferralErr != nil {
		test.Fatalf("unexpected referral outcome: %+v", result)
	}
}

func TestSignupBonusCreditsReferrer(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	accountID := mustAccountID(test, newAccountValue)
	referrerID := mustAccountID(test, referrerValue)

	result, err := service.SignupBonus(context.Background(), accountID, &referrerID)
	if err != nil {
		test.Fatalf("signup bonus: %v", err)
	}
	if result.Balance != 1000 {
		test.Fatalf("expected balance 1000, got %d", result.Balance)
	}
	if !result.ReferralCredited || result.ReferralErr != nil {
		test.Fatalf("expected referral credit, got %+v", result)
	}
	referrerBalance := store.accountBalance(test, referrerValue)
	if referrerBalance.Balance != 500 {
		test.Fatalf("expected referrer balance 500, got %d", referrerBalance.Balance)
	}
	if referrerBalance.ReferralCount != 1 {
		test.Fatalf("expected referral count 1, got %d", referrerBalance.ReferralCount)
	}
}

func TestSignupBonusRetryDoesNotDoubleCredit(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	accountID := mustAccountID(test, newAccountValue)
	referrerID := mustAccountID(test, referrerValue)

	if _, err := service.SignupBonus(context.Background(), accountID, &referrerID); err != nil {
		test.Fatalf("first signup bonus: %v", err)
	}
	retried, err := service.SignupBonus(context.Background(), accountID, &referrerID)
	if err != nil {
		test.Fatalf("retried signup bonus: %v", err)
	}
	if retried.Balance != 1000 {
		test.Fatalf("expected balance 1000 after retry, got %d", retried.Balance)
	}
	if store.accountBalance(test, referrerValue).Balance != 500 {
		test.Fatalf("referrer was double-credited")
	}
	if store.accountBalance(test, referrerValue).ReferralCount != 1 {
		test.Fatalf("referral count was double-incremented")
	}
	if got := len(store.accountTransactions(newAccountValue)); got != 1 {
		test.Fatalf("expected one bonus transaction, got %d", got)
	}
	if got := len(store.accountTransactions(referrerValue)); got != 1 {
		test.Fatalf("expected one referral transaction, got %d", got)
	}
}

func TestSignupBonusToleratesReferralFailure(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	accountID := mustAccountID(test, newAccountValue)
	referrerID := mustAccountID(test, referrerValue)

	// The referrer-side credit fails after the base bonus committed.
	failingStore := &referralFailingStore{stubStore: store}
	service := mustNewService(test, failingStore)

	result, err := service.SignupBonus(context.Background(), accountID, &referrerID)
	if err != nil {
		test.Fatalf("signup bonus must succeed: %v", err)
	}
	if result.Balance != 1000 {
		test.Fatalf("expected base bonus committed, got balance %d", result.Balance)
	}
	if result.ReferralErr == nil {
		test.Fatalf("expected referral error to be reported")
	}
	if result.ReferralCredited {
		test.Fatalf("referral must not be marked credited")
	}
	if got := len(store.accountTransactions(newAccountValue)); got != 1 {
		test.Fatalf("expected committed bonus transaction, got %d", got)
	}
	if got := len(store.accountTransactions(referrerValue)); got != 0 {
		test.Fatalf("expected no referral transaction, got %d", got)
	}
}

// referralFailingStore lets the first WithTx (the base bonus) through and
// fails every one after it, mimicking a referrer-side store failure.
type referralFailingStore struct {
	*stubStore
	calls int
}

func (store *referralFailingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.calls++
	if store.calls > 1 {
		return errStoreFailure
	}
	return store.stubStore.WithTx(ctx, fn)
}

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	engine := mustNewEngine(test, store)

	if _, err := NewService(nil, store, DefaultCatalog()); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config, got %v", err)
	}
	if _, err := NewService(engine, nil, DefaultCatalog()); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config, got %v", err)
	}
	if _, err := NewService(engine, store, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config, got %v", err)
	}
}

func TestBalanceCreatesRowAtZero(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-fresh")

	balance, err := service.Balance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		test.Fatalf("expected zero balance, got %d", balance)
	}
}
