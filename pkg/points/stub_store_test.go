package points

import (
	"context"
	"testing"
)

// stubStore is an in-memory Store with per-method error injection, used by the
// unit tests in this package.
type stubStore struct {
	balances     map[string]AccountBalance
	transactions []Transaction

	versionConflicts int

	withTxError            error
	getBalanceError        error
	updateBalanceError     error
	appendTransactionError error
	findError              error
	findMissOnce           bool
	incrementError         error
	listError              error
	listResult             []Transaction
}

func newStubStore() *stubStore {
	return &stubStore{balances: make(map[string]AccountBalance)}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.withTxError != nil {
		return store.withTxError
	}
	snapshotBalances := make(map[string]AccountBalance, len(store.balances))
	for accountID, balance := range store.balances {
		snapshotBalances[accountID] = balance
	}
	snapshotTransactions := make([]Transaction, len(store.transactions))
	copy(snapshotTransactions, store.transactions)

	if err := fn(ctx, store); err != nil {
		store.balances = snapshotBalances
		store.transactions = snapshotTransactions
		return err
	}
	return nil
}

func (store *stubStore) GetOrCreateBalance(ctx context.Context, accountID string) (AccountBalance, error) {
	if store.getBalanceError != nil {
		return AccountBalance{}, store.getBalanceError
	}
	if balance, exists := store.balances[accountID]; exists {
		return balance, nil
	}
	balance := AccountBalance{AccountID: accountID, Balance: 0, Version: 1}
	store.balances[accountID] = balance
	return balance, nil
}

func (store *stubStore) UpdateBalance(ctx context.Context, accountID string, newBalance int64, expectedVersion int64) error {
	if store.updateBalanceError != nil {
		return store.updateBalanceError
	}
	if store.versionConflicts > 0 {
		store.versionConflicts--
		return ErrVersionConflict
	}
	balance := store.balances[accountID]
	if balance.Version != expectedVersion {
		return ErrVersionConflict
	}
	balance.Balance = newBalance
	balance.Version = expectedVersion + 1
	store.balances[accountID] = balance
	return nil
}

func (store *stubStore) AppendTransaction(ctx context.Context, transaction Transaction) error {
	if store.appendTransactionError != nil {
		return store.appendTransactionError
	}
	if transaction.IdempotencyKey != "" {
		for _, existing := range store.transactions {
			if existing.AccountID == transaction.AccountID && existing.IdempotencyKey == transaction.IdempotencyKey {
				return ErrDuplicateIdempotencyKey
			}
		}
	}
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) FindByIdempotencyKey(ctx context.Context, accountID string, idempotencyKey string) (Transaction, bool, error) {
	if store.findError != nil {
		return Transaction{}, false, store.findError
	}
	if store.findMissOnce {
		store.findMissOnce = false
		return Transaction{}, false, nil
	}
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID && transaction.IdempotencyKey == idempotencyKey {
			return transaction, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (store *stubStore) IncrementReferralCount(ctx context.Context, accountID string) error {
	if store.incrementError != nil {
		return store.incrementError
	}
	balance := store.balances[accountID]
	balance.AccountID = accountID
	balance.ReferralCount++
	store.balances[accountID] = balance
	return nil
}

func (store *stubStore) ListTransactions(ctx context.Context, accountID string, filter HistoryFilter) ([]Transaction, error) {
	if store.listError != nil {
		return nil, store.listError
	}
	if store.listResult != nil {
		return store.listResult, nil
	}
	listed := make([]Transaction, 0, len(store.transactions))
	for index := len(store.transactions) - 1; index >= 0; index-- {
		transaction := store.transactions[index]
		if transaction.AccountID != accountID {
			continue
		}
		if filter.Type != nil && transaction.Type != *filter.Type {
			continue
		}
		if filter.FromUnixUTC != 0 && transaction.CreatedUnixUTC < filter.FromUnixUTC {
			continue
		}
		if filter.ToUnixUTC != 0 && transaction.CreatedUnixUTC > filter.ToUnixUTC {
			continue
		}
		if filter.BeforeUnixUTC != 0 && transaction.CreatedUnixUTC >= filter.BeforeUnixUTC {
			continue
		}
		listed = append(listed, transaction)
		if filter.Limit > 0 && len(listed) == filter.Limit {
			break
		}
	}
	return listed, nil
}

func (store *stubStore) accountBalance(test *testing.T, accountID string) AccountBalance {
	test.Helper()
	balance, exists := store.balances[accountID]
	if !exists {
		test.Fatalf("no balance row for %s", accountID)
	}
	return balance
}

func (store *stubStore) accountTransactions(accountID string) []Transaction {
	listed := make([]Transaction, 0, len(store.transactions))
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID {
			listed = append(listed, transaction)
		}
	}
	return listed
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id %q: %v", raw, err)
	}
	return accountID
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	idempotencyKey, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key %q: %v", raw, err)
	}
	return idempotencyKey
}

func mustMetadata(test *testing.T, raw string) Metadata {
	test.Helper()
	metadata, err := NewMetadata(raw)
	if err != nil {
		test.Fatalf("metadata %q: %v", raw, err)
	}
	return metadata
}

func mustNewEngine(test *testing.T, store Store) *Engine {
	test.Helper()
	var sequence int64
	engine, err := NewEngine(store, func() int64 {
		sequence++
		return sequence
	})
	if err != nil {
		test.Fatalf("new engine: %v", err)
	}
	return engine
}

func mustNewService(test *testing.T, store Store) *Service {
	test.Helper()
	engine := mustNewEngine(test, store)
	service, err := NewService(engine, store, DefaultCatalog())
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}
