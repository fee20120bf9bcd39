// Package memstore implements points.Store entirely in memory. It backs tests
// and the --store=memory mode, where the service runs without a configured
// database but keeps the exact ledger semantics of the durable store.
package memstore

import (
	"context"
	"sync"

	"github.com/pagelift/points/pkg/points"
)

const (
	errorOperationStore   = "store"
	errorSubjectBalance   = "balance"
	errorSubjectTx        = "transaction"
	errorCodeDuplicate    = "duplicate"
	errorCodeStaleVersion = "stale_version"
	errorCodeMissingRow   = "missing_row"
	initialBalanceVersion = 1
)

// Store holds all ledger state behind one mutex. WithTx snapshots the state
// and restores it when the unit of work fails, matching the durable store's
// rollback behavior.
type Store struct {
	mu           sync.Mutex
	balances     map[string]points.AccountBalance
	transactions map[string][]points.Transaction
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		balances:     make(map[string]points.AccountBalance),
		transactions: make(map[string][]points.Transaction),
	}
}

// WithTx serializes the unit of work and rolls the state back on error.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.snapshot()
	if err := fn(ctx, &txView{store: store}); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

func (store *Store) GetOrCreateBalance(ctx context.Context, accountID string) (points.AccountBalance, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.getOrCreateBalanceLocked(accountID)
}

func (store *Store) UpdateBalance(ctx context.Context, accountID string, newBalance int64, expectedVersion int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.updateBalanceLocked(accountID, newBalance, expectedVersion)
}

func (store *Store) AppendTransaction(ctx context.Context, transaction points.Transaction) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.appendTransactionLocked(transaction)
}

func (store *Store) FindByIdempotencyKey(ctx context.Context, accountID string, idempotencyKey string) (points.Transaction, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.findByIdempotencyKeyLocked(accountID, idempotencyKey)
}

func (store *Store) IncrementReferralCount(ctx context.Context, accountID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.incrementReferralCountLocked(accountID)
}

func (store *Store) ListTransactions(ctx context.Context, accountID string, filter points.HistoryFilter) ([]points.Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.listTransactionsLocked(accountID, filter)
}

// txView exposes the store inside WithTx without re-locking.
type txView struct {
	store *Store
}

func (view *txView) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	return fn(ctx, view)
}

func (view *txView) GetOrCreateBalance(ctx context.Context, accountID string) (points.AccountBalance, error) {
	return view.store.getOrCreateBalanceLocked(accountID)
}

func (view *txView) UpdateBalance(ctx context.Context, accountID string, newBalance int64, expectedVersion int64) error {
	return view.store.updateBalanceLocked(accountID, newBalance, expectedVersion)
}

func (view *txView) AppendTransaction(ctx context.Context, transaction points.Transaction) error {
	return view.store.appendTransactionLocked(transaction)
}

func (view *txView) FindByIdempotencyKey(ctx context.Context, accountID string, idempotencyKey string) (points.Transaction, bool, error) {
	return view.store.findByIdempotencyKeyLocked(accountID, idempotencyKey)
}

func (view *txView) IncrementReferralCount(ctx context.Context, accountID string) error {
	return view.store.incrementReferralCountLocked(accountID)
}

func (view *txView) ListTransactions(ctx context.Context, accountID string, filter points.HistoryFilter) ([]points.Transaction, error) {
	return view.store.listTransactionsLocked(accountID, filter)
}

func (store *Store) getOrCreateBalanceLocked(accountID string) (points.AccountBalance, error) {
	if balance, exists := store.balances[accountID]; exists {
		return balance, nil
	}
	balance := points.AccountBalance{AccountID: accountID, Balance: 0, Version: initialBalanceVersion}
	store.balances[accountID] = balance
	return balance, nil
}

func (store *Store) updateBalanceLocked(accountID string, newBalance int64, expectedVersion int64) error {
	balance, exists := store.balances[accountID]
	if !exists {
		return wrapStoreError(errorSubjectBalance, errorCodeMissingRow, points.ErrStoreUnavailable)
	}
	if balance.Version != expectedVersion {
		return wrapStoreError(errorSubjectBalance, errorCodeStaleVersion, points.ErrVersionConflict)
	}
	balance.Balance = newBalance
	balance.Version = expectedVersion + 1
	store.balances[accountID] = balance
	return nil
}

func (store *Store) appendTransactionLocked(transaction points.Transaction) error {
	if transaction.IdempotencyKey != "" {
		if _, found, _ := store.findByIdempotencyKeyLocked(transaction.AccountID, transaction.IdempotencyKey); found {
			return wrapStoreError(errorSubjectTx, errorCodeDuplicate, points.ErrDuplicateIdempotencyKey)
		}
	}
	store.transactions[transaction.AccountID] = append(store.transactions[transaction.AccountID], transaction)
	return nil
}

func (store *Store) findByIdempotencyKeyLocked(accountID string, idempotencyKey string) (points.Transaction, bool, error) {
	for _, transaction := range store.transactions[accountID] {
		if transaction.IdempotencyKey == idempotencyKey {
			return transaction, true, nil
		}
	}
	return points.Transaction{}, false, nil
}

func (store *Store) incrementReferralCountLocked(accountID string) error {
	balance, err := store.getOrCreateBalanceLocked(accountID)
	if err != nil {
		return err
	}
	balance.ReferralCount++
	store.balances[accountID] = balance
	return nil
}

func (store *Store) listTransactionsLocked(accountID string, filter points.HistoryFilter) ([]points.Transaction, error) {
	log := store.transactions[accountID]
	listed := make([]points.Transaction, 0, len(log))
	// Appends are chronological, so reverse order is newest first.
	for index := len(log) - 1; index >= 0; index-- {
		transaction := log[index]
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

type stateSnapshot struct {
	balances     map[string]points.AccountBalance
	transactions map[string][]points.Transaction
}

func (store *Store) snapshot() stateSnapshot {
	balances := make(map[string]points.AccountBalance, len(store.balances))
	for accountID, balance := range store.balances {
		balances[accountID] = balance
	}
	transactions := make(map[string][]points.Transaction, len(store.transactions))
	for accountID, log := range store.transactions {
		copied := make([]points.Transaction, len(log))
		copy(copied, log)
		transactions[accountID] = copied
	}
	return stateSnapshot{balances: balances, transactions: transactions}
}

func (store *Store) restore(snapshot stateSnapshot) {
	store.balances = snapshot.balances
	store.transactions = snapshot.transactions
}

func wrapStoreError(subject string, code string, err error) error {
	return points.WrapError(errorOperationStore, subject, code, err)
}
