package points

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Engine is the only code path allowed to mutate a balance. Every successful
// Apply writes exactly one transaction row and one balance update; failures
// leave zero rows behind.
type Engine struct {
	store Store
	nowFn func() int64
	newID func() string
}

// EngineOption configures an Engine instance.
type EngineOption func(*Engine)

// WithIDGenerator overrides the transaction id generator (tests use this for
// deterministic ids).
func WithIDGenerator(newID func() string) EngineOption {
	return func(engine *Engine) {
		engine.newID = newID
	}
}

// NewEngine wires an Engine.
func NewEngine(store Store, now func() int64, options ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	engine := &Engine{store: store, nowFn: now, newID: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	return engine, nil
}

// ApplyResult reports the outcome of a balance mutation. Duplicate is true
// when the idempotent no-op path was taken: the returned balance and
// transaction id belong to the previously committed call.
type ApplyResult struct {
	Balance       int64
	TransactionID string
	Duplicate     bool
}

// Apply atomically adds a signed amount to an account balance and appends the
// matching transaction. Debits that would overdraw fail with
// InsufficientBalanceError. Concurrent writers are detected through the
// balance row version; the whole read-modify-write retries a bounded number of
// times before surfacing ErrContention.
func (engine *Engine) Apply(ctx context.Context, accountID AccountID, amount int64, transactionType TransactionType, description string, idempotencyKey IdempotencyKey, metadata Metadata) (ApplyResult, error) {
	if amount == 0 {
		return ApplyResult{}, fmt.Errorf("%w: amount must be non-zero", ErrInvalidAmount)
	}
	if !transactionType.Valid() {
		return ApplyResult{}, fmt.Errorf("%w: %q", ErrInvalidTransactionType, transactionType)
	}

	var lastErr error
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		result, err := engine.applyOnce(ctx, accountID, amount, transactionType, description, idempotencyKey, metadata)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, ErrDuplicateIdempotencyKey) && !idempotencyKey.IsZero() {
			// Two retried requests raced past the lookup; the unique index
			// caught the loser. Return the committed result.
			return engine.resolveDuplicate(ctx, accountID, idempotencyKey)
		}
		if errors.Is(err, ErrVersionConflict) {
			lastErr = err
			continue
		}
		return ApplyResult{}, err
	}
	return ApplyResult{}, WrapError(operationApply, "balance", "contention", fmt.Errorf("%w: %v", ErrContention, lastErr))
}

func (engine *Engine) applyOnce(ctx context.Context, accountID AccountID, amount int64, transactionType TransactionType, description string, idempotencyKey IdempotencyKey, metadata Metadata) (ApplyResult, error) {
	var result ApplyResult
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if !idempotencyKey.IsZero() {
			existing, found, err := transactionStore.FindByIdempotencyKey(ctx, accountID.String(), idempotencyKey.String())
			if err != nil {
				return err
			}
			if found {
				result = ApplyResult{
					Balance:       existing.BalanceAfter,
					TransactionID: existing.ID,
					Duplicate:     true,
				}
				return nil
			}
		}

		balanceRow, err := transactionStore.GetOrCreateBalance(ctx, accountID.String())
		if err != nil {
			return err
		}
		newBalance := balanceRow.Balance + amount
		if amount < 0 && newBalance < 0 {
			return NewInsufficientBalanceError(-amount, balanceRow.Balance)
		}
		if err := transactionStore.UpdateBalance(ctx, accountID.String(), newBalance, balanceRow.Version); err != nil {
			return err
		}
		transaction := Transaction{
			ID:             engine.newID(),
			AccountID:      accountID.String(),
			Type:           transactionType,
			Amount:         amount,
			BalanceAfter:   newBalance,
			Description:    description,
			IdempotencyKey: idempotencyKey.String(),
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: engine.nowFn(),
		}
		if err := transactionStore.AppendTransaction(ctx, transaction); err != nil {
			return err
		}
		result = ApplyResult{Balance: newBalance, TransactionID: transaction.ID}
		return nil
	})
	if operationError != nil {
		return ApplyResult{}, operationError
	}
	return result, nil
}

func (engine *Engine) resolveDuplicate(ctx context.Context, accountID AccountID, idempotencyKey IdempotencyKey) (ApplyResult, error) {
	existing, found, err := engine.store.FindByIdempotencyKey(ctx, accountID.String(), idempotencyKey.String())
	if err != nil {
		return ApplyResult{}, err
	}
	if !found {
		return ApplyResult{}, WrapError(operationApply, "transaction", "duplicate_lookup", ErrDuplicateIdempotencyKey)
	}
	return ApplyResult{
		Balance:       existing.BalanceAfter,
		TransactionID: existing.ID,
		Duplicate:     true,
	}, nil
}
