package points

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AccountID identifies a ledger account owner.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IdempotencyKey scopes duplicate detection. The zero value means no key was
// supplied and the operation is not deduplicated.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// IsZero reports whether no key was supplied.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// Metadata stores arbitrary caller context as a JSON blob.
type Metadata struct {
	value string
}

// NewMetadata validates a metadata string (defaulting to "{}" for empty inputs).
func NewMetadata(raw string) (Metadata, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return Metadata{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadata)
	}
	return Metadata{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata Metadata) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	// TypeCharge records an external purchase credited to the account.
	TypeCharge TransactionType = "charge"
	// TypeUse records a debit for a paid feature.
	TypeUse TransactionType = "use"
	// TypeBonus records a signup or promotional credit.
	TypeBonus TransactionType = "bonus"
	// TypeReferral records a credit for a successful referral.
	TypeReferral TransactionType = "referral"
)

// ParseTransactionType validates a raw transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	candidate := TransactionType(strings.TrimSpace(raw))
	if !candidate.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
	return candidate, nil
}

// Valid reports whether the type is one of the enumerated kinds.
func (transactionType TransactionType) Valid() bool {
	switch transactionType {
	case TypeCharge, TypeUse, TypeBonus, TypeReferral:
		return true
	}
	return false
}

// String returns the raw type value.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// Transaction is a single immutable line in the ledger. Amount is signed:
// positive credits, negative debits.
type Transaction struct {
	ID             string
	AccountID      string
	Type           TransactionType
	Amount         int64
	BalanceAfter   int64
	Description    string
	IdempotencyKey string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// AccountBalance is the materialized balance row for one account. It is a
// cache of the transaction log and is only ever written together with an
// appended transaction.
type AccountBalance struct {
	AccountID     string
	Balance       int64
	Version       int64
	ReferralCount int64
}

// HistoryFilter narrows an audit read. Zero fields are ignored; Limit <= 0
// means no limit (store callers normalize it first, the verifier relies on it).
type HistoryFilter struct {
	Type          *TransactionType
	FromUnixUTC   int64
	ToUnixUTC     int64
	BeforeUnixUTC int64
	Limit         int
}

// Store is the persistence contract used by Engine and Service.
// Mutations happen inside WithTx; the idempotency lookup, balance write, and
// transaction append for one apply share a single transactional unit.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateBalance(ctx context.Context, accountID string) (AccountBalance, error)
	UpdateBalance(ctx context.Context, accountID string, newBalance int64, expectedVersion int64) error
	AppendTransaction(ctx context.Context, transaction Transaction) error
	FindByIdempotencyKey(ctx context.Context, accountID string, idempotencyKey string) (Transaction, bool, error)
	IncrementReferralCount(ctx context.Context, accountID string) error
	ListTransactions(ctx context.Context, accountID string, filter HistoryFilter) ([]Transaction, error)
}
