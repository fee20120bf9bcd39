// Package gormstore implements points.Store on top of GORM, targeting
// PostgreSQL in production and sqlite in tests and local runs.
package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pagelift/points/pkg/points"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintAccountIdempotencyKey = "uniq_account_idempotency_key"
	defaultMetadataJSON             = "{}"
	pgUniqueViolationCode           = "23505"
	sqliteConstraintCode            = 19
	initialBalanceVersion           = 1
	errorOperationStore             = "store"
	errorSubjectBalance             = "balance"
	errorSubjectTransaction         = "transaction"
	errorCodeCreate                 = "create"
	errorCodeDuplicate              = "duplicate"
	errorCodeGet                    = "get"
	errorCodeInsert                 = "insert"
	errorCodeList                   = "list"
	errorCodeLookup                 = "lookup"
	errorCodeReferralCount          = "referral_count"
	errorCodeStaleVersion           = "stale_version"
	errorCodeUpdate                 = "update"
)

// Store implements points.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the ledger tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&AccountBalance{}, &PointTransaction{})
}

// WithTx executes fn within a database transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateBalance(ctx context.Context, accountID string) (points.AccountBalance, error) {
	var model AccountBalance
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		model = AccountBalance{AccountID: accountID, Balance: 0, Version: initialBalanceVersion}
		createErr := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
			Create(&model).Error
		if createErr != nil {
			return points.AccountBalance{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, createErr)
		}
		// Re-read in case a concurrent writer won the insert.
		err = store.db.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account_id = ?", accountID).
			Take(&model).Error
	}
	if err != nil {
		return points.AccountBalance{}, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return points.AccountBalance{
		AccountID:     model.AccountID,
		Balance:       model.Balance,
		Version:       model.Version,
		ReferralCount: model.ReferralCount,
	}, nil
}

func (store *Store) UpdateBalance(ctx context.Context, accountID string, newBalance int64, expectedVersion int64) error {
	result := store.db.WithContext(ctx).
		Model(&AccountBalance{}).
		Where("account_id = ? AND version = ?", accountID, expectedVersion).
		Updates(map[string]interface{}{
			"balance": newBalance,
			"version": expectedVersion + 1,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeStaleVersion, points.ErrVersionConflict)
	}
	return nil
}

func (store *Store) AppendTransaction(ctx context.Context, transaction points.Transaction) error {
	var idempotencyKey *string
	if transaction.IdempotencyKey != "" {
		value := transaction.IdempotencyKey
		idempotencyKey = &value
	}
	model := PointTransaction{
		TransactionID:  transaction.ID,
		AccountID:      transaction.AccountID,
		Type:           transaction.Type.String(),
		Amount:         transaction.Amount,
		BalanceAfter:   transaction.BalanceAfter,
		Description:    transaction.Description,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadataJSON(transaction.MetadataJSON),
		CreatedAt:      time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, points.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindByIdempotencyKey(ctx context.Context, accountID string, idempotencyKey string) (points.Transaction, bool, error) {
	var model PointTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND idempotency_key = ?", accountID, idempotencyKey).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return points.Transaction{}, false, nil
	}
	if err != nil {
		return points.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	transaction, err := mapTransaction(model)
	if err != nil {
		return points.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return transaction, true, nil
}

func (store *Store) IncrementReferralCount(ctx context.Context, accountID string) error {
	result := store.db.WithContext(ctx).
		Model(&AccountBalance{}).
		Where("account_id = ?", accountID).
		UpdateColumn("referral_count", gorm.Expr("referral_count + 1"))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeReferralCount, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeReferralCount, gorm.ErrRecordNotFound)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID string, filter points.HistoryFilter) ([]points.Transaction, error) {
	query := store.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC, transaction_id DESC")
	if filter.Type != nil {
		query = query.Where("type = ?", filter.Type.String())
	}
	if filter.FromUnixUTC != 0 {
		query = query.Where("created_at >= ?", time.Unix(filter.FromUnixUTC, 0).UTC())
	}
	if filter.ToUnixUTC != 0 {
		query = query.Where("created_at <= ?", time.Unix(filter.ToUnixUTC, 0).UTC())
	}
	if filter.BeforeUnixUTC != 0 {
		query = query.Where("created_at < ?", time.Unix(filter.BeforeUnixUTC, 0).UTC())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []PointTransaction
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]points.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func mapTransaction(row PointTransaction) (points.Transaction, error) {
	transactionType, err := points.ParseTransactionType(row.Type)
	if err != nil {
		return points.Transaction{}, err
	}
	idempotencyKey := ""
	if row.IdempotencyKey != nil {
		idempotencyKey = *row.IdempotencyKey
	}
	return points.Transaction{
		ID:             row.TransactionID,
		AccountID:      row.AccountID,
		Type:           transactionType,
		Amount:         row.Amount,
		BalanceAfter:   row.BalanceAfter,
		Description:    row.Description,
		IdempotencyKey: idempotencyKey,
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return points.WrapError(errorOperationStore, subject, code, err)
}

func metadataJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintAccountIdempotencyKey
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
