package points

import (
	"context"
	"fmt"
	"time"
)

// History returns an account's transactions newest first, with optional type
// and date filters. It is a display/audit read; the stored balance stays
// authoritative for financial decisions.
func (service *Service) History(ctx context.Context, accountID AccountID, filter HistoryFilter) ([]Transaction, error) {
	normalized, err := normalizeHistoryFilter(filter)
	if err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, accountID.String(), normalized)
}

// HistoryReport is the outcome of replaying an account's full log against its
// stored balance.
type HistoryReport struct {
	Balance      int64
	Sum          int64
	Transactions int
	Consistent   bool
}

// VerifyHistory replays the full transaction log oldest first, checking the
// BalanceAfter chain and comparing the running sum against the stored balance.
// Not a hot-path operation.
func (service *Service) VerifyHistory(ctx context.Context, accountID AccountID) (HistoryReport, error) {
	balanceRow, err := service.store.GetOrCreateBalance(ctx, accountID.String())
	if err != nil {
		return HistoryReport{}, err
	}
	// Limit 0 asks the store for the complete log.
	transactions, err := service.store.ListTransactions(ctx, accountID.String(), HistoryFilter{})
	if err != nil {
		return HistoryReport{}, err
	}

	report := HistoryReport{Balance: balanceRow.Balance, Transactions: len(transactions)}
	chainIntact := true
	previousAfter := int64(0)
	for index := len(transactions) - 1; index >= 0; index-- {
		transaction := transactions[index]
		report.Sum += transaction.Amount
		if transaction.BalanceAfter != previousAfter+transaction.Amount {
			chainIntact = false
		}
		previousAfter = transaction.BalanceAfter
	}
	report.Consistent = chainIntact && report.Sum == balanceRow.Balance
	return report, nil
}

func normalizeHistoryFilter(filter HistoryFilter) (HistoryFilter, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultHistoryLimit
	}
	if filter.Limit > maxHistoryLimit {
		return HistoryFilter{}, fmt.Errorf("%w: limit %d exceeds maximum %d", ErrInvalidHistoryFilter, filter.Limit, maxHistoryLimit)
	}
	if filter.Type != nil && !filter.Type.Valid() {
		return HistoryFilter{}, fmt.Errorf("%w: %q", ErrInvalidTransactionType, *filter.Type)
	}
	if filter.BeforeUnixUTC == 0 {
		filter.BeforeUnixUTC = time.Now().UTC().Add(time.Second).Unix()
	}
	return filter, nil
}
