package points

import (
	"context"
	"fmt"
)

// Service is the grant/debit façade callers use. It resolves named policies,
// drives the Engine, and composes the signup/referral compound operation.
type Service struct {
	engine  *Engine
	store   Store
	catalog *Catalog
	logger  OperationLogger
}

// NewService wires a Service.
func NewService(engine *Engine, store Store, catalog *Catalog, options ...ServiceOption) (*Service, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: engine dependency is nil", ErrInvalidServiceConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{engine: engine, store: store, catalog: catalog}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// DebitResult reports a completed debit.
type DebitResult struct {
	Balance   int64
	Used      int64
	Duplicate bool
}

// CreditResult reports a completed credit.
type CreditResult struct {
	Balance   int64
	Credited  int64
	Duplicate bool
}

// SignupBonusResult reports the compound signup operation. ReferralErr carries
// the referral-side failure when the base bonus committed but the referrer
// credit did not.
type SignupBonusResult struct {
	Balance          int64
	ReferralCredited bool
	ReferralErr      error
}

// Debit charges the account the named policy's cost.
func (service *Service) Debit(ctx context.Context, accountID AccountID, policyName string, idempotencyKey IdempotencyKey) (DebitResult, error) {
	policy, err := service.catalog.Resolve(policyName)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationDebit, AccountID: accountID, Error: err})
		return DebitResult{}, err
	}
	if policy.Kind != PolicyDebit {
		err := fmt.Errorf("%w: %s is not a debit policy", ErrInvalidPolicy, policyName)
		service.logOperation(ctx, OperationLog{Operation: operationDebit, AccountID: accountID, Error: err})
		return DebitResult{}, err
	}
	metadata, err := NewMetadata(fmt.Sprintf(`{"policy":%q}`, policy.Name))
	if err != nil {
		return DebitResult{}, err
	}
	result, err := service.engine.Apply(ctx, accountID, -policy.Amount, policy.Type, policy.Description, idempotencyKey, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:      operationDebit,
		AccountID:      accountID,
		Type:           policy.Type,
		Amount:         -policy.Amount,
		IdempotencyKey: idempotencyKey,
		Duplicate:      result.Duplicate,
		Error:          err,
	})
	if err != nil {
		return DebitResult{}, err
	}
	return DebitResult{Balance: result.Balance, Used: policy.Amount, Duplicate: result.Duplicate}, nil
}

// Credit grants the account the named policy's amount.
func (service *Service) Credit(ctx context.Context, accountID AccountID, policyName string, idempotencyKey IdempotencyKey) (CreditResult, error) {
	policy, err := service.catalog.Resolve(policyName)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationCredit, AccountID: accountID, Error: err})
		return CreditResult{}, err
	}
	if policy.Kind != PolicyCredit {
		err := fmt.Errorf("%w: %s is not a credit policy", ErrInvalidPolicy, policyName)
		service.logOperation(ctx, OperationLog{Operation: operationCredit, AccountID: accountID, Error: err})
		return CreditResult{}, err
	}
	metadata, err := NewMetadata(fmt.Sprintf(`{"policy":%q}`, policy.Name))
	if err != nil {
		return CreditResult{}, err
	}
	result, err := service.engine.Apply(ctx, accountID, policy.Amount, policy.Type, policy.Description, idempotencyKey, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:      operationCredit,
		AccountID:      accountID,
		Type:           policy.Type,
		Amount:         policy.Amount,
		IdempotencyKey: idempotencyKey,
		Duplicate:      result.Duplicate,
		Error:          err,
	})
	if err != nil {
		return CreditResult{}, err
	}
	return CreditResult{Balance: result.Balance, Credited: policy.Amount, Duplicate: result.Duplicate}, nil
}

// CreditAmount grants an explicit amount outside the catalog. This is the
// purchase-confirmation and manual-adjustment path; authorization for it is
// enforced by the caller, not here.
func (service *Service) CreditAmount(ctx context.Context, accountID AccountID, amount int64, description string, idempotencyKey IdempotencyKey, metadata Metadata) (CreditResult, error) {
	if amount <= 0 {
		err := fmt.Errorf("%w: explicit credit must be positive", ErrInvalidAmount)
		service.logOperation(ctx, OperationLog{Operation: operationCredit, AccountID: accountID, Amount: amount, Error: err})
		return CreditResult{}, err
	}
	result, err := service.engine.Apply(ctx, accountID, amount, TypeCharge, description, idempotencyKey, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:      operationCredit,
		AccountID:      accountID,
		Type:           TypeCharge,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		Duplicate:      result.Duplicate,
		Error:          err,
	})
	if err != nil {
		return CreditResult{}, err
	}
	return CreditResult{Balance: result.Balance, Credited: amount, Duplicate: result.Duplicate}, nil
}

// Adjust applies a signed manual correction outside the catalog. Corrections
// never rewrite history; a downward adjustment is an offsetting debit.
// Authorization is enforced by the caller, not here.
func (service *Service) Adjust(ctx context.Context, accountID AccountID, amount int64, description string, idempotencyKey IdempotencyKey, metadata Metadata) (CreditResult, error) {
	transactionType := TypeCharge
	if amount < 0 {
		transactionType = TypeUse
	}
	result, err := service.engine.Apply(ctx, accountID, amount, transactionType, description, idempotencyKey, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:      operationAdjust,
		AccountID:      accountID,
		Type:           transactionType,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		Duplicate:      result.Duplicate,
		Error:          err,
	})
	if err != nil {
		return CreditResult{}, err
	}
	return CreditResult{Balance: result.Balance, Credited: amount, Duplicate: result.Duplicate}, nil
}

// SignupBonus grants the base signup bonus and, when a referrer is supplied,
// credits the referral reward to the referrer. The referral side is tolerant:
// its failure is reported on the result but never unwinds the committed base
// bonus. Both credits carry idempotency keys derived from the new account id,
// so a retried signup handler has effect at most once on either account.
func (service *Service) SignupBonus(ctx context.Context, accountID AccountID, referredBy *AccountID) (SignupBonusResult, error) {
	bonusPolicy, err := service.catalog.Resolve(PolicySignupBonus)
	if err != nil {
		return SignupBonusResult{}, err
	}
	signupKey, err := NewIdempotencyKey(signupKeyPrefix + accountID.String())
	if err != nil {
		return SignupBonusResult{}, err
	}
	metadata, err := NewMetadata(`{"action":"signup_bonus"}`)
	if err != nil {
		return SignupBonusResult{}, err
	}
	bonusResult, err := service.engine.Apply(ctx, accountID, bonusPolicy.Amount, bonusPolicy.Type, bonusPolicy.Description, signupKey, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:      operationSignupBonus,
		AccountID:      accountID,
		Type:           bonusPolicy.Type,
		Amount:         bonusPolicy.Amount,
		IdempotencyKey: signupKey,
		Duplicate:      bonusResult.Duplicate,
		Error:          err,
	})
	if err != nil {
		return SignupBonusResult{}, err
	}

	result := SignupBonusResult{Balance: bonusResult.Balance}
	if referredBy == nil {
		return result, nil
	}
	result.ReferralCredited, result.ReferralErr = service.creditReferrer(ctx, accountID, *referredBy)
	return result, nil
}

func (service *Service) creditReferrer(ctx context.Context, newAccountID AccountID, referrerID AccountID) (bool, error) {
	referralPolicy, err := service.catalog.Resolve(PolicyReferralBonus)
	if err != nil {
		return false, err
	}
	referralKey, err := NewIdempotencyKey(referralKeyPrefix + newAccountID.String())
	if err != nil {
		return false, err
	}
	metadata, err := NewMetadata(fmt.Sprintf(`{"referred_account":%q}`, newAccountID.String()))
	if err != nil {
		return false, err
	}
	referralResult, err := service.engine.Apply(ctx, referrerID, referralPolicy.Amount, referralPolicy.Type, referralPolicy.Description, referralKey, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:      operationSignupBonus,
		AccountID:      referrerID,
		Type:           referralPolicy.Type,
		Amount:         referralPolicy.Amount,
		IdempotencyKey: referralKey,
		Duplicate:      referralResult.Duplicate,
		Error:          err,
	})
	if err != nil {
		return false, err
	}
	// The counter only moves on the first commit; the duplicate path means a
	// retried signup already counted this referral.
	if !referralResult.Duplicate {
		if err := service.store.IncrementReferralCount(ctx, referrerID.String()); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Balance returns the authoritative stored balance for an account, creating
// the row at zero on first reference.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (int64, error) {
	balanceRow, err := service.store.GetOrCreateBalance(ctx, accountID.String())
	if err != nil {
		return 0, err
	}
	return balanceRow.Balance, nil
}

// Policies exposes the catalog for cost display.
func (service *Service) Policies() []Policy {
	return service.catalog.List()
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
