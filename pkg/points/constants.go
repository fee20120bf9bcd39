package points

const (
	operationApply       = "apply"
	operationDebit       = "debit"
	operationCredit      = "credit"
	operationSignupBonus = "signup_bonus"
	operationAdjust      = "adjust"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	signupKeyPrefix   = "signup:"
	referralKeyPrefix = "referral:"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	maxApplyAttempts = 3
)
