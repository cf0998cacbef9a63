package wallet

const (
	operationCharge     = "charge"
	operationAddCredits = "add_credits"
	operationBalance    = "balance"
	operationAllowance  = "allowance"
	operationReset      = "reset_period"
	operationRollover   = "rollover"
	operationFlush      = "flush"
	operationSweep      = "sweep"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	triggerReasonForced    = "forced"
	triggerReasonThreshold = "critical_threshold"
	triggerReasonSampled   = "sampled"

	errorSubjectBalance   = "balance"
	errorSubjectAllowance = "allowance"
	errorSubjectJournal   = "journal"
	errorCodeRead         = "read"
	errorCodeWrite        = "write"
	errorCodeInsert       = "insert"

	billingPeriodLayout = "2006-01"
)
