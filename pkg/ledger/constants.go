package ledger

const (
	operationAppend   = "append"
	operationResolve  = "resolve_pending"
	operationVoid     = "void"
	operationVerify   = "verify_balance"
	operationBalance  = "balance"
	operationList     = "list_entries"
	operationRevenue  = "revenue"
	operationPendings = "pending_topups"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	auditActionTopupRequested = "topup_requested"
	auditActionTopupApplied   = "topup_applied"
	auditActionTopupFailed    = "topup_failed"
	auditActionTopupVoided    = "topup_voided"
	auditActionSpend          = "spend"
	auditActionAdjustment     = "admin_adjustment"

	// DefaultListLimit bounds list queries when the caller passes no limit.
	DefaultListLimit = 50
	// MaxListLimit caps list queries.
	MaxListLimit = 500
)
