package audithook

// Action constants for audit events.
const (
	// Balance actions
	ActionBalanceChanged      = "balance.changed"
	ActionInsufficientBalance = "balance.insufficient"

	// Order actions
	ActionOrderCreated   = "order.created"
	ActionOrderSettled   = "order.settled"
	ActionOrderExpired   = "order.expired"
	ActionOrderCancelled = "order.cancelled"

	// Callback actions
	ActionCallbackDuplicate = "callback.duplicate"
	ActionCallbackConflict  = "callback.conflict"
	ActionCallbackFailed    = "callback.failed"

	// Refund actions
	ActionRefundApplied = "refund.applied"
	ActionRefundFailed  = "refund.failed"
)

// Resource constants for audit events.
const (
	ResourceAccount = "account"
	ResourceOrder   = "order"
	ResourceWebhook = "webhook"
)

// Category constants for audit events.
const (
	CategoryBalance     = "balance"
	CategorySettlement  = "settlement"
	CategoryIntegration = "integration"
	CategoryRefund      = "refund"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
