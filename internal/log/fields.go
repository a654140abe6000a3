package log

// Common field names for structured logging.
const (
	FieldComponent   = "component"
	FieldRequestID   = "request_id"
	FieldClientIP    = "client_ip"
	FieldMethod      = "method"
	FieldPath        = "path"
	FieldStatusCode  = "status_code"
	FieldDuration    = "duration_ms"
	FieldError       = "error"
	FieldOperation   = "operation"
	FieldGroupID     = "group_id"
	FieldUserID      = "user_id"
	FieldExpenseID   = "expense_id"
	FieldPaymentID   = "payment_id"
	FieldClientID    = "client_id"
	FieldCanonicalID = "canonical_id"
	FieldFingerprint = "fingerprint"
	FieldRetryCount  = "retry_count"
	FieldStatus      = "status"
	FieldAmountCents = "amount_cents"
	FieldMutation    = "mutation"
)

// Components names the module's subsystems.
const (
	ComponentApp     = "app"
	ComponentHTTP    = "http"
	ComponentCapture = "capture"
	ComponentLedger  = "ledger"
	ComponentOutbox  = "outbox"
	ComponentSync    = "sync"
	ComponentRemote  = "remote"
	ComponentAMQP    = "amqp"
	ComponentWorker  = "worker"
	ComponentStorage = "storage"
)

// Operations names recurring actions for log filtering.
const (
	OpCreate   = "create"
	OpEnqueue  = "enqueue"
	OpDrain    = "drain"
	OpSubmit   = "submit"
	OpSettle   = "settle"
	OpValidate = "validate"
	OpStartup  = "startup"
	OpShutdown = "shutdown"
)
