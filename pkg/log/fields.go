package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Actor (gin context keys set by pkg/middleware)
	FieldTenantID = "tenant_id"
	FieldUserID   = "user_id"

	// Connection
	FieldSessionID = "session_id"
	FieldRoomID    = "room_id"
	FieldFrame     = "frame"

	// Delivery
	FieldNotificationID = "notification_id"
	FieldChannel        = "channel"
	FieldProvider       = "provider"
	FieldAttempt        = "attempt"
	FieldEndpointID     = "endpoint_id"
	FieldJobID          = "job_id"

	// Service
	FieldService  = "service"
	FieldInstance = "instance"

	// Log type (for audit log)
	FieldLogType = "log_type"
	LogTypeAudit = "audit"
)
