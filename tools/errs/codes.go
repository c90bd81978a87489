package errs

// AUTH_*
var (
	ErrAuthMissingUser     = NewCodeError(KindAuth, "AUTH_MISSING_USER", "userId is required")
	ErrAuthInvalidToken    = NewCodeError(KindAuth, "AUTH_INVALID_TOKEN", "token verification failed")
	ErrSessionExpired      = NewCodeError(KindAuth, "AUTH_SESSION_EXPIRED", "session expired, please re-authenticate")
	ErrSessionInactive     = NewCodeError(KindAuth, "AUTH_SESSION_INACTIVE", "session is no longer active, please re-authenticate")
	ErrPermissionDenied    = NewCodeError(KindAuth, "AUTH_PERMISSION_DENIED", "permission denied")
	ErrAdminRequired       = NewCodeError(KindAuth, "AUTH_ADMIN_REQUIRED", "admin token required")
	ErrJoinUnauthenticated = NewCodeError(KindAuth, "JOIN_UNAUTHENTICATED", "authenticate before joining an instance")
)

// CONFLICT_*
var (
	ErrResourceLocked = NewCodeError(KindConflict, "RESOURCE_LOCKED", "resource is locked by another user")
	ErrNotOwner       = NewCodeError(KindConflict, "NOT_OWNER", "lock is held by another user")
)

// NOT_FOUND_*
var (
	ErrNotFound           = NewCodeError(KindNotFound, "NOT_FOUND", "lock not found or already released")
	ErrSessionNotFound    = NewCodeError(KindNotFound, "SESSION_NOT_FOUND", "session not found")
	ErrConnectionNotFound = NewCodeError(KindNotFound, "CONNECTION_NOT_FOUND", "connection not found")
)

// TRANSPORT_*
var (
	ErrSendFailed          = NewCodeError(KindTransport, "TRANSPORT_SEND_FAILED", "message could not be delivered")
	ErrUpstreamUnavailable = NewCodeError(KindTransport, "UPSTREAM_UNAVAILABLE", "instance service unavailable")
)

// request shape
var (
	ErrJoinMissingInstance = NewCodeError(KindInvalid, "JOIN_MISSING_INSTANCE", "instanceId is required")
	ErrInstanceMismatch    = NewCodeError(KindInvalid, "INSTANCE_MISMATCH", "connection is not in that instance")
	ErrInvalidMessage      = NewCodeError(KindInvalid, "INVALID_MESSAGE", "malformed message")
	ErrUnknownMessageType  = NewCodeError(KindInvalid, "UNKNOWN_MESSAGE_TYPE", "unknown message type")
	ErrInvalidArgument     = NewCodeError(KindInvalid, "INVALID_ARGUMENT", "invalid argument")
)

var ErrInternal = NewCodeError(KindInternal, "INTERNAL", "internal error")
