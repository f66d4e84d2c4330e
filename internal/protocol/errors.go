package protocol

// Backend error codes (ErrorMsg.Code).
const (
	// Connection-fatal: credential rejected, no auto-reconnect.
	ErrAuthInvalid = "AUTH_INVALID"

	// Scoped to one entity's conversation when entity_id is set.
	ErrBackendError = "BACKEND_ERROR"

	// Advisory; logged, nothing aborted.
	ErrRateLimit   = "RATE_LIMIT"
	ErrBadRequest  = "BAD_REQUEST"
	ErrUnknownType = "UNKNOWN_TYPE"
)

var knownCodes = map[string]struct{}{
	ErrAuthInvalid:  {},
	ErrBackendError: {},
	ErrRateLimit:    {},
	ErrBadRequest:   {},
	ErrUnknownType:  {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
