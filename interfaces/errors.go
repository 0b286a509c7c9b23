package interfaces

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSecretIntegrity is returned when the master secret cannot be
	// recovered from its server-held wrapping. Every encrypted value is reset.
	ErrSecretIntegrity = errors.New("master secret integrity check failed")

	// ErrFileSecretIntegrity is returned when a single value or file secret
	// cannot be unwrapped. Only that value is reset.
	ErrFileSecretIntegrity = errors.New("value secret integrity check failed")

	// ErrUnsupportedKDF is returned when the server names a key derivation
	// this client does not implement. Nothing is reset or regenerated.
	ErrUnsupportedKDF = errors.New("unsupported secret key derivation")

	// ErrValidation is returned when the form is not ready for submission.
	ErrValidation = errors.New("required data is missing")

	// ErrConflict marks an operation rejected because another operation of
	// the same kind is in flight.
	ErrConflict = errors.New("operation already in progress")

	ErrNoValue           = errors.New("no such value in form")
	ErrNoSuchFile        = errors.New("no such file")
	ErrScansLimitReached = errors.New("scans limit reached")
	ErrWrongCode         = errors.New("wrong verification code")
	ErrNoVerification    = errors.New("no verification in progress")
	ErrNoPassword        = errors.New("account has no password")
	ErrEmptyPassword     = errors.New("empty password")
	ErrUploadInProgress  = errors.New("file upload not finished")
	ErrSecretNotReady    = errors.New("master secret not ready")
	ErrNotEditing        = errors.New("value is not being edited")
	ErrNotDocument       = errors.New("value type does not accept files")
)

// Error identifiers the remote service may return that have dedicated
// handling. Any other identifier falls back to a generic message.
const (
	ErrTypePasswordHashInvalid       = "PASSWORD_HASH_INVALID"
	ErrTypePhoneCodeInvalid          = "PHONE_CODE_INVALID"
	ErrTypeCodeInvalid               = "CODE_INVALID"
	ErrTypePhoneVerificationNeeded   = "PHONE_VERIFICATION_NEEDED"
	ErrTypeEmailVerificationNeeded   = "EMAIL_VERIFICATION_NEEDED"
	ErrTypeFloodPrefix               = "FLOOD_WAIT_"
	ErrTypeSecretRegistrationInvalid = "SECURE_SECRET_INVALID"
	ErrTypeValueInvalid              = "SECURE_VALUE_INVALID"
)

// RPCError is a rejection returned by the remote service.
type RPCError struct {
	Code int    `json:"code"`
	Type string `json:"type"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Type)
}

// IsFlood reports whether the rejection is a rate limit.
func (e *RPCError) IsFlood() bool {
	return strings.HasPrefix(e.Type, ErrTypeFloodPrefix)
}

// RPCErrorType extracts the remote error identifier from err, or "" when err
// is not a remote rejection.
func RPCErrorType(err error) string {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Type
	}
	return ""
}
