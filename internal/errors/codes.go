// Package errors defines the closed error taxonomy the broker reports to
// callers. Every code is a stable string identifier; nothing here ever
// crosses an entry point as a native panic or wrapped Go error.
package errors

import stderrors "errors"

// Code is one of the fixed set of stable error identifiers the broker can
// report in a CommandResponse or PolicyUpdateResponse.
type Code string

const (
	OK Code = "OK"

	// Schema and freshness.
	InvalidSchema       Code = "INVALID_SCHEMA"
	RequestExpired      Code = "REQUEST_EXPIRED"
	RequestNotYetValid  Code = "REQUEST_NOT_YET_VALID"

	// Policy and command gating.
	PolicyNotFound  Code = "POLICY_NOT_FOUND"
	PolicyInvalid   Code = "POLICY_INVALID"
	PolicyDeny      Code = "POLICY_DENY"
	CommandDisabled Code = "COMMAND_DISABLED"

	// Signature and identity.
	UnsupportedSignatureAlgorithm Code = "UNSUPPORTED_SIGNATURE_ALGORITHM"
	InvalidSignature              Code = "INVALID_SIGNATURE"
	DeviceIDMismatch              Code = "DEVICE_ID_MISMATCH"

	// Replay protection.
	NonceReplay       Code = "NONCE_REPLAY"
	CommandIDConflict Code = "COMMAND_ID_CONFLICT"

	// Sessions.
	SessionRequired Code = "SESSION_REQUIRED"
	SessionNotFound Code = "SESSION_NOT_FOUND"
	SessionExpired  Code = "SESSION_EXPIRED"

	// Parameters and paths.
	InvalidParameter Code = "INVALID_PARAMETER"
	PathNotFound     Code = "PATH_NOT_FOUND"
	PathNotAllowed   Code = "PATH_NOT_ALLOWED"

	// Execution.
	CommandExecutionFailed Code = "COMMAND_EXECUTION_FAILED"
	InternalError          Code = "INTERNAL_ERROR"

	// Policy updates.
	PolicyUpdateInvalidSignature Code = "POLICY_UPDATE_INVALID_SIGNATURE"
	PolicyUpdateVersionRejected  Code = "POLICY_UPDATE_VERSION_REJECTED"
	PolicyUpdateRollback         Code = "POLICY_UPDATE_ROLLBACK"
)

var messages = map[Code]string{
	OK:                            "ok",
	InvalidSchema:                 "request payload failed schema validation",
	RequestExpired:                "request has expired",
	RequestNotYetValid:            "request is not yet valid",
	PolicyNotFound:                "policy file not found",
	PolicyInvalid:                 "policy document is invalid",
	PolicyDeny:                    "no policy rule matches this command",
	CommandDisabled:               "command is disabled by policy",
	UnsupportedSignatureAlgorithm: "signature algorithm is not supported",
	InvalidSignature:              "signature verification failed",
	DeviceIDMismatch:              "device id does not match bound device",
	NonceReplay:                   "nonce has already been used",
	CommandIDConflict:             "command id reused with a different request",
	SessionRequired:               "command requires an active session",
	SessionNotFound:               "session not found",
	SessionExpired:                "session has expired",
	InvalidParameter:              "parameter failed validation",
	PathNotFound:                  "path does not exist",
	PathNotAllowed:                "path is not permitted by policy",
	CommandExecutionFailed:        "command execution failed",
	InternalError:                 "internal error",
	PolicyUpdateInvalidSignature:  "policy update signature verification failed",
	PolicyUpdateVersionRejected:   "policy update version was not newer than the current version",
	PolicyUpdateRollback:          "policy update failed and was rolled back",
}

// Message returns the stable human-readable message paired with code.
// Unknown codes return a generic message rather than panicking.
func Message(code Code) string {
	if m, ok := messages[code]; ok {
		return m
	}
	return "unknown error"
}

// Err pairs a Code with its message as a Go error, for internal plumbing
// that wants to use the standard error-handling idiom (errors.As, wrapping)
// before the code is surfaced in a CommandResponse.
type Err struct {
	Code Code
}

func (e *Err) Error() string { return string(e.Code) + ": " + Message(e.Code) }

// New wraps code as an error.
func New(code Code) *Err { return &Err{Code: code} }

// CodeOf extracts the Code from err if it is (or wraps) an *Err, otherwise
// returns InternalError — the catch-all for failures the pipeline did not
// anticipate with a specific code.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Err
	if stderrors.As(err, &e) {
		return e.Code
	}
	return InternalError
}
