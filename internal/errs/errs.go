// Package errs holds the daemon's named error kinds as sentinel values,
// wrapped with fmt.Errorf at each layer boundary the way the rest of the
// codebase wraps errors. Kind() recovers the abstract kind from a wrapped
// error for logging without leaking internals.
package errs

import "errors"

// Store errors.
var (
	ErrNotOpen           = errors.New("store not open")
	ErrConnectionFailure = errors.New("store connection failure")
	ErrStatementFailure  = errors.New("store statement failure")
	ErrLocked            = errors.New("store locked")
	ErrUnknown           = errors.New("unknown store error")
)

// Identity errors.
var (
	ErrNotFound        = errors.New("identity not found")
	ErrAlreadyExists   = errors.New("identity already exists")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrDataTooLarge    = errors.New("method data exceeds configured size limit")
)

// Access errors.
var (
	ErrPermissionDenied = errors.New("permission denied")
)

// Session errors.
var (
	ErrMechanismNotAvailable = errors.New("mechanism not available")
	ErrSessionCanceled       = errors.New("session canceled")
	ErrWrongState            = errors.New("wrong state")
	ErrUserInteraction       = errors.New("user interaction required")
	ErrPluginCrashed         = errors.New("plugin crashed")
)

// Kind returns the abstract name of the sentinel err wraps, "" if err is
// nil, or "Unknown" if err does not wrap one of this package's sentinels.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotOpen):
		return "NotOpen"
	case errors.Is(err, ErrConnectionFailure):
		return "ConnectionFailure"
	case errors.Is(err, ErrStatementFailure):
		return "StatementFailure"
	case errors.Is(err, ErrLocked):
		return "Locked"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrAlreadyExists):
		return "AlreadyExists"
	case errors.Is(err, ErrInvalidArgument):
		return "InvalidArgument"
	case errors.Is(err, ErrDataTooLarge):
		return "DataTooLarge"
	case errors.Is(err, ErrPermissionDenied):
		return "PermissionDenied"
	case errors.Is(err, ErrMechanismNotAvailable):
		return "MechanismNotAvailable"
	case errors.Is(err, ErrSessionCanceled):
		return "SessionCanceled"
	case errors.Is(err, ErrWrongState):
		return "WrongState"
	case errors.Is(err, ErrUserInteraction):
		return "UserInteraction"
	case errors.Is(err, ErrPluginCrashed):
		return "PluginCrashed"
	case errors.Is(err, ErrUnknown):
		return "Unknown"
	default:
		return "Unknown"
	}
}
