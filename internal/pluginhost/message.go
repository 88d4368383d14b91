package pluginhost

import "github.com/roelfdiedericks/ssod/internal/variant"

// Request kinds sent from the proxy to a worker over its stdin.
const (
	ReqInitial            = "initial"
	ReqProcess            = "process"
	ReqCancel             = "cancel"
	ReqRefresh            = "refresh"
	ReqUserActionFinished = "user-action-finished"
)

// Signal kinds a worker emits on its stdout.
const (
	SigResponse           = "response"
	SigResponseFinal      = "response-final"
	SigUserActionRequired = "user-action-required"
	SigRefreshed          = "refreshed"
	SigStore              = "store"
	SigStatusChanged      = "status-changed"
	SigError              = "error"
)

// Request is one frame sent to a worker.
type Request struct {
	Kind      string       `json:"kind"`
	SessionID string       `json:"sessionId"`
	Mechanism string       `json:"mechanism,omitempty"`
	Data      variant.Dict `json:"data,omitempty"`
}

// Signal is one frame emitted by a worker.
type Signal struct {
	Kind         string       `json:"kind"`
	SessionID    string       `json:"sessionId"`
	Data         variant.Dict `json:"data,omitempty"`
	State        string       `json:"state,omitempty"`
	Message      string       `json:"message,omitempty"`
	ErrorKind    string       `json:"errorKind,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}
