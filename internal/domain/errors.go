package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — use with NewSubSystemError for subsystem-specific
// errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrLimitReached = fmt.Errorf("limit reached")
)

// Sentinel errors for the session core.
var (
	// ErrUnknownAgent: a session creation or thread operation referenced
	// an agent identifier absent from the effective registry or session.
	ErrUnknownAgent = fmt.Errorf("unknown agent")
	// ErrDuplicateAgent: registry resolution found the same identifier in
	// more than one source.
	ErrDuplicateAgent = fmt.Errorf("duplicate agent identifier")
	// ErrNotParticipant: sender or mention target is not a current
	// participant of the thread.
	ErrNotParticipant = fmt.Errorf("agent is not a thread participant")
	// ErrThreadClosed: mutation attempted on a closed thread.
	ErrThreadClosed = fmt.Errorf("thread is closed")
	// ErrSessionNotFound: operation on an id with no matching session.
	// Distinct from the nil "not yet created" outcome of WaitForSession.
	ErrSessionNotFound = fmt.Errorf("session not found")
	// ErrSessionClosed: operation on a session that is draining or closed.
	ErrSessionClosed = fmt.Errorf("session is closed")
	// ErrLaunchFailed: a runtime failed to start an agent. The session
	// proceeds in a degraded state.
	ErrLaunchFailed = fmt.Errorf("agent launch failed")
	// ErrRegistryResolve: one or more registry sources failed to resolve.
	// Recoverable: the caller may fall back to an empty registry.
	ErrRegistryResolve = fmt.Errorf("registry resolution failed")
	// ErrObserverOnly: a debug observer attempted a mutating operation.
	ErrObserverOnly = fmt.Errorf("observer agents cannot mutate session state")
	// ErrPeerUnavailable: the remote peer link is down or its circuit is
	// open; the session degrades, it is not torn down.
	ErrPeerUnavailable = fmt.Errorf("peer server unavailable")
	// ErrAuthInvalid: application id / privacy key verification failed.
	ErrAuthInvalid = fmt.Errorf("authentication failed")
	// ErrRateLimited: the caller exceeded its tool-call budget.
	ErrRateLimited = fmt.Errorf("rate limit exceeded")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g. "ThreadStore.SendMessage")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g. "registry", "threads")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem so that
// ErrorCodeOf can resolve category sentinels to specific codes.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and for
// the gateway/tool surfaces.
type ErrorCode string

const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeUnknownAgent    ErrorCode = "UNKNOWN_AGENT"
	CodeDuplicateAgent  ErrorCode = "DUPLICATE_AGENT"
	CodeNotParticipant  ErrorCode = "NOT_PARTICIPANT"
	CodeThreadClosed    ErrorCode = "THREAD_CLOSED"
	CodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionClosed   ErrorCode = "SESSION_CLOSED"
	CodeLaunchFailed    ErrorCode = "LAUNCH_FAILED"
	CodeRegistryResolve ErrorCode = "REGISTRY_RESOLVE"
	CodeObserverOnly    ErrorCode = "OBSERVER_ONLY"
	CodePeerUnavailable ErrorCode = "PEER_UNAVAILABLE"
	CodeAuthInvalid     ErrorCode = "AUTH_INVALID"
	CodeRateLimited     ErrorCode = "RATE_LIMITED"

	// Category fallbacks.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeDuplicate    ErrorCode = "DUPLICATE"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeLimitReached ErrorCode = "LIMIT_REACHED"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeThreadNotFound ErrorCode = "THREAD_NOT_FOUND"
	CodePeerNotFound   ErrorCode = "PEER_NOT_FOUND"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrDuplicate:    CodeDuplicate,
	ErrTimeout:      CodeTimeout,
	ErrInvalidInput: CodeInvalidInput,
	ErrLimitReached: CodeLimitReached,

	ErrUnknownAgent:    CodeUnknownAgent,
	ErrDuplicateAgent:  CodeDuplicateAgent,
	ErrNotParticipant:  CodeNotParticipant,
	ErrThreadClosed:    CodeThreadClosed,
	ErrSessionNotFound: CodeSessionNotFound,
	ErrSessionClosed:   CodeSessionClosed,
	ErrLaunchFailed:    CodeLaunchFailed,
	ErrRegistryResolve: CodeRegistryResolve,
	ErrObserverOnly:    CodeObserverOnly,
	ErrPeerUnavailable: CodePeerUnavailable,
	ErrAuthInvalid:     CodeAuthInvalid,
	ErrRateLimited:     CodeRateLimited,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific
// codes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"threads": CodeThreadNotFound,
		"peer":    CodePeerNotFound,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		return de.Code()
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel,
// preferring a subsystem-specific code when one is mapped.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
