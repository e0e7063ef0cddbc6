// Package errs defines the node's error-kind taxonomy as plain result
// values. Protocol errors never unwind: the dispatch loop converts them
// into a sent message (nack), a blacklist action, or a silent drop, and
// only programmer errors and unrecoverable storage failures propagate.
package errs

import "fmt"

// Kind classifies an error for the purposes of the dispatch loop's
// recovery policy: drop silently, blacklist, nack, or propagate.
type Kind int

const (
	KindMissingNodeOp Kind = iota
	KindInvalidNodeOp
	KindInvalidNodeMsg
	KindInvalidSignature
	KindSuspiciousNode
	KindSuspiciousClient
	KindInvalidClientOp
	KindInvalidClientRequest
	KindInvalidClientMsgType
	KindStopTimeout
)

func (k Kind) String() string {
	switch k {
	case KindMissingNodeOp:
		return "MissingNodeOp"
	case KindInvalidNodeOp:
		return "InvalidNodeOp"
	case KindInvalidNodeMsg:
		return "InvalidNodeMsg"
	case KindInvalidSignature:
		return "InvalidSignature"
	case KindSuspiciousNode:
		return "SuspiciousNode"
	case KindSuspiciousClient:
		return "SuspiciousClient"
	case KindInvalidClientOp:
		return "InvalidClientOp"
	case KindInvalidClientRequest:
		return "InvalidClientRequest"
	case KindInvalidClientMsgType:
		return "InvalidClientMsgType"
	case KindStopTimeout:
		return "StopTimeout"
	default:
		return "Unknown"
	}
}

// SuspicionCode names the specific reason behind a SuspiciousNode error.
type SuspicionCode string

const (
	DuplicateInstChange     SuspicionCode = "DUPLICATE_INST_CHNG"
	ConflictingPrePrepare   SuspicionCode = "CONFLICTING_PRE_PREPARE"
	InvalidPrePrepareDigest SuspicionCode = "INVALID_PP_DIGEST"
	InvalidViewNo           SuspicionCode = "INVALID_VIEW_NO"
	UnknownInstance         SuspicionCode = "UNKNOWN_INSTANCE"
	InvalidReqSignature     SuspicionCode = "INVALID_REQ_SIGNATURE"
)

// knownSuspicionTable lists the codes that cause an immediate blacklist, as
// opposed to a code that is merely recorded against the peer's count.
var knownSuspicionTable = map[SuspicionCode]bool{
	ConflictingPrePrepare:   true,
	InvalidPrePrepareDigest: true,
	InvalidReqSignature:     true,
	DuplicateInstChange:     false,
	InvalidViewNo:           false,
	UnknownInstance:         false,
}

// IsBlacklistable reports whether code triggers an immediate blacklist
// rather than merely incrementing a suspicion count.
func IsBlacklistable(code SuspicionCode) bool {
	return knownSuspicionTable[code]
}

// Error is the concrete error value carried through the node's result-based
// error handling.
type Error struct {
	Kind    Kind
	Code    SuspicionCode
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Suspicious(code SuspicionCode, format string, args ...interface{}) *Error {
	return &Error{Kind: KindSuspiciousNode, Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrStopTimeout is returned by components whose Stop could not drain
// in-flight work within the configured timeout.
var ErrStopTimeout = &Error{Kind: KindStopTimeout, Message: "stop timed out waiting for in-flight operations"}
