package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures across the host/sandbox boundary. The string
// value travels as the "kind" field of error events.
type ErrorKind string

const (
	KindAssetFetch       ErrorKind = "AssetFetchError"
	KindAssetEncode      ErrorKind = "AssetEncodeError"
	KindSandboxInit      ErrorKind = "SandboxInitError"
	KindModelParse       ErrorKind = "ModelParseError"
	KindTransport        ErrorKind = "TransportError"
	KindRuntimeAnimation ErrorKind = "RuntimeAnimationError"
	KindLoadTimeout      ErrorKind = "LoadTimeoutError"
	KindProtocol         ErrorKind = "ProtocolError"
)

// Error is a classified failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error around a formatted cause.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain, or
// the empty kind.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
