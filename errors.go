package hwdecode

import (
	"errors"
	"fmt"
)

// ErrSessionFailed marks an error after which the Session is no longer usable.
var ErrSessionFailed = errors.New("the decode session has failed")

var ErrUnsupportedProfile = errors.New("unsupported profile")

// ErrMalformedUnit is returned by a BitstreamParser for a unit which cannot
// be parsed but carries no configuration; only that unit is rejected.
var ErrMalformedUnit = errors.New("malformed bitstream unit")

type ErrorKind uint

const (
	ErrorKindUndefined = ErrorKind(iota)
	ErrorKindConfiguration
	ErrorKindSessionCreation
	ErrorKindDecodeSubmission
	ErrorKindPlatformCallback
	ErrorKindPlatformFailure
	ErrorKindSurfaceBinding
	ErrorKindIllegalState
	EndOfErrorKind
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindUndefined:
		return "<undefined>"
	case ErrorKindConfiguration:
		return "configuration"
	case ErrorKindSessionCreation:
		return "session_creation"
	case ErrorKindDecodeSubmission:
		return "decode_submission"
	case ErrorKindPlatformCallback:
		return "platform_callback"
	case ErrorKindPlatformFailure:
		return "platform_failure"
	case ErrorKindSurfaceBinding:
		return "surface_binding"
	case ErrorKindIllegalState:
		return "illegal_state"
	}
	return fmt.Sprintf("unexpected_error_kind_%d", uint(k))
}

// IsFatal reports if the pipeline stops accepting bitstream units after
// an error of this kind.
func (k ErrorKind) IsFatal() bool {
	switch k {
	case ErrorKindConfiguration, ErrorKindSessionCreation, ErrorKindPlatformFailure:
		return true
	}
	return false
}

type Error struct {
	Kind        ErrorKind
	BitstreamID BitstreamID
	Err         error
}

func NewError(kind ErrorKind, bitstreamID BitstreamID, err error) *Error {
	return &Error{
		Kind:        kind,
		BitstreamID: bitstreamID,
		Err:         err,
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error (bitstream unit %d): %v", e.Kind, e.BitstreamID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the ErrorKind of the first *Error in the chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrorKindUndefined
}
