package processing

import (
	"errors"
	"fmt"
)

// Kind classifies the failures Execute reports. Errors that are not an
// *Error are unexpected faults.
type Kind int

const (
	KindInvalidParam Kind = iota + 1
	KindSourceNotFound
	KindTransformFailed
)

func (k Kind) String() string {
	switch k {
	case KindInvalidParam:
		return "invalid param"
	case KindSourceNotFound:
		return "source not found"
	case KindTransformFailed:
		return "transform failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Public messages. These are the only failure texts that reach callers.
const (
	MessageNotFound        = "File not found"
	MessageTransformFailed = "Error processing image"
	MessageInternal        = "Error"
)

// Error is a recognised failure. Public is safe to show to callers; Err
// carries the internal detail for logs.
type Error struct {
	Kind   Kind
	Public string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a recognised failure, or false for unexpected faults.
func KindOf(err error) (Kind, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind, true
	}
	return 0, false
}

func invalidParam(err error) *Error {
	return &Error{Kind: KindInvalidParam, Public: "Invalid param [" + err.Error() + "]", Err: err}
}

func sourceNotFound(err error) *Error {
	return &Error{Kind: KindSourceNotFound, Public: MessageNotFound, Err: err}
}

func transformFailed(err error) *Error {
	return &Error{Kind: KindTransformFailed, Public: MessageTransformFailed, Err: err}
}
