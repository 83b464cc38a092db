package decoder

import (
	"errors"
	"fmt"
)

// Kind classifies why a payload could not be decoded.
type Kind int

const (
	KindMalformed Kind = iota + 1
	KindEmpty
	KindInvalidValue
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindEmpty:
		return "empty"
	case KindInvalidValue:
		return "invalid_value"
	default:
		return "unknown"
	}
}

// Sentinel errors matched by DecodeError.Is.
var (
	ErrMalformed    = errors.New("malformed payload")
	ErrEmpty        = errors.New("no recognized field in payload")
	ErrInvalidValue = errors.New("invalid field value")
)

// DecodeError is returned for every payload the decoder refuses.
type DecodeError struct {
	Kind Kind
	// Field names the offending key, empty when the failure is not field specific.
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	msg := e.sentinel().Error()
	if e.Field != "" {
		msg = fmt.Sprintf("%s: field %q", msg, e.Field)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is lets callers match a DecodeError against ErrMalformed, ErrEmpty or ErrInvalidValue.
func (e *DecodeError) Is(target error) bool {
	return target == e.sentinel()
}

func (e *DecodeError) sentinel() error {
	switch e.Kind {
	case KindEmpty:
		return ErrEmpty
	case KindInvalidValue:
		return ErrInvalidValue
	default:
		return ErrMalformed
	}
}

// KindOf extracts the decode failure kind from err, or 0 when err is not a DecodeError.
func KindOf(err error) Kind {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}

func malformed(field string, err error) *DecodeError {
	return &DecodeError{Kind: KindMalformed, Field: field, Err: err}
}

func invalid(field string, err error) *DecodeError {
	return &DecodeError{Kind: KindInvalidValue, Field: field, Err: err}
}
