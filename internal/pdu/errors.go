package pdu

import (
	"errors"
	"fmt"
)

var (
	ErrTruncated         = errors.New("pdu: truncated data")
	ErrInvalidLength     = errors.New("pdu: invalid length")
	ErrDirectiveMismatch = errors.New("pdu: directive code mismatch")
	ErrUnknownDirective  = errors.New("pdu: unknown directive code")
	ErrEntityIDTooLarge  = errors.New("pdu: id does not fit declared length")
	ErrNameTooLong       = errors.New("pdu: file name longer than 255 octets")
	ErrNilBody           = errors.New("pdu: nil body")
)

// DecodeError reports which structure failed to decode.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("pdu: decode %s: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(op string, err error) error {
	return &DecodeError{Op: op, Err: err}
}
