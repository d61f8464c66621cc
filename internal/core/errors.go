package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrRelayUnavailable        = errors.New("relay unavailable")
	ErrRoomNotFound            = errors.New("room not found")
	ErrRoomExpired             = errors.New("room expired")
	ErrDeviceAcquisitionFailed = errors.New("device acquisition failed")
	ErrStaleSignal             = errors.New("stale signal")
	ErrNoIdentity              = errors.New("no identity")
	ErrForbidden               = errors.New("forbidden")
)

// OpError is what the voice facade hands back to its caller.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *OpError) Unwrap() error { return e.Err }

// Terminal reports whether the error ends the room session for the caller
// (room gone), as opposed to a retryable failure.
func Terminal(err error) bool {
	return errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrRoomExpired)
}
