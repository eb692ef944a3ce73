package queue

import "errors"

// Sentinel error kinds, not identifiers: callers use errors.Is against
// these, and wrap them with fmt.Errorf("...: %w", ...) for context.
var (
	ErrInvalidArg     = errors.New("invalid argument")
	ErrNoResource     = errors.New("no resource available")
	ErrHardwareReject = errors.New("hardware rejected request")
	ErrTimeout        = errors.New("timed out")
	ErrAborted        = errors.New("aborted")
	ErrProtocol       = errors.New("protocol error")
	ErrRingFull       = errors.New("ring full")
	ErrFatal          = errors.New("fatal queue error")
)
