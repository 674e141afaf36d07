package comm

import (
	"errors"
	"fmt"
)

var (
	ErrTransport        = errors.New("transport failure")
	ErrEmitterClosed    = errors.New("emitter closed")
	ErrListenerClosed   = errors.New("listener closed")
	ErrFrameTooLarge    = errors.New("frame too large")
	ErrUnknownTransport = errors.New("unknown transport")
)

// TransportError reports a network level failure while delivering to a
// partition.  The emitter never retries, that policy belongs to the caller.
type TransportError struct {
	PartitionID int
	Address     string
	Err         error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure sending to partition %d (%s): %s",
		e.PartitionID, e.Address, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}
