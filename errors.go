package transferloop

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrAdapterClosed is returned when operations are attempted on an
	// adapter whose engine instance has already been released.
	ErrAdapterClosed = errors.New("transferloop: adapter is closed")

	// ErrTransferRegistered is returned by AddHandle when the transfer is
	// already registered. This indicates a caller bug and should be
	// unreachable in correct programs.
	ErrTransferRegistered = errors.New("transferloop: transfer already registered")

	// ErrTransferCancelled is the failure reason carried by a completion
	// handle that was cancelled via RemoveHandle.
	ErrTransferCancelled = errors.New("transferloop: transfer cancelled")

	// ErrLoopClosed is returned when work is submitted to a loop that has
	// been terminated.
	ErrLoopClosed = errors.New("transferloop: loop has been terminated")

	// ErrFDNotRegistered is returned when unregistering a descriptor the
	// loop is not watching.
	ErrFDNotRegistered = errors.New("transferloop: fd not registered")

	// ErrFDAlreadyRegistered is returned when registering a descriptor
	// watch direction that is already present.
	ErrFDAlreadyRegistered = errors.New("transferloop: fd already registered")
)

// TransferError is the terminal failure of a single transfer, carrying the
// engine's status code and the name of the operation that failed.
//
// It is surfaced to the caller through the transfer's completion handle and
// never as an error return from the drive loop.
type TransferError struct {
	// Op names the failing operation, e.g. "perform".
	Op string
	// Code is the engine-specific status code (never StatusOK).
	Code int
}

// Error implements the error interface.
func (e *TransferError) Error() string {
	return fmt.Sprintf("transferloop: %s failed with engine status %d", e.Op, e.Code)
}

// WatchError is a programming-contract violation: the engine requested
// removal of interest for a descriptor the watch set does not track. It
// indicates watch-set desynchronization and propagates out of the callback
// bridge immediately rather than being swallowed.
type WatchError struct {
	// FD is the untracked descriptor.
	FD int
}

// Error implements the error interface.
func (e *WatchError) Error() string {
	return fmt.Sprintf("transferloop: descriptor %d not found in watch set", e.FD)
}
