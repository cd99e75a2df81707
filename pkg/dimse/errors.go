package dimse

import (
	"errors"
	"fmt"
)

var (
	// ErrAssociationClosed is returned when an operation runs on a released
	// or aborted association.
	ErrAssociationClosed = errors.New("dimse: association closed")

	// ErrNoPresentationContext is returned when the peer did not accept a
	// presentation context for the requested abstract syntax.
	ErrNoPresentationContext = errors.New("dimse: no accepted presentation context")

	// ErrUnexpectedPDU is returned when the peer sends a PDU that is not
	// valid in the current state.
	ErrUnexpectedPDU = errors.New("dimse: unexpected PDU")

	// ErrNotPart10 is returned for files without a DICM preamble.
	ErrNotPart10 = errors.New("dimse: not a DICOM Part 10 file")
)

// RejectError is returned when the peer answers A-ASSOCIATE-RQ with
// A-ASSOCIATE-RJ.
type RejectError struct {
	Result byte
	Source byte
	Reason byte
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("association rejected (result=%d source=%d reason=%d)", e.Result, e.Source, e.Reason)
}

// Permanent reports whether the rejection is flagged as permanent by the peer.
func (e *RejectError) Permanent() bool {
	return e.Result == 1
}

// AbortError is returned when the peer sends A-ABORT.
type AbortError struct {
	Source byte
	Reason byte
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("association aborted by peer (source=%d reason=%d)", e.Source, e.Reason)
}

// ErrReleaseRequested is returned by MessageReader when the peer sends
// A-RELEASE-RQ instead of a message.
var ErrReleaseRequested = errors.New("dimse: release requested by peer")
