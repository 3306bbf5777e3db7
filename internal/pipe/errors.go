package pipe

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConflict is matched by every *ConflictError.
	ErrConflict = errors.New("pipe conflict")
	// ErrTimeout is delivered to parties of a path evicted before pairing.
	ErrTimeout = errors.New("pairing timed out")
	// ErrClosed is returned by claims on a closed registry and delivered to
	// parties still waiting when the registry closes.
	ErrClosed = errors.New("registry closed")
	// ErrInvalidCount rejects negative receiver counts.
	ErrInvalidCount = errors.New("invalid receiver count")
)

// ConflictReason tells why a claim was rejected.
type ConflictReason string

const (
	ReasonSenderExists  ConflictReason = "sender-exists"
	ReasonReceiversFull ConflictReason = "receivers-full"
	ReasonCountMismatch ConflictReason = "count-mismatch"
	ReasonBusy          ConflictReason = "busy"
)

// ConflictError describes a rejected claim. The path state is unchanged.
type ConflictError struct {
	Path   string
	Reason ConflictReason
	// Want is the receiver count already fixed for the path, Got the count
	// supplied by the rejected party. Only set for ReasonCountMismatch and
	// ReasonReceiversFull.
	Want int
	Got  int
}

func (e *ConflictError) Error() string {
	switch e.Reason {
	case ReasonSenderExists:
		return fmt.Sprintf("another sender is already connected on %q", e.Path)
	case ReasonReceiversFull:
		return fmt.Sprintf("the number of receivers on %q has reached its limit of %d", e.Path, e.Want)
	case ReasonCountMismatch:
		return fmt.Sprintf("the number of receivers on %q should be %d but got %d", e.Path, e.Want, e.Got)
	case ReasonBusy:
		return fmt.Sprintf("a transfer is already in progress on %q", e.Path)
	}
	return fmt.Sprintf("conflict on %q: %s", e.Path, e.Reason)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
