package relay

import "github.com/pkg/errors"

var (
	// ErrSenderAborted ends a transfer whose sender stream failed before a
	// clean end of stream. Every receiver is closed with it.
	ErrSenderAborted = errors.New("sender disconnected before end of stream")
	// ErrReceiverGone is reported for a single receiver dropped mid-transfer.
	ErrReceiverGone = errors.New("receiver disconnected")
	// ErrAllReceiversFailed ends a transfer once no receiver is left.
	ErrAllReceiversFailed = errors.New("all receivers failed")
)
