package poller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/woozymasta/watchtower/internal/status"
)

// PollKind classifies transient per-server polling failures.
type PollKind int

const (
	// Unreachable means the server did not answer within the query timeout.
	Unreachable PollKind = iota

	// Unsupported means the server answered with a compressed-fragment
	// encoding the query client cannot decode.
	Unsupported

	// BrokenResponse means the server answered with a structurally
	// malformed response.
	BrokenResponse
)

// String returns the kind as a short lowercase label for logs.
func (k PollKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case Unsupported:
		return "unsupported"
	case BrokenResponse:
		return "broken-response"
	default:
		return "unknown"
	}
}

// PollError is raised for all per-server polling failures. It never aborts
// the scheduler loop; the failed address is logged and skipped.
type PollError struct {
	Err     error
	Address status.Address
	Kind    PollKind
}

// Error implements the error interface.
func (e *PollError) Error() string {
	return fmt.Sprintf("poll %s: %s: %v", e.Address, e.Kind, e.Err)
}

// Unwrap exposes the underlying transport error.
func (e *PollError) Unwrap() error {
	return e.Err
}

// classify wraps a raw query error into a PollError with the matching kind.
func classify(addr status.Address, err error) *PollError {
	kind := BrokenResponse

	var nerr net.Error
	switch {
	case errors.As(err, &nerr) && nerr.Timeout(),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded):
		kind = Unreachable
	case strings.Contains(strings.ToLower(err.Error()), "compress"):
		// The query client reports bzip2 fragments it cannot decode with a
		// "compressed" error string; there is no sentinel to match on.
		kind = Unsupported
	}

	return &PollError{Err: err, Address: addr, Kind: kind}
}
