package syncengine

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/googleapi"
)

// ErrSyncInProgress is returned when a sync attempt is requested while one
// is already running; the orchestrator serializes attempts per account.
var ErrSyncInProgress = errors.New("a sync attempt is already in progress")

// SchemaError wraps a remote rejection of the payload shape. Retrying the
// same payload cannot succeed, so the retry loop gives up immediately and
// callers surface it distinctly.
type SchemaError struct {
	Op  string
	Err error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: remote rejected payload: %v", e.Op, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// BatchFailure reports a batch that still failed after the retry budget was
// exhausted. Processing of subsequent batches stops when it occurs.
type BatchFailure struct {
	Op       string
	Attempts int
	Err      error
}

func (e *BatchFailure) Error() string {
	return fmt.Sprintf("%s: failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *BatchFailure) Unwrap() error { return e.Err }

// isSchemaRejection reports whether the error means the payload itself is
// malformed. 4xx responses other than timeout/rate-limit fall here.
func isSchemaRejection(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case 408, 429:
			return false
		default:
			return gerr.Code >= 400 && gerr.Code < 500
		}
	}
	return false
}

// isTransient reports whether the error is worth retrying: timeouts,
// rate limits, connectivity and 5xx responses. Cancellation and payload
// rejections are not.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 408 || gerr.Code == 429 || gerr.Code >= 500
	}
	if isSchemaRejection(err) {
		return false
	}
	// Unclassified network-level failures default to retryable.
	return true
}
