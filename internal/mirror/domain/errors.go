package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthentication means no valid session; never retried by the mirror.
	ErrAuthentication = errors.New("authentication required")
	// ErrRateLimited marks a remote 429.
	ErrRateLimited = errors.New("rate limited")
	// ErrNotFound means the list or user does not exist remotely.
	ErrNotFound = errors.New("not found")
	// ErrStorage marks a local storage engine failure.
	ErrStorage = errors.New("storage failure")
	// ErrTransient marks a remote failure worth retrying (5xx, reset connections).
	ErrTransient = errors.New("transient remote failure")
	// ErrInvalidHandle rejects handles that cannot be keyed.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrInvalidList rejects unusable list identifiers.
	ErrInvalidList = errors.New("invalid list uri")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// RateLimitError carries the server's Retry-After hint, if any.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: retry after %v", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// StorageError wraps a storage engine failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// NewStorageError wraps err unless it is nil or already a StorageError.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// RemoteError is a non-2xx answer from the remote service.
// Kind is one of the sentinels above and drives retry decisions.
type RemoteError struct {
	Status  int
	Code    string
	Message string
	Kind    error
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("remote %d: %s", e.Status, e.Message)
}

func (e *RemoteError) Unwrap() error { return e.Kind }

// ConsistencyWarning is a non-fatal divergence between local and remote state.
// It is delivered as an event, never returned as an error.
type ConsistencyWarning struct {
	ListURI string
	Handle  string
	Reason  string
}

func (w ConsistencyWarning) String() string {
	return fmt.Sprintf("%s in %s: %s", w.Handle, w.ListURI, w.Reason)
}

// IsRetryable reports whether err is worth another remote attempt:
// rate limits, timeouts and transient failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthentication) || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}
