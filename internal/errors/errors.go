package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"
)

var (
	Is     = errors.Is
	As     = errors.As
	New    = errors.New
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kind classifies a transfer failure by how the engine must react to it.
type Kind string

const (
	KindTransientNetwork  Kind = "TRANSIENT_NETWORK"  // retried with fixed backoff
	KindPermanentRequest  Kind = "PERMANENT_REQUEST"  // never retried
	KindIntegrityMismatch Kind = "INTEGRITY_MISMATCH" // narrow re-fetch of the bad range
	KindManifestDrift     Kind = "MANIFEST_DRIFT"     // corrected in place
	KindStateConflict     Kind = "STATE_CONFLICT"     // file skipped, needs manual attention
	KindAuthExpiry        Kind = "AUTH_EXPIRY"        // aborts the run
	KindIO                Kind = "IO"                 // local filesystem failure
	KindCanceled          Kind = "CANCELED"           // shutdown or caller cancellation
)

// TransferError carries the classification of a failure along with the
// resource that produced it.
type TransferError struct {
	Err        error
	Kind       Kind
	Retryable  bool
	Timestamp  time.Time
	Resource   string
	StatusCode int
	HostSize   int64 // size the host reported, set on size drift
}

func (e *TransferError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("[%s] %s (status: %d): %v", e.Kind, e.Resource, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Resource, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

var (
	ErrRangeMismatch     = New("content-range does not match requested range")
	ErrNotPartial        = New("server ignored range request")
	ErrShortBody         = New("response body ended before requested range")
	ErrStateConflict     = New("provisional and final copies both present")
	ErrTreeMismatch      = New("chunk tree does not describe the remote file")
	ErrChunkMismatch     = New("chunk hash mismatch")
	ErrBudgetExceeded    = New("download budget exceeded")
	ErrRenewalExhausted  = New("token renewal failed")
	ErrNoRefreshToken    = New("session has no refresh token")
	ErrUnsupportedScheme = New("unsupported url scheme")
	ErrIncomplete        = New("transfer incomplete")
	ErrSizeDrift         = New("remote size differs from expected size")
)

func newError(kind Kind, err error, resource string, retryable bool) *TransferError {
	return &TransferError{
		Err:       err,
		Kind:      kind,
		Retryable: retryable,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

func NewTransient(err error, resource string) *TransferError {
	return newError(KindTransientNetwork, err, resource, true)
}

func NewPermanent(err error, resource string) *TransferError {
	return newError(KindPermanentRequest, err, resource, false)
}

func NewIntegrity(err error, resource string) *TransferError {
	return newError(KindIntegrityMismatch, err, resource, false)
}

func NewDrift(err error, resource string) *TransferError {
	return newError(KindManifestDrift, err, resource, false)
}

// NewSizeDrift reports a response whose total disagrees with the size the
// transfer was started for. No bytes of that response have been written.
func NewSizeDrift(hostSize, expected int64, resource string) *TransferError {
	te := NewDrift(fmt.Errorf("%w: host reports %d bytes, expected %d", ErrSizeDrift, hostSize, expected), resource)
	te.HostSize = hostSize
	return te
}

func NewConflict(resource string) *TransferError {
	return newError(KindStateConflict, ErrStateConflict, resource, false)
}

func NewAuthExpiry(err error, resource string) *TransferError {
	return newError(KindAuthExpiry, err, resource, false)
}

func NewIOError(err error, resource string) *TransferError {
	return newError(KindIO, err, resource, false)
}

// ClassifyStatus maps an unexpected HTTP status to a transfer error.
// 5xx other than 501 and 429 are transient; every other status is permanent.
func ClassifyStatus(statusCode int, resource string) *TransferError {
	err := fmt.Errorf("unexpected status %d %s", statusCode, http.StatusText(statusCode))
	var te *TransferError
	switch {
	case statusCode >= 500 && statusCode != http.StatusNotImplemented:
		te = NewTransient(err, resource)
	case statusCode == http.StatusTooManyRequests:
		te = NewTransient(err, resource)
	default:
		te = NewPermanent(err, resource)
	}
	te.StatusCode = statusCode
	return te
}

// ClassifyTransport wraps an error returned by the transport or a body read.
func ClassifyTransport(err error, resource string) error {
	if err == nil {
		return nil
	}
	var te *TransferError
	if As(err, &te) {
		return err
	}
	switch {
	case Is(err, os.ErrDeadlineExceeded):
		return NewTransient(err, resource)
	case Is(err, context.Canceled), Is(err, context.DeadlineExceeded):
		return newError(KindCanceled, err, resource, false)
	case Is(err, io.ErrUnexpectedEOF), Is(err, ErrShortBody):
		return NewTransient(err, resource)
	case Is(err, syscall.ECONNRESET), Is(err, syscall.ECONNREFUSED), Is(err, syscall.EPIPE):
		return NewTransient(err, resource)
	}
	var netErr net.Error
	if As(err, &netErr) && netErr.Timeout() {
		return NewTransient(err, resource)
	}
	var opErr *net.OpError
	if As(err, &opErr) {
		return NewTransient(err, resource)
	}
	return NewPermanent(err, resource)
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var te *TransferError
	if As(err, &te) {
		return te.Retryable
	}
	return false
}

// KindOf returns the Kind of the first TransferError in err's chain, or ""
func KindOf(err error) Kind {
	var te *TransferError
	if As(err, &te) {
		return te.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// DriftSize returns the host-reported size carried by a size drift error.
func DriftSize(err error) (int64, bool) {
	var te *TransferError
	if As(err, &te) && te.Kind == KindManifestDrift && Is(te.Err, ErrSizeDrift) {
		return te.HostSize, true
	}
	return 0, false
}

// StatusCode returns the HTTP status attached to err, or 0
func StatusCode(err error) int {
	var te *TransferError
	if As(err, &te) {
		return te.StatusCode
	}
	return 0
}
