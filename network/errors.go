package network

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectInFlight rejects a connect while another attempt is running.
	ErrConnectInFlight = errors.New("network: connection attempt already in progress")
	// ErrAlreadyConnected rejects a connect on a live session.
	ErrAlreadyConnected = errors.New("network: already connected")
	// ErrNotConnected is returned by Send outside the connected state.
	ErrNotConnected = errors.New("network: not connected")
	// ErrConnectCancelled means Disconnect interrupted a connect attempt.
	ErrConnectCancelled = errors.New("network: connection attempt cancelled")
	// ErrTransportClosed is returned after Close.
	ErrTransportClosed = errors.New("network: transport closed")
)

// InvalidAddressError reports a malformed host or port.
type InvalidAddressError struct {
	Host   string
	Port   int
	Reason string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("Invalid address %q port %d: %s", e.Host, e.Port, e.Reason)
}

// CertificateMismatchError is returned when the host presents a certificate
// whose fingerprint differs from the pinned one. It is never retried.
type CertificateMismatchError struct {
	Expected string
	Actual   string
}

func (e *CertificateMismatchError) Error() string {
	return fmt.Sprintf("Certificate mismatch: expected %s, got %s (host certificate changed or connection intercepted)", e.Expected, e.Actual)
}

// ConnectionFailedError is a transient connect or receive failure.
type ConnectionFailedError struct {
	Reason string
	Err    error
}

func (e *ConnectionFailedError) Error() string {
	return "Connection failed: " + e.Reason
}

func (e *ConnectionFailedError) Unwrap() error {
	return e.Err
}

// SendFailedError wraps a failed write on a live session.
type SendFailedError struct {
	Err error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("Send failed: %v", e.Err)
}

func (e *SendFailedError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err may be cleared by trying to connect again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		mismatch *CertificateMismatchError
		invalid  *InvalidAddressError
	)
	if errors.As(err, &mismatch) || errors.As(err, &invalid) {
		return false
	}
	if errors.Is(err, ErrConnectInFlight) || errors.Is(err, ErrTransportClosed) || errors.Is(err, ErrConnectCancelled) {
		return false
	}
	return true
}
