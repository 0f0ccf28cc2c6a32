package pairing

import "errors"

var (
	// ErrInvalidPairingCode means the entered code does not match the host.
	ErrInvalidPairingCode = errors.New("pairing: invalid pairing code")
	// ErrNoPendingPairing means no fingerprint is pending for the address.
	ErrNoPendingPairing = errors.New("pairing: no pending pairing for this host")
	// ErrPairingCancelled means CancelPairing interrupted an operation.
	ErrPairingCancelled = errors.New("pairing: cancelled")
	// ErrBusy rejects discovery while a pairing is in progress.
	ErrBusy = errors.New("pairing: another pairing operation is in progress")
	// ErrDiscoveryUnavailable means the coordinator has no host finder.
	ErrDiscoveryUnavailable = errors.New("pairing: discovery is not configured")
)

// ConnectionFailedError reports that the fingerprint probe could not reach
// the host.
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
