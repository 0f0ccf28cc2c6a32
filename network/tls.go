package network

import (
	"crypto/tls"
	"errors"
	"sync"

	"termlink/crypto"
)

// pinVerifier accepts exactly one certificate fingerprint and remembers a
// mismatch so callers can report it even when a library rewraps the error.
type pinVerifier struct {
	expected string

	mu       sync.Mutex
	mismatch *CertificateMismatchError
}

func newPinVerifier(fingerprint string) *pinVerifier {
	return &pinVerifier{expected: fingerprint}
}

func (v *pinVerifier) verifyConnection(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("host presented no certificate")
	}

	actual := crypto.CertificateFingerprint(cs.PeerCertificates[0].Raw)
	if crypto.FingerprintsEqual(actual, v.expected) {
		return nil
	}

	err := &CertificateMismatchError{
		Expected: crypto.CanonicalFingerprint(v.expected),
		Actual:   actual,
	}
	v.mu.Lock()
	v.mismatch = err
	v.mu.Unlock()
	return err
}

func (v *pinVerifier) observedMismatch() *CertificateMismatchError {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mismatch
}

// config returns a client TLS config pinned to the expected fingerprint.
// Chain and host name validation are replaced by the pin: hosts use
// self-signed certificates.
func (v *pinVerifier) config() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		VerifyConnection:   v.verifyConnection,
		MinVersion:         tls.VersionTLS12,
	}
}

// PinnedTLSConfig returns a client TLS config that only completes a handshake
// with a peer whose leaf certificate matches fingerprint.
func PinnedTLSConfig(fingerprint string) *tls.Config {
	return newPinVerifier(fingerprint).config()
}
