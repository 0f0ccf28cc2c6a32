package pairing

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"termlink/crypto"
	"termlink/network"
)

// DefaultProbeTimeout bounds the fingerprint probe.
const DefaultProbeTimeout = 10 * time.Second

// ObserveFingerprint completes one TLS handshake with host and returns the
// SHA-256 fingerprint of the certificate it presents. The certificate is not
// validated in any way and the connection is closed right after the
// handshake.
func ObserveFingerprint(ctx context.Context, host string, port int, timeout time.Duration) (string, error) {
	if err := network.ValidateAddress(host, port); err != nil {
		return "", err
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config: &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS12,
		},
	}

	conn, err := dialer.DialContext(probeCtx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		if errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			return "", &ConnectionFailedError{Reason: fmt.Sprintf("host did not answer within %s", timeout), Err: err}
		}
		return "", &ConnectionFailedError{Reason: err.Error(), Err: err}
	}
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return "", &ConnectionFailedError{Reason: "unexpected connection type"}
	}
	certificates := tlsConn.ConnectionState().PeerCertificates
	if len(certificates) == 0 {
		return "", &ConnectionFailedError{Reason: "host presented no certificate"}
	}

	return crypto.CertificateFingerprint(certificates[0].Raw), nil
}
