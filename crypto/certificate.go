package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"time"
)

const (
	certificatePEMType = "CERTIFICATE"
	privateKeyPEMType  = "EC PRIVATE KEY"

	// CertificateOrganization is the subject organization of generated host certificates.
	CertificateOrganization = "TermLink"
	// CertificateValidity is the lifetime of a generated host certificate.
	CertificateValidity = 10 * 365 * 24 * time.Hour
)

// EnsureCertificate loads the host TLS certificate from disk, generating a
// self-signed one on first run. The fingerprint stays stable until the files
// are removed.
func EnsureCertificate(certPath, keyPath, commonName string) (tls.Certificate, error) {
	cert, err := LoadCertificate(certPath, keyPath)
	if err == nil {
		return cert, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return tls.Certificate{}, err
	}

	certPEM, keyPEM, err := GenerateCertificate(commonName, time.Now())
	if err != nil {
		return tls.Certificate{}, err
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return tls.Certificate{}, fmt.Errorf("write certificate: %w", err)
	}

	return parseKeyPair(certPEM, keyPEM)
}

// LoadCertificate reads a PEM certificate and private key pair.
func LoadCertificate(certPath, keyPath string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read private key: %w", err)
	}
	return parseKeyPair(certPEM, keyPEM)
}

// GenerateCertificate creates a self-signed ECDSA P-256 certificate valid from notBefore.
func GenerateCertificate(commonName string, notBefore time.Time) (certPEM, keyPEM []byte, err error) {
	if commonName == "" {
		commonName = "termlink"
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{CertificateOrganization},
		},
		DNSNames:              []string{commonName},
		NotBefore:             notBefore.Add(-time.Minute),
		NotAfter:              notBefore.Add(CertificateValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// LeafFingerprint returns the fingerprint of the first certificate in a chain.
func LeafFingerprint(cert tls.Certificate) (string, error) {
	if len(cert.Certificate) == 0 {
		return "", errors.New("certificate chain is empty")
	}
	return CertificateFingerprint(cert.Certificate[0]), nil
}

func parseKeyPair(certPEM, keyPEM []byte) (tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse certificate key pair: %w", err)
	}
	return cert, nil
}
