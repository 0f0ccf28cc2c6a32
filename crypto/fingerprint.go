package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// CertificateFingerprint returns the SHA-256 digest of a DER certificate in
// canonical form: lowercase hex, byte groups separated by colons.
func CertificateFingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return groupHex(hex.EncodeToString(sum[:]))
}

// NormalizeFingerprint strips group separators and whitespace and lowercases the digest.
func NormalizeFingerprint(fingerprint string) string {
	var b strings.Builder
	b.Grow(len(fingerprint))
	for _, r := range fingerprint {
		switch r {
		case ':', '-', ' ', '\t', '\n', '\r':
			continue
		}
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CanonicalFingerprint rewrites any accepted fingerprint spelling into canonical form.
func CanonicalFingerprint(fingerprint string) string {
	return groupHex(NormalizeFingerprint(fingerprint))
}

// FingerprintsEqual compares two fingerprints ignoring case and separators.
func FingerprintsEqual(a, b string) bool {
	na := NormalizeFingerprint(a)
	return na != "" && na == NormalizeFingerprint(b)
}

// IsValidFingerprint reports whether a fingerprint is a full SHA-256 hex digest.
func IsValidFingerprint(fingerprint string) bool {
	clean := NormalizeFingerprint(fingerprint)
	if len(clean) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(clean)
	return err == nil
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(NormalizeFingerprint(fingerprint))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}

func groupHex(clean string) string {
	if clean == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(clean) + len(clean)/2)
	for i := 0; i < len(clean); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		end := i + 2
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}
	return b.String()
}
