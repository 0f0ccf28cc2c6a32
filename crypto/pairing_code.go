package crypto

import (
	"fmt"
	"strings"

	"termlink/models"
)

const (
	pairingCodePrefixLen = 6
	pairingCodeModulus   = 1_000_000
)

// DerivePairingCode reduces a fingerprint to a six digit decimal code.
//
// The first six hex characters of the normalized fingerprint are read as a
// base-16 integer and reduced modulo one million. A shorter or partially
// non-hex prefix contributes only its leading hex digits; an empty prefix
// yields "000000".
func DerivePairingCode(fingerprint string) string {
	clean := NormalizeFingerprint(fingerprint)

	var value uint64
	for i := 0; i < len(clean) && i < pairingCodePrefixLen; i++ {
		digit, ok := hexDigit(clean[i])
		if !ok {
			break
		}
		value = value<<4 | uint64(digit)
	}

	return fmt.Sprintf("%06d", value%pairingCodeModulus)
}

// NewPairingCode pairs a derived code with its source fingerprint.
func NewPairingCode(fingerprint string) models.PairingCode {
	return models.PairingCode{
		Code:        DerivePairingCode(fingerprint),
		Fingerprint: fingerprint,
	}
}

// VerifyPairingCode compares a user-entered code against the expected one
// after trimming surrounding whitespace.
func VerifyPairingCode(code, entered string) bool {
	return code != "" && strings.TrimSpace(entered) == code
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
