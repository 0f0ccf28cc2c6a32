package models

import (
	"net"
	"strconv"
)

// PairedDevice is a host whose certificate fingerprint was confirmed by the user.
type PairedDevice struct {
	DeviceID               string `json:"device_id"`
	DeviceName             string `json:"device_name"`
	Host                   string `json:"host"`
	Port                   int    `json:"port"`
	CertificateFingerprint string `json:"certificate_fingerprint"`
	PairedTimestamp        int64  `json:"paired_timestamp"`
	LastConnectedTimestamp int64  `json:"last_connected_timestamp,omitempty"`
}

// Address returns the host:port dial address.
func (d PairedDevice) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// PairingCode is the short code derived from a certificate fingerprint.
// It is recomputed on demand and never stored.
type PairingCode struct {
	Code        string `json:"code"`
	Fingerprint string `json:"fingerprint"`
}
