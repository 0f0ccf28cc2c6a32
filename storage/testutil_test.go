package storage

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"termlink/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func testFingerprint(seed byte) string {
	parts := make([]string, 32)
	for i := range parts {
		parts[i] = strings.Repeat(string("0123456789abcdef"[(int(seed)+i)%16]), 2)
	}
	return strings.Join(parts, ":")
}

func mustSaveDevice(t *testing.T, store *Store, deviceID, name string, seed byte) models.PairedDevice {
	t.Helper()

	device := models.PairedDevice{
		DeviceID:               deviceID,
		DeviceName:             name,
		Host:                   fmt.Sprintf("100.64.0.%d", seed),
		Port:                   8443,
		CertificateFingerprint: testFingerprint(seed),
		PairedTimestamp:        time.Now().UnixMilli(),
	}
	if err := store.SaveDevice(device); err != nil {
		t.Fatalf("save device %q: %v", deviceID, err)
	}
	return device
}
