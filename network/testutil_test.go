package network

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/coder/websocket"

	"termlink/crypto"
	"termlink/models"
)

// newTestHost serves handler on every session endpoint over TLS and returns a
// device record pinned to the server certificate.
func newTestHost(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) (*httptest.Server, models.PairedDevice) {
	t.Helper()

	mux := http.NewServeMux()
	serveSession := func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() {
			_ = conn.CloseNow()
		}()
		handler(r.Context(), conn)
	}
	mux.HandleFunc(SharedSessionPath, serveSession)
	mux.HandleFunc(PrivateSessionPath, serveSession)
	mux.HandleFunc(HealthPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","service":"termlink","sessions":2}`))
	})

	server := httptest.NewTLSServer(mux)
	t.Cleanup(server.Close)

	return server, deviceFor(t, server, crypto.CertificateFingerprint(server.Certificate().Raw))
}

func deviceFor(t *testing.T, server *httptest.Server, fingerprint string) models.PairedDevice {
	t.Helper()

	parsed, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	host, portText, err := net.SplitHostPort(parsed.Host)
	if err != nil {
		t.Fatalf("split server address: %v", err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}

	return models.PairedDevice{
		DeviceID:               "device-1",
		DeviceName:             "Workstation",
		Host:                   host,
		Port:                   port,
		CertificateFingerprint: fingerprint,
		PairedTimestamp:        1,
	}
}

// newSilentHost accepts TCP connections and never answers, so every TLS
// handshake against it stalls until the client gives up.
func newSilentHost(t *testing.T) models.PairedDevice {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		var conns []net.Conn
		defer func() {
			for _, conn := range conns {
				_ = conn.Close()
			}
			close(done)
		}()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conns = append(conns, conn)
		}
	}()
	t.Cleanup(func() {
		_ = listener.Close()
		<-done
	})

	addr := listener.Addr().(*net.TCPAddr)
	return models.PairedDevice{
		DeviceID:               "device-silent",
		DeviceName:             "Silent",
		Host:                   addr.IP.String(),
		Port:                   addr.Port,
		CertificateFingerprint: crypto.CertificateFingerprint([]byte("silent")),
		PairedTimestamp:        1,
	}
}

// holdOpen keeps the session alive until the client goes away.
func holdOpen(ctx context.Context, conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func waitForStatus(t *testing.T, transport *Transport, status models.ConnectionStatus) models.ConnectionState {
	t.Helper()

	states, cancel := transport.States()
	defer cancel()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case state, ok := <-states:
			if !ok {
				t.Fatalf("state stream closed while waiting for %s", status)
			}
			if state.Status == status {
				return state
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s, current %s", status, transport.State())
		}
	}
}

func nextLine(t *testing.T, transport *Transport) models.TerminalLine {
	t.Helper()

	select {
	case line := <-transport.Lines():
		return line
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for terminal line")
		return models.TerminalLine{}
	}
}
