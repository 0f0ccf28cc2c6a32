package network

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"termlink/crypto"
	"termlink/models"
)

type fakeRecorder struct {
	mu      sync.Mutex
	touched map[string]int64
}

func (r *fakeRecorder) TouchLastConnected(deviceID string, timestamp int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.touched == nil {
		r.touched = make(map[string]int64)
	}
	r.touched[deviceID] = timestamp
	return nil
}

func TestConnectDeliversDecodedLines(t *testing.T) {
	_, device := newTestHost(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageText, []byte("hello\r\n\x1b[31mred\x1b[0m plain\n\n"))
		_ = conn.Write(ctx, websocket.MessageBinary, []byte("tail"))
		holdOpen(ctx, conn)
	})

	transport := NewTransport(TransportOptions{})
	defer transport.Close()

	if err := transport.Connect(context.Background(), device); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := transport.State(); got.Status != models.StatusConnected {
		t.Fatalf("expected connected state, got %s", got)
	}

	first := nextLine(t, transport)
	second := nextLine(t, transport)
	third := nextLine(t, transport)

	if first.Raw != "hello" || first.PlainText() != "hello" {
		t.Fatalf("unexpected first line %+v", first)
	}
	if second.PlainText() != "red plain" {
		t.Fatalf("unexpected second line text %q", second.PlainText())
	}
	if len(second.Segments) != 2 || second.Segments[0].Foreground != models.ColorRed {
		t.Fatalf("expected red first segment, got %+v", second.Segments)
	}
	if third.Raw != "tail" {
		t.Fatalf("unexpected binary line %+v", third)
	}
	if !(first.ID < second.ID && second.ID < third.ID) {
		t.Fatalf("line ids must increase: %d %d %d", first.ID, second.ID, third.ID)
	}
}

func TestConnectRejectsCertificateMismatch(t *testing.T) {
	var sessions atomic.Int32
	server, _ := newTestHost(t, func(ctx context.Context, conn *websocket.Conn) {
		sessions.Add(1)
		holdOpen(ctx, conn)
	})

	pinned := crypto.CertificateFingerprint([]byte("some other certificate"))
	device := deviceFor(t, server, pinned)

	var reported atomic.Pointer[CertificateMismatchError]
	transport := NewTransport(TransportOptions{
		OnCertificateMismatch: func(_ models.PairedDevice, err *CertificateMismatchError) {
			reported.Store(err)
		},
	})
	defer transport.Close()

	err := transport.Connect(context.Background(), device)
	var mismatch *CertificateMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected CertificateMismatchError, got %v", err)
	}
	if !crypto.FingerprintsEqual(mismatch.Actual, crypto.CertificateFingerprint(server.Certificate().Raw)) {
		t.Fatalf("mismatch should report the presented fingerprint, got %q", mismatch.Actual)
	}

	state := transport.State()
	if state.Status != models.StatusError || !strings.HasPrefix(state.Reason, "Certificate mismatch") {
		t.Fatalf("unexpected state after mismatch: %s", state)
	}
	if reported.Load() == nil {
		t.Fatalf("expected mismatch hook to run")
	}
	if sessions.Load() != 0 {
		t.Fatalf("session endpoint must not be reached on mismatch")
	}
}

func TestConnectRejectsInvalidAddress(t *testing.T) {
	transport := NewTransport(TransportOptions{})
	defer transport.Close()

	err := transport.Connect(context.Background(), models.PairedDevice{Host: "", Port: 8443})
	var invalid *InvalidAddressError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidAddressError, got %v", err)
	}
	if transport.State().Status != models.StatusError {
		t.Fatalf("expected error state, got %s", transport.State())
	}
}

func TestConnectFailureIsReported(t *testing.T) {
	server, device := newTestHost(t, holdOpen)
	server.Close()

	transport := NewTransport(TransportOptions{ConnectTimeout: 2 * time.Second})
	defer transport.Close()

	err := transport.Connect(context.Background(), device)
	var failed *ConnectionFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected ConnectionFailedError, got %v", err)
	}
	if !errors.Is(transport.LastError(), err) {
		t.Fatalf("LastError should hold the connect failure")
	}
}

func TestConnectWhileConnectedIsRejected(t *testing.T) {
	_, device := newTestHost(t, holdOpen)

	transport := NewTransport(TransportOptions{})
	defer transport.Close()

	if err := transport.Connect(context.Background(), device); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := transport.Connect(context.Background(), device); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
	if transport.State().Status != models.StatusConnected {
		t.Fatalf("rejected connect must not disturb the live session")
	}
}

func TestConnectRecordsLastConnected(t *testing.T) {
	_, device := newTestHost(t, holdOpen)

	recorder := &fakeRecorder{}
	now := time.UnixMilli(1_700_000_000_000)
	transport := NewTransport(TransportOptions{
		Recorder: recorder,
		Now:      func() time.Time { return now },
	})
	defer transport.Close()

	if err := transport.Connect(context.Background(), device); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if recorder.touched[device.DeviceID] != now.UnixMilli() {
		t.Fatalf("expected last connected timestamp to be recorded, got %v", recorder.touched)
	}
}

func TestSendWritesTextMessage(t *testing.T) {
	_, device := newTestHost(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			_ = conn.Write(ctx, websocket.MessageText, append([]byte("echo:"), data...))
		}
	})

	transport := NewTransport(TransportOptions{})
	defer transport.Close()

	if err := transport.Connect(context.Background(), device); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := transport.Send(context.Background(), "ls -la\n"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	line := nextLine(t, transport)
	if line.Raw != "echo:ls -la" {
		t.Fatalf("unexpected echoed line %q", line.Raw)
	}
}

func TestSendWhenDisconnected(t *testing.T) {
	transport := NewTransport(TransportOptions{})
	defer transport.Close()

	if err := transport.Send(context.Background(), "ls\n"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if transport.State().Status != models.StatusDisconnected {
		t.Fatalf("send while disconnected must not change state")
	}
}

func TestDisconnectSuppressesReceiveError(t *testing.T) {
	_, device := newTestHost(t, holdOpen)

	transport := NewTransport(TransportOptions{})
	defer transport.Close()

	if err := transport.Connect(context.Background(), device); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	states, cancel := transport.States()
	defer cancel()
	<-states

	transport.Disconnect()

	deadline := time.After(300 * time.Millisecond)
	for {
		select {
		case state := <-states:
			if state.Status != models.StatusDisconnected {
				t.Fatalf("unexpected state after intentional disconnect: %s", state)
			}
		case <-deadline:
			if transport.LastError() != nil {
				t.Fatalf("intentional disconnect should leave no error, got %v", transport.LastError())
			}
			return
		}
	}
}

func TestDisconnectWhenDisconnectedIsNoop(t *testing.T) {
	transport := NewTransport(TransportOptions{})
	defer transport.Close()

	states, cancel := transport.States()
	defer cancel()
	<-states

	transport.Disconnect()

	select {
	case state := <-states:
		t.Fatalf("expected no state change, got %s", state)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHostCloseMovesToError(t *testing.T) {
	_, device := newTestHost(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	})

	transport := NewTransport(TransportOptions{})
	defer transport.Close()

	if err := transport.Connect(context.Background(), device); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	state := waitForStatus(t, transport, models.StatusError)
	if state.Reason != "Connection closed by host" {
		t.Fatalf("unexpected reason %q", state.Reason)
	}
	if !IsRetryable(transport.LastError()) {
		t.Fatalf("host close should be retryable, got %v", transport.LastError())
	}
}

func TestConnectPrivateEndpoint(t *testing.T) {
	paths := make(chan string, 1)
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() {
			_ = conn.CloseNow()
		}()
		holdOpen(r.Context(), conn)
	}))
	defer server.Close()

	transport := NewTransport(TransportOptions{Private: true})
	defer transport.Close()

	device := deviceFor(t, server, crypto.CertificateFingerprint(server.Certificate().Raw))
	if err := transport.Connect(context.Background(), device); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := <-paths; got != PrivateSessionPath {
		t.Fatalf("expected private endpoint, got %q", got)
	}
}

func TestConnectTimesOutOnStalledHandshake(t *testing.T) {
	device := newSilentHost(t)

	transport := NewTransport(TransportOptions{ConnectTimeout: 200 * time.Millisecond})
	defer transport.Close()

	started := time.Now()
	err := transport.Connect(context.Background(), device)
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Fatalf("Connect took %s, expected the timeout to cut it short", elapsed)
	}

	var failed *ConnectionFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected ConnectionFailedError, got %v", err)
	}
	if !strings.Contains(err.Error(), "timed out after 200ms") {
		t.Fatalf("expected timeout reason, got %q", err.Error())
	}
	state := transport.State()
	if state.Status != models.StatusError || !strings.Contains(state.Reason, "timed out after 200ms") {
		t.Fatalf("unexpected state after timeout: %s", state)
	}
}

func TestConnectWhileConnectingIsRejected(t *testing.T) {
	device := newSilentHost(t)

	transport := NewTransport(TransportOptions{ConnectTimeout: 5 * time.Second})
	defer transport.Close()

	first := make(chan error, 1)
	go func() {
		first <- transport.Connect(context.Background(), device)
	}()
	waitForStatus(t, transport, models.StatusConnecting)

	if err := transport.Connect(context.Background(), device); !errors.Is(err, ErrConnectInFlight) {
		t.Fatalf("expected ErrConnectInFlight, got %v", err)
	}
	if transport.State().Status != models.StatusConnecting {
		t.Fatalf("rejected connect must not disturb the attempt, got %s", transport.State())
	}

	transport.Disconnect()
	select {
	case <-first:
	case <-time.After(3 * time.Second):
		t.Fatalf("first Connect did not return after Disconnect")
	}
}

func TestDisconnectCancelsConnectAttempt(t *testing.T) {
	device := newSilentHost(t)

	transport := NewTransport(TransportOptions{ConnectTimeout: 30 * time.Second})
	defer transport.Close()

	result := make(chan error, 1)
	go func() {
		result <- transport.Connect(context.Background(), device)
	}()
	waitForStatus(t, transport, models.StatusConnecting)

	transport.Disconnect()
	select {
	case err := <-result:
		if !errors.Is(err, ErrConnectCancelled) {
			t.Fatalf("expected ErrConnectCancelled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Connect did not return promptly after Disconnect")
	}

	if transport.State().Status != models.StatusDisconnected {
		t.Fatalf("expected disconnected after cancellation, got %s", transport.State())
	}
	if transport.LastError() != nil {
		t.Fatalf("cancellation must not leave an error, got %v", transport.LastError())
	}
}
