package network

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"termlink/ansi"
	"termlink/models"
	"termlink/watch"
)

// DeviceRecorder persists connection bookkeeping for paired devices.
type DeviceRecorder interface {
	TouchLastConnected(deviceID string, timestamp int64) error
}

// TransportOptions controls runtime behavior of Transport.
type TransportOptions struct {
	// ConnectTimeout bounds the whole TLS and upgrade handshake.
	ConnectTimeout time.Duration
	// Private selects the isolated per-client session endpoint.
	Private bool
	// LineBuffer is the capacity of the Lines channel.
	LineBuffer int
	// Recorder, if set, is told about every successful connect.
	Recorder DeviceRecorder
	// OnCertificateMismatch, if set, runs after a pin failure.
	OnCertificateMismatch func(device models.PairedDevice, err *CertificateMismatchError)
	// Now overrides the clock used for line and connect timestamps.
	Now func() time.Time
}

// Transport runs one pinned session stream to a paired host at a time.
type Transport struct {
	connectTimeout time.Duration
	private        bool
	recorder       DeviceRecorder
	onMismatch     func(models.PairedDevice, *CertificateMismatchError)
	now            func() time.Time

	state *watch.Value[models.ConnectionState]
	lines chan models.TerminalLine

	lineSeq atomic.Uint64

	sendMu sync.Mutex

	mu      sync.Mutex
	gen     uint64
	conn    *websocket.Conn
	cancel  context.CancelFunc
	device  models.PairedDevice
	lastErr error
	closed  bool
}

// NewTransport returns a disconnected Transport.
func NewTransport(options TransportOptions) *Transport {
	timeout := options.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	buffer := options.LineBuffer
	if buffer <= 0 {
		buffer = 256
	}

	now := options.Now
	if now == nil {
		now = time.Now
	}

	return &Transport{
		connectTimeout: timeout,
		private:        options.Private,
		recorder:       options.Recorder,
		onMismatch:     options.OnCertificateMismatch,
		now:            now,
		state:          watch.New(models.Disconnected()),
		lines:          make(chan models.TerminalLine, buffer),
	}
}

// State returns the current connection state.
func (t *Transport) State() models.ConnectionState {
	return t.state.Get()
}

// States subscribes to connection state changes. The channel is primed with
// the current state.
func (t *Transport) States() (<-chan models.ConnectionState, func()) {
	return t.state.Subscribe()
}

// Lines delivers decoded inbound lines in arrival order.
func (t *Transport) Lines() <-chan models.TerminalLine {
	return t.lines
}

// LastError returns the failure behind the current error state, if any.
func (t *Transport) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Device returns the device of the current or most recent session.
func (t *Transport) Device() models.PairedDevice {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.device
}

// Connect opens a pinned session stream to device. It returns once the
// stream is established or the attempt has failed.
func (t *Transport) Connect(ctx context.Context, device models.PairedDevice) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	switch t.state.Get().Status {
	case models.StatusConnecting:
		t.mu.Unlock()
		return ErrConnectInFlight
	case models.StatusConnected:
		t.mu.Unlock()
		return ErrAlreadyConnected
	}

	t.device = device
	if err := ValidateAddress(device.Host, device.Port); err != nil {
		t.lastErr = err
		t.state.Set(models.Failed(err.Error()))
		t.mu.Unlock()
		return err
	}

	t.gen++
	gen := t.gen
	sessionCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.lastErr = nil
	t.state.Set(models.Connecting())
	t.mu.Unlock()

	verifier := newPinVerifier(device.CertificateFingerprint)
	dialCtx, dialCancel := context.WithTimeout(ctx, t.connectTimeout)
	stop := context.AfterFunc(sessionCtx, dialCancel)
	conn, err := t.dial(dialCtx, device, verifier)
	stop()
	timedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded)
	dialCancel()

	t.mu.Lock()
	if gen != t.gen || sessionCtx.Err() != nil {
		t.mu.Unlock()
		if conn != nil {
			_ = conn.CloseNow()
		}
		return ErrConnectCancelled
	}

	if err != nil {
		failure := t.classifyDialError(err, verifier, timedOut)
		t.cancel = nil
		cancel()
		t.lastErr = failure
		t.state.Set(models.Failed(failure.Error()))
		t.mu.Unlock()

		log.Printf("Connect to %s (%s) failed: %v", device.DeviceName, device.Address(), failure)
		var mismatch *CertificateMismatchError
		if errors.As(failure, &mismatch) && t.onMismatch != nil {
			t.onMismatch(device, mismatch)
		}
		return failure
	}

	conn.SetReadLimit(MaxMessageSize)
	t.conn = conn
	t.state.Set(models.Connected())
	t.mu.Unlock()

	log.Printf("Connected to %s (%s)", device.DeviceName, device.Address())
	if t.recorder != nil {
		if err := t.recorder.TouchLastConnected(device.DeviceID, t.now().UnixMilli()); err != nil {
			log.Printf("Failed to record connection for device %s: %v", device.DeviceID, err)
		}
	}

	go t.readLoop(sessionCtx, gen, conn)
	return nil
}

// Send writes text to the host as a single text message.
func (t *Transport) Send(ctx context.Context, text string) error {
	t.mu.Lock()
	conn := t.conn
	gen := t.gen
	connected := t.state.Get().Status == models.StatusConnected
	t.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	t.sendMu.Lock()
	err := conn.Write(ctx, websocket.MessageText, []byte(text))
	t.sendMu.Unlock()
	if err == nil {
		return nil
	}

	failure := &SendFailedError{Err: err}
	t.mu.Lock()
	if gen == t.gen && t.conn == conn {
		t.lastErr = failure
		t.state.Set(models.Failed(failure.Error()))
		t.teardownLocked()
	}
	t.mu.Unlock()
	return failure
}

// Disconnect ends any session or connect attempt and returns to the
// disconnected state. It does not wait for the stream to drain.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil && t.cancel == nil && t.state.Get().Status == models.StatusDisconnected {
		return
	}

	t.gen++
	t.teardownLocked()
	t.lastErr = nil
	t.state.Set(models.Disconnected())
}

// Close disconnects and releases state subscribers. The Transport cannot be
// reused afterwards.
func (t *Transport) Close() error {
	t.Disconnect()

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.state.Close()
	return nil
}

func (t *Transport) dial(ctx context.Context, device models.PairedDevice, verifier *pinVerifier) (*websocket.Conn, error) {
	path := SharedSessionPath
	if t.private {
		path = PrivateSessionPath
	}

	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:   verifier.config(),
			ForceAttemptHTTP2: false,
		},
	}

	conn, _, err := websocket.Dial(ctx, EndpointURL("wss", device.Host, device.Port, path), &websocket.DialOptions{
		HTTPClient: client,
	})
	return conn, err
}

func (t *Transport) classifyDialError(err error, verifier *pinVerifier, timedOut bool) error {
	if mismatch := verifier.observedMismatch(); mismatch != nil {
		return mismatch
	}
	var mismatch *CertificateMismatchError
	if errors.As(err, &mismatch) {
		return mismatch
	}
	if timedOut {
		return &ConnectionFailedError{
			Reason: fmt.Sprintf("timed out after %s", t.connectTimeout),
			Err:    err,
		}
	}
	return &ConnectionFailedError{Reason: err.Error(), Err: err}
}

func (t *Transport) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	for {
		messageType, data, err := conn.Read(ctx)
		if err != nil {
			t.handleReceiveError(gen, conn, err)
			return
		}

		for _, fragment := range SplitFragments(DecodePayload(messageType, data)) {
			segments := ansi.Decode(fragment)
			if len(segments) == 0 {
				continue
			}

			line := models.TerminalLine{
				ID:        t.lineSeq.Add(1),
				Raw:       fragment,
				Timestamp: t.now().UnixMilli(),
				Segments:  segments,
			}
			select {
			case t.lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (t *Transport) handleReceiveError(gen uint64, conn *websocket.Conn, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Disconnect already moved on; errors from the torn-down stream are noise.
	if gen != t.gen || t.conn != conn {
		return
	}

	failure := &ConnectionFailedError{Reason: receiveFailureReason(err), Err: err}
	t.lastErr = failure
	t.state.Set(models.Failed(failure.Reason))
	t.teardownLocked()
	log.Printf("Session with %s ended: %v", t.device.Address(), err)
}

func (t *Transport) teardownLocked() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.conn != nil {
		_ = t.conn.CloseNow()
		t.conn = nil
	}
}

func receiveFailureReason(err error) string {
	if status := websocket.CloseStatus(err); status != -1 {
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			return "Connection closed by host"
		}
		return fmt.Sprintf("Connection closed by host (status %d)", status)
	}
	return fmt.Sprintf("Connection lost: %v", err)
}
