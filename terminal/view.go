// Package terminal assembles decoded session output into a bounded
// scrollback and exposes the imperative session operations to a front end.
package terminal

import (
	"context"
	"errors"
	"log"
	"sync"

	"termlink/models"
	"termlink/network"
	"termlink/watch"
)

// ErrViewClosed is returned by operations on a closed View.
var ErrViewClosed = errors.New("terminal: view closed")

// Transport is the session stream a View drives. *network.Transport
// implements it.
type Transport interface {
	network.Session
	Send(ctx context.Context, text string) error
	Lines() <-chan models.TerminalLine
}

// Options controls View behavior.
type Options struct {
	Capacity  int
	TrimBatch int
	// Reconnect enables bounded automatic reconnection after transient
	// failures while the user wants the session.
	Reconnect bool
	// ReconnectOptions tunes the retry policy when Reconnect is set.
	ReconnectOptions network.ReconnectOptions
	// OnSessionEnd, if set, receives the error that ended supervision.
	OnSessionEnd func(err error)
}

// View is the client-side model of one terminal session.
type View struct {
	transport Transport
	buffer    *Buffer
	options   Options

	// revision increments whenever the buffer changes.
	revision *watch.Value[uint64]

	mu       sync.Mutex
	rev      uint64
	cancel   context.CancelFunc
	sessions sync.WaitGroup
	closed   bool

	stop     chan struct{}
	pumpDone chan struct{}
}

// NewView starts collecting lines from transport.
func NewView(transport Transport, options Options) *View {
	v := &View{
		transport: transport,
		buffer:    NewBuffer(options.Capacity, options.TrimBatch),
		options:   options,
		revision:  watch.New[uint64](0),
		stop:      make(chan struct{}),
		pumpDone:  make(chan struct{}),
	}
	go v.pump()
	return v
}

// State returns the current connection state.
func (v *View) State() models.ConnectionState {
	return v.transport.State()
}

// States subscribes to connection state changes.
func (v *View) States() (<-chan models.ConnectionState, func()) {
	return v.transport.States()
}

// Updates subscribes to buffer revisions. Each value is a new revision
// number; read Lines or LinesSince to get the content.
func (v *View) Updates() (<-chan uint64, func()) {
	return v.revision.Subscribe()
}

// Lines returns the buffered lines, oldest first.
func (v *View) Lines() []models.TerminalLine {
	return v.buffer.Lines()
}

// LinesSince returns the buffered lines newer than id.
func (v *View) LinesSince(id uint64) []models.TerminalLine {
	return v.buffer.Since(id)
}

// Connect opens the session to device. With reconnection enabled the
// session is supervised in the background until Disconnect or Close.
func (v *View) Connect(ctx context.Context, device models.PairedDevice) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	v.mu.Unlock()

	if err := v.transport.Connect(ctx, device); err != nil {
		return err
	}
	if !v.options.Reconnect {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		v.transport.Disconnect()
		return ErrViewClosed
	}
	if v.cancel != nil {
		v.cancel()
	}
	sessionCtx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel

	reconnector := network.NewReconnector(v.transport, v.options.ReconnectOptions)
	v.sessions.Add(1)
	go func() {
		defer v.sessions.Done()
		err := reconnector.Supervise(sessionCtx, device)
		if err != nil {
			log.Printf("Session with %s ended: %v", device.DeviceName, err)
		}
		if v.options.OnSessionEnd != nil {
			v.options.OnSessionEnd(err)
		}
	}()
	return nil
}

// Disconnect ends the session and any reconnection. Buffered lines are kept.
func (v *View) Disconnect() {
	v.mu.Lock()
	if v.cancel != nil {
		v.cancel()
		v.cancel = nil
	}
	v.mu.Unlock()

	v.transport.Disconnect()
}

// Send forwards user input to the host.
func (v *View) Send(ctx context.Context, text string) error {
	return v.transport.Send(ctx, text)
}

// Clear empties the scrollback.
func (v *View) Clear() {
	v.buffer.Clear()
	v.bump()
}

// Close disconnects and stops collecting lines.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()

	v.Disconnect()
	v.sessions.Wait()
	close(v.stop)
	<-v.pumpDone
	v.revision.Close()
}

func (v *View) pump() {
	defer close(v.pumpDone)

	lines := v.transport.Lines()
	for {
		select {
		case <-v.stop:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			v.buffer.Append(line)
			v.bump()
		}
	}
}

func (v *View) bump() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rev++
	v.revision.Set(v.rev)
}
