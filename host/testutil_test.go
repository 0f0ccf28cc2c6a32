package host

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeTerminal is a pipe-backed Terminal. Tests push output with emit and
// observe input on writes.
type fakeTerminal struct {
	reader *io.PipeReader
	writer *io.PipeWriter
	writes chan string

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeTerminal() *fakeTerminal {
	reader, writer := io.Pipe()
	return &fakeTerminal{
		reader: reader,
		writer: writer,
		writes: make(chan string, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTerminal) Read(p []byte) (int, error) {
	return f.reader.Read(p)
}

func (f *fakeTerminal) Write(p []byte) (int, error) {
	select {
	case <-f.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	f.writes <- string(p)
	return len(p), nil
}

func (f *fakeTerminal) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		_ = f.writer.Close()
		_ = f.reader.Close()
	})
	return nil
}

func (f *fakeTerminal) emit(t *testing.T, text string) {
	t.Helper()
	if _, err := f.writer.Write([]byte(text)); err != nil {
		t.Fatalf("emit terminal output: %v", err)
	}
}

func (f *fakeTerminal) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

type fakeBackend struct {
	mu       sync.Mutex
	snapshot string
	shared   []*fakeTerminal
	private  []*fakeTerminal
	started  chan *fakeTerminal
}

func newFakeBackend(snapshot string) *fakeBackend {
	return &fakeBackend{
		snapshot: snapshot,
		started:  make(chan *fakeTerminal, 8),
	}
}

func (b *fakeBackend) StartShared(context.Context) (Terminal, error) {
	term := newFakeTerminal()
	b.mu.Lock()
	b.shared = append(b.shared, term)
	b.mu.Unlock()
	return term, nil
}

func (b *fakeBackend) Snapshot(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot, nil
}

func (b *fakeBackend) StartPrivate(context.Context) (Terminal, error) {
	term := newFakeTerminal()
	b.mu.Lock()
	b.private = append(b.private, term)
	b.mu.Unlock()
	b.started <- term
	return term, nil
}

func (b *fakeBackend) sharedTerminal(t *testing.T) *fakeTerminal {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.shared) == 0 {
		t.Fatalf("shared terminal was never started")
	}
	return b.shared[len(b.shared)-1]
}

func (b *fakeBackend) sharedStarts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.shared)
}

func receiveOutput(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case text, ok := <-ch:
		if !ok {
			t.Fatalf("output channel closed")
		}
		return text
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for output")
	}
	return ""
}

func receiveWrite(t *testing.T, term *fakeTerminal) string {
	t.Helper()
	select {
	case text := <-term.writes:
		return text
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for terminal input")
	}
	return ""
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
