package terminal

import (
	"sync"

	"termlink/models"
)

const (
	// DefaultCapacity is the most lines a Buffer keeps.
	DefaultCapacity = 1000
	// DefaultTrimBatch is how many of the oldest lines are evicted at once
	// when the buffer overflows.
	DefaultTrimBatch = 100
)

// Buffer is a bounded scrollback of terminal lines, oldest first.
type Buffer struct {
	mu       sync.RWMutex
	lines    []models.TerminalLine
	capacity int
	batch    int
}

// NewBuffer returns an empty buffer. Non-positive arguments select the
// defaults; the batch never exceeds the capacity.
func NewBuffer(capacity, batch int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if batch <= 0 {
		batch = DefaultTrimBatch
	}
	if batch > capacity {
		batch = capacity
	}
	return &Buffer{
		lines:    make([]models.TerminalLine, 0, capacity+1),
		capacity: capacity,
		batch:    batch,
	}
}

// Append adds line and returns how many old lines were evicted.
func (b *Buffer) Append(line models.TerminalLine) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines = append(b.lines, line)
	if len(b.lines) <= b.capacity {
		return 0
	}

	kept := make([]models.TerminalLine, len(b.lines)-b.batch, b.capacity+1)
	copy(kept, b.lines[b.batch:])
	b.lines = kept
	return b.batch
}

// Lines returns a copy of the buffered lines.
func (b *Buffer) Lines() []models.TerminalLine {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]models.TerminalLine(nil), b.lines...)
}

// Since returns the buffered lines with an ID greater than id.
func (b *Buffer) Since(id uint64) []models.TerminalLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for i, line := range b.lines {
		if line.ID > id {
			return append([]models.TerminalLine(nil), b.lines[i:]...)
		}
	}
	return nil
}

// Len reports the number of buffered lines.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.lines)
}

// Clear drops every buffered line.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = b.lines[:0]
}
