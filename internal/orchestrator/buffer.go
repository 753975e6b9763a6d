package orchestrator

import (
	"sync"
	"time"
)

// OutputLine is one captured line of agent terminal output.
type OutputLine struct {
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
}

// OutputSubscriber receives output lines in real time.
type OutputSubscriber chan OutputLine

// OutputBuffer is a per-agent ring buffer of captured output with optional
// live subscribers. Slow subscribers miss lines rather than block the writer.
type OutputBuffer struct {
	mu    sync.RWMutex
	lines []OutputLine
	size  int
	head  int
	count int

	subMu       sync.RWMutex
	subscribers map[OutputSubscriber]struct{}
}

// NewOutputBuffer creates a ring buffer with the given capacity.
func NewOutputBuffer(size int) *OutputBuffer {
	return &OutputBuffer{
		lines:       make([]OutputLine, size),
		size:        size,
		subscribers: make(map[OutputSubscriber]struct{}),
	}
}

// Add appends a line, evicting the oldest when full, and notifies subscribers.
func (b *OutputBuffer) Add(line OutputLine) {
	b.mu.Lock()
	idx := (b.head + b.count) % b.size
	if b.count < b.size {
		b.count++
	} else {
		b.head = (b.head + 1) % b.size
	}
	b.lines[idx] = line
	b.mu.Unlock()

	b.subMu.RLock()
	for sub := range b.subscribers {
		select {
		case sub <- line:
		default:
			// Subscriber is slow, skip.
		}
	}
	b.subMu.RUnlock()
}

// GetAll returns every buffered line, oldest first.
func (b *OutputBuffer) GetAll() []OutputLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]OutputLine, b.count)
	for i := 0; i < b.count; i++ {
		result[i] = b.lines[(b.head+i)%b.size]
	}
	return result
}

// GetLast returns the last n buffered lines.
func (b *OutputBuffer) GetLast(n int) []OutputLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count {
		n = b.count
	}
	result := make([]OutputLine, n)
	start := b.count - n
	for i := 0; i < n; i++ {
		result[i] = b.lines[(b.head+start+i)%b.size]
	}
	return result
}

// Subscribe registers a live subscriber.
func (b *OutputBuffer) Subscribe() OutputSubscriber {
	sub := make(OutputSubscriber, 100)
	b.subMu.Lock()
	b.subscribers[sub] = struct{}{}
	b.subMu.Unlock()
	return sub
}

// Unsubscribe removes and closes a subscriber.
func (b *OutputBuffer) Unsubscribe(sub OutputSubscriber) {
	b.subMu.Lock()
	delete(b.subscribers, sub)
	b.subMu.Unlock()
	close(sub)
}

// Count returns the number of buffered lines.
func (b *OutputBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
