package session

import "sync"

// Buffer is a thread-safe bounded chunk buffer for terminal output.
// When the byte bound is exceeded the oldest chunks are dropped, so a
// session whose output is never drained cannot grow without limit.
type Buffer struct {
	mu       sync.Mutex
	chunks   []OutputChunk
	bytes    int
	maxBytes int
	dropped  int64
}

// NewBuffer creates a buffer bounded to maxBytes of chunk content.
func NewBuffer(maxBytes int) *Buffer {
	if maxBytes <= 0 {
		maxBytes = 1024 * 1024
	}
	return &Buffer{maxBytes: maxBytes}
}

// Append adds a chunk, evicting the oldest chunks if the bound is exceeded.
func (b *Buffer) Append(chunk OutputChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, chunk)
	b.bytes += len(chunk.Content)

	for b.bytes > b.maxBytes && len(b.chunks) > 0 {
		b.bytes -= len(b.chunks[0].Content)
		b.chunks = b.chunks[1:]
		b.dropped++
	}
}

// Drain returns all buffered chunks in production order and empties the
// buffer. Returns nil when nothing is buffered.
func (b *Buffer) Drain() []OutputChunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.chunks) == 0 {
		return nil
	}
	out := b.chunks
	b.chunks = nil
	b.bytes = 0
	return out
}

// Dropped returns how many chunks have been evicted unread.
func (b *Buffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
