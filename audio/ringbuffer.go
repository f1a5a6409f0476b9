package audio

import "sync"

const DefaultBufferFrames = 10

// RingBuffer is a bounded FIFO of audio frames. When full, Push overwrites the
// oldest frame so that playback always trails the newest audio.
type RingBuffer struct {
	frames  [][]byte
	size    int
	head    int // next write position
	count   int
	dropped uint64
	mu      sync.Mutex
}

func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferFrames
	}
	return &RingBuffer{
		frames: make([][]byte, capacity),
		size:   capacity,
	}
}

// Push appends frame and reports whether the oldest frame was dropped to
// make room. The buffer keeps the slice; callers must not reuse it.
func (b *RingBuffer) Push(frame []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.frames[b.head] = frame
	b.head = (b.head + 1) % b.size
	if b.count < b.size {
		b.count++
		return false
	}
	b.dropped++
	return true
}

// Pop removes the oldest frame.
func (b *RingBuffer) Pop() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil, false
	}
	tail := (b.head - b.count + b.size) % b.size
	frame := b.frames[tail]
	b.frames[tail] = nil
	b.count--
	return frame, true
}

// Frames returns the buffered frames oldest first without removing them.
func (b *RingBuffer) Frames() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]byte, b.count)
	tail := (b.head - b.count + b.size) % b.size
	for i := 0; i < b.count; i++ {
		out[i] = b.frames[(tail+i)%b.size]
	}
	return out
}

func (b *RingBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.frames {
		b.frames[i] = nil
	}
	b.head = 0
	b.count = 0
}

func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *RingBuffer) Cap() int {
	return b.size
}

// Dropped counts frames overwritten before they were popped.
func (b *RingBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
