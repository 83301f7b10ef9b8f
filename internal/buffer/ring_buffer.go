// Package buffer provides a ring of recent event frames for session replay.
package buffer

import (
	"sync"
)

// FrameRing is a thread-safe circular buffer that stores the most recent
// frames up to a specified capacity. When the ring is full, the oldest frame
// is discarded to make room for a new one.
//
// This is used to cache broadcast channel events so that clients joining a
// session late receive recent history on connect. Frames are kept whole so a
// replay never splits a message.
type FrameRing struct {
	frames   [][]byte
	start    int
	count    int
	capacity int
	mu       sync.RWMutex
}

// NewFrameRing creates a new FrameRing with the specified capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewFrameRing(capacity int) *FrameRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameRing{
		frames:   make([][]byte, capacity),
		capacity: capacity,
	}
}

// Append adds a frame to the ring, discarding the oldest frame if full.
// The frame is copied, so the caller may reuse its slice.
func (r *FrameRing) Append(frame []byte) {
	if len(frame) == 0 {
		return
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < r.capacity {
		r.frames[(r.start+r.count)%r.capacity] = buf
		r.count++
		return
	}

	r.frames[r.start] = buf
	r.start = (r.start + 1) % r.capacity
}

// Snapshot returns a copy of all frames currently in the ring, oldest first.
// The returned slices are safe to use without holding the lock.
func (r *FrameRing) Snapshot() [][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return nil
	}

	result := make([][]byte, r.count)
	for i := 0; i < r.count; i++ {
		result[i] = r.frames[(r.start+i)%r.capacity]
	}
	return result
}

// Clear removes all frames from the ring.
func (r *FrameRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frames = make([][]byte, r.capacity)
	r.start = 0
	r.count = 0
}

// Len returns the current number of frames in the ring.
func (r *FrameRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.count
}

// Cap returns the capacity of the ring.
func (r *FrameRing) Cap() int {
	return r.capacity
}
