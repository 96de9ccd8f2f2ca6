package md

import (
	"errors"
	"sync"
	"time"
)

// RingBuffer keeps the most recent price ticks. It is safe for one writer and
// concurrent readers.
type RingBuffer struct {
	mu      sync.RWMutex
	values  []float64
	size    int
	index   int
	filled  bool
	updated time.Time
}

func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{
		values: make([]float64, size),
		size:   size,
	}
}

func (r *RingBuffer) Add(value float64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[r.index] = value
	r.index = (r.index + 1) % r.size
	if r.index == 0 {
		r.filled = true
	}
	r.updated = at
}

func (r *RingBuffer) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.len()
}

func (r *RingBuffer) len() int {
	if r.filled {
		return r.size
	}
	return r.index
}

func (r *RingBuffer) Values() []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	length := r.len()
	result := make([]float64, 0, length)
	if length == 0 {
		return result
	}
	if r.filled {
		result = append(result, r.values[r.index:]...)
	}
	result = append(result, r.values[:r.index]...)
	return result
}

// Last returns the newest value and when it was added.
func (r *RingBuffer) Last() (float64, time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.len() == 0 {
		return 0, time.Time{}, errors.New("no ticks received")
	}
	idx := (r.index - 1 + r.size) % r.size
	return r.values[idx], r.updated, nil
}
