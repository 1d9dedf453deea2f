package buffer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics tracks queue activity.
type Statistics struct {
	pushes int64
	pops   int64

	mu          sync.RWMutex
	startTime   time.Time
	currentSize int64
	maxSize     int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{
		startTime: time.Now(),
	}
}

// Push records an enqueue.
func (s *Statistics) Push() {
	atomic.AddInt64(&s.pushes, 1)
}

// Pop records a dequeue.
func (s *Statistics) Pop() {
	atomic.AddInt64(&s.pops, 1)
}

// UpdateSize records the current depth and tracks the high-water mark.
func (s *Statistics) UpdateSize(size int64) {
	s.mu.Lock()
	s.currentSize = size
	if size > s.maxSize {
		s.maxSize = size
	}
	s.mu.Unlock()
}

// Pushes returns the total number of enqueued items.
func (s *Statistics) Pushes() int64 {
	return atomic.LoadInt64(&s.pushes)
}

// Pops returns the total number of dequeued items.
func (s *Statistics) Pops() int64 {
	return atomic.LoadInt64(&s.pops)
}

// CurrentSize returns the depth at the last operation.
func (s *Statistics) CurrentSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

// MaxSize returns the largest depth observed.
func (s *Statistics) MaxSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSize
}

// Uptime returns how long the queue has existed.
func (s *Statistics) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}

// Throughput returns the average number of pops per second.
func (s *Statistics) Throughput() float64 {
	elapsed := s.Uptime()
	if elapsed == 0 {
		return 0.0
	}
	return float64(s.Pops()) / elapsed.Seconds()
}

// StatsSummary is a snapshot of queue statistics.
type StatsSummary struct {
	Pushes      int64         `json:"pushes"`
	Pops        int64         `json:"pops"`
	CurrentSize int64         `json:"current_size"`
	MaxSize     int64         `json:"max_size"`
	Throughput  float64       `json:"throughput"`
	Uptime      time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Pushes:      s.Pushes(),
		Pops:        s.Pops(),
		CurrentSize: s.CurrentSize(),
		MaxSize:     s.MaxSize(),
		Throughput:  s.Throughput(),
		Uptime:      s.Uptime(),
	}
}
