package bus

import (
	"log/slog"
	"sync"
)

// FileQueue is a bounded hand-off between the watch loop and the workers.
// Publishing never blocks: when the queue is full the path is refused and
// picked up again by the next rescan.
type FileQueue struct {
	ch     chan string
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger
}

func NewFileQueue(size int, logger *slog.Logger) *FileQueue {
	if size <= 0 {
		size = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileQueue{ch: make(chan string, size), logger: logger}
}

// TryPublish enqueues path and reports whether it was accepted.
func (q *FileQueue) TryPublish(path string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.logger.Warn("publish to closed queue", "file", path)
		return false
	}
	select {
	case q.ch <- path:
		return true
	default:
		q.logger.Warn("queue full, deferring to rescan", "file", path, "capacity", cap(q.ch))
		return false
	}
}

// Subscribe returns the receive side. It is closed by Close.
func (q *FileQueue) Subscribe() <-chan string {
	return q.ch
}

func (q *FileQueue) Len() int { return len(q.ch) }

func (q *FileQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
