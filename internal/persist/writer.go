package persist

import (
	"context"
	"log/slog"
	"sync"
)

type writeJob struct {
	key  string
	data []byte
	done func()
}

// writer performs async storage writes on one goroutine, in submission
// order. A job's done runs after its write settles, failed or not. Close lets
// queued writes finish.
type writer struct {
	storage Storage
	logger  *slog.Logger

	mu     sync.Mutex
	queue  []writeJob
	signal chan struct{}
	closed bool
	idle   sync.WaitGroup
}

func newWriter(storage Storage, logger *slog.Logger) *writer {
	w := &writer{
		storage: storage,
		logger:  logger,
		signal:  make(chan struct{}, 1),
	}
	w.idle.Add(1)
	go w.run()
	return w
}

func (w *writer) submit(key string, data []byte, done func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.queue = append(w.queue, writeJob{key: key, data: data, done: done})
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *writer) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// wait blocks until the writer has drained and stopped.
func (w *writer) wait() {
	w.idle.Wait()
}

func (w *writer) run() {
	defer w.idle.Done()
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			closed := w.closed
			w.mu.Unlock()
			if closed {
				return
			}
			<-w.signal
			continue
		}
		job := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		if err := w.storage.Set(context.Background(), job.key, job.data); err != nil {
			w.logger.Error("persist write failed", "error", err)
		}
		if job.done != nil {
			job.done()
		}
	}
}
