package store

import (
	"context"
	"time"
)

// Watch polls for entries written after the current revision and calls fn
// for each, in revision order, on the polling goroutine. Writes made through
// this Store are reported too; callers filter their own writes.
func (s *Store) Watch(fn func(key string, value []byte)) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	since, err := s.Revision(ctx)
	if err != nil {
		s.logger.Warn("watch starting from revision 0", "error", err)
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			entries, err := s.Entries(ctx, since)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("watch poll failed", "error", err)
				}
				continue
			}
			for _, e := range entries {
				since = e.Revision
				fn(e.Key, e.Value)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
