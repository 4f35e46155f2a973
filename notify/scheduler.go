package notify

import "sync"

// Scheduler hands delivery jobs off for execution. Implementations decide
// whether jobs run inline or in the background; the Handler never blocks on a
// queued job.
type Scheduler interface {
	Enqueue(job func())
}

// SyncScheduler runs jobs inline on the caller's goroutine.
type SyncScheduler struct{}

func (SyncScheduler) Enqueue(job func()) { job() }

// WorkerScheduler runs jobs on a fixed pool of background workers. Enqueue
// never blocks: jobs beyond the buffer are dropped, which is acceptable for
// fire-and-forget notification delivery.
type WorkerScheduler struct {
	jobs chan func()
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewWorkerScheduler starts workers goroutines draining a buffer of the
// given size.
func NewWorkerScheduler(workers, buffer int) *WorkerScheduler {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 64
	}
	s := &WorkerScheduler{jobs: make(chan func(), buffer)}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer s.wg.Done()
			for job := range s.jobs {
				job()
			}
		}()
	}
	return s
}

// Enqueue queues a job without blocking. Jobs submitted after Stop, or past a
// full buffer, are dropped.
func (s *WorkerScheduler) Enqueue(job func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.jobs <- job:
	default:
	}
}

// Stop closes the queue and waits for in-flight jobs to finish.
func (s *WorkerScheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()
	s.wg.Wait()
}
