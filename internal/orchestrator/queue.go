package orchestrator

import (
	"sync"

	"github.com/rs/zerolog"
)

// Task is one unit of work handed to the pool. Key is the idempotency key;
// two tasks with the same key never run concurrently and a duplicate
// submission while the first is queued or running is absorbed.
type Task struct {
	Key string
	Run func()
}

// TaskQueue is the in-process worker pool between the claim loop and the
// stage handlers. Long-running work (generation, solving) happens on these
// workers so the claim loop never blocks on computation.
type TaskQueue struct {
	tasks chan Task
	log   zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]bool

	wg      sync.WaitGroup
	stop    chan struct{}
	stopped sync.Once
}

// NewTaskQueue creates a pool with the given number of workers.
func NewTaskQueue(workers, buffer int, log zerolog.Logger) *TaskQueue {
	if workers < 1 {
		workers = 1
	}
	q := &TaskQueue{
		tasks:    make(chan Task, buffer),
		log:      log.With().Str("component", "task_queue").Logger(),
		inFlight: make(map[string]bool),
		stop:     make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Submit hands a task to the pool. It returns true when the task was
// accepted and false when a task with the same key is already queued or
// running; the duplicate case is success for the caller, not an error.
func (q *TaskQueue) Submit(t Task) bool {
	q.mu.Lock()
	if q.inFlight[t.Key] {
		q.mu.Unlock()
		q.log.Debug().Str("key", t.Key).Msg("Duplicate task absorbed")
		return false
	}
	q.inFlight[t.Key] = true
	q.mu.Unlock()

	select {
	case q.tasks <- t:
		return true
	case <-q.stop:
		q.release(t.Key)
		return false
	}
}

// InFlight returns the number of keys currently queued or running.
func (q *TaskQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Stop signals the workers and waits for running tasks to finish. Queued but
// unstarted tasks are abandoned; their outbox entries come back via the
// reaper on the next start.
func (q *TaskQueue) Stop() {
	q.stopped.Do(func() {
		close(q.stop)
	})
	q.wg.Wait()
}

func (q *TaskQueue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case t := <-q.tasks:
			q.runOne(t)
		}
	}
}

func (q *TaskQueue) runOne(t Task) {
	defer q.release(t.Key)
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Str("key", t.Key).Interface("panic", r).Msg("Task panicked")
		}
	}()
	t.Run()
}

func (q *TaskQueue) release(key string) {
	q.mu.Lock()
	delete(q.inFlight, key)
	q.mu.Unlock()
}
