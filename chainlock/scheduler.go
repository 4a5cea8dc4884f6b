package chainlock

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

type task struct {
	name     string
	runAt    time.Time
	interval time.Duration
	fn       func()
}

// Scheduler runs deferred and periodic tasks on a single goroutine.
// Tasks run to completion before the next one is dequeued, so handlers
// scheduled here never race each other.
type Scheduler struct {
	logger hclog.Logger

	mu    sync.Mutex
	tasks []*task

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

func NewScheduler(logger hclog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.Named("scheduler"),
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the execution goroutine.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		go s.loop()
	})
}

// Stop halts the scheduler and joins the execution goroutine. A task that
// is mid-run finishes first; queued tasks are dropped.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
}

// Schedule queues fn to run once after delay.
func (s *Scheduler) Schedule(name string, delay time.Duration, fn func()) {
	s.add(&task{name: name, runAt: time.Now().Add(delay), fn: fn})
}

// RepeatEvery queues fn to run every interval, first firing one interval
// from now.
func (s *Scheduler) RepeatEvery(name string, interval time.Duration, fn func()) {
	s.add(&task{name: name, runAt: time.Now().Add(interval), interval: interval, fn: fn})
}

func (s *Scheduler) add(t *task) {
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.mu.Lock()
		var next *task
		nextIdx := -1
		for i, t := range s.tasks {
			if next == nil || t.runAt.Before(next.runAt) {
				next = t
				nextIdx = i
			}
		}
		if next != nil && !time.Now().Before(next.runAt) {
			if next.interval > 0 {
				next.runAt = time.Now().Add(next.interval)
			} else {
				s.tasks = append(s.tasks[:nextIdx], s.tasks[nextIdx+1:]...)
			}
			fn := next.fn
			s.mu.Unlock()
			fn()
			continue
		}
		wait := time.Hour
		if next != nil {
			wait = time.Until(next.runAt)
		}
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-s.wakeCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}
