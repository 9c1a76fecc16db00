package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// entry is one scheduled task in the heap.
type entry struct {
	name     string
	schedule cron.Schedule
	nextRun  time.Time
}

// entryHeap is a min-heap of entries ordered by nextRun (earliest first).
type entryHeap []entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].nextRun.Before(h[j].nextRun) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Scheduler fires named tasks on cron schedules using a min-heap and a
// single timer goroutine. Each firing runs in its own goroutine so a long
// batch never delays the timer.
type Scheduler struct {
	mu      sync.Mutex
	heap    entryHeap
	timer   *time.Timer
	done    chan struct{}
	wg      sync.WaitGroup
	firing  sync.WaitGroup
	fire    func(name string)
	reset   chan struct{} // signals the goroutine to re-read the timer
	now     func() time.Time
	stopped bool
}

// NewScheduler creates a Scheduler that calls fire when a task is due.
func NewScheduler(fire func(name string)) *Scheduler {
	return &Scheduler{
		fire:  fire,
		done:  make(chan struct{}),
		reset: make(chan struct{}, 1),
		now:   time.Now,
	}
}

// Add schedules a task, replacing any task with the same name.
func (s *Scheduler) Add(name string, schedule cron.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(name)
	heap.Push(&s.heap, entry{
		name:     name,
		schedule: schedule,
		nextRun:  NextTime(schedule, s.now()),
	})
	s.resetTimerLocked()
}

// Remove unschedules a task by name.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.resetTimerLocked()
}

// removeLocked removes the entry matching name. Caller must hold s.mu.
func (s *Scheduler) removeLocked(name string) {
	for i, e := range s.heap {
		if e.name == name {
			heap.Remove(&s.heap, i)
			return
		}
	}
}

// NextRunTime returns the next scheduled run time for the named task.
func (s *Scheduler) NextRunTime(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.heap {
		if e.name == name {
			return e.nextRun, true
		}
	}
	return time.Time{}, false
}

// Start launches the scheduler goroutine.
func (s *Scheduler) Start() {
	s.mu.Lock()
	// Create a stopped timer; resetTimerLocked arms it.
	s.timer = time.NewTimer(0)
	if !s.timer.Stop() {
		<-s.timer.C
	}
	s.resetTimerLocked()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
}

// Stop signals the scheduler goroutine to exit and waits for it and for
// any firing still in progress.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	s.firing.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			s.mu.Lock()
			s.timer.Stop()
			s.mu.Unlock()
			return
		case <-s.reset:
			continue
		case <-s.timer.C:
			s.mu.Lock()
			if s.heap.Len() == 0 {
				s.mu.Unlock()
				continue
			}

			now := s.now()
			e := s.heap[0]
			if e.nextRun.After(now) {
				// Spurious wake; reset and wait again.
				s.resetTimerLocked()
				s.mu.Unlock()
				continue
			}

			heap.Pop(&s.heap)
			e.nextRun = NextTime(e.schedule, now)
			heap.Push(&s.heap, e)
			s.resetTimerLocked()
			s.firing.Add(1)
			s.mu.Unlock()

			go func(name string) {
				defer s.firing.Done()
				s.fire(name)
			}(e.name)
		}
	}
}

// resetTimerLocked arms the timer for the earliest entry. Caller must hold
// s.mu. Safe to call before Start.
func (s *Scheduler) resetTimerLocked() {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	if s.heap.Len() == 0 {
		return
	}
	d := s.heap[0].nextRun.Sub(s.now())
	if d < 0 {
		d = 0
	}
	s.timer.Reset(d)

	select {
	case s.reset <- struct{}{}:
	default:
	}
}
