package testutil

import (
	"sort"
	"sync"
	"time"
)

// ManualScheduler: ручные часы с очередью отложенных задач для unit тестов.
// Задачи срабатывают только в Advance, в порядке времени и постановки.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	nextID uint64
	tasks  []*manualTask
}

type manualTask struct {
	id        uint64
	at        time.Time
	fn        func()
	cancelled bool
}

// NewManualScheduler создаёт планировщик с начальным временем start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

// Now возвращает текущее время планировщика.
func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// After ставит fn на now+d. Возвращает функцию отмены.
func (s *ManualScheduler) After(d time.Duration, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	task := &manualTask{id: s.nextID, at: s.now.Add(d), fn: fn}
	s.tasks = append(s.tasks, task)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		task.cancelled = true
	}
}

// Advance сдвигает время на d и выполняет все созревшие задачи.
// Задачи, поставленные во время выполнения, тоже выполняются, если уже созрели.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		task := s.popDue(target)
		if task == nil {
			break
		}
		task.fn()
	}

	s.mu.Lock()
	s.now = target
	s.mu.Unlock()
}

// Pending возвращает число неотменённых задач.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.cancelled {
			n++
		}
	}
	return n
}

func (s *ManualScheduler) popDue(target time.Time) *manualTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.tasks[:0]
	for _, t := range s.tasks {
		if !t.cancelled {
			live = append(live, t)
		}
	}
	s.tasks = live

	sort.SliceStable(s.tasks, func(i, j int) bool {
		if s.tasks[i].at.Equal(s.tasks[j].at) {
			return s.tasks[i].id < s.tasks[j].id
		}
		return s.tasks[i].at.Before(s.tasks[j].at)
	})
	if len(s.tasks) == 0 || s.tasks[0].at.After(target) {
		return nil
	}
	task := s.tasks[0]
	s.tasks = s.tasks[1:]
	// Время идёт до момента срабатывания задачи.
	if task.at.After(s.now) {
		s.now = task.at
	}
	return task
}
