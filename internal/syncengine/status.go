package syncengine

import (
	"sync"

	"backend-pawwalk/internal/observe"
)

// Status is the advisory outcome of the most recent sync sweep.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusSyncing  Status = "syncing"
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusConflict Status = "conflict"
)

func severity(s Status) int {
	switch s {
	case StatusSuccess:
		return 1
	case StatusError:
		return 2
	case StatusConflict:
		return 3
	}
	return 0
}

// StatusSignal aggregates overlapping sweeps, possibly from several engines,
// into one process-wide status. The first sweep to begin publishes idle (when
// needed) then syncing; the last one to end publishes the most severe outcome,
// which is held until the next sweep begins.
type StatusSignal struct {
	pubMu   sync.Mutex
	mu      sync.Mutex
	current Status
	running int
	worst   Status
	subject *observe.Subject[Status]
}

func NewStatusSignal() *StatusSignal {
	return &StatusSignal{current: StatusIdle, subject: observe.NewSubject[Status]()}
}

func (s *StatusSignal) Current() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Subscribe registers fn for status changes. fn must not start a sweep
// synchronously.
func (s *StatusSignal) Subscribe(fn func(Status)) func() {
	return s.subject.Subscribe(fn)
}

func (s *StatusSignal) begin() {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	s.running++
	var transitions []Status
	if s.running == 1 {
		s.worst = ""
		if s.current != StatusIdle {
			transitions = append(transitions, StatusIdle)
		}
		transitions = append(transitions, StatusSyncing)
		s.current = StatusSyncing
	}
	s.mu.Unlock()

	for _, st := range transitions {
		s.subject.Publish(st)
	}
}

func (s *StatusSignal) end(outcome Status) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	if severity(outcome) > severity(s.worst) {
		s.worst = outcome
	}
	s.running--
	publish := false
	if s.running <= 0 {
		s.running = 0
		s.current = s.worst
		if s.current == "" {
			s.current = StatusSuccess
		}
		publish = true
	}
	current := s.current
	s.mu.Unlock()

	if publish {
		s.subject.Publish(current)
	}
}
