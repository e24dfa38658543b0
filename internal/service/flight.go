package service

import (
	"context"
	"sync"

	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

// flight is the slot a running run holds on its session.
type flight struct {
	sessionID string
	runID     string
	cancel    context.CancelCauseFunc
	done      chan struct{}
}

type flights struct {
	mu        sync.Mutex
	bySession map[string]*flight
	byRun     map[string]*flight
}

func newFlights() *flights {
	return &flights{
		bySession: make(map[string]*flight),
		byRun:     make(map[string]*flight),
	}
}

// acquire claims the session for runID. It fails with ConflictError when
// another run holds it; nothing is queued.
func (f *flights) acquire(sessionID, runID string, cancel context.CancelCauseFunc) (*flight, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if held, ok := f.bySession[sessionID]; ok {
		return nil, &domain.ConflictError{SessionID: sessionID, RunID: held.runID}
	}
	fl := &flight{sessionID: sessionID, runID: runID, cancel: cancel, done: make(chan struct{})}
	f.bySession[sessionID] = fl
	f.byRun[runID] = fl
	return fl, nil
}

func (f *flights) release(fl *flight) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bySession[fl.sessionID] == fl {
		delete(f.bySession, fl.sessionID)
	}
	delete(f.byRun, fl.runID)
	close(fl.done)
}

func (f *flights) byRunID(runID string) (*flight, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.byRun[runID]
	return fl, ok
}

func (f *flights) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bySession)
}
