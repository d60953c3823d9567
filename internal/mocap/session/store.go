package session

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/mocap/internal/timeutil"
)

// Persister saves committed states.
type Persister interface {
	Save(state json.RawMessage, updatedAt time.Time) error
}

// Store holds the committed State.
type Store struct {
	cur     atomic.Pointer[State]
	mu      sync.Mutex
	persist Persister
	clock   timeutil.Clock

	listenMu  sync.RWMutex
	listeners []func(*State)
}

// NewStore commits initial as the first state. persist may be nil.
func NewStore(initial State, persist Persister, clock timeutil.Clock) *Store {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &Store{persist: persist, clock: clock}
	st := initial.Clone()
	s.cur.Store(&st)
	return s
}

// Load returns the committed state. Callers must treat it as read-only.
func (s *Store) Load() *State { return s.cur.Load() }

// OnCommit registers fn to run after every successful Update.
func (s *Store) OnCommit(fn func(*State)) {
	s.listenMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenMu.Unlock()
}

// Update applies fn to a private copy of the committed state and commits
// the copy if fn succeeds and the result validates. Otherwise the
// committed state is unchanged and the error is returned.
func (s *Store) Update(fn func(next *State) error) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur.Load().Clone()
	if err := fn(&next); err != nil {
		return s.cur.Load(), err
	}
	if err := next.Validate(); err != nil {
		return s.cur.Load(), err
	}
	next.UpdatedAt = s.clock.Now()

	if s.persist != nil {
		data, err := json.Marshal(&next)
		if err == nil {
			err = s.persist.Save(data, next.UpdatedAt)
		}
		if err != nil {
			opsf("session state not persisted: %v", err)
		}
	}
	s.cur.Store(&next)
	diagf("session committed: calibrated=%t scale_applied=%t", next.Calibrated, next.ScaleApplied)

	s.listenMu.RLock()
	defer s.listenMu.RUnlock()
	for _, l := range s.listeners {
		l(&next)
	}
	return &next, nil
}
