package dialog

import (
	"sync"
	"time"
)

// historyLimit bounds the per-thread conversation history.
const historyLimit = 10

// Checkpoint is the persisted dialog state of one thread.
type Checkpoint struct {
	Step    Step
	History []string
	Intent  string

	// Booking slots.
	Date      string // display form, e.g. "tomorrow" or "25 august"
	DateValue time.Time
	Time      string // original spelling, e.g. "11 AM"
	Duration  string // "1 hour", "2 hours", or empty when EndTime is set
	EndTime   string
	Details   string
}

// resetSlots clears booking fields for a fresh appointment.
func (c *Checkpoint) resetSlots() {
	c.Intent = ""
	c.Date = ""
	c.DateValue = time.Time{}
	c.Time = ""
	c.Duration = ""
	c.EndTime = ""
	c.Details = ""
}

// appendHistory records a transcript, keeping the newest historyLimit
// entries.
func (c *Checkpoint) appendHistory(transcript string) {
	if transcript == "" {
		return
	}
	c.History = append(c.History, transcript)
	if len(c.History) > historyLimit {
		c.History = c.History[len(c.History)-historyLimit:]
	}
}

type threadState struct {
	mu sync.Mutex
	cp Checkpoint
}

// Store keeps checkpoints keyed by thread id. Invocations on the same thread
// are serialized by a per-thread mutex; different threads never contend.
type Store struct {
	mu      sync.Mutex
	threads map[string]*threadState
}

// NewStore creates an empty checkpoint store.
func NewStore() *Store {
	return &Store{threads: map[string]*threadState{}}
}

func (s *Store) thread(threadID string) *threadState {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		t = &threadState{cp: Checkpoint{Step: StepGreeting}}
		s.threads[threadID] = t
	}
	return t
}

// Update runs fn under the thread's lock with its current checkpoint and
// persists the result.
func (s *Store) Update(threadID string, fn func(cp *Checkpoint)) Checkpoint {
	t := s.thread(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.cp)
	return t.cp
}

// Get returns a copy of the thread's checkpoint.
func (s *Store) Get(threadID string) Checkpoint {
	t := s.thread(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cp
}

// Delete drops a thread's checkpoint.
func (s *Store) Delete(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
}
