// Package audit persists what the delay workflows did: every reschedule and
// every customer response, append-only. The Postgres store is the production
// backend; [Memory] serves tests and DSN-less development.
package audit

import (
	"context"
	"sync"
	"time"
)

// DelayRecord is one appointment reschedule initiated by a teammate.
type DelayRecord struct {
	ID            string
	AppointmentID string
	OldStart      time.Time
	NewStart      time.Time
	TeammateName  string
	TeammatePhone string
	Reason        string
	Status        string
	CreatedAt     time.Time
}

// CustomerResponse is the outcome of one customer notification call.
type CustomerResponse struct {
	ID            string
	AppointmentID string
	Response      string // wait, alternative, declined
	NewStart      time.Time
	Status        string
	CreatedAt     time.Time
}

// Recorder is the append-only audit contract.
type Recorder interface {
	RecordDelay(ctx context.Context, rec DelayRecord) error
	RecordCustomerResponse(ctx context.Context, rec CustomerResponse) error
}

// Memory is an in-memory [Recorder].
type Memory struct {
	mu        sync.Mutex
	Delays    []DelayRecord
	Responses []CustomerResponse
}

var _ Recorder = (*Memory)(nil)

// NewMemory creates an empty in-memory recorder.
func NewMemory() *Memory { return &Memory{} }

// RecordDelay implements [Recorder].
func (m *Memory) RecordDelay(_ context.Context, rec DelayRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Delays = append(m.Delays, rec)
	return nil
}

// RecordCustomerResponse implements [Recorder].
func (m *Memory) RecordCustomerResponse(_ context.Context, rec CustomerResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, rec)
	return nil
}

// DelayCount returns the number of recorded delays.
func (m *Memory) DelayCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Delays)
}

// ResponseCount returns the number of recorded customer responses.
func (m *Memory) ResponseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Responses)
}
