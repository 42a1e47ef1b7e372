// Package calendar defines the appointment-calendar contract the voice agent
// depends on. The production backend is an external service; this package
// names its interface and ships an in-memory implementation used in tests and
// local development.
package calendar

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when an appointment id is unknown.
var ErrNotFound = errors.New("calendar: appointment not found")

// Appointment is a single calendar entry.
type Appointment struct {
	ID      string
	Summary string
	Owner   string // phone number of the teammate the entry belongs to
	Start   time.Time
	End     time.Time

	// Customer is the counterparty notified when the entry moves.
	Customer      string
	CustomerPhone string
}

// Duration returns the appointment length.
func (a Appointment) Duration() time.Duration {
	return a.End.Sub(a.Start)
}

// Service is the calendar operations the agent needs. Implementations must be
// safe for concurrent use.
type Service interface {
	// Upcoming lists future appointments owned by the given phone number,
	// ordered by start time.
	Upcoming(ctx context.Context, ownerPhone string) ([]Appointment, error)

	// Get fetches a single appointment by id.
	Get(ctx context.Context, id string) (Appointment, error)

	// Update moves an appointment to the given start and end instants.
	Update(ctx context.Context, id string, start, end time.Time) error
}

// Memory is an in-memory [Service].
type Memory struct {
	mu    sync.Mutex
	items map[string]Appointment
	now   func() time.Time
}

var _ Service = (*Memory)(nil)

// NewMemory creates an empty in-memory calendar.
func NewMemory() *Memory {
	return &Memory{items: map[string]Appointment{}, now: time.Now}
}

// SetNow overrides the clock used by Upcoming. For tests.
func (m *Memory) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Put inserts or replaces an appointment.
func (m *Memory) Put(a Appointment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[a.ID] = a
}

// Upcoming implements [Service].
func (m *Memory) Upcoming(_ context.Context, ownerPhone string) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []Appointment
	for _, a := range m.items {
		if a.Owner == ownerPhone && a.End.After(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// Get implements [Service].
func (m *Memory) Get(_ context.Context, id string) (Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.items[id]
	if !ok {
		return Appointment{}, ErrNotFound
	}
	return a, nil
}

// Update implements [Service].
func (m *Memory) Update(_ context.Context, id string, start, end time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	a.Start = start
	a.End = end
	m.items[id] = a
	return nil
}
