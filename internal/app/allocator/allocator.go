// Package allocator packs instruments onto capacity-bounded sessions and tracks placement.
package allocator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tickcapture/errs"
	"github.com/coachpo/tickcapture/internal/app/reconcile"
	"github.com/coachpo/tickcapture/internal/domain/schema"
	"github.com/coachpo/tickcapture/internal/infra/telemetry"
)

// ErrCapacityExhausted is returned by Assign when no session has spare capacity.
var ErrCapacityExhausted = errs.New("allocator/assign", errs.CodeCapacityExhausted,
	errs.WithMessage("no session has spare capacity"))

// State describes a session's occupancy state.
type State string

const (
	// StateIdle means the session can accept more subscriptions.
	StateIdle State = "idle"
	// StateFull means occupancy equals capacity.
	StateFull State = "full"
)

type session struct {
	id         string
	capacity   int
	subscribed map[schema.Key]struct{}
}

func (s *session) state() State {
	if len(s.subscribed) >= s.capacity {
		return StateFull
	}
	return StateIdle
}

// SessionSnapshot is a point-in-time view of a session's occupancy.
type SessionSnapshot struct {
	ID        string       `json:"id"`
	Capacity  int          `json:"capacity"`
	Occupancy int          `json:"occupancy"`
	State     State        `json:"state"`
	Keys      []schema.Key `json:"-"`
}

// Placement pairs an instrument with the session holding it.
type Placement struct {
	Record  schema.InstrumentRecord
	Session string
}

// Result summarises the placement changes produced by Apply.
type Result struct {
	Released  []Placement
	Assigned  []Placement
	Exhausted []schema.InstrumentRecord
}

// Allocator is in-memory bookkeeping for session placement. It is not safe for concurrent use;
// callers serialise access.
type Allocator struct {
	sessions  []*session
	index     map[string]*session
	placement map[schema.Key]*session

	assignCounter    metric.Int64Counter
	releaseCounter   metric.Int64Counter
	exhaustedCounter metric.Int64Counter
}

// New constructs an empty allocator.
func New() *Allocator {
	a := new(Allocator)
	a.index = make(map[string]*session)
	a.placement = make(map[schema.Key]*session)

	meter := otel.Meter("allocator")
	a.assignCounter, _ = meter.Int64Counter("allocator.assigned",
		metric.WithDescription("Instruments placed onto a session"),
		metric.WithUnit("{instrument}"))
	a.releaseCounter, _ = meter.Int64Counter("allocator.released",
		metric.WithDescription("Instruments released from a session"),
		metric.WithUnit("{instrument}"))
	a.exhaustedCounter, _ = meter.Int64Counter("allocator.capacity_exhausted",
		metric.WithDescription("Assignments rejected because every session was full"),
		metric.WithUnit("{instrument}"))
	return a
}

// AddSession registers a session in creation order.
func (a *Allocator) AddSession(id string, capacity int) error {
	if capacity <= 0 {
		return errs.New("allocator/session", errs.CodeInvalid,
			errs.WithSession(id), errs.WithMessage("capacity must be > 0"))
	}
	if _, ok := a.index[id]; ok {
		return errs.New("allocator/session", errs.CodeInvalid,
			errs.WithSession(id), errs.WithMessage("session already registered"))
	}
	s := &session{id: id, capacity: capacity, subscribed: make(map[schema.Key]struct{})}
	a.sessions = append(a.sessions, s)
	a.index[id] = s
	return nil
}

// RemoveSession drops a session and returns the keys it held, which become unplaced.
func (a *Allocator) RemoveSession(id string) []schema.Key {
	s, ok := a.index[id]
	if !ok {
		return nil
	}
	delete(a.index, id)
	for i, candidate := range a.sessions {
		if candidate == s {
			a.sessions = append(a.sessions[:i], a.sessions[i+1:]...)
			break
		}
	}
	orphaned := make([]schema.Key, 0, len(s.subscribed))
	for key := range s.subscribed {
		if a.placement[key] == s {
			delete(a.placement, key)
		}
		orphaned = append(orphaned, key)
	}
	schema.SortKeys(orphaned)
	return orphaned
}

// Assign places the key on the earliest-created session with spare capacity. A key that is
// already placed keeps its session.
func (a *Allocator) Assign(key schema.Key) (string, error) {
	if s, ok := a.placement[key]; ok {
		return s.id, nil
	}
	for _, s := range a.sessions {
		if s.state() != StateIdle {
			continue
		}
		s.subscribed[key] = struct{}{}
		a.placement[key] = s
		a.add(a.assignCounter, s.id)
		return s.id, nil
	}
	a.add(a.exhaustedCounter, "")
	return "", fmt.Errorf("assign %s: %w", key, ErrCapacityExhausted)
}

// Release removes the key from every session that holds it. Releasing an unplaced key is a no-op.
func (a *Allocator) Release(key schema.Key) (string, bool) {
	holder := ""
	for _, s := range a.sessions {
		if _, ok := s.subscribed[key]; !ok {
			continue
		}
		delete(s.subscribed, key)
		if holder == "" {
			holder = s.id
		}
		a.add(a.releaseCounter, s.id)
	}
	delete(a.placement, key)
	return holder, holder != ""
}

// Apply processes removals before additions so freed capacity is reused within the same delta.
// Refresh records are left in place, and any that are still unplaced get another assignment
// attempt.
func (a *Allocator) Apply(delta reconcile.Delta) Result {
	var res Result
	for _, record := range delta.ToRemove {
		if id, ok := a.Release(record.Key()); ok {
			res.Released = append(res.Released, Placement{Record: record, Session: id})
		}
	}
	assign := func(record schema.InstrumentRecord) {
		id, err := a.Assign(record.Key())
		if errors.Is(err, ErrCapacityExhausted) {
			res.Exhausted = append(res.Exhausted, record)
			return
		}
		res.Assigned = append(res.Assigned, Placement{Record: record, Session: id})
	}
	for _, record := range delta.ToAdd {
		assign(record)
	}
	for _, record := range delta.ToRefresh {
		if _, placed := a.placement[record.Key()]; !placed {
			assign(record)
		}
	}
	return res
}

// Placement returns the session holding the key.
func (a *Allocator) Placement(key schema.Key) (string, bool) {
	s, ok := a.placement[key]
	if !ok {
		return "", false
	}
	return s.id, true
}

// Placed returns the number of placed keys.
func (a *Allocator) Placed() int {
	return len(a.placement)
}

// Capacity returns the total capacity across sessions.
func (a *Allocator) Capacity() int {
	total := 0
	for _, s := range a.sessions {
		total += s.capacity
	}
	return total
}

// SessionKeys returns the sorted keys held by a session.
func (a *Allocator) SessionKeys(id string) []schema.Key {
	s, ok := a.index[id]
	if !ok {
		return nil
	}
	return sortedKeys(s)
}

// Snapshot returns sessions in creation order.
func (a *Allocator) Snapshot() []SessionSnapshot {
	out := make([]SessionSnapshot, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, SessionSnapshot{
			ID:        s.id,
			Capacity:  s.capacity,
			Occupancy: len(s.subscribed),
			State:     s.state(),
			Keys:      sortedKeys(s),
		})
	}
	return out
}

func (a *Allocator) add(counter metric.Int64Counter, sessionID string) {
	if counter == nil {
		return
	}
	counter.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.SessionAttributes(telemetry.Environment(), sessionID)...))
}

func sortedKeys(s *session) []schema.Key {
	keys := make([]schema.Key, 0, len(s.subscribed))
	for key := range s.subscribed {
		keys = append(keys, key)
	}
	schema.SortKeys(keys)
	return keys
}
