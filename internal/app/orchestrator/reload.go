package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tickcapture/internal/app/allocator"
	"github.com/coachpo/tickcapture/internal/app/filter"
	"github.com/coachpo/tickcapture/internal/app/reconcile"
	"github.com/coachpo/tickcapture/internal/domain/schema"
	"github.com/coachpo/tickcapture/internal/infra/telemetry"
	"github.com/coachpo/tickcapture/internal/observability"
)

// Trigger identifies what asked for a reload.
type Trigger struct {
	// Artifact names the changed configuration artifact, for example "universe.json".
	Artifact string `json:"artifact,omitempty"`
	// Source names the trigger producer: startup, watch, http.
	Source string    `json:"source"`
	At     time.Time `json:"at"`
}

// Report summarises one reconciliation cycle.
type Report struct {
	CycleID      string    `json:"cycle_id"`
	Trigger      Trigger   `json:"trigger"`
	StartedAt    time.Time `json:"started_at"`
	Duration     string    `json:"duration"`
	Universe     int       `json:"universe"`
	Active       int       `json:"active"`
	Removed      int       `json:"removed"`
	Attempted    int       `json:"attempted"`
	Kept         int       `json:"kept"`
	Changed      int       `json:"changed"`
	Failed       int       `json:"failed"`
	Subscribed   int       `json:"subscribed"`
	Unsubscribed int       `json:"unsubscribed"`
	Resubscribed int       `json:"resubscribed"`
	RequestErrs  int       `json:"request_errors"`
	RuleErrors   []string  `json:"rule_errors,omitempty"`
	PersistError string    `json:"persist_error,omitempty"`
}

// Reload runs one reconciliation cycle. Cycles are mutually exclusive and hold the state lock for
// their full duration. Vendor requests are queued per session and not awaited. A load failure
// leaves the previous state untouched.
func (o *Orchestrator) Reload(ctx context.Context, trigger Trigger) (Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return Report{}, ErrShutdown
	}

	start := o.clock()
	if trigger.At.IsZero() {
		trigger.At = start
	}
	report := Report{CycleID: uuid.NewString(), Trigger: trigger, StartedAt: start}
	result := telemetry.ResultSuccess
	defer func() {
		elapsed := o.clock().Sub(start)
		attrs := metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrTrigger.String(trigger.Source),
			telemetry.AttrResult.String(result))
		if o.reloadCounter != nil {
			o.reloadCounter.Add(ctx, 1, attrs)
		}
		if o.reloadDuration != nil {
			o.reloadDuration.Record(ctx, float64(elapsed.Microseconds())/1000.0, attrs)
		}
	}()

	universe, include, exclude, err := o.loadRules(ctx, &report)
	if err != nil {
		result = telemetry.ResultError
		observability.Log().Error("reload aborted",
			observability.F("cycle_id", report.CycleID),
			observability.F("trigger", trigger.Source),
			observability.F("error", err))
		return report, err
	}

	next := filter.Filter(universe, include, exclude)
	delta := reconcile.Reconcile(o.active, next)
	placed := o.alloc.Apply(delta)

	o.applyRemovals(delta, placed, &report)
	o.flushStale(&report)
	o.applyAdditions(placed, &report)
	// metadata only; placement is untouched
	for _, record := range delta.ToRefresh {
		if _, ok := o.alloc.Placement(record.Key()); ok {
			o.registry.Add(record)
		}
	}
	o.resubscribeLost(next, &report)
	for _, record := range placed.Exhausted {
		observability.Log().Warn("capacity exhausted; instrument left unsubscribed",
			observability.F("cycle_id", report.CycleID),
			observability.F("instrument", record.Key().String()))
	}

	report.Universe = len(universe)
	report.Active = len(next)
	report.Removed = len(delta.ToRemove)
	report.Attempted = len(delta.ToAdd)
	report.Kept = len(delta.ToRefresh)
	report.Changed = len(delta.Changed(o.active))
	report.Failed += len(placed.Exhausted)
	o.active = next

	if err := o.cfg.SaveActiveSet(ctx, next.Records()); err != nil {
		result = telemetry.ResultError
		report.PersistError = err.Error()
		observability.Log().Error("persist active set failed",
			observability.F("cycle_id", report.CycleID),
			observability.F("error", err))
	}
	report.Duration = o.clock().Sub(start).String()
	snapshot := report
	o.last = &snapshot

	observability.Log().Info("reload complete",
		observability.F("cycle_id", report.CycleID),
		observability.F("trigger", trigger.Source),
		observability.F("artifact", trigger.Artifact),
		observability.F("removed", report.Removed),
		observability.F("attempted", report.Attempted),
		observability.F("kept", report.Kept),
		observability.F("failed", report.Failed),
		observability.F("resubscribed", report.Resubscribed),
		observability.F("rule_errors", len(report.RuleErrors)))
	return report, nil
}

func (o *Orchestrator) loadRules(ctx context.Context, report *Report) ([]schema.InstrumentRecord, filter.RuleSet, filter.RuleSet, error) {
	var none filter.RuleSet
	universe, err := o.cfg.LoadUniverse(ctx)
	if err != nil {
		return nil, none, none, fmt.Errorf("load universe: %w", err)
	}
	includeSpecs, err := o.cfg.LoadRules(ctx, schema.RuleInclude)
	if err != nil {
		return nil, none, none, fmt.Errorf("load include rules: %w", err)
	}
	excludeSpecs, err := o.cfg.LoadRules(ctx, schema.RuleExclude)
	if err != nil {
		return nil, none, none, fmt.Errorf("load exclude rules: %w", err)
	}

	timeout := o.matchTimeout
	if timeout <= 0 {
		timeout = filter.DefaultMatchTimeout
	}
	include, incProblems := filter.CompileWithTimeout(schema.RuleInclude, includeSpecs, timeout)
	exclude, excProblems := filter.CompileWithTimeout(schema.RuleExclude, excludeSpecs, timeout)
	for _, problem := range append(incProblems, excProblems...) {
		report.RuleErrors = append(report.RuleErrors, problem.Error())
		observability.Log().Warn("invalid filter rule ignored",
			observability.F("cycle_id", report.CycleID),
			observability.F("error", problem))
	}
	return universe, include, exclude, nil
}

func (o *Orchestrator) applyRemovals(delta reconcile.Delta, placed allocator.Result, report *Report) {
	for _, record := range delta.ToRemove {
		o.registry.Remove(record.Key())
	}
	for _, p := range placed.Released {
		if o.enqueue(p, requestUnsubscribe) {
			report.Unsubscribed++
		} else {
			report.RequestErrs++
		}
	}
}

// applyAdditions queues a subscribe per assignment. A key whose subscribe cannot be queued is
// released again so it counts as unplaced and a later cycle retries it.
func (o *Orchestrator) applyAdditions(placed allocator.Result, report *Report) {
	for _, p := range placed.Assigned {
		if o.enqueue(p, requestSubscribe) {
			o.registry.Add(p.Record)
			report.Subscribed++
			continue
		}
		report.RequestErrs++
		o.unplace(p.Record, report)
	}
}

// flushStale retries unsubscribes that never reached the vendor, ahead of any subscribe in the
// same cycle so the vendor's capacity is freed first.
func (o *Orchestrator) flushStale(report *Report) {
	for _, h := range o.sessions {
		for _, st := range h.requests.staleRequests() {
			key := st.record.Key()
			if id, ok := o.alloc.Placement(key); ok && id == h.id {
				h.requests.forget(key, st.seq)
				continue
			}
			if h.requests.inFlight(key) {
				continue
			}
			if !h.session.SubscribedContains(key.Instrument, key.Exchange) {
				h.requests.forget(key, st.seq)
				continue
			}
			if o.enqueue(allocator.Placement{Record: st.record, Session: h.id}, requestUnsubscribe) {
				report.Unsubscribed++
			} else {
				report.RequestErrs++
			}
		}
	}
}

// resubscribeLost queues a subscribe for every placed key its session does not hold and has no
// request pending for, which covers subscribes that failed after their retries.
func (o *Orchestrator) resubscribeLost(next schema.ActiveSet, report *Report) {
	for _, record := range next.Records() {
		key := record.Key()
		id, ok := o.alloc.Placement(key)
		if !ok {
			continue
		}
		h := o.session(id)
		if h == nil || h.requests.inFlight(key) || h.session.SubscribedContains(key.Instrument, key.Exchange) {
			continue
		}
		if o.enqueue(allocator.Placement{Record: record, Session: id}, requestSubscribe) {
			report.Resubscribed++
			continue
		}
		report.RequestErrs++
		o.unplace(record, report)
	}
}

func (o *Orchestrator) unplace(record schema.InstrumentRecord, report *Report) {
	o.alloc.Release(record.Key())
	o.registry.Remove(record.Key())
	report.Failed++
	observability.Log().Warn("vendor subscribe not queued; instrument left unplaced",
		observability.F("cycle_id", report.CycleID),
		observability.F("instrument", record.Key().String()))
}

func (o *Orchestrator) enqueue(p allocator.Placement, kind requestKind) bool {
	h := o.session(p.Session)
	if h == nil {
		return false
	}
	if err := h.requests.enqueue(kind, p.Record); err != nil {
		observability.Log().Error("vendor request not queued",
			observability.F("session", p.Session),
			observability.F("instrument", p.Record.Key().String()),
			observability.F("request", string(kind)),
			observability.F("error", err))
		return false
	}
	return true
}

func (o *Orchestrator) session(id string) *sessionHandle {
	for _, h := range o.sessions {
		if h.id == id {
			return h
		}
	}
	return nil
}

// Run performs a reload for every trigger until ctx is cancelled or triggers is closed. Reload
// failures are logged and do not stop the loop.
func (o *Orchestrator) Run(ctx context.Context, triggers <-chan Trigger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case trigger, ok := <-triggers:
			if !ok {
				return nil
			}
			if _, err := o.Reload(ctx, trigger); err != nil {
				if errors.Is(err, ErrShutdown) {
					return nil
				}
				observability.Log().Warn("reload failed",
					observability.F("trigger", trigger.Source),
					observability.F("artifact", trigger.Artifact),
					observability.F("error", err))
			}
		}
	}
}
