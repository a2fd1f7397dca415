// Package orchestrator is the composition root of the capture core: it connects vendor sessions,
// runs reconciliation cycles on reload triggers, and owns the shared placement state.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tickcapture/errs"
	"github.com/coachpo/tickcapture/internal/app/allocator"
	"github.com/coachpo/tickcapture/internal/app/ingest"
	"github.com/coachpo/tickcapture/internal/app/metadata"
	"github.com/coachpo/tickcapture/internal/domain/feed"
	"github.com/coachpo/tickcapture/internal/domain/schema"
	"github.com/coachpo/tickcapture/internal/infra/telemetry"
	"github.com/coachpo/tickcapture/internal/observability"
)

// ErrShutdown is returned once the orchestrator has begun shutting down.
var ErrShutdown = errs.New("orchestrator", errs.CodeUnavailable, errs.WithMessage("orchestrator shut down"))

// ConfigSource loads instrument configuration and persists capture state.
type ConfigSource interface {
	LoadUniverse(ctx context.Context) ([]schema.InstrumentRecord, error)
	LoadRules(ctx context.Context, kind schema.RuleKind) ([]schema.RuleSpec, error)
	LoadConnectionConfig(ctx context.Context) ([]schema.ConnectionConfigEntry, error)
	SaveActiveSet(ctx context.Context, records []schema.InstrumentRecord) error
	SaveTradingDay(ctx context.Context, day string) error
}

// Ingestor is the pipeline surface the orchestrator drives.
type Ingestor interface {
	Submit(md *schema.MarketData) error
	Stats() ingest.Stats
	Close(ctx context.Context) error
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Config   ConfigSource
	Factory  feed.Factory
	Pipeline Ingestor
	Registry *metadata.Registry
	Requests RequestOptions
	// MatchTimeout bounds a single rule evaluation; zero uses the filter default.
	MatchTimeout time.Duration
	Clock        func() time.Time
}

type sessionHandle struct {
	id         string
	connection string
	capacity   int
	session    feed.Session
	requests   *requestQueue
	state      atomic.Value
	owner      *Orchestrator
}

// Orchestrator serialises reload cycles and status reads over the active set, the placement table,
// and session occupancy.
type Orchestrator struct {
	cfg          ConfigSource
	factory      feed.Factory
	pipeline     Ingestor
	registry     *metadata.Registry
	requestOpts  RequestOptions
	matchTimeout time.Duration
	clock        func() time.Time

	mu       sync.RWMutex
	closed   bool
	sessions []*sessionHandle
	alloc    *allocator.Allocator
	active   schema.ActiveSet
	last     *Report

	dayMu      sync.Mutex
	tradingDay string

	requestMetrics  *requestMetrics
	reloadCounter   metric.Int64Counter
	reloadDuration  metric.Float64Histogram
	rejectedCounter metric.Int64Counter
}

// New constructs an orchestrator. Sessions are created by Connect.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		return nil, errs.New("orchestrator", errs.CodeInvalid, errs.WithMessage("config source required"))
	}
	if opts.Factory == nil {
		return nil, errs.New("orchestrator", errs.CodeInvalid, errs.WithMessage("session factory required"))
	}
	if opts.Pipeline == nil {
		return nil, errs.New("orchestrator", errs.CodeInvalid, errs.WithMessage("ingestion pipeline required"))
	}
	if opts.Registry == nil {
		opts.Registry = metadata.NewRegistry()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	o := new(Orchestrator)
	o.cfg = opts.Config
	o.factory = opts.Factory
	o.pipeline = opts.Pipeline
	o.registry = opts.Registry
	o.requestOpts = opts.Requests
	o.matchTimeout = opts.MatchTimeout
	o.clock = opts.Clock
	o.alloc = allocator.New()
	o.active = make(schema.ActiveSet)
	o.requestMetrics = newRequestMetrics()

	meter := otel.Meter("orchestrator")
	o.reloadCounter, _ = meter.Int64Counter("orchestrator.reload.cycles",
		metric.WithDescription("Reconciliation cycles by result"),
		metric.WithUnit("{cycle}"))
	o.reloadDuration, _ = meter.Float64Histogram("orchestrator.reload.duration",
		metric.WithDescription("Reconciliation cycle duration"),
		metric.WithUnit("ms"))
	o.rejectedCounter, _ = meter.Int64Counter("orchestrator.events.rejected",
		metric.WithDescription("Market data events the pipeline refused"),
		metric.WithUnit("{event}"))
	_, _ = meter.Int64ObservableGauge("orchestrator.instruments.unplaced",
		metric.WithDescription("Active instruments without a session because capacity is exhausted"),
		metric.WithUnit("{instrument}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			o.mu.RLock()
			unplaced := len(o.active) - o.alloc.Placed()
			o.mu.RUnlock()
			observer.Observe(int64(unplaced), metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
			return nil
		}))
	_, _ = meter.Int64ObservableGauge("orchestrator.session.occupancy",
		metric.WithDescription("Subscribed instruments per session"),
		metric.WithUnit("{instrument}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			o.mu.RLock()
			snapshot := o.alloc.Snapshot()
			o.mu.RUnlock()
			for _, s := range snapshot {
				observer.Observe(int64(s.Occupancy),
					metric.WithAttributes(telemetry.SessionAttributes(telemetry.Environment(), s.ID)...))
			}
			return nil
		}))
	return o, nil
}

// Connect opens SessionLimit sessions per connection entry, each with SubscribePerSession capacity.
// Malformed entries are skipped and reported; sessions that fail to start are discarded. The
// returned error aggregates every problem, while the sessions that did start stay registered.
func (o *Orchestrator) Connect(ctx context.Context) error {
	entries, err := o.cfg.LoadConnectionConfig(ctx)
	if err != nil {
		return fmt.Errorf("load connection config: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrShutdown
	}

	var problems []error
	created := make([]*sessionHandle, 0)
	for idx, raw := range entries {
		entry := raw.Normalise(idx)
		if err := entry.Validate(); err != nil {
			problems = append(problems, err)
			continue
		}
		for j := 0; j < entry.SessionLimit; j++ {
			handle, err := o.newSession(entry, j)
			if err != nil {
				problems = append(problems, err)
				continue
			}
			created = append(created, handle)
		}
	}

	p := pool.New().WithErrors().WithContext(ctx)
	failed := make([]atomic.Bool, len(created))
	for i, h := range created {
		i, h := i, h
		p.Go(func(ctx context.Context) error {
			if err := h.session.Connect(ctx); err != nil {
				failed[i].Store(true)
				return errs.New("orchestrator/connect", errs.CodeNetwork,
					errs.WithSession(h.id), errs.WithCause(err))
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		problems = append(problems, err)
	}

	for i, h := range created {
		if failed[i].Load() {
			h.requests.close()
			_ = h.session.Close()
			continue
		}
		if err := o.alloc.AddSession(h.id, h.capacity); err != nil {
			problems = append(problems, err)
			h.requests.close()
			_ = h.session.Close()
			continue
		}
		o.sessions = append(o.sessions, h)
	}

	observability.Log().Info("sessions connected",
		observability.F("connections", len(entries)),
		observability.F("sessions", len(o.sessions)),
		observability.F("capacity", o.alloc.Capacity()))
	return observability.AggregateErrors("orchestrator connect", problems)
}

func (o *Orchestrator) newSession(entry schema.ConnectionConfigEntry, index int) (*sessionHandle, error) {
	h := new(sessionHandle)
	h.id = entry.SessionID(index)
	h.connection = entry.Name
	h.capacity = entry.SubscribePerSession
	h.owner = o
	h.state.Store(string(schema.ConnectionConnecting))
	for _, existing := range o.sessions {
		if existing.id == h.id {
			return nil, errs.New("orchestrator/connect", errs.CodeConfigInvalid,
				errs.WithSession(h.id), errs.WithMessage("duplicate session id"))
		}
	}

	spec := feed.Spec{ID: h.id, Index: index, Capacity: h.capacity, Entry: entry}
	session, err := o.factory.NewSession(spec, h)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", h.id, err)
	}
	h.session = session
	queue, err := newRequestQueue(session, h.capacity, o.requestOpts, o.requestMetrics)
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	h.requests = queue
	return h, nil
}

// OnMarketData stamps the event with its session and submits it to the pipeline.
func (h *sessionHandle) OnMarketData(md *schema.MarketData) {
	if md == nil {
		return
	}
	md.SessionID = h.id
	if md.ReceivedAt.IsZero() {
		md.ReceivedAt = h.owner.clock().UTC()
	}
	if err := h.owner.pipeline.Submit(md); err != nil {
		if h.owner.rejectedCounter != nil {
			h.owner.rejectedCounter.Add(context.Background(), 1,
				metric.WithAttributes(telemetry.SessionAttributes(telemetry.Environment(), h.id)...))
		}
		observability.Log().Debug("market data rejected by pipeline",
			observability.F("session", h.id),
			observability.F("instrument", md.Key().String()),
			observability.F("error", err))
	}
}

// OnStatus tracks the session state and records the trading day reported at login.
func (h *sessionHandle) OnStatus(status schema.ConnectionStatus) {
	h.state.Store(string(status.State))
	observability.Log().Info("session status",
		observability.F("session", h.id),
		observability.F("state", string(status.State)),
		observability.F("trading_day", status.TradingDay),
		observability.F("reason", status.Reason))
	if status.State == schema.ConnectionLoggedIn && status.TradingDay != "" {
		h.owner.recordTradingDay(status.TradingDay)
	}
}

func (o *Orchestrator) recordTradingDay(day string) {
	o.dayMu.Lock()
	defer o.dayMu.Unlock()
	if day == o.tradingDay {
		return
	}
	if err := o.cfg.SaveTradingDay(context.Background(), day); err != nil {
		observability.Log().Error("save trading day failed",
			observability.F("trading_day", day),
			observability.F("error", err))
		return
	}
	o.tradingDay = day
}

// TradingDay returns the last trading day reported by a session.
func (o *Orchestrator) TradingDay() string {
	o.dayMu.Lock()
	defer o.dayMu.Unlock()
	return o.tradingDay
}

// Contains reports whether any session is subscribed to the instrument, searching every session.
func (o *Orchestrator) Contains(instrument, exchange string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, h := range o.sessions {
		if h.session.SubscribedContains(instrument, exchange) {
			return true
		}
	}
	return false
}

// Active returns the active set's records sorted by key.
func (o *Orchestrator) Active() []schema.InstrumentRecord {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.active.Records()
}

// SessionStatus describes one session for operators.
type SessionStatus struct {
	ID              string          `json:"id"`
	Connection      string          `json:"connection"`
	State           string          `json:"state"`
	Capacity        int             `json:"capacity"`
	Occupancy       int             `json:"occupancy"`
	Allocation      allocator.State `json:"allocation"`
	VendorCount     int             `json:"vendor_subscribed"`
	PendingRequests int             `json:"pending_requests"`
}

// Status is a point-in-time operator view.
type Status struct {
	Sessions   []SessionStatus `json:"sessions"`
	Active     int             `json:"active"`
	Placed     int             `json:"placed"`
	Unplaced   int             `json:"unplaced"`
	Capacity   int             `json:"capacity"`
	TradingDay string          `json:"trading_day,omitempty"`
	LastReload *Report         `json:"last_reload,omitempty"`
	Pipeline   ingest.Stats    `json:"pipeline"`
	ShutDown   bool            `json:"shut_down"`
}

// Status reports sessions, placement, and pipeline counters.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	snapshots := o.alloc.Snapshot()
	byID := make(map[string]allocator.SessionSnapshot, len(snapshots))
	for _, s := range snapshots {
		byID[s.ID] = s
	}
	st := Status{
		Sessions: make([]SessionStatus, 0, len(o.sessions)),
		Active:   len(o.active),
		Placed:   o.alloc.Placed(),
		Capacity: o.alloc.Capacity(),
		ShutDown: o.closed,
	}
	st.Unplaced = st.Active - st.Placed
	for _, h := range o.sessions {
		snap := byID[h.id]
		state, _ := h.state.Load().(string)
		st.Sessions = append(st.Sessions, SessionStatus{
			ID:              h.id,
			Connection:      h.connection,
			State:           state,
			Capacity:        snap.Capacity,
			Occupancy:       snap.Occupancy,
			Allocation:      snap.State,
			VendorCount:     h.session.SubscribedCount(),
			PendingRequests: h.requests.pending(),
		})
	}
	if o.last != nil {
		report := *o.last
		st.LastReload = &report
	}
	o.mu.RUnlock()

	st.TradingDay = o.TradingDay()
	st.Pipeline = o.pipeline.Stats()
	return st
}

// TeardownReport describes the outcome of tearing down one connection.
type TeardownReport struct {
	Connection string   `json:"connection"`
	Sessions   []string `json:"sessions"`
	Moved      int      `json:"moved"`
	Unplaced   int      `json:"unplaced"`
}

// Teardown closes every session of the named connection and destroys their descriptors. Active
// instruments they held move to the remaining sessions while capacity lasts; the rest stay
// unplaced until a later reload finds room.
func (o *Orchestrator) Teardown(connection string) (TeardownReport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	report := TeardownReport{Connection: connection}
	if o.closed {
		return report, ErrShutdown
	}

	kept := make([]*sessionHandle, 0, len(o.sessions))
	var torn []*sessionHandle
	for _, h := range o.sessions {
		if h.connection == connection {
			torn = append(torn, h)
			continue
		}
		kept = append(kept, h)
	}
	if len(torn) == 0 {
		return report, errs.New("orchestrator/teardown", errs.CodeNotFound,
			errs.WithField("connection", connection), errs.WithMessage("no sessions for connection"))
	}
	o.sessions = kept

	var (
		problems []error
		orphaned []schema.Key
	)
	for _, h := range torn {
		report.Sessions = append(report.Sessions, h.id)
		h.requests.close()
		if err := h.session.Close(); err != nil {
			problems = append(problems, fmt.Errorf("close session %s: %w", h.id, err))
		}
		orphaned = append(orphaned, o.alloc.RemoveSession(h.id)...)
	}
	schema.SortKeys(orphaned)
	for _, key := range orphaned {
		record, active := o.active[key]
		if !active {
			o.registry.Remove(key)
			continue
		}
		id, err := o.alloc.Assign(key)
		if err == nil && o.enqueue(allocator.Placement{Record: record, Session: id}, requestSubscribe) {
			report.Moved++
			continue
		}
		o.alloc.Release(key)
		o.registry.Remove(key)
		report.Unplaced++
	}

	observability.Log().Info("connection torn down",
		observability.F("connection", connection),
		observability.F("sessions", len(torn)),
		observability.F("moved", report.Moved),
		observability.F("unplaced", report.Unplaced))
	return report, observability.AggregateErrors("orchestrator teardown", problems)
}

// Shutdown refuses further reloads, destroys every session descriptor, closes the sessions with
// their request queues, and then closes the pipeline, which drains or truncates according to its
// close policy.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	handles := o.sessions
	o.sessions = nil
	for _, h := range handles {
		o.alloc.RemoveSession(h.id)
	}
	o.mu.Unlock()

	var problems []error
	for _, h := range handles {
		h.requests.close()
		if err := h.session.Close(); err != nil {
			problems = append(problems, fmt.Errorf("close session %s: %w", h.id, err))
		}
	}
	if err := o.pipeline.Close(ctx); err != nil {
		problems = append(problems, fmt.Errorf("close pipeline: %w", err))
	}
	return observability.AggregateErrors("orchestrator shutdown", problems)
}
