package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/tickcapture/errs"
	"github.com/coachpo/tickcapture/internal/domain/feed"
	"github.com/coachpo/tickcapture/internal/domain/schema"
	"github.com/coachpo/tickcapture/internal/infra/telemetry"
	"github.com/coachpo/tickcapture/internal/observability"
	"github.com/coachpo/tickcapture/lib/async"
)

type requestKind string

const (
	requestSubscribe   requestKind = "subscribe"
	requestUnsubscribe requestKind = "unsubscribe"
)

// RequestOptions tunes the per-session vendor request queue.
type RequestOptions struct {
	// RatePerSecond paces requests per session; zero disables pacing.
	RatePerSecond float64
	Burst         int
	// MaxAttempts bounds tries per request, including the first.
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// QueueSize bounds queued requests per session; it is raised to twice the session capacity.
	QueueSize int
}

func (o RequestOptions) normalise(capacity int) RequestOptions {
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if floor := capacity * 2; o.QueueSize < floor {
		o.QueueSize = floor
	}
	return o
}

type requestMetrics struct {
	retries  metric.Int64Counter
	failures metric.Int64Counter
	sent     metric.Int64Counter
}

func newRequestMetrics() *requestMetrics {
	m := new(requestMetrics)
	meter := otel.Meter("orchestrator.requests")
	m.sent, _ = meter.Int64Counter("orchestrator.vendor.requests",
		metric.WithDescription("Vendor subscribe/unsubscribe requests sent"),
		metric.WithUnit("{request}"))
	m.retries, _ = meter.Int64Counter("orchestrator.vendor.retries",
		metric.WithDescription("Vendor request retries"),
		metric.WithUnit("{request}"))
	m.failures, _ = meter.Int64Counter("orchestrator.vendor.failures",
		metric.WithDescription("Vendor requests abandoned after retries"),
		metric.WithUnit("{request}"))
	return m
}

// staleRequest is an unsubscribe that never reached the vendor, stamped with the sequence number
// of the attempt that gave up.
type staleRequest struct {
	record schema.InstrumentRecord
	seq    uint64
}

// requestQueue sends one session's vendor requests in order on a single worker. It remembers
// which keys still have requests in flight and which unsubscribes were lost, so reload cycles can
// reconcile the vendor's view with the allocator's.
type requestQueue struct {
	sessionID string
	session   feed.Session
	pool      *async.Pool
	limiter   *rate.Limiter
	opts      RequestOptions
	metrics   *requestMetrics

	mu          sync.Mutex
	seq         uint64
	outstanding map[schema.Key]int
	stale       map[schema.Key]staleRequest
}

func newRequestQueue(session feed.Session, capacity int, opts RequestOptions, metrics *requestMetrics) (*requestQueue, error) {
	opts = opts.normalise(capacity)
	q := new(requestQueue)
	q.sessionID = session.ID()
	q.session = session
	q.opts = opts
	q.metrics = metrics
	q.outstanding = make(map[schema.Key]int)
	q.stale = make(map[schema.Key]staleRequest)
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	q.limiter = rate.NewLimiter(limit, opts.Burst)
	pool, err := async.NewPool(1, opts.QueueSize, async.WithErrorHandler(q.reportFailure))
	if err != nil {
		return nil, fmt.Errorf("request queue %s: %w", q.sessionID, err)
	}
	q.pool = pool
	return q, nil
}

// enqueue schedules a request without waiting for it. An unsubscribe that cannot be queued is
// remembered as stale.
func (q *requestQueue) enqueue(kind requestKind, record schema.InstrumentRecord) error {
	key := record.Key()
	q.mu.Lock()
	q.seq++
	seq := q.seq
	q.outstanding[key]++
	q.mu.Unlock()

	err := q.pool.Submit(context.Background(), func(ctx context.Context) (err error) {
		defer func() { q.settle(kind, record, seq, err) }()
		return q.execute(ctx, kind, record)
	})
	if err != nil {
		q.settle(kind, record, seq, err)
		return errs.New("orchestrator/request", errs.CodeVendorRequest,
			errs.WithSession(q.sessionID),
			errs.WithInstrument(record.Key().String()),
			errs.WithField("request", string(kind)),
			errs.WithMessage("request not queued"),
			errs.WithCause(err))
	}
	return nil
}

func (q *requestQueue) execute(ctx context.Context, kind requestKind, record schema.InstrumentRecord) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = q.opts.InitialBackoff
	exp.MaxInterval = q.opts.MaxBackoff
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrSession.String(q.sessionID),
		telemetry.AttrOperation.String(string(kind)))

	operation := func() (struct{}, error) {
		if err := q.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		var err error
		switch kind {
		case requestSubscribe:
			err = q.session.Subscribe(ctx, record.Instrument, record.Exchange)
		case requestUnsubscribe:
			err = q.session.Unsubscribe(ctx, record.Instrument, record.Exchange)
		}
		if q.metrics.sent != nil {
			q.metrics.sent.Add(ctx, 1, attrs)
		}
		if errs.HasCode(err, errs.CodeInvalid) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	notify := func(err error, next time.Duration) {
		if q.metrics.retries != nil {
			q.metrics.retries.Add(ctx, 1, attrs)
		}
		observability.Log().Debug("vendor request retry",
			observability.F("session", q.sessionID),
			observability.F("request", string(kind)),
			observability.F("instrument", record.Key().String()),
			observability.F("backoff", next.String()),
			observability.F("error", err))
	}
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(q.opts.MaxAttempts),
		backoff.WithNotify(notify))
	if err != nil {
		if q.metrics.failures != nil {
			q.metrics.failures.Add(context.Background(), 1, attrs)
		}
		return errs.New("orchestrator/request", errs.CodeVendorRequest,
			errs.WithSession(q.sessionID),
			errs.WithInstrument(record.Key().String()),
			errs.WithField("request", string(kind)),
			errs.WithCause(err))
	}
	return nil
}

// settle records the outcome of the request numbered seq. A success clears any stale mark set by
// an earlier attempt; a failed unsubscribe leaves the vendor holding the key.
func (q *requestQueue) settle(kind requestKind, record schema.InstrumentRecord, seq uint64, err error) {
	key := record.Key()
	q.mu.Lock()
	defer q.mu.Unlock()
	if n := q.outstanding[key] - 1; n > 0 {
		q.outstanding[key] = n
	} else {
		delete(q.outstanding, key)
	}
	prev, marked := q.stale[key]
	switch {
	case err == nil:
		if marked && prev.seq < seq {
			delete(q.stale, key)
		}
	case kind == requestUnsubscribe:
		if !marked || prev.seq < seq {
			q.stale[key] = staleRequest{record: record, seq: seq}
		}
	}
}

// inFlight reports whether a request for the key is queued or running.
func (q *requestQueue) inFlight(key schema.Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding[key] > 0
}

// staleRequests returns lost unsubscribes in key order.
func (q *requestQueue) staleRequests() []staleRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]staleRequest, 0, len(q.stale))
	for _, st := range q.stale {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].record.Key().Less(out[j].record.Key()) })
	return out
}

// forget drops a stale mark unless a later attempt replaced it.
func (q *requestQueue) forget(key schema.Key, seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.stale[key]; ok && st.seq == seq {
		delete(q.stale, key)
	}
}

func (q *requestQueue) reportFailure(err error) {
	observability.Log().Warn("vendor request failed", observability.F("error", err))
}

func (q *requestQueue) pending() int {
	return q.pool.Pending()
}

func (q *requestQueue) close() {
	q.pool.Close()
}
