// Package ingest serialises market data from concurrent producers into a single ordered writer.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tickcapture/errs"
	"github.com/coachpo/tickcapture/internal/domain/schema"
	"github.com/coachpo/tickcapture/internal/infra/telemetry"
	"github.com/coachpo/tickcapture/internal/observability"
)

// Sink receives events one at a time from the pipeline worker.
type Sink interface {
	Write(ctx context.Context, md *schema.MarketData) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, md *schema.MarketData) error

// Write calls f.
func (f SinkFunc) Write(ctx context.Context, md *schema.MarketData) error { return f(ctx, md) }

// OverflowPolicy decides what Submit does when a bounded queue is full.
type OverflowPolicy string

const (
	// OverflowBlock waits for space.
	OverflowBlock OverflowPolicy = "block"
	// OverflowDropOldest evicts the oldest queued event.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowFail rejects the new event.
	OverflowFail OverflowPolicy = "fail"
)

// ClosePolicy decides what happens to queued events on Close.
type ClosePolicy string

const (
	// CloseDrain writes every queued event before the worker exits.
	CloseDrain ClosePolicy = "drain"
	// CloseTruncate discards queued events; the in-flight write still completes.
	CloseTruncate ClosePolicy = "truncate"
)

var (
	// ErrClosed is returned by Submit after the pipeline stops accepting events.
	ErrClosed = errs.New("ingest/submit", errs.CodeUnavailable, errs.WithMessage("pipeline closed"))
	// ErrQueueFull is returned by Submit under OverflowFail when the queue is at capacity.
	ErrQueueFull = errs.New("ingest/submit", errs.CodeCapacityExhausted, errs.WithMessage("queue full"))
)

// Options configures a pipeline.
type Options struct {
	// QueueSize bounds the queue; zero or less means unbounded.
	QueueSize int
	Overflow  OverflowPolicy
	OnClose   ClosePolicy
	// MaxConsecutiveFailures escalates on the fatal channel once reached; zero disables escalation.
	MaxConsecutiveFailures int
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Written   uint64 `json:"written"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Depth     int    `json:"depth"`
}

// Pipeline is a FIFO queue drained by exactly one worker goroutine.
type Pipeline struct {
	sink Sink
	opts Options

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	queue    []*schema.MarketData
	closed   bool
	started  bool

	done      chan struct{}
	fatal     chan error
	fatalOnce sync.Once

	submitted   atomic.Uint64
	written     atomic.Uint64
	failed      atomic.Uint64
	dropped     atomic.Uint64
	consecutive int

	submittedCounter metric.Int64Counter
	writtenCounter   metric.Int64Counter
	failedCounter    metric.Int64Counter
	droppedCounter   metric.Int64Counter
	writeDuration    metric.Float64Histogram
}

// New constructs a pipeline writing to sink.
func New(sink Sink, opts Options) (*Pipeline, error) {
	if sink == nil {
		return nil, errs.New("ingest/pipeline", errs.CodeInvalid, errs.WithMessage("sink required"))
	}
	opts.Overflow = OverflowPolicy(strings.ToLower(strings.TrimSpace(string(opts.Overflow))))
	switch opts.Overflow {
	case "":
		opts.Overflow = OverflowBlock
	case OverflowBlock, OverflowDropOldest, OverflowFail:
	default:
		return nil, errs.New("ingest/pipeline", errs.CodeConfigInvalid,
			errs.WithMessage(fmt.Sprintf("unknown overflow policy %q", opts.Overflow)))
	}
	opts.OnClose = ClosePolicy(strings.ToLower(strings.TrimSpace(string(opts.OnClose))))
	switch opts.OnClose {
	case "":
		opts.OnClose = CloseDrain
	case CloseDrain, CloseTruncate:
	default:
		return nil, errs.New("ingest/pipeline", errs.CodeConfigInvalid,
			errs.WithMessage(fmt.Sprintf("unknown close policy %q", opts.OnClose)))
	}
	if opts.MaxConsecutiveFailures < 0 {
		opts.MaxConsecutiveFailures = 0
	}

	p := new(Pipeline)
	p.sink = sink
	p.opts = opts
	p.notEmpty = sync.NewCond(&p.mu)
	p.notFull = sync.NewCond(&p.mu)
	p.done = make(chan struct{})
	p.fatal = make(chan error, 1)

	meter := otel.Meter("ingest")
	p.submittedCounter, _ = meter.Int64Counter("ingest.events.submitted",
		metric.WithDescription("Events accepted into the ingestion queue"),
		metric.WithUnit("{event}"))
	p.writtenCounter, _ = meter.Int64Counter("ingest.events.written",
		metric.WithDescription("Events written to the sink"),
		metric.WithUnit("{event}"))
	p.failedCounter, _ = meter.Int64Counter("ingest.events.failed",
		metric.WithDescription("Sink write failures"),
		metric.WithUnit("{event}"))
	p.droppedCounter, _ = meter.Int64Counter("ingest.events.dropped",
		metric.WithDescription("Events discarded by overflow or truncation"),
		metric.WithUnit("{event}"))
	p.writeDuration, _ = meter.Float64Histogram("ingest.write.duration",
		metric.WithDescription("Sink write duration"),
		metric.WithUnit("ms"))
	_, _ = meter.Int64ObservableGauge("ingest.queue.depth",
		metric.WithDescription("Events waiting for the writer"),
		metric.WithUnit("{event}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(p.Depth()), metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
			return nil
		}))
	return p, nil
}

// Start launches the writer. Writes run detached from ctx cancellation so an in-flight write is
// never aborted; cancelling ctx closes the pipeline using the configured close policy.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	writeCtx := context.WithoutCancel(ctx)
	go p.run(writeCtx)
	go func() {
		select {
		case <-ctx.Done():
			p.stop()
		case <-p.done:
		}
	}()
}

// Submit enqueues an event. It never waits on the sink; under OverflowBlock it may wait for queue
// space.
func (p *Pipeline) Submit(md *schema.MarketData) error {
	if md == nil {
		return errs.New("ingest/submit", errs.CodeInvalid, errs.WithMessage("nil event"))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if limit := p.opts.QueueSize; limit > 0 {
		for len(p.queue) >= limit {
			switch p.opts.Overflow {
			case OverflowFail:
				p.recordDrop("overflow_fail", 1)
				return ErrQueueFull
			case OverflowDropOldest:
				p.queue[0] = nil
				p.queue = p.queue[1:]
				p.recordDrop("overflow_drop_oldest", 1)
			default:
				p.notFull.Wait()
				if p.closed {
					return ErrClosed
				}
			}
		}
	}
	p.queue = append(p.queue, md)
	p.submitted.Add(1)
	if p.submittedCounter != nil {
		p.submittedCounter.Add(context.Background(), 1)
	}
	p.notEmpty.Signal()
	return nil
}

// Close stops accepting events, drains or truncates the queue, and waits for the writer to exit
// or ctx to expire.
func (p *Pipeline) Close(ctx context.Context) error {
	p.stop()
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ingest close: %w", ctx.Err())
	}
}

// Fatal delivers a single error once consecutive sink failures reach the configured limit.
func (p *Pipeline) Fatal() <-chan error {
	return p.fatal
}

// Depth returns the number of queued events.
func (p *Pipeline) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stats returns a counter snapshot.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Written:   p.written.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Depth:     p.Depth(),
	}
}

func (p *Pipeline) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.opts.OnClose == CloseTruncate && len(p.queue) > 0 {
		p.recordDrop("truncate", len(p.queue))
		p.queue = nil
	}
	p.notEmpty.Broadcast()
	p.notFull.Broadcast()
}

func (p *Pipeline) next() (*schema.MarketData, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.notEmpty.Wait()
	}
	if len(p.queue) == 0 {
		return nil, false
	}
	md := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	p.notFull.Signal()
	return md, true
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)
	for {
		md, ok := p.next()
		if !ok {
			return
		}
		p.write(ctx, md)
	}
}

func (p *Pipeline) write(ctx context.Context, md *schema.MarketData) {
	start := time.Now()
	err := p.sink.Write(ctx, md)
	if p.writeDuration != nil {
		p.writeDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0)
	}
	if err == nil {
		p.consecutive = 0
		p.written.Add(1)
		if p.writtenCounter != nil {
			p.writtenCounter.Add(ctx, 1)
		}
		return
	}

	p.consecutive++
	p.failed.Add(1)
	if p.failedCounter != nil {
		p.failedCounter.Add(ctx, 1)
	}
	observability.Log().Warn("sink write failed; event skipped",
		observability.F("instrument", md.Key().String()),
		observability.F("session", md.SessionID),
		observability.F("consecutive", p.consecutive),
		observability.F("error", err))

	if limit := p.opts.MaxConsecutiveFailures; limit > 0 && p.consecutive >= limit {
		p.fatalOnce.Do(func() {
			p.fatal <- errs.New("ingest/pipeline", errs.CodeSinkWrite,
				errs.WithMessage(fmt.Sprintf("%d consecutive sink write failures", p.consecutive)),
				errs.WithCause(err))
		})
	}
}

// recordDrop must be called with p.mu held.
func (p *Pipeline) recordDrop(reason string, n int) {
	p.dropped.Add(uint64(n))
	if p.droppedCounter != nil {
		p.droppedCounter.Add(context.Background(), int64(n),
			metric.WithAttributes(telemetry.AttrReason.String(reason)))
	}
}
