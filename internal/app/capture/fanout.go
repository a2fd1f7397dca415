package capture

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tickcapture/internal/domain/schema"
	"github.com/coachpo/tickcapture/internal/infra/telemetry"
	"github.com/coachpo/tickcapture/internal/observability"
)

// NamedStore labels a store for logging and metrics.
type NamedStore struct {
	Name  string
	Store TickStore
}

// Fanout writes to a primary store and then to best-effort secondaries. Only a primary failure is
// returned; secondary failures are logged.
type Fanout struct {
	primary     NamedStore
	secondaries []NamedStore

	writes   metric.Int64Counter
	duration metric.Float64Histogram
}

// NewFanout composes stores. Nil secondaries are ignored.
func NewFanout(primary NamedStore, secondaries ...NamedStore) *Fanout {
	f := &Fanout{primary: primary}
	for _, s := range secondaries {
		if s.Store != nil {
			f.secondaries = append(f.secondaries, s)
		}
	}
	meter := otel.Meter("capture.sink")
	f.writes, _ = meter.Int64Counter("capture.sink.writes",
		metric.WithDescription("Tick writes per sink and result"),
		metric.WithUnit("{tick}"))
	f.duration, _ = meter.Float64Histogram("capture.sink.write.duration",
		metric.WithDescription("Tick write latency per sink"),
		metric.WithUnit("ms"))
	return f
}

// WriteTick implements TickStore.
func (f *Fanout) WriteTick(ctx context.Context, tick schema.Tick) error {
	if err := f.write(ctx, f.primary, tick); err != nil {
		return err
	}
	for _, s := range f.secondaries {
		if err := f.write(ctx, s, tick); err != nil {
			observability.Log().Warn("secondary tick store write failed",
				observability.F("store", s.Name),
				observability.F("instrument", tick.Key().String()),
				observability.F("error", err))
		}
	}
	return nil
}

func (f *Fanout) write(ctx context.Context, s NamedStore, tick schema.Tick) error {
	start := time.Now()
	err := s.Store.WriteTick(ctx, tick)
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultError
	}
	attrs := metric.WithAttributes(telemetry.SinkAttributes(telemetry.Environment(), s.Name, result)...)
	if f.writes != nil {
		f.writes.Add(ctx, 1, attrs)
	}
	if f.duration != nil {
		f.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	}
	return err
}
