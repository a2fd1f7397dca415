// Package capture enriches market data with instrument metadata and hands the resulting ticks to
// the configured stores.
package capture

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tickcapture/errs"
	"github.com/coachpo/tickcapture/internal/app/metadata"
	"github.com/coachpo/tickcapture/internal/domain/schema"
	"github.com/coachpo/tickcapture/internal/infra/telemetry"
	"github.com/coachpo/tickcapture/internal/observability"
)

// TickStore persists enriched ticks.
type TickStore interface {
	WriteTick(ctx context.Context, tick schema.Tick) error
}

// Writer is the pipeline sink. It is called by a single goroutine.
type Writer struct {
	registry *metadata.Registry
	store    TickStore

	unknown        atomic.Uint64
	unknownCounter metric.Int64Counter
}

// NewWriter constructs a writer over the registry and store.
func NewWriter(registry *metadata.Registry, store TickStore) *Writer {
	w := new(Writer)
	w.registry = registry
	w.store = store
	meter := otel.Meter("capture")
	w.unknownCounter, _ = meter.Int64Counter("capture.ticks.unregistered",
		metric.WithDescription("Ticks dropped because the instrument had no registered metadata"),
		metric.WithUnit("{tick}"))
	return w
}

// Write enriches md and stores it. Events for instruments without registered metadata are dropped
// and counted rather than reported as failures.
func (w *Writer) Write(ctx context.Context, md *schema.MarketData) error {
	meta, ok := w.registry.Lookup(md.Instrument, md.Exchange)
	if !ok {
		w.unknown.Add(1)
		if w.unknownCounter != nil {
			w.unknownCounter.Add(ctx, 1, metric.WithAttributes(
				telemetry.AttrEnvironment.String(telemetry.Environment()),
				telemetry.AttrExchange.String(md.Exchange)))
		}
		observability.Log().Debug("tick for unregistered instrument dropped",
			observability.F("instrument", md.Key().String()),
			observability.F("session", md.SessionID))
		return nil
	}
	if md.Exchange == "" {
		md.Exchange = meta.Exchange
	}
	tick := schema.NewTick(md, meta)
	if err := w.store.WriteTick(ctx, tick); err != nil {
		return errs.New("capture/write", errs.CodeSinkWrite,
			errs.WithInstrument(md.Key().String()),
			errs.WithSession(md.SessionID),
			errs.WithCause(err))
	}
	return nil
}

// Unregistered returns the number of dropped ticks for unknown instruments.
func (w *Writer) Unregistered() uint64 {
	return w.unknown.Load()
}
