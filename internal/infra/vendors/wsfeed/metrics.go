package wsfeed

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tickcapture/internal/infra/telemetry"
)

type sessionMetrics struct {
	sessionID string

	reconnects metric.Int64Counter
	messages   metric.Int64Counter
	bytes      metric.Int64Counter
	control    metric.Int64Counter
	rejected   metric.Int64Counter
}

func newSessionMetrics(sessionID string) *sessionMetrics {
	meter := otel.Meter("vendor.wsfeed")
	m := &sessionMetrics{sessionID: sessionID}
	m.reconnects, _ = meter.Int64Counter("wsfeed.connects",
		metric.WithDescription("Websocket dial and login attempts by result"),
		metric.WithUnit("{attempt}"))
	m.messages, _ = meter.Int64Counter("wsfeed.messages",
		metric.WithDescription("Depth frames received"),
		metric.WithUnit("{message}"))
	m.bytes, _ = meter.Int64Counter("wsfeed.bytes",
		metric.WithDescription("Bytes received on depth frames"),
		metric.WithUnit("By"))
	m.control, _ = meter.Int64Counter("wsfeed.control.requests",
		metric.WithDescription("Control requests written by method"),
		metric.WithUnit("{request}"))
	m.rejected, _ = meter.Int64Counter("wsfeed.control.rejected",
		metric.WithDescription("Control requests rejected by the vendor"),
		metric.WithUnit("{request}"))
	return m
}

func (m *sessionMetrics) attrs(extra ...attribute.KeyValue) metric.MeasurementOption {
	base := telemetry.SessionAttributes(telemetry.Environment(), m.sessionID)
	return metric.WithAttributes(append(base, extra...)...)
}

func (m *sessionMetrics) recordConnect(ctx context.Context, result string) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(ctx, 1, m.attrs(telemetry.AttrResult.String(result)))
}

func (m *sessionMetrics) recordMessage(ctx context.Context, size int) {
	if m == nil {
		return
	}
	if m.messages != nil {
		m.messages.Add(ctx, 1, m.attrs())
	}
	if m.bytes != nil {
		m.bytes.Add(ctx, int64(size), m.attrs())
	}
}

func (m *sessionMetrics) recordControl(ctx context.Context, method string) {
	if m == nil || m.control == nil {
		return
	}
	m.control.Add(ctx, 1, m.attrs(telemetry.AttrOperation.String(method)))
}

func (m *sessionMetrics) recordRejected(ctx context.Context, method string) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Add(ctx, 1, m.attrs(telemetry.AttrOperation.String(method)))
}
