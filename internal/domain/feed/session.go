// Package feed defines the vendor session capability consumed by the orchestrator.
package feed

import (
	"context"

	"github.com/coachpo/tickcapture/internal/domain/schema"
)

// Handler receives asynchronous callbacks from a session. Implementations must be safe for
// concurrent use because sessions deliver on their own goroutines.
type Handler interface {
	OnMarketData(md *schema.MarketData)
	OnStatus(status schema.ConnectionStatus)
}

// Session is one capacity-bounded logical connection to the data vendor.
type Session interface {
	ID() string
	// Connect starts the session. ctx bounds the initial attempt only; implementations keep
	// reconnecting in the background until Close.
	Connect(ctx context.Context) error
	// Subscribe requests market data for an instrument. The vendor acknowledgement is not awaited.
	Subscribe(ctx context.Context, instrument, exchange string) error
	// Unsubscribe cancels a subscription request.
	Unsubscribe(ctx context.Context, instrument, exchange string) error
	SubscribedCount() int
	SubscribedContains(instrument, exchange string) bool
	Close() error
}

// Spec carries what a factory needs to build one session.
type Spec struct {
	ID       string
	Index    int
	Capacity int
	Entry    schema.ConnectionConfigEntry
}

// Factory builds a session for a connection entry.
type Factory interface {
	NewSession(spec Spec, handler Handler) (Session, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(spec Spec, handler Handler) (Session, error)

// NewSession calls f.
func (f FactoryFunc) NewSession(spec Spec, handler Handler) (Session, error) {
	return f(spec, handler)
}

// HandlerFuncs adapts optional callbacks to Handler.
type HandlerFuncs struct {
	MarketData func(md *schema.MarketData)
	Status     func(status schema.ConnectionStatus)
}

// OnMarketData implements Handler.
func (h HandlerFuncs) OnMarketData(md *schema.MarketData) {
	if h.MarketData != nil {
		h.MarketData(md)
	}
}

// OnStatus implements Handler.
func (h HandlerFuncs) OnStatus(status schema.ConnectionStatus) {
	if h.Status != nil {
		h.Status(status)
	}
}
