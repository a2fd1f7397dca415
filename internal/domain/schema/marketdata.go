package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is a single depth level.
type PriceLevel struct {
	Price  float64 `json:"price"`
	Volume int64   `json:"volume"`
}

// MarketData is a depth snapshot delivered by a vendor session.
type MarketData struct {
	SessionID    string       `json:"session_id"`
	Symbol       string       `json:"symbol"`
	Instrument   string       `json:"instrument"`
	Exchange     string       `json:"exchange"`
	TradingDay   string       `json:"trading_day"`
	ActionDay    string       `json:"action_day"`
	UpdateTime   time.Time    `json:"update_time"`
	LastPrice    float64      `json:"last_price"`
	Volume       int64        `json:"volume"`
	Turnover     float64      `json:"turnover"`
	OpenInterest float64      `json:"open_interest"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	ReceivedAt   time.Time    `json:"received_at"`
}

// Key returns the instrument key the event belongs to.
func (m *MarketData) Key() Key {
	return NewKey(m.Instrument, m.Exchange)
}

// Tick is a market data event enriched with the instrument metadata registered at write time.
type Tick struct {
	MarketData
	TickSize   decimal.Decimal `json:"tick_size"`
	Factor     decimal.Decimal `json:"factor"`
	TimeOffset int             `json:"time_offset"`
}

// NewTick merges an event with its instrument metadata.
func NewTick(md *MarketData, meta InstrumentRecord) Tick {
	tick := Tick{
		MarketData: *md,
		TickSize:   meta.TickSize,
		Factor:     meta.Factor,
		TimeOffset: meta.TimeOffset,
	}
	if tick.Symbol == "" {
		tick.Symbol = meta.MatchSymbol()
	}
	tick.Bids = append([]PriceLevel(nil), md.Bids...)
	tick.Asks = append([]PriceLevel(nil), md.Asks...)
	return tick
}

// ConnectionState enumerates vendor session connection states.
type ConnectionState string

const (
	// ConnectionConnecting is reported while dialling.
	ConnectionConnecting ConnectionState = "connecting"
	// ConnectionConnected is reported once the transport is up.
	ConnectionConnected ConnectionState = "connected"
	// ConnectionLoggedIn is reported after a successful login handshake.
	ConnectionLoggedIn ConnectionState = "logged_in"
	// ConnectionDisconnected is reported when the transport drops.
	ConnectionDisconnected ConnectionState = "disconnected"
)

// ConnectionStatus is a session state change notification.
type ConnectionStatus struct {
	SessionID  string          `json:"session_id"`
	State      ConnectionState `json:"state"`
	TradingDay string          `json:"trading_day,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	At         time.Time       `json:"at"`
}
