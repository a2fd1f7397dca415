package wsfeed

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tickcapture/internal/domain/schema"
)

const (
	methodLogin       = "LOGIN"
	methodSubscribe   = "SUBSCRIBE"
	methodUnsubscribe = "UNSUBSCRIBE"

	frameDepth  = "depth"
	frameStatus = "status"
)

type instrumentRef struct {
	Instrument string `json:"instrument"`
	Exchange   string `json:"exchange,omitempty"`
}

type loginParams struct {
	BrokerID string `json:"broker_id"`
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type controlRequest struct {
	Method      string          `json:"method"`
	Instruments []instrumentRef `json:"instruments,omitempty"`
	Login       *loginParams    `json:"login,omitempty"`
	ID          uint64          `json:"id"`
}

type controlError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type loginResult struct {
	TradingDay string `json:"trading_day"`
}

// inbound covers both control responses (ID set) and pushed frames (Type set).
type inbound struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *controlError   `json:"error,omitempty"`
	Type   string          `json:"type,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type depthFrame struct {
	Symbol       string       `json:"symbol"`
	Instrument   string       `json:"instrument"`
	Exchange     string       `json:"exchange"`
	TradingDay   string       `json:"trading_day"`
	ActionDay    string       `json:"action_day"`
	UpdateTime   string       `json:"update_time"`
	UpdateMillis int          `json:"update_millis"`
	LastPrice    float64      `json:"last_price"`
	Volume       int64        `json:"volume"`
	Turnover     float64      `json:"turnover"`
	OpenInterest float64      `json:"open_interest"`
	Bids         [][2]float64 `json:"bids"`
	Asks         [][2]float64 `json:"asks"`
}

type statusFrame struct {
	State      string `json:"state"`
	TradingDay string `json:"trading_day"`
	Reason     string `json:"reason"`
}

// vendorTimeLayout is the action day plus update time the vendor stamps on depth frames.
const vendorTimeLayout = "20060102 15:04:05"

func (f depthFrame) marketData(loc *time.Location) *schema.MarketData {
	md := &schema.MarketData{
		Symbol:       f.Symbol,
		Instrument:   f.Instrument,
		Exchange:     f.Exchange,
		TradingDay:   f.TradingDay,
		ActionDay:    f.ActionDay,
		LastPrice:    f.LastPrice,
		Volume:       f.Volume,
		Turnover:     f.Turnover,
		OpenInterest: f.OpenInterest,
		Bids:         levels(f.Bids),
		Asks:         levels(f.Asks),
	}
	day := f.ActionDay
	if day == "" {
		day = f.TradingDay
	}
	if day != "" && f.UpdateTime != "" {
		if ts, err := time.ParseInLocation(vendorTimeLayout, day+" "+f.UpdateTime, loc); err == nil {
			md.UpdateTime = ts.Add(time.Duration(f.UpdateMillis) * time.Millisecond)
		}
	}
	return md
}

func levels(raw [][2]float64) []schema.PriceLevel {
	if len(raw) == 0 {
		return nil
	}
	out := make([]schema.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		out = append(out, schema.PriceLevel{Price: lvl[0], Volume: int64(lvl[1])})
	}
	return out
}
