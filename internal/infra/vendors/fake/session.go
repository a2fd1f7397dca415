// Package fake provides a synthetic vendor session that emits random-walk depth snapshots for its
// subscriptions. It backs local runs and end-to-end tests without a market data gateway.
package fake

import (
	"context"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/tickcapture/errs"
	"github.com/coachpo/tickcapture/internal/domain/feed"
	"github.com/coachpo/tickcapture/internal/domain/schema"
)

const (
	defaultInterval     = 500 * time.Millisecond
	defaultLevels       = 5
	defaultVolatility   = 0.0005
	defaultPriceTick    = 0.2
	defaultLevelVolume  = 20
	tradingDayLayout    = "20060102"
	vendorTimeTruncUnit = 500 * time.Millisecond
)

// Options tunes the synthetic market.
type Options struct {
	Interval   time.Duration
	Levels     int
	Volatility float64
	Seed       uint64
	Clock      func() time.Time
}

func (o Options) normalise() Options {
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	if o.Levels <= 0 {
		o.Levels = defaultLevels
	}
	if o.Volatility <= 0 {
		o.Volatility = defaultVolatility
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// NewFactory returns a feed.Factory building synthetic sessions.
func NewFactory(opts Options) feed.Factory {
	return feed.FactoryFunc(func(spec feed.Spec, handler feed.Handler) (feed.Session, error) {
		return NewSession(spec, handler, opts), nil
	})
}

type instrumentState struct {
	lastPrice float64
	volume    int64
	turnover  float64
}

// Session is an in-process vendor session.
type Session struct {
	id       string
	capacity int
	handler  feed.Handler
	opts     Options

	mu        sync.Mutex
	rng       *rand.Rand
	instState map[schema.Key]*instrumentState
	connected bool
	closed    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession builds an unconnected synthetic session.
func NewSession(spec feed.Spec, handler feed.Handler, opts Options) *Session {
	if handler == nil {
		handler = feed.HandlerFuncs{}
	}
	opts = opts.normalise()
	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Session{
		id:        spec.ID,
		capacity:  spec.Capacity,
		handler:   handler,
		opts:      opts,
		rng:       rand.New(rand.NewPCG(seed, uint64(spec.Index)+1)),
		instState: make(map[schema.Key]*instrumentState),
	}
}

// ID implements feed.Session.
func (s *Session) ID() string { return s.id }

// Connect reports a login with the current trading day and starts the generator.
func (s *Session) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errs.New("fake", errs.CodeNetwork, errs.WithSession(s.id), errs.WithCause(err))
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.New("fake", errs.CodeUnavailable, errs.WithSession(s.id), errs.WithMessage("session closed"))
	}
	if s.connected {
		s.mu.Unlock()
		return errs.New("fake", errs.CodeInvalid, errs.WithSession(s.id), errs.WithMessage("already connected"))
	}
	s.connected = true
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	now := s.opts.Clock()
	s.status(schema.ConnectionConnected, "", now)
	s.status(schema.ConnectionLoggedIn, now.Format(tradingDayLayout), now)

	s.wg.Add(1)
	go s.run(runCtx)
	return nil
}

// Subscribe implements feed.Session.
func (s *Session) Subscribe(_ context.Context, instrument, exchange string) error {
	key := schema.NewKey(instrument, exchange)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instState[key]; ok {
		return nil
	}
	if s.capacity > 0 && len(s.instState) >= s.capacity {
		return errs.New("fake", errs.CodeInvalid, errs.WithSession(s.id),
			errs.WithInstrument(key.String()), errs.WithMessage("session capacity reached"))
	}
	s.instState[key] = &instrumentState{lastPrice: basePrice(key.Instrument)}
	return nil
}

// Unsubscribe implements feed.Session.
func (s *Session) Unsubscribe(_ context.Context, instrument, exchange string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instState, schema.NewKey(instrument, exchange))
	return nil
}

// SubscribedCount implements feed.Session.
func (s *Session) SubscribedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instState)
}

// SubscribedContains implements feed.Session.
func (s *Session) SubscribedContains(instrument, exchange string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.instState[schema.NewKey(instrument, exchange)]
	return ok
}

// Close stops the generator and waits for it to exit.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.status(schema.ConnectionDisconnected, "", s.opts.Clock())
	return nil
}

func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, md := range s.Step() {
				s.handler.OnMarketData(md)
			}
		}
	}
}

// Step advances every subscribed instrument by one snapshot and returns the snapshots in key order
// without delivering them.
func (s *Session) Step() []*schema.MarketData {
	now := s.opts.Clock()
	day := now.Format(tradingDayLayout)

	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]schema.Key, 0, len(s.instState))
	for key := range s.instState {
		keys = append(keys, key)
	}
	schema.SortKeys(keys)

	out := make([]*schema.MarketData, 0, len(keys))
	for _, key := range keys {
		st := s.instState[key]
		shock := s.rng.NormFloat64() * s.opts.Volatility
		st.lastPrice = roundToTick(math.Max(defaultPriceTick, st.lastPrice*(1+shock)))
		traded := int64(s.rng.IntN(defaultLevelVolume) + 1)
		st.volume += traded
		st.turnover += float64(traded) * st.lastPrice

		md := &schema.MarketData{
			Instrument:   key.Instrument,
			Exchange:     key.Exchange,
			TradingDay:   day,
			ActionDay:    day,
			UpdateTime:   now.Truncate(vendorTimeTruncUnit),
			LastPrice:    st.lastPrice,
			Volume:       st.volume,
			Turnover:     st.turnover,
			OpenInterest: float64(10000 + st.volume/10),
			Bids:         make([]schema.PriceLevel, 0, s.opts.Levels),
			Asks:         make([]schema.PriceLevel, 0, s.opts.Levels),
		}
		for i := 0; i < s.opts.Levels; i++ {
			offset := float64(i+1) * defaultPriceTick
			md.Bids = append(md.Bids, schema.PriceLevel{
				Price:  roundToTick(st.lastPrice - offset),
				Volume: int64(s.rng.IntN(defaultLevelVolume) + 1),
			})
			md.Asks = append(md.Asks, schema.PriceLevel{
				Price:  roundToTick(st.lastPrice + offset),
				Volume: int64(s.rng.IntN(defaultLevelVolume) + 1),
			})
		}
		out = append(out, md)
	}
	return out
}

func (s *Session) status(state schema.ConnectionState, tradingDay string, at time.Time) {
	s.handler.OnStatus(schema.ConnectionStatus{SessionID: s.id, State: state, TradingDay: tradingDay, At: at.UTC()})
}

func roundToTick(price float64) float64 {
	return math.Round(price/defaultPriceTick) * defaultPriceTick
}

func basePrice(instrument string) float64 {
	upper := strings.ToUpper(strings.TrimSpace(instrument))
	switch {
	case strings.HasPrefix(upper, "IF"), strings.HasPrefix(upper, "IH"):
		return 3500
	case strings.HasPrefix(upper, "IC"), strings.HasPrefix(upper, "IM"):
		return 5500
	case strings.HasPrefix(upper, "RB"):
		return 3700
	case strings.HasPrefix(upper, "AU"):
		return 550
	default:
		return 100
	}
}
