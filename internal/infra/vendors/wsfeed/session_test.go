package wsfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tickcapture/errs"
	"github.com/coachpo/tickcapture/internal/domain/feed"
	"github.com/coachpo/tickcapture/internal/domain/schema"
)

type gateway struct {
	t *testing.T

	mu              sync.Mutex
	conn            *websocket.Conn
	logins          int
	rejectLogin     bool
	rejectSubscribe map[string]bool

	requests chan controlRequest
}

func newGateway(t *testing.T) (*gateway, *httptest.Server) {
	g := &gateway{t: t, requests: make(chan controlRequest, 64), rejectSubscribe: make(map[string]bool)}
	srv := httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(srv.Close)
	return g, srv
}

func (g *gateway) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req controlRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		g.requests <- req
		g.mu.Lock()
		var reply map[string]any
		switch req.Method {
		case methodLogin:
			g.logins++
			if g.rejectLogin {
				reply = map[string]any{"id": req.ID, "error": map[string]any{"code": 3, "msg": "bad password"}}
			} else {
				reply = map[string]any{"id": req.ID, "result": map[string]any{"trading_day": "20240614"}}
			}
		case methodSubscribe:
			if len(req.Instruments) > 0 && g.rejectSubscribe[req.Instruments[0].Instrument] {
				reply = map[string]any{"id": req.ID, "error": map[string]any{"code": 16, "msg": "unknown instrument"}}
			} else {
				reply = map[string]any{"id": req.ID, "result": nil}
			}
		default:
			reply = map[string]any{"id": req.ID, "result": nil}
		}
		g.mu.Unlock()
		payload, _ := json.Marshal(reply)
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			return
		}
	}
}

func (g *gateway) push(frame map[string]any) {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	require.NotNil(g.t, conn)
	payload, err := json.Marshal(frame)
	require.NoError(g.t, err)
	require.NoError(g.t, conn.Write(context.Background(), websocket.MessageText, payload))
}

func (g *gateway) drop() {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, "restart")
}

func (g *gateway) next(t *testing.T, method string) controlRequest {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case req := <-g.requests:
			if req.Method == method {
				return req
			}
		case <-deadline:
			t.Fatalf("no %s request received", method)
			return controlRequest{}
		}
	}
}

type recorder struct {
	mu       sync.Mutex
	data     []*schema.MarketData
	statuses []schema.ConnectionStatus
}

func (r *recorder) OnMarketData(md *schema.MarketData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, md)
}

func (r *recorder) OnStatus(st schema.ConnectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, st)
}

func (r *recorder) marketData() []*schema.MarketData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*schema.MarketData(nil), r.data...)
}

func (r *recorder) states() []schema.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.ConnectionState, 0, len(r.statuses))
	for _, st := range r.statuses {
		out = append(out, st.State)
	}
	return out
}

func newTestSession(t *testing.T, srv *httptest.Server, capacity int, handler feed.Handler) *Session {
	t.Helper()
	spec := feed.Spec{
		ID:       "primary#0",
		Capacity: capacity,
		Entry: schema.ConnectionConfigEntry{
			Name:     "primary",
			Adapter:  schema.AdapterWebsocket,
			Address:  "ws" + strings.TrimPrefix(srv.URL, "http"),
			BrokerID: "9999",
			UserID:   "capture",
			Password: "secret",
		},
	}
	s, err := NewSession(spec, handler, Options{
		Location:             time.UTC,
		ControlInterval:      -1,
		MaxReconnectInterval: 50 * time.Millisecond,
		LoginTimeout:         time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionLoginSubscribeAndDepth(t *testing.T) {
	g, srv := newGateway(t)
	rec := &recorder{}
	s := newTestSession(t, srv, 10, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))

	login := g.next(t, methodLogin)
	require.NotNil(t, login.Login)
	require.Equal(t, "capture", login.Login.UserID)

	require.Contains(t, rec.states(), schema.ConnectionLoggedIn)
	rec.mu.Lock()
	var day string
	for _, st := range rec.statuses {
		if st.State == schema.ConnectionLoggedIn {
			day = st.TradingDay
		}
	}
	rec.mu.Unlock()
	require.Equal(t, "20240614", day)

	require.NoError(t, s.Subscribe(ctx, "IF2406", "CFFEX"))
	sub := g.next(t, methodSubscribe)
	require.Equal(t, []instrumentRef{{Instrument: "IF2406", Exchange: "CFFEX"}}, sub.Instruments)
	require.True(t, s.SubscribedContains("IF2406", "CFFEX"))
	require.Equal(t, 1, s.SubscribedCount())

	g.push(map[string]any{"type": "depth", "data": map[string]any{
		"instrument": "IF2406", "exchange": "CFFEX", "trading_day": "20240614", "action_day": "20240614",
		"update_time": "09:30:01", "update_millis": 500, "last_price": 3550.2, "volume": 12,
		"bids": [][2]float64{{3550.0, 3}}, "asks": [][2]float64{{3550.4, 5}},
	}})
	require.Eventually(t, func() bool { return len(rec.marketData()) == 1 }, 3*time.Second, 5*time.Millisecond)
	md := rec.marketData()[0]
	require.Equal(t, "IF2406", md.Instrument)
	require.Equal(t, 3550.2, md.LastPrice)
	require.Equal(t, time.Date(2024, 6, 14, 9, 30, 1, 500*int(time.Millisecond), time.UTC), md.UpdateTime)
	require.Equal(t, []schema.PriceLevel{{Price: 3550.0, Volume: 3}}, md.Bids)

	require.NoError(t, s.Unsubscribe(ctx, "IF2406", "CFFEX"))
	unsub := g.next(t, methodUnsubscribe)
	require.Equal(t, "IF2406", unsub.Instruments[0].Instrument)
	require.Zero(t, s.SubscribedCount())
}

func TestSessionReplaysSubscriptionsAfterReconnect(t *testing.T) {
	g, srv := newGateway(t)
	rec := &recorder{}
	s := newTestSession(t, srv, 10, rec)
	ctx := context.Background()

	connectCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(connectCtx))
	g.next(t, methodLogin)
	require.NoError(t, s.Subscribe(ctx, "rb2410", "SHFE"))
	require.NoError(t, s.Subscribe(ctx, "IF2406", "CFFEX"))
	g.next(t, methodSubscribe)
	g.next(t, methodSubscribe)

	g.drop()
	g.next(t, methodLogin)
	replay := g.next(t, methodSubscribe)
	require.Equal(t, []instrumentRef{
		{Instrument: "IF2406", Exchange: "CFFEX"},
		{Instrument: "rb2410", Exchange: "SHFE"},
	}, replay.Instruments)
	require.Contains(t, rec.states(), schema.ConnectionDisconnected)
	require.Equal(t, 2, s.SubscribedCount())
}

func TestSessionDropsRejectedSubscription(t *testing.T) {
	g, srv := newGateway(t)
	g.rejectSubscribe["XX9999"] = true
	s := newTestSession(t, srv, 10, &recorder{})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))

	require.NoError(t, s.Subscribe(ctx, "XX9999", "SHFE"))
	require.Eventually(t, func() bool { return !s.SubscribedContains("XX9999", "SHFE") }, 3*time.Second, 5*time.Millisecond)
}

func TestSessionLoginRejectedFailsConnect(t *testing.T) {
	g, srv := newGateway(t)
	g.rejectLogin = true
	s := newTestSession(t, srv, 10, &recorder{})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := s.Connect(ctx)
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeNetwork))
	require.NoError(t, s.Close())
}

func TestSessionEnforcesCapacity(t *testing.T) {
	_, srv := newGateway(t)
	s := newTestSession(t, srv, 1, &recorder{})
	ctx := context.Background()

	// Deferred until login while disconnected.
	require.NoError(t, s.Subscribe(ctx, "A", "X"))
	require.NoError(t, s.Subscribe(ctx, "A", "X"))
	err := s.Subscribe(ctx, "B", "Y")
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
	require.Equal(t, 1, s.SubscribedCount())
}

func TestNewSessionRequiresAddress(t *testing.T) {
	_, err := NewSession(feed.Spec{ID: "s#0"}, nil, Options{})
	require.True(t, errs.HasCode(err, errs.CodeConfigInvalid))
}
