// Package wsfeed implements vendor sessions over a JSON websocket market data gateway.
package wsfeed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/tickcapture/errs"
	"github.com/coachpo/tickcapture/internal/domain/feed"
	"github.com/coachpo/tickcapture/internal/domain/schema"
	"github.com/coachpo/tickcapture/internal/infra/telemetry"
	"github.com/coachpo/tickcapture/internal/observability"
)

const (
	defaultControlInterval      = 50 * time.Millisecond
	defaultPingInterval         = 30 * time.Second
	defaultPingTimeout          = 5 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultLoginTimeout         = 10 * time.Second
	defaultMaxReconnectInterval = 30 * time.Second
	defaultReadLimit            = 2 * 1024 * 1024
)

// Options tunes a websocket session. Zero values select the defaults.
type Options struct {
	// Location interprets vendor timestamps, which carry no zone.
	Location             *time.Location
	ControlInterval      time.Duration
	PingInterval         time.Duration
	WriteTimeout         time.Duration
	LoginTimeout         time.Duration
	MaxReconnectInterval time.Duration
	ReadLimit            int64
}

func (o Options) normalise() Options {
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.ControlInterval < 0 {
		o.ControlInterval = 0
	} else if o.ControlInterval == 0 {
		o.ControlInterval = defaultControlInterval
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.LoginTimeout <= 0 {
		o.LoginTimeout = defaultLoginTimeout
	}
	if o.MaxReconnectInterval <= 0 {
		o.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	return o
}

// NewFactory returns a feed.Factory building websocket sessions with the given options.
func NewFactory(opts Options) feed.Factory {
	return feed.FactoryFunc(func(spec feed.Spec, handler feed.Handler) (feed.Session, error) {
		return NewSession(spec, handler, opts)
	})
}

type pendingControl struct {
	method string
	keys   []schema.Key
}

// Session keeps one websocket connection alive, logs in after every dial, and replays the
// subscription set after every login.
type Session struct {
	id       string
	url      string
	login    loginParams
	capacity int
	handler  feed.Handler
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc

	conn     *websocket.Conn
	connMu   sync.RWMutex
	loggedIn atomic.Bool
	msgIDGen atomic.Uint64

	subscriptions map[schema.Key]struct{}
	subsMu        sync.Mutex

	pending   map[uint64]pendingControl
	pendingMu sync.Mutex

	controlMu       sync.Mutex
	lastControlSend time.Time

	ready     chan struct{}
	readyOnce sync.Once
	started   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	metrics *sessionMetrics
}

// NewSession validates the entry and builds an unconnected session.
func NewSession(spec feed.Spec, handler feed.Handler, opts Options) (*Session, error) {
	if spec.Entry.Address == "" {
		return nil, errs.New("wsfeed", errs.CodeConfigInvalid,
			errs.WithSession(spec.ID), errs.WithMessage("address required"))
	}
	if handler == nil {
		handler = feed.HandlerFuncs{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       spec.ID,
		url:      spec.Entry.Address,
		login:    loginParams{BrokerID: spec.Entry.BrokerID, UserID: spec.Entry.UserID, Password: spec.Entry.Password},
		capacity: spec.Capacity,
		handler:  handler,
		opts:     opts.normalise(),
		ctx:      ctx,
		cancel:   cancel,

		subscriptions: make(map[schema.Key]struct{}),
		pending:       make(map[uint64]pendingControl),
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
		metrics:       newSessionMetrics(spec.ID),
	}
	return s, nil
}

// ID implements feed.Session.
func (s *Session) ID() string { return s.id }

// Connect starts the connection loop and waits for the first successful login. ctx bounds the wait
// only; the loop keeps reconnecting until Close.
func (s *Session) Connect(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errs.New("wsfeed", errs.CodeInvalid, errs.WithSession(s.id), errs.WithMessage("already connected"))
	}
	go func() {
		defer close(s.done)
		s.run()
	}()

	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return errs.New("wsfeed", errs.CodeNetwork, errs.WithSession(s.id),
			errs.WithMessage("initial login not completed"), errs.WithCause(ctx.Err()))
	case <-s.ctx.Done():
		return errs.New("wsfeed", errs.CodeUnavailable, errs.WithSession(s.id), errs.WithMessage("session closed"))
	}
}

// Close stops the connection loop and closes the socket.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.connMu.Lock()
		if s.conn != nil {
			_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
			s.conn = nil
		}
		s.connMu.Unlock()
		if s.started.Load() {
			<-s.done
		}
	})
	return nil
}

// Subscribe records the instrument and, when logged in, sends the request. While disconnected the
// request is deferred to the replay that follows the next login.
func (s *Session) Subscribe(ctx context.Context, instrument, exchange string) error {
	key := schema.NewKey(instrument, exchange)
	s.subsMu.Lock()
	if _, exists := s.subscriptions[key]; exists {
		s.subsMu.Unlock()
		return nil
	}
	if s.capacity > 0 && len(s.subscriptions) >= s.capacity {
		s.subsMu.Unlock()
		return errs.New("wsfeed", errs.CodeInvalid, errs.WithSession(s.id),
			errs.WithInstrument(key.String()), errs.WithMessage("session capacity reached"))
	}
	s.subscriptions[key] = struct{}{}
	s.subsMu.Unlock()

	if !s.loggedIn.Load() {
		return nil
	}
	if err := s.sendControl(ctx, methodSubscribe, []schema.Key{key}); err != nil {
		s.subsMu.Lock()
		delete(s.subscriptions, key)
		s.subsMu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe forgets the instrument and, when logged in, tells the vendor.
func (s *Session) Unsubscribe(ctx context.Context, instrument, exchange string) error {
	key := schema.NewKey(instrument, exchange)
	s.subsMu.Lock()
	if _, exists := s.subscriptions[key]; !exists {
		s.subsMu.Unlock()
		return nil
	}
	delete(s.subscriptions, key)
	s.subsMu.Unlock()

	if !s.loggedIn.Load() {
		return nil
	}
	if err := s.sendControl(ctx, methodUnsubscribe, []schema.Key{key}); err != nil {
		s.subsMu.Lock()
		s.subscriptions[key] = struct{}{}
		s.subsMu.Unlock()
		return err
	}
	return nil
}

// SubscribedCount implements feed.Session.
func (s *Session) SubscribedCount() int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return len(s.subscriptions)
}

// SubscribedContains implements feed.Session.
func (s *Session) SubscribedContains(instrument, exchange string) bool {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	_, ok := s.subscriptions[schema.NewKey(instrument, exchange)]
	return ok
}

func (s *Session) run() {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = s.opts.MaxReconnectInterval

	for {
		if s.ctx.Err() != nil {
			return
		}
		s.status(schema.ConnectionConnecting, "", "")
		conn, tradingDay, err := s.dialAndLogin()
		if err != nil {
			s.metrics.recordConnect(s.ctx, telemetry.ResultError)
			if s.ctx.Err() != nil {
				return
			}
			s.status(schema.ConnectionDisconnected, "", err.Error())
			observability.Log().Warn("vendor session connect failed",
				observability.F("session", s.id),
				observability.F("address", s.url),
				observability.F("error", err))
			if !s.sleep(backoffCfg) {
				return
			}
			continue
		}
		s.metrics.recordConnect(s.ctx, telemetry.ResultSuccess)
		backoffCfg.Reset()

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		s.controlMu.Lock()
		s.lastControlSend = time.Time{}
		s.controlMu.Unlock()
		s.loggedIn.Store(true)
		s.status(schema.ConnectionLoggedIn, tradingDay, "")
		s.readyOnce.Do(func() { close(s.ready) })

		if err := s.subscribeAll(); err != nil {
			observability.Log().Warn("resubscribe after login failed",
				observability.F("session", s.id),
				observability.F("error", err))
		}

		connErr := s.serve(conn)
		s.loggedIn.Store(false)
		s.connMu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.pendingMu.Lock()
		clear(s.pending)
		s.pendingMu.Unlock()

		if s.ctx.Err() != nil {
			s.status(schema.ConnectionDisconnected, "", "closed")
			return
		}
		reason := "remote closed"
		if connErr != nil {
			reason = connErr.Error()
		}
		s.status(schema.ConnectionDisconnected, "", reason)
		observability.Log().Warn("vendor session disconnected",
			observability.F("session", s.id),
			observability.F("reason", reason))
		if !s.sleep(backoffCfg) {
			return
		}
	}
}

func (s *Session) sleep(b *backoff.ExponentialBackOff) bool {
	wait := b.NextBackOff()
	if wait == backoff.Stop {
		wait = s.opts.MaxReconnectInterval
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Session) dialAndLogin() (*websocket.Conn, string, error) {
	conn, _, err := websocket.Dial(s.ctx, s.url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("dial %s: %w", s.url, err)
	}
	conn.SetReadLimit(s.opts.ReadLimit)
	s.status(schema.ConnectionConnected, "", "")

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.LoginTimeout)
	defer cancel()
	req := controlRequest{Method: methodLogin, Login: &s.login, ID: s.msgIDGen.Add(1)}
	data, err := json.Marshal(req)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return nil, "", fmt.Errorf("marshal login: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return nil, "", fmt.Errorf("write login: %w", err)
	}
	for {
		msgType, payload, err := conn.Read(ctx)
		if err != nil {
			_ = conn.Close(websocket.StatusInternalError, "")
			return nil, "", fmt.Errorf("await login: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		var msg inbound
		if err := json.Unmarshal(payload, &msg); err != nil || msg.ID != req.ID {
			continue
		}
		if msg.Error != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "login rejected")
			return nil, "", errs.New("wsfeed", errs.CodeVendorRequest, errs.WithSession(s.id),
				errs.WithMessage(fmt.Sprintf("login rejected: code=%d msg=%s", msg.Error.Code, msg.Error.Msg)))
		}
		var result loginResult
		if len(msg.Result) > 0 {
			_ = json.Unmarshal(msg.Result, &result)
		}
		return conn, result.TradingDay, nil
	}
}

// serve runs the read and ping loops of one connection; whichever ends first stops the other.
func (s *Session) serve(conn *websocket.Conn) error {
	connCtx, connCancel := context.WithCancel(s.ctx)
	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- s.readLoop(connCtx, conn)
	}()
	go func() {
		defer wg.Done()
		errCh <- s.pingLoop(connCtx, conn)
	}()

	first := <-errCh
	connCancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	wg.Wait()
	close(errCh)
	for e := range errCh {
		if first == nil || errors.Is(first, context.Canceled) {
			first = e
		}
	}
	if errors.Is(first, context.Canceled) {
		return nil
	}
	return first
}

func (s *Session) subscribeAll() error {
	s.subsMu.Lock()
	keys := make([]schema.Key, 0, len(s.subscriptions))
	for key := range s.subscriptions {
		keys = append(keys, key)
	}
	s.subsMu.Unlock()
	if len(keys) == 0 {
		return nil
	}
	schema.SortKeys(keys)
	return s.sendControl(s.ctx, methodSubscribe, keys)
}

func (s *Session) sendControl(ctx context.Context, method string, keys []schema.Key) error {
	refs := make([]instrumentRef, 0, len(keys))
	for _, key := range keys {
		refs = append(refs, instrumentRef{Instrument: key.Instrument, Exchange: key.Exchange})
	}
	req := controlRequest{Method: method, Instruments: refs, ID: s.msgIDGen.Add(1)}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	if err := s.waitForControlWindowLocked(ctx, method); err != nil {
		return err
	}
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return errs.New("wsfeed", errs.CodeNetwork, errs.WithSession(s.id),
			errs.WithField("method", method), errs.WithMessage("not connected"))
	}

	s.pendingMu.Lock()
	s.pending[req.ID] = pendingControl{method: method, keys: keys}
	s.pendingMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	err = conn.Write(writeCtx, websocket.MessageText, data)
	cancel()
	if err != nil {
		s.pendingMu.Lock()
		delete(s.pending, req.ID)
		s.pendingMu.Unlock()
		return errs.New("wsfeed", errs.CodeNetwork, errs.WithSession(s.id),
			errs.WithField("method", method), errs.WithCause(err))
	}
	s.lastControlSend = time.Now()
	s.metrics.recordControl(ctx, method)
	observability.Log().Debug("vendor control request",
		observability.F("session", s.id),
		observability.F("method", method),
		observability.F("id", req.ID),
		observability.F("instruments", len(refs)))
	return nil
}

func (s *Session) waitForControlWindowLocked(ctx context.Context, method string) error {
	if s.lastControlSend.IsZero() || s.opts.ControlInterval <= 0 {
		return nil
	}
	wait := time.Until(s.lastControlSend.Add(s.opts.ControlInterval))
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done while pacing %s requests: %w", method, ctx.Err())
	case <-s.ctx.Done():
		return fmt.Errorf("session closed while pacing %s requests: %w", method, s.ctx.Err())
	}
}

func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
					return context.Canceled
				}
				if status := websocket.CloseStatus(err); status != -1 {
					return fmt.Errorf("ping: remote closed with status %d", status)
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return nil
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		s.dispatch(ctx, data)
	}
}

func (s *Session) dispatch(ctx context.Context, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		observability.Log().Debug("undecodable vendor frame",
			observability.F("session", s.id),
			observability.F("error", err))
		return
	}
	if msg.ID > 0 {
		s.acknowledge(ctx, msg)
		return
	}
	switch msg.Type {
	case frameDepth:
		var frame depthFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			observability.Log().Debug("undecodable depth frame",
				observability.F("session", s.id),
				observability.F("error", err))
			return
		}
		s.metrics.recordMessage(ctx, len(data))
		s.handler.OnMarketData(frame.marketData(s.opts.Location))
	case frameStatus:
		var frame statusFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			return
		}
		s.status(schema.ConnectionState(frame.State), frame.TradingDay, frame.Reason)
	}
}

// acknowledge settles a control response. Rejected subscriptions leave the subscription set so
// the orchestrator's view matches the vendor's.
func (s *Session) acknowledge(ctx context.Context, msg inbound) {
	s.pendingMu.Lock()
	pending, ok := s.pending[msg.ID]
	delete(s.pending, msg.ID)
	s.pendingMu.Unlock()
	if !ok || msg.Error == nil {
		return
	}
	s.metrics.recordRejected(ctx, pending.method)
	if pending.method == methodSubscribe {
		s.subsMu.Lock()
		for _, key := range pending.keys {
			delete(s.subscriptions, key)
		}
		s.subsMu.Unlock()
	}
	observability.Log().Warn("vendor rejected control request",
		observability.F("session", s.id),
		observability.F("method", pending.method),
		observability.F("instruments", len(pending.keys)),
		observability.F("code", msg.Error.Code),
		observability.F("msg", msg.Error.Msg))
}

func (s *Session) status(state schema.ConnectionState, tradingDay, reason string) {
	s.handler.OnStatus(schema.ConnectionStatus{
		SessionID:  s.id,
		State:      state,
		TradingDay: tradingDay,
		Reason:     reason,
		At:         time.Now().UTC(),
	})
}
