// Package httpserver exposes the capture control surface: health, status, the active set, manual
// reloads, connection teardown and cached quotes.
package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tickcapture/errs"
	"github.com/coachpo/tickcapture/internal/app/orchestrator"
	"github.com/coachpo/tickcapture/internal/domain/schema"
	"github.com/coachpo/tickcapture/internal/infra/config"
	"github.com/coachpo/tickcapture/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 16

	healthPath       = "/healthz"
	statusPath       = "/status"
	activePath       = "/active"
	activeItemPrefix = activePath + "/"
	reloadPath       = "/reload"
	quotesPrefix     = "/quotes/"
	connectionPrefix = "/connections/"

	reloadSource = "http"
)

// Controller is the orchestrator surface the server drives.
type Controller interface {
	Status() orchestrator.Status
	Active() []schema.InstrumentRecord
	Contains(instrument, exchange string) bool
	Reload(ctx context.Context, trigger orchestrator.Trigger) (orchestrator.Report, error)
	Teardown(connection string) (orchestrator.TeardownReport, error)
}

// QuoteReader serves the latest cached quote for an instrument.
type QuoteReader interface {
	Latest(ctx context.Context, key schema.Key) (schema.Tick, bool, error)
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	controller  Controller
	quotes      QuoteReader
	clock       func() time.Time
}

// NewHandler creates the control surface handler. quotes may be nil, in which case /quotes is not
// routed.
func NewHandler(environment config.Environment, controller Controller, quotes QuoteReader) http.Handler {
	server := &httpServer{environment: environment, controller: controller, quotes: quotes, clock: time.Now}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(statusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.status,
	}))
	mux.Handle(activePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listActive,
	}))
	mux.Handle(activeItemPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getActive,
	}))
	mux.Handle(reloadPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.reload,
	}))
	mux.Handle(connectionPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodDelete: server.teardown,
	}))
	if quotes != nil {
		mux.Handle(quotesPrefix, server.methodHandlers(map[string]handlerFunc{
			http.MethodGet: server.getQuote,
		}))
	}

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	st := s.controller.Status()
	if st.ShutDown {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "shutting_down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"environment": s.environment,
		"sessions":    len(st.Sessions),
	})
}

func (s *httpServer) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *httpServer) listActive(w http.ResponseWriter, _ *http.Request) {
	records := s.controller.Active()
	if records == nil {
		records = []schema.InstrumentRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(records), "instruments": records})
}

func (s *httpServer) getActive(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(strings.TrimPrefix(r.URL.Path, activeItemPrefix))
	if !ok {
		writeError(w, http.StatusBadRequest, "expected /active/INSTRUMENT.EXCHANGE")
		return
	}
	for _, rec := range s.controller.Active() {
		if rec.Key() == key {
			writeJSON(w, http.StatusOK, map[string]any{
				"instrument": rec,
				"subscribed": s.controller.Contains(key.Instrument, key.Exchange),
			})
			return
		}
	}
	writeError(w, http.StatusNotFound, "instrument not active")
}

type reloadPayload struct {
	Artifact string `json:"artifact"`
}

func (s *httpServer) reload(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload reloadPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeDecodeError(w, err)
		return
	}
	trigger := orchestrator.Trigger{Artifact: strings.TrimSpace(payload.Artifact), Source: reloadSource, At: s.clock()}
	// the cycle swaps and persists the active set; a client hanging up must not cut that short
	report, err := s.controller.Reload(context.WithoutCancel(r.Context()), trigger)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, report)
	case errors.Is(err, orchestrator.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errs.HasCode(err, errs.CodeConfigInvalid):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		observability.Log().Warn("manual reload failed", observability.F("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *httpServer) teardown(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, connectionPrefix), "/")
	if name == "" {
		writeError(w, http.StatusBadRequest, "expected /connections/NAME")
		return
	}
	report, err := s.controller.Teardown(name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, report)
	case errors.Is(err, orchestrator.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errs.HasCode(err, errs.CodeNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		observability.Log().Warn("connection teardown failed",
			observability.F("connection", name),
			observability.F("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *httpServer) getQuote(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(strings.TrimPrefix(r.URL.Path, quotesPrefix))
	if !ok {
		writeError(w, http.StatusBadRequest, "expected /quotes/INSTRUMENT.EXCHANGE")
		return
	}
	tick, found, err := s.quotes.Latest(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no quote cached")
		return
	}
	writeJSON(w, http.StatusOK, tick)
}

// parseKey splits INSTRUMENT.EXCHANGE at the last dot.
func parseKey(raw string) (schema.Key, bool) {
	raw = strings.Trim(raw, "/")
	idx := strings.LastIndex(raw, ".")
	if idx <= 0 || idx == len(raw)-1 {
		return schema.Key{}, false
	}
	return schema.NewKey(raw[:idx], raw[idx+1:]), true
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid json payload")
}

func isRequestTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
