// Package errs provides structured error types and helpers for tick capture services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeConfigInvalid indicates a malformed rule pattern or connection entry.
	CodeConfigInvalid Code = "config_invalid"
	// CodeCapacityExhausted indicates no session had spare subscription capacity.
	CodeCapacityExhausted Code = "capacity_exhausted"
	// CodeSinkWrite indicates the persistence sink rejected a write.
	CodeSinkWrite Code = "sink_write"
	// CodeVendorRequest indicates the vendor session rejected a subscribe or unsubscribe request.
	CodeVendorRequest Code = "vendor_request"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the component is closed or temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
)

// E captures structured error information produced across the capture stack.
type E struct {
	Component  string
	Code       Code
	Message    string
	Instrument string
	Session    string
	Fields     map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component:  strings.TrimSpace(component),
		Code:       code,
		Message:    "",
		Instrument: "",
		Session:    "",
		Fields:     nil,
		cause:      nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithInstrument records the instrument key the failure relates to.
func WithInstrument(key string) Option {
	trimmed := strings.TrimSpace(key)
	return func(e *E) {
		e.Instrument = trimmed
	}
}

// WithSession records the session the failure relates to.
func WithSession(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.Session = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single diagnostic key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Instrument != "" {
		parts = append(parts, "instrument="+e.Instrument)
	}
	if e.Session != "" {
		parts = append(parts, "session="+e.Session)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an envelope carrying the same code. It lets
// callers match on categories with errors.Is(err, &errs.E{Code: ...}).
func (e *E) Is(target error) bool {
	var other *E
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return other.Code != "" && other.Code == e.Code
}

// HasCode reports whether any envelope in err's tree carries the code, including joined errors.
func HasCode(err error, code Code) bool {
	if err == nil || code == "" {
		return false
	}
	return errors.Is(err, &E{Code: code})
}
