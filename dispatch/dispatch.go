// Package dispatch maps a method name and its params to a result.
//
// Every method name resolves to exactly one of three outcomes:
//   - a registered Handler, which does the real work against the host document,
//   - a stub, which acknowledges the request and echoes its params back,
//   - unknown, which fails with "Unknown command: <name>".
//
// Handlers run on the host goroutine (they are called from bridge.Drain), so
// they may touch the host API directly.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"host-bridge/message"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

var (
	ErrUnknownMethod = errors.New("unknown method")
	ErrNoSession     = errors.New("no active session")
	ErrInvalidParams = errors.New("invalid params")
)

// Handler executes one method. A returned *DomainError keeps its code; any
// other error is reported with message.CodeServerError.
type Handler func(ctx context.Context, params map[string]json.RawMessage) (any, error)

// SessionChecker reports whether the host has an active document to work on.
type SessionChecker interface {
	ActiveSession() bool
}

// DomainError is an expected failure surfaced to the caller as a structured
// error response.
type DomainError struct {
	Code    int
	Message string
	err     error
}

func (e *DomainError) Error() string {
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.err
}

// NewDomainError builds a DomainError carrying message.CodeServerError.
func NewDomainError(format string, args ...any) *DomainError {
	return &DomainError{Code: message.CodeServerError, Message: fmt.Sprintf(format, args...)}
}

// Kind identifies how a method is handled.
type Kind string

const (
	KindHandler Kind = "handler"
	KindStub    Kind = "stub"
)

// MethodInfo describes one entry in the dispatch table.
type MethodInfo struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

type entry struct {
	kind    Kind
	handler Handler
	schema  *gojsonschema.Schema
}

// HandlerOption configures a registered handler.
type HandlerOption func(*entry) error

// WithParamsSchema validates params against a JSON Schema document before the
// handler runs.
func WithParamsSchema(schema string) HandlerOption {
	return func(e *entry) error {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
		if err != nil {
			return fmt.Errorf("compile params schema: %w", err)
		}
		e.schema = s
		return nil
	}
}

// Dispatcher owns the method table.
type Dispatcher struct {
	mu      sync.RWMutex
	entries map[string]*entry
	session SessionChecker
	logger  *zap.Logger
}

// New creates a dispatcher. session may be nil, in which case every call is
// treated as having an active session.
func New(session SessionChecker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		entries: make(map[string]*entry),
		session: session,
		logger:  logger.With(zap.String("component", "dispatch")),
	}
}

// Register adds a handler for method. Registering a name twice is an error.
func (d *Dispatcher) Register(method string, h Handler, opts ...HandlerOption) error {
	if method == "" {
		return errors.New("dispatch: empty method name")
	}
	if h == nil {
		return fmt.Errorf("dispatch: nil handler for %s", method)
	}
	e := &entry{kind: KindHandler, handler: h}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return fmt.Errorf("dispatch: %s: %w", method, err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[method]; ok {
		return fmt.Errorf("dispatch: method %s already registered", method)
	}
	d.entries[method] = e
	return nil
}

// RegisterStub marks methods as known but not yet implemented. A registered
// handler of the same name takes precedence.
func (d *Dispatcher) RegisterStub(methods ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range methods {
		if _, ok := d.entries[m]; ok {
			continue
		}
		d.entries[m] = &entry{kind: KindStub}
	}
}

// Methods lists the table sorted by name.
func (d *Dispatcher) Methods() []MethodInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]MethodInfo, 0, len(d.entries))
	for name, e := range d.entries {
		out = append(out, MethodInfo{Name: name, Kind: e.kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch resolves method and runs it.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, params map[string]json.RawMessage) (any, error) {
	d.mu.RLock()
	e, ok := d.entries[method]
	d.mu.RUnlock()
	if !ok {
		return nil, &DomainError{
			Code:    message.CodeServerError,
			Message: "Unknown command: " + method,
			err:     ErrUnknownMethod,
		}
	}

	if d.session != nil && !d.session.ActiveSession() {
		return nil, &DomainError{
			Code:    message.CodeNoSession,
			Message: "No active document. Open a document in the host application first.",
			err:     ErrNoSession,
		}
	}

	if params == nil {
		params = map[string]json.RawMessage{}
	}

	if e.schema != nil {
		if err := validateParams(e.schema, params); err != nil {
			return nil, &DomainError{
				Code:    message.CodeInvalidParams,
				Message: fmt.Sprintf("Invalid params for %s: %v", method, err),
				err:     ErrInvalidParams,
			}
		}
	}

	if e.kind == KindStub {
		return map[string]any{
			"status":  "received",
			"method":  method,
			"message": fmt.Sprintf("Command %s received but not yet implemented", method),
			"params":  params,
		}, nil
	}

	result, err := e.handler(ctx, params)
	if err != nil {
		var de *DomainError
		if errors.As(err, &de) {
			return nil, de
		}
		return nil, &DomainError{Code: message.CodeServerError, Message: err.Error(), err: err}
	}
	return result, nil
}

// Execute runs Dispatch and encodes the result. It satisfies bridge.Executor.
func (d *Dispatcher) Execute(ctx context.Context, method string, params map[string]json.RawMessage) (json.RawMessage, error) {
	result, err := d.Dispatch(ctx, method, params)
	if err != nil {
		d.logger.Debug("dispatch failed", zap.String("method", method), zap.Error(err))
		return nil, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result of %s: %w", method, err)
	}
	return raw, nil
}

func validateParams(schema *gojsonschema.Schema, params map[string]json.RawMessage) error {
	doc, err := json.Marshal(params)
	if err != nil {
		return err
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return errors.New(strings.Join(details, "; "))
}

// Decode unmarshals params into a typed struct. Handlers use it to get at
// their arguments.
func Decode(params map[string]json.RawMessage, v any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &DomainError{Code: message.CodeInvalidParams, Message: "Invalid params: " + err.Error(), err: ErrInvalidParams}
	}
	return nil
}
