package rpc

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/tracing"
)

// HandlerFunc executes one method. Params arrive raw; handlers decode them
// into their own typed record and return InvalidParams on bad input.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Router dispatches requests over a static method table. Registration
// happens once at startup; dispatch is read-only and safe for concurrent
// use.
type Router struct {
	methods map[string]HandlerFunc
	timeout time.Duration
	logger  *logger.Logger
}

// NewRouter creates an empty router. timeout bounds every handler call.
func NewRouter(timeout time.Duration, log *logger.Logger) *Router {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Router{
		methods: make(map[string]HandlerFunc),
		timeout: timeout,
		logger:  log,
	}
}

// Register binds a method name to its handler. Duplicate registration is a
// programming error and panics at startup.
func (r *Router) Register(method string, handler HandlerFunc) {
	if _, dup := r.methods[method]; dup {
		panic("rpc: duplicate method " + method)
	}
	r.methods[method] = handler
}

// Methods returns the registered method names.
func (r *Router) Methods() []string {
	out := make([]string, 0, len(r.methods))
	for name := range r.methods {
		out = append(out, name)
	}
	return out
}

// DispatchRaw parses one frame and dispatches it. A parse failure yields a
// -32700 response with a null id.
func (r *Router) DispatchRaw(ctx context.Context, raw []byte) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return NewError(nil, CodeParseError, "parse error")
	}
	return r.Dispatch(ctx, &req)
}

// Dispatch validates the envelope, runs the handler under the router
// deadline and maps errors to wire codes. Notifications return nil.
func (r *Router) Dispatch(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != Version || req.Method == "" {
		return NewError(req.ID, CodeInvalidRequest, "invalid request")
	}

	handler, ok := r.methods[req.Method]
	if !ok {
		return NewError(req.ID, CodeMethodNotFound, "method not found: "+req.Method)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	callCtx, span := tracing.Tracer("rpc").Start(callCtx, req.Method)
	defer span.End()

	start := time.Now()
	result, err := handler(callCtx, req.Params)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
	}

	if err != nil {
		code, message := classify(err)
		if code == CodeInvalidParams {
			r.logger.Debug("rpc rejected",
				zap.String("method", req.Method),
				zap.String("reason", message))
		} else {
			r.logger.Warn("rpc failed",
				zap.String("method", req.Method),
				zap.Duration("elapsed", elapsed),
				zap.Error(err))
		}
		if req.Notification() {
			return nil
		}
		return NewError(req.ID, code, message)
	}

	r.logger.Debug("rpc served",
		zap.String("method", req.Method),
		zap.Duration("elapsed", elapsed))
	if req.Notification() {
		return nil
	}
	return NewResult(req.ID, result)
}
