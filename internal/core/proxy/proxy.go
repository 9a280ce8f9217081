// Package proxy abstracts the request context a handler runs inside: the
// log sink, response formatting, and the remaining-execution-time clock
// that bounds every cooperative waiter.
package proxy

import (
	"time"

	"github.com/zentinel/autoscale/internal/core/observability/log"
)

// Response is the envelope handed back to the transport front. Secret
// marks bodies (license payloads) the transport must mask in logs.
type Response struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Secret     bool
}

// Proxy is the per-request execution context.
type Proxy interface {
	Logger() log.Log
	FormatResponse(status int, body string, headers map[string]string) Response
	// RemainingExecutionTime is a monotonic countdown toward the moment
	// the platform kills the handler. Bounded waiters must exit well
	// before it reaches zero.
	RemainingExecutionTime() time.Duration
}

var _ Proxy = (*DeadlineProxy)(nil)

// DeadlineProxy is the standard Proxy implementation: a wall-clock
// deadline fixed when the request enters the front.
type DeadlineProxy struct {
	logger   log.Log
	deadline time.Time
}

func New(logger log.Log, deadline time.Time) *DeadlineProxy {
	return &DeadlineProxy{logger: logger, deadline: deadline}
}

func (p *DeadlineProxy) Logger() log.Log {
	return p.logger
}

func (p *DeadlineProxy) FormatResponse(status int, body string, headers map[string]string) Response {
	return Response{StatusCode: status, Body: body, Headers: headers}
}

func (p *DeadlineProxy) RemainingExecutionTime() time.Duration {
	remaining := time.Until(p.deadline)
	if remaining < 0 {
		return 0
	}
	return remaining
}
