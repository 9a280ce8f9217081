package platformtest

import (
	"time"

	"github.com/zentinel/autoscale/internal/core/observability/log"
	"github.com/zentinel/autoscale/internal/core/proxy"
)

// Proxy is a fixed-budget proxy.Proxy for tests. Remaining decreases as
// wall-clock time passes from construction.
type Proxy struct {
	logger log.Log
	start  time.Time
	budget time.Duration
}

var _ proxy.Proxy = (*Proxy)(nil)

func NewProxy(budget time.Duration) *Proxy {
	return &Proxy{logger: log.Nop(), start: time.Now(), budget: budget}
}

func (p *Proxy) Logger() log.Log { return p.logger }

func (p *Proxy) FormatResponse(status int, body string, headers map[string]string) proxy.Response {
	return proxy.Response{StatusCode: status, Body: body, Headers: headers}
}

func (p *Proxy) RemainingExecutionTime() time.Duration {
	remaining := p.budget - time.Since(p.start)
	if remaining < 0 {
		return 0
	}
	return remaining
}
