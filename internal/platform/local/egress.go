package local

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/zentinel/autoscale/internal/core/observability/log"
)

// Egress subjects.
const (
	SubjectLifecycle = "autoscale.lifecycle"
	SubjectElection  = "autoscale.election"
)

type event struct {
	Kind    string `json:"kind"`
	VMID    string `json:"vmId,omitempty"`
	IP      string `json:"ip,omitempty"`
	Abandon bool   `json:"abandon,omitempty"`
}

// Publisher pushes cluster events to a NATS broker. Egress is best
// effort: a publish failure never fails the originating operation.
type Publisher struct {
	nc     *nats.Conn
	logger log.Log
}

func NewPublisher(url string, logger log.Log) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("autoscale-handler"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", log.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", log.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc, logger: logger}, nil
}

func (p *Publisher) Publish(subject string, payload []byte) error {
	return p.nc.Publish(subject, payload)
}

func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

func (a *Adapter) publish(_ context.Context, subject string, ev event) {
	if a.egress == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := a.egress.Publish(subject, payload); err != nil {
		a.logger.Warn("event egress failed",
			log.String("subject", subject), log.Error(err))
	}
}
