package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"scrapehub/internal/jobs"
)

type Client struct{ nc *nats.Conn }

func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("scrapehub"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

func (c *Client) Conn() *nats.Conn { return c.nc }

func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

func (c *Client) SubscribeJSON(subject string, handler func(ctx context.Context, data []byte)) (*nats.Subscription, error) {
	return c.nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		handler(ctx, msg.Data)
	})
}

// JSONPublisher is the part of Client the event publisher needs.
type JSONPublisher interface {
	PublishJSON(subject string, v any) error
}

// EventPublisher fans job events out on <subject>.<kind>.<jobID>, so
// observers can subscribe to everything with <subject>.> or to one job.
type EventPublisher struct {
	pub     JSONPublisher
	subject string
	kinds   func(ctx context.Context, ev jobs.Event) string
}

// NewEventPublisher publishes under subject. kindOf resolves an event's
// job kind for the subject; nil uses "job".
func NewEventPublisher(pub JSONPublisher, subject string, kindOf func(ctx context.Context, ev jobs.Event) string) *EventPublisher {
	return &EventPublisher{pub: pub, subject: subject, kinds: kindOf}
}

func (p *EventPublisher) PublishEvent(ctx context.Context, ev jobs.Event) error {
	kind := "job"
	if p.kinds != nil {
		if k := p.kinds(ctx, ev); k != "" {
			kind = k
		}
	}
	return p.pub.PublishJSON(EventSubject(p.subject, kind, ev.JobID.String()), ev)
}

// EventSubject builds the subject for one job's events.
func EventSubject(prefix, kind, jobID string) string {
	return prefix + "." + kind + "." + jobID
}
