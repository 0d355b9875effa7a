// Package intake consumes dispatch jobs from an AMQP queue so upstream
// systems can enqueue notifications without holding an HTTP connection
// open for the whole delivery.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"wagate/internal/dispatch"
	logx "wagate/pkg/logx"
)

type Config struct {
	URL      string
	Queue    string
	Prefetch int
}

// Job is the wire format of one queued dispatch request.
type Job struct {
	Tenant      string            `json:"tenant"`
	Recipients  []string          `json:"recipients"`
	Body        string            `json:"body,omitempty"`
	Attachments []string          `json:"attachments,omitempty"`
	Process     string            `json:"process,omitempty"`
	MessageType string            `json:"message_type,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
}

func (j *Job) validate() error {
	if j.Tenant == "" {
		return errors.New("job has no tenant")
	}
	if len(j.Recipients) == 0 {
		return errors.New("job has no recipients")
	}
	return nil
}

// Consumer pulls jobs off the queue and hands them to the dispatcher
// one at a time. Delivery order within the queue is preserved because
// jobs are processed sequentially.
type Consumer struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	log        logx.Logger
}

func NewConsumer(cfg Config, dispatcher *dispatch.Dispatcher, log logx.Logger) (*Consumer, error) {
	if cfg.URL == "" {
		return nil, errors.New("intake: amqp url is required")
	}
	if cfg.Queue == "" {
		return nil, errors.New("intake: queue name is required")
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Consumer{cfg: cfg, dispatcher: dispatcher, log: log}, nil
}

// Run connects, declares the queue and consumes until ctx is canceled
// or the connection drops. It returns the transport error on drop so a
// supervisor restart policy can re-dial with backoff.
func (c *Consumer) Run(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("intake: dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("intake: channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("intake: qos: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("intake: declare %q: %w", c.cfg.Queue, err)
	}

	deliveries, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("intake: consume: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.log.Info("intake consuming", logx.String("queue", c.cfg.Queue), logx.Int("prefetch", c.cfg.Prefetch))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cerr := <-closed:
			if cerr == nil {
				return nil
			}
			return fmt.Errorf("intake: connection closed: %w", cerr)
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("intake: delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	started := time.Now()

	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		c.log.Warn("intake dropped malformed job", logx.Err(err))
		// Malformed payloads never become valid; do not requeue.
		_ = d.Nack(false, false)
		return
	}
	if err := job.validate(); err != nil {
		c.log.Warn("intake dropped invalid job", logx.Err(err))
		_ = d.Nack(false, false)
		return
	}

	results := c.dispatcher.SendBulk(ctx, job.Tenant, job.Recipients, job.Body, job.Attachments, dispatch.Options{
		Process:     job.Process,
		MessageType: job.MessageType,
		Variables:   job.Variables,
	})

	delivered := 0
	for _, r := range results {
		if r.Success {
			delivered++
		}
	}
	c.log.Info("intake job finished",
		logx.String("tenant", job.Tenant),
		logx.Int("recipients", len(job.Recipients)),
		logx.Int("delivered", delivered),
		logx.Duration("took", time.Since(started)),
	)

	// The dispatcher already retried per recipient; a requeue here would
	// re-send to recipients that succeeded.
	_ = d.Ack(false)
}
