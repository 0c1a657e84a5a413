package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"sendgate/internal/message"
)

// notBeforeHeader carries the earliest delivery time (unix millis) for
// messages pushed with a delay. JetStream has no native delayed publish, so
// the consumer side honors the header by Nak-ing with the remaining wait.
const notBeforeHeader = "Sendgate-Not-Before"

// NATSConfig configures the JetStream-backed queue.
type NATSConfig struct {
	URL     string
	Stream  string
	Subject string
	Durable string
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = "SENDGATE"
	}
	if c.Subject == "" {
		c.Subject = "sendgate.outbound"
	}
	if c.Durable == "" {
		c.Durable = "sendgate-dispatch"
	}
	return c
}

// NATS is the JetStream implementation of Queue.
//
// Redelivery of unacked messages is JetStream's responsibility (AckWait);
// Nack maps to NakWithDelay so throttle and cooldown waits survive worker
// restarts.
type NATS struct {
	cfg  NATSConfig
	nc   *nats.Conn
	js   nats.JetStreamContext
	sub  *nats.Subscription
	now  func() time.Time
}

func OpenNATS(cfg NATSConfig) (*NATS, error) {
	cfg = cfg.withDefaults()

	nc, err := nats.Connect(cfg.URL,
		nats.Name("sendgate"),
		nats.Timeout(5*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Idempotent stream setup.
	_, err = js.StreamInfo(cfg.Stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      cfg.Stream,
			Subjects:  []string{cfg.Subject},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sub, err := js.PullSubscribe(cfg.Subject, cfg.Durable, nats.AckExplicit())
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &NATS{cfg: cfg, nc: nc, js: js, sub: sub, now: time.Now}, nil
}

func (q *NATS) Push(ctx context.Context, msg *message.Outbound, delay time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	m := nats.NewMsg(q.cfg.Subject)
	m.Data = body
	if delay > 0 {
		notBefore := q.now().Add(delay).UnixMilli()
		m.Header.Set(notBeforeHeader, strconv.FormatInt(notBefore, 10))
	}
	if _, err := q.js.PublishMsg(m, nats.Context(ctx)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *NATS) Pull(ctx context.Context, max int, pollTimeout time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	msgs, err := q.sub.Fetch(max, nats.MaxWait(pollTimeout))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	now := q.now()
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		// Honor delayed pushes: not yet eligible messages go straight back
		// with the remaining wait.
		if raw := m.Header.Get(notBeforeHeader); raw != "" {
			if ms, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
				if until := time.UnixMilli(ms).Sub(now); until > 0 {
					_ = m.NakWithDelay(until)
					continue
				}
			}
		}

		var out1 message.Outbound
		if err := json.Unmarshal(m.Data, &out1); err != nil {
			// Poison payload: drop it rather than redeliver forever.
			_ = m.Term()
			continue
		}
		out = append(out, &natsDelivery{m: m, msg: &out1})
	}
	return out, nil
}

func (q *NATS) Depth(ctx context.Context) (int, error) {
	info, err := q.js.StreamInfo(q.cfg.Stream, nats.Context(ctx))
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return int(info.State.Msgs), nil
}

func (q *NATS) Close() error {
	if q.sub != nil {
		_ = q.sub.Unsubscribe()
	}
	if q.nc != nil && !q.nc.IsClosed() {
		// Drain ensures pending publishes are flushed.
		_ = q.nc.Drain()
		q.nc.Close()
	}
	return nil
}

type natsDelivery struct {
	m   *nats.Msg
	msg *message.Outbound
}

func (d *natsDelivery) Message() *message.Outbound { return d.msg }

func (d *natsDelivery) Ack() error { return d.m.Ack() }

func (d *natsDelivery) Nack(delay time.Duration) error {
	if delay <= 0 {
		return d.m.Nak()
	}
	return d.m.NakWithDelay(delay)
}
