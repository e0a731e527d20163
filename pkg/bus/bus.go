package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// HeaderPublishedAt carries the publish time of an event in RFC 3339 form.
const HeaderPublishedAt = "Nilgw-Published-At"

// Event is a JSON payload that knows where it is published. ID is stable per
// occurrence; JetStream drops a repeated ID inside its duplicate window.
type Event interface {
	Subject() string
	ID() string
}

// Message is one event as received by a subscriber.
type Message struct {
	Subject     string          `json:"subject"`
	ID          string          `json:"id,omitempty"`
	PublishedAt time.Time       `json:"published_at,omitzero"`
	Data        json.RawMessage `json:"event"`
}

// Options configures Connect.
type Options struct {
	URL  string
	Name string
	// Stream, when set, is created over Subjects if it does not exist yet.
	Stream   string
	Subjects []string
}

// Bus publishes and consumes events over NATS JetStream.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	now  func() time.Time
}

// Connect dials NATS, reconnecting forever, and ensures the configured stream.
func Connect(opts Options) (*Bus, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("nats url is required")
	}
	natsOpts := []nats.Option{nats.MaxReconnects(-1)}
	if opts.Name != "" {
		natsOpts = append(natsOpts, nats.Name(opts.Name))
	}
	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	b := &Bus{conn: nc, js: js, now: time.Now}
	if opts.Stream != "" {
		if err := b.EnsureStream(opts.Stream, opts.Subjects...); err != nil {
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

// Close drains the connection, falling back to a hard close.
func (b *Bus) Close() {
	if b == nil || b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish sends evt as JSON on its subject, stamping its id and publish time
// in the message headers.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if b == nil {
		return errors.New("nil bus")
	}
	msg, err := b.encode(evt)
	if err != nil {
		return err
	}
	if _, err := b.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

func (b *Bus) encode(evt Event) (*nats.Msg, error) {
	if evt == nil {
		return nil, errors.New("nil event")
	}
	subject := evt.Subject()
	if subject == "" {
		return nil, errors.New("event subject is required")
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", subject, err)
	}

	now := time.Now
	if b.now != nil {
		now = b.now
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	if id := evt.ID(); id != "" {
		msg.Header.Set(nats.MsgIdHdr, id)
	}
	msg.Header.Set(HeaderPublishedAt, now().UTC().Format(time.RFC3339Nano))
	return msg, nil
}

func decode(msg *nats.Msg) Message {
	m := Message{Subject: msg.Subject, Data: json.RawMessage(msg.Data)}
	if msg.Header != nil {
		m.ID = msg.Header.Get(nats.MsgIdHdr)
		if at, err := time.Parse(time.RFC3339Nano, msg.Header.Get(HeaderPublishedAt)); err == nil {
			m.PublishedAt = at
		}
	}
	return m
}

// EnsureStream creates stream name over subjects unless it already exists.
func (b *Bus) EnsureStream(name string, subjects ...string) error {
	if b == nil {
		return errors.New("nil bus")
	}
	if name == "" || len(subjects) == 0 {
		return errors.New("stream name and subjects are required")
	}
	_, err := b.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", name, err)
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: subjects,
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", name, err)
	}
	return nil
}

type subscription struct {
	sub  *nats.Subscription
	once sync.Once
	err  error
}

func (s *subscription) Close() error {
	s.once.Do(func() { s.err = s.sub.Drain() })
	return s.err
}

// Subscribe attaches durable consumer to subj and calls fn per message. A
// handler error naks the message for redelivery. The subscription drains when
// ctx is done.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, m Message) error) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	sub, err := b.js.Subscribe(subj, func(msg *nats.Msg) {
		if err := fn(ctx, decode(msg)); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subj, err)
	}

	s := &subscription{sub: sub}
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return s, nil
}
