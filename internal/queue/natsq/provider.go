// Package natsq implements the queue provider interface on NATS JetStream.
// Each logical queue is a work-queue stream; session keys become subject
// tokens so a per-session consumer with MaxAckPending=1 yields strict
// in-order, one-at-a-time delivery within a session.
package natsq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/hookbridge/hookbridge/internal/queue"
)

const (
	subjectRoot = "hookbridge.q"
	streamPref  = "HOOKBRIDGE_"

	hdrMessageID  = "Hookbridge-Msg-Id"
	hdrSessionKey = "Hookbridge-Session-Key"
	attrPrefix    = "Hookbridge-Attr-"

	defaultWait = 5 * time.Second
	ackWait     = 30 * time.Second
)

// Provider is a JetStream-backed queue provider.
type Provider struct {
	nc *nats.Conn
	js jetstream.JetStream

	mu        sync.Mutex
	streams   map[string]jetstream.Stream
	consumers map[string]jetstream.Consumer
}

type receipt struct {
	msg   jetstream.Msg
	msgID string
}

func (r *receipt) MessageID() string { return r.msgID }

// New connects to the NATS server and prepares a JetStream context.
func New(url string) (*Provider, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", translate(err))
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &Provider{
		nc:        nc,
		js:        js,
		streams:   make(map[string]jetstream.Stream),
		consumers: make(map[string]jetstream.Consumer),
	}, nil
}

// Name returns "nats".
func (p *Provider) Name() string { return "nats" }

// Capabilities reports session ordering: a session's messages share a
// subject consumed with at most one unacknowledged message in flight.
func (p *Provider) Capabilities() queue.Capabilities {
	return queue.Capabilities{SessionOrdering: true}
}

// Send publishes the message to the queue's stream under its session
// subject and waits for the server acknowledgment.
func (p *Provider) Send(ctx context.Context, q string, msg *queue.Message) (string, error) {
	if _, err := p.stream(ctx, q); err != nil {
		return "", err
	}

	id := uuid.Must(uuid.NewV7()).String()

	m := &nats.Msg{
		Subject: subject(q, msg.SessionKey),
		Data:    msg.Body,
		Header:  nats.Header{},
	}
	m.Header.Set(hdrMessageID, id)
	if msg.SessionKey != "" {
		m.Header.Set(hdrSessionKey, msg.SessionKey)
	}
	for k, v := range msg.Attributes {
		m.Header.Set(attrPrefix+k, v)
	}

	if _, err := p.js.PublishMsg(ctx, m); err != nil {
		return "", fmt.Errorf("publish to %s: %w", m.Subject, translate(err))
	}
	return id, nil
}

// Receive fetches the next message. With a session key the fetch is
// scoped to that session's consumer; otherwise a queue-wide consumer is
// used. Returns (nil, nil) when the wait elapses with nothing available.
func (p *Provider) Receive(ctx context.Context, q string, opts queue.ReceiveOptions) (*queue.Delivery, error) {
	wait := opts.Wait
	if wait <= 0 {
		wait = defaultWait
	}

	cons, err := p.consumer(ctx, q, opts.SessionKey)
	if err != nil {
		return nil, err
	}

	batch, err := cons.Fetch(1, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, fmt.Errorf("fetch from %s: %w", q, translate(err))
	}

	for msg := range batch.Messages() {
		d := &queue.Delivery{
			MessageID:  msg.Headers().Get(hdrMessageID),
			Body:       msg.Data(),
			SessionKey: msg.Headers().Get(hdrSessionKey),
			Receipt:    &receipt{msg: msg, msgID: msg.Headers().Get(hdrMessageID)},
		}
		for k := range msg.Headers() {
			if name, ok := strings.CutPrefix(k, attrPrefix); ok {
				if d.Attributes == nil {
					d.Attributes = make(map[string]string)
				}
				d.Attributes[name] = msg.Headers().Get(k)
			}
		}
		return d, nil
	}

	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return nil, fmt.Errorf("fetch from %s: %w", q, translate(err))
	}
	return nil, nil
}

// Ack acknowledges the message, removing it from the work queue.
func (p *Provider) Ack(_ context.Context, r queue.Receipt) error {
	rec, ok := r.(*receipt)
	if !ok {
		return fmt.Errorf("%w: foreign receipt", queue.ErrStaleReceipt)
	}
	if err := rec.msg.Ack(); err != nil {
		if errors.Is(err, jetstream.ErrMsgAlreadyAckd) {
			return queue.ErrStaleReceipt
		}
		return fmt.Errorf("ack: %w", translate(err))
	}
	return nil
}

// DeadLetter terminates delivery of the message and republishes it,
// annotated with the reason, onto the queue's dead stream.
func (p *Provider) DeadLetter(ctx context.Context, r queue.Receipt, reason string) error {
	rec, ok := r.(*receipt)
	if !ok {
		return fmt.Errorf("%w: foreign receipt", queue.ErrStaleReceipt)
	}

	dead := &nats.Msg{
		Subject: "hookbridge.dead." + token(streamToken(rec.msg.Subject())),
		Data:    rec.msg.Data(),
		Header:  nats.Header{},
	}
	for k := range rec.msg.Headers() {
		dead.Header.Set(k, rec.msg.Headers().Get(k))
	}
	dead.Header.Set("Hookbridge-Dead-Reason", reason)

	if err := p.ensureDeadStream(ctx); err != nil {
		return err
	}
	if _, err := p.js.PublishMsg(ctx, dead); err != nil {
		return fmt.Errorf("publish dead letter: %w", translate(err))
	}

	if err := rec.msg.Term(); err != nil {
		if errors.Is(err, jetstream.ErrMsgAlreadyAckd) {
			return queue.ErrStaleReceipt
		}
		return fmt.Errorf("terminate message: %w", translate(err))
	}
	return nil
}

// Health verifies the connection is established and JetStream responds.
func (p *Provider) Health(ctx context.Context) error {
	if !p.nc.IsConnected() {
		return errors.New("nats connection down")
	}
	if _, err := p.js.AccountInfo(ctx); err != nil {
		return fmt.Errorf("jetstream unavailable: %w", translate(err))
	}
	return nil
}

// Close drains and closes the connection.
func (p *Provider) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}
	return nil
}

// stream returns the queue's stream, creating it on first use.
func (p *Provider) stream(ctx context.Context, q string) (jetstream.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.streams[q]; ok {
		return s, nil
	}

	s, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamPref + token(q),
		Subjects:  []string{subjectRoot + "." + token(q) + ".>"},
		MaxAge:    24 * time.Hour,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream for %s: %w", q, translate(err))
	}

	p.streams[q] = s
	return s, nil
}

// consumer returns a durable consumer for the queue, scoped to the
// session when one is given. MaxAckPending=1 enforces lock-step delivery
// on the consumer's subject space.
//
// Work-queue streams reject overlapping consumer filters, so a queue
// must be consumed either entirely session-scoped or entirely
// queue-wide, never both.
func (p *Provider) consumer(ctx context.Context, q, sessionKey string) (jetstream.Consumer, error) {
	s, err := p.stream(ctx, q)
	if err != nil {
		return nil, err
	}

	name := "wrk-" + token(q)
	filter := subjectRoot + "." + token(q) + ".>"
	if sessionKey != "" {
		name += "-" + token(sessionKey)
		filter = subject(q, sessionKey)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.consumers[name]; ok {
		return c, nil
	}

	c, err := s.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: filter,
		AckWait:       ackWait,
		MaxAckPending: 1,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", name, translate(err))
	}

	p.consumers[name] = c
	return c, nil
}

func (p *Provider) ensureDeadStream(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.streams["\x00dead"]; ok {
		return nil
	}

	s, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamPref + "DEAD",
		Subjects:  []string{"hookbridge.dead.>"},
		MaxAge:    7 * 24 * time.Hour,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create dead stream: %w", translate(err))
	}

	p.streams["\x00dead"] = s
	return nil
}

// subject builds the session subject for a queue. Messages with no
// session key share a single "_nosession" token.
func subject(q, sessionKey string) string {
	tok := "_nosession"
	if sessionKey != "" {
		tok = token(sessionKey)
	}
	return subjectRoot + "." + token(q) + "." + tok
}

// streamToken extracts the queue token from a delivery subject.
func streamToken(subj string) string {
	parts := strings.Split(subj, ".")
	if len(parts) >= 3 {
		return parts[2]
	}
	return subj
}

// token sanitizes a value for use as a NATS subject token and durable
// consumer name.
func token(v string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '/':
			return '-'
		}
		return r
	}, v)
}

// translate maps nats.go errors to the shared queue sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, nats.ErrNoResponders):
		return fmt.Errorf("%w: %v", queue.ErrTimeout, err)
	case errors.Is(err, nats.ErrAuthorization):
		return fmt.Errorf("%w: %v", queue.ErrUnauthorized, err)
	case errors.Is(err, nats.ErrMaxPayload):
		return fmt.Errorf("%w: %v", queue.ErrBadConfig, err)
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining):
		return fmt.Errorf("%w: %v", queue.ErrClosed, err)
	}
	return err
}
