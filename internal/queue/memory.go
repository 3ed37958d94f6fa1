package queue

import (
	"context"
	"fmt"
	"time"

	"sync"

	"github.com/google/uuid"
)

// defaultPollWait bounds Receive when ReceiveOptions.Wait is zero.
const defaultPollWait = 5 * time.Second

// MemoryProvider is an in-process queue backend with full session
// semantics and no external I/O. It is functionally equivalent to the
// ordered backends and is the backend used in tests.
type MemoryProvider struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	signal chan struct{}
	closed bool
}

type memQueue struct {
	sessions map[string]*memSession
	dead     []DeadLetteredMessage
}

type memSession struct {
	msgs       []*memMessage
	locked     bool
	lockHandle string
}

type memMessage struct {
	id    string
	body  []byte
	attrs map[string]string
}

// DeadLetteredMessage is a message moved to the in-memory dead-letter
// area, exposed for test inspection.
type DeadLetteredMessage struct {
	MessageID  string
	Body       []byte
	SessionKey string
	Reason     string
}

type memReceipt struct {
	queue   string
	session string
	handle  string
	msgID   string
}

func (r *memReceipt) MessageID() string { return r.msgID }

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		queues: make(map[string]*memQueue),
		signal: make(chan struct{}),
	}
}

// Name returns "memory".
func (p *MemoryProvider) Name() string { return "memory" }

// Capabilities advertises full session ordering support.
func (p *MemoryProvider) Capabilities() Capabilities {
	return Capabilities{SessionOrdering: true}
}

// Send appends the message to its session's FIFO and wakes any waiting
// receivers.
func (p *MemoryProvider) Send(ctx context.Context, queue string, msg *Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return "", ErrClosed
	}

	q := p.queue(queue)
	s := q.session(msg.SessionKey)

	id := uuid.Must(uuid.NewV7()).String()
	s.msgs = append(s.msgs, &memMessage{id: id, body: msg.Body, attrs: msg.Attributes})

	p.broadcast()
	return id, nil
}

// Receive returns the next available message, honoring session locks:
// a session with an unacked message yields nothing until that message
// reaches a terminal state. Returns (nil, nil) on timeout.
func (p *MemoryProvider) Receive(ctx context.Context, queue string, opts ReceiveOptions) (*Delivery, error) {
	wait := opts.Wait
	if wait <= 0 {
		wait = defaultPollWait
	}
	deadline := time.Now().Add(wait)

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		if d := p.tryReceiveLocked(queue, opts.SessionKey); d != nil {
			p.mu.Unlock()
			return d, nil
		}

		sig := p.signal
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-sig:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// Ack removes the held message and releases the session lock.
func (p *MemoryProvider) Ack(ctx context.Context, receipt Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r, ok := receipt.(*memReceipt)
	if !ok {
		return fmt.Errorf("%w: foreign receipt", ErrStaleReceipt)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.heldSession(r)
	if err != nil {
		return err
	}

	s.msgs = s.msgs[1:]
	s.locked = false
	s.lockHandle = ""
	p.broadcast()
	return nil
}

// DeadLetter moves the held message to the queue's dead-letter area and
// releases the session lock.
func (p *MemoryProvider) DeadLetter(ctx context.Context, receipt Receipt, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r, ok := receipt.(*memReceipt)
	if !ok {
		return fmt.Errorf("%w: foreign receipt", ErrStaleReceipt)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.heldSession(r)
	if err != nil {
		return err
	}

	msg := s.msgs[0]
	s.msgs = s.msgs[1:]
	s.locked = false
	s.lockHandle = ""

	q := p.queue(r.queue)
	q.dead = append(q.dead, DeadLetteredMessage{
		MessageID:  msg.id,
		Body:       msg.body,
		SessionKey: r.session,
		Reason:     reason,
	})

	p.broadcast()
	return nil
}

// Health reports whether the provider is usable.
func (p *MemoryProvider) Health(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the provider closed and wakes all waiters.
func (p *MemoryProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.broadcast()
	}
	return nil
}

// Depth returns the number of pending messages in a queue, for tests.
func (p *MemoryProvider) Depth(queue string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.queues[queue]
	if !ok {
		return 0
	}
	n := 0
	for _, s := range q.sessions {
		n += len(s.msgs)
	}
	return n
}

// DeadLettered returns the dead-lettered messages of a queue, for tests.
func (p *MemoryProvider) DeadLettered(queue string) []DeadLetteredMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.queues[queue]
	if !ok {
		return nil
	}
	out := make([]DeadLetteredMessage, len(q.dead))
	copy(out, q.dead)
	return out
}

// tryReceiveLocked finds an unlocked session with a pending message.
// Must be called with the lock held.
func (p *MemoryProvider) tryReceiveLocked(queue, sessionKey string) *Delivery {
	q, ok := p.queues[queue]
	if !ok {
		return nil
	}

	try := func(key string, s *memSession) *Delivery {
		if s == nil || s.locked || len(s.msgs) == 0 {
			return nil
		}
		s.locked = true
		s.lockHandle = uuid.New().String()

		msg := s.msgs[0]
		return &Delivery{
			MessageID:  msg.id,
			Body:       msg.body,
			SessionKey: key,
			Attributes: msg.attrs,
			Receipt: &memReceipt{
				queue:   queue,
				session: key,
				handle:  s.lockHandle,
				msgID:   msg.id,
			},
		}
	}

	if sessionKey != "" {
		return try(sessionKey, q.sessions[sessionKey])
	}

	for key, s := range q.sessions {
		if d := try(key, s); d != nil {
			return d
		}
	}
	return nil
}

// heldSession resolves a receipt to the session it locks. Must be called
// with the lock held.
func (p *MemoryProvider) heldSession(r *memReceipt) (*memSession, error) {
	q, ok := p.queues[r.queue]
	if !ok {
		return nil, ErrStaleReceipt
	}
	s, ok := q.sessions[r.session]
	if !ok || !s.locked || s.lockHandle != r.handle || len(s.msgs) == 0 {
		return nil, ErrStaleReceipt
	}
	return s, nil
}

func (p *MemoryProvider) queue(name string) *memQueue {
	q, ok := p.queues[name]
	if !ok {
		q = &memQueue{sessions: make(map[string]*memSession)}
		p.queues[name] = q
	}
	return q
}

func (q *memQueue) session(key string) *memSession {
	s, ok := q.sessions[key]
	if !ok {
		s = &memSession{}
		q.sessions[key] = s
	}
	return s
}

// broadcast wakes all waiting receivers. Must be called with the lock held.
func (p *MemoryProvider) broadcast() {
	close(p.signal)
	p.signal = make(chan struct{})
}
