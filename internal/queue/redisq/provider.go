// Package redisq implements the queue provider interface on Redis lists.
// It models a simple cloud queue: at-least-once delivery with an explicit
// processing list (messages move back for redelivery by an external
// reaper), and no cross-receiver ordering guarantee. Session keys are
// carried through but ordering capability is advertised as absent.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hookbridge/hookbridge/internal/queue"
)

const (
	keyPrefix = "hookbridge:q:"

	// pollInterval is how often Receive polls for new messages.
	pollInterval = 50 * time.Millisecond

	defaultWait = 5 * time.Second
)

// Provider is a Redis-list-backed queue provider.
type Provider struct {
	client *redis.Client
}

// wireMessage is the JSON representation stored in the list.
type wireMessage struct {
	ID         string            `json:"id"`
	Body       []byte            `json:"body"`
	SessionKey string            `json:"session_key,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}

type receipt struct {
	queue string
	raw   string
	msgID string
}

func (r *receipt) MessageID() string { return r.msgID }

// New connects to Redis using a redis:// URL.
func New(redisURL string) (*Provider, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid redis URL: %v", queue.ErrBadConfig, err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", translate(err))
	}

	return &Provider{client: client}, nil
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(client *redis.Client) *Provider {
	return &Provider{client: client}
}

// Name returns "redis".
func (p *Provider) Name() string { return "redis" }

// Capabilities reports no session ordering: messages taken into different
// receivers' processing lists may complete in any order.
func (p *Provider) Capabilities() queue.Capabilities {
	return queue.Capabilities{SessionOrdering: false}
}

// Send pushes the message onto the queue's pending list.
func (p *Provider) Send(ctx context.Context, q string, msg *queue.Message) (string, error) {
	wm := wireMessage{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Body:       msg.Body,
		SessionKey: msg.SessionKey,
		Attributes: msg.Attributes,
	}

	data, err := json.Marshal(wm)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	if err := p.client.LPush(ctx, pendingKey(q), data).Err(); err != nil {
		return "", fmt.Errorf("push message: %w", translate(err))
	}
	return wm.ID, nil
}

// Receive polls the pending list, atomically moving the next message into
// the processing list. Returns (nil, nil) when the wait elapses with
// nothing available.
func (p *Provider) Receive(ctx context.Context, q string, opts queue.ReceiveOptions) (*queue.Delivery, error) {
	wait := opts.Wait
	if wait <= 0 {
		wait = defaultWait
	}
	deadline := time.Now().Add(wait)

	for {
		raw, err := p.client.RPopLPush(ctx, pendingKey(q), processingKey(q)).Result()
		switch {
		case err == nil:
			var wm wireMessage
			if err := json.Unmarshal([]byte(raw), &wm); err != nil {
				// Unparseable entries are quarantined rather than looped.
				_ = p.client.LRem(ctx, processingKey(q), 1, raw).Err()
				_ = p.client.LPush(ctx, deadKey(q), raw).Err()
				continue
			}
			return &queue.Delivery{
				MessageID:  wm.ID,
				Body:       wm.Body,
				SessionKey: wm.SessionKey,
				Attributes: wm.Attributes,
				Receipt:    &receipt{queue: q, raw: raw, msgID: wm.ID},
			}, nil

		case errors.Is(err, redis.Nil):
			if time.Now().After(deadline) {
				return nil, nil
			}
			timer := time.NewTimer(pollInterval)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}

		default:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("pop message: %w", translate(err))
		}
	}
}

// Ack removes the message from the processing list.
func (p *Provider) Ack(ctx context.Context, r queue.Receipt) error {
	rec, ok := r.(*receipt)
	if !ok {
		return fmt.Errorf("%w: foreign receipt", queue.ErrStaleReceipt)
	}

	n, err := p.client.LRem(ctx, processingKey(rec.queue), 1, rec.raw).Result()
	if err != nil {
		return fmt.Errorf("ack message: %w", translate(err))
	}
	if n == 0 {
		return queue.ErrStaleReceipt
	}
	return nil
}

// DeadLetter moves the message from the processing list to the dead list,
// annotated with the failure reason.
func (p *Provider) DeadLetter(ctx context.Context, r queue.Receipt, reason string) error {
	rec, ok := r.(*receipt)
	if !ok {
		return fmt.Errorf("%w: foreign receipt", queue.ErrStaleReceipt)
	}

	n, err := p.client.LRem(ctx, processingKey(rec.queue), 1, rec.raw).Result()
	if err != nil {
		return fmt.Errorf("remove from processing: %w", translate(err))
	}
	if n == 0 {
		return queue.ErrStaleReceipt
	}

	var wm wireMessage
	if err := json.Unmarshal([]byte(rec.raw), &wm); err == nil {
		wm.Reason = reason
		if data, err := json.Marshal(wm); err == nil {
			return translate(p.client.LPush(ctx, deadKey(rec.queue), data).Err())
		}
	}
	return translate(p.client.LPush(ctx, deadKey(rec.queue), rec.raw).Err())
}

// Health pings the server.
func (p *Provider) Health(ctx context.Context) error {
	return translate(p.client.Ping(ctx).Err())
}

// Close releases the client connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

func pendingKey(q string) string    { return keyPrefix + q }
func processingKey(q string) string { return keyPrefix + q + ":processing" }
func deadKey(q string) string       { return keyPrefix + q + ":dead" }

// translate maps go-redis errors to the shared queue sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", queue.ErrTimeout, err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "NOAUTH"), strings.Contains(msg, "WRONGPASS"):
		return fmt.Errorf("%w: %v", queue.ErrUnauthorized, err)
	case strings.Contains(msg, "LOADING"), strings.Contains(msg, "BUSY"):
		return fmt.Errorf("%w: %v", queue.ErrThrottled, err)
	}
	return err
}
