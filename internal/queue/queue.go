// Package queue defines the uniform interface over heterogeneous message
// queue backends and the error classification shared by all of them.
// Backends differ in ordering guarantees; callers must consult
// Capabilities before assuming session ordering.
package queue

import (
	"context"
	"time"
)

// Capabilities advertises what a backend supports.
type Capabilities struct {
	// SessionOrdering is true when messages sharing a session key are
	// delivered in send order, with at most one unacked message per
	// session at a time.
	SessionOrdering bool
}

// Message is an outbound message.
type Message struct {
	Body       []byte
	SessionKey string
	Attributes map[string]string
}

// ReceiveOptions controls one receive call.
type ReceiveOptions struct {
	// SessionKey restricts the receive to one session. Empty receives
	// from any session.
	SessionKey string

	// Wait is the maximum time to wait for a message. Zero uses the
	// provider default.
	Wait time.Duration
}

// Receipt identifies one received-but-unacked message. A receipt is valid
// only until the message is acked, dead-lettered, or redelivered.
type Receipt interface {
	MessageID() string
}

// Delivery is one received message together with its receipt.
type Delivery struct {
	MessageID  string
	Body       []byte
	SessionKey string
	Attributes map[string]string
	Receipt    Receipt
}

// Provider is the uniform capability set across queue backends.
//
// Receive blocks up to the poll timeout and returns (nil, nil) when
// nothing is available; an error is returned only for failures or
// context cancellation, never for an empty queue.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Send(ctx context.Context, queue string, msg *Message) (string, error)
	Receive(ctx context.Context, queue string, opts ReceiveOptions) (*Delivery, error)
	Ack(ctx context.Context, receipt Receipt) error
	DeadLetter(ctx context.Context, receipt Receipt, reason string) error
	Health(ctx context.Context) error
	Close() error
}
