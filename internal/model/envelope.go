// Package model defines the canonical event types shared across the
// delivery pipeline.
package model

import (
	"net/http"
	"time"
)

// ValidationStatus is the terminal outcome of webhook validation.
// It is assigned exactly once and never changes afterwards.
type ValidationStatus int

const (
	StatusValid ValidationStatus = iota
	StatusInvalidSignature
	StatusMalformedPayload
	StatusUnsupportedEventType
)

// String returns the wire name of the status.
func (s ValidationStatus) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusInvalidSignature:
		return "invalid_signature"
	case StatusMalformedPayload:
		return "malformed_payload"
	case StatusUnsupportedEventType:
		return "unsupported_event_type"
	default:
		return "unknown"
	}
}

// WebhookRequest is the raw inbound request as received at the HTTP
// boundary. It is immutable once constructed.
type WebhookRequest struct {
	Provider   string
	Payload    []byte
	Header     http.Header
	ReceivedAt time.Time
}

// Envelope is the canonical, provider-independent representation of one
// inbound event. Envelopes are created by a normalizer and never mutated
// afterwards.
type Envelope struct {
	// ID is globally unique and monotonic-sortable (UUIDv7).
	ID string `json:"id"`

	// EventType is the canonical event type (e.g. "push", "merge_request").
	EventType string `json:"event_type"`

	// Provider identifies the source webhook provider.
	Provider string `json:"provider"`

	// Repository is the owner/name identity of the originating repository.
	Repository string `json:"repository"`

	// SessionKey groups events that must be delivered in order relative to
	// each other. Empty means no ordering guarantee is required.
	SessionKey string `json:"session_key,omitempty"`

	// Payload is the original raw payload bytes.
	Payload []byte `json:"payload"`

	// ReceivedAt is the arrival timestamp of the original request.
	ReceivedAt time.Time `json:"received_at"`

	// Status is the validation outcome at normalization time.
	Status ValidationStatus `json:"status"`
}

// FailedEventRecord is the append-only dead-letter entry written when an
// envelope exhausts its delivery attempts.
type FailedEventRecord struct {
	Envelope      *Envelope `json:"envelope"`
	Reason        string    `json:"reason"`
	Error         string    `json:"error,omitempty"`
	Attempts      int       `json:"attempts"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastFailedAt  time.Time `json:"last_failed_at"`
}
