package logging

import "log/slog"

// Common field names for consistent logging across the gateway.
const (
	FieldService    = "service"
	FieldProvider   = "provider"
	FieldEventID    = "event_id"
	FieldEventType  = "event_type"
	FieldQueue      = "queue"
	FieldSessionKey = "session_key"
	FieldAttempt    = "attempt"
	FieldError      = "error"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Provider returns a slog attribute for the webhook provider name.
func Provider(name string) slog.Attr {
	return slog.String(FieldProvider, name)
}

// EventID returns a slog attribute for the envelope ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// EventType returns a slog attribute for the canonical event type.
func EventType(t string) slog.Attr {
	return slog.String(FieldEventType, t)
}

// Queue returns a slog attribute for the destination queue name.
func Queue(name string) slog.Attr {
	return slog.String(FieldQueue, name)
}

// SessionKey returns a slog attribute for the ordering session key.
func SessionKey(key string) slog.Attr {
	return slog.String(FieldSessionKey, key)
}

// Attempt returns a slog attribute for the delivery attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Error returns a slog attribute for an error value.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
