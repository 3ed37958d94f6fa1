// Package webhook verifies inbound webhook requests and normalizes them
// into canonical envelopes. One Validator exists per supported provider;
// the provider set is closed and enumerated at startup.
package webhook

import (
	"context"

	"github.com/hookbridge/hookbridge/internal/model"
)

// Validator authenticates and normalizes requests for one provider.
type Validator interface {
	// Provider returns the provider identifier ("github", "gitlab").
	Provider() string

	// Validate verifies the request's authenticity and shape. The error
	// return is reserved for infrastructure failures (secret lookup);
	// all request-level problems are expressed as a ValidationStatus.
	Validate(ctx context.Context, req *model.WebhookRequest) (model.ValidationStatus, error)

	// Normalize converts a validated request into a canonical envelope.
	// It must only be called after Validate returned StatusValid.
	Normalize(req *model.WebhookRequest) (*model.Envelope, error)
}

// Registry holds the closed set of provider validators.
type Registry struct {
	byName map[string]Validator
}

// NewRegistry constructs a registry from the given validators.
func NewRegistry(validators ...Validator) *Registry {
	r := &Registry{byName: make(map[string]Validator, len(validators))}
	for _, v := range validators {
		r.byName[v.Provider()] = v
	}
	return r
}

// Find returns the validator for a provider, or nil if unknown.
func (r *Registry) Find(provider string) Validator {
	return r.byName[provider]
}

// Providers returns the registered provider names.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}
