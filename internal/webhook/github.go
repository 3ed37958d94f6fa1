package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hookbridge/hookbridge/internal/model"
	"github.com/hookbridge/hookbridge/internal/secrets"
)

const (
	githubSignatureHeader = "X-Hub-Signature-256"
	githubEventHeader     = "X-GitHub-Event"
	githubDeliveryHeader  = "X-GitHub-Delivery"
	githubSignaturePrefix = "sha256="
)

// githubEventTypes is the closed set of event types the gateway routes.
var githubEventTypes = map[string]bool{
	"ping":                true,
	"push":                true,
	"pull_request":        true,
	"pull_request_review": true,
	"issues":              true,
	"issue_comment":       true,
	"release":             true,
	"workflow_run":        true,
	"check_suite":         true,
	"deployment":          true,
}

// GitHubValidator verifies GitHub webhook deliveries using the
// X-Hub-Signature-256 HMAC-SHA256 scheme.
type GitHubValidator struct {
	secrets secrets.Provider
}

// NewGitHubValidator creates a validator that fetches the signing secret
// from the given provider on every request.
func NewGitHubValidator(sp secrets.Provider) *GitHubValidator {
	return &GitHubValidator{secrets: sp}
}

// Provider returns "github".
func (v *GitHubValidator) Provider() string { return "github" }

// Validate checks required headers, recomputes the payload HMAC and
// compares it against the signature header in constant time.
func (v *GitHubValidator) Validate(ctx context.Context, req *model.WebhookRequest) (model.ValidationStatus, error) {
	if len(req.Payload) == 0 {
		return model.StatusMalformedPayload, nil
	}
	if req.Header.Get(githubDeliveryHeader) == "" {
		return model.StatusMalformedPayload, nil
	}

	signature := req.Header.Get(githubSignatureHeader)
	if signature == "" {
		return model.StatusMalformedPayload, nil
	}

	event := req.Header.Get(githubEventHeader)
	if event == "" {
		return model.StatusMalformedPayload, nil
	}

	secret, err := v.secrets.GetSecret(ctx, v.Provider())
	if err != nil {
		return model.StatusInvalidSignature, fmt.Errorf("fetch signing secret: %w", err)
	}

	if !verifyHMAC(secret, req.Payload, signature) {
		return model.StatusInvalidSignature, nil
	}

	if !githubEventTypes[event] {
		return model.StatusUnsupportedEventType, nil
	}

	if !json.Valid(req.Payload) {
		return model.StatusMalformedPayload, nil
	}

	return model.StatusValid, nil
}

// githubPayload picks the identity fields out of a delivery payload.
type githubPayload struct {
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Normalize maps the delivery into a canonical envelope. The envelope ID
// is the provider's delivery GUID, which keeps normalization of the same
// raw request deterministic and lets downstream consumers dedupe. The
// session key is the repository identity: all events for one repository
// are delivered in order.
func (v *GitHubValidator) Normalize(req *model.WebhookRequest) (*model.Envelope, error) {
	var p githubPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, fmt.Errorf("parse github payload: %w", err)
	}

	id := req.Header.Get(githubDeliveryHeader)
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}

	return &model.Envelope{
		ID:         id,
		EventType:  req.Header.Get(githubEventHeader),
		Provider:   v.Provider(),
		Repository: p.Repository.FullName,
		SessionKey: p.Repository.FullName,
		Payload:    req.Payload,
		ReceivedAt: req.ReceivedAt,
		Status:     model.StatusValid,
	}, nil
}

// verifyHMAC recomputes the HMAC-SHA256 of payload and compares it with
// the "sha256=<hex>" header value in constant time.
func verifyHMAC(secret, payload []byte, header string) bool {
	if !strings.HasPrefix(header, githubSignaturePrefix) {
		return false
	}

	got, err := hex.DecodeString(strings.TrimPrefix(header, githubSignaturePrefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// SignPayload computes the "sha256=<hex>" signature for a payload. Used
// by tests and by tooling that replays stored deliveries.
func SignPayload(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return githubSignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
