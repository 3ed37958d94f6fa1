package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hookbridge/hookbridge/internal/model"
	"github.com/hookbridge/hookbridge/internal/secrets"
)

const (
	gitlabTokenHeader = "X-Gitlab-Token"
	gitlabEventHeader = "X-Gitlab-Event"
	gitlabUUIDHeader  = "X-Gitlab-Event-Uuid"
)

// gitlabEventKinds maps the payload object_kind to the canonical event
// types the gateway routes.
var gitlabEventKinds = map[string]bool{
	"push":          true,
	"tag_push":      true,
	"issue":         true,
	"note":          true,
	"merge_request": true,
	"pipeline":      true,
	"release":       true,
}

// GitLabValidator verifies GitLab webhook deliveries. GitLab does not
// sign payloads; it sends the configured secret verbatim in the
// X-Gitlab-Token header, so validation is a constant-time token compare.
type GitLabValidator struct {
	secrets secrets.Provider
}

// NewGitLabValidator creates a validator backed by the given secret source.
func NewGitLabValidator(sp secrets.Provider) *GitLabValidator {
	return &GitLabValidator{secrets: sp}
}

// Provider returns "gitlab".
func (v *GitLabValidator) Provider() string { return "gitlab" }

// Validate checks required headers and compares the shared token in
// constant time.
func (v *GitLabValidator) Validate(ctx context.Context, req *model.WebhookRequest) (model.ValidationStatus, error) {
	if len(req.Payload) == 0 {
		return model.StatusMalformedPayload, nil
	}
	if req.Header.Get(gitlabEventHeader) == "" {
		return model.StatusMalformedPayload, nil
	}

	token := req.Header.Get(gitlabTokenHeader)
	if token == "" {
		return model.StatusMalformedPayload, nil
	}

	secret, err := v.secrets.GetSecret(ctx, v.Provider())
	if err != nil {
		return model.StatusInvalidSignature, fmt.Errorf("fetch signing secret: %w", err)
	}

	if !hmac.Equal([]byte(token), secret) {
		return model.StatusInvalidSignature, nil
	}

	kind := gitlabObjectKind(req.Payload)
	if kind == "" {
		return model.StatusMalformedPayload, nil
	}
	if !gitlabEventKinds[kind] {
		return model.StatusUnsupportedEventType, nil
	}

	return model.StatusValid, nil
}

// gitlabPayload picks the identity fields out of a hook payload.
type gitlabPayload struct {
	ObjectKind string `json:"object_kind"`
	Project    struct {
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
}

// Normalize maps the hook into a canonical envelope. The event UUID
// header is used as the envelope ID when present; the project path is
// the ordering session key.
func (v *GitLabValidator) Normalize(req *model.WebhookRequest) (*model.Envelope, error) {
	var p gitlabPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, fmt.Errorf("parse gitlab payload: %w", err)
	}

	id := req.Header.Get(gitlabUUIDHeader)
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}

	return &model.Envelope{
		ID:         id,
		EventType:  p.ObjectKind,
		Provider:   v.Provider(),
		Repository: p.Project.PathWithNamespace,
		SessionKey: p.Project.PathWithNamespace,
		Payload:    req.Payload,
		ReceivedAt: req.ReceivedAt,
		Status:     model.StatusValid,
	}, nil
}

func gitlabObjectKind(payload []byte) string {
	var p gitlabPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return strings.TrimSpace(p.ObjectKind)
}
