package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingSignature indicates the signature header is absent.
	ErrMissingSignature = errors.New("missing webhook signature")
	// ErrMalformedSignature indicates the header lacks the sha256= prefix or
	// carries invalid hex.
	ErrMalformedSignature = errors.New("malformed webhook signature")
	// ErrInvalidSignature indicates the digest did not match.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// WebhookHandler verifies and parses GitHub webhook deliveries.
type WebhookHandler struct {
	secret []byte
}

// NewWebhookHandler creates a webhook handler with the given shared secret.
func NewWebhookHandler(secret string) *WebhookHandler {
	return &WebhookHandler{secret: []byte(secret)}
}

// VerifySignature checks the delivery's HMAC-SHA256 signature against the
// raw body. The header format is "sha256=<hex>". Comparison is constant-time
// so the running time does not depend on where the digests diverge. This
// must run before any parse or side-effect; the three reject reasons are
// disjoint.
func (h *WebhookHandler) VerifySignature(payload []byte, signatureHeader string) error {
	if signatureHeader == "" {
		return ErrMissingSignature
	}

	digestHex, ok := strings.CutPrefix(signatureHeader, "sha256=")
	if !ok {
		return ErrMalformedSignature
	}
	received, err := hex.DecodeString(digestHex)
	if err != nil {
		return ErrMalformedSignature
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(payload)
	if !hmac.Equal(received, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// ParsePullRequestEvent parses a pull_request webhook payload.
func (h *WebhookHandler) ParsePullRequestEvent(payload []byte) (*WebhookEvent, error) {
	var event WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}
	if event.PullRequest == nil {
		return nil, errors.New("payload is not a pull request event")
	}
	if event.Repository == nil || event.Installation == nil {
		return nil, errors.New("payload is missing repository or installation")
	}
	return &event, nil
}

// ReviewableAction reports whether a pull_request action should trigger a
// review: opened, synchronize, reopened, ready_for_review.
func ReviewableAction(action string) bool {
	switch action {
	case "opened", "synchronize", "reopened", "ready_for_review":
		return true
	default:
		return false
	}
}

// ParseReviewCommentEvent parses a pull_request_review_comment payload.
func (h *WebhookHandler) ParseReviewCommentEvent(payload []byte) (*ReviewCommentEvent, error) {
	var event ReviewCommentEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to parse review comment payload: %w", err)
	}
	if event.Comment == nil {
		return nil, errors.New("payload is missing comment")
	}
	return &event, nil
}

// ParseInstallationEvent parses an installation or installation_repositories
// payload.
func (h *WebhookHandler) ParseInstallationEvent(payload []byte) (*InstallationEvent, error) {
	var event InstallationEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to parse installation payload: %w", err)
	}
	if event.Installation == nil {
		return nil, errors.New("payload is missing installation")
	}
	return &event, nil
}
