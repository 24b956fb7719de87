package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
)

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := "test-secret"
	handler := NewWebhookHandler(secret)
	payload := []byte(`{"action": "opened"}`)

	tests := []struct {
		name      string
		signature string
		wantErr   error
	}{
		{"missing signature", "", ErrMissingSignature},
		{"no prefix", "abc123", ErrMalformedSignature},
		{"wrong algorithm", "sha1=abc123", ErrMalformedSignature},
		{"invalid hex", "sha256=zzzz", ErrMalformedSignature},
		{"valid signature", sign(secret, payload), nil},
		{"signature for other payload", sign(secret, []byte(`{"action": "closed"}`)), ErrInvalidSignature},
		{"wrong secret", sign("other-secret", payload), ErrInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := handler.VerifySignature(payload, tt.signature)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifySignature() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// A digest with one flipped trailing byte must be rejected.
func TestVerifySignatureFlippedByte(t *testing.T) {
	secret := "test-secret"
	handler := NewWebhookHandler(secret)
	payload := []byte(`{"action": "opened"}`)

	valid := sign(secret, payload)
	last := valid[len(valid)-1]
	flipped := valid[:len(valid)-1]
	if last == 'a' {
		flipped += "b"
	} else {
		flipped += "a"
	}

	if err := handler.VerifySignature(payload, flipped); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("VerifySignature(flipped) = %v, want ErrInvalidSignature", err)
	}
}

func TestParsePullRequestEvent(t *testing.T) {
	payload := []byte(`{
		"action": "opened",
		"number": 7,
		"pull_request": {
			"number": 7,
			"title": "Add feature",
			"draft": false,
			"changed_files": 3,
			"labels": [{"name": "enhancement"}],
			"head": {"sha": "abc123", "ref": "feature"},
			"base": {"sha": "def456", "ref": "main"},
			"user": {"login": "alice"}
		},
		"repository": {"id": 42, "name": "repo", "full_name": "org/repo", "owner": {"login": "org"}},
		"installation": {"id": 1001},
		"sender": {"login": "alice"}
	}`)

	event, err := NewWebhookHandler("s").ParsePullRequestEvent(payload)
	if err != nil {
		t.Fatalf("ParsePullRequestEvent() error = %v", err)
	}
	if event.PullRequest.Head.SHA != "abc123" {
		t.Errorf("head SHA = %q, want abc123", event.PullRequest.Head.SHA)
	}
	if event.PullRequest.ChangedFiles != 3 {
		t.Errorf("changed files = %d, want 3", event.PullRequest.ChangedFiles)
	}
	if len(event.PullRequest.Labels) != 1 || event.PullRequest.Labels[0].Name != "enhancement" {
		t.Errorf("labels = %+v", event.PullRequest.Labels)
	}
	if event.Installation.ID != 1001 {
		t.Errorf("installation = %d, want 1001", event.Installation.ID)
	}

	if _, err := NewWebhookHandler("s").ParsePullRequestEvent([]byte(`{"action":"opened"}`)); err == nil {
		t.Error("expected error for payload without pull_request")
	}
}

func TestReviewableAction(t *testing.T) {
	tests := []struct {
		action string
		want   bool
	}{
		{"opened", true},
		{"synchronize", true},
		{"reopened", true},
		{"ready_for_review", true},
		{"closed", false},
		{"labeled", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ReviewableAction(tt.action); got != tt.want {
			t.Errorf("ReviewableAction(%q) = %v, want %v", tt.action, got, tt.want)
		}
	}
}

func TestParseReviewCommentEvent(t *testing.T) {
	payload := []byte(`{
		"action": "created",
		"comment": {"id": 555, "in_reply_to_id": 444, "body": "fix this please", "path": "src/a.py"},
		"pull_request": {"number": 7, "head": {"sha": "abc"}},
		"repository": {"id": 42, "name": "repo", "owner": {"login": "org"}},
		"installation": {"id": 1001},
		"sender": {"login": "bob"}
	}`)

	event, err := NewWebhookHandler("s").ParseReviewCommentEvent(payload)
	if err != nil {
		t.Fatalf("ParseReviewCommentEvent() error = %v", err)
	}
	if event.Comment.InReplyToID != 444 {
		t.Errorf("in_reply_to = %d, want 444", event.Comment.InReplyToID)
	}
}

func TestParseInstallationEvent(t *testing.T) {
	payload := []byte(`{
		"action": "created",
		"installation": {"id": 1001, "account": {"login": "org", "type": "Organization"}},
		"repositories": [{"id": 1, "full_name": "org/a"}, {"id": 2, "full_name": "org/b"}]
	}`)

	event, err := NewWebhookHandler("s").ParseInstallationEvent(payload)
	if err != nil {
		t.Fatalf("ParseInstallationEvent() error = %v", err)
	}
	if event.Installation.ID != 1001 || len(event.Repositories) != 2 {
		t.Errorf("event = %+v", event)
	}
}
