package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"typed transient", New(KindTransient, "timeout"), KindTransient},
		{"wrapped typed", fmt.Errorf("outer: %w", New(KindNotFound, "gone")), KindNotFound},
		{"context deadline", context.DeadlineExceeded, KindTransient},
		{"plain error", errors.New("boom"), KindInternal},
		{"rate limited", RateLimited("slow down", time.Now()), KindRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(New(KindTransient, "x")) || !Retryable(RateLimited("x", time.Time{})) {
		t.Error("transient and rate-limited must be retryable")
	}
	if Retryable(New(KindNotFound, "x")) || Retryable(New(KindAuth, "x")) ||
		Retryable(New(KindValidation, "x")) || Retryable(New(KindInternal, "x")) {
		t.Error("terminal kinds must not be retryable")
	}
}

func TestResetAt(t *testing.T) {
	at := time.Unix(1900000000, 0)
	err := fmt.Errorf("wrapped: %w", RateLimited("limit", at))
	if got := ResetAt(err); !got.Equal(at) {
		t.Errorf("ResetAt() = %v, want %v", got, at)
	}
	if got := ResetAt(errors.New("plain")); !got.IsZero() {
		t.Errorf("ResetAt(plain) = %v, want zero", got)
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{404, KindNotFound},
		{422, KindValidation},
		{401, KindAuth},
		{500, KindTransient},
		{503, KindTransient},
		{400, KindInternal},
	}
	for _, tt := range tests {
		if got := FromStatus(tt.status); got != tt.want {
			t.Errorf("FromStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
