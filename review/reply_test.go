package review

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pullsentry/pullsentry/storage"
)

func TestClassifyIntentKeywords(t *testing.T) {
	fake := &fakeCompleter{response: "converse", cost: 0}
	tracker := NewConversationTracker(nil, fake, nil, "cheap-model", quietLogger())

	tests := []struct {
		message string
		want    string
	}{
		{"Please fix this for me", IntentFix},
		{"can you fix it?", IntentFix},
		{"Why does this matter? Explain.", IntentExplain},
		{"I don't understand the problem", IntentExplain},
		{"This is a false positive, dismiss", IntentDismiss},
		{"This is intended behavior", IntentDismiss},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			if got := tracker.ClassifyIntent(context.Background(), tt.message); got != tt.want {
				t.Errorf("ClassifyIntent(%q) = %q, want %q", tt.message, got, tt.want)
			}
		})
	}

	// No keyword match falls through to the model.
	before := fake.calls.Load()
	if got := tracker.ClassifyIntent(context.Background(), "hmm, interesting thought"); got != IntentConverse {
		t.Errorf("ambiguous message = %q, want converse", got)
	}
	if fake.calls.Load() != before+1 {
		t.Error("ambiguous message must consult the model")
	}
}

func TestAppendTurnCapsHistory(t *testing.T) {
	history := []storage.ThreadMessage{
		{Role: "assistant", Body: "original finding", At: time.Now()},
	}
	for i := 0; i < 40; i++ {
		history = appendTurn(history, storage.ThreadMessage{
			Role: "user",
			Body: fmt.Sprintf("turn %d", i),
			At:   time.Now(),
		})
	}

	if len(history) != historyTurnCap {
		t.Fatalf("history length = %d, want cap %d", len(history), historyTurnCap)
	}
	if history[0].Body != "original finding" {
		t.Errorf("first message = %q, want original finding retained", history[0].Body)
	}
	if history[len(history)-1].Body != "turn 39" {
		t.Errorf("last message = %q, want newest retained", history[len(history)-1].Body)
	}
}
