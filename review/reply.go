package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pullsentry/pullsentry/github"
	"github.com/pullsentry/pullsentry/llm"
	"github.com/pullsentry/pullsentry/queue"
	"github.com/pullsentry/pullsentry/storage"
)

// historyTurnCap bounds a thread's stored history. When exceeded, the
// oldest turns are dropped but the original finding (first message) is
// retained.
const historyTurnCap = 20

// Intent labels for review-comment replies.
const (
	IntentFix      = "fix"
	IntentExplain  = "explain"
	IntentDismiss  = "dismiss"
	IntentConverse = "converse"
)

// ConversationTracker routes review-comment replies to intent handlers and
// maintains per-thread state.
type ConversationTracker struct {
	gh         *github.Client
	llm        llm.Completer
	store      storage.Storage
	cheapModel string
	logger     *slog.Logger
}

// NewConversationTracker wires the tracker's collaborators.
func NewConversationTracker(gh *github.Client, completer llm.Completer, store storage.Storage, cheapModel string, logger *slog.Logger) *ConversationTracker {
	return &ConversationTracker{gh: gh, llm: completer, store: store, cheapModel: cheapModel, logger: logger}
}

// intentKeywords decide the obvious cases without a model call. Order
// matters: the first matching intent wins.
var intentKeywords = []struct {
	intent   string
	keywords []string
}{
	{IntentDismiss, []string{"dismiss", "ignore this", "not an issue", "false positive", "wontfix", "won't fix", "intended", "by design"}},
	{IntentFix, []string{"fix this", "fix it", "apply the fix", "please fix", "can you fix", "suggest a fix", "make the change"}},
	{IntentExplain, []string{"explain", "why is this", "why does", "what do you mean", "don't understand", "elaborate"}},
}

// ClassifyIntent classifies a reply by keyword rule first, then by a cheap
// model call for ambiguous text.
func (t *ConversationTracker) ClassifyIntent(ctx context.Context, message string) string {
	lower := strings.ToLower(message)
	for _, rule := range intentKeywords {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.intent
			}
		}
	}

	res, err := t.llm.Complete(ctx, t.cheapModel, "", intentPrompt(message))
	if err != nil {
		t.logger.Warn("intent classification failed, defaulting to converse", "error", err)
		return IntentConverse
	}
	return ParseIntent(res.Text)
}

// HandleReply processes one review-comment reply task. Unknown threads are
// acknowledged and dropped: the comment is not one of ours.
func (t *ConversationTracker) HandleReply(ctx context.Context, task *queue.Task) error {
	thread, err := t.store.GetThread(ctx, task.CommentID)
	if err != nil {
		return err
	}
	if thread == nil {
		t.logger.Info("reply references unknown thread, ignoring", "comment_id", task.CommentID)
		return nil
	}

	logger := t.logger.With("comment_id", thread.CommentID, "repo", thread.Owner+"/"+thread.Repo, "pr", thread.PRNumber)

	intent := t.ClassifyIntent(ctx, task.CommentBody)
	logger.Info("classified reply", "intent", intent, "sender", task.SenderLogin)

	now := time.Now().UTC()
	thread.History = appendTurn(thread.History, storage.ThreadMessage{Role: "user", Body: task.CommentBody, At: now})

	var reply string
	switch intent {
	case IntentDismiss:
		if thread.FindingID != "" {
			if err := t.store.DismissFinding(ctx, thread.FindingID); err != nil {
				logger.Warn("failed to mark finding dismissed", "error", err)
			}
		}
		reply = "Understood — I've dismissed this finding. It won't be raised again for this pull request."

	case IntentFix, IntentExplain, IntentConverse:
		reply, err = t.generateReply(ctx, thread, task.CommentBody, intent)
		if err != nil {
			return err
		}
	}

	posted, err := t.gh.CreateReplyComment(ctx, thread.InstallationID, thread.Owner, thread.Repo, thread.PRNumber, thread.CommentID, reply)
	if err != nil {
		return err
	}
	logger.Info("reply posted", "reply_id", posted.ID)

	thread.History = appendTurn(thread.History, storage.ThreadMessage{Role: "assistant", Body: reply, At: time.Now().UTC()})
	return t.store.UpdateThreadHistory(ctx, thread.CommentID, thread.History)
}

// generateReply builds the model answer for fix / explain / converse. Fix
// handlers re-fetch the file at the PR's current head: the thread's pinned
// commit may be stale and suggested edits must target what is there now.
func (t *ConversationTracker) generateReply(ctx context.Context, thread *storage.Thread, userMessage, intent string) (string, error) {
	currentContent := ""
	if pr, err := t.gh.GetPullRequest(ctx, thread.InstallationID, thread.Owner, thread.Repo, thread.PRNumber); err == nil && pr.Head != nil {
		currentContent, _ = t.gh.FetchFileContent(ctx, thread.InstallationID, thread.Owner, thread.Repo, thread.FilePath, pr.Head.SHA)
	}

	finding := ""
	if len(thread.History) > 0 {
		finding = thread.History[0].Body
	}

	var lines []string
	for _, m := range thread.History {
		lines = append(lines, fmt.Sprintf("[%s] %s", m.Role, clip(m.Body, 1000)))
	}

	prompt := replyPrompt(finding, thread.FilePath, thread.Line, thread.FileContent, currentContent, lines, userMessage)
	if intent == IntentFix {
		prompt += "\nThe user wants a concrete fix. Provide a suggestion block they can apply."
	}

	res, err := t.llm.Complete(ctx, t.cheapModel, replySystemPrompt, prompt)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// appendTurn appends a message, enforcing the turn cap while retaining the
// original finding at index zero.
func appendTurn(history []storage.ThreadMessage, msg storage.ThreadMessage) []storage.ThreadMessage {
	history = append(history, msg)
	if len(history) <= historyTurnCap {
		return history
	}
	kept := make([]storage.ThreadMessage, 0, historyTurnCap)
	kept = append(kept, history[0])
	kept = append(kept, history[len(history)-(historyTurnCap-1):]...)
	return kept
}
