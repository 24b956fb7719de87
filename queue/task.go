package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Lane is a partition of the durable queue with an independent consumer
// pool.
type Lane string

const (
	// LaneFast carries ordinary PR reviews with moderate parallelism.
	LaneFast Lane = "fast"
	// LaneSlow carries large PRs with strictly limited parallelism so one
	// slow job cannot monopolize the fast workers.
	LaneSlow Lane = "slow"
	// LaneIndex carries repository-wide indexing jobs, isolated from review
	// latency.
	LaneIndex Lane = "index"
	// LaneReply carries conversation-reply work; lightweight.
	LaneReply Lane = "reply"
)

// Lanes lists every consumable lane.
var Lanes = []Lane{LaneFast, LaneSlow, LaneIndex, LaneReply}

// Kind distinguishes what a task asks a worker to do.
type Kind string

const (
	KindReview Kind = "review"
	KindIndex  Kind = "index"
	KindReply  Kind = "reply"
)

// Task is the minimal descriptor handed from the gateway to a worker. It
// deliberately carries identifiers, not content: the worker re-fetches
// everything it needs at execution time.
type Task struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	Lane           Lane      `json:"lane"`
	InstallationID int64     `json:"installation_id"`
	RepoID         int64     `json:"repo_id"`
	Owner          string    `json:"owner"`
	Repo           string    `json:"repo"`
	PRNumber       int       `json:"pr_number"`
	HeadSHA        string    `json:"head_sha,omitempty"`
	BaseSHA        string    `json:"base_sha,omitempty"`
	CommentID      int64     `json:"comment_id,omitempty"`
	CommentBody    string    `json:"comment_body,omitempty"`
	SenderLogin    string    `json:"sender_login,omitempty"`
	Attempt        int       `json:"attempt"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// Encode serializes a task for the queue.
func (t *Task) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTask deserializes a queue entry.
func DecodeTask(raw []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return &t, nil
}

// SerializationKey scopes the per-tenant ordering guarantee: tasks sharing
// this key never execute concurrently.
func (t *Task) SerializationKey() string {
	return fmt.Sprintf("lock:pr:%d:%d", t.RepoID, t.PRNumber)
}
