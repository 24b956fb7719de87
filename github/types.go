// Package github provides webhook verification, GitHub API access, and the
// installation-token lifecycle for the review service.
package github

import "time"

// WebhookEvent represents a pull_request webhook payload.
type WebhookEvent struct {
	Action       string        `json:"action"`
	Number       int           `json:"number"`
	PullRequest  *PullRequest  `json:"pull_request,omitempty"`
	Repository   *Repository   `json:"repository"`
	Installation *Installation `json:"installation"`
	Sender       *User         `json:"sender"`
}

// PullRequest represents a GitHub pull request.
type PullRequest struct {
	ID           int64   `json:"id"`
	Number       int     `json:"number"`
	State        string  `json:"state"`
	Title        string  `json:"title"`
	Body         string  `json:"body"`
	Draft        bool    `json:"draft"`
	Labels       []Label `json:"labels,omitempty"`
	Head         *Ref    `json:"head"`
	Base         *Ref    `json:"base"`
	User         *User   `json:"user"`
	ChangedFiles int     `json:"changed_files"`
	HTMLURL      string  `json:"html_url"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

// Label represents a label attached to a pull request.
type Label struct {
	Name string `json:"name"`
}

// Ref represents a git reference (branch/commit).
type Ref struct {
	Ref  string      `json:"ref"`
	SHA  string      `json:"sha"`
	Repo *Repository `json:"repo,omitempty"`
}

// Repository represents a GitHub repository.
type Repository struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Owner         *User  `json:"owner"`
	Private       bool   `json:"private"`
	DefaultBranch string `json:"default_branch"`
	HTMLURL       string `json:"html_url"`
}

// User represents a GitHub user or organization.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Type  string `json:"type"`
}

// Installation identifies a GitHub App installation in event payloads.
type Installation struct {
	ID int64 `json:"id"`
}

// PullRequestFile represents a file changed in a pull request.
type PullRequestFile struct {
	SHA              string `json:"sha"`
	Filename         string `json:"filename"`
	Status           string `json:"status"`
	Additions        int    `json:"additions"`
	Deletions        int    `json:"deletions"`
	Changes          int    `json:"changes"`
	PreviousFilename string `json:"previous_filename,omitempty"`
}

// ReviewComment is one inline comment in a review creation request,
// addressed by diff position. StartPosition is set only for multi-line
// comments.
type ReviewComment struct {
	Path          string `json:"path"`
	Position      int    `json:"position"`
	StartPosition int    `json:"start_position,omitempty"`
	Body          string `json:"body"`
}

// ReviewRequest represents a request to create a pull request review.
type ReviewRequest struct {
	CommitID string          `json:"commit_id,omitempty"`
	Body     string          `json:"body"`
	Event    string          `json:"event"` // APPROVE, REQUEST_CHANGES, COMMENT
	Comments []ReviewComment `json:"comments,omitempty"`
}

// Review represents a pull request review response.
type Review struct {
	ID          int64     `json:"id"`
	NodeID      string    `json:"node_id"`
	User        *User     `json:"user"`
	Body        string    `json:"body"`
	State       string    `json:"state"`
	HTMLURL     string    `json:"html_url"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// FileContent represents the content of a file from the GitHub API.
type FileContent struct {
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
	Size     int    `json:"size"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Content  string `json:"content"`
	SHA      string `json:"sha"`
}

// ReviewCommentEvent represents a pull_request_review_comment webhook payload.
type ReviewCommentEvent struct {
	Action       string              `json:"action"`
	Comment      *PullRequestComment `json:"comment"`
	PullRequest  *PullRequest        `json:"pull_request"`
	Repository   *Repository         `json:"repository"`
	Installation *Installation       `json:"installation"`
	Sender       *User               `json:"sender"`
}

// PullRequestComment represents a comment on a pull request review.
type PullRequestComment struct {
	ID                  int64  `json:"id"`
	PullRequestReviewID int64  `json:"pull_request_review_id"`
	DiffHunk            string `json:"diff_hunk"`
	Path                string `json:"path"`
	Position            int    `json:"position,omitempty"`
	CommitID            string `json:"commit_id"`
	InReplyToID         int64  `json:"in_reply_to_id,omitempty"`
	User                *User  `json:"user"`
	Body                string `json:"body"`
	CreatedAt           string `json:"created_at"`
	HTMLURL             string `json:"html_url"`
}

// CommentReply represents a reply to a review comment.
type CommentReply struct {
	Body string `json:"body"`
}

// InstallationEvent represents an installation or installation_repositories
// webhook payload.
type InstallationEvent struct {
	Action              string               `json:"action"`
	Installation        *InstallationDetails `json:"installation"`
	Repositories        []EventRepository    `json:"repositories,omitempty"`
	RepositoriesAdded   []EventRepository    `json:"repositories_added,omitempty"`
	RepositoriesRemoved []EventRepository    `json:"repositories_removed,omitempty"`
	Sender              *User                `json:"sender"`
}

// InstallationDetails contains details about a GitHub App installation.
type InstallationDetails struct {
	ID      int64 `json:"id"`
	Account *User `json:"account"`
}

// EventRepository is the abbreviated repository record carried by
// installation payloads.
type EventRepository struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Private  bool   `json:"private"`
}

// IssueCommentRequest represents a request to create an issue comment.
type IssueCommentRequest struct {
	Body string `json:"body"`
}

// IssueCommentResponse represents a created issue comment.
type IssueCommentResponse struct {
	ID      int64  `json:"id"`
	HTMLURL string `json:"html_url"`
	Body    string `json:"body"`
	User    *User  `json:"user"`
}
