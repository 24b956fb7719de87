package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/pullsentry/pullsentry/faults"
)

const (
	baseURL    = "https://api.github.com"
	apiVersion = "2022-11-28"

	acceptJSON = "application/vnd.github+json"
	acceptDiff = "application/vnd.github.diff"
	acceptRaw  = "application/vnd.github.raw"

	// rateLimitWarnThreshold triggers a log warning when the remaining
	// per-installation call budget drops below it.
	rateLimitWarnThreshold = 100

	rateLimitKeyPrefix = "github:rate_limit:"
)

// Client is the authenticated GitHub REST wrapper used by the review
// pipeline: diff fetch, file content at ref, review creation, comment
// replies. Every request obtains its credential from the token cache.
type Client struct {
	tokens     *TokenCache
	httpClient *http.Client
	pool       *redis.Pool
	baseURL    string
	logger     *slog.Logger
}

// NewClient creates a GitHub API client backed by the given token cache.
func NewClient(tokens *TokenCache, pool *redis.Pool, logger *slog.Logger) *Client {
	return &Client{
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		pool:       pool,
		baseURL:    baseURL,
		logger:     logger,
	}
}

// SetBaseURL points the client at a different API root (GitHub Enterprise).
func (c *Client) SetBaseURL(u string) { c.baseURL = u }

// doRequest performs one authenticated request. On a 403 whose rate-limit
// counter is exhausted it surfaces a rate-limited fault carrying the reset
// timestamp; on any other 403 it invalidates the cached credential and
// retries once. Rate-limit headers are observed on every response without
// blocking the request path.
func (c *Client) doRequest(ctx context.Context, installationID int64, method, url, accept string, body []byte) (*http.Response, error) {
	var resp *http.Response
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.tokens.Token(ctx, installationID)
		if err != nil {
			return nil, err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", accept)
		req.Header.Set("X-GitHub-Api-Version", apiVersion)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err = c.httpClient.Do(req)
		if err != nil {
			return nil, faults.Wrap(faults.KindTransient, "github request failed", err)
		}

		c.observeRateLimit(installationID, resp)

		if resp.StatusCode != http.StatusForbidden {
			return resp, nil
		}

		// 403 with an exhausted counter is rate limiting; anything else is
		// a revoked credential, worth one refresh.
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			resetAt := parseResetHeader(resp.Header.Get("X-RateLimit-Reset"))
			resp.Body.Close()
			return nil, faults.RateLimited("github rate limit exceeded", resetAt)
		}
		resp.Body.Close()
		if attempt == 0 {
			c.logger.Warn("github 403, invalidating cached token and retrying",
				"installation_id", installationID)
			c.tokens.Invalidate(installationID)
		}
	}
	return nil, faults.New(faults.KindAuth, "github rejected credential after refresh")
}

func parseResetHeader(v string) time.Time {
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// observeRateLimit publishes the remaining call budget for the admin
// surface. Best effort; never blocks or fails the request.
func (c *Client) observeRateLimit(installationID int64, resp *http.Response) {
	remainingStr := resp.Header.Get("X-RateLimit-Remaining")
	if remainingStr == "" {
		return
	}
	remaining, _ := strconv.Atoi(remainingStr)
	limit, _ := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit"))
	reset, _ := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)

	if remaining < rateLimitWarnThreshold {
		c.logger.Warn("github rate limit low",
			"installation_id", installationID,
			"remaining", remaining,
			"limit", limit,
		)
	}

	if c.pool == nil {
		return
	}
	go func() {
		conn := c.pool.Get()
		defer conn.Close()
		payload, _ := json.Marshal(map[string]int64{
			"remaining": int64(remaining),
			"limit":     int64(limit),
			"reset":     reset,
		})
		_, _ = conn.Do("SET", fmt.Sprintf("%s%d", rateLimitKeyPrefix, installationID), payload, "EX", 300)
	}()
}

// statusFault converts a non-OK response into a classified error, consuming
// the body for diagnostics.
func statusFault(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(resp.Body)
	msg := fmt.Sprintf("%s returned %d: %s", operation, resp.StatusCode, truncate(string(body), 200))
	return faults.New(faults.FromStatus(resp.StatusCode), msg)
}

// FetchDiff fetches the raw unified diff text for a pull request.
func (c *Client) FetchDiff(ctx context.Context, installationID int64, owner, repo string, prNumber int) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.baseURL, owner, repo, prNumber)
	resp, err := c.doRequest(ctx, installationID, http.MethodGet, url, acceptDiff, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusFault(resp, "fetch diff")
	}
	diff, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", faults.Wrap(faults.KindTransient, "failed to read diff body", err)
	}
	return string(diff), nil
}

// FetchPullRequestFiles fetches the changed-file listing for a pull request.
func (c *Client) FetchPullRequestFiles(ctx context.Context, installationID int64, owner, repo string, prNumber int) ([]PullRequestFile, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/files?per_page=100", c.baseURL, owner, repo, prNumber)
	resp, err := c.doRequest(ctx, installationID, http.MethodGet, url, acceptJSON, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusFault(resp, "fetch files")
	}
	var files []PullRequestFile
	if err := json.NewDecoder(resp.Body).Decode(&files); err != nil {
		return nil, fmt.Errorf("failed to decode files: %w", err)
	}
	return files, nil
}

// GetPullRequest fetches a pull request by number.
func (c *Client) GetPullRequest(ctx context.Context, installationID int64, owner, repo string, prNumber int) (*PullRequest, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.baseURL, owner, repo, prNumber)
	resp, err := c.doRequest(ctx, installationID, http.MethodGet, url, acceptJSON, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusFault(resp, "fetch pull request")
	}
	var pr PullRequest
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("failed to decode pull request: %w", err)
	}
	return &pr, nil
}

// FetchFileContent fetches the decoded content of a file at a ref. A missing
// file yields an empty string, not an error.
func (c *Client) FetchFileContent(ctx context.Context, installationID int64, owner, repo, path, ref string) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/contents/%s?ref=%s", c.baseURL, owner, repo, path, ref)
	resp, err := c.doRequest(ctx, installationID, http.MethodGet, url, acceptJSON, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusFault(resp, "fetch file")
	}

	var content FileContent
	if err := json.NewDecoder(resp.Body).Decode(&content); err != nil {
		return "", fmt.Errorf("failed to decode file content: %w", err)
	}
	if content.Encoding != "base64" {
		return "", fmt.Errorf("unsupported encoding: %s", content.Encoding)
	}
	decoded, err := base64.StdEncoding.DecodeString(content.Content)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64 content: %w", err)
	}
	return string(decoded), nil
}

// CreateReview posts a review with inline comments. GitHub rejects the whole
// batch with 422 when any comment's position is invalid; that surfaces as a
// validation fault and the caller splits and re-posts individually.
func (c *Client) CreateReview(ctx context.Context, installationID int64, owner, repo string, prNumber int, review *ReviewRequest) (*Review, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/reviews", c.baseURL, owner, repo, prNumber)
	body, err := json.Marshal(review)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal review: %w", err)
	}

	resp, err := c.doRequest(ctx, installationID, http.MethodPost, url, acceptJSON, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, statusFault(resp, "create review")
	}
	var created Review
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("failed to decode review response: %w", err)
	}
	return &created, nil
}

// ListReviewComments fetches the inline comments attached to a review.
func (c *Client) ListReviewComments(ctx context.Context, installationID int64, owner, repo string, prNumber int) ([]PullRequestComment, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/comments?per_page=100", c.baseURL, owner, repo, prNumber)
	resp, err := c.doRequest(ctx, installationID, http.MethodGet, url, acceptJSON, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusFault(resp, "list review comments")
	}
	var comments []PullRequestComment
	if err := json.NewDecoder(resp.Body).Decode(&comments); err != nil {
		return nil, fmt.Errorf("failed to decode comments: %w", err)
	}
	return comments, nil
}

// CreateReplyComment posts a reply to an existing review comment.
func (c *Client) CreateReplyComment(ctx context.Context, installationID int64, owner, repo string, prNumber int, commentID int64, body string) (*PullRequestComment, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/comments/%d/replies", c.baseURL, owner, repo, prNumber, commentID)
	reqBody, err := json.Marshal(CommentReply{Body: body})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reply: %w", err)
	}

	resp, err := c.doRequest(ctx, installationID, http.MethodPost, url, acceptJSON, reqBody)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, statusFault(resp, "create reply")
	}
	var comment PullRequestComment
	if err := json.NewDecoder(resp.Body).Decode(&comment); err != nil {
		return nil, fmt.Errorf("failed to decode reply response: %w", err)
	}
	return &comment, nil
}

// CreateIssueComment posts a top-level comment on a PR via the issues API.
// Used for the failure notice after exhausted retries.
func (c *Client) CreateIssueComment(ctx context.Context, installationID int64, owner, repo string, prNumber int, body string) (*IssueCommentResponse, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", c.baseURL, owner, repo, prNumber)
	reqBody, err := json.Marshal(IssueCommentRequest{Body: body})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal comment: %w", err)
	}

	resp, err := c.doRequest(ctx, installationID, http.MethodPost, url, acceptJSON, reqBody)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, statusFault(resp, "create comment")
	}
	var comment IssueCommentResponse
	if err := json.NewDecoder(resp.Body).Decode(&comment); err != nil {
		return nil, fmt.Errorf("failed to decode comment response: %w", err)
	}
	return &comment, nil
}
