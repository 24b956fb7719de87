package review

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/pullsentry/pullsentry/github"
	"github.com/pullsentry/pullsentry/queue"
	"github.com/pullsentry/pullsentry/storage"
)

// memStore is an in-memory Storage for pipeline tests.
type memStore struct {
	mu       sync.Mutex
	reviews  map[string]*storage.Review
	findings map[string][]storage.Finding
	threads  map[int64]*storage.Thread
}

func newMemStore() *memStore {
	return &memStore{
		reviews:  make(map[string]*storage.Review),
		findings: make(map[string][]storage.Finding),
		threads:  make(map[int64]*storage.Thread),
	}
}

func (m *memStore) SaveInstallation(context.Context, *storage.Installation) error { return nil }
func (m *memStore) GetInstallation(context.Context, int64) (*storage.Installation, error) {
	return nil, nil
}
func (m *memStore) DeactivateInstallation(context.Context, int64) error       { return nil }
func (m *memStore) UpsertRepository(context.Context, *storage.Repository) error { return nil }
func (m *memStore) GetRepository(context.Context, int64) (*storage.Repository, error) {
	return nil, nil
}
func (m *memStore) RemoveRepository(context.Context, int64) error            { return nil }
func (m *memStore) SetIndexStatus(context.Context, int64, string, string) error { return nil }
func (m *memStore) ListRepositories(context.Context, int64) ([]*storage.Repository, error) {
	return nil, nil
}

func (m *memStore) CreateReview(_ context.Context, r *storage.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reviews[r.ID]; !ok {
		clone := *r
		clone.Status = storage.ReviewQueued
		m.reviews[r.ID] = &clone
	}
	return nil
}

func (m *memStore) StartReview(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.reviews[id]; ok {
		r.Status = storage.ReviewProcessing
	}
	return nil
}

func (m *memStore) SetReviewStage(_ context.Context, id, stage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.reviews[id]; ok {
		r.Stage = stage
	}
	return nil
}

func (m *memStore) CompleteReview(_ context.Context, id string, cost float64, findings []storage.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[id]
	if !ok {
		return errors.New("unknown review")
	}
	r.Status = storage.ReviewCompleted
	r.Cost = cost
	r.FindingsCount = len(findings)
	m.findings[id] = findings
	return nil
}

func (m *memStore) FailReview(_ context.Context, id string, cost float64, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.reviews[id]; ok {
		r.Status = storage.ReviewFailed
		r.ErrorMessage = msg
	}
	return nil
}

func (m *memStore) GetReview(_ context.Context, id string) (*storage.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.reviews[id]; ok {
		clone := *r
		return &clone, nil
	}
	return nil, nil
}

func (m *memStore) DismissFinding(context.Context, string) error { return nil }

func (m *memStore) SaveThread(_ context.Context, t *storage.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[t.CommentID] = t
	return nil
}

func (m *memStore) GetThread(_ context.Context, id int64) (*storage.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threads[id], nil
}

func (m *memStore) UpdateThreadHistory(context.Context, int64, []storage.ThreadMessage) error {
	return nil
}

func (m *memStore) GetStats(context.Context) (*storage.Stats, error) { return &storage.Stats{}, nil }

var _ storage.Storage = (*memStore)(nil)

const pipelineDiff = `diff --git a/src/a.py b/src/a.py
--- a/src/a.py
+++ b/src/a.py
@@ -8,3 +8,6 @@ def handler():
 line8
+line9
+line10
+line11
 line12
 line13
`

// newPipelineServer fakes the slice of the GitHub API the pipeline touches.
func newPipelineServer(t *testing.T) (*httptest.Server, *[]github.ReviewRequest) {
	t.Helper()
	var posted []github.ReviewRequest
	var mu sync.Mutex

	mux := http.NewServeMux()
	mux.HandleFunc("/app/installations/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"token": "ghs_test", "expires_at": %q}`, time.Now().Add(time.Hour).Format(time.RFC3339))
	})
	mux.HandleFunc("/repos/org/repo/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Accept"), "diff") {
			fmt.Fprint(w, pipelineDiff)
			return
		}
		fmt.Fprint(w, `{"number": 7, "title": "Add lines", "body": "desc",
			"head": {"sha": "headsha"}, "base": {"sha": "basesha"}, "user": {"login": "alice"}}`)
	})
	mux.HandleFunc("/repos/org/repo/contents/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/repos/org/repo/pulls/7/reviews", func(w http.ResponseWriter, r *http.Request) {
		var req github.ReviewRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		posted = append(posted, req)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(github.Review{ID: 99})
	})
	mux.HandleFunc("/repos/org/repo/pulls/7/comments", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		var comments []github.PullRequestComment
		var id int64 = 500
		for _, req := range posted {
			for _, cm := range req.Comments {
				id++
				comments = append(comments, github.PullRequestComment{
					ID: id, PullRequestReviewID: 99, Path: cm.Path, Position: cm.Position,
				})
			}
		}
		_ = json.NewEncoder(w).Encode(comments)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &posted
}

func pipelineKey(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func newPipelineOrchestrator(t *testing.T, serverURL string, completer *fakeCompleter, store *memStore) *Orchestrator {
	t.Helper()
	pool := &redis.Pool{Dial: func() (redis.Conn, error) { return nil, errors.New("redis down") }}
	tokens, err := github.NewTokenCache(1, pipelineKey(t), pool, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	tokens.SetBaseURL(serverURL)
	gh := github.NewClient(tokens, nil, quietLogger())
	gh.SetBaseURL(serverURL)

	keeper := queue.NewIdempotencyKeeper(pool, time.Hour)
	return NewOrchestrator(gh, completer, store, keeper, "cheap-model", "strong-model", 5.0, quietLogger())
}

func TestProcessHappyPath(t *testing.T) {
	server, posted := newPipelineServer(t)
	store := newMemStore()
	completer := &fakeCompleter{
		response: `[{"file": "src/a.py", "line_start": 10, "line_end": 10, "severity": "high",
			"category": "defect", "title": "Bug", "body": "line 10 is wrong", "confidence": 0.9}]`,
		cost: 0.001,
	}
	o := newPipelineOrchestrator(t, server.URL, completer, store)

	task := &queue.Task{
		ID: "t1", Kind: queue.KindReview, Lane: queue.LaneFast,
		InstallationID: 1, RepoID: 42, Owner: "org", Repo: "repo",
		PRNumber: 7, HeadSHA: "headsha", BaseSHA: "basesha",
		EnqueuedAt: time.Now().UTC(),
	}
	if err := o.Process(context.Background(), task, false); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	reviewID := ReviewID(42, 7, "headsha")
	review, _ := store.GetReview(context.Background(), reviewID)
	if review == nil || review.Status != storage.ReviewCompleted {
		t.Fatalf("review = %+v, want completed", review)
	}
	if review.Cost <= 0 || review.Cost > 5.0+0.02 {
		t.Errorf("cost = %v", review.Cost)
	}

	if len(*posted) == 0 {
		t.Fatal("no review posted")
	}
	batch := (*posted)[0]
	if len(batch.Comments) != 1 {
		t.Fatalf("posted %d comments, want 1", len(batch.Comments))
	}
	// Line 10 is the second added line: header=1, line8=2, line9=3,
	// line10=4.
	if batch.Comments[0].Position != 4 {
		t.Errorf("posted position = %d, want 4", batch.Comments[0].Position)
	}
	if batch.Body == "" {
		t.Error("summary body is empty")
	}

	// Stored findings carry the resolved comment id and a thread exists.
	findings := store.findings[reviewID]
	if len(findings) != 1 {
		t.Fatalf("stored %d findings", len(findings))
	}
	if findings[0].CommentID == 0 {
		t.Error("stored finding has no comment id")
	}
	if store.threads[findings[0].CommentID] == nil {
		t.Error("no conversation thread registered for posted comment")
	}
	if got := store.threads[findings[0].CommentID].CommitSHA; got != "headsha" {
		t.Errorf("thread pinned commit = %q, want headsha", got)
	}
}

// A terminal review must not post again when the task is redelivered.
func TestProcessRedeliveryAfterCompletion(t *testing.T) {
	server, posted := newPipelineServer(t)
	store := newMemStore()
	completer := &fakeCompleter{response: "[]", cost: 0.001}
	o := newPipelineOrchestrator(t, server.URL, completer, store)

	task := &queue.Task{
		ID: "t1", Kind: queue.KindReview,
		InstallationID: 1, RepoID: 42, Owner: "org", Repo: "repo",
		PRNumber: 7, HeadSHA: "headsha", BaseSHA: "basesha",
		EnqueuedAt: time.Now().UTC(),
	}
	if err := o.Process(context.Background(), task, false); err != nil {
		t.Fatalf("first Process() error = %v", err)
	}
	postsAfterFirst := len(*posted)

	if err := o.Process(context.Background(), task, false); err != nil {
		t.Fatalf("redelivered Process() error = %v", err)
	}
	if len(*posted) != postsAfterFirst {
		t.Errorf("redelivery posted again: %d -> %d", postsAfterFirst, len(*posted))
	}
}

// Findings the synthesis stage cannot anchor never reach the forge.
func TestProcessDropsUnanchorableFindings(t *testing.T) {
	server, posted := newPipelineServer(t)
	store := newMemStore()
	completer := &fakeCompleter{
		response: `[{"file": "src/a.py", "line_start": 999, "line_end": 999, "severity": "critical",
			"category": "defect", "title": "Ghost", "body": "points outside the diff", "confidence": 0.9}]`,
		cost: 0.001,
	}
	o := newPipelineOrchestrator(t, server.URL, completer, store)

	task := &queue.Task{
		ID: "t2", Kind: queue.KindReview,
		InstallationID: 1, RepoID: 42, Owner: "org", Repo: "repo",
		PRNumber: 7, HeadSHA: "otherhead", BaseSHA: "basesha",
		EnqueuedAt: time.Now().UTC(),
	}
	if err := o.Process(context.Background(), task, false); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	for _, req := range *posted {
		if len(req.Comments) != 0 {
			t.Errorf("unanchorable finding was posted: %+v", req.Comments)
		}
	}
	review, _ := store.GetReview(context.Background(), ReviewID(42, 7, "otherhead"))
	if review == nil || review.Status != storage.ReviewCompleted {
		t.Errorf("review = %+v, want completed with zero findings", review)
	}
}
