// Package main is the ingestion gateway: it answers GitHub webhooks within
// the acknowledgement budget, verifies signatures, filters events through
// the gatekeeper, and hands admitted work to the queue. It also serves the
// read-only admin endpoints.
//
// Configuration via environment variables (.env supported):
//
//	GITHUB_APP_ID           - GitHub App ID (required)
//	GITHUB_WEBHOOK_SECRET   - webhook signature secret (required)
//	GITHUB_PRIVATE_KEY      - App private key PEM (or GITHUB_PRIVATE_KEY_PATH)
//	DATABASE_URL            - PostgreSQL connection string (required)
//	REDIS_URL               - queue / cache store (default localhost)
//	ADMIN_SECRET            - shared secret for /admin endpoints
//	PORT                    - HTTP port (default 8080)
package main

import (
	"context"
	"crypto/hmac"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/pullsentry/pullsentry/config"
	"github.com/pullsentry/pullsentry/gate"
	"github.com/pullsentry/pullsentry/github"
	"github.com/pullsentry/pullsentry/queue"
	"github.com/pullsentry/pullsentry/storage"
	"github.com/pullsentry/pullsentry/storage/postgres"
)

type gateway struct {
	settings   *config.Settings
	logger     *slog.Logger
	webhooks   *github.WebhookHandler
	gatekeeper *gate.Gatekeeper
	producer   *queue.Producer
	keeper     *queue.IdempotencyKeeper
	pool       *redis.Pool
	store      storage.Storage
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	settings, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	db, err := sql.Open("postgres", settings.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	pgStore := postgres.New(db)
	if err := pgStore.Migrate(context.Background()); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()

	pool := queue.NewPool(settings.RedisURL)
	defer pool.Close()

	gk := gate.New()
	gk.LargePRThreshold = settings.LargePRThreshold

	g := &gateway{
		settings:   settings,
		logger:     logger,
		webhooks:   github.NewWebhookHandler(settings.WebhookSecret),
		gatekeeper: gk,
		producer:   queue.NewProducer(pool, logger),
		keeper:     queue.NewIdempotencyKeeper(pool, settings.IdempotencyTTL),
		pool:       pool,
		store:      pgStore,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/github", g.handleWebhook)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/admin/stats", g.adminOnly(g.handleAdminStats))
	mux.HandleFunc("/admin/repos", g.adminOnly(g.handleAdminRepos))

	server := &http.Server{
		Addr:         ":" + settings.Port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("gateway listening", "port", settings.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

// handleWebhook is the hot path. Order is fixed: read the raw body once,
// verify the signature before anything else, classify, gate, de-duplicate,
// enqueue. Before the acknowledgement the only outbound work is the two Redis
// operations and one primary-key lookup of the installation's active flag.
func (g *gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if err := g.webhooks.VerifySignature(payload, r.Header.Get("X-Hub-Signature-256")); err != nil {
		// Log the rejection reason only; payload fields stay unparsed.
		g.logger.Warn("webhook rejected", "reason", err.Error())
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	delivery := r.Header.Get("X-GitHub-Delivery")

	switch eventType {
	case "ping":
		g.respond(w, map[string]string{"message": "pong"})
	case "pull_request":
		g.handlePullRequest(w, payload, delivery)
	case "pull_request_review_comment":
		g.handleReviewComment(w, payload)
	case "installation", "installation_repositories":
		g.handleInstallation(w, payload)
	default:
		g.logger.Info("ignoring event", "type", eventType)
		g.respond(w, map[string]string{"message": "event ignored"})
	}
}

func (g *gateway) handlePullRequest(w http.ResponseWriter, payload []byte, delivery string) {
	event, err := g.webhooks.ParsePullRequestEvent(payload)
	if err != nil {
		g.logger.Error("failed to parse pull_request event", "error", err)
		http.Error(w, "failed to parse event", http.StatusBadRequest)
		return
	}

	if !github.ReviewableAction(event.Action) {
		g.respond(w, map[string]string{"message": "action ignored"})
		return
	}

	if !g.installationActive(event.Installation.ID) {
		g.respond(w, map[string]string{"message": "installation inactive"})
		return
	}

	pr := event.PullRequest
	labels := make([]string, len(pr.Labels))
	for i, l := range pr.Labels {
		labels[i] = l.Name
	}
	decision := g.gatekeeper.Evaluate(gate.Input{
		AuthorLogin:      pr.User.Login,
		Labels:           labels,
		Draft:            pr.Draft,
		ChangedFileCount: pr.ChangedFiles,
	})
	g.logger.Info("gatekeeper decision",
		"delivery", delivery,
		"repo", event.Repository.FullName,
		"pr", event.Number,
		"admit", decision.Admit,
		"lane", string(decision.Lane),
		"reason", decision.Reason,
	)
	if !decision.Admit {
		g.respond(w, map[string]string{"message": "skipped", "reason": decision.Reason})
		return
	}

	acquired, err := g.keeper.Acquire(event.Repository.ID, pr.Number, pr.Head.SHA)
	if err != nil {
		// Prefer a duplicate review over a lost one: enqueue anyway.
		g.logger.Error("idempotency store unavailable", "error", err)
		acquired = true
	}
	if !acquired {
		g.logger.Info("duplicate delivery suppressed",
			"repo", event.Repository.FullName, "pr", pr.Number, "head", pr.Head.SHA)
		g.respond(w, map[string]string{"message": "duplicate"})
		return
	}

	lane := queue.LaneFast
	if decision.Lane == gate.LaneSlow {
		lane = queue.LaneSlow
	}
	task := &queue.Task{
		ID:             uuid.NewString(),
		Kind:           queue.KindReview,
		Lane:           lane,
		InstallationID: event.Installation.ID,
		RepoID:         event.Repository.ID,
		Owner:          event.Repository.Owner.Login,
		Repo:           event.Repository.Name,
		PRNumber:       pr.Number,
		HeadSHA:        pr.Head.SHA,
		BaseSHA:        pr.Base.SHA,
		EnqueuedAt:     time.Now().UTC(),
	}

	enqueueCtx, cancel := context.WithTimeout(context.Background(), g.settings.EnqueueBudget)
	defer cancel()
	if err := g.producer.Enqueue(enqueueCtx, task); err != nil {
		// Dropping the task beats blowing the acknowledgement budget;
		// GitHub's redelivery will bring the event back.
		g.logger.Error("enqueue failed within budget, dropping task",
			"delivery", delivery, "error", err)
	}
	g.respond(w, map[string]string{"message": "queued"})
}

func (g *gateway) handleReviewComment(w http.ResponseWriter, payload []byte) {
	event, err := g.webhooks.ParseReviewCommentEvent(payload)
	if err != nil {
		g.logger.Error("failed to parse review comment event", "error", err)
		http.Error(w, "failed to parse event", http.StatusBadRequest)
		return
	}

	if event.Action != "created" || event.Comment.InReplyToID == 0 {
		g.respond(w, map[string]string{"message": "comment ignored"})
		return
	}

	if !g.installationActive(event.Installation.ID) {
		g.respond(w, map[string]string{"message": "installation inactive"})
		return
	}

	task := &queue.Task{
		ID:             uuid.NewString(),
		Kind:           queue.KindReply,
		Lane:           queue.LaneReply,
		InstallationID: event.Installation.ID,
		RepoID:         event.Repository.ID,
		Owner:          event.Repository.Owner.Login,
		Repo:           event.Repository.Name,
		PRNumber:       event.PullRequest.Number,
		CommentID:      event.Comment.InReplyToID,
		CommentBody:    event.Comment.Body,
		SenderLogin:    event.Sender.Login,
		EnqueuedAt:     time.Now().UTC(),
	}

	enqueueCtx, cancel := context.WithTimeout(context.Background(), g.settings.EnqueueBudget)
	defer cancel()
	if err := g.producer.Enqueue(enqueueCtx, task); err != nil {
		g.logger.Error("reply enqueue failed", "error", err)
	}
	g.respond(w, map[string]string{"message": "queued"})
}

// handleInstallation applies installation lifecycle events directly to
// persistence; these are rare and latency-tolerant.
func (g *gateway) handleInstallation(w http.ResponseWriter, payload []byte) {
	event, err := g.webhooks.ParseInstallationEvent(payload)
	if err != nil {
		g.logger.Error("failed to parse installation event", "error", err)
		http.Error(w, "failed to parse event", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	install := event.Installation
	switch event.Action {
	case "created":
		account, accountType := "", ""
		if install.Account != nil {
			account, accountType = install.Account.Login, install.Account.Type
		}
		if err := g.store.SaveInstallation(ctx, &storage.Installation{
			ID:           install.ID,
			AccountLogin: account,
			AccountType:  accountType,
			Active:       true,
		}); err != nil {
			g.logger.Error("failed to save installation", "error", err)
		}
		g.saveRepos(ctx, install.ID, event.Repositories)
		g.logger.Info("installation created", "installation_id", install.ID, "account", account, "repos", len(event.Repositories))

	case "deleted":
		if err := g.store.DeactivateInstallation(ctx, install.ID); err != nil {
			g.logger.Error("failed to deactivate installation", "error", err)
		}
		g.logger.Info("installation deleted", "installation_id", install.ID)

	case "added":
		g.saveRepos(ctx, install.ID, event.RepositoriesAdded)
		g.logger.Info("repositories added", "installation_id", install.ID, "count", len(event.RepositoriesAdded))

	case "removed":
		for _, r := range event.RepositoriesRemoved {
			if err := g.store.RemoveRepository(ctx, r.ID); err != nil {
				g.logger.Error("failed to remove repository", "repo_id", r.ID, "error", err)
			}
		}
		g.logger.Info("repositories removed", "installation_id", install.ID, "count", len(event.RepositoriesRemoved))
	}

	g.respond(w, map[string]string{"message": "applied"})
}

func (g *gateway) saveRepos(ctx context.Context, installationID int64, repos []github.EventRepository) {
	for _, r := range repos {
		if err := g.store.UpsertRepository(ctx, &storage.Repository{
			ID:             r.ID,
			InstallationID: installationID,
			FullName:       r.FullName,
			IndexStatus:    storage.IndexPending,
		}); err != nil {
			g.logger.Error("failed to save repository", "repo_id", r.ID, "error", err)
			continue
		}
		// Kick off indexing on its own lane so it never competes with
		// review latency.
		task := &queue.Task{
			ID:             uuid.NewString(),
			Kind:           queue.KindIndex,
			Lane:           queue.LaneIndex,
			InstallationID: installationID,
			RepoID:         r.ID,
			EnqueuedAt:     time.Now().UTC(),
		}
		if err := g.producer.Enqueue(ctx, task); err != nil {
			g.logger.Error("failed to enqueue index task", "repo_id", r.ID, "error", err)
		}
	}
}

// installationActive reports whether the installation is known and not
// logically deleted. Events for deactivated installations are dropped before
// any enqueue; an unknown installation passes through (the record may not
// have been created yet for self-hosted setups). Store errors fail open so a
// database blip cannot drop legitimate events.
func (g *gateway) installationActive(installationID int64) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	inst, err := g.store.GetInstallation(ctx, installationID)
	if err != nil {
		g.logger.Warn("installation lookup failed, continuing", "installation_id", installationID, "error", err)
		return true
	}
	if inst != nil && !inst.Active {
		g.logger.Info("dropping event for inactive installation", "installation_id", installationID)
		return false
	}
	return true
}

func (g *gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	g.respond(w, map[string]string{"status": "healthy"})
}

// adminOnly guards the read-only admin endpoints with the shared secret.
func (g *gateway) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.settings.AdminSecret == "" ||
			!hmac.Equal([]byte(r.Header.Get("X-Admin-Secret")), []byte(g.settings.AdminSecret)) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (g *gateway) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := g.store.GetStats(r.Context())
	if err != nil {
		g.logger.Error("failed to load stats", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	depths := make(map[string]int, len(queue.Lanes))
	for _, lane := range queue.Lanes {
		if d, err := g.producer.Depth(lane); err == nil {
			depths[string(lane)] = d
		}
	}
	dead, _ := g.producer.DeadLetterDepth()

	g.respond(w, map[string]any{
		"reviews": map[string]int{
			"queued":     stats.ReviewsQueued,
			"processing": stats.ReviewsProcessing,
			"completed":  stats.ReviewsCompleted,
			"failed":     stats.ReviewsFailed,
		},
		"findings_total": stats.TotalFindings,
		"queue_depths":   depths,
		"dead_letter":    dead,
		"active_workers": g.countWorkers(),
		"recent_errors":  stats.RecentErrors,
	})
}

func (g *gateway) handleAdminRepos(w http.ResponseWriter, r *http.Request) {
	installationID := int64(0)
	fmt.Sscanf(r.URL.Query().Get("installation"), "%d", &installationID)
	repos, err := g.store.ListRepositories(r.Context(), installationID)
	if err != nil {
		g.logger.Error("failed to list repositories", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	g.respond(w, repos)
}

// countWorkers counts live worker heartbeats.
func (g *gateway) countWorkers() int {
	conn := g.pool.Get()
	defer conn.Close()

	count := 0
	cursor := 0
	for {
		values, err := redis.Values(conn.Do("SCAN", cursor, "MATCH", "worker:heartbeat:*", "COUNT", 100))
		if err != nil {
			return count
		}
		cursor, _ = redis.Int(values[0], nil)
		keys, _ := redis.Strings(values[1], nil)
		count += len(keys)
		if cursor == 0 {
			return count
		}
	}
}

func (g *gateway) respond(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(data)
}
