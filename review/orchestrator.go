package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pullsentry/pullsentry/config"
	"github.com/pullsentry/pullsentry/diff"
	"github.com/pullsentry/pullsentry/faults"
	"github.com/pullsentry/pullsentry/gate"
	"github.com/pullsentry/pullsentry/github"
	"github.com/pullsentry/pullsentry/llm"
	"github.com/pullsentry/pullsentry/queue"
	"github.com/pullsentry/pullsentry/storage"
)

// Orchestrator runs the staged review pipeline for one task at a time
// inside a worker process.
type Orchestrator struct {
	gh     *github.Client
	llm    llm.Completer
	store  storage.Storage
	keeper *queue.IdempotencyKeeper

	cheapModel  string
	strongModel string
	costCeiling float64

	symbolGraph  CallSiteFinder
	vectorSearch CallSiteFinder

	logger *slog.Logger
}

// NewOrchestrator wires the pipeline's collaborators.
func NewOrchestrator(gh *github.Client, completer llm.Completer, store storage.Storage, keeper *queue.IdempotencyKeeper, cheapModel, strongModel string, costCeiling float64, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		gh:          gh,
		llm:         completer,
		store:       store,
		keeper:      keeper,
		cheapModel:  cheapModel,
		strongModel: strongModel,
		costCeiling: costCeiling,
		logger:      logger,
	}
}

// SetSymbolGraph installs the symbol-graph collaborator for the cross-file
// stage.
func (o *Orchestrator) SetSymbolGraph(f CallSiteFinder) { o.symbolGraph = f }

// SetVectorSearch installs the vector-retrieval fallback for the cross-file
// stage.
func (o *Orchestrator) SetVectorSearch(f CallSiteFinder) { o.vectorSearch = f }

// ReviewID derives the stable review identifier for a (repo, pr, head)
// triple, so crash redelivery reuses the same row.
func ReviewID(repoID int64, prNumber int, headSHA string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("review:%d:%d:%s", repoID, prNumber, headSHA))).String()
}

// Process runs one review task end to end. On a retryable failure with
// attempts remaining it returns the error and leaves the review row
// untouched for the scheduler's redelivery; otherwise it writes the
// terminal failure, posts the operator notice, and releases the idempotency
// key.
func (o *Orchestrator) Process(ctx context.Context, task *queue.Task, finalAttempt bool) error {
	reviewID := ReviewID(task.RepoID, task.PRNumber, task.HeadSHA)
	logger := o.logger.With("review_id", reviewID, "repo", task.Owner+"/"+task.Repo, "pr", task.PRNumber)

	// Redelivery after a crash lands here with the same deterministic id;
	// a review that already reached terminal state must not post again.
	if existing, err := o.store.GetReview(ctx, reviewID); err == nil && existing != nil &&
		(existing.Status == storage.ReviewCompleted || existing.Status == storage.ReviewFailed) {
		logger.Info("review already terminal, dropping redelivery", "status", existing.Status)
		o.releaseKey(task)
		return nil
	}

	if err := o.store.CreateReview(ctx, &storage.Review{
		ID:         reviewID,
		RepoID:     task.RepoID,
		PRNumber:   task.PRNumber,
		HeadSHA:    task.HeadSHA,
		BaseSHA:    task.BaseSHA,
		EnqueuedAt: task.EnqueuedAt,
	}); err != nil {
		return faults.Wrap(faults.KindTransient, "failed to create review row", err)
	}
	if err := o.store.StartReview(ctx, reviewID); err != nil {
		return faults.Wrap(faults.KindTransient, "failed to start review", err)
	}

	c, err := o.run(ctx, task, reviewID, logger)
	if err == nil {
		o.releaseKey(task)
		return nil
	}

	if faults.Retryable(err) && !finalAttempt {
		logger.Warn("review attempt failed, leaving for retry", "error", err)
		return err
	}

	// Terminal: record the failure, tell the author, free the key.
	ref := uuid.NewString()
	cost := 0.0
	if c != nil {
		cost = c.Cost()
	}
	logger.Error("review failed terminally", "ref", ref, "error", err)
	if dbErr := o.store.FailReview(ctx, reviewID, cost, fmt.Sprintf("ref=%s: %v", ref, err)); dbErr != nil {
		logger.Error("failed to record review failure", "error", dbErr)
	}
	notice := fmt.Sprintf("The automated review could not complete for this pull request. Reference: `%s`.", ref)
	if _, postErr := o.gh.CreateIssueComment(ctx, task.InstallationID, task.Owner, task.Repo, task.PRNumber, notice); postErr != nil {
		logger.Warn("failed to post failure notice", "error", postErr)
	}
	o.releaseKey(task)

	if faults.KindOf(err) == faults.KindInternal {
		return err // dead-letter with full context
	}
	return nil
}

func (o *Orchestrator) releaseKey(task *queue.Task) {
	if err := o.keeper.Release(task.RepoID, task.PRNumber, task.HeadSHA); err != nil {
		o.logger.Warn("failed to release idempotency key", "error", err)
	}
}

// run executes the stages. Only diff fetch and posting are fatal; every
// stage failure degrades to fewer findings.
func (o *Orchestrator) run(ctx context.Context, task *queue.Task, reviewID string, logger *slog.Logger) (*Context, error) {
	pr, err := o.gh.GetPullRequest(ctx, task.InstallationID, task.Owner, task.Repo, task.PRNumber)
	if err != nil {
		logger.Warn("failed to fetch pull request metadata", "error", err)
		pr = &github.PullRequest{}
	}

	cfg := config.LoadRepoConfig(ctx, o.gh, task.InstallationID, task.Owner, task.Repo, task.BaseSHA)
	c := NewContext(task, cfg, o.costCeiling)
	c.Title = pr.Title
	c.Body = pr.Body

	if !cfg.Enabled() {
		logger.Info("review disabled by repository config")
		return c, o.store.CompleteReview(ctx, reviewID, c.Cost(), nil)
	}

	diffText, err := o.gh.FetchDiff(ctx, task.InstallationID, task.Owner, task.Repo, task.PRNumber)
	if err != nil {
		return c, err
	}

	c.Files = o.reviewableFiles(diff.Parse(diffText), cfg)
	for _, f := range c.Files {
		c.Positions[f.Path] = diff.LineToPosition(f)
	}

	if len(c.Files) == 0 {
		logger.Info("no reviewable changes")
		return c, o.finish(ctx, c, reviewID, "No reviewable changes in this pull request.", logger)
	}

	var contentPaths []string
	for _, f := range c.Files {
		if !f.Binary && f.Status != diff.StatusRemoved {
			contentPaths = append(contentPaths, f.Path)
		}
	}
	c.Contents = FetchContents(ctx, o.gh, task.InstallationID, task.Owner, task.Repo, task.HeadSHA, contentPaths, logger)

	stages := []struct {
		label string
		fn    func(context.Context, *Context)
	}{
		{"s0_static", func(ctx context.Context, c *Context) { StaticStage(ctx, c, logger) }},
		{"s1_summary", o.SummaryStage},
		{"s2_defects", o.DefectStage},
		{"s3_crossfile", o.CrossFileStage},
		{"s4_style", o.StyleStage},
	}
	for _, stage := range stages {
		if Cancelled(ctx) {
			logger.Info("cancellation observed, skipping to synthesis", "stage", stage.label)
			c.AddNote("Review ended early; some checks were skipped.")
			break
		}
		if err := o.store.SetReviewStage(ctx, reviewID, stage.label); err != nil {
			logger.Warn("failed to record stage", "stage", stage.label, "error", err)
		}
		stage.fn(ctx, c)
	}

	// S5 and posting run even under cancellation so partial results commit.
	if err := o.store.SetReviewStage(ctx, reviewID, "s5_synthesis"); err != nil {
		logger.Warn("failed to record stage", "error", err)
	}
	o.SynthesisStage(ctx, c)

	return c, o.finish(ctx, c, reviewID, "", logger)
}

// reviewableFiles applies the gatekeeper's glob set extended with the
// repository's ignore patterns, and the language rules. Unparseable entries
// never reach it: diff.Parse already omits them.
func (o *Orchestrator) reviewableFiles(files []diff.FileDiff, cfg *config.RepoConfig) []diff.FileDiff {
	gk := gate.New()
	gk.ExtraIgnore = cfg.Review.IgnorePatterns

	var out []diff.FileDiff
	for _, f := range files {
		if len(gk.ReviewableFiles([]string{f.Path})) == 0 {
			continue
		}
		if !cfg.LanguageEnabled(f.Language) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// finish posts the review and commits the terminal state atomically with
// its findings.
func (o *Orchestrator) finish(ctx context.Context, c *Context, reviewID, summaryOverride string, logger *slog.Logger) error {
	// The posting context is detached from cancellation: an in-flight post
	// is never interrupted.
	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()

	posted, err := o.post(postCtx, c, summaryOverride, logger)
	if err != nil {
		return err
	}

	stored := make([]storage.Finding, 0, len(posted))
	now := time.Now().UTC()
	for _, f := range posted {
		stored = append(stored, storage.Finding{
			ID:           uuid.NewString(),
			ReviewID:     reviewID,
			FilePath:     f.FilePath,
			LineStart:    f.LineStart,
			LineEnd:      f.LineEnd,
			DiffPosition: f.Position,
			Severity:     f.Severity,
			Category:     f.Category,
			Title:        f.Title,
			Body:         f.Body,
			Suggestion:   f.Suggestion,
			CommentID:    f.CommentID,
			Confidence:   f.Confidence,
			CreatedAt:    now,
		})
	}
	if err := o.store.CompleteReview(postCtx, reviewID, c.Cost(), stored); err != nil {
		return faults.Wrap(faults.KindTransient, "failed to commit review", err)
	}

	// Register conversation threads for posted comments. Thread state pins
	// the commit the finding was posted against.
	for i, f := range posted {
		if f.CommentID == 0 {
			continue
		}
		thread := &storage.Thread{
			CommentID:      f.CommentID,
			FindingID:      stored[i].ID,
			InstallationID: c.Task.InstallationID,
			RepoID:         c.Task.RepoID,
			Owner:          c.Task.Owner,
			Repo:           c.Task.Repo,
			PRNumber:       c.Task.PRNumber,
			FilePath:       f.FilePath,
			Line:           f.LineEnd,
			CommitSHA:      c.Task.HeadSHA,
			FileContent:    c.Contents[f.FilePath],
			History: []storage.ThreadMessage{
				{Role: "assistant", Body: f.Body, At: now},
			},
		}
		if err := o.store.SaveThread(postCtx, thread); err != nil {
			logger.Warn("failed to save conversation thread", "comment_id", f.CommentID, "error", err)
		}
	}

	logger.Info("review completed",
		"findings", len(posted),
		"cost", c.Cost(),
	)
	return nil
}

// post validates positions, submits the batch, and falls back to individual
// submission on the forge's atomic 422 rejection. It returns the findings
// that were actually posted, with comment ids filled in.
func (o *Orchestrator) post(ctx context.Context, c *Context, summaryOverride string, logger *slog.Logger) ([]Finding, error) {
	task := c.Task
	fileByPath := make(map[string]diff.FileDiff, len(c.Files))
	for _, f := range c.Files {
		fileByPath[f.Path] = f
	}

	var valid []Finding
	dropped := 0
	for _, f := range c.Findings() {
		file, ok := fileByPath[f.FilePath]
		if !ok || f.Position <= 0 {
			dropped++
			logger.Warn("dropping finding with unresolvable position", "path", f.FilePath, "line", f.LineEnd)
			continue
		}
		if !diff.SameHunk(file, f.LineStart, f.LineEnd) {
			dropped++
			logger.Warn("dropping finding spanning hunks", "path", f.FilePath, "start", f.LineStart, "end", f.LineEnd)
			continue
		}
		valid = append(valid, f)
	}
	if dropped > 0 {
		c.AddNote(fmt.Sprintf("%d findings could not be anchored to the diff and were omitted.", dropped))
	}

	summary := summaryOverride
	if summary == "" {
		summary = buildSummaryBody(c)
	}

	comments := make([]github.ReviewComment, len(valid))
	for i, f := range valid {
		comments[i] = github.ReviewComment{
			Path:          f.FilePath,
			Position:      f.Position,
			StartPosition: f.StartPosition,
			Body:          FormatFindingBody(f),
		}
	}

	req := &github.ReviewRequest{
		CommitID: task.HeadSHA,
		Body:     summary,
		Event:    "COMMENT",
		Comments: comments,
	}
	review, err := o.gh.CreateReview(ctx, task.InstallationID, task.Owner, task.Repo, task.PRNumber, req)
	if err != nil && faults.KindOf(err) == faults.KindValidation {
		// The forge rejects the whole batch when any position is off; split
		// and drop the offenders.
		logger.Warn("batch review rejected, splitting", "comments", len(comments))
		return o.postIndividually(ctx, c, valid, summary, logger)
	}
	if err != nil {
		return nil, err
	}

	o.fillCommentIDs(ctx, task, review.ID, valid, logger)
	return valid, nil
}

// postIndividually posts the summary alone, then each comment as its own
// minimal review, dropping any the forge still rejects.
func (o *Orchestrator) postIndividually(ctx context.Context, c *Context, findings []Finding, summary string, logger *slog.Logger) ([]Finding, error) {
	task := c.Task
	if _, err := o.gh.CreateReview(ctx, task.InstallationID, task.Owner, task.Repo, task.PRNumber, &github.ReviewRequest{
		CommitID: task.HeadSHA,
		Body:     summary,
		Event:    "COMMENT",
	}); err != nil {
		return nil, err
	}

	var posted []Finding
	rejected := 0
	for _, f := range findings {
		review, err := o.gh.CreateReview(ctx, task.InstallationID, task.Owner, task.Repo, task.PRNumber, &github.ReviewRequest{
			CommitID: task.HeadSHA,
			Event:    "COMMENT",
			Comments: []github.ReviewComment{{
				Path:          f.FilePath,
				Position:      f.Position,
				StartPosition: f.StartPosition,
				Body:          FormatFindingBody(f),
			}},
		})
		if err != nil {
			if faults.KindOf(err) == faults.KindValidation {
				rejected++
				logger.Warn("comment rejected by forge", "path", f.FilePath, "position", f.Position)
				continue
			}
			return posted, err
		}
		single := []Finding{f}
		o.fillCommentIDs(ctx, task, review.ID, single, logger)
		posted = append(posted, single[0])
	}
	if rejected > 0 {
		c.AddNote(fmt.Sprintf("%d findings were rejected by GitHub and dropped.", rejected))
	}
	return posted, nil
}

// fillCommentIDs resolves the forge comment ids for the posted findings by
// listing the review's comments and matching on (path, position).
func (o *Orchestrator) fillCommentIDs(ctx context.Context, task *queue.Task, postedReviewID int64, findings []Finding, logger *slog.Logger) {
	comments, err := o.gh.ListReviewComments(ctx, task.InstallationID, task.Owner, task.Repo, task.PRNumber)
	if err != nil {
		logger.Warn("failed to resolve comment ids", "error", err)
		return
	}
	byKey := make(map[string]int64)
	for _, cm := range comments {
		if cm.PullRequestReviewID == postedReviewID {
			byKey[fmt.Sprintf("%s:%d", cm.Path, cm.Position)] = cm.ID
		}
	}
	for i := range findings {
		if id, ok := byKey[fmt.Sprintf("%s:%d", findings[i].FilePath, findings[i].Position)]; ok {
			findings[i].CommentID = id
		}
	}
}

// buildSummaryBody renders the top-level review comment: the stage-1
// summary plus any diagnostic notes.
func buildSummaryBody(c *Context) string {
	var b strings.Builder
	b.WriteString("## Automated review\n\n")
	if c.Summary.Prose != "" {
		b.WriteString(c.Summary.Prose + "\n")
	}
	if c.Summary.RiskLevel != "" && c.Summary.RiskLevel != "low" {
		fmt.Fprintf(&b, "\nRisk: **%s**\n", c.Summary.RiskLevel)
	}
	if notes := c.Notes(); len(notes) > 0 {
		b.WriteString("\n")
		for _, n := range notes {
			b.WriteString("> " + n + "\n")
		}
	}
	return strings.TrimSpace(b.String())
}
