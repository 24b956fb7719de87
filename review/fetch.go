package review

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// maxConcurrentFetches bounds parallel content requests so one review cannot
// drain the installation's rate budget.
const maxConcurrentFetches = 10

// ContentFetcher fetches file content at a ref; satisfied by the GitHub
// client.
type ContentFetcher interface {
	FetchFileContent(ctx context.Context, installationID int64, owner, repo, path, ref string) (string, error)
}

// FetchContents fetches the head content of the given paths in parallel.
// Missing files and per-file errors are skipped: content is an enrichment,
// not a requirement.
func FetchContents(ctx context.Context, fetcher ContentFetcher, installationID int64, owner, repo, ref string, paths []string, logger *slog.Logger) map[string]string {
	result := make(map[string]string, len(paths))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(maxConcurrentFetches)

	for _, path := range paths {
		path := path
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			content, err := fetcher.FetchFileContent(gctx, installationID, owner, repo, path, ref)
			if err != nil {
				logger.Warn("failed to fetch file content", "path", path, "error", err)
				return nil
			}
			if content != "" {
				mu.Lock()
				result[path] = content
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result
}
