// Package fetcher owns the content-addressed on-disk cache of downloaded
// URLs: it downloads, checksums, and (for recognised archive formats)
// extracts each distinct URL exactly once per cache directory, coalescing
// concurrent callers of the same URL into a single task.
//
// The download/extract algorithms generalize the teacher's
// internal/actions DownloadAction/ExtractAction (one-shot, call-driven
// download+verify+unpack) into a task-driven scheduler: add_task enqueues
// work, run_tasks drains the queue with bounded parallelism via
// golang.org/x/sync/errgroup, and per-URL mutual exclusion falls out of
// the inbox-keyed-by-URL coalescing structure rather than a mutex.
package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ops2deb/ops2deb/internal/httputil"
	"github.com/ops2deb/ops2deb/internal/log"
	"github.com/ops2deb/ops2deb/internal/ops2deberr"
	"github.com/ops2deb/ops2deb/internal/progress"
)

// maxDownloadRetries and downloadRetryBaseDelay drive download()'s
// exponential backoff (1s/2s/4s by default); downloadRetryBaseDelay is a
// var, not a const, so tests can shrink it.
const maxDownloadRetries = 3

var downloadRetryBaseDelay = time.Second

// httpStatusError carries the HTTP status of a failed download so the
// retry loop can tell a transient failure from a permanent one.
type httpStatusError struct {
	StatusCode int
	Status     string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("server responded with %s", e.Status)
}

// isRetryableStatusCode reports whether a non-2xx response is worth
// retrying: rate-limiting (403, 429) and server-side failures (5xx) are
// often transient; any other 4xx means the request itself is wrong and
// retrying would just reproduce the same failure.
func isRetryableStatusCode(code int) bool {
	return code == http.StatusForbidden || code == http.StatusTooManyRequests || code >= 500
}

// Result is the outcome of a successfully completed fetch, fanned out once
// per associated task_data token.
type Result struct {
	URL         string
	SHA256      string
	StoragePath string
	TaskData    any
}

// Failure is the outcome of a failed fetch, fanned out once per associated
// task_data token.
type Failure struct {
	URL      string
	Err      error
	TaskData any
}

// GetURL and GetSHA256 implement lockfile.UrlAndHash, so a Result can be
// pinned directly via Lock.Add without an intermediate adapter type.
func (r Result) GetURL() string    { return r.URL }
func (r Result) GetSHA256() string { return r.SHA256 }

type task struct {
	url        string
	sha256     string // expected digest; "" if none supplied yet
	taskDatas  []any
}

// Fetcher drives the cache. It is not safe for concurrent calls to
// AddTask/RunTasks from multiple goroutines; RunTasks itself runs its
// per-task work concurrently internally.
type Fetcher struct {
	cacheDir string
	workers  int
	client   *http.Client
	logger   log.Logger

	mu    sync.Mutex
	tasks map[string]*task
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithWorkers bounds the number of concurrent tasks RunTasks executes.
func WithWorkers(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.workers = n
		}
	}
}

// WithHTTPClient overrides the HTTP client used for downloads, mainly for
// tests.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) { f.client = client }
}

// WithLogger overrides the logger used for per-run title logging.
func WithLogger(logger log.Logger) Option {
	return func(f *Fetcher) { f.logger = logger }
}

// New creates a Fetcher rooted at cacheDir.
func New(cacheDir string, opts ...Option) *Fetcher {
	f := &Fetcher{
		cacheDir: cacheDir,
		workers:  4,
		client:   httputil.NewSecureClient(httputil.ClientOptions{}),
		logger:   log.Default(),
		tasks:    make(map[string]*task),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Purge deletes the cache directory tree, the basis for the CLI's "purge"
// subcommand. Missing directories are not an error.
func (f *Fetcher) Purge() error {
	if err := os.RemoveAll(f.cacheDir); err != nil {
		return ops2deberr.Wrap(ops2deberr.KindFetcher, err, "failed to purge cache directory %s", f.cacheDir)
	}
	return nil
}

// AddTask enqueues work for url. Multiple calls with the same URL coalesce
// into a single task whose task_data list accumulates all callers' opaque
// tokens. sha256 is the expected digest; when multiple callers supply
// different expected digests for the same URL, the first non-empty one
// wins.
func (f *Fetcher) AddTask(url string, data any, expectedSHA256 string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tasks[url]
	if !ok {
		t = &task{url: url}
		f.tasks[url] = t
	}
	t.taskDatas = append(t.taskDatas, data)
	if t.sha256 == "" && expectedSHA256 != "" {
		t.sha256 = expectedSHA256
	}
}

// RunTasks drives the queue to completion with bounded parallelism and
// returns the fanned-out results and failures. Internal state is cleared
// before returning.
func (f *Fetcher) RunTasks(ctx context.Context) ([]Result, []Failure) {
	f.mu.Lock()
	tasks := make([]*task, 0, len(f.tasks))
	for _, t := range f.tasks {
		tasks = append(tasks, t)
	}
	f.tasks = make(map[string]*task)
	f.mu.Unlock()

	if len(tasks) > 0 {
		f.logger.Info("fetching", "count", len(tasks))
	}

	var mu sync.Mutex
	var results []Result
	var failures []Failure

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(f.workers)

	for _, t := range tasks {
		t := t
		group.Go(func() error {
			storagePath, digest, err := f.runTask(groupCtx, t)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				for _, data := range t.taskDatas {
					failures = append(failures, Failure{URL: t.url, Err: err, TaskData: data})
				}
				return nil
			}
			for _, data := range t.taskDatas {
				results = append(results, Result{URL: t.url, SHA256: digest, StoragePath: storagePath, TaskData: data})
			}
			return nil
		})
	}
	_ = group.Wait()

	return results, failures
}

// runTask implements the per-task algorithm of §4.E.
func (f *Fetcher) runTask(ctx context.Context, t *task) (storagePath string, digest string, err error) {
	urlHash := sha256.Sum256([]byte(t.url))
	cacheSubdir := filepath.Join(f.cacheDir, hex.EncodeToString(urlHash[:]))
	if err := os.MkdirAll(cacheSubdir, 0o755); err != nil {
		return "", "", ops2deberr.Wrap(ops2deberr.KindFetcher, err, "failed to create cache directory")
	}

	filename := filepath.Base(t.url)
	filePath := filepath.Join(cacheSubdir, filename)
	sumPath := filePath + ".sum"

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		if err := f.download(ctx, t.url, filePath); err != nil {
			return "", "", err
		}
	}

	digest, err = readOrComputeDigest(ctx, sumPath, filePath)
	if err != nil {
		return "", "", err
	}

	supportsExtraction := IsSupportedArchive(filename)
	outDir := filePath + "_out"

	if t.sha256 != "" {
		if digest != t.sha256 {
			return "", "", ops2deberr.New(ops2deberr.KindFetcher, "Wrong checksum for file %s. Expected %s, got %s.", filename, t.sha256, digest)
		}
		if supportsExtraction {
			if _, err := os.Stat(outDir); os.IsNotExist(err) {
				if err := extractArchive(filename, filePath, outDir); err != nil {
					return "", "", ops2deberr.Wrap(ops2deberr.KindExtract, err, "failed to extract %s", filename)
				}
			}
			return outDir, digest, nil
		}
	}

	return filePath, digest, nil
}

func readOrComputeDigest(ctx context.Context, sumPath, filePath string) (string, error) {
	if data, err := os.ReadFile(sumPath); err == nil {
		return string(data), nil
	}

	digest, err := hashFile(ctx, filePath)
	if err != nil {
		return "", ops2deberr.Wrap(ops2deberr.KindFetcher, err, "failed to hash %s", filepath.Base(filePath))
	}
	if err := os.WriteFile(sumPath, []byte(digest), 0o644); err != nil {
		return "", ops2deberr.Wrap(ops2deberr.KindFetcher, err, "failed to write checksum file")
	}
	return digest, nil
}

// hashFile computes the SHA-256 digest in chunks, yielding to the
// scheduler between chunks so one large file does not starve siblings.
func hashFile(ctx context.Context, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := sha256.New()
	buf := make([]byte, 1<<20)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		n, readErr := file.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", readErr
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// download drives a single URL to destPath with retry-with-backoff around
// doDownload, classifying a failed attempt's HTTP status to decide whether
// retrying could help.
func (f *Fetcher) download(ctx context.Context, url, destPath string) error {
	var lastErr error
	for attempt := 0; attempt <= maxDownloadRetries; attempt++ {
		if attempt > 0 {
			delay := downloadRetryBaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := f.doDownload(ctx, url, destPath)
		if err == nil {
			return nil
		}
		lastErr = err

		if statusErr, ok := err.(*httpStatusError); ok {
			if !isRetryableStatusCode(statusErr.StatusCode) {
				return ops2deberr.New(ops2deberr.KindFetcher, "Failed to download %s. Server responded with %d.", url, statusErr.StatusCode)
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return ops2deberr.Wrap(ops2deberr.KindFetcher, lastErr, "download failed after %d retries for %s", maxDownloadRetries, url)
}

// doDownload makes one GET attempt, streaming the body to destPath.part
// (renamed to destPath on success) through a terminal progress bar when
// stdout is a terminal and the response carries a Content-Length.
func (f *Fetcher) doDownload(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ops2deberr.Wrap(ops2deberr.KindFetcher, err, "failed to build request for %s", url)
	}
	req.Header.Set("User-Agent", httputil.DefaultUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &httpStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	partPath := destPath + ".part"
	out, err := os.Create(partPath)
	if err != nil {
		return ops2deberr.Wrap(ops2deberr.KindFetcher, err, "failed to create %s", partPath)
	}

	var dst io.Writer = out
	var pw *progress.Writer
	if progress.ShouldShowProgress() && resp.ContentLength > 0 {
		pw = progress.NewWriter(out, resp.ContentLength, os.Stdout)
		dst = pw
	}
	_, copyErr := io.Copy(dst, resp.Body)
	if pw != nil {
		pw.Finish()
	}
	if copyErr != nil {
		out.Close()
		return ops2deberr.Wrap(ops2deberr.KindFetcher, copyErr, "failed to write %s", partPath)
	}
	out.Close()

	if err := os.Rename(partPath, destPath); err != nil {
		return ops2deberr.Wrap(ops2deberr.KindFetcher, err, "failed to finalise %s", destPath)
	}
	return nil
}

// FetchURLs is a convenience wrapper for callers (the updater) that want
// to synchronously resolve a small set of URLs to verified digests without
// going through the Generator's task_data plumbing. It returns the digest
// for each URL in the same order, or the first failure encountered.
func (f *Fetcher) FetchURLs(ctx context.Context, urls []string) (map[string]string, []Failure) {
	for i, url := range urls {
		f.AddTask(url, i, "")
	}
	results, failures := f.RunTasks(ctx)
	digests := make(map[string]string, len(results))
	for _, r := range results {
		digests[r.URL] = r.SHA256
	}
	return digests, failures
}
