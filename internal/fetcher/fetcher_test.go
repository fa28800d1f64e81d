package fetcher

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestPurgeRemovesCacheDirectory(t *testing.T) {
	dir := t.TempDir()
	cacheDir := filepath.Join(dir, "cache")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cacheDir, "leftover"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := New(cacheDir)
	if err := f.Purge(); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := os.Stat(cacheDir); !os.IsNotExist(err) {
		t.Errorf("expected cache directory to be gone, stat err = %v", err)
	}
}

func TestPurgeMissingDirectoryIsNotAnError(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "never-existed"))
	if err := f.Purge(); err != nil {
		t.Errorf("Purge on missing dir should be a no-op, got %v", err)
	}
}

func TestAddTaskCoalescesByURL(t *testing.T) {
	f := New(t.TempDir())
	f.AddTask("https://example.com/a.txt", "one", "")
	f.AddTask("https://example.com/a.txt", "two", "deadbeef")
	f.AddTask("https://example.com/a.txt", "three", "")

	if len(f.tasks) != 1 {
		t.Fatalf("expected 1 coalesced task, got %d", len(f.tasks))
	}
	tk := f.tasks["https://example.com/a.txt"]
	if len(tk.taskDatas) != 3 {
		t.Errorf("expected 3 task_data entries, got %d", len(tk.taskDatas))
	}
	if tk.sha256 != "deadbeef" {
		t.Errorf("expected first non-empty sha256 to win, got %q", tk.sha256)
	}
}

func TestRunTasksDownloadsAndFansOut(t *testing.T) {
	content := []byte("hello world")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	f := New(t.TempDir(), WithHTTPClient(srv.Client()))
	f.AddTask(srv.URL+"/file.txt", "caller-a", "")
	f.AddTask(srv.URL+"/file.txt", "caller-b", "")

	results, failures := f.RunTasks(context.Background())
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %+v", failures)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 fanned-out results, got %d", len(results))
	}
	for _, r := range results {
		if r.SHA256 != sha256Hex(content) {
			t.Errorf("unexpected digest: %s", r.SHA256)
		}
		if _, err := os.Stat(r.StoragePath); err != nil {
			t.Errorf("storage path missing: %v", err)
		}
	}
}

func TestRunTasksChecksumMismatchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("actual content"))
	}))
	defer srv.Close()

	f := New(t.TempDir(), WithHTTPClient(srv.Client()))
	f.AddTask(srv.URL+"/file.txt", "caller", strings.Repeat("0", 64))

	results, failures := f.RunTasks(context.Background())
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(failures))
	}
}

func TestRunTasksUnsupportedExtensionSkipsExtraction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text payload"))
	}))
	defer srv.Close()

	f := New(t.TempDir(), WithHTTPClient(srv.Client()))
	url := srv.URL + "/readme.txt"
	f.AddTask(url, "caller", sha256Hex([]byte("plain text payload")))

	results, failures := f.RunTasks(context.Background())
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %+v", failures)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if filepath.Ext(results[0].StoragePath) != ".txt" {
		t.Errorf("expected storage_path to be the downloaded file itself, got %s", results[0].StoragePath)
	}
}

func TestRunTasksExtractsSupportedArchive(t *testing.T) {
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)
	content := "payload"
	tw.WriteHeader(&tar.Header{Name: "bin/tool", Mode: 0o755, Size: int64(len(content))})
	tw.Write([]byte(content))
	tw.Close()
	gzw.Close()
	archive := buf.Bytes()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	f := New(t.TempDir(), WithHTTPClient(srv.Client()))
	url := srv.URL + "/tool.tar.gz"
	f.AddTask(url, "caller", sha256Hex(archive))

	results, failures := f.RunTasks(context.Background())
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %+v", failures)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	data, err := os.ReadFile(filepath.Join(results[0].StoragePath, "bin/tool"))
	if err != nil {
		t.Fatalf("extracted file missing: %v", err)
	}
	if string(data) != content {
		t.Errorf("unexpected extracted content: %q", data)
	}
}

func TestRunTasksDownloadOnlyOncePerURL(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("shared"))
	}))
	defer srv.Close()

	f := New(t.TempDir(), WithHTTPClient(srv.Client()))
	url := srv.URL + "/shared.bin"
	f.AddTask(url, "blueprint-a", "")
	f.AddTask(url, "blueprint-b", "")

	results, failures := f.RunTasks(context.Background())
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %+v", failures)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 fanned-out results, got %d", len(results))
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("expected exactly 1 HTTP request for the shared URL, got %d", hits)
	}
}

func TestDownloadRetriesTransientServerErrors(t *testing.T) {
	old := downloadRetryBaseDelay
	downloadRetryBaseDelay = time.Millisecond
	defer func() { downloadRetryBaseDelay = old }()

	var hits int32
	content := []byte("eventually ok")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(content)
	}))
	defer srv.Close()

	f := New(t.TempDir(), WithHTTPClient(srv.Client()))
	f.AddTask(srv.URL+"/flaky.txt", "caller", "")

	results, failures := f.RunTasks(context.Background())
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %+v", failures)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result after retries succeeded, got %d", len(results))
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("expected 3 attempts (2 failures then success), got %d", got)
	}
}

func TestDownloadDoesNotRetryPermanentClientErrors(t *testing.T) {
	old := downloadRetryBaseDelay
	downloadRetryBaseDelay = time.Millisecond
	defer func() { downloadRetryBaseDelay = old }()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(t.TempDir(), WithHTTPClient(srv.Client()))
	f.AddTask(srv.URL+"/missing.txt", "caller", "")

	_, failures := f.RunTasks(context.Background())
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(failures))
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("a 404 is not retryable, expected exactly 1 attempt, got %d", got)
	}
}

func TestRunTasksServerErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(t.TempDir(), WithHTTPClient(srv.Client()))
	f.AddTask(srv.URL+"/missing.txt", "caller", "")

	results, failures := f.RunTasks(context.Background())
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(failures))
	}
}

func TestFetchURLsReturnsDigestsByURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("v" + r.URL.Path))
	}))
	defer srv.Close()

	f := New(t.TempDir(), WithHTTPClient(srv.Client()))
	urls := []string{srv.URL + "/a", srv.URL + "/b"}
	digests, failures := f.FetchURLs(context.Background(), urls)
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %+v", failures)
	}
	for _, u := range urls {
		if digests[u] == "" {
			t.Errorf("missing digest for %s", u)
		}
	}
}
