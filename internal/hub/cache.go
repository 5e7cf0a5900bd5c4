package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/samcharles93/vectord/internal/logger"
)

const DefaultEndpoint = "https://huggingface.co"

// Cache reads and fills a Hugging Face hub cache directory:
//
//	<Dir>/models--<org>--<name>/refs/<revision>            commit hash
//	<Dir>/models--<org>--<name>/snapshots/<commit>/<file>
//
// Missing files are downloaded from Endpoint unless Offline is set.
// Concurrent requests for the same file share one download.
type Cache struct {
	Dir      string
	Endpoint string
	Token    string
	Offline  bool
	Client   *http.Client

	group singleflight.Group
}

// DefaultDir returns $HF_HUB_CACHE, $HF_HOME/hub, $XDG_CACHE_HOME/huggingface/hub
// or ~/.cache/huggingface/hub, first match wins.
func DefaultDir() string {
	if d := os.Getenv("HF_HUB_CACHE"); d != "" {
		return d
	}
	if d := os.Getenv("HF_HOME"); d != "" {
		return filepath.Join(d, "hub")
	}
	if d := os.Getenv("XDG_CACHE_HOME"); d != "" {
		return filepath.Join(d, "huggingface", "hub")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "huggingface", "hub")
	}
	return filepath.Join(home, ".cache", "huggingface", "hub")
}

// NewCache returns a cache configured from the HF_* environment variables.
func NewCache() *Cache {
	endpoint := os.Getenv("HF_ENDPOINT")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	offline := false
	switch strings.ToLower(os.Getenv("HF_HUB_OFFLINE")) {
	case "1", "true", "yes", "on":
		offline = true
	}
	return &Cache{
		Dir:      DefaultDir(),
		Endpoint: endpoint,
		Token:    os.Getenv("HF_TOKEN"),
		Offline:  offline,
	}
}

func (c *Cache) repoDir(repo Repo) string {
	return filepath.Join(c.Dir, "models--"+strings.ReplaceAll(repo.ID, "/", "--"))
}

// snapshotName is the directory used when the server did not report a commit.
func snapshotName(revision string) string {
	return strings.ReplaceAll(revision, "/", "--")
}

// Lookup returns the cached path of name without touching the network.
func (c *Cache) Lookup(repo Repo, name string) (string, bool) {
	dir := c.repoDir(repo)
	var candidates []string
	if raw, err := os.ReadFile(filepath.Join(dir, "refs", filepath.FromSlash(repo.Revision))); err == nil {
		if commit := strings.TrimSpace(string(raw)); commit != "" {
			candidates = append(candidates, commit)
		}
	}
	candidates = append(candidates, snapshotName(repo.Revision))
	for _, snap := range candidates {
		path := filepath.Join(dir, "snapshots", snap, name)
		if st, err := os.Stat(path); err == nil && !st.IsDir() {
			return path, true
		}
	}
	return "", false
}

func (c *Cache) Get(ctx context.Context, repo Repo, name string) (string, error) {
	if repo.ID == "" || repo.Revision == "" {
		return "", fmt.Errorf("hub: repository id and revision are required")
	}
	if path, ok := c.Lookup(repo, name); ok {
		return path, nil
	}
	if c.Offline {
		return "", fmt.Errorf("%w: %s/%s not cached and offline mode is on", ErrNotFound, repo, name)
	}
	key := repo.ID + "\x00" + repo.Revision + "\x00" + name
	// The download is shared by every caller of the key, so it must not die
	// with whichever caller started it. Each caller still stops waiting when
	// its own context ends.
	dl := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		if path, ok := c.Lookup(repo, name); ok {
			return path, nil
		}
		return c.download(dl, repo, name)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// URL returns the resolve URL of an artifact.
func (c *Cache) URL(repo Repo, name string) string {
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return fmt.Sprintf("%s/%s/resolve/%s/%s", strings.TrimRight(endpoint, "/"), repo.ID, url.PathEscape(repo.Revision), name)
}

func (c *Cache) download(ctx context.Context, repo Repo, name string) (string, error) {
	log := logger.FromContext(ctx).With("repo", repo.String(), "file", name)
	u := c.URL(repo, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	log.Info("downloading artifact", "url", u)
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", u, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := statusError(resp, repo, name); err != nil {
		return "", err
	}

	snap := snapshotName(repo.Revision)
	commit := resp.Header.Get("X-Repo-Commit")
	if commit != "" {
		snap = commit
	}
	dir := filepath.Join(c.repoDir(repo), "snapshots", snap)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	n, err := writeAtomic(path, resp.Body)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", u, err)
	}
	if commit != "" && commit != repo.Revision {
		if err := writeRef(c.repoDir(repo), repo.Revision, commit); err != nil {
			log.Warn("failed to record revision ref", "error", err)
		}
	}
	log.Info("downloaded artifact", "bytes", n, "elapsed", time.Since(start))
	return path, nil
}

// statusError maps hub responses to errors. The hub answers 401 rather than
// 404 for repositories the caller cannot see, tagged with X-Error-Code.
func statusError(resp *http.Response, repo Repo, name string) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	code := resp.Header.Get("X-Error-Code")
	notFound := resp.StatusCode == http.StatusNotFound
	switch code {
	case "RepoNotFound", "EntryNotFound", "RevisionNotFound":
		notFound = true
	}
	if notFound {
		return fmt.Errorf("%w: %s/%s (HTTP %d %s)", ErrNotFound, repo, name, resp.StatusCode, code)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("hub: %s/%s: HTTP %d: %s", repo, name, resp.StatusCode, strings.TrimSpace(string(body)))
}

func writeAtomic(path string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.part")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		return 0, errors.Join(err, os.Remove(tmp.Name()))
	}
	return n, nil
}

func writeRef(repoDir, revision, commit string) error {
	path := filepath.Join(repoDir, "refs", filepath.FromSlash(revision))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	_, err := writeAtomic(path, strings.NewReader(commit))
	return err
}
