// Package hub resolves model artifacts (config.json, tokenizer.json, weights)
// to local files, from a Hugging Face hub cache or a plain directory.
package hub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrNotFound = errors.New("artifact not found")

// Repo identifies a model repository at a revision (branch, tag, ref or commit).
type Repo struct {
	ID       string
	Revision string
}

func (r Repo) String() string {
	if r.Revision == "" {
		return r.ID
	}
	return r.ID + "@" + r.Revision
}

// Source resolves one artifact of a repository to a readable local path.
type Source interface {
	Get(ctx context.Context, repo Repo, name string) (string, error)
}

// Fetch resolves name through src and returns its contents.
func Fetch(ctx context.Context, src Source, repo Repo, name string) ([]byte, error) {
	path, err := src.Get(ctx, repo, name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Dir serves artifacts from a flat directory and ignores the repository.
type Dir string

func (d Dir) Get(ctx context.Context, repo Repo, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(string(d), name)
	st, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s in %s", ErrNotFound, name, string(d))
	}
	if err != nil {
		return "", err
	}
	if st.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	return path, nil
}
