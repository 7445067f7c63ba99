// Package file lists regular files under a local directory as objects.
package file

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3leaps/taskd/pkg/provider"
)

// DefaultMaxKeys is the page size when ListOptions.MaxKeys is zero.
const DefaultMaxKeys = 1000

// Config configures a file provider.
type Config struct {
	// BaseDir is the directory keys are relative to (required).
	BaseDir string `mapstructure:"base_dir"`
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return errors.New("file config: base dir is required")
	}
	return nil
}

// Provider implements provider.Provider for a local directory.
//
// Keys are slash-separated paths relative to the base directory. The
// continuation token is the last key of the previous page.
type Provider struct {
	baseDir string
}

var _ provider.Provider = (*Provider)(nil)

// New creates a file provider.
func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Provider{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// Close implements provider.Provider.
func (p *Provider) Close() error { return nil }

// List returns a page of files whose key starts with opts.Prefix.
func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}

	prefix := strings.TrimPrefix(opts.Prefix, "/")
	objects, err := p.collect(ctx, prefix)
	if err != nil {
		return nil, p.wrapError("List", opts.Prefix, err)
	}

	start := 0
	if opts.ContinuationToken != "" {
		start = sort.Search(len(objects), func(i int) bool { return objects[i].Key > opts.ContinuationToken })
	}
	end := start + maxKeys
	if end > len(objects) {
		end = len(objects)
	}

	res := &provider.ListResult{Objects: objects[start:end]}
	if end < len(objects) {
		res.IsTruncated = true
		res.ContinuationToken = objects[end-1].Key
	}
	return res, nil
}

// collect walks the deepest directory implied by prefix and returns
// matching files sorted by key.
func (p *Provider) collect(ctx context.Context, prefix string) ([]provider.ObjectSummary, error) {
	dir := ""
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = prefix[:i]
	}
	root := p.fullPath(dir)
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []provider.ObjectSummary
	err := filepath.WalkDir(root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return nil
			}
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(p.baseDir, full)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, provider.ObjectSummary{Key: key, Size: info.Size(), LastModified: info.ModTime().UTC()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// fullPath maps a key to a path under the base directory. Cleaning the
// key as a rooted path keeps ".." from escaping the base.
func (p *Provider) fullPath(key string) string {
	clean := strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(key)), "/")
	return filepath.Join(p.baseDir, filepath.FromSlash(clean))
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.Error{Op: op, Provider: provider.TypeFile, Bucket: p.baseDir, Key: key, Err: err}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case os.IsNotExist(err):
		wrapped.Err = provider.ErrNotFound
	case os.IsPermission(err):
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}
