// Package artifact keeps the files jobs produce for download.
//
// Directory layout:
//
//	<root>/<job_id>/<name>
//	<root>/<job_id>/.access.json
//
// The access record holds the permission the producing job required, so
// the files stay guarded after the job leaves the registry.
//
// Files are written to a temp file and renamed into place on Commit, so a
// reader never sees a partial artifact.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidName is returned for names that are empty or not a single path
// element.
var ErrInvalidName = errors.New("invalid artifact name")

// Store manages artifact files under a root directory.
type Store struct {
	root string
}

// NewStore creates a store rooted at root. The directory is created lazily.
func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

// RootDir returns the store root.
func (s *Store) RootDir() string {
	return s.root
}

// JobDir returns the directory holding jobID's artifacts.
func (s *Store) JobDir(jobID int64) string {
	return filepath.Join(s.root, strconv.FormatInt(jobID, 10))
}

// Path returns the full path of a named artifact.
func (s *Store) Path(jobID int64, name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.JobDir(jobID), name), nil
}

// NewName returns a fresh artifact name with the given extension.
func NewName(ext string) string {
	name := uuid.New().String()
	if ext = strings.TrimPrefix(ext, "."); ext != "" {
		name += "." + ext
	}
	return name
}

// Info describes a committed artifact.
type Info struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// File is an artifact being written.
type File struct {
	*os.File
	final string
	name  string
	done  bool
}

// Name returns the artifact name the file will be committed as.
func (f *File) Name() string {
	return f.name
}

// Commit closes the temp file and moves it into place.
func (f *File) Commit() error {
	if f.done {
		return nil
	}
	f.done = true
	tmpName := f.File.Name()
	if err := f.File.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, f.final); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}

// Discard closes and deletes the temp file. It is a no-op after Commit.
func (f *File) Discard() {
	if f.done {
		return
	}
	f.done = true
	tmpName := f.File.Name()
	_ = f.File.Close()
	_ = os.Remove(tmpName)
}

const accessFile = ".access.json"

// Access records who may read a job's artifacts.
type Access struct {
	JobName string `json:"job_name,omitempty"`
	OwnerID int    `json:"owner_id"`
	// Permission is a comma-separated list, any one of which suffices.
	Permission string `json:"permission,omitempty"`
}

// Allows reports whether a holder of the permissions tested by has may read
// the artifacts. No required permission allows everyone.
func (a Access) Allows(has func(perm string) bool) bool {
	required := false
	for _, p := range strings.Split(a.Permission, ",") {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		required = true
		if has != nil && has(p) {
			return true
		}
	}
	return !required
}

// Create opens a new artifact for jobID and records access next to it.
// Call Commit to publish it or Discard to drop it.
func (s *Store) Create(jobID int64, name string, access Access) (*File, error) {
	if s.root == "" {
		return nil, errors.New("artifact root dir is empty")
	}
	final, err := s.Path(jobID, name)
	if err != nil {
		return nil, err
	}

	dir := s.JobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	if err := writeAccess(dir, access); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, "."+name+".tmp.*")
	if err != nil {
		return nil, fmt.Errorf("create temp artifact: %w", err)
	}
	return &File{File: tmp, final: final, name: name}, nil
}

// Access returns the access record of jobID's artifacts. ok is false when
// none was written.
func (s *Store) Access(jobID int64) (Access, bool, error) {
	var a Access
	data, err := os.ReadFile(filepath.Join(s.JobDir(jobID), accessFile))
	if err != nil {
		if os.IsNotExist(err) {
			return a, false, nil
		}
		return a, false, fmt.Errorf("read artifact access: %w", err)
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return a, false, fmt.Errorf("decode artifact access: %w", err)
	}
	return a, true, nil
}

func writeAccess(dir string, a Access) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode artifact access: %w", err)
	}
	tmp, err := os.CreateTemp(dir, accessFile+".tmp.*")
	if err != nil {
		return fmt.Errorf("create artifact access: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write artifact access: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close artifact access: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, accessFile)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename artifact access: %w", err)
	}
	return nil
}

// Open opens a committed artifact for reading.
func (s *Store) Open(jobID int64, name string) (*os.File, error) {
	p, err := s.Path(jobID, name)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// List returns jobID's committed artifacts, newest first.
func (s *Store) List(jobID int64) ([]Info, error) {
	entries, err := os.ReadDir(s.JobDir(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read artifact dir: %w", err)
	}

	out := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{Name: entry.Name(), Size: info.Size(), ModTime: info.ModTime().UTC()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].Name < out[j].Name
		}
		return out[i].ModTime.After(out[j].ModTime)
	})
	return out, nil
}

// Remove deletes every artifact of jobID.
func (s *Store) Remove(jobID int64) error {
	if s.root == "" {
		return nil
	}
	if err := os.RemoveAll(s.JobDir(jobID)); err != nil {
		return fmt.Errorf("remove artifacts: %w", err)
	}
	return nil
}

// Prune removes the artifact directories of jobs that keep rejects and
// whose directory was last modified more than maxAge ago. It returns the
// number of job directories removed.
func (s *Store) Prune(maxAge time.Duration, keep func(jobID int64) bool) (int, error) {
	if s.root == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read artifact root: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil || (keep != nil && keep(id)) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, entry.Name())); err != nil {
			return removed, fmt.Errorf("prune artifacts: %w", err)
		}
		removed++
	}
	return removed, nil
}

func validName(name string) error {
	if name == "" || strings.HasPrefix(name, ".") ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
