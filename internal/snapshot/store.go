// Package snapshot forks workspace directories copy-on-write.
//
// A fork never mutates its parent. Bulk, write-once files are hard linked so
// sibling branches share their bytes; small mutable state is copied so each
// branch can extend it; per-workspace records are left behind.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattjoyce/snapline/internal/fault"
)

// Class is the propagation rule for one parent entry.
type Class int

const (
	ClassCopy Class = iota
	ClassLink
	ClassExclude
)

func (c Class) String() string {
	switch c {
	case ClassLink:
		return "link"
	case ClassExclude:
		return "exclude"
	default:
		return "copy"
	}
}

const DefaultLinkThreshold int64 = 1 << 20

// Options tunes the classification of parent files.
type Options struct {
	// LinkThreshold is the size at or above which a file is linked instead of copied.
	LinkThreshold int64
	// BulkDirs are top-level directories whose files are always linked.
	BulkDirs []string
}

// DefaultOptions links files under datasets/ and anything of 1 MiB or more.
func DefaultOptions() Options {
	return Options{LinkThreshold: DefaultLinkThreshold, BulkDirs: []string{"datasets"}}
}

// Store owns the workspace directories under a single storage root.
type Store struct {
	root string
	opts Options
}

// NewStore returns a Store rooted at root. The directory is created lazily.
func NewStore(root string, opts Options) (*Store, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("snapshot root is empty")
	}
	if opts.LinkThreshold <= 0 {
		opts.LinkThreshold = DefaultLinkThreshold
	}
	return &Store{root: filepath.Clean(trimmed), opts: opts}, nil
}

func (s *Store) Root() string { return s.root }

// Path returns the directory of workspace id without checking it exists.
func (s *Store) Path(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	return filepath.Join(s.root, DirName(id)), nil
}

// Exists reports whether workspace id has a directory.
func (s *Store) Exists(id string) bool {
	p, err := s.Path(id)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// List returns the ids of every workspace directory directly under the root.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot root: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if id, ok := IDFromDirName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Classify decides how a parent entry at relPath propagates into a fork.
func (s *Store) Classify(relPath string, info fs.FileInfo) Class {
	rel := filepath.ToSlash(relPath)
	top, _, nested := strings.Cut(rel, "/")

	if strings.HasPrefix(info.Name(), TempPrefix) {
		return ClassExclude
	}
	if top == PlotsDir {
		return ClassExclude
	}
	if !nested {
		switch top {
		case PointerFile, AuditFile, InflightFile, WorkerLogFile:
			return ClassExclude
		}
	}
	if info.IsDir() {
		return ClassCopy
	}
	for _, dir := range s.opts.BulkDirs {
		if nested && top == dir {
			return ClassLink
		}
	}
	if info.Mode().IsRegular() && info.Size() >= s.opts.LinkThreshold {
		return ClassLink
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return ClassLink
	}
	return ClassCopy
}

// Fork creates workspace newID. With an empty parentID the workspace starts
// empty; otherwise the parent's contents propagate per Classify. The fork is
// built under a staging name and seed, when non-nil, runs on it before it is
// renamed into place, so scanners never see a workspace without its records.
func (s *Store) Fork(ctx context.Context, parentID, newID string, seed func(dir string) error) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst, err := s.Path(newID)
	if err != nil {
		return "", err
	}

	var src string
	if parentID != "" {
		if parentID == newID {
			return "", fmt.Errorf("fork %q: parent and child ids must differ", newID)
		}
		src, err = s.Path(parentID)
		if err != nil {
			return "", fault.New("fork", parentID, fault.ErrParentNotFound, err.Error())
		}
		info, statErr := os.Stat(src)
		if statErr != nil || !info.IsDir() {
			return "", fault.New("fork", parentID, fault.ErrParentNotFound, "no workspace directory under %s", s.root)
		}
	}

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot root: %w", err)
	}
	if _, err := os.Lstat(dst); err == nil {
		return "", fmt.Errorf("create workspace %q: %w", newID, fs.ErrExist)
	}
	staging := filepath.Join(s.root, TempPrefix+DirName(newID))
	if err := os.Mkdir(staging, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %q: %w", newID, err)
	}

	if err := s.build(ctx, src, staging, seed); err != nil {
		_ = os.RemoveAll(staging)
		if parentID != "" {
			return "", fmt.Errorf("fork %q from %q: %w", newID, parentID, err)
		}
		return "", fmt.Errorf("create workspace %q: %w", newID, err)
	}
	if err := os.Rename(staging, dst); err != nil {
		_ = os.RemoveAll(staging)
		return "", fmt.Errorf("publish workspace %q: %w", newID, err)
	}
	return dst, nil
}

func (s *Store) build(ctx context.Context, src, staging string, seed func(string) error) error {
	if src != "" {
		if err := s.propagate(ctx, src, staging); err != nil {
			return err
		}
	}
	if seed != nil {
		return seed(staging)
	}
	return nil
}

func (s *Store) propagate(ctx context.Context, srcDir, dstDir string) error {
	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == srcDir {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", path, err)
		}
		target := filepath.Join(dstDir, rel)

		class := s.Classify(rel, info)
		if class == ClassExclude {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case d.IsDir():
			if err := os.Mkdir(target, 0o755); err != nil {
				return fmt.Errorf("create directory %q: %w", target, err)
			}
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %q: %w", path, err)
			}
			if err := os.Symlink(link, target); err != nil {
				return fmt.Errorf("create symlink %q: %w", target, err)
			}
		case !info.Mode().IsRegular():
			return fmt.Errorf("unsupported file type for %q (%s)", path, info.Mode().Type())
		case class == ClassLink:
			if err := os.Link(path, target); err != nil {
				return fmt.Errorf("hard-link %q to %q: %w", path, target, err)
			}
		default:
			if err := copyFile(path, target); err != nil {
				return err
			}
		}
		return nil
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %q: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %q: %w", src, err)
	}
	return out.Close()
}

// Freeze marks every regular file in workspace id read-only. Linked files
// share their inode with the parent, so the parent's copy stays read-only too.
func (s *Store) Freeze(id string) error {
	dir, err := s.Path(id)
	if err != nil {
		return err
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := os.Chmod(path, 0o444); err != nil {
			return fmt.Errorf("freeze %q: %w", path, err)
		}
		return nil
	})
}
