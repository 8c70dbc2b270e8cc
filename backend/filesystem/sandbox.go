package filesystem

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const maxSymlinkHops = 40

var (
	ErrNoRoots             = errors.New("no allowed roots configured")
	ErrOutsideRoot         = errors.New("path is outside the allowed roots")
	ErrSymlinkLoop         = errors.New("too many levels of symbolic links")
	ErrExtensionNotAllowed = errors.New("file extension not allowed")
	ErrTooLarge            = errors.New("size limit exceeded")
	ErrEmptyPath           = errors.New("empty path")
)

// PathError records the path a sandbox check failed for.
type PathError struct {
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// root is an allowed directory. alias is the spelling from configuration,
// canonical has every symlink resolved.
type root struct {
	alias     string
	canonical string
}

// Sandbox confines paths to a set of directory roots.
type Sandbox struct {
	roots []root
	exts  map[string]bool
}

// NewSandbox canonicalises every root; each must exist and be a directory.
func NewSandbox(roots, allowedExtensions []string) (*Sandbox, error) {
	if len(roots) == 0 {
		return nil, ErrNoRoots
	}
	s := &Sandbox{}
	for _, r := range roots {
		canonical, err := canonicaliseRoot(r)
		if err != nil {
			return nil, err
		}
		alias, _ := filepath.Abs(r)
		s.roots = append(s.roots, root{alias: filepath.Clean(alias), canonical: canonical})
	}
	if len(allowedExtensions) > 0 {
		s.exts = make(map[string]bool, len(allowedExtensions))
		for _, ext := range allowedExtensions {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext != "" && !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			s.exts[ext] = true
		}
	}
	return s, nil
}

func canonicaliseRoot(r string) (string, error) {
	abs, err := filepath.Abs(r)
	if err != nil {
		return "", fmt.Errorf("allowed root %s: %w", r, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("allowed root %s: %w", r, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("allowed root %s: %w", r, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("allowed root %s: not a directory", r)
	}
	return resolved, nil
}

// Roots returns the canonical roots.
func (s *Sandbox) Roots() []string {
	out := make([]string, len(s.roots))
	for i, r := range s.roots {
		out[i] = r.canonical
	}
	return out
}

// Resolve returns the canonical form of p, which must descend from an
// allowed root after every symlink along the way has been followed.
// Relative paths resolve against the first root. Missing trailing
// components are allowed so callers can create them.
func (s *Sandbox) Resolve(p string) (string, error) {
	p, err := expand(p)
	if err != nil {
		return "", err
	}
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.roots[0].canonical, abs)
	}
	resolved, err := s.resolve(filepath.Clean(abs), 0)
	if err != nil {
		return "", &PathError{Path: p, Err: err}
	}
	return resolved, nil
}

// ResolveNoFollow is Resolve except that a symlink in the final component is
// not followed, so the link itself is addressed.
func (s *Sandbox) ResolveNoFollow(p string) (string, error) {
	p, err := expand(p)
	if err != nil {
		return "", err
	}
	clean := filepath.Clean(p)
	base := filepath.Base(clean)
	if base == "." || base == ".." || base == string(filepath.Separator) {
		return s.Resolve(clean)
	}
	parent, err := s.Resolve(filepath.Dir(clean))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, base), nil
}

func expand(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", ErrEmptyPath
	}
	if strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand ~: %w", err)
		}
		p = filepath.Join(home, p[2:])
	}
	return p, nil
}

func (s *Sandbox) resolve(abs string, depth int) (string, error) {
	if depth > maxSymlinkHops {
		return "", ErrSymlinkLoop
	}
	base, rel, ok := s.split(abs)
	if !ok {
		return "", ErrOutsideRoot
	}
	if rel == "." {
		return base, nil
	}

	cur := base
	parts := strings.Split(rel, string(filepath.Separator))
	for i, part := range parts {
		next := filepath.Join(cur, part)
		info, err := os.Lstat(next)
		if errors.Is(err, fs.ErrNotExist) {
			return filepath.Join(append([]string{next}, parts[i+1:]...)...), nil
		}
		if err != nil {
			return "", err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			cur = next
			continue
		}

		target, err := os.Readlink(next)
		if err != nil {
			return "", err
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(cur, target)
		}
		// cur has no symlinks, so the target is walked from a root again.
		if cur, err = s.resolve(filepath.Clean(target), depth+1); err != nil {
			return "", err
		}
	}
	return cur, nil
}

// split finds the longest root abs lexically descends from and returns the
// root's canonical path with abs relative to it.
func (s *Sandbox) split(abs string) (string, string, bool) {
	best, bestLen, rel := "", -1, ""
	for _, r := range s.roots {
		for _, prefix := range []string{r.canonical, r.alias} {
			if !within(abs, prefix) || len(prefix) <= bestLen {
				continue
			}
			rp, err := filepath.Rel(prefix, abs)
			if err != nil {
				continue
			}
			best, bestLen, rel = r.canonical, len(prefix), rp
		}
	}
	return best, rel, bestLen >= 0
}

func within(p, dir string) bool {
	if p == dir {
		return true
	}
	if dir == string(filepath.Separator) {
		return strings.HasPrefix(p, dir)
	}
	return strings.HasPrefix(p, dir+string(filepath.Separator))
}

// IsRoot reports whether a canonical path is one of the roots.
func (s *Sandbox) IsRoot(p string) bool {
	for _, r := range s.roots {
		if p == r.canonical {
			return true
		}
	}
	return false
}

// CheckExtension enforces the extension allow-list, when one is configured.
func (s *Sandbox) CheckExtension(p string) error {
	if s.exts == nil {
		return nil
	}
	if !s.exts[strings.ToLower(filepath.Ext(p))] {
		return &PathError{Path: p, Err: ErrExtensionNotAllowed}
	}
	return nil
}
