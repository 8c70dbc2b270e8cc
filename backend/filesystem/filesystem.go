// Package filesystem is the sandboxed filesystem backend. Every path is
// canonicalised and confined to the configured roots before any I/O.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zhubert/toolgate/config"
	"github.com/zhubert/toolgate/logger"
	"github.com/zhubert/toolgate/mcp"
	"github.com/zhubert/toolgate/tool"
)

const (
	ToolReadFile        = "read_file"
	ToolWriteFile       = "write_file"
	ToolListDirectory   = "list_directory"
	ToolGetFileInfo     = "get_file_info"
	ToolSearchFiles     = "search_files"
	ToolCreateDirectory = "create_directory"
	ToolDeleteFile      = "delete_file"
)

const (
	defaultMaxEntries = 1000
	defaultMaxResults = 100
	backupTimeFormat  = "20060102T150405.000000000"
)

// Backend implements the filesystem tools.
type Backend struct {
	cfg     config.FilesystemConfig
	sandbox *Sandbox
	now     func() time.Time
	log     *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock replaces time.Now for backup names.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// New builds a filesystem backend over cfg.AllowedRoots.
func New(cfg config.FilesystemConfig, opts ...Option) (*Backend, error) {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = config.DefaultMaxFileSize
	}
	if cfg.MaxReadSize <= 0 {
		cfg.MaxReadSize = cfg.MaxFileSize
	}
	sandbox, err := NewSandbox(cfg.AllowedRoots, cfg.AllowedExtensions)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		cfg:     cfg,
		sandbox: sandbox,
		now:     time.Now,
		log:     logger.WithComponent("filesystem"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Sandbox returns the path sandbox.
func (b *Backend) Sandbox() *Sandbox { return b.sandbox }

func pathParam(desc string) tool.Parameter {
	return tool.Parameter{Name: "path", Type: tool.TypeString, Description: desc, Required: true}
}

// Tools returns the schemas this backend publishes.
func (b *Backend) Tools() []tool.Schema {
	return []tool.Schema{
		{
			Name:        ToolReadFile,
			Description: "Read a file inside the allowed roots.",
			RiskLevel:   tool.RiskLow,
			Parameters:  []tool.Parameter{pathParam("File to read")},
		},
		{
			Name:        ToolListDirectory,
			Description: "List the entries of a directory.",
			RiskLevel:   tool.RiskLow,
			Parameters: []tool.Parameter{
				pathParam("Directory to list"),
				{Name: "recursive", Type: tool.TypeBoolean, Description: "Descend into subdirectories", Default: false},
				{Name: "include_hidden", Type: tool.TypeBoolean, Description: "Include dot files", Default: false},
			},
		},
		{
			Name:        ToolGetFileInfo,
			Description: "Report size, mode and modification time of a path.",
			RiskLevel:   tool.RiskLow,
			Parameters:  []tool.Parameter{pathParam("Path to inspect")},
		},
		{
			Name:        ToolSearchFiles,
			Description: "Find files under a directory by name pattern and optional content substring.",
			RiskLevel:   tool.RiskLow,
			Parameters: []tool.Parameter{
				pathParam("Directory to search"),
				{Name: "pattern", Type: tool.TypeString, Description: "Glob matched against file names", Default: "*"},
				{Name: "contains", Type: tool.TypeString, Description: "Only files containing this text"},
				{Name: "max_results", Type: tool.TypeInteger, Description: "Result limit", Default: defaultMaxResults},
			},
		},
		{
			Name:        ToolWriteFile,
			Description: "Write a file, keeping a timestamped backup of any previous content.",
			RiskLevel:   tool.RiskMedium,
			Parameters: []tool.Parameter{
				pathParam("File to write"),
				{Name: "content", Type: tool.TypeString, Description: "New file content", Required: true},
				{Name: "create_dirs", Type: tool.TypeBoolean, Description: "Create missing parent directories", Default: false},
			},
		},
		{
			Name:        ToolCreateDirectory,
			Description: "Create a directory and any missing parents.",
			RiskLevel:   tool.RiskMedium,
			Parameters:  []tool.Parameter{pathParam("Directory to create")},
		},
		{
			Name:        ToolDeleteFile,
			Description: "Delete a file, or a directory when recursive is set.",
			RiskLevel:   tool.RiskHigh,
			Parameters: []tool.Parameter{
				pathParam("Path to delete"),
				{Name: "recursive", Type: tool.TypeBoolean, Description: "Delete a directory and its contents", Default: false},
			},
		},
	}
}

// Register adds the backend's tools to an engine.
func (b *Backend) Register(e *mcp.Engine) error {
	handlers := map[string]mcp.Handler{
		ToolReadFile:        b.ReadFile,
		ToolListDirectory:   b.ListDirectory,
		ToolGetFileInfo:     b.GetFileInfo,
		ToolSearchFiles:     b.SearchFiles,
		ToolWriteFile:       b.WriteFile,
		ToolCreateDirectory: b.CreateDirectory,
		ToolDeleteFile:      b.DeleteFile,
	}
	for _, s := range b.Tools() {
		if err := e.RegisterTool(s, handlers[s.Name]); err != nil {
			return err
		}
	}
	return nil
}

// violation turns sandbox errors into flagged results and passes other
// errors through.
func (b *Backend) violation(op string, err error) (*tool.Result, error) {
	if errors.Is(err, ErrOutsideRoot) || errors.Is(err, ErrSymlinkLoop) ||
		errors.Is(err, ErrExtensionNotAllowed) || errors.Is(err, ErrTooLarge) {
		b.log.Warn("sandbox violation", "op", op, "error", err)
		return tool.Violation(err.Error()), nil
	}
	return nil, err
}

type pathRequest struct {
	Path          string `mapstructure:"path"`
	Recursive     bool   `mapstructure:"recursive"`
	IncludeHidden bool   `mapstructure:"include_hidden"`
}

func (b *Backend) resolveArgs(args map[string]any) (pathRequest, string, error) {
	var req pathRequest
	if err := tool.DecodeArgs(args, &req); err != nil {
		return req, "", err
	}
	p, err := b.sandbox.Resolve(req.Path)
	return req, p, err
}

// ReadFile runs read_file.
func (b *Backend) ReadFile(ctx context.Context, args map[string]any) (*tool.Result, error) {
	_, p, err := b.resolveArgs(args)
	if err != nil {
		return b.violation(ToolReadFile, err)
	}
	if err := b.sandbox.CheckExtension(p); err != nil {
		return b.violation(ToolReadFile, err)
	}

	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", p)
	}
	if info.Size() > b.cfg.MaxReadSize {
		return b.violation(ToolReadFile, &PathError{Path: p, Err: fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, info.Size(), b.cfg.MaxReadSize)})
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, b.cfg.MaxReadSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > b.cfg.MaxReadSize {
		return b.violation(ToolReadFile, &PathError{Path: p, Err: ErrTooLarge})
	}
	if !utf8.Valid(data) {
		return tool.Failf("%s is not a text file", p), nil
	}

	return tool.OK(map[string]any{
		"path":    p,
		"content": string(data),
		"size":    len(data),
	}), nil
}

type writeRequest struct {
	Path       string `mapstructure:"path"`
	Content    string `mapstructure:"content"`
	CreateDirs bool   `mapstructure:"create_dirs"`
}

// WriteFile runs write_file.
func (b *Backend) WriteFile(ctx context.Context, args map[string]any) (*tool.Result, error) {
	var req writeRequest
	if err := tool.DecodeArgs(args, &req); err != nil {
		return nil, err
	}
	p, err := b.sandbox.Resolve(req.Path)
	if err != nil {
		return b.violation(ToolWriteFile, err)
	}
	if err := b.sandbox.CheckExtension(p); err != nil {
		return b.violation(ToolWriteFile, err)
	}
	if int64(len(req.Content)) > b.cfg.MaxFileSize {
		return b.violation(ToolWriteFile, &PathError{Path: p, Err: fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(req.Content), b.cfg.MaxFileSize)})
	}

	dir := filepath.Dir(p)
	if req.CreateDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	} else if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("parent directory: %w", err)
	}

	mode := fs.FileMode(0o644)
	var backup string
	if info, err := os.Stat(p); err == nil {
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", p)
		}
		mode = info.Mode().Perm()
		if b.cfg.BackupEnabled() {
			if backup, err = b.backup(p); err != nil {
				return nil, fmt.Errorf("backup: %w", err)
			}
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if err := writeAtomic(p, []byte(req.Content), mode); err != nil {
		return nil, err
	}
	b.log.Info("wrote file", "path", p, "bytes", len(req.Content), "backup", backup)

	out := map[string]any{"path": p, "bytes_written": len(req.Content)}
	if backup != "" {
		out["backup"] = backup
	}
	return tool.OK(out), nil
}

// writeAtomic writes to a temp file in the target directory and renames it
// into place.
func writeAtomic(p string, data []byte, mode fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, mode); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, p); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

// backup copies p to a timestamped sibling, or under BackupDir mirroring
// the path below its root when one is configured.
func (b *Backend) backup(p string) (string, error) {
	stamp := b.now().UTC().Format(backupTimeFormat)
	dest := p + "." + stamp + ".bak"
	if b.cfg.BackupDir != "" {
		base, rel, _ := b.sandbox.split(p)
		dest = filepath.Join(b.cfg.BackupDir, filepath.Base(base), rel+"."+stamp+".bak")
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return "", err
		}
	}

	src, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer src.Close()
	dst, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", err
	}
	return dest, dst.Close()
}

type entry struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Type     string `json:"type"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
}

func newEntry(p string, d fs.DirEntry) (entry, error) {
	info, err := d.Info()
	if err != nil {
		return entry{}, err
	}
	return entryFromInfo(p, info), nil
}

func entryFromInfo(p string, info fs.FileInfo) entry {
	e := entry{
		Name:     info.Name(),
		Path:     p,
		Type:     "file",
		Size:     info.Size(),
		Modified: info.ModTime().UTC().Format(time.RFC3339),
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		e.Type = "symlink"
	case info.IsDir():
		e.Type = "directory"
		e.Size = 0
	}
	return e
}

// ListDirectory runs list_directory. Symlinks are listed, never followed.
func (b *Backend) ListDirectory(ctx context.Context, args map[string]any) (*tool.Result, error) {
	req, p, err := b.resolveArgs(args)
	if err != nil {
		return b.violation(ToolListDirectory, err)
	}

	var entries []entry
	truncated := false
	err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == p {
			if !d.IsDir() {
				return fmt.Errorf("%s is not a directory", p)
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !req.IncludeHidden && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if len(entries) >= defaultMaxEntries {
			truncated = true
			return filepath.SkipAll
		}
		e, err := newEntry(path, d)
		if err != nil {
			return nil
		}
		entries = append(entries, e)
		if d.IsDir() && !req.Recursive {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []entry{}
	}
	return tool.OK(map[string]any{"path": p, "entries": entries, "truncated": truncated}), nil
}

// GetFileInfo runs get_file_info.
func (b *Backend) GetFileInfo(ctx context.Context, args map[string]any) (*tool.Result, error) {
	_, p, err := b.resolveArgs(args)
	if err != nil {
		return b.violation(ToolGetFileInfo, err)
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	e := entryFromInfo(p, info)
	return tool.OK(map[string]any{
		"name":     e.Name,
		"path":     e.Path,
		"type":     e.Type,
		"size":     e.Size,
		"mode":     info.Mode().Perm().String(),
		"modified": e.Modified,
	}), nil
}

type searchRequest struct {
	Path       string `mapstructure:"path"`
	Pattern    string `mapstructure:"pattern"`
	Contains   string `mapstructure:"contains"`
	MaxResults int    `mapstructure:"max_results"`
}

// SearchFiles runs search_files.
func (b *Backend) SearchFiles(ctx context.Context, args map[string]any) (*tool.Result, error) {
	var req searchRequest
	if err := tool.DecodeArgs(args, &req); err != nil {
		return nil, err
	}
	if req.Pattern == "" {
		req.Pattern = "*"
	}
	if _, err := filepath.Match(req.Pattern, ""); err != nil {
		return nil, fmt.Errorf("pattern %q: %w", req.Pattern, err)
	}
	if req.MaxResults <= 0 {
		req.MaxResults = defaultMaxResults
	}
	p, err := b.sandbox.Resolve(req.Path)
	if err != nil {
		return b.violation(ToolSearchFiles, err)
	}

	var matches []string
	truncated := false
	err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable subtrees are skipped
			if path != p && d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || d.Type()&os.ModeSymlink != 0 {
			return nil
		}
		if ok, _ := filepath.Match(req.Pattern, d.Name()); !ok {
			return nil
		}
		if req.Contains != "" && !b.fileContains(path, req.Contains) {
			return nil
		}
		if len(matches) >= req.MaxResults {
			truncated = true
			return filepath.SkipAll
		}
		matches = append(matches, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if matches == nil {
		matches = []string{}
	}
	return tool.OK(map[string]any{"path": p, "matches": matches, "truncated": truncated}), nil
}

func (b *Backend) fileContains(p, text string) bool {
	info, err := os.Stat(p)
	if err != nil || info.Size() > b.cfg.MaxReadSize {
		return false
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return false
	}
	return strings.Contains(string(data), text)
}

// CreateDirectory runs create_directory.
func (b *Backend) CreateDirectory(ctx context.Context, args map[string]any) (*tool.Result, error) {
	_, p, err := b.resolveArgs(args)
	if err != nil {
		return b.violation(ToolCreateDirectory, err)
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return nil, err
	}
	b.log.Info("created directory", "path", p)
	return tool.OK(map[string]any{"path": p}), nil
}

// DeleteFile runs delete_file. A symlink is removed, not its target, and
// roots themselves can never be deleted.
func (b *Backend) DeleteFile(ctx context.Context, args map[string]any) (*tool.Result, error) {
	var req pathRequest
	if err := tool.DecodeArgs(args, &req); err != nil {
		return nil, err
	}
	p, err := b.sandbox.ResolveNoFollow(req.Path)
	if err != nil {
		return b.violation(ToolDeleteFile, err)
	}
	if b.sandbox.IsRoot(p) {
		return b.violation(ToolDeleteFile, &PathError{Path: p, Err: fmt.Errorf("%w: refusing to delete an allowed root", ErrOutsideRoot)})
	}

	info, err := os.Lstat(p)
	if err != nil {
		return nil, err
	}
	var backup string
	switch {
	case info.IsDir():
		if !req.Recursive {
			if err := os.Remove(p); err != nil {
				return nil, fmt.Errorf("%s is a non-empty directory; set recursive to delete it", p)
			}
			break
		}
		if err := os.RemoveAll(p); err != nil {
			return nil, err
		}
	default:
		if info.Mode().IsRegular() && b.cfg.BackupEnabled() {
			if backup, err = b.backup(p); err != nil {
				return nil, fmt.Errorf("backup: %w", err)
			}
		}
		if err := os.Remove(p); err != nil {
			return nil, err
		}
	}
	b.log.Info("deleted", "path", p, "backup", backup)

	out := map[string]any{"path": p, "deleted": true}
	if backup != "" {
		out["backup"] = backup
	}
	return tool.OK(out), nil
}
