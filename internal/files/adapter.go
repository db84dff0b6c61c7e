package files

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/jonboulle/clockwork"

	"github.com/nerrad567/printbridge/internal/infrastructure/ftps"
)

const defaultCacheTTL = 30 * time.Second

// Backend is the printer storage. *ftps.Client implements it.
type Backend interface {
	List(ctx context.Context, dir string) ([]ftps.Entry, error)
	Upload(ctx context.Context, remote string, r io.Reader) error
	MakeDirAll(ctx context.Context, dir string) error
	Delete(ctx context.Context, remote string) error
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Entry is one listed file or folder. Path is relative to the upload
// directory.
type Entry struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Dir        bool      `json:"dir"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified,omitzero"`
}

// FileRef identifies an uploaded file.
type FileRef struct {
	// Path is relative to the upload directory.
	Path string `json:"path"`

	// Remote is the absolute path on the printer.
	Remote     string    `json:"remote"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Options configures an Adapter.
type Options struct {
	Backend Backend

	// UploadDir is the absolute printer folder names are relative to.
	// Defaults to "/".
	UploadDir string

	// CacheTTL defaults to 30s. Negative disables caching.
	CacheTTL time.Duration

	Clock  clockwork.Clock
	Logger Logger
}

type listing struct {
	entries []Entry
	at      time.Time
}

// Adapter exposes the printer's storage with names relative to the upload
// directory and a short-lived listing cache.
//
// Changes made through the adapter invalidate the cache. Changes made on
// the printer itself show up once the cached listing expires.
type Adapter struct {
	backend   Backend
	uploadDir string
	ttl       time.Duration
	clock     clockwork.Clock
	logger    Logger

	mu    sync.Mutex
	cache map[string]listing
}

// NewAdapter creates an adapter.
func NewAdapter(opts Options) (*Adapter, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if opts.UploadDir == "" {
		opts.UploadDir = "/"
	}
	if !strings.HasPrefix(opts.UploadDir, "/") {
		return nil, fmt.Errorf("upload directory %q must be absolute", opts.UploadDir)
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Adapter{
		backend:   opts.Backend,
		uploadDir: path.Clean(opts.UploadDir),
		ttl:       opts.CacheTTL,
		clock:     opts.Clock,
		logger:    opts.Logger,
		cache:     make(map[string]listing),
	}, nil
}

// UploadDir returns the absolute upload directory.
func (a *Adapter) UploadDir() string {
	return a.uploadDir
}

// List returns the entries of dir, folders first, then by name. An empty
// dir is the upload directory itself.
func (a *Adapter) List(ctx context.Context, dir string) ([]Entry, error) {
	rel := ""
	if strings.TrimSpace(dir) != "" && dir != "/" {
		if err := ValidateName(dir); err != nil {
			return nil, &FileError{Op: "list", Path: dir, Err: err}
		}
		rel = cleanRel(dir)
	}
	remote := path.Join(a.uploadDir, rel)

	a.mu.Lock()
	cached, ok := a.cache[remote]
	a.mu.Unlock()
	if ok && a.ttl > 0 && a.clock.Since(cached.at) < a.ttl {
		return slices.Clone(cached.entries), nil
	}

	raw, err := a.backend.List(ctx, remote)
	if err != nil {
		return nil, &FileError{Op: "list", Path: remote, Err: err}
	}

	entries := make([]Entry, 0, len(raw))
	for _, e := range raw {
		entries = append(entries, Entry{
			Name:       e.Name,
			Path:       path.Join(rel, e.Name),
			Dir:        e.Dir,
			Size:       e.Size,
			ModifiedAt: e.ModTime,
		})
	}
	slices.SortFunc(entries, func(x, y Entry) int {
		if x.Dir != y.Dir {
			if x.Dir {
				return -1
			}
			return 1
		}
		return cmp.Compare(x.Name, y.Name)
	})

	if a.ttl > 0 {
		a.mu.Lock()
		a.cache[remote] = listing{entries: entries, at: a.clock.Now()}
		a.mu.Unlock()
	}
	return slices.Clone(entries), nil
}

// Upload writes data to name inside the upload directory, creating missing
// folders. The cached listings are invalidated on success only.
func (a *Adapter) Upload(ctx context.Context, name string, data []byte) (FileRef, error) {
	if err := ValidateName(name); err != nil {
		return FileRef{}, &FileError{Op: "upload", Path: name, Err: err}
	}
	rel := cleanRel(name)
	remote := path.Join(a.uploadDir, rel)

	if dir := path.Dir(remote); dir != "/" {
		if err := a.backend.MakeDirAll(ctx, dir); err != nil {
			return FileRef{}, &FileError{Op: "upload", Path: remote, Err: err}
		}
	}
	if err := a.backend.Upload(ctx, remote, bytes.NewReader(data)); err != nil {
		return FileRef{}, &FileError{Op: "upload", Path: remote, Err: err}
	}

	a.Invalidate()
	a.logger.Info("file uploaded", "path", remote, "size", len(data))
	return FileRef{
		Path:       rel,
		Remote:     remote,
		Size:       int64(len(data)),
		UploadedAt: a.clock.Now(),
	}, nil
}

// Delete removes name from the upload directory.
func (a *Adapter) Delete(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return &FileError{Op: "delete", Path: name, Err: err}
	}
	remote := path.Join(a.uploadDir, cleanRel(name))
	if err := a.backend.Delete(ctx, remote); err != nil {
		return &FileError{Op: "delete", Path: remote, Err: err}
	}
	a.Invalidate()
	a.logger.Info("file deleted", "path", remote)
	return nil
}

// Invalidate drops every cached listing.
func (a *Adapter) Invalidate() {
	a.mu.Lock()
	clear(a.cache)
	a.mu.Unlock()
}

// ValidateName checks a relative file name. Names may contain folders but
// may not be absolute, step out with "..", or contain control characters.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return fmt.Errorf("%w: absolute paths are not allowed", ErrInvalidName)
	}
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return fmt.Errorf("%w: parent directory references are not allowed", ErrInvalidName)
		}
	}
	if strings.ContainsFunc(name, unicode.IsControl) {
		return fmt.Errorf("%w: control character in name", ErrInvalidName)
	}
	return nil
}

func cleanRel(name string) string {
	return strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(name, "\\", "/")), "/")
}
