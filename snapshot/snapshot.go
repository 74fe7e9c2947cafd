// Package snapshot defines versioned, content-addressed directory snapshots.
//
// A Repository supplies a few primitive operations
// (create, head, parent, info, items).
// Listing, diffing, and materializing snapshots
// are free functions in this package written in terms of those primitives,
// so a new backend needs only the primitives.
package snapshot

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrReadOnly is the error for mutating a mirror repository.
	ErrReadOnly = errors.New("repository is a read-only mirror")

	// ErrUnsafePath is the error for a rooted path or one with a ".." segment,
	// or one that resolves outside its root directory.
	ErrUnsafePath = errors.New("unsafe path")
)

// ID identifies a snapshot.
// It is opaque to callers; backends wrap whatever bytes identify a snapshot for them.
// A nil or empty ID means "no snapshot."
type ID []byte

// Token is the string form of an ID, suitable for storing in agent records.
func (id ID) Token() string {
	return base64.StdEncoding.EncodeToString(id)
}

// FromToken parses the result of ID.Token.
// The empty token gives a nil ID.
func FromToken(tok string) (ID, error) {
	if tok == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(tok)
	return ID(b), errors.Wrapf(err, "decoding token %s", tok)
}

// Equal tells whether two IDs are byte-wise identical.
func (id ID) Equal(other ID) bool {
	return bytes.Equal(id, other)
}

// IsZero tells whether id is empty.
func (id ID) IsZero() bool {
	return len(id) == 0
}

func (id ID) String() string {
	return hex.EncodeToString(id)
}

// Info is the metadata of one snapshot.
type Info struct {
	Comment   string
	Timestamp time.Time
	ID        ID
}

// Item is one file in a snapshot.
// Its content is read only on demand, with Open.
type Item struct {
	Path    string // relative, with forward slashes
	Size    int64
	ModTime time.Time

	open func(context.Context) (io.ReadCloser, error)
}

// NewItem produces an Item.
// It fails with ErrUnsafePath if path is rooted or contains a ".." segment.
func NewItem(path string, size int64, modTime time.Time, open func(context.Context) (io.ReadCloser, error)) (Item, error) {
	if err := CheckPath(path); err != nil {
		return Item{}, err
	}
	return Item{Path: path, Size: size, ModTime: modTime, open: open}, nil
}

// Open opens the item's content for reading.
func (it Item) Open(ctx context.Context) (io.ReadCloser, error) {
	if it.open == nil {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return it.open(ctx)
}

// CheckPath returns ErrUnsafePath if p is rooted
// (a leading slash or backslash, or a volume name)
// or contains a ".." segment.
func CheckPath(p string) error {
	if p == "" {
		return errors.Wrap(ErrUnsafePath, "empty path")
	}
	slashed := strings.ReplaceAll(p, `\`, "/")
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(p) || filepath.VolumeName(p) != "" {
		return errors.Wrapf(ErrUnsafePath, "%s is rooted", p)
	}
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return errors.Wrapf(ErrUnsafePath, "%s contains ..", p)
		}
	}
	return nil
}

// File is an input to Repository.CreateFromFiles:
// the file at Source is recorded at Path in the snapshot.
type File struct {
	Path   string // relative, with forward slashes
	Source string // absolute
}

// Repository is the primitive interface to a snapshot store.
type Repository interface {
	// Initialize creates a new, empty store.
	// It returns false if one already exists.
	Initialize(context.Context) (bool, error)

	// CreateFromFiles records files as a new snapshot
	// and returns its ID.
	// It fails with ErrReadOnly on a mirror.
	CreateFromFiles(ctx context.Context, files []File, comment string) (ID, error)

	// Latest returns the ID of the newest snapshot,
	// or a nil ID if there are none.
	Latest(context.Context) (ID, error)

	// Previous returns the ID of the snapshot before id,
	// or a nil ID if id is the first.
	Previous(ctx context.Context, id ID) (ID, error)

	// Info returns the metadata of a snapshot.
	Info(ctx context.Context, id ID) (Info, error)

	// Items calls f on each file in a snapshot.
	// Each call to Items starts the listing over.
	// If f returns an error, Items stops and returns it.
	Items(ctx context.Context, id ID, f func(Item) error) error
}

// ProgressFunc receives progress reports for long-running operations.
// The stage names the operation (e.g. "fetch", "checkout").
// Total is zero when unknown.
type ProgressFunc func(stage string, done, total int64)

// Option configures the free functions of this package.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	progress ProgressFunc
}

// WithLogger sets the logger for warnings and per-item failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithProgress sets a function to receive progress reports.
func WithProgress(f ProgressFunc) Option {
	return func(o *options) {
		o.progress = f
	}
}

func getOptions(opts []Option) options {
	o := options{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		progress: func(string, int64, int64) {},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ListFiles lists the files under root, depth-first, for CreateFromFiles.
// The filter, if not nil, sees every file and directory below root
// (by its slash-separated relative path);
// a rejected directory is not descended into.
// Only regular files are listed.
func ListFiles(root string, filter func(rel string, d fs.DirEntry) bool) ([]File, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", root)
	}

	var files []File
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == absRoot {
			return nil
		}
		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if filter != nil && !filter(rel, d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, File{Path: rel, Source: path})
		}
		return nil
	})
	return files, errors.Wrapf(err, "walking %s", root)
}

// CreateFromDirectory records the files under root as a new snapshot of r.
// See ListFiles for the meaning of filter.
func CreateFromDirectory(ctx context.Context, r Repository, root, comment string, filter func(string, fs.DirEntry) bool) (ID, error) {
	files, err := ListFiles(root, filter)
	if err != nil {
		return nil, err
	}
	return r.CreateFromFiles(ctx, files, comment)
}
