// Package dag implements snapshot.Repository as a Merkle DAG of commits and trees
// in a content-addressed blob store.
//
// A repository's working tree is its directory.
// Metadata lives in the .snapsync subdirectory:
// repo.yaml (root or mirror, and the origin of a mirror),
// index.json (the tracked file set),
// and by default the object store itself.
// The current commit is the HEAD anchor in the object store.
//
// A root repository records new snapshots.
// A mirror tracks an origin, read-only,
// fetching and checking out the origin's head whenever its latest snapshot is requested.
package dag

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"

	"github.com/bobg/snapsync"
	"github.com/bobg/snapsync/snapshot"
	"github.com/bobg/snapsync/split"
	"github.com/bobg/snapsync/store/file"
	"github.com/bobg/snapsync/store/rpc"
)

var _ snapshot.Repository = &Repo{}

// Repo is a snapshot repository.
type Repo struct {
	dir       string
	objects   snapsync.AnchorStore
	originURI string
	origin    rpc.Source
	conn      *grpc.ClientConn
	logger    *slog.Logger
	progress  snapshot.ProgressFunc
	policy    snapshot.UpdatePolicy
}

// Option configures a Repo.
type Option func(*Repo)

// WithOrigin makes the repository a mirror of the one at uri:
// either a local repository directory
// or grpc://host:port for an object server.
func WithOrigin(uri string) Option {
	return func(r *Repo) {
		r.originURI = uri
	}
}

// WithObjects sets the object store.
// The default is a file store in the metadata directory.
func WithObjects(s snapsync.AnchorStore) Option {
	return func(r *Repo) {
		r.objects = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repo) {
		r.logger = logger
	}
}

// WithProgress sets a function to receive fetch and checkout progress,
// throttled by the repository's UpdatePolicy.
func WithProgress(f snapshot.ProgressFunc) Option {
	return func(r *Repo) {
		r.progress = f
	}
}

// WithPolicy sets the throttling policy for progress reports.
// The default is snapshot.DefaultPolicy.
func WithPolicy(p snapshot.UpdatePolicy) Option {
	return func(r *Repo) {
		r.policy = p
	}
}

// New opens the repository in dir.
// The repository need not exist yet; see Initialize.
// If dir already holds a mirror and WithOrigin is not given,
// the recorded origin is used.
func New(dir string, opts ...Option) (*Repo, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", dir)
	}
	r := &Repo{
		dir:    absDir,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		policy: snapshot.DefaultPolicy,
	}
	for _, opt := range opts {
		opt(r)
	}

	conf, err := readRepoConfig(metaPath(absDir, repoConfigFile))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, err
	case r.originURI == "":
		r.originURI = conf.Origin
	}

	if r.objects == nil {
		r.objects = file.New(metaPath(absDir, objectsDir))
	}
	if r.progress == nil {
		r.progress = func(string, int64, int64) {}
	} else {
		r.progress = snapshot.Throttled(r.policy, r.progress)
	}

	if r.originURI != "" {
		if err = r.openOrigin(); err != nil {
			return nil, errors.Wrapf(err, "opening origin %s", r.originURI)
		}
	}

	return r, nil
}

func (r *Repo) openOrigin() error {
	if addr := strings.TrimPrefix(r.originURI, "grpc://"); addr != r.originURI {
		c, conn, err := rpc.Dial(context.Background(), addr, true)
		if err != nil {
			return err
		}
		r.origin, r.conn = c, conn
		return nil
	}
	originDir := strings.TrimPrefix(r.originURI, "file://")
	if _, err := os.Stat(metaPath(originDir, repoConfigFile)); err != nil {
		return errors.Wrap(err, "checking origin repository")
	}
	r.origin = file.New(metaPath(originDir, objectsDir))
	return nil
}

// Close releases the connection to a remote origin, if any.
func (r *Repo) Close() error {
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// Dir is the working tree of the repository.
func (r *Repo) Dir() string {
	return r.dir
}

// Objects is the repository's object store.
func (r *Repo) Objects() snapsync.AnchorStore {
	return r.objects
}

// IsMirror tells whether the repository tracks an origin.
func (r *Repo) IsMirror() bool {
	return r.origin != nil
}

// Initialize implements snapshot.Repository.
// A mirror is cloned from its origin.
func (r *Repo) Initialize(ctx context.Context) (bool, error) {
	if err := os.MkdirAll(filepath.Join(r.dir, MetaDir), 0755); err != nil {
		return false, errors.Wrap(err, "creating metadata directory")
	}
	conf := &repoConfig{Kind: kindRoot}
	if r.IsMirror() {
		conf = &repoConfig{Kind: kindMirror, Origin: r.originURI}
	}
	created, err := writeRepoConfig(metaPath(r.dir, repoConfigFile), conf)
	if err != nil || !created {
		return false, err
	}
	if err = newIndex().write(metaPath(r.dir, indexFile)); err != nil {
		return false, err
	}
	if r.IsMirror() {
		if err = r.refresh(ctx); err != nil {
			return true, errors.Wrap(err, "cloning")
		}
	}
	r.logger.InfoContext(ctx, "initialized repository", "dir", r.dir, "kind", conf.Kind, "origin", conf.Origin)
	return true, nil
}

func (r *Repo) head(ctx context.Context) (snapsync.Ref, error) {
	ref, err := r.objects.GetAnchor(ctx, HeadAnchor, time.Now())
	if errors.Is(err, snapsync.ErrNotFound) {
		return snapsync.Zero, nil
	}
	return ref, errors.Wrap(err, "getting head")
}

func refID(ref snapsync.Ref) snapshot.ID {
	if ref.IsZero() {
		return nil
	}
	return snapshot.ID(ref[:])
}

func idRef(id snapshot.ID) (snapsync.Ref, error) {
	if len(id) != len(snapsync.Ref{}) {
		return snapsync.Zero, errors.Errorf("malformed snapshot id %s", id)
	}
	return snapsync.RefFromBytes(id), nil
}

// Head is the ID of the checked-out snapshot.
// Unlike Latest it never contacts the origin.
func (r *Repo) Head(ctx context.Context) (snapshot.ID, error) {
	ref, err := r.head(ctx)
	return refID(ref), err
}

// Latest implements snapshot.Repository.
// A mirror first fetches from its origin and checks out the origin's head;
// if that fails, the failure is logged and the local head is returned.
func (r *Repo) Latest(ctx context.Context) (snapshot.ID, error) {
	if r.IsMirror() {
		if err := r.refresh(ctx); err != nil {
			r.logger.WarnContext(ctx, "could not refresh from origin", "origin", r.originURI, "error", err)
		}
	}
	ref, err := r.head(ctx)
	return refID(ref), err
}

func (r *Repo) getCommit(ctx context.Context, g snapsync.Getter, id snapshot.ID) (*Commit, error) {
	ref, err := idRef(id)
	if err != nil {
		return nil, err
	}
	var c Commit
	err = snapsync.GetJSON(ctx, g, ref, &c)
	return &c, errors.Wrapf(err, "getting commit %s", ref)
}

// Previous implements snapshot.Repository.
// Only the first parent of a commit is followed.
func (r *Repo) Previous(ctx context.Context, id snapshot.ID) (snapshot.ID, error) {
	c, err := r.getCommit(ctx, r.objects, id)
	if err != nil {
		return nil, err
	}
	if len(c.Parents) == 0 {
		return nil, nil
	}
	return refID(c.Parents[0]), nil
}

// Info implements snapshot.Repository.
func (r *Repo) Info(ctx context.Context, id snapshot.ID) (snapshot.Info, error) {
	c, err := r.getCommit(ctx, r.objects, id)
	if err != nil {
		return snapshot.Info{}, err
	}
	return snapshot.Info{Comment: c.Message, Timestamp: c.Author.When, ID: id}, nil
}

// Items implements snapshot.Repository.
// Items come in path order.
func (r *Repo) Items(ctx context.Context, id snapshot.ID, f func(snapshot.Item) error) error {
	c, err := r.getCommit(ctx, r.objects, id)
	if err != nil {
		return err
	}
	return r.walkTree(ctx, c.Tree, "", func(p string, e Entry) error {
		item, err := snapshot.NewItem(p, e.Size, e.ModTime, r.opener(e.Ref))
		if err != nil {
			return err
		}
		return f(item)
	})
}

// walkTree calls f on each file entry beneath the tree at ref,
// with its slash-separated path.
func (r *Repo) walkTree(ctx context.Context, ref snapsync.Ref, prefix string, f func(string, Entry) error) error {
	var t Tree
	if err := snapsync.GetJSON(ctx, r.objects, ref, &t); err != nil {
		return errors.Wrapf(err, "getting tree %s", ref)
	}
	for _, e := range t.Entries {
		p := path.Join(prefix, e.Name)
		if e.Dir {
			if err := r.walkTree(ctx, e.Ref, p, f); err != nil {
				return err
			}
			continue
		}
		if err := f(p, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repo) opener(ref snapsync.Ref) func(context.Context) (io.ReadCloser, error) {
	return func(ctx context.Context) (io.ReadCloser, error) {
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(split.Read(ctx, r.objects, ref, pw))
		}()
		return pr, nil
	}
}

// CreateFromFiles implements snapshot.Repository.
// It replaces the tracked file set with files:
// each is copied into the working tree (unless already up to date there)
// and its content stored.
// After committing, files tracked by the previous commit but not this one
// are removed from the working tree.
func (r *Repo) CreateFromFiles(ctx context.Context, files []snapshot.File, comment string) (snapshot.ID, error) {
	if r.IsMirror() {
		return nil, snapshot.ErrReadOnly
	}

	prev, err := r.head(ctx)
	if err != nil {
		return nil, err
	}

	const logCopies = 25

	var (
		idx    = newIndex()
		copies int
	)
	for _, f := range files {
		if err = snapshot.CheckPath(f.Path); err != nil {
			return nil, err
		}
		dst, err := snapshot.SafeJoin(r.dir, f.Path)
		if err != nil {
			return nil, err
		}
		if filepath.Clean(f.Source) != dst {
			copied, err := snapshot.TryCopyFile(f.Source, dst)
			if err != nil {
				return nil, errors.Wrapf(err, "copying %s to %s", f.Source, dst)
			}
			if copied {
				copies++
				if copies <= logCopies {
					r.logger.DebugContext(ctx, "copied file", "src", f.Source, "dst", dst)
				}
			}
		}
		entry, err := r.stage(ctx, dst)
		if err != nil {
			return nil, errors.Wrapf(err, "staging %s", f.Path)
		}
		idx.Entries[f.Path] = entry
	}
	if copies > logCopies {
		r.logger.DebugContext(ctx, "copied more files", "count", copies-logCopies)
	}

	treeRef, _, err := r.storeTree(ctx, buildDirTree(idx))
	if err != nil {
		return nil, errors.Wrap(err, "storing tree")
	}

	now := time.Now().UTC()
	c := Commit{
		Tree:    treeRef,
		Author:  Author{Name: authorName, Email: authorEmail, When: now},
		Message: comment,
	}
	if !prev.IsZero() {
		c.Parents = []snapsync.Ref{prev}
	}
	commitRef, _, err := snapsync.PutJSON(ctx, r.objects, c)
	if err != nil {
		return nil, errors.Wrap(err, "storing commit")
	}
	if err = r.objects.PutAnchor(ctx, commitRef, HeadAnchor, now); err != nil {
		return nil, errors.Wrap(err, "updating head")
	}

	idx.Commit = commitRef
	if err = idx.write(metaPath(r.dir, indexFile)); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "created snapshot", "id", commitRef, "files", len(files), "copied", copies)

	id := refID(commitRef)
	err = snapshot.ProcessDeletions(ctx, r, refID(prev), id, r.dir, snapshot.WithLogger(r.logger))
	return id, errors.Wrap(err, "removing untracked files")
}

func (r *Repo) stage(ctx context.Context, path string) (indexEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return indexEntry{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return indexEntry{}, err
	}
	ref, n, err := split.Write(ctx, r.objects, f)
	if err != nil {
		return indexEntry{}, err
	}
	return indexEntry{Ref: ref, Size: n, ModTime: info.ModTime().UTC()}, nil
}

type dirTree struct {
	files map[string]indexEntry
	dirs  map[string]*dirTree
}

func buildDirTree(idx *index) *dirTree {
	root := &dirTree{files: make(map[string]indexEntry), dirs: make(map[string]*dirTree)}
	for p, entry := range idx.Entries {
		var (
			d     = root
			parts = strings.Split(p, "/")
		)
		for _, part := range parts[:len(parts)-1] {
			sub, ok := d.dirs[part]
			if !ok {
				sub = &dirTree{files: make(map[string]indexEntry), dirs: make(map[string]*dirTree)}
				d.dirs[part] = sub
			}
			d = sub
		}
		d.files[parts[len(parts)-1]] = entry
	}
	return root
}

// storeTree stores d and its subdirectories bottom-up,
// returning the ref of d's Tree and the total size of its files.
func (r *Repo) storeTree(ctx context.Context, d *dirTree) (snapsync.Ref, int64, error) {
	var (
		t     Tree
		total int64
	)
	for name, sub := range d.dirs {
		ref, size, err := r.storeTree(ctx, sub)
		if err != nil {
			return snapsync.Zero, 0, err
		}
		t.Entries = append(t.Entries, Entry{Name: name, Dir: true, Ref: ref, Size: size})
		total += size
	}
	for name, entry := range d.files {
		t.Entries = append(t.Entries, Entry{Name: name, Ref: entry.Ref, Size: entry.Size, ModTime: entry.ModTime})
		total += entry.Size
	}
	sort.Slice(t.Entries, func(i, j int) bool { return t.Entries[i].Name < t.Entries[j].Name })

	ref, _, err := snapsync.PutJSON(ctx, r.objects, t)
	return ref, total, err
}

// Reset checks out snapshot id into the working tree
// and makes it the head.
// The working tree is brought there from the current head with snapshot.Update.
func (r *Repo) Reset(ctx context.Context, id snapshot.ID) error {
	target, err := idRef(id)
	if err != nil {
		return err
	}
	cur, err := r.head(ctx)
	if err != nil {
		return err
	}

	checkout := func(_ string, done, total int64) {
		r.progress("checkout", done, total)
	}
	err = snapshot.Update(ctx, r, refID(cur), id, r.dir, snapshot.WithLogger(r.logger), snapshot.WithProgress(checkout))
	if err != nil {
		return errors.Wrapf(err, "checking out %s", target)
	}

	c, err := r.getCommit(ctx, r.objects, id)
	if err != nil {
		return err
	}
	idx := newIndex()
	idx.Commit = target
	err = r.walkTree(ctx, c.Tree, "", func(p string, e Entry) error {
		idx.Entries[p] = indexEntry{Ref: e.Ref, Size: e.Size, ModTime: e.ModTime}
		return nil
	})
	if err != nil {
		return err
	}
	if err = idx.write(metaPath(r.dir, indexFile)); err != nil {
		return err
	}

	return errors.Wrap(r.objects.PutAnchor(ctx, target, HeadAnchor, time.Now()), "updating head")
}
