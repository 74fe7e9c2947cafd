// Package file implements a blob store as a file hierarchy.
package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/bobg/flock"
	"github.com/pkg/errors"

	"github.com/bobg/snapsync"
	"github.com/bobg/snapsync/store"
)

var _ snapsync.AnchorStore = &Store{}

// Store is a file-based implementation of a blob store.
type Store struct {
	root    string
	flocker flock.Locker
}

// New produces a new Store storing data beneath `root`.
func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) blobroot() string {
	return filepath.Join(s.root, "blobs")
}

func (s *Store) blobpath(ref snapsync.Ref) string {
	h := ref.String()
	return filepath.Join(s.blobroot(), h[:2], h[:4], h)
}

// Get gets the blob with hash `ref`.
func (s *Store) Get(_ context.Context, ref snapsync.Ref) (snapsync.Blob, error) {
	path := s.blobpath(ref)
	blob, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, snapsync.ErrNotFound
	}
	return blob, errors.Wrapf(err, "opening %s", path)
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(_ context.Context, b snapsync.Blob) (snapsync.Ref, bool, error) {
	var (
		ref  = b.Ref()
		path = s.blobpath(ref)
		dir  = filepath.Dir(path)
	)

	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return ref, false, errors.Wrapf(err, "ensuring path %s exists", dir)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if os.IsExist(err) {
		return ref, false, nil
	}
	if err != nil {
		return snapsync.Zero, false, errors.Wrapf(err, "creating %s", path)
	}

	_, err = f.Write(b)
	if err != nil {
		f.Close()
		os.Remove(path)
		return snapsync.Zero, false, errors.Wrapf(err, "writing data to %s", path)
	}

	return ref, true, errors.Wrapf(f.Close(), "closing %s", path)
}

// Delete removes a blob.
// It is not an error to delete a blob that is not present.
func (s *Store) Delete(_ context.Context, ref snapsync.Ref) error {
	path := s.blobpath(ref)
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Wrapf(err, "removing %s", path)
}

// ListRefs produces all blob refs in the store, in lexicographic order.
func (s *Store) ListRefs(ctx context.Context, start snapsync.Ref, f func(snapsync.Ref) error) error {
	err := os.MkdirAll(s.blobroot(), 0755)
	if os.IsExist(err) {
		// ok
	} else if err != nil {
		return errors.Wrapf(err, "ensuring %s exists", s.blobroot())
	}

	topLevel, err := os.ReadDir(s.blobroot())
	if err != nil {
		return errors.Wrapf(err, "reading dir %s", s.blobroot())
	}

	startHex := start.String()
	topIndex := sort.Search(len(topLevel), func(n int) bool {
		return topLevel[n].Name() >= startHex[:2]
	})
	for i := topIndex; i < len(topLevel); i++ {
		topInfo := topLevel[i]
		if !topInfo.IsDir() {
			continue
		}
		topName := topInfo.Name()
		if len(topName) != 2 {
			continue
		}
		if _, err = strconv.ParseInt(topName, 16, 64); err != nil {
			continue
		}

		midLevel, err := os.ReadDir(filepath.Join(s.blobroot(), topName))
		if err != nil {
			return errors.Wrapf(err, "reading dir %s/%s", s.blobroot(), topName)
		}
		midIndex := sort.Search(len(midLevel), func(n int) bool {
			return midLevel[n].Name() >= startHex[:4]
		})
		for j := midIndex; j < len(midLevel); j++ {
			midInfo := midLevel[j]
			if !midInfo.IsDir() {
				continue
			}
			midName := midInfo.Name()
			if len(midName) != 4 {
				continue
			}
			if _, err = strconv.ParseInt(midName, 16, 64); err != nil {
				continue
			}

			blobInfos, err := os.ReadDir(filepath.Join(s.blobroot(), topName, midName))
			if err != nil {
				return errors.Wrapf(err, "reading dir %s/%s/%s", s.blobroot(), topName, midName)
			}

			index := sort.Search(len(blobInfos), func(n int) bool {
				return blobInfos[n].Name() > startHex
			})
			for k := index; k < len(blobInfos); k++ {
				blobInfo := blobInfos[k]
				if blobInfo.IsDir() {
					continue
				}

				ref, err := snapsync.RefFromHex(blobInfo.Name())
				if err != nil {
					continue
				}

				err = f(ref)
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

const (
	anchorsFileBaseName = "anchors.json"
	anchorsLockBaseName = "anchors.lock"
)

func (s *Store) anchorsFilePath() string {
	return filepath.Join(s.root, anchorsFileBaseName)
}

func (s *Store) lockAnchors() error {
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return errors.Wrapf(err, "ensuring %s exists", s.root)
	}
	return s.flocker.Lock(filepath.Join(s.root, anchorsLockBaseName))
}

func (s *Store) unlockAnchors() error {
	return s.flocker.Unlock(filepath.Join(s.root, anchorsLockBaseName))
}

// File lock must be held.
func (s *Store) readAnchors() (map[snapsync.Anchor][]snapsync.TimeRef, error) {
	m := make(map[snapsync.Anchor][]snapsync.TimeRef)
	b, err := os.ReadFile(s.anchorsFilePath())
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading anchors file")
	}
	err = json.Unmarshal(b, &m)
	return m, errors.Wrap(err, "decoding anchors file")
}

// GetAnchor gets the latest blob ref for a given anchor as of a given time.
func (s *Store) GetAnchor(_ context.Context, a snapsync.Anchor, at time.Time) (snapsync.Ref, error) {
	err := s.lockAnchors()
	if err != nil {
		return snapsync.Zero, errors.Wrap(err, "locking anchors file")
	}
	defer s.unlockAnchors()

	m, err := s.readAnchors()
	if err != nil {
		return snapsync.Zero, err
	}
	return snapsync.FindAnchor(m[a], at)
}

// ListAnchors lists all anchors in the store, in lexicographic order.
func (s *Store) ListAnchors(_ context.Context, start snapsync.Anchor, f func(snapsync.Anchor, snapsync.TimeRef) error) error {
	m, err := func() (map[snapsync.Anchor][]snapsync.TimeRef, error) {
		err := s.lockAnchors()
		if err != nil {
			return nil, errors.Wrap(err, "locking anchors file")
		}
		defer s.unlockAnchors()
		return s.readAnchors()
	}()
	if err != nil {
		return err
	}

	anchors := make([]snapsync.Anchor, 0, len(m))
	for a := range m {
		if a > start {
			anchors = append(anchors, a)
		}
	}
	sort.Slice(anchors, func(i, j int) bool { return anchors[i] < anchors[j] })

	for _, a := range anchors {
		for _, tr := range m[a] {
			if err = f(a, tr); err != nil {
				return err
			}
		}
	}
	return nil
}

// PutAnchor adds a new ref for a given anchor as of a given time.
// The anchors file is rewritten through a temporary file and a rename.
func (s *Store) PutAnchor(_ context.Context, ref snapsync.Ref, a snapsync.Anchor, at time.Time) error {
	err := s.lockAnchors()
	if err != nil {
		return errors.Wrap(err, "locking anchors file")
	}
	defer s.unlockAnchors()

	m, err := s.readAnchors()
	if err != nil {
		return err
	}
	m[a] = append(m[a], snapsync.TimeRef{T: at, R: ref})
	snapsync.SortTimeRefs(m[a])

	b, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encoding anchors")
	}

	tmp := s.anchorsFilePath() + ".next"
	if err = os.WriteFile(tmp, b, 0644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	return errors.Wrap(os.Rename(tmp, s.anchorsFilePath()), "replacing anchors file")
}

func init() {
	store.Register("file", func(_ context.Context, conf map[string]interface{}) (snapsync.AnchorStore, error) {
		root, ok := conf["root"].(string)
		if !ok {
			return nil, errors.New(`missing "root" parameter`)
		}
		return New(root), nil
	})
}
