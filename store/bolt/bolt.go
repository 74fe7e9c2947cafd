// Package bolt implements a blob store in a bbolt database file.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/bobg/snapsync"
	"github.com/bobg/snapsync/store"
)

var _ snapsync.AnchorStore = &Store{}

const blobHeader = 1

var (
	blobsBucket   = []byte("blobs")
	anchorsBucket = []byte("anchors")
)

// Store is a bbolt-based blob store.
// Blob values carry a one-byte header so that an empty blob is distinguishable from a missing one.
// Anchor entries are keyed by name, a zero byte, and a big-endian sequence number,
// so a prefix scan yields one anchor's entries in insertion order.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the database file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	return New(db)
}

// New produces a new Store using db for storage.
func New(db *bolt.DB) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(blobsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(anchorsBucket)
		return err
	})
	return &Store{db: db}, errors.Wrap(err, "creating buckets")
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get gets the blob with hash `ref`.
func (s *Store) Get(_ context.Context, ref snapsync.Ref) (snapsync.Blob, error) {
	var result snapsync.Blob
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blobsBucket).Get(ref[:])
		if v == nil {
			return snapsync.ErrNotFound
		}
		result = append(snapsync.Blob{}, v[1:]...)
		return nil
	})
	return result, err
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(_ context.Context, b snapsync.Blob) (snapsync.Ref, bool, error) {
	var (
		ref   = b.Ref()
		added bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(blobsBucket)
		if bucket.Get(ref[:]) != nil {
			return nil
		}
		added = true
		return bucket.Put(ref[:], append([]byte{blobHeader}, b...))
	})
	if err != nil {
		return snapsync.Zero, false, errors.Wrapf(err, "storing %s", ref)
	}
	return ref, added, nil
}

// Delete removes a blob.
// It is not an error to delete a blob that is not present.
func (s *Store) Delete(_ context.Context, ref snapsync.Ref) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blobsBucket).Delete(ref[:])
	})
}

// ListRefs produces all blob refs in the store, in lexicographic order.
// The callback runs outside the read transaction,
// on refs collected when ListRefs was called.
func (s *Store) ListRefs(_ context.Context, start snapsync.Ref, f func(snapsync.Ref) error) error {
	var refs []snapsync.Ref
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(blobsBucket).Cursor()
		for k, _ := c.Seek(start[:]); k != nil; k, _ = c.Next() {
			if bytes.Equal(k, start[:]) {
				continue
			}
			refs = append(refs, snapsync.RefFromBytes(k))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err = f(ref); err != nil {
			return err
		}
	}
	return nil
}

func anchorPrefix(a snapsync.Anchor) []byte {
	return append([]byte(a), 0)
}

func (s *Store) timeRefs(a snapsync.Anchor) ([]snapsync.TimeRef, error) {
	var trs []snapsync.TimeRef
	err := s.db.View(func(tx *bolt.Tx) error {
		var (
			prefix = anchorPrefix(a)
			c      = tx.Bucket(anchorsBucket).Cursor()
		)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var tr snapsync.TimeRef
			if err := json.Unmarshal(v, &tr); err != nil {
				return errors.Wrapf(err, "decoding anchor entry for %s", a)
			}
			trs = append(trs, tr)
		}
		return nil
	})
	snapsync.SortTimeRefs(trs)
	return trs, err
}

// GetAnchor gets the latest blob ref for a given anchor as of a given time.
func (s *Store) GetAnchor(_ context.Context, a snapsync.Anchor, at time.Time) (snapsync.Ref, error) {
	trs, err := s.timeRefs(a)
	if err != nil {
		return snapsync.Zero, err
	}
	return snapsync.FindAnchor(trs, at)
}

// PutAnchor adds a new ref for a given anchor as of a given time.
func (s *Store) PutAnchor(_ context.Context, ref snapsync.Ref, a snapsync.Anchor, at time.Time) error {
	v, err := json.Marshal(snapsync.TimeRef{T: at, R: ref})
	if err != nil {
		return errors.Wrap(err, "encoding anchor entry")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(anchorsBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return errors.Wrap(err, "allocating sequence number")
		}
		key := anchorPrefix(a)
		key = binary.BigEndian.AppendUint64(key, seq)
		return bucket.Put(key, v)
	})
}

// ListAnchors lists all anchors in the store, in lexicographic order.
func (s *Store) ListAnchors(_ context.Context, start snapsync.Anchor, f func(snapsync.Anchor, snapsync.TimeRef) error) error {
	var names []snapsync.Anchor
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(anchorsBucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			i := bytes.IndexByte(k, 0)
			if i < 0 {
				continue
			}
			name := snapsync.Anchor(k[:i])
			if name <= start {
				continue
			}
			if len(names) == 0 || names[len(names)-1] != name {
				names = append(names, name)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, name := range names {
		trs, err := s.timeRefs(name)
		if err != nil {
			return err
		}
		for _, tr := range trs {
			if err = f(name, tr); err != nil {
				return err
			}
		}
	}
	return nil
}

func init() {
	store.Register("bolt", func(_ context.Context, conf map[string]interface{}) (snapsync.AnchorStore, error) {
		path, ok := conf["path"].(string)
		if !ok {
			return nil, errors.New(`missing "path" parameter`)
		}
		return Open(path)
	})
}
