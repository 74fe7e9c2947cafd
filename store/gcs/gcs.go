// Package gcs implements a blob store on Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/hex"
	stderrs "errors"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/bobg/snapsync"
	"github.com/bobg/snapsync/store"
)

var _ snapsync.AnchorStore = &Store{}

// Store is a Google Cloud Storage-based implementation of a blob store.
//
// Blobs live in objects named "b:<hex ref>".
// Anchors live in objects named "a:<hex anchor>:<inverse timestamp>",
// whose content is the 32-byte ref.
type Store struct {
	bucket *storage.BucketHandle
}

// New produces a new Store.
func New(bucket *storage.BucketHandle) *Store {
	return &Store{bucket: bucket}
}

// Get gets the blob with hash `ref`.
func (s *Store) Get(ctx context.Context, ref snapsync.Ref) (snapsync.Blob, error) {
	name := blobObjName(ref)
	r, err := s.bucket.Object(name).NewReader(ctx)
	if stderrs.Is(err, storage.ErrObjectNotExist) {
		return nil, snapsync.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading info of object %s", name)
	}
	defer r.Close()

	b := make([]byte, r.Attrs.Size)
	_, err = io.ReadFull(r, b)
	return b, errors.Wrapf(err, "reading contents of object %s", name)
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(ctx context.Context, b snapsync.Blob) (snapsync.Ref, bool, error) {
	var (
		ref  = b.Ref()
		name = blobObjName(ref)
		obj  = s.bucket.Object(name).If(storage.Conditions{DoesNotExist: true})
		w    = obj.NewWriter(ctx)
	)

	_, err := w.Write(b)
	if err != nil {
		w.Close()
		if isPreconditionFailed(err) {
			return ref, false, nil
		}
		return ref, false, errors.Wrapf(err, "writing object %s", name)
	}

	// The precondition is often not checked until the writer is closed.
	err = w.Close()
	if isPreconditionFailed(err) {
		return ref, false, nil
	}
	if err != nil {
		return ref, false, errors.Wrapf(err, "closing object %s", name)
	}
	return ref, true, nil
}

func isPreconditionFailed(err error) bool {
	var e *googleapi.Error
	return stderrs.As(err, &e) && e.Code == http.StatusPreconditionFailed
}

// Delete removes the blob with the given ref.
// Deleting a nonexistent blob is not an error.
func (s *Store) Delete(ctx context.Context, ref snapsync.Ref) error {
	name := blobObjName(ref)
	err := s.bucket.Object(name).Delete(ctx)
	if stderrs.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return errors.Wrapf(err, "deleting object %s", name)
}

// ListRefs produces all blob refs in the store, in lexicographic order.
func (s *Store) ListRefs(ctx context.Context, start snapsync.Ref, f func(snapsync.Ref) error) error {
	// Google Cloud Storage iterators have no API for starting in the middle of a bucket.
	// But they can filter by object-name prefix.
	// So we take (the hex encoding of) `start` and repeatedly compute prefixes for the objects we want.
	// If `start` is e67a, for example, the sequence of generated prefixes is:
	//   e67b e67c e67d e67e e67f
	//   e68 e69 e6a e6b e6c e6d e6e e6f
	//   e7 e8 e9 ea eb ec ed ee ef
	//   f
	return eachHexPrefix(start.String(), false, func(prefix string) error {
		return s.listRefs(ctx, prefix, f)
	})
}

func (s *Store) listRefs(ctx context.Context, prefix string, f func(snapsync.Ref) error) error {
	iter := s.bucket.Objects(ctx, &storage.Query{Prefix: "b:" + prefix})
	for {
		obj, err := iter.Next()
		if stderrs.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		ref, err := refFromBlobObjName(obj.Name)
		if err != nil {
			return err
		}
		err = f(ref)
		if err != nil {
			return err
		}
	}
}

// GetAnchor gets the latest blob ref for a given anchor as of a given time.
func (s *Store) GetAnchor(ctx context.Context, a snapsync.Anchor, at time.Time) (snapsync.Ref, error) {
	iter := s.bucket.Objects(ctx, &storage.Query{Prefix: anchorPrefix(a)})

	// Anchors come back in reverse chronological order
	// (since we usually want the latest one).
	// Find the first one whose timestamp is `at` or earlier.
	for {
		attrs, err := iter.Next()
		if stderrs.Is(err, iterator.Done) {
			return snapsync.Ref{}, snapsync.ErrNotFound
		}
		if err != nil {
			return snapsync.Ref{}, errors.Wrap(err, "iterating over anchor objects")
		}
		_, atime, err := anchorFromObjName(attrs.Name)
		if err != nil {
			return snapsync.Ref{}, errors.Wrapf(err, "decoding object name %s", attrs.Name)
		}
		if atime.After(at) {
			continue
		}
		return s.getAnchorRef(ctx, attrs.Name)
	}
}

// ListAnchors implements snapsync.AnchorGetter.
func (s *Store) ListAnchors(ctx context.Context, start snapsync.Anchor, f func(snapsync.Anchor, snapsync.TimeRef) error) error {
	type pair struct {
		a  snapsync.Anchor
		tr snapsync.TimeRef
	}
	var pairs []pair

	iter := s.bucket.Objects(ctx, &storage.Query{Prefix: "a:"})
	for {
		attrs, err := iter.Next()
		if stderrs.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return errors.Wrap(err, "iterating over anchor objects")
		}
		a, atime, err := anchorFromObjName(attrs.Name)
		if err != nil {
			return errors.Wrapf(err, "decoding object name %s", attrs.Name)
		}
		if a <= start {
			continue
		}
		ref, err := s.getAnchorRef(ctx, attrs.Name)
		if err != nil {
			return err
		}
		pairs = append(pairs, pair{a: a, tr: snapsync.TimeRef{T: atime, R: ref}})
	}

	// Object order is by hex-encoded anchor, which matches byte order,
	// then latest-first within an anchor.
	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].a != pairs[j].a {
			return pairs[i].a < pairs[j].a
		}
		return pairs[i].tr.T.Before(pairs[j].tr.T)
	})

	for _, p := range pairs {
		err := f(p.a, p.tr)
		if err != nil {
			return err
		}
	}
	return nil
}

// PutAnchor implements snapsync.AnchorStore.
// Two writes of the same anchor at the same instant leave the later one in place.
func (s *Store) PutAnchor(ctx context.Context, ref snapsync.Ref, a snapsync.Anchor, at time.Time) error {
	name := anchorObjName(a, at)
	w := s.bucket.Object(name).NewWriter(ctx)
	_, err := w.Write(ref[:])
	if err != nil {
		w.Close()
		return errors.Wrapf(err, "writing object %s", name)
	}
	return errors.Wrapf(w.Close(), "closing object %s", name)
}

func eachHexPrefix(prefix string, incl bool, f func(string) error) error {
	prefix = strings.ToLower(prefix)
	for len(prefix) > 0 {
		end := hexval(prefix[len(prefix)-1])
		if !incl {
			end++
		}
		prefix = prefix[:len(prefix)-1]
		for c := end; c < 16; c++ {
			err := f(prefix + string(hexdigit(c)))
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func hexval(b byte) int {
	switch {
	case '0' <= b && b <= '9':
		return int(b - '0')
	case 'a' <= b && b <= 'f':
		return int(10 + b - 'a')
	case 'A' <= b && b <= 'F':
		return int(10 + b - 'A')
	}
	return 0
}

func hexdigit(n int) byte {
	if n < 10 {
		return byte(n + '0')
	}
	return byte(n - 10 + 'a')
}

func blobObjName(ref snapsync.Ref) string {
	return "b:" + ref.String()
}

func refFromBlobObjName(name string) (snapsync.Ref, error) {
	return snapsync.RefFromHex(strings.TrimPrefix(name, "b:"))
}

func (s *Store) getAnchorRef(ctx context.Context, objName string) (snapsync.Ref, error) {
	r, err := s.bucket.Object(objName).NewReader(ctx)
	if err != nil {
		return snapsync.Ref{}, errors.Wrapf(err, "reading info of object %s", objName)
	}
	defer r.Close()

	var ref snapsync.Ref
	if r.Attrs.Size != int64(len(ref)) {
		return snapsync.Ref{}, errors.Errorf("object %s has wrong size %d (want %d)", objName, r.Attrs.Size, len(ref))
	}

	_, err = io.ReadFull(r, ref[:])
	return ref, errors.Wrapf(err, "reading contents of object %s", objName)
}

func anchorPrefix(a snapsync.Anchor) string {
	return "a:" + hex.EncodeToString([]byte(a)) + ":"
}

func anchorObjName(a snapsync.Anchor, at time.Time) string {
	return anchorPrefix(a) + invStamp(at)
}

var anchorNameRegex = regexp.MustCompile(`^a:([0-9a-f]*):(\d+)$`)

func anchorFromObjName(name string) (snapsync.Anchor, time.Time, error) {
	m := anchorNameRegex.FindStringSubmatch(name)
	if len(m) < 3 {
		return "", time.Time{}, errors.New("malformed name")
	}
	a, err := hex.DecodeString(m[1])
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "hex-decoding anchor")
	}
	at, err := parseInvStamp(m[2])
	if err != nil {
		return "", time.Time{}, err
	}
	return snapsync.Anchor(a), at, nil
}

func init() {
	store.Register("gcs", func(ctx context.Context, conf map[string]interface{}) (snapsync.AnchorStore, error) {
		creds, ok := conf["creds"].(string)
		if !ok {
			return nil, errors.New(`missing "creds" parameter`)
		}
		bucketName, ok := conf["bucket"].(string)
		if !ok {
			return nil, errors.New(`missing "bucket" parameter`)
		}
		c, err := storage.NewClient(ctx, option.WithCredentialsFile(creds))
		if err != nil {
			return nil, errors.Wrap(err, "creating cloud storage client")
		}
		return New(c.Bucket(bucketName)), nil
	})
}
