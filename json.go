package snapsync

import (
	"context"
	"encoding/json"

	"github.com/gibson042/canonicaljson-go"
	"github.com/pkg/errors"
)

// PutJSON stores the canonical JSON encoding of obj as a blob.
// Canonical encoding means two equal objects always produce the same ref.
func PutJSON(ctx context.Context, s Store, obj interface{}) (Ref, bool, error) {
	b, err := canonicaljson.Marshal(obj)
	if err != nil {
		return Zero, false, errors.Wrap(err, "encoding object")
	}
	return s.Put(ctx, b)
}

// GetJSON gets the blob at ref and decodes it as JSON into obj.
func GetJSON(ctx context.Context, g Getter, ref Ref, obj interface{}) error {
	b, err := g.Get(ctx, ref)
	if err != nil {
		return errors.Wrapf(err, "getting %s", ref)
	}
	return errors.Wrapf(json.Unmarshal(b, obj), "decoding %s", ref)
}
