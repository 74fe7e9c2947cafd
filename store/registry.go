package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/bobg/snapsync"
)

// Factory creates a store from a configuration map.
// The map is the decoded form of a JSON or YAML object;
// its "type" key names the registered factory.
type Factory func(context.Context, map[string]interface{}) (snapsync.AnchorStore, error)

var registry = make(map[string]Factory)

// Register makes a store type available to Create.
// Backend packages call it from their init functions.
func Register(key string, f Factory) {
	registry[key] = f
}

// Create creates a store of the registered type key.
func Create(ctx context.Context, key string, conf map[string]interface{}) (snapsync.AnchorStore, error) {
	f, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("key %s not found in registry", key)
	}
	return f(ctx, conf)
}

// FromConfig creates a store from conf,
// whose "type" entry names the registered store type.
func FromConfig(ctx context.Context, conf map[string]interface{}) (snapsync.AnchorStore, error) {
	typ, ok := conf["type"].(string)
	if !ok {
		return nil, errors.New("store config missing `type` parameter")
	}
	return Create(ctx, typ, conf)
}

// Nested creates the store described by the map at conf[key].
// Wrapping stores (lru, logging) use it for their inner store.
func Nested(ctx context.Context, conf map[string]interface{}, key string) (snapsync.AnchorStore, error) {
	nested, ok := conf[key].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing %q parameter", key)
	}
	s, err := FromConfig(ctx, nested)
	return s, errors.Wrapf(err, "creating %s store", key)
}

// Int gets an integer parameter from a config map.
// YAML decodes integers as int, JSON as float64 or json.Number.
func Int(conf map[string]interface{}, key string) (int, bool) {
	switch v := conf[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

type loggerKey struct{}

// WithLogger returns a context carrying logger,
// for store factories that log.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Logger returns the logger carried by ctx,
// or one that discards everything.
func Logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
