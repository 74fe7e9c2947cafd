package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/bobg/snapsync"
	"github.com/bobg/snapsync/store"
	_ "github.com/bobg/snapsync/store/mem"
	"github.com/bobg/snapsync/testutil"
)

func TestStore(t *testing.T) {
	var (
		buf    bytes.Buffer
		logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
		ctx    = store.WithLogger(context.Background(), logger)
	)

	s, err := store.FromConfig(ctx, map[string]interface{}{
		"type":   "logging",
		"nested": map[string]interface{}{"type": "mem"},
	})
	if err != nil {
		t.Fatal(err)
	}

	testutil.ReadWrite(ctx, t, s, testutil.Data(t))
	testutil.Anchors(ctx, t, s)

	_, err = s.Get(ctx, snapsync.Ref{1})
	if err == nil {
		t.Fatal("got no error for a missing blob")
	}

	out := buf.String()
	for _, want := range []string{"msg=Put", "msg=GetAnchor", "level=ERROR msg=Get", "store=mem"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output lacks %q", want)
		}
	}
}
