package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"
	"testing/quick"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestToken(t *testing.T) {
	f := func(b []byte) bool {
		id := ID(b)
		got, err := FromToken(id.Token())
		if err != nil {
			return false
		}
		return got.Equal(id)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}

	id, err := FromToken("")
	if err != nil {
		t.Fatal(err)
	}
	if id != nil {
		t.Errorf("got %v from the empty token, want nil", id)
	}

	if _, err = FromToken("not base64!"); err == nil {
		t.Error("got no error for a malformed token")
	}
}

func TestCheckPath(t *testing.T) {
	cases := []struct {
		path string
		ok   bool
	}{
		{path: "a", ok: true},
		{path: "a/b/c.txt", ok: true},
		{path: "a/..b/c", ok: true},
		{path: "", ok: false},
		{path: "/etc/passwd", ok: false},
		{path: `\windows`, ok: false},
		{path: "..", ok: false},
		{path: "../x", ok: false},
		{path: "a/../../x", ok: false},
		{path: `a\..\x`, ok: false},
	}
	for i, c := range cases {
		t.Run(fmt.Sprintf("case_%02d", i+1), func(t *testing.T) {
			_, err := NewItem(c.path, 0, time.Time{}, nil)
			if c.ok && err != nil {
				t.Errorf("got error %s for %q", err, c.path)
			}
			if !c.ok && !errors.Is(err, ErrUnsafePath) {
				t.Errorf("got %v for %q, want ErrUnsafePath", err, c.path)
			}
		})
	}
}

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()

	cases := []struct {
		rel  string
		want string
	}{
		{rel: "a/b", want: filepath.Join(root, "a", "b")},
		{rel: "a/../b", want: filepath.Join(root, "b")},
		{rel: "../outside"},
		{rel: "a/../../outside"},
		{rel: "/etc/passwd"},

		// A sibling sharing root's name as a prefix is not caught.
		{rel: "../" + filepath.Base(root) + "x/f", want: root + "x" + string(filepath.Separator) + "f"},
	}
	for i, c := range cases {
		t.Run(fmt.Sprintf("case_%02d", i+1), func(t *testing.T) {
			got, err := SafeJoin(root, c.rel)
			if c.want == "" {
				if !errors.Is(err, ErrUnsafePath) {
					t.Errorf("got %q, %v; want ErrUnsafePath", got, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != c.want {
				t.Errorf("got %s, want %s", got, c.want)
			}
		})
	}
}

func itemPaths(items []Item) []string {
	var paths []string
	for _, item := range items {
		paths = append(paths, item.Path)
	}
	sort.Strings(paths)
	return paths
}

func TestDiff(t *testing.T) {
	var (
		ctx = context.Background()
		r   = new(fakeRepo)
		a   = r.put(map[string]string{"x": "1", "y": "2", "d/z": "3"})
		b   = r.put(map[string]string{"x": "changed", "d/w": "4", "Y": "5"})
	)

	deleted, err := DeletedItems(ctx, r, a, b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"d/z", "y"}, itemPaths(deleted)); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}

	added, err := AddedItems(ctx, r, a, b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Y", "d/w"}, itemPaths(added)); diff != "" {
		t.Errorf("added mismatch (-want +got):\n%s", diff)
	}

	// Symmetry.
	for _, pair := range [][2]ID{{a, b}, {b, a}, {a, a}} {
		added, err := AddedItems(ctx, r, pair[0], pair[1])
		if err != nil {
			t.Fatal(err)
		}
		deleted, err := DeletedItems(ctx, r, pair[1], pair[0])
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(itemPaths(added), itemPaths(deleted)); diff != "" {
			t.Errorf("asymmetry for %s, %s (-added +deleted):\n%s", pair[0], pair[1], diff)
		}
	}

	// Against no snapshot.
	deleted, err = DeletedItems(ctx, r, a, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 3 {
		t.Errorf("got %d items deleted against nothing, want 3", len(deleted))
	}
}

type dirState map[string]string // path -> content@mtime

func readDirState(t *testing.T, dir string) dirState {
	result := make(dirState)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		result[filepath.ToSlash(rel)] = fmt.Sprintf("%s@%d", b, info.ModTime().UnixNano())
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return result
}

func TestPopulate(t *testing.T) {
	var (
		ctx = context.Background()
		r   = new(fakeRepo)
		id  = r.put(map[string]string{"a": "alpha", "b/c": "charlie", "b/d/e": "echo"})
		dir = t.TempDir()
	)

	var reports int64
	progress := func(stage string, done, total int64) {
		atomic.AddInt64(&reports, 1)
		if stage != "populate" || total != 3 {
			t.Errorf("got progress (%s, %d, %d)", stage, done, total)
		}
	}

	if err := Populate(ctx, r, id, dir, WithProgress(progress)); err != nil {
		t.Fatal(err)
	}
	once := readDirState(t, dir)

	if err := Populate(ctx, r, id, dir); err != nil {
		t.Fatal(err)
	}
	twice := readDirState(t, dir)

	if diff := cmp.Diff(once, twice); diff != "" {
		t.Errorf("populating twice differs from once (-once +twice):\n%s", diff)
	}
	if len(once) != 3 {
		t.Errorf("got %d files, want 3", len(once))
	}
	if reports != 4 {
		t.Errorf("got %d progress reports, want 4", reports)
	}

	info, err := os.Stat(filepath.Join(dir, "b", "d", "e"))
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC); !info.ModTime().Equal(want) {
		t.Errorf("got mtime %s, want %s", info.ModTime(), want)
	}
}

func TestPopulateUnsafe(t *testing.T) {
	var (
		ctx    = context.Background()
		parent = t.TempDir()
		dir    = filepath.Join(parent, "dir")
		r      = new(fakeRepo)
		id     = r.put(map[string]string{"ok": "fine", "../escaped": "bad"})
	)
	if err := Populate(ctx, r, id, dir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(parent, "escaped")); !os.IsNotExist(err) {
		t.Errorf("file written outside the root (err %v)", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ok")); err != nil {
		t.Error(err)
	}
}

func TestPopulateErrors(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
	)
	r := &itemsRepo{items: []Item{
		{Path: "good", open: func(context.Context) (io.ReadCloser, error) { return io.NopCloser(emptyReader{}), nil }},
		{Path: "bad", open: func(context.Context) (io.ReadCloser, error) { return nil, errors.New("boom") }},
	}}
	err := Populate(ctx, r, ID("x"), dir)
	var perrs PathErrs
	if !errors.As(err, &perrs) {
		t.Fatalf("got %v, want PathErrs", err)
	}
	if len(perrs) != 1 || perrs["bad"] == nil {
		t.Errorf("got %v, want one error for bad", perrs)
	}
	if _, err = os.Stat(filepath.Join(dir, "good")); err != nil {
		t.Errorf("sibling of failed item: %s", err)
	}
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }

type itemsRepo struct {
	fakeRepo
	items []Item
}

func (r *itemsRepo) Items(_ context.Context, _ ID, f func(Item) error) error {
	for _, item := range r.items {
		if err := f(item); err != nil {
			return err
		}
	}
	return nil
}

func TestUpdate(t *testing.T) {
	var (
		ctx = context.Background()
		r   = new(fakeRepo)
		a   = r.put(map[string]string{"keep": "1", "gone": "2", "sub/gone": "3"})
		b   = r.put(map[string]string{"keep": "one", "new": "4"})
		dir = t.TempDir()
	)
	if err := Populate(ctx, r, a, dir); err != nil {
		t.Fatal(err)
	}
	if err := Update(ctx, r, a, b, dir); err != nil {
		t.Fatal(err)
	}

	got := readDirState(t, dir)
	var paths []string
	for p := range got {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	if diff := cmp.Diff([]string{"keep", "new"}, paths); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	b1, err := os.ReadFile(filepath.Join(dir, "keep"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b1) != "one" {
		t.Errorf("got %q, want rewritten content", b1)
	}

	// Equal ids: nothing happens, even to a stray file.
	stray := filepath.Join(dir, "stray")
	if err = os.WriteFile(stray, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err = Update(ctx, r, b, b, dir); err != nil {
		t.Fatal(err)
	}
	if _, err = os.Stat(stray); err != nil {
		t.Error(err)
	}
}

func TestHistory(t *testing.T) {
	var (
		ctx = context.Background()
		r   = new(fakeRepo)
		ids []ID
	)
	for i := 0; i < 5; i++ {
		ids = append(ids, r.put(map[string]string{"f": fmt.Sprint(i)}))
	}

	var all []ID
	err := ListAll(ctx, r, func(id ID) error {
		all = append(all, id)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 || !all[0].Equal(ids[4]) || !all[4].Equal(ids[0]) {
		t.Errorf("got %v, want newest first", all)
	}

	cases := []struct {
		first, last ID
		want        []ID
	}{
		{first: ids[3], last: ids[1], want: []ID{ids[3], ids[2], ids[1]}},
		{first: ids[2], last: ids[2], want: []ID{ids[2]}},
		{first: ids[1], last: ids[3]},
		{first: ID("nope"), last: ids[0]},
		{first: ids[4], last: ID("nope")},
	}
	for i, c := range cases {
		t.Run(fmt.Sprintf("case_%02d", i+1), func(t *testing.T) {
			got, err := ListBetween(ctx, r, c.first, c.last)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCreateFromDirectory(t *testing.T) {
	var (
		ctx = context.Background()
		dir = t.TempDir()
		r   = new(fakeRepo)
	)
	for _, p := range []string{"a.txt", "skip/b.txt", "sub/c.txt", "sub/skip", "sub/deeper/d.txt"} {
		full := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(p), 0644); err != nil {
			t.Fatal(err)
		}
	}

	filter := func(rel string, d fs.DirEntry) bool {
		return d.Name() != "skip"
	}
	id, err := CreateFromDirectory(ctx, r, dir, "test", filter)
	if err != nil {
		t.Fatal(err)
	}

	var got []string
	err = r.Items(ctx, id, func(item Item) error {
		got = append(got, item.Path)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a.txt", "sub/c.txt", "sub/deeper/d.txt"}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	info, err := r.Info(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if info.Comment != "test" {
		t.Errorf("got comment %q, want test", info.Comment)
	}
}

func TestTryCopyFile(t *testing.T) {
	var (
		dir = t.TempDir()
		src = filepath.Join(dir, "src")
		dst = filepath.Join(dir, "new", "dir", "dst")
	)
	if err := os.WriteFile(src, []byte("content"), 0644); err != nil {
		t.Fatal(err)
	}
	old := time.Date(2001, 2, 3, 4, 5, 6, 0, time.UTC)
	if err := os.Chtimes(src, old, old); err != nil {
		t.Fatal(err)
	}

	copied, err := TryCopyFile(src, dst)
	if err != nil {
		t.Fatal(err)
	}
	if !copied {
		t.Error("first copy did not copy")
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(old) {
		t.Errorf("got mtime %s, want %s", info.ModTime(), old)
	}

	copied, err = TryCopyFile(src, dst)
	if err != nil {
		t.Fatal(err)
	}
	if copied {
		t.Error("second copy was not skipped")
	}

	// Same size, newer source: copied again.
	if err = os.WriteFile(src, []byte("CONTENT"), 0644); err != nil {
		t.Fatal(err)
	}
	copied, err = TryCopyFile(src, dst)
	if err != nil {
		t.Fatal(err)
	}
	if !copied {
		t.Error("newer source was not copied")
	}
	b, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "CONTENT" {
		t.Errorf("got %q, want CONTENT", b)
	}

	saved := FileRetryDelay
	FileRetryDelay = time.Millisecond
	defer func() { FileRetryDelay = saved }()

	if _, err = TryCopyFile(filepath.Join(dir, "missing"), dst); err == nil {
		t.Error("got no error copying a missing file")
	}

	if !TryDeleteFile(dst) {
		t.Error("could not delete")
	}
	if !TryDeleteFile(dst) {
		t.Error("deleting a missing file did not count as success")
	}
	if _, err = os.Stat(dst); !os.IsNotExist(err) {
		t.Errorf("file still present (err %v)", err)
	}
}
