package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// fakeRepo is a Repository that keeps snapshots in memory.
type fakeRepo struct {
	mu    sync.Mutex
	snaps []fakeSnap // oldest first
}

type fakeSnap struct {
	id      ID
	comment string
	when    time.Time
	files   map[string]fakeFile
}

type fakeFile struct {
	content string
	modTime time.Time
}

var _ Repository = &fakeRepo{}

func (r *fakeRepo) Initialize(context.Context) (bool, error) {
	return true, nil
}

func (r *fakeRepo) CreateFromFiles(_ context.Context, files []File, comment string) (ID, error) {
	snap := fakeSnap{comment: comment, when: time.Now(), files: make(map[string]fakeFile)}
	for _, f := range files {
		b, err := os.ReadFile(f.Source)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(f.Source)
		if err != nil {
			return nil, err
		}
		snap.files[f.Path] = fakeFile{content: string(b), modTime: info.ModTime()}
	}
	return r.add(snap), nil
}

// put records a snapshot directly from path->content pairs.
func (r *fakeRepo) put(files map[string]string) ID {
	modTime := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	snap := fakeSnap{when: time.Now(), files: make(map[string]fakeFile)}
	for p, c := range files {
		snap.files[p] = fakeFile{content: c, modTime: modTime}
	}
	return r.add(snap)
}

func (r *fakeRepo) add(snap fakeSnap) ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap.id = ID(fmt.Sprintf("snap%d", len(r.snaps)+1))
	r.snaps = append(r.snaps, snap)
	return snap.id
}

func (r *fakeRepo) find(id ID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.snaps {
		if s.id.Equal(id) {
			return i, nil
		}
	}
	return 0, errors.Errorf("no snapshot %s", id)
}

func (r *fakeRepo) Latest(context.Context) (ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return nil, nil
	}
	return r.snaps[len(r.snaps)-1].id, nil
}

func (r *fakeRepo) Previous(_ context.Context, id ID) (ID, error) {
	i, err := r.find(id)
	if err != nil {
		return nil, err
	}
	if i == 0 {
		return nil, nil
	}
	return r.snaps[i-1].id, nil
}

func (r *fakeRepo) Info(_ context.Context, id ID) (Info, error) {
	i, err := r.find(id)
	if err != nil {
		return Info{}, err
	}
	s := r.snaps[i]
	return Info{Comment: s.comment, Timestamp: s.when, ID: s.id}, nil
}

func (r *fakeRepo) Items(_ context.Context, id ID, f func(Item) error) error {
	i, err := r.find(id)
	if err != nil {
		return err
	}
	s := r.snaps[i]
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		ff := s.files[p]
		item := Item{
			Path:    p,
			Size:    int64(len(ff.content)),
			ModTime: ff.modTime,
			open: func(context.Context) (io.ReadCloser, error) {
				return io.NopCloser(strings.NewReader(ff.content)), nil
			},
		}
		if err = f(item); err != nil {
			return err
		}
	}
	return nil
}
