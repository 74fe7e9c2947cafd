package dag

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/bobg/snapsync"
)

const (
	// MetaDir is the name of the metadata directory inside a repository's working tree.
	MetaDir = ".snapsync"

	// HeadAnchor is the anchor naming the current commit.
	HeadAnchor = snapsync.Anchor("HEAD")

	repoConfigFile = "repo.yaml"
	indexFile      = "index.json"
	objectsDir     = "objects"
)

const (
	kindRoot   = "root"
	kindMirror = "mirror"
)

type repoConfig struct {
	Kind   string `yaml:"kind"`
	Origin string `yaml:"origin,omitempty"`
}

func readRepoConfig(path string) (*repoConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var conf repoConfig
	err = yaml.Unmarshal(b, &conf)
	return &conf, errors.Wrapf(err, "parsing %s", path)
}

// writeRepoConfig creates path exclusively.
// It reports false if the file already exists.
func writeRepoConfig(path string, conf *repoConfig) (bool, error) {
	b, err := yaml.Marshal(conf)
	if err != nil {
		return false, errors.Wrap(err, "encoding repository config")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err = f.Write(b); err != nil {
		f.Close()
		return false, errors.Wrapf(err, "writing %s", path)
	}
	return true, f.Close()
}

// index is the tracked file set of the working tree.
type index struct {
	Commit  snapsync.Ref          `json:"commit"`
	Entries map[string]indexEntry `json:"entries"`
}

type indexEntry struct {
	Ref     snapsync.Ref `json:"ref"`
	Size    int64        `json:"size"`
	ModTime time.Time    `json:"mtime"`
}

func newIndex() *index {
	return &index{Entries: make(map[string]indexEntry)}
}

func readIndex(path string) (*index, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return newIndex(), nil
	}
	if err != nil {
		return nil, err
	}
	idx := newIndex()
	err = json.Unmarshal(b, idx)
	return idx, errors.Wrapf(err, "parsing %s", path)
}

func (idx *index) write(path string) error {
	b, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding index")
	}
	tmp := path + ".next"
	if err = os.WriteFile(tmp, b, 0644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, path), "renaming %s", tmp)
}

func metaPath(dir, name string) string {
	return filepath.Join(dir, MetaDir, name)
}
