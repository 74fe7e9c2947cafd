package dag

import (
	"time"

	"github.com/bobg/snapsync"
)

// Commit is one snapshot: a tree plus history and metadata.
type Commit struct {
	Tree    snapsync.Ref   `json:"tree"`
	Parents []snapsync.Ref `json:"parents,omitempty"`
	Author  Author         `json:"author"`
	Message string         `json:"message"`
}

// Author identifies who made a commit, and when.
type Author struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	When  time.Time `json:"when"`
}

// Tree is a directory.
// Its entries are sorted by name.
type Tree struct {
	Entries []Entry `json:"entries"`
}

// Entry is one member of a Tree.
// For a subdirectory, Ref is the ref of another Tree
// and Size is the total size of the files beneath it.
// For a file, Ref is the root of a hashsplit tree of its content
// (the zero ref for an empty file).
type Entry struct {
	Name    string       `json:"name"`
	Dir     bool         `json:"dir,omitempty"`
	Ref     snapsync.Ref `json:"ref"`
	Size    int64        `json:"size"`
	ModTime time.Time    `json:"mtime"`
}

// Every commit carries this fixed identity.
const (
	authorName  = "nobody"
	authorEmail = "nobody@nowhere.invalid"
)
