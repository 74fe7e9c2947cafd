// Package snapsync is the content-addressable core of a
// deployment-synchronization engine.
//
// A publisher captures a directory tree as an immutable snapshot,
// subscribers are told about it and pull it into their own directories,
// and the sync status of every subscriber is recorded
// so an operator can tell when all of them have caught up.
//
// This package holds the lowest layer:
// a blob store that stores byte sequences,
// or _blobs_,
// and indexes them by their sha2-256 hash,
// which is used as a unique key.
// That key is called the blob's reference, or _ref_.
//
// Because a ref is computed from a blob's content,
// a change to some data changes its ref too.
// So in addition to plain blobs,
// stores here keep _anchors_:
// named, timestamped pointers to refs.
// A snapshot repository keeps its head in an anchor
// and advances it with each new snapshot.
//
// Large file content is stored with split.Write
// (in the split subpackage),
// which breaks a bytestream into a tree of smaller blobs.
// Snapshots themselves are trees of JSON objects
// (see the snapshot/dag subpackage),
// so every snapshot is a Merkle DAG whose root ref identifies it completely.
//
// The agent state store (package state)
// and the publish/notify/watch protocol (package protocol)
// build on top.
package snapsync
