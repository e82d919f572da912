// Package artifact is the thin naming-and-opening layer spec.md §4.2 calls
// the Artifact Store: the cache directory plus the keyschedule's naming
// convention, with no in-memory state of its own. The scanner uses it to
// test for and name artifacts, and cacheddir and cachedfile use it to remove
// artifacts on rollback; those packages derive paths and open artifacts
// through keyschedule and cryptfile directly.
package artifact

import (
	"os"

	"github.com/asjoyner/capcache/cryptfile"
	"github.com/asjoyner/capcache/keyschedule"
)

// Kind distinguishes the three on-disk artifacts a logical path may have,
// per spec.md's data model table.
type Kind int

const (
	// Node holds a directory's or file's JSON metadata. Every logical path
	// has one.
	Node Kind = iota
	// State holds a file's serialized block-residency map. Only regular
	// files have one.
	State
	// Data holds a file's sparse ciphertext. Only regular files have one.
	Data
)

// Tag returns the keyschedule.Tag this Kind derives under; Node uses the
// nil tag, since a logical path's node artifact is the "base" artifact for
// that path.
func (k Kind) Tag() keyschedule.Tag {
	switch k {
	case State:
		return keyschedule.TagState
	case Data:
		return keyschedule.TagData
	default:
		return nil
	}
}

func (k Kind) String() string {
	switch k {
	case Node:
		return "node"
	case State:
		return "state"
	case Data:
		return "data"
	default:
		return "unknown"
	}
}

// Open derives the on-disk path and key for (upath, kind) and opens it as a
// cryptfile.File in the given mode.
func Open(sched *keyschedule.Schedule, upath string, kind Kind, mode cryptfile.Mode) (*cryptfile.File, error) {
	path, key, err := sched.Derive(upath, kind.Tag())
	if err != nil {
		return nil, err
	}
	return cryptfile.Open(path, key, mode)
}

// Exists reports whether (upath, kind)'s derived path is present as a
// regular file, without attempting to open or decrypt it. The scanner uses
// this to decide whether to push a path onto its traversal stack.
func Exists(sched *keyschedule.Schedule, upath string, kind Kind) (bool, error) {
	path, _, err := sched.Derive(upath, kind.Tag())
	if err != nil {
		return false, err
	}
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return fi.Mode().IsRegular(), nil
}

// Remove deletes (upath, kind)'s artifact if present. Used on construction
// rollback paths (CachedDir/CachedFile cold-path failures) where a
// partially written artifact must not survive.
func Remove(sched *keyschedule.Schedule, upath string, kind Kind) error {
	path, _, err := sched.Derive(upath, kind.Tag())
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Basename returns the derived basename (not the full path) for (upath,
// kind), which is what the scanner records in its live set.
func Basename(sched *keyschedule.Schedule, upath string, kind Kind) (string, error) {
	path, _, err := sched.Derive(upath, kind.Tag())
	if err != nil {
		return "", err
	}
	return baseOf(path), nil
}

func baseOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
