// Package cacheddir implements spec.md §4.4: a read-only materialization of
// a single directory node, constructed either by a warm read of an existing
// node artifact or, failing that, a cold fetch from the remote store.
package cacheddir

import (
	"encoding/json"
	"expvar"
	"fmt"

	"github.com/asjoyner/capcache"
	"github.com/asjoyner/capcache/artifact"
	"github.com/asjoyner/capcache/cryptfile"
	"github.com/asjoyner/capcache/keyschedule"
)

var (
	cacheddirWarmHits    = expvar.NewInt("cacheddirWarmHits")
	cacheddirColdFetches = expvar.NewInt("cacheddirColdFetches")
)

// Dir is a read-only materialization of a directory node. It is a one-shot
// read-through: construction either loads an existing node artifact or
// fetches and caches one, and the decoded node is then held in memory for
// the Dir's lifetime.
type Dir struct {
	upath string
	node  capcache.Node
}

// Open implements spec.md §4.4's constructor. It tries the warm path first
// (derive the node artifact, open and JSON-decode it); on any failure it
// falls back to the cold path, fetching attrs from remote and writing a
// fresh node artifact.
func Open(sched *keyschedule.Schedule, upath string, remote capcache.RemoteStore) (*Dir, error) {
	if node, ok := loadNode(sched, upath); ok {
		cacheddirWarmHits.Add(1)
		if node.Kind != capcache.KindDir {
			return nil, &capcache.BadEntryError{Upath: upath, Kind: node.Kind}
		}
		return &Dir{upath: upath, node: node}, nil
	}

	node, err := fetchAndStoreNode(sched, upath, remote)
	if err != nil {
		return nil, err
	}
	if node.Kind != capcache.KindDir {
		return nil, &capcache.BadEntryError{Upath: upath, Kind: node.Kind}
	}
	return &Dir{upath: upath, node: node}, nil
}

// loadNode attempts the warm path for upath: open and decode its existing
// node artifact. Any I/O, decryption, or schema failure is CacheCorruption
// per spec.md §7 — never surfaced, only triggers the cold path.
func loadNode(sched *keyschedule.Schedule, upath string) (capcache.Node, bool) {
	path, key, err := sched.Derive(upath, nil)
	if err != nil {
		return capcache.Node{}, false
	}
	f, err := cryptfile.Open(path, key, cryptfile.ReadOnly)
	if err != nil {
		return capcache.Node{}, false
	}
	defer f.Close()

	buf := make([]byte, f.Size())
	if _, err := f.ReadAt(buf, 0); err != nil {
		return capcache.Node{}, false
	}

	var node capcache.Node
	if err := json.Unmarshal(buf, &node); err != nil {
		return capcache.Node{}, false
	}
	return node, true
}

// fetchAndStoreNode is the cold path shared conceptually by cacheddir and
// cachedfile construction: call remote.GetInfo, write the result as a
// freshly truncated node artifact, and unlink on failure so a partially
// written artifact never lingers.
func fetchAndStoreNode(sched *keyschedule.Schedule, upath string, remote capcache.RemoteStore) (capcache.Node, error) {
	cacheddirColdFetches.Add(1)
	node, err := remote.GetInfo(upath)
	if err != nil {
		return capcache.Node{}, &capcache.FetchError{Upath: upath, Err: err}
	}

	path, key, err := sched.Derive(upath, nil)
	if err != nil {
		return capcache.Node{}, err
	}
	f, err := cryptfile.Open(path, key, cryptfile.CreateTruncate)
	if err != nil {
		return capcache.Node{}, fmt.Errorf("creating node artifact for %q: %s", upath, err)
	}

	body, err := json.Marshal(node)
	if err != nil {
		f.Close()
		artifact.Remove(sched, upath, artifact.Node)
		return capcache.Node{}, fmt.Errorf("encoding node artifact for %q: %s", upath, err)
	}
	if _, err := f.WriteAt(body, 0); err != nil {
		f.Close()
		artifact.Remove(sched, upath, artifact.Node)
		return capcache.Node{}, fmt.Errorf("writing node artifact for %q: %s", upath, err)
	}
	if err := f.Close(); err != nil {
		artifact.Remove(sched, upath, artifact.Node)
		return capcache.Node{}, fmt.Errorf("closing node artifact for %q: %s", upath, err)
	}
	return node, nil
}

// Listdir returns the names of this directory's children.
func (d *Dir) Listdir() []string {
	names := make([]string, 0, len(d.node.Attrs.Children))
	for name := range d.node.Attrs.Children {
		names = append(names, name)
	}
	return names
}

// GetAttr returns this directory's own attributes.
func (d *Dir) GetAttr() capcache.Attr {
	return capcache.Attr{Type: "dir"}
}

// GetChildAttr returns childname's attributes, per spec.md §4.4's table: a
// dirnode child reports ctime=mtime=its link creation time; a filenode
// child additionally reports size. Any other discriminant is a BadEntry.
func (d *Dir) GetChildAttr(childname string) (capcache.Attr, error) {
	child, ok := d.node.Attrs.Children[childname]
	if !ok {
		return capcache.Attr{}, &capcache.NotFoundError{Upath: childUpath(d.upath, childname)}
	}
	crtime := child.Attrs.Metadata.Tahoe.Linkcrtime
	switch child.Kind {
	case capcache.KindDir:
		return capcache.Attr{Type: "dir", Ctime: crtime, Mtime: crtime}, nil
	case capcache.KindFile:
		return capcache.Attr{Type: "file", Size: child.Attrs.Size, Ctime: crtime, Mtime: crtime}, nil
	default:
		return capcache.Attr{}, &capcache.BadEntryError{Upath: childUpath(d.upath, childname), Kind: child.Kind}
	}
}

// childUpath builds the upath reported in a child's error, via the same
// keyschedule.JoinUpath the scanner uses to derive a child's basename —
// so the two packages never disagree about what a given child is named.
// childname comes from an already-fetched node's own children map, so a
// malformed result here can only affect an error message, never a Derive
// call; it falls back to a raw join rather than failing GetChildAttr.
func childUpath(parent, childname string) string {
	joined, err := keyschedule.JoinUpath(parent, childname)
	if err != nil {
		if parent == "" {
			return childname
		}
		return parent + "/" + childname
	}
	return joined
}
