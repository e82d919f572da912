// Package scanner implements the liveness scan and garbage collection run
// once at cache open, per spec.md §4.3: a depth-first walk of the cached
// directory tree starting at the root, producing the set of basenames that
// are still reachable, followed by deletion of everything else. The
// teacher's drive/local/local.go lists a flat directory of opaque,
// hex-named blobs the same way this package's gc does; umbrella/umbrella.go
// shows the same "walk, then delete what's unreferenced" shape at the
// glog.Infof granularity this package logs at.
package scanner

import (
	"encoding/json"
	"expvar"
	"os"
	"path"

	"github.com/golang/glog"

	"github.com/asjoyner/capcache/artifact"
	"github.com/asjoyner/capcache/cryptfile"
	"github.com/asjoyner/capcache/keyschedule"
)

var artifactsReclaimed = expvar.NewInt("scannerArtifactsReclaimed")

// entry is a pending node artifact to visit during the scan.
type entry struct {
	upath string
}

// Scan performs the depth-first liveness walk described in spec.md §4.3
// steps 1-5, returning the set of live basenames. A corrupt or missing
// directory artifact prunes its subtree silently: that is the designed
// recovery path, not a bug to surface.
func Scan(sched *keyschedule.Schedule) (map[string]bool, error) {
	live := make(map[string]bool)

	rootExists, err := artifact.Exists(sched, "", artifact.Node)
	if err != nil {
		return nil, err
	}
	if !rootExists {
		glog.V(1).Infof("scanner: no root node artifact, starting from an empty live set")
		return live, nil
	}

	stack := []entry{{upath: ""}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		node, basename, ok := loadDirnode(sched, cur.upath)
		if !ok {
			continue
		}
		live[basename] = true

		for childname, child := range node.Children {
			cUpath, err := keyschedule.JoinUpath(cur.upath, childname)
			if err != nil {
				glog.V(1).Infof("scanner: ignoring child %q of %q: %s", childname, cur.upath, err)
				continue
			}
			switch child.Kind {
			case "dirnode":
				exists, err := artifact.Exists(sched, cUpath, artifact.Node)
				if err != nil {
					glog.Warningf("scanner: stat failed for %q: %s", cUpath, err)
					continue
				}
				if exists {
					stack = append(stack, entry{upath: cUpath})
				}
			case "filenode":
				for _, kind := range []artifact.Kind{artifact.Node, artifact.State, artifact.Data} {
					b, err := artifact.Basename(sched, cUpath, kind)
					if err != nil {
						glog.Warningf("scanner: deriving %s artifact for %q: %s", kind, cUpath, err)
						continue
					}
					live[b] = true
				}
			default:
				glog.V(1).Infof("scanner: ignoring child %q of %q with unknown kind %q", childname, cur.upath, child.Kind)
			}
		}
	}

	return live, nil
}

// dirnode is the subset of a decoded node JSON body that the scanner needs:
// just enough to recurse into children.
type dirnode struct {
	Children map[string]struct {
		Kind string
	}
}

// UnmarshalJSON decodes the ["dirnode", {"children": ...}] tuple, ignoring
// everything else in attrs. It returns an error for any shape that is not a
// two-element array whose first element is the literal string "dirnode",
// matching spec.md §4.3 step 4's "must be a two-element sequence".
func (d *dirnode) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return errNotDirnode
	}
	var kind string
	if err := json.Unmarshal(raw[0], &kind); err != nil {
		return err
	}
	if kind != "dirnode" {
		return errNotDirnode
	}
	// children entries are themselves [kind, attrs] tuples; only the kind
	// is needed here, so decode each child's leading element by hand.
	var rawAttrs struct {
		Children map[string]json.RawMessage `json:"children"`
	}
	if err := json.Unmarshal(raw[1], &rawAttrs); err != nil {
		return err
	}
	d.Children = make(map[string]struct{ Kind string }, len(rawAttrs.Children))
	for name, v := range rawAttrs.Children {
		var tuple [2]json.RawMessage
		if err := json.Unmarshal(v, &tuple); err != nil {
			return err
		}
		var childKind string
		if err := json.Unmarshal(tuple[0], &childKind); err != nil {
			return err
		}
		d.Children[name] = struct{ Kind string }{Kind: childKind}
	}
	return nil
}

type notDirnodeError struct{}

func (notDirnodeError) Error() string { return "not a dirnode tuple" }

var errNotDirnode = notDirnodeError{}

// loadDirnode opens and decodes the node artifact for upath, returning
// (decoded, basename, true) on success. Any I/O, decryption, or schema
// failure returns ok=false and logs at V(1); per spec.md this is routine,
// not exceptional.
func loadDirnode(sched *keyschedule.Schedule, upath string) (dirnode, string, bool) {
	path, key, err := sched.Derive(upath, nil)
	if err != nil {
		glog.Warningf("scanner: deriving node artifact for %q: %s", upath, err)
		return dirnode{}, "", false
	}
	basename := basenameOf(path)

	f, err := cryptfile.Open(path, key, cryptfile.ReadOnly)
	if err != nil {
		glog.V(1).Infof("scanner: pruning %q: opening node artifact: %s", upath, err)
		return dirnode{}, "", false
	}
	defer f.Close()

	buf := make([]byte, f.Size())
	if _, err := f.ReadAt(buf, 0); err != nil {
		glog.V(1).Infof("scanner: pruning %q: reading node artifact: %s", upath, err)
		return dirnode{}, "", false
	}

	var d dirnode
	if err := json.Unmarshal(buf, &d); err != nil {
		glog.V(1).Infof("scanner: pruning %q: decoding node artifact: %s", upath, err)
		return dirnode{}, "", false
	}
	return d, basename, true
}

func basenameOf(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

// GC removes every entry in the cache directory whose basename is neither
// "salt" nor a member of live, per spec.md §4.3 step 6.
func GC(cacheDir string, live map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, de := range entries {
		name := de.Name()
		if name == "salt" || live[name] {
			continue
		}
		fullPath := path.Join(cacheDir, name)
		if err := os.Remove(fullPath); err != nil {
			glog.Warningf("scanner: gc: removing %q: %s", fullPath, err)
			continue
		}
		glog.V(1).Infof("scanner: gc: removed unreachable artifact %q", name)
		artifactsReclaimed.Add(1)
		removed = append(removed, name)
	}
	return removed, nil
}

// Open runs Scan followed by GC against sched's cache directory, the
// convenience entry point a Cache calls once at startup.
func Open(sched *keyschedule.Schedule) ([]string, error) {
	live, err := Scan(sched)
	if err != nil {
		return nil, err
	}
	return GC(sched.Dir(), live)
}
