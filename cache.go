package capcache

import (
	"github.com/golang/glog"

	"github.com/asjoyner/capcache/cacheddir"
	"github.com/asjoyner/capcache/cachedfile"
	"github.com/asjoyner/capcache/keyschedule"
	"github.com/asjoyner/capcache/scanner"
)

// Cache is the entry point this module supplements the distilled spec with:
// original_source/tahoefuse/cachedb.py's CacheDB wires the key schedule and
// the startup GC pass together, and a caller otherwise has to do that
// wiring itself. Cache does it once, in Open.
type Cache struct {
	sched  *keyschedule.Schedule
	remote RemoteStore
}

// Open derives the cache directory's key schedule, runs the liveness
// scanner and garbage collector once against rootcap's current tree, and
// returns a Cache ready to serve OpenDir/OpenFile. GC failures are logged,
// not surfaced: an orphaned artifact left on disk by a failed sweep costs
// disk space, never correctness.
func Open(cacheDir, rootcap string, remote RemoteStore) (*Cache, error) {
	sched, err := keyschedule.Open(cacheDir, rootcap)
	if err != nil {
		return nil, err
	}
	if removed, err := scanner.Open(sched); err != nil {
		glog.Warningf("capcache: startup scan/GC failed, continuing with a possibly stale cache: %s", err)
	} else if len(removed) > 0 {
		glog.V(1).Infof("capcache: startup GC removed %d orphaned artifacts", len(removed))
	}
	return &Cache{sched: sched, remote: remote}, nil
}

// OpenDir materializes the directory at upath, per spec.md §4.4. upath is
// normalized first, per spec.md §7: a malformed or tree-escaping path is
// indistinguishable from one that was never there.
func (c *Cache) OpenDir(upath string) (*cacheddir.Dir, error) {
	norm, err := keyschedule.NormalizeUpath(upath)
	if err != nil {
		return nil, &NotFoundError{Upath: upath}
	}
	return cacheddir.Open(c.sched, norm, c.remote)
}

// OpenFile materializes the file at upath, per spec.md §4.5. See OpenDir's
// comment on upath normalization.
func (c *Cache) OpenFile(upath string) (*cachedfile.File, error) {
	norm, err := keyschedule.NormalizeUpath(upath)
	if err != nil {
		return nil, &NotFoundError{Upath: upath}
	}
	return cachedfile.Open(c.sched, norm, c.remote)
}

// Close satisfies io.Closer. Every per-artifact type owns its own file
// handles and closes them itself (cachedfile.File.Close in particular);
// Cache holds none of its own, so there is nothing to release here today.
// It exists so a future writeback mode — explicitly out of scope, spec.md
// §1 — has somewhere to hook a final flush.
func (c *Cache) Close() error {
	return nil
}
