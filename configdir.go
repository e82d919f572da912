package capcache

import (
	"os"
	"path"
	"runtime"
)

// goos and envFunc are indirected for testability, the same pattern
// util_test.go used to exercise ConfigDir across every supported GOOS
// without actually changing the process's operating system.
var (
	goos    = runtime.GOOS
	envFunc = os.Getenv
)

// DefaultCacheDir identifies the directory a cache instance should use when
// the caller hasn't specified one explicitly, following the same
// per-platform conventions as the rest of this module's lineage.
func DefaultCacheDir() string {
	dir := "."
	switch goos {
	case "darwin":
		dir = path.Join(envFunc("HOME"), "Library", "Application Support", "capcache")
	case "linux", "freebsd":
		dir = path.Join(envFunc("HOME"), ".capcache")
	default:
		glogTODO(goos)
	}
	return dir
}

// glogTODO is split out so tests don't spam stderr for unsupported GOOS
// values; it logs through debugLog, i.e. via glog at V(2), on every call.
func glogTODO(g string) {
	debugLog("DefaultCacheDir: no platform-specific cache dir for GOOS %q, using \".\"", g)
}
