package capcache

import "github.com/golang/glog"

// debugLog is the capcache package's equivalent of drive/cache/cache.go's
// debug() helper and fusefs/tree.go's t.log(), rebased onto glog verbosity
// instead of a boolean flag, so a single -v flag controls every package in
// this module at once.
func debugLog(format string, args ...interface{}) {
	if glog.V(2) {
		glog.Infof(format, args...)
	}
}
