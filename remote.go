package capcache

import "io"

// RemoteStore is the external collaborator named in spec.md §6: a
// content-addressed remote object store front-ended by a capability string.
// The CORE never implements this itself; see package remote/httpstore for a
// concrete HTTP-backed implementation, and remote/memstore for a test
// double.
type RemoteStore interface {
	// GetInfo retrieves the metadata for a logical path.  It returns a
	// non-nil error if the lookup fails; httpstore returns FetchError once
	// its retries are exhausted (NotFoundError on a 404), and cacheddir and
	// cachedfile wrap any GetInfo error in FetchError.
	GetInfo(upath string) (Node, error)

	// GetContent streams length bytes of the file identified by cap,
	// starting at offset.  The caller must Close the returned stream.
	GetContent(cap string, offset, length int64) (io.ReadCloser, error)
}
