// Package failstore is a test client. It implements capcache.RemoteStore
// and fails every operation. Adapted from drive/fail/fail.go, which does
// the same for shade's drive.Client API.
package failstore

import (
	"errors"
	"io"

	"github.com/asjoyner/capcache"
)

// Store is a RemoteStore that always fails, for exercising a CachedDir or
// CachedFile's cold-path rollback behavior without a working remote.
type Store struct{}

// New returns a Store which will always fail.
func New() *Store { return &Store{} }

// GetInfo returns an error, every time.
func (Store) GetInfo(upath string) (capcache.Node, error) {
	return capcache.Node{}, errors.New("failstore.Store does what it says on the tin")
}

// GetContent returns an error, every time.
func (Store) GetContent(cap string, offset, length int64) (io.ReadCloser, error) {
	return nil, errors.New("failstore.Store does what it says on the tin")
}
