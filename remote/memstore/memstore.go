// Package memstore is an in-memory RemoteStore test double, adapted from
// drive/memory/memory.go's style of storing blobs transiently in RAM behind
// a small locked map plus expvar counters — without that package's LRU
// eviction, since a test fixture's whole corpus is expected to fit in
// memory for the duration of one test.
package memstore

import (
	"bytes"
	"expvar"
	"fmt"
	"io"
	"sync"

	"github.com/asjoyner/capcache"
)

// memstoreInstances is a process-wide count of Store instances created, the
// same kind of coarse expvar the teacher's memoryFiles/memoryChunks expose;
// per-call assertions in tests use Store.CallCounts instead, since expvar
// counters are global and a test wants to know what one Store observed.
var memstoreInstances = expvar.NewInt("memstoreInstances")

// Store implements capcache.RemoteStore entirely in memory. Call PutDir or
// PutFile to populate a logical path's node and (for files) content before a Cache
// exercises it.
type Store struct {
	mu           sync.Mutex
	nodes        map[string]capcache.Node
	content      map[string][]byte // keyed by ro_uri, not upath
	infoCalls    int64
	contentCalls int64
}

// New returns an empty Store.
func New() *Store {
	memstoreInstances.Add(1)
	return &Store{
		nodes:   make(map[string]capcache.Node),
		content: make(map[string][]byte),
	}
}

// PutDir registers a directory node at upath with the given children.
func (s *Store) PutDir(upath string, children map[string]capcache.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[upath] = capcache.Node{
		Kind: capcache.KindDir,
		Attrs: capcache.Attrs{
			Children: children,
		},
	}
}

// PutFile registers a file node at upath with the given ro_uri and content;
// the node's reported size is taken from len(data).
func (s *Store) PutFile(upath, roURI string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[upath] = capcache.Node{
		Kind: capcache.KindFile,
		Attrs: capcache.Attrs{
			Size:  int64(len(data)),
			ROURI: roURI,
		},
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.content[roURI] = cp
}

// FileNode is a convenience constructor for a capcache.Node describing a
// file, for embedding in a PutDir children map.
func FileNode(roURI string, size int64) capcache.Node {
	return capcache.Node{Kind: capcache.KindFile, Attrs: capcache.Attrs{Size: size, ROURI: roURI}}
}

// DirNode is a convenience constructor for a capcache.Node describing a
// directory, for embedding in a PutDir children map.
func DirNode() capcache.Node {
	return capcache.Node{Kind: capcache.KindDir, Attrs: capcache.Attrs{}}
}

// GetInfo implements capcache.RemoteStore.
func (s *Store) GetInfo(upath string) (capcache.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infoCalls++
	node, ok := s.nodes[upath]
	if !ok {
		return capcache.Node{}, fmt.Errorf("memstore: no such path %q", upath)
	}
	return node, nil
}

// GetContent implements capcache.RemoteStore. It returns a ReadCloser over
// exactly the requested byte range; a request extending past the stored
// content's end is truncated to what's available, matching a real object
// store serving a ranged GET against a file of known length.
func (s *Store) GetContent(cap string, offset, length int64) (io.ReadCloser, error) {
	s.mu.Lock()
	s.contentCalls++
	data, ok := s.content[cap]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memstore: no content for capability %q", cap)
	}
	if offset < 0 || offset > int64(len(data)) {
		return nil, fmt.Errorf("memstore: offset %d out of range for %d-byte content", offset, len(data))
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[offset:end])), nil
}

// CallCounts returns the number of GetInfo and GetContent calls this Store
// has observed, for tests asserting on fetch counts (spec.md's end-to-end
// scenarios 2, 3, and 5).
func (s *Store) CallCounts() (infoCalls, contentCalls int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoCalls, s.contentCalls
}
