// Package cachedfile implements spec.md §4.5, the hardest component: a
// triple of (info, data, state) artifacts providing random-access reads
// backed by a block cache and an on-demand range fetcher against the
// remote store. Its read loop is a direct generalization of
// cachedb.py's CachedFile._do_rw: drive the BlockCache's residency
// decisions, stream from the remote store only when told to, and never
// second-guess which range the BlockCache asked for.
package cachedfile

import (
	"encoding/json"
	"expvar"
	"flag"
	"fmt"
	"io"
	"sync"

	"github.com/golang/glog"

	"github.com/asjoyner/capcache"
	"github.com/asjoyner/capcache/artifact"
	"github.com/asjoyner/capcache/blockcache"
	"github.com/asjoyner/capcache/cryptfile"
	"github.com/asjoyner/capcache/keyschedule"
)

var (
	streamSkipThreshold = flag.Int64(
		"cachedfile-stream-skip-threshold", 10000,
		"Forward skip, in bytes, within which an open remote stream is reused instead of reopened.")
	streamReadChunkSize = flag.Int64(
		"cachedfile-stream-read-chunk", 131072,
		"Chunk size, in bytes, pulled from an open remote stream per read() call.")
)

var (
	cachedfileReadHits      = expvar.NewInt("cachedfileReadHits")
	cachedfileReadMisses    = expvar.NewInt("cachedfileReadMisses")
	cachedfileRemoteFetches = expvar.NewInt("cachedfileRemoteFetches")
)

// File holds the three open encrypted streams (info, state, data) spec.md
// §4.5 describes, plus the BlockCache layered over the data stream.
type File struct {
	upath string

	mu     sync.Mutex
	info   capcache.Node
	fInfo  *cryptfile.File
	fState *cryptfile.File
	cache  *blockcache.FileCache
	closed bool
}

// Open implements spec.md §4.5.1: try the warm path (reopen and restore
// existing artifacts); on any failure take the cold path (fetch from
// remote and build fresh artifacts).
func Open(sched *keyschedule.Schedule, upath string, remote capcache.RemoteStore) (*File, error) {
	if f, ok := tryWarmOpen(sched, upath); ok {
		return f, nil
	}
	return coldOpen(sched, upath, remote)
}

func tryWarmOpen(sched *keyschedule.Schedule, upath string) (*File, bool) {
	infoPath, infoKey, err := sched.Derive(upath, nil)
	if err != nil {
		return nil, false
	}
	fInfo, err := cryptfile.Open(infoPath, infoKey, cryptfile.ReadOnly)
	if err != nil {
		glog.V(2).Infof("cachedfile: %q: warm open of info artifact failed: %s", upath, err)
		return nil, false
	}

	node, err := decodeNode(fInfo)
	if err != nil {
		fInfo.Close()
		glog.V(2).Infof("cachedfile: %q: warm decode of info artifact failed: %s", upath, err)
		return nil, false
	}
	if node.Kind != capcache.KindFile {
		fInfo.Close()
		glog.V(2).Infof("cachedfile: %q: info artifact is not a filenode", upath)
		return nil, false
	}

	statePath, stateKey, err := sched.Derive(upath, keyschedule.TagState)
	if err != nil {
		fInfo.Close()
		return nil, false
	}
	fState, err := cryptfile.Open(statePath, stateKey, cryptfile.ReadWrite)
	if err != nil {
		fInfo.Close()
		glog.V(2).Infof("cachedfile: %q: warm open of state artifact failed: %s", upath, err)
		return nil, false
	}

	dataPath, dataKey, err := sched.Derive(upath, keyschedule.TagData)
	if err != nil {
		fInfo.Close()
		fState.Close()
		return nil, false
	}
	fData, err := cryptfile.Open(dataPath, dataKey, cryptfile.ReadWrite)
	if err != nil {
		fInfo.Close()
		fState.Close()
		glog.V(2).Infof("cachedfile: %q: warm open of data artifact failed: %s", upath, err)
		return nil, false
	}

	stateBytes := make([]byte, fState.Size())
	if _, err := fState.ReadAt(stateBytes, 0); err != nil {
		fInfo.Close()
		fState.Close()
		fData.Close()
		glog.V(2).Infof("cachedfile: %q: warm read of state artifact failed: %s", upath, err)
		return nil, false
	}

	cache, err := blockcache.Restore(fData, stateBytes)
	if err != nil {
		fInfo.Close()
		fState.Close()
		fData.Close()
		glog.V(2).Infof("cachedfile: %q: restoring block cache failed: %s", upath, err)
		return nil, false
	}

	return &File{upath: upath, info: node, fInfo: fInfo, fState: fState, cache: cache}, true
}

func decodeNode(f *cryptfile.File) (capcache.Node, error) {
	buf := make([]byte, f.Size())
	if _, err := f.ReadAt(buf, 0); err != nil {
		return capcache.Node{}, err
	}
	var node capcache.Node
	if err := json.Unmarshal(buf, &node); err != nil {
		return capcache.Node{}, err
	}
	return node, nil
}

// coldOpen implements the cold-path construction of spec.md §4.5.1.
func coldOpen(sched *keyschedule.Schedule, upath string, remote capcache.RemoteStore) (*File, error) {
	node, err := remote.GetInfo(upath)
	if err != nil {
		return nil, &capcache.FetchError{Upath: upath, Err: err}
	}
	if node.Kind != capcache.KindFile {
		return nil, &capcache.BadEntryError{Upath: upath, Kind: node.Kind}
	}

	infoPath, infoKey, err := sched.Derive(upath, nil)
	if err != nil {
		return nil, err
	}
	fInfo, err := cryptfile.Open(infoPath, infoKey, cryptfile.CreateTruncate)
	if err != nil {
		return nil, fmt.Errorf("creating info artifact for %q: %s", upath, err)
	}
	body, err := json.Marshal(node)
	if err != nil {
		fInfo.Close()
		rollback(sched, upath)
		return nil, fmt.Errorf("encoding info artifact for %q: %s", upath, err)
	}
	if _, err := fInfo.WriteAt(body, 0); err != nil {
		fInfo.Close()
		rollback(sched, upath)
		return nil, fmt.Errorf("writing info artifact for %q: %s", upath, err)
	}

	dataPath, dataKey, err := sched.Derive(upath, keyschedule.TagData)
	if err != nil {
		fInfo.Close()
		rollback(sched, upath)
		return nil, err
	}
	fData, err := cryptfile.Open(dataPath, dataKey, cryptfile.CreateTruncate)
	if err != nil {
		fInfo.Close()
		rollback(sched, upath)
		return nil, fmt.Errorf("creating data artifact for %q: %s", upath, err)
	}
	// Random pre-fill: the ciphertext occupies its final length up front, so
	// in-place writes never extend the file and never leak which ranges
	// have actually been fetched. See spec.md §4.5.1's rationale.
	if err := fData.FillRandom(node.Attrs.Size); err != nil {
		fInfo.Close()
		fData.Close()
		rollback(sched, upath)
		return nil, fmt.Errorf("pre-filling data artifact for %q: %s", upath, err)
	}
	cache := blockcache.NewFileCache(fData)

	statePath, stateKey, err := sched.Derive(upath, keyschedule.TagState)
	if err != nil {
		fInfo.Close()
		fData.Close()
		rollback(sched, upath)
		return nil, err
	}
	fState, err := cryptfile.Open(statePath, stateKey, cryptfile.CreateTruncate)
	if err != nil {
		fInfo.Close()
		fData.Close()
		rollback(sched, upath)
		return nil, fmt.Errorf("creating state artifact for %q: %s", upath, err)
	}

	return &File{upath: upath, info: node, fInfo: fInfo, fState: fState, cache: cache}, nil
}

func rollback(sched *keyschedule.Schedule, upath string) {
	for _, kind := range []artifact.Kind{artifact.Node, artifact.State, artifact.Data} {
		if err := artifact.Remove(sched, upath, kind); err != nil {
			glog.V(2).Infof("cachedfile: rollback: removing %s artifact for %q: %s", kind, upath, err)
		}
	}
}

// Size returns the file's logical size, per the info blob's "size" field.
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info.Attrs.Size
}

// DirectIO and KeepCache report spec.md §4.5.4's fixed flags to the
// filesystem adapter: let the kernel page cache behave normally.
func (f *File) DirectIO() bool  { return false }
func (f *File) KeepCache() bool { return false }

// Read implements the read protocol of spec.md §4.5.2: repeatedly ask the
// BlockCache for residency, and whenever it names a missing contiguous
// range, stream exactly that range from remote, feeding chunks back into
// the BlockCache until it is satisfied or the request is resolved.
func (f *File) Read(remote capcache.RemoteStore, offset, length int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var stream io.ReadCloser
	var streamOffset int64
	var pending []byte
	defer func() {
		if stream != nil {
			stream.Close()
		}
	}()

	first := true
	for {
		iv, err := f.cache.PreRead(offset, length)
		if err != nil {
			return nil, err
		}
		if iv == nil {
			if first {
				cachedfileReadHits.Add(1)
			}
			return f.cache.Read(offset, length)
		}
		if first {
			cachedfileReadMisses.Add(1)
			first = false
		}
		cOffset, cLength := iv.Start, iv.End-iv.Start

		if stream != nil && (cOffset < streamOffset || cOffset > streamOffset+*streamSkipThreshold) {
			stream.Close()
			stream = nil
		}

		if stream == nil {
			cachedfileRemoteFetches.Add(1)
			rc, err := remote.GetContent(f.info.Attrs.ROURI, cOffset, cLength)
			if err != nil {
				return nil, &capcache.FetchError{Upath: f.upath, Err: err}
			}
			stream = rc
			streamOffset = cOffset
			pending = nil
		}

		readTarget := cOffset + cLength
		var readBytes int64
		for streamOffset+readBytes < readTarget {
			chunk := make([]byte, *streamReadChunkSize)
			n, rerr := stream.Read(chunk)
			if n > 0 {
				pending = append(pending, chunk[:n]...)
				readBytes += int64(n)

				newOffset, err := f.cache.ReceiveCachedData(streamOffset, pending)
				if err != nil {
					return nil, err
				}
				pending = pending[newOffset-streamOffset:]
				streamOffset = newOffset
			}
			if rerr != nil {
				// Premature or natural EOF: either way this stream is done;
				// the outer loop re-queries residency and reopens if needed.
				stream.Close()
				stream = nil
				break
			}
		}
	}
}

// Close implements spec.md §4.5.3: persist block-cache state, then close
// the state, data, and info streams in order. After Close the File is
// unusable.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("cachedfile: %q already closed", f.upath)
	}
	f.closed = true

	state, err := f.cache.SaveState()
	if err != nil {
		return fmt.Errorf("serializing block cache state for %q: %s", f.upath, err)
	}
	if err := f.fState.Truncate(0); err != nil {
		return fmt.Errorf("truncating state artifact for %q: %s", f.upath, err)
	}
	if _, err := f.fState.WriteAt(state, 0); err != nil {
		return fmt.Errorf("writing state artifact for %q: %s", f.upath, err)
	}
	if err := f.fState.Close(); err != nil {
		return fmt.Errorf("closing state artifact for %q: %s", f.upath, err)
	}
	if err := f.cache.Close(); err != nil {
		return fmt.Errorf("closing data artifact for %q: %s", f.upath, err)
	}
	if err := f.fInfo.Close(); err != nil {
		return fmt.Errorf("closing info artifact for %q: %s", f.upath, err)
	}
	return nil
}
