package blockcache

import (
	"fmt"
	"io"

	"github.com/asjoyner/capcache/cryptfile"
)

// FileCache is the concrete BlockCache building block spec.md §6 names:
// a residency Cache layered over a random-access backend (cryptfile.File),
// giving CachedFile the pre_read/pre_write/read/write/receive_cached_data/
// restore/save_state/close surface in one type instead of making
// cachedfile juggle a bare Cache and a bare cryptfile.File separately.
type FileCache struct {
	backend   *cryptfile.File
	residency *Cache
}

// NewFileCache creates a FileCache with an empty residency map over
// backend, sized to backend's current logical size. Used on CachedFile's
// cold path, where backend has just been created via FillRandom.
func NewFileCache(backend *cryptfile.File) *FileCache {
	return &FileCache{backend: backend, residency: New(backend.Size())}
}

// Restore rebuilds a FileCache from a backend and previously-persisted
// state bytes (spec.md §6's restore(backend, state_backend)). It verifies
// the restored residency map's size matches the backend's actual size, so
// a state artifact from a stale or truncated data artifact is rejected
// rather than silently trusted.
func Restore(backend *cryptfile.File, stateBytes []byte) (*FileCache, error) {
	residency, err := RestoreState(stateBytes)
	if err != nil {
		return nil, err
	}
	if residency.Size() != backend.Size() {
		return nil, fmt.Errorf("blockcache: state size %d does not match backend size %d", residency.Size(), backend.Size())
	}
	return &FileCache{backend: backend, residency: residency}, nil
}

// PreRead implements spec.md §6's pre_read: nil means [off, off+length) is
// fully resident and Read may be called immediately; otherwise it returns
// the single contiguous range the caller must fetch and feed back via
// ReceiveCachedData before retrying.
func (fc *FileCache) PreRead(off, length int64) (*Interval, error) {
	if off < 0 || off+length > fc.residency.Size() {
		return nil, fmt.Errorf("blockcache: read [%d,%d) out of bounds [0,%d)", off, off+length, fc.residency.Size())
	}
	missing := fc.residency.Missing(off, length)
	if len(missing) == 0 {
		return nil, nil
	}
	return &missing[0], nil
}

// PreWrite has the same shape as PreRead, per spec.md §6; it exists for
// contract parity with the external BlockCache interface even though this
// module never calls it (write-back is out of scope, spec.md §1).
func (fc *FileCache) PreWrite(off, length int64) (*Interval, error) {
	return fc.PreRead(off, length)
}

// Read returns the length bytes at off, which must already be fully
// resident (the caller is expected to have driven PreRead to nil first).
func (fc *FileCache) Read(off, length int64) ([]byte, error) {
	if !fc.residency.IsResident(off, length) {
		return nil, fmt.Errorf("blockcache: read [%d,%d) is not fully resident", off, off+length)
	}
	buf := make([]byte, length)
	if _, err := fc.backend.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// Write writes data at off and marks it resident. Exposed for contract
// parity with spec.md §6; unused by the read-only path this module
// implements.
func (fc *FileCache) Write(off int64, data []byte) (int, error) {
	n, err := fc.backend.WriteAt(data, off)
	if err != nil {
		return n, err
	}
	fc.residency.MarkResident(off, int64(n))
	return n, nil
}

// ReceiveCachedData implements spec.md §6's receive_cached_data: given
// bytes that have just arrived from the remote store starting at
// streamOffset, it writes and marks resident whatever block-aligned prefix
// it can safely absorb, returning the new stream offset. A caller drains a
// fetch by looping: advance streamOffset, shrink the pending buffer by
// however much was consumed, read more, repeat.
func (fc *FileCache) ReceiveCachedData(streamOffset int64, data []byte) (int64, error) {
	n, err := fc.residency.ReceiveCachedData(streamOffset, data, cryptfile.BlockSize, func(off int64, p []byte) error {
		_, err := fc.backend.WriteAt(p, off)
		return err
	})
	if err != nil {
		return streamOffset, err
	}
	return streamOffset + int64(n), nil
}

// SaveState serializes the residency map for persistence as the "state"
// artifact.
func (fc *FileCache) SaveState() ([]byte, error) {
	return fc.residency.Marshal()
}

// SaveStateTo writes the serialized residency map to w, the shape
// spec.md §6's save_state(state_backend) takes when state_backend is
// itself a writer (here, a truncated cryptfile.File).
func (fc *FileCache) SaveStateTo(w io.Writer) error {
	b, err := fc.SaveState()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Close closes the backend, per spec.md §4.5.3's "cache (which closes
// f_data)".
func (fc *FileCache) Close() error {
	return fc.backend.Close()
}

// Size returns the file's logical size.
func (fc *FileCache) Size() int64 { return fc.residency.Size() }
