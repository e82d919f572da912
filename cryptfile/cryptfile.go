// Package cryptfile implements the authenticated, random-access encrypted
// file primitive named in spec.md §6: "open(path, key, mode)... yields a
// random-access byte stream that authenticates each block with the given
// key."  Nothing else in this exercise provides it, so it's built here,
// grounded in the whole-blob AES-GCM framing of drive/encrypt/encrypt.go,
// generalized to a fixed-size block grid so that a single byte offset can be
// decrypted (and authenticated) without touching the rest of the file.
package cryptfile

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// BlockSize is the plaintext granularity of random access, matching the
// 4096-byte block size fusefs/fuse.go reports to the kernel as the
// filesystem's block size.
const BlockSize = 4096

const (
	nonceSize = 12 // AES-GCM standard nonce size
	tagSize   = 16 // AES-GCM standard tag size

	recordSize       = nonceSize + BlockSize + tagSize
	headerPayload    = 8 // big-endian uint64 logical size
	headerRecordSize = nonceSize + headerPayload + tagSize
)

// Mode selects how Open behaves, mirroring the three modes named in
// spec.md §6 (rb, r+b, w+b).
type Mode int

const (
	// ReadOnly opens an existing file; any mutation returns an error.
	ReadOnly Mode = iota
	// ReadWrite opens an existing file for reading and writing.
	ReadWrite
	// CreateTruncate creates a new, empty (size zero) file, truncating
	// any existing content at path.
	CreateTruncate
)

// File is a random-access encrypted file: a header record holding the
// logical size, followed by one authenticated record per BlockSize-sized
// block of plaintext.
type File struct {
	f        *os.File
	key      [32]byte
	readOnly bool
	mu       sync.Mutex
	size     int64 // logical plaintext size
}

func numBlocks(size int64) int64 {
	if size <= 0 {
		return 0
	}
	return (size + BlockSize - 1) / BlockSize
}

func recordOffset(block int64) int64 {
	return headerRecordSize + block*recordSize
}

// Open opens the encrypted file at path with the given 32-byte key and
// mode.
func Open(path string, key *[32]byte, mode Mode) (*File, error) {
	var flags int
	switch mode {
	case ReadOnly:
		flags = os.O_RDONLY
	case ReadWrite:
		flags = os.O_RDWR
	case CreateTruncate:
		flags = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	default:
		return nil, fmt.Errorf("cryptfile: unknown mode %d", mode)
	}

	osFile, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		return nil, err
	}

	cf := &File{f: osFile, readOnly: mode == ReadOnly}
	copy(cf.key[:], key[:])

	if mode == CreateTruncate {
		if err := cf.writeHeaderLocked(0); err != nil {
			osFile.Close()
			return nil, fmt.Errorf("initializing header: %s", err)
		}
		return cf, nil
	}

	size, err := cf.readHeaderLocked()
	if err != nil {
		osFile.Close()
		return nil, fmt.Errorf("reading header: %s", err)
	}
	cf.size = size
	return cf, nil
}

// Size returns the file's current logical (plaintext) size.
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

func (f *File) readHeaderLocked() (int64, error) {
	rec := make([]byte, headerRecordSize)
	if _, err := io.ReadFull(io.NewSectionReader(f.f, 0, headerRecordSize), rec); err != nil {
		return 0, fmt.Errorf("short header: %s", err)
	}
	plain, err := open(rec, &f.key)
	if err != nil {
		return 0, fmt.Errorf("decrypting header: %s", err)
	}
	if len(plain) != headerPayload {
		return 0, fmt.Errorf("malformed header: got %d bytes, want %d", len(plain), headerPayload)
	}
	return int64(binary.BigEndian.Uint64(plain)), nil
}

func (f *File) writeHeaderLocked(size int64) error {
	plain := make([]byte, headerPayload)
	binary.BigEndian.PutUint64(plain, uint64(size))
	rec, err := seal(plain, &f.key)
	if err != nil {
		return err
	}
	if _, err := f.f.WriteAt(rec, 0); err != nil {
		return err
	}
	f.size = size
	return nil
}

func (f *File) readBlockLocked(block int64) ([]byte, error) {
	rec := make([]byte, recordSize)
	if _, err := io.ReadFull(io.NewSectionReader(f.f, recordOffset(block), recordSize), rec); err != nil {
		return nil, fmt.Errorf("short block %d: %s", block, err)
	}
	plain, err := open(rec, &f.key)
	if err != nil {
		return nil, fmt.Errorf("decrypting block %d: %s", block, err)
	}
	if len(plain) != BlockSize {
		return nil, fmt.Errorf("malformed block %d: got %d bytes, want %d", block, len(plain), BlockSize)
	}
	return plain, nil
}

func (f *File) writeBlockLocked(block int64, plain []byte) error {
	if len(plain) != BlockSize {
		return fmt.Errorf("writeBlock: got %d bytes, want %d", len(plain), BlockSize)
	}
	rec, err := seal(plain, &f.key)
	if err != nil {
		return err
	}
	_, err = f.f.WriteAt(rec, recordOffset(block))
	return err
}

// ReadAt fills p with the plaintext bytes in [off, off+len(p)), which must
// lie entirely within [0, Size()).
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if off < 0 || off+int64(len(p)) > f.size {
		return 0, fmt.Errorf("cryptfile: read [%d,%d) out of bounds [0,%d)", off, off+int64(len(p)), f.size)
	}

	first := off / BlockSize
	last := (off + int64(len(p)) - 1) / BlockSize
	var n int
	for block := first; block <= last; block++ {
		plain, err := f.readBlockLocked(block)
		if err != nil {
			return n, err
		}
		blockStart := block * BlockSize
		srcLo := int64(0)
		if off > blockStart {
			srcLo = off - blockStart
		}
		srcHi := int64(BlockSize)
		if end := off + int64(len(p)); end < blockStart+BlockSize {
			srcHi = end - blockStart
		}
		copy(p[n:], plain[srcLo:srcHi])
		n += int(srcHi - srcLo)
	}
	return n, nil
}

// WriteAt writes p at offset off, growing the file (materializing
// zero-filled intervening blocks) if necessary.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if f.readOnly {
		return 0, fmt.Errorf("cryptfile: file opened read-only")
	}
	if len(p) == 0 {
		return 0, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if off < 0 {
		return 0, fmt.Errorf("cryptfile: negative offset %d", off)
	}
	needed := off + int64(len(p))
	if needed > f.size {
		if err := f.growToLocked(needed); err != nil {
			return 0, err
		}
	}

	first := off / BlockSize
	last := (off + int64(len(p)) - 1) / BlockSize
	var n int
	for block := first; block <= last; block++ {
		plain, err := f.readBlockLocked(block)
		if err != nil {
			return n, err
		}
		blockStart := block * BlockSize
		dstLo := int64(0)
		if off > blockStart {
			dstLo = off - blockStart
		}
		dstHi := int64(BlockSize)
		if end := off + int64(len(p)); end < blockStart+BlockSize {
			dstHi = end - blockStart
		}
		copy(plain[dstLo:dstHi], p[n:])
		if err := f.writeBlockLocked(block, plain); err != nil {
			return n, err
		}
		n += int(dstHi - dstLo)
	}
	return n, nil
}

// growToLocked extends the logical size to newSize, materializing
// zero-filled records for every newly-added block so that every block in
// [0, numBlocks(newSize)) has a real on-disk record.
func (f *File) growToLocked(newSize int64) error {
	oldN, newN := numBlocks(f.size), numBlocks(newSize)
	zero := make([]byte, BlockSize)
	for b := oldN; b < newN; b++ {
		if err := f.writeBlockLocked(b, zero); err != nil {
			return fmt.Errorf("materializing block %d: %s", b, err)
		}
	}
	return f.writeHeaderLocked(newSize)
}

// FillRandom overwrites the file with a fresh, truncated body of size bytes
// of cryptographically random plaintext.  This is the "random pre-fill"
// CachedFile relies on when creating a new data artifact (spec.md §4.5.1):
// allocating ciphertext for the whole file up front, with no real plaintext
// committed, means the ciphertext's length never leaks which byte ranges
// have actually been fetched from the remote store.
func (f *File) FillRandom(size int64) error {
	if f.readOnly {
		return fmt.Errorf("cryptfile: file opened read-only")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	n := numBlocks(size)
	buf := make([]byte, BlockSize)
	for b := int64(0); b < n; b++ {
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			return fmt.Errorf("generating random block %d: %s", b, err)
		}
		if err := f.writeBlockLocked(b, buf); err != nil {
			return fmt.Errorf("writing random block %d: %s", b, err)
		}
	}
	return f.writeHeaderLocked(size)
}

// Truncate sets the logical size, growing with zero-filled blocks or
// discarding trailing on-disk records as needed.
func (f *File) Truncate(size int64) error {
	if f.readOnly {
		return fmt.Errorf("cryptfile: file opened read-only")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if size == f.size {
		return nil
	}
	if size > f.size {
		return f.growToLocked(size)
	}
	newN := numBlocks(size)
	if err := f.f.Truncate(recordOffset(newN)); err != nil {
		return fmt.Errorf("truncating backing file: %s", err)
	}
	return f.writeHeaderLocked(size)
}

// Close releases the underlying OS file handle.  After Close the File is
// unusable.
func (f *File) Close() error {
	return f.f.Close()
}
