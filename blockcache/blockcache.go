// Package blockcache tracks which byte ranges of a sparse file are resident
// ("cached") versus still needing a fetch from the remote store, and
// persists that residency map as its own artifact so CachedFile can skip
// re-fetching on a warm reopen.  It implements spec.md §4.5's "state"
// artifact and the pre_read/pre_write contract that drives CachedFile's read
// path.
package blockcache

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Interval is a half-open byte range [Start, End) that is known to be
// resident in the backing cryptfile.File.
type Interval struct {
	Start int64
	End   int64
}

func (iv Interval) length() int64 { return iv.End - iv.Start }

// Cache tracks the resident intervals of a single sparse file.  It does not
// itself hold file data; it only answers "is this range cached" and records
// newly-fetched ranges, the same division of labor cachedb.py's
// BlockCachedFile draws between "which bytes do I have" and "the file that
// holds them."
type Cache struct {
	size     int64
	resident []Interval // sorted, non-overlapping, non-adjacent
}

// New creates a Cache for a file of the given logical size with nothing yet
// resident.
func New(size int64) *Cache {
	return &Cache{size: size}
}

// state is the JSON-serializable form of a Cache, written as the "state"
// artifact alongside a file's "data" artifact.
type state struct {
	Size     int64      `json:"size"`
	Resident []Interval `json:"resident"`
}

// RestoreState rebuilds a residency Cache from bytes previously produced by
// Marshal. FileCache.Restore is the entry point most callers outside this
// package want; RestoreState is the piece of it that doesn't need a
// backend.
func RestoreState(b []byte) (*Cache, error) {
	var s state
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("blockcache: decoding state: %s", err)
	}
	c := &Cache{size: s.Size, resident: s.Resident}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("blockcache: restored state is inconsistent: %s", err)
	}
	return c, nil
}

// Marshal serializes the Cache for storage as the "state" artifact.
func (c *Cache) Marshal() ([]byte, error) {
	return json.Marshal(state{Size: c.size, Resident: c.resident})
}

func (c *Cache) validate() error {
	for i, iv := range c.resident {
		if iv.Start < 0 || iv.End > c.size || iv.Start >= iv.End {
			return fmt.Errorf("interval %d (%d,%d) out of range for size %d", i, iv.Start, iv.End, c.size)
		}
		if i > 0 && iv.Start <= c.resident[i-1].End {
			return fmt.Errorf("interval %d overlaps or touches interval %d", i, i-1)
		}
	}
	return nil
}

// Size returns the file's logical size.
func (c *Cache) Size() int64 { return c.size }

// Resize grows or shrinks the file's logical size, dropping any resident
// interval (or part of one) that falls beyond a shrink.
func (c *Cache) Resize(size int64) {
	c.size = size
	if size >= c.resident0End() {
		return
	}
	var kept []Interval
	for _, iv := range c.resident {
		if iv.Start >= size {
			continue
		}
		if iv.End > size {
			iv.End = size
		}
		kept = append(kept, iv)
	}
	c.resident = kept
}

func (c *Cache) resident0End() int64 {
	if len(c.resident) == 0 {
		return 0
	}
	return c.resident[len(c.resident)-1].End
}

// Missing returns the subintervals of [start, start+length) that are not
// yet resident, in ascending order.  CachedFile's pre_read calls this to
// decide what to fetch before it may safely read.
func (c *Cache) Missing(start, length int64) []Interval {
	end := start + length
	if end > c.size {
		end = c.size
	}
	if start >= end {
		return nil
	}

	var missing []Interval
	cursor := start
	for _, iv := range c.resident {
		if iv.End <= cursor {
			continue
		}
		if iv.Start >= end {
			break
		}
		if iv.Start > cursor {
			missing = append(missing, Interval{Start: cursor, End: iv.Start})
		}
		if iv.End > cursor {
			cursor = iv.End
		}
		if cursor >= end {
			break
		}
	}
	if cursor < end {
		missing = append(missing, Interval{Start: cursor, End: end})
	}
	return missing
}

// IsResident reports whether every byte of [start, start+length) is cached.
func (c *Cache) IsResident(start, length int64) bool {
	return len(c.Missing(start, length)) == 0
}

// MarkResident records [start, start+length) as cached, merging with
// adjacent or overlapping intervals.  ReceiveCachedData and FileCache.Write
// call this once bytes have actually been written to the backing
// cryptfile.File.
func (c *Cache) MarkResident(start, length int64) {
	if length <= 0 {
		return
	}
	end := start + length
	merged := append(c.resident, Interval{Start: start, End: end})
	sort.Slice(merged, func(i, j int) bool { return merged[i].Start < merged[j].Start })

	out := merged[:0]
	for _, iv := range merged {
		if len(out) > 0 && iv.Start <= out[len(out)-1].End {
			if iv.End > out[len(out)-1].End {
				out[len(out)-1].End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	c.resident = out
}

// ReceiveCachedData is the write-side counterpart of MarkResident: given a
// byte range fetched from the remote store and a sink that performs the
// actual write into the backing cryptfile.File, it writes and marks resident
// only the leading block-size-aligned portion it can safely absorb in one
// call, returning how many bytes it consumed. A caller drains a fetch by
// looping until the whole range is consumed; the teacher's streaming fetch
// path (drive/amazon/endpoint.go's chunked retrieval) shows the same
// "accept what aligns, return the rest to the caller" shape for a stream
// that doesn't arrive block-aligned.
func (c *Cache) ReceiveCachedData(start int64, data []byte, blockSize int64, write func(off int64, p []byte) error) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	end := start + int64(len(data))
	alignedEnd := (end / blockSize) * blockSize
	if end >= c.size {
		// Nothing more will ever arrive past the file's logical end, so
		// the trailing partial block is absorbed too.
		alignedEnd = end
	}
	if alignedEnd <= start {
		// Not even one full block yet; hold everything back.
		return 0, nil
	}
	n := alignedEnd - start
	if err := write(start, data[:n]); err != nil {
		return 0, fmt.Errorf("blockcache: writing %d bytes at %d: %s", n, start, err)
	}
	c.MarkResident(start, n)
	return int(n), nil
}
