// Package keyschedule derives the process-wide pseudo-random key for a
// cache directory and expands it into per-artifact filenames and keys.
//
// Compromise of one artifact's key never leaks another's: every basename and
// symmetric key is an independent HKDF-Expand output keyed off the upath and
// an extension tag, never off each other.
package keyschedule

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

var pbkdf2Iterations = flag.Int(
	"pbkdf2-iterations",
	100000,
	"PBKDF2-HMAC-SHA256 iterations used to derive the cache's master key from the root capability.",
)

// saltVersion is the first byte of the salt file.  It exists so that a
// future change to pbkdf2Iterations's default can be detected instead of
// silently producing a PRK that doesn't match the one a pre-existing cache
// directory was built with; see spec.md's open question on this point.
const saltVersion = 1

const (
	saltPbkdfSize = 32
	saltHkdfSize  = 32
	saltFileSize  = 1 + saltPbkdfSize + saltHkdfSize
)

// Tag distinguishes the three artifacts derivable for a single upath.  A nil
// Tag derives the node artifact itself.
type Tag []byte

// TagState and TagData name the two artifacts that exist only for regular
// files, per spec.md's data model table.
var (
	TagState Tag = []byte("state")
	TagData  Tag = []byte("data")
)

// separator cannot occur in a normalized upath, so appending tag after it
// can never collide with a legitimately-named sibling path.
var separator = []byte("//\x00")

// derived is the cached result of one Derive call.
type derived struct {
	path string
	key  [32]byte
}

// Schedule holds a cache directory's derived PRK and a small LRU of
// recently-derived (path, key) pairs, so that hot upaths (the root, a
// recently-opened file) don't re-run HKDF-Expand and HMAC-SHA512 on every
// access.
type Schedule struct {
	dir string
	prk []byte
	lru *lru.Cache
}

// deriveCacheSize bounds the keyschedule LRU; it has no behavioral effect,
// only a performance one, so a generous fixed size is fine.
const deriveCacheSize = 4096

// Open reads or creates cacheDir/salt and derives the cache's PRK from
// rootcap, implementing spec.md §4.1's open operation.
func Open(cacheDir, rootcap string) (*Schedule, error) {
	salt, saltHkdf, err := loadOrCreateSalt(path.Join(cacheDir, "salt"))
	if err != nil {
		return nil, fmt.Errorf("loading salt: %s", err)
	}

	k := pbkdf2.Key([]byte(rootcap), salt, *pbkdf2Iterations, 32, sha256.New)

	extractor := hkdf.Extract(sha256.New, k, saltHkdf)

	cache, err := lru.New(deriveCacheSize)
	if err != nil {
		return nil, fmt.Errorf("initializing derive cache: %s", err)
	}
	return &Schedule{dir: cacheDir, prk: extractor, lru: cache}, nil
}

// loadOrCreateSalt reads a pre-existing salt file, or generates and writes
// a new one if absent, truncated, or carrying an unrecognized version byte.
// A later read observing a partially-written file is treated identically to
// a missing one: it is overwritten with a fresh salt.
func loadOrCreateSalt(fn string) (saltPbkdf, saltHkdf []byte, err error) {
	if contents, err := os.ReadFile(fn); err == nil && len(contents) == saltFileSize && contents[0] == saltVersion {
		return contents[1 : 1+saltPbkdfSize], contents[1+saltPbkdfSize:], nil
	}

	buf := make([]byte, saltFileSize)
	buf[0] = saltVersion
	if _, err := io.ReadFull(rand.Reader, buf[1:]); err != nil {
		return nil, nil, fmt.Errorf("generating salt: %s", err)
	}

	tmp := fn + ".tmp"
	if err := os.WriteFile(tmp, buf, 0600); err != nil {
		return nil, nil, fmt.Errorf("writing salt: %s", err)
	}
	if err := os.Rename(tmp, fn); err != nil {
		return nil, nil, fmt.Errorf("installing salt: %s", err)
	}
	return buf[1 : 1+saltPbkdfSize], buf[1+saltPbkdfSize:], nil
}

// Derive implements spec.md §4.1's derive operation: it computes the
// basename and key for (upath, tag), joins the basename to the cache
// directory, and returns the full path.
func (s *Schedule) Derive(upath string, tag Tag) (string, *[32]byte, error) {
	cacheKey := string(upath) + "\x00" + string(tag)
	if v, ok := s.lru.Get(cacheKey); ok {
		d := v.(derived)
		key := d.key
		return d.path, &key, nil
	}

	info := []byte(upath)
	if tag != nil {
		info = append(append(info, separator...), tag...)
	}

	okm := make([]byte, 96)
	expander := hkdf.Expand(sha256.New, s.prk, info)
	if _, err := io.ReadFull(expander, okm); err != nil {
		return "", nil, fmt.Errorf("HKDF-Expand: %s", err)
	}

	var key [32]byte
	copy(key[:], okm[:32])
	macKey := okm[32:64]

	mac := hmac.New(sha512.New, macKey)
	mac.Write(info)
	basename := hex.EncodeToString(mac.Sum(nil))

	fullPath := path.Join(s.dir, basename)
	s.lru.Add(cacheKey, derived{path: fullPath, key: key})
	return fullPath, &key, nil
}

// Dir returns the cache directory this Schedule was opened against.
func (s *Schedule) Dir() string { return s.dir }

// EncodingError reports a upath that NormalizeUpath could not canonicalize:
// malformed UTF-8, or a ".." component ("." components are simply dropped).
// Per spec.md §7 a caller
// treats this the same as NotFoundError — there is nothing in the tree a
// malformed path could legitimately name.
type EncodingError struct {
	Upath string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("malformed logical path %q", e.Upath)
}

// NormalizeUpath canonicalizes p to the form the rest of this package
// assumes: "/"-separated, no leading slash, "" for the root. It never
// resolves ".." against a preceding component the way path.Clean does —
// a upath claiming to navigate outside the tree is rejected outright, not
// silently collapsed, since a filenode or dirnode named by a resolved
// ".." would derive the wrong artifact instead of failing closed.
func NormalizeUpath(p string) (string, error) {
	if !utf8.ValidString(p) {
		return "", &EncodingError{Upath: p}
	}
	parts := strings.Split(p, "/")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			return "", &EncodingError{Upath: p}
		default:
			clean = append(clean, part)
		}
	}
	return strings.Join(clean, "/"), nil
}

// JoinUpath appends childname to parent the way spec.md §4.3 step 5 and
// §4.4's child lookups both need to: concatenate, then run the result
// through NormalizeUpath so the two packages derive identical basenames
// for the same logical child. It is not a bare path.Join — path.Join
// cleans ".." by resolving it against the previous element, which would
// let a malicious childname silently escape upward instead of failing.
func JoinUpath(parent, childname string) (string, error) {
	raw := childname
	if parent != "" {
		raw = parent + "/" + childname
	}
	return NormalizeUpath(raw)
}
