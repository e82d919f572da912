package capcache

import (
	"encoding/json"
	"fmt"
)

// Node kinds, per spec.md's data model table.
const (
	KindDir  = "dirnode"
	KindFile = "filenode"
)

// TahoeMetadata carries the subset of Tahoe-LAFS link metadata this cache
// relies on: the creation time of the link, used as both ctime and mtime in
// CachedDir.GetChildAttr.
type TahoeMetadata struct {
	Linkcrtime float64 `json:"linkcrtime"`
}

// Metadata wraps the "metadata" attribute of a node, as returned by the
// remote store's get_info.
type Metadata struct {
	Tahoe TahoeMetadata `json:"tahoe"`
}

// Attrs is the second element of a Node's ["dirnode"|"filenode", attrs]
// tuple.  Fields are populated according to Kind: Size and ROURI only for
// filenode, Children only for dirnode.
type Attrs struct {
	Size     int64           `json:"size,omitempty"`
	ROURI    string          `json:"ro_uri,omitempty"`
	Children map[string]Node `json:"children,omitempty"`
	Metadata Metadata        `json:"metadata"`
}

// Node is the on-the-wire and on-disk representation of a directory or file
// entry: a two-element JSON array of [kind, attrs].  It is used both as the
// decoded content of a node artifact and as the value type of a dirnode's
// Children map.
type Node struct {
	Kind  string
	Attrs Attrs
}

// MarshalJSON renders Node as the two-element tuple ["kind", attrs], matching
// the wire format produced by the remote store and consumed throughout
// cachedb.py.
func (n Node) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{n.Kind, n.Attrs})
}

// UnmarshalJSON parses a two-element [kind, attrs] tuple into a Node.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding node tuple: %s", err)
	}
	if err := json.Unmarshal(raw[0], &n.Kind); err != nil {
		return fmt.Errorf("decoding node kind: %s", err)
	}
	if err := json.Unmarshal(raw[1], &n.Attrs); err != nil {
		return fmt.Errorf("decoding node attrs: %s", err)
	}
	return nil
}

// Attr is the attribute shape CachedDir.GetAttr and GetChildAttr return to
// the filesystem adapter.
type Attr struct {
	Type  string  // "dir" or "file"
	Size  int64   // only meaningful when Type == "file"
	Ctime float64 // seconds, Tahoe link creation time
	Mtime float64
}
