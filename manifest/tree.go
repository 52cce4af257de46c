// Package manifest parses the binary file-list manifest and exposes a
// name-addressable virtual directory tree.
//
// Manifest format: u32 file_count; u32 dir_count; u8 depth_max; {entry}*
// where entry is u8 depth; cstring name; i64 size (little endian), entries
// given in pre-order with depth relative to nesting level (0 = top level).
package manifest

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const noIndex = int32(-1)

// node is one arena-allocated tree entry. Index 0 is always the root
// sentinel. Nodes are immutable once Parse returns.
type node struct {
	name        string
	size        int64
	firstChild  int32
	nextSibling int32
}

// Tree is the immutable, arena-backed virtual directory tree built from a
// manifest. It is safe to read concurrently from any number of goroutines.
type Tree struct {
	nodes []node
}

// Ref addresses a single node of a Tree.
type Ref struct {
	tree *Tree
	idx  int32
}

// ErrTruncated is returned when the manifest ends mid-entry.
var ErrTruncated = errors.New("manifest: truncated or malformed")

// ErrCountMismatch is returned when the header counts do not match the
// number of entries actually present.
var ErrCountMismatch = errors.New("manifest: file_count/dir_count mismatch")

// Parse reads a complete manifest buffer and builds the tree in one pass.
// Failure is always fatal to the caller: a malformed manifest cannot be
// partially trusted.
func Parse(data []byte) (*Tree, error) {
	if len(data) < 9 {
		return nil, ErrTruncated
	}
	fileCount := binary.LittleEndian.Uint32(data[0:4])
	dirCount := binary.LittleEndian.Uint32(data[4:8])
	depthMax := data[8]
	entries := data[9:]

	nodes := make([]node, 1, 1+int(fileCount)+int(dirCount))
	nodes[0] = node{name: "", size: 0, firstChild: noIndex, nextSibling: noIndex}

	// stack[d] is the node whose children are currently being appended at
	// nesting level d; cur is the last node appended at any depth so far
	// (used to chain siblings, or to become the parent when depth grows).
	stack := make([]int32, int(depthMax)+2)
	stack[0] = 0
	cur := int32(0)
	var tabPrev uint8
	first := true

	off := 0
	nFiles, nDirs := 0, 0
	for off < len(entries) {
		depth := entries[off]
		off++
		nameStart := off
		for off < len(entries) && entries[off] != 0 {
			off++
		}
		if off >= len(entries) {
			return nil, ErrTruncated
		}
		name := string(entries[nameStart:off])
		off++ // skip the NUL terminator
		if off+8 > len(entries) {
			return nil, ErrTruncated
		}
		size := int64(binary.LittleEndian.Uint64(entries[off : off+8]))
		off += 8
		if int(depth) >= len(stack) {
			return nil, ErrTruncated
		}

		var parent int32
		switch {
		case first:
			parent = stack[0]
			tabPrev = depth
			first = false
		case depth == tabPrev:
			parent = stack[depth]
		case depth < tabPrev:
			parent = stack[depth]
			if c := nodes[parent].firstChild; c != noIndex {
				for nodes[c].nextSibling != noIndex {
					c = nodes[c].nextSibling
				}
				cur = c
			}
			tabPrev = depth
		default: // depth > tabPrev: descend one level, cur becomes the parent
			stack[depth] = cur
			parent = cur
			tabPrev = depth
		}

		idx := int32(len(nodes))
		nodes = append(nodes, node{name: name, size: size, firstChild: noIndex, nextSibling: noIndex})
		if nodes[parent].firstChild == noIndex {
			nodes[parent].firstChild = idx
		} else {
			nodes[cur].nextSibling = idx
		}
		cur = idx

		if size == 0 {
			nDirs++
		} else {
			nFiles++
		}
	}

	if nFiles != int(fileCount) || nDirs != int(dirCount) {
		return nil, ErrCountMismatch
	}
	return &Tree{nodes: nodes}, nil
}

// Root returns a Ref to the synthetic root node.
func (t *Tree) Root() Ref {
	return Ref{tree: t, idx: 0}
}

// Lookup descends the tree comparing basenames of a normalized virtual
// path ("/a/b/c") and returns the matching node, or ok=false if no such
// path exists.
func (t *Tree) Lookup(virtualPath string) (Ref, bool) {
	cur := int32(0)
	start := 0
	n := len(virtualPath)
	for start < n {
		for start < n && virtualPath[start] == '/' {
			start++
		}
		if start >= n {
			break
		}
		end := start
		for end < n && virtualPath[end] != '/' {
			end++
		}
		part := virtualPath[start:end]
		start = end

		child := t.nodes[cur].firstChild
		found := false
		for child != noIndex {
			if t.nodes[child].name == part {
				cur = child
				found = true
				break
			}
			child = t.nodes[child].nextSibling
		}
		if !found {
			return Ref{}, false
		}
	}
	return Ref{tree: t, idx: cur}, true
}

// Name returns the node's basename ("" for the root).
func (r Ref) Name() string { return r.tree.nodes[r.idx].name }

// Size returns the manifest size; 0 iff the node is a directory.
func (r Ref) Size() int64 { return r.tree.nodes[r.idx].size }

// IsDir reports whether the node is a directory (size 0).
func (r Ref) IsDir() bool { return r.tree.nodes[r.idx].size == 0 }

// Valid reports whether r addresses a real node (zero Ref is invalid).
func (r Ref) Valid() bool { return r.tree != nil }

// Children returns the node's children in manifest (sibling) order.
func (r Ref) Children() []Ref {
	var out []Ref
	c := r.tree.nodes[r.idx].firstChild
	for c != noIndex {
		out = append(out, Ref{tree: r.tree, idx: c})
		c = r.tree.nodes[c].nextSibling
	}
	return out
}
