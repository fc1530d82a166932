package trie

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/quartzchain/quartz/pkg/types"
)

// Node wire kinds. Nodes reference children by content hash, never by
// in-memory pointer, so identity, sharing and persistence stay orthogonal to
// the in-memory representation.
const (
	kindLeaf   = 0
	kindExt    = 1
	kindBranch = 2
)

const branchWidth = 16

// node is the in-memory representation during reads and copy-on-write
// updates. Loaded nodes are immutable; updates build fresh nodes.
type node interface{ isNode() }

// refNode points at a persisted node by hash, loaded on demand.
type refNode struct {
	hash types.Digest
}

// leafNode holds the remaining key suffix and the stored bytes.
type leafNode struct {
	path  []byte // nibbles
	value []byte
}

// extNode holds a shared prefix and a single child.
type extNode struct {
	path  []byte // nibbles, never empty
	child node
}

// branchNode fans out on one nibble. The value slot serves paths exhausting
// exactly at this node.
type branchNode struct {
	children [branchWidth]node // nil entries are absent children
	value    []byte
}

func (refNode) isNode()     {}
func (*leafNode) isNode()   {}
func (*extNode) isNode()    {}
func (*branchNode) isNode() {}

// encodeNode serializes a node whose children are all refNodes (or absent).
func encodeNode(n node) ([]byte, error) {
	switch m := n.(type) {
	case *leafNode:
		return rlp.EncodeToBytes([]interface{}{uint(kindLeaf), packNibbles(m.path), m.value})
	case *extNode:
		child, ok := m.child.(refNode)
		if !ok {
			return nil, fmt.Errorf("extension child not committed")
		}
		return rlp.EncodeToBytes([]interface{}{uint(kindExt), packNibbles(m.path), child.hash[:]})
	case *branchNode:
		items := make([]interface{}, 0, branchWidth+2)
		items = append(items, uint(kindBranch))
		for _, c := range m.children {
			switch cc := c.(type) {
			case nil:
				items = append(items, []byte{})
			case refNode:
				items = append(items, cc.hash[:])
			default:
				return nil, fmt.Errorf("branch child not committed")
			}
		}
		items = append(items, m.value)
		return rlp.EncodeToBytes(items)
	default:
		return nil, fmt.Errorf("cannot encode node %T", n)
	}
}

// decodeNode parses node bytes back into the in-memory form; children come
// back as refNodes.
func decodeNode(b []byte) (node, error) {
	var elems []rlp.RawValue
	if err := rlp.DecodeBytes(b, &elems); err != nil {
		return nil, fmt.Errorf("node rlp: %w", err)
	}
	if len(elems) < 1 {
		return nil, fmt.Errorf("node rlp: empty list")
	}
	var kind uint
	if err := rlp.DecodeBytes(elems[0], &kind); err != nil {
		return nil, fmt.Errorf("node kind: %w", err)
	}
	switch kind {
	case kindLeaf:
		if len(elems) != 3 {
			return nil, fmt.Errorf("leaf arity %d", len(elems))
		}
		var packed, value []byte
		if err := rlp.DecodeBytes(elems[1], &packed); err != nil {
			return nil, err
		}
		if err := rlp.DecodeBytes(elems[2], &value); err != nil {
			return nil, err
		}
		path, err := unpackNibbles(packed)
		if err != nil {
			return nil, err
		}
		return &leafNode{path: path, value: value}, nil
	case kindExt:
		if len(elems) != 3 {
			return nil, fmt.Errorf("extension arity %d", len(elems))
		}
		var packed, child []byte
		if err := rlp.DecodeBytes(elems[1], &packed); err != nil {
			return nil, err
		}
		if err := rlp.DecodeBytes(elems[2], &child); err != nil {
			return nil, err
		}
		path, err := unpackNibbles(packed)
		if err != nil {
			return nil, err
		}
		hash, err := types.DigestFromBytes(child)
		if err != nil {
			return nil, fmt.Errorf("extension child: %w", err)
		}
		return &extNode{path: path, child: refNode{hash: hash}}, nil
	case kindBranch:
		if len(elems) != branchWidth+2 {
			return nil, fmt.Errorf("branch arity %d", len(elems))
		}
		out := &branchNode{}
		for i := 0; i < branchWidth; i++ {
			var child []byte
			if err := rlp.DecodeBytes(elems[i+1], &child); err != nil {
				return nil, err
			}
			if len(child) == 0 {
				continue
			}
			hash, err := types.DigestFromBytes(child)
			if err != nil {
				return nil, fmt.Errorf("branch child %d: %w", i, err)
			}
			out.children[i] = refNode{hash: hash}
		}
		if err := rlp.DecodeBytes(elems[branchWidth+1], &out.value); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown node kind %d", kind)
	}
}
