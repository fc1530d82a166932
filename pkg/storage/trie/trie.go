// Package trie implements the hash-linked radix trie behind global state: a
// copy-on-write Merkle structure mapping fixed-format keys to stored value
// bytes. Every node is addressed by the blake2b hash of its serialized form
// and persisted in a Store; writing a key rewrites only the nodes on its
// path and reuses every sibling by hash reference, so a state root is an
// immutable snapshot and roots share unchanged subtrees for free.
package trie

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bluele/gcache"

	"github.com/quartzchain/quartz/pkg/storage/store"
	"github.com/quartzchain/quartz/pkg/types"
)

// EmptyRoot is the root of the empty trie.
var EmptyRoot = types.Digest{}

// ErrMissingNode marks a dangling hash reference: the store lost or never
// had a node the trie points at. It indicates corruption, never a
// recoverable miss.
var ErrMissingNode = errors.New("trie: missing node")

// DefaultCacheSize bounds the decoded-node LRU when no size is configured.
const DefaultCacheSize = 16384

// Update is one key write of a batch. An empty value removes the key.
type Update struct {
	Key   []byte
	Value []byte
}

// Trie reads and updates versioned key/value mappings identified by state
// roots. A single Trie instance serves any number of roots concurrently;
// the only mutable state is the node cache, which stores immutable decoded
// nodes keyed by content hash.
type Trie struct {
	store store.Store
	cache gcache.Cache
}

// New creates a trie layered over the given store. cacheSize bounds the
// decoded node cache; zero selects DefaultCacheSize.
func New(s store.Store, cacheSize int) *Trie {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &Trie{
		store: s,
		cache: gcache.New(cacheSize).LRU().Build(),
	}
}

// Read returns the value stored under key at the given root. The result is
// independent of any other root or in-flight write.
func (t *Trie) Read(root types.Digest, key []byte) ([]byte, bool, error) {
	if root.IsZero() {
		return nil, false, nil
	}
	path := bytesToNibbles(key)
	var n node = refNode{hash: root}
	for {
		resolved, err := t.resolve(n)
		if err != nil {
			return nil, false, err
		}
		switch m := resolved.(type) {
		case *leafNode:
			if bytes.Equal(m.path, path) {
				return append([]byte(nil), m.value...), true, nil
			}
			return nil, false, nil
		case *extNode:
			if len(path) < len(m.path) || !bytes.Equal(path[:len(m.path)], m.path) {
				return nil, false, nil
			}
			path = path[len(m.path):]
			n = m.child
		case *branchNode:
			if len(path) == 0 {
				if len(m.value) == 0 {
					return nil, false, nil
				}
				return append([]byte(nil), m.value...), true, nil
			}
			next := m.children[path[0]]
			if next == nil {
				return nil, false, nil
			}
			n = next
			path = path[1:]
		default:
			return nil, false, fmt.Errorf("trie: unexpected node %T", resolved)
		}
	}
}

// WriteBatch applies the updates to the trie at root and returns the root of
// the resulting snapshot. The write is atomic: either all new nodes are
// persisted and the new root returned, or the store is left unchanged apart
// from unreachable garbage and an error is returned. The prior root remains
// valid either way. Applying no updates returns root itself.
func (t *Trie) WriteBatch(root types.Digest, updates []Update) (types.Digest, error) {
	if len(updates) == 0 {
		return root, nil
	}
	var n node
	if !root.IsZero() {
		n = refNode{hash: root}
	}
	var err error
	for _, u := range updates {
		path := bytesToNibbles(u.Key)
		if len(u.Value) == 0 {
			n, _, err = t.remove(n, path)
		} else {
			n, err = t.insert(n, path, append([]byte(nil), u.Value...))
		}
		if err != nil {
			return types.Digest{}, err
		}
	}
	if n == nil {
		return EmptyRoot, nil
	}
	var batch []store.KV
	newRoot, err := t.commit(n, &batch)
	if err != nil {
		return types.Digest{}, err
	}
	if err := t.store.PutBatch(batch); err != nil {
		return types.Digest{}, fmt.Errorf("trie: persist nodes: %w", err)
	}
	return newRoot, nil
}

func (t *Trie) resolve(n node) (node, error) {
	ref, ok := n.(refNode)
	if !ok {
		return n, nil
	}
	return t.load(ref.hash)
}

func (t *Trie) load(h types.Digest) (node, error) {
	if cached, err := t.cache.Get(string(h[:])); err == nil {
		return cached.(node), nil
	}
	raw, err := t.store.Get(h[:])
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrMissingNode, h)
	}
	if err != nil {
		return nil, fmt.Errorf("trie: load node %s: %w", h, err)
	}
	n, err := decodeNode(raw)
	if err != nil {
		return nil, fmt.Errorf("trie: node %s: %w", h, err)
	}
	_ = t.cache.Set(string(h[:]), n)
	return n, nil
}

func copyNibbles(ns []byte) []byte {
	return append([]byte(nil), ns...)
}

func (t *Trie) insert(n node, path, value []byte) (node, error) {
	switch m := n.(type) {
	case nil:
		return &leafNode{path: copyNibbles(path), value: value}, nil

	case refNode:
		loaded, err := t.load(m.hash)
		if err != nil {
			return nil, err
		}
		return t.insert(loaded, path, value)

	case *leafNode:
		cp := commonPrefixLen(m.path, path)
		if cp == len(m.path) && cp == len(path) {
			return &leafNode{path: copyNibbles(path), value: value}, nil
		}
		b := &branchNode{}
		oldRem, newRem := m.path[cp:], path[cp:]
		if len(oldRem) == 0 {
			b.value = m.value
		} else {
			b.children[oldRem[0]] = &leafNode{path: copyNibbles(oldRem[1:]), value: m.value}
		}
		if len(newRem) == 0 {
			b.value = value
		} else {
			b.children[newRem[0]] = &leafNode{path: copyNibbles(newRem[1:]), value: value}
		}
		if cp > 0 {
			return &extNode{path: copyNibbles(path[:cp]), child: b}, nil
		}
		return b, nil

	case *extNode:
		cp := commonPrefixLen(m.path, path)
		if cp == len(m.path) {
			child, err := t.insert(m.child, path[cp:], value)
			if err != nil {
				return nil, err
			}
			return &extNode{path: m.path, child: child}, nil
		}
		b := &branchNode{}
		extRem := m.path[cp:]
		if len(extRem) == 1 {
			b.children[extRem[0]] = m.child
		} else {
			b.children[extRem[0]] = &extNode{path: copyNibbles(extRem[1:]), child: m.child}
		}
		pathRem := path[cp:]
		if len(pathRem) == 0 {
			b.value = value
		} else {
			b.children[pathRem[0]] = &leafNode{path: copyNibbles(pathRem[1:]), value: value}
		}
		if cp > 0 {
			return &extNode{path: copyNibbles(path[:cp]), child: b}, nil
		}
		return b, nil

	case *branchNode:
		nb := *m
		if len(path) == 0 {
			nb.value = value
			return &nb, nil
		}
		child, err := t.insert(m.children[path[0]], path[1:], value)
		if err != nil {
			return nil, err
		}
		nb.children[path[0]] = child
		return &nb, nil

	default:
		return nil, fmt.Errorf("trie: unexpected node %T", n)
	}
}

// remove deletes path from the subtree under n, reporting whether anything
// changed so untouched subtrees keep their persisted identity.
func (t *Trie) remove(n node, path []byte) (node, bool, error) {
	switch m := n.(type) {
	case nil:
		return nil, false, nil

	case refNode:
		loaded, err := t.load(m.hash)
		if err != nil {
			return nil, false, err
		}
		out, changed, err := t.remove(loaded, path)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return m, false, nil
		}
		return out, true, nil

	case *leafNode:
		if bytes.Equal(m.path, path) {
			return nil, true, nil
		}
		return m, false, nil

	case *extNode:
		if len(path) < len(m.path) || !bytes.Equal(path[:len(m.path)], m.path) {
			return m, false, nil
		}
		child, changed, err := t.remove(m.child, path[len(m.path):])
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return m, false, nil
		}
		if child == nil {
			return nil, true, nil
		}
		merged, err := t.mergeIntoExtension(m.path, child)
		if err != nil {
			return nil, false, err
		}
		return merged, true, nil

	case *branchNode:
		if len(path) == 0 {
			if len(m.value) == 0 {
				return m, false, nil
			}
			nb := *m
			nb.value = nil
			out, err := t.normalizeBranch(&nb)
			if err != nil {
				return nil, false, err
			}
			return out, true, nil
		}
		child, changed, err := t.remove(m.children[path[0]], path[1:])
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return m, false, nil
		}
		nb := *m
		nb.children[path[0]] = child
		out, err := t.normalizeBranch(&nb)
		if err != nil {
			return nil, false, err
		}
		return out, true, nil

	default:
		return nil, false, fmt.Errorf("trie: unexpected node %T", n)
	}
}

// mergeIntoExtension prepends prefix to child, fusing short nodes created by
// a removal.
func (t *Trie) mergeIntoExtension(prefix []byte, child node) (node, error) {
	resolved, err := t.resolve(child)
	if err != nil {
		return nil, err
	}
	switch c := resolved.(type) {
	case *leafNode:
		return &leafNode{path: append(copyNibbles(prefix), c.path...), value: c.value}, nil
	case *extNode:
		return &extNode{path: append(copyNibbles(prefix), c.path...), child: c.child}, nil
	default:
		return &extNode{path: copyNibbles(prefix), child: child}, nil
	}
}

// normalizeBranch collapses a branch left with a single successor after a
// removal, keeping the trie in canonical shape so equal content always has
// an equal root.
func (t *Trie) normalizeBranch(b *branchNode) (node, error) {
	count, last := 0, -1
	for i, c := range b.children {
		if c != nil {
			count++
			last = i
		}
	}
	if len(b.value) > 0 {
		if count == 0 {
			return &leafNode{path: nil, value: b.value}, nil
		}
		return b, nil
	}
	switch count {
	case 0:
		return nil, nil
	case 1:
		return t.mergeIntoExtension([]byte{byte(last)}, b.children[last])
	default:
		return b, nil
	}
}

// commit serializes the dirty nodes of the subtree bottom-up, appending the
// new node records to batch and returning the subtree hash.
func (t *Trie) commit(n node, batch *[]store.KV) (types.Digest, error) {
	switch m := n.(type) {
	case refNode:
		return m.hash, nil

	case *leafNode:
		return t.persist(m, batch)

	case *extNode:
		childHash, err := t.commit(m.child, batch)
		if err != nil {
			return types.Digest{}, err
		}
		return t.persist(&extNode{path: m.path, child: refNode{hash: childHash}}, batch)

	case *branchNode:
		out := &branchNode{value: m.value}
		for i, c := range m.children {
			if c == nil {
				continue
			}
			childHash, err := t.commit(c, batch)
			if err != nil {
				return types.Digest{}, err
			}
			out.children[i] = refNode{hash: childHash}
		}
		return t.persist(out, batch)

	default:
		return types.Digest{}, fmt.Errorf("trie: cannot commit node %T", n)
	}
}

func (t *Trie) persist(n node, batch *[]store.KV) (types.Digest, error) {
	enc, err := encodeNode(n)
	if err != nil {
		return types.Digest{}, err
	}
	h := types.Blake2b(enc)
	*batch = append(*batch, store.KV{Key: h.Bytes(), Value: enc})
	_ = t.cache.Set(string(h[:]), n)
	return h, nil
}
