// Package state exposes global state to the execution layer: read-only
// snapshots of the trie at a root, and the single commit path merging a
// finalized transform map into a new root.
package state

import (
	"fmt"
	"sync"

	"github.com/quartzchain/quartz/pkg/effect"
	"github.com/quartzchain/quartz/pkg/storage/store"
	"github.com/quartzchain/quartz/pkg/storage/trie"
	"github.com/quartzchain/quartz/pkg/types"
)

// State is the versioned global key/value mapping. Snapshots at any root may
// be read concurrently without locking; Commit is the only serialization
// point.
type State struct {
	trie *trie.Trie

	// mu linearizes commits. Snapshots never take it.
	mu sync.Mutex
}

// New creates a State over the given store.
func New(s store.Store, cacheSize int) *State {
	return &State{trie: trie.New(s, cacheSize)}
}

// EmptyRoot is the root of the empty state.
func EmptyRoot() types.Digest { return trie.EmptyRoot }

// Reader returns a read-only snapshot of the state at root. The snapshot is
// immutable: no later commit changes what it reads.
func (s *State) Reader(root types.Digest) *Reader {
	return &Reader{trie: s.trie, root: root}
}

// Reader is a snapshot of global state at one root.
type Reader struct {
	trie *trie.Trie
	root types.Digest
}

// Root returns the root this snapshot reads at.
func (r *Reader) Root() types.Digest { return r.root }

// Read returns the stored value under key, or nil when the key is vacant.
// Undecodable bytes surface as a serialization error: that is corruption,
// and the caller must abort rather than guess.
func (r *Reader) Read(key types.Key) (*types.StoredValue, error) {
	raw, found, err := r.trie.Read(r.root, key.TriePath())
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	v, err := types.ParseStoredValue(raw)
	if err != nil {
		return nil, fmt.Errorf("state: key %s: %w", key, err)
	}
	return v, nil
}

// Commit merges the transform map into the state at root and returns the new
// root. The empty map returns root unchanged. Transforms are resolved and
// applied in canonical key order; add transforms read the stored value they
// compose with through a snapshot at root. On any error no new root is
// produced and root remains fully valid.
func (s *State) Commit(root types.Digest, m effect.TransformMap) (types.Digest, error) {
	if len(m) == 0 {
		return root, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	reader := s.Reader(root)
	updates := make([]trie.Update, 0, len(m))
	for _, k := range m.SortedKeys() {
		tr := m[k]
		if tr.Kind == effect.TransformIdentity {
			continue
		}
		var prev *types.StoredValue
		if tr.IsAdd() {
			var err error
			prev, err = reader.Read(k)
			if err != nil {
				return types.Digest{}, err
			}
		}
		next, err := tr.Apply(prev)
		if err != nil {
			return types.Digest{}, fmt.Errorf("state: apply transform to %s: %w", k, err)
		}
		if next == nil {
			return types.Digest{}, fmt.Errorf("state: transform for %s resolved to no value", k)
		}
		raw, err := next.Bytes()
		if err != nil {
			return types.Digest{}, fmt.Errorf("state: encode value for %s: %w", k, err)
		}
		updates = append(updates, trie.Update{Key: k.TriePath(), Value: raw})
	}
	if len(updates) == 0 {
		return root, nil
	}
	return s.trie.WriteBatch(root, updates)
}
