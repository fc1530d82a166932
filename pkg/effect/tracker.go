package effect

import (
	"github.com/holiman/uint256"

	"github.com/quartzchain/quartz/pkg/types"
)

// Op classifies how an execution touched a key. Ops drive read/write-set
// conflict detection for speculative parallel execution.
type Op uint8

const (
	OpNoOp Op = iota
	OpRead
	OpAdd
	OpWrite
)

// combine keeps the strongest op observed for a key.
func (o Op) combine(other Op) Op {
	if other > o {
		return other
	}
	return o
}

// Transfer records one completed mote movement between purses.
type Transfer struct {
	Source types.Digest
	Target types.Digest
	Amount *uint256.Int
}

// Tracker accumulates the reads, writes and transforms of one execution.
// Nested contract calls share their caller's tracker, so effects compose
// along the call path in execution order. A Tracker is not safe for
// concurrent use; each execution owns one.
type Tracker struct {
	combined map[types.Key]Transform
	ops      map[types.Key]Op
	order    []types.Key
	xfers    []Transfer
}

func NewTracker() *Tracker {
	return &Tracker{
		combined: map[types.Key]Transform{},
		ops:      map[types.Key]Op{},
	}
}

func (t *Tracker) touch(k types.Key) {
	if _, seen := t.ops[k]; !seen {
		t.order = append(t.order, k)
	}
}

// RecordRead witnesses a read of k.
func (t *Tracker) RecordRead(k types.Key) {
	t.touch(k)
	t.ops[k] = t.ops[k].combine(OpRead)
}

// Record merges tr into the pending transform for k.
func (t *Tracker) Record(k types.Key, tr Transform) {
	t.touch(k)
	op := OpWrite
	if tr.IsAdd() {
		op = OpAdd
	} else if tr.Kind == TransformIdentity {
		op = OpRead
	}
	t.ops[k] = t.ops[k].combine(op)
	t.combined[k] = Combine(t.combined[k], tr)
}

// RecordTransfer notes a completed purse-to-purse transfer.
func (t *Tracker) RecordTransfer(x Transfer) {
	t.xfers = append(t.xfers, x)
}

// Pending returns the combined transform recorded for k so far. It is the
// read-your-writes source: lookups consult it before the state snapshot.
func (t *Tracker) Pending(k types.Key) (Transform, bool) {
	tr, ok := t.combined[k]
	if !ok || tr.Kind == TransformIdentity {
		return Transform{}, false
	}
	return tr, true
}

// Ops returns the op classification per touched key.
func (t *Tracker) Ops() map[types.Key]Op {
	out := make(map[types.Key]Op, len(t.ops))
	for k, v := range t.ops {
		out[k] = v
	}
	return out
}

// ReadSet returns every key the execution observed, in first-touch order.
// Written keys are included: a write that folded over a prior stored value
// depends on it.
func (t *Tracker) ReadSet() []types.Key {
	out := make([]types.Key, len(t.order))
	copy(out, t.order)
	return out
}

// Transfers returns the recorded transfers in execution order.
func (t *Tracker) Transfers() []Transfer {
	out := make([]Transfer, len(t.xfers))
	copy(out, t.xfers)
	return out
}

// Finalize returns the combined transform per key. A poisoned key surfaces
// its recorded error instead; the execution must then be treated as failed
// and the map discarded.
func (t *Tracker) Finalize() (TransformMap, error) {
	out := make(TransformMap, len(t.combined))
	for k, tr := range t.combined {
		if tr.Kind == TransformFailure {
			return nil, tr.Err
		}
		if tr.Kind == TransformIdentity {
			continue
		}
		out[k] = tr
	}
	return out, nil
}
