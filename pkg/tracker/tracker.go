// Package tracker implements hierarchical byte-usage accounting: a tree
// of Trackers where each charge/release propagates from leaf to root,
// and a charge that would breach any ancestor's cap leaves every
// ancestor untouched.
package tracker

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/joshuapare/pageheap/internal/logging"
)

// ErrOutOfCapacity is returned by Charge when the request would exceed
// this tracker's or one of its ancestors' max_total.
var ErrOutOfCapacity = errors.New("tracker: out of capacity")

// Tracker is one node of a parent/child byte-accounting tree.
//
// All updates use atomic.Int64.CompareAndSwap so concurrent charge/release
// calls on the same node (or across a chain of ancestors) are linearizable
// without holding a lock across the syscall-free arithmetic.
type Tracker struct {
	parent   *Tracker
	current  atomic.Int64
	peak     atomic.Int64
	maxTotal int64 // 0 means unbounded
	hasMax   bool
}

// New creates a root tracker. maxTotal <= 0 means unbounded.
func New(maxTotal int64) *Tracker {
	t := &Tracker{}
	if maxTotal > 0 {
		t.maxTotal = maxTotal
		t.hasMax = true
	}
	return t
}

// Child creates a child tracker linked to t. maxTotal <= 0 means the
// child has no cap of its own (it still inherits ancestors' caps).
func (t *Tracker) Child(maxTotal int64) *Tracker {
	c := &Tracker{parent: t}
	if maxTotal > 0 {
		c.maxTotal = maxTotal
		c.hasMax = true
	}
	return c
}

// Current returns current_user_bytes for this node.
func (t *Tracker) Current() int64 { return t.current.Load() }

// Peak returns peak_user_bytes for this node.
func (t *Tracker) Peak() int64 { return t.peak.Load() }

// Charge adds bytes to this node and every ancestor. If any node in the
// chain (this one or an ancestor) would exceed its max_total, no node is
// modified and ErrOutOfCapacity is returned.
func (t *Tracker) Charge(bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("tracker: negative charge %d", bytes)
	}
	if bytes == 0 {
		return nil
	}

	chain := t.chain()
	applied := make([]int64, len(chain))

	// Phase 1: optimistically validate against a consistent snapshot, then
	// apply with CAS per node; if any node's CAS loses the race to a
	// concurrent update that would now breach its cap, retry that node.
	// Peaks are not bumped here: a later ancestor can still reject the
	// charge, and chain[:i]'s current (but not peak) would be rolled back,
	// which would otherwise leave peak inflated by a charge that never
	// actually took effect.
	for i, node := range chain {
		for {
			cur := node.current.Load()
			next := cur + bytes
			if node.hasMax && next > node.maxTotal {
				t.rollback(chain[:i], bytes)
				logging.L.Debug("tracker: charge rejected", "bytes", bytes, "current", cur, "max", node.maxTotal)
				return ErrOutOfCapacity
			}
			if node.current.CompareAndSwap(cur, next) {
				applied[i] = next
				break
			}
		}
	}

	// Phase 2: the whole chain committed, so now it's safe to bump peaks.
	for i, node := range chain {
		node.bumpPeak(applied[i])
	}
	return nil
}

// Release subtracts bytes from this node and every ancestor. Release never
// fails; each node's resulting count is clamped at 0 defensively.
func (t *Tracker) Release(bytes int64) {
	if bytes <= 0 {
		return
	}
	for _, node := range t.chain() {
		for {
			cur := node.current.Load()
			next := cur - bytes
			if next < 0 {
				next = 0
			}
			if node.current.CompareAndSwap(cur, next) {
				break
			}
		}
	}
}

// rollback undoes a Charge that was already applied to chain[:n] before
// failing at node n.
func (t *Tracker) rollback(applied []*Tracker, bytes int64) {
	for _, node := range applied {
		for {
			cur := node.current.Load()
			next := cur - bytes
			if next < 0 {
				next = 0
			}
			if node.current.CompareAndSwap(cur, next) {
				break
			}
		}
	}
}

func (node *Tracker) bumpPeak(current int64) {
	for {
		p := node.peak.Load()
		if current <= p {
			return
		}
		if node.peak.CompareAndSwap(p, current) {
			return
		}
	}
}

// chain returns [t, t.parent, t.parent.parent, ...] root-inclusive.
func (t *Tracker) chain() []*Tracker {
	chain := make([]*Tracker, 0, 4)
	for n := t; n != nil; n = n.parent {
		chain = append(chain, n)
	}
	return chain
}
