// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txorphanage

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// TestWorkSet exercises the insertion-ordered set directly: FIFO pops,
// duplicate suppression, and lazy removal.
func TestWorkSet(t *testing.T) {
	ws := newWorkSet()
	require.True(t, ws.empty())

	a, b, c := chainhash.Hash{0x0a}, chainhash.Hash{0x0b}, chainhash.Hash{0x0c}
	require.True(t, ws.add(a))
	require.True(t, ws.add(b))
	require.False(t, ws.add(a))
	require.True(t, ws.add(c))
	require.False(t, ws.empty())

	// b is removed while queued; pop skips over its stale queue slot.
	ws.remove(b)

	got, ok := ws.pop()
	require.True(t, ok)
	require.Equal(t, a, got)

	got, ok = ws.pop()
	require.True(t, ok)
	require.Equal(t, c, got)

	_, ok = ws.pop()
	require.False(t, ok)
	require.True(t, ws.empty())

	// A removed hash may be queued again later.
	require.True(t, ws.add(b))
	got, ok = ws.pop()
	require.True(t, ok)
	require.Equal(t, b, got)
}

// TestWorkSetRoundTrip verifies that a parent's arrival schedules its orphan
// child once per announcing peer and that each peer's work set drains to the
// child exactly once.
func TestWorkSetRoundTrip(t *testing.T) {
	p := New(DefaultConfig())

	parent := createOrphanTx(nil, 1)
	child := createOrphanTx([]wire.OutPoint{outPoint(parent, 0)}, 1)
	require.True(t, p.AddOrphan(child, Tag(1), nil))
	require.True(t, p.AddAnnouncer(*child.WitnessHash(), Tag(2)))

	require.False(t, p.HasWorkItem(Tag(1)))
	require.Equal(t, 2, p.AddChildrenToWorkSet(parent))
	require.True(t, p.HasWorkItem(Tag(1)))
	require.True(t, p.HasWorkItem(Tag(2)))

	got := p.NextWorkItem(Tag(1))
	require.NotNil(t, got)
	require.Same(t, child, got)
	require.Nil(t, p.NextWorkItem(Tag(1)))
	require.False(t, p.HasWorkItem(Tag(1)))

	// Peer 2's schedule is independent.
	require.True(t, p.HasWorkItem(Tag(2)))
	require.Same(t, child, p.NextWorkItem(Tag(2)))
	require.Nil(t, p.NextWorkItem(Tag(2)))

	// Re-scheduling the same parent re-queues the still stored orphan.
	require.Equal(t, 2, p.AddChildrenToWorkSet(parent))
	require.True(t, p.HasWorkItem(Tag(1)))
}

// TestNextWorkItemSkipsRemoved verifies that hashes whose orphans were
// removed through another path are skipped rather than returned stale.
func TestNextWorkItemSkipsRemoved(t *testing.T) {
	p := New(DefaultConfig())

	parent := createOrphanTx(nil, 2)
	child1 := createOrphanTx([]wire.OutPoint{outPoint(parent, 0)}, 1)
	child2 := createOrphanTx([]wire.OutPoint{outPoint(parent, 1)}, 1)
	require.True(t, p.AddOrphan(child1, Tag(1), nil))
	require.True(t, p.AddOrphan(child2, Tag(1), nil))

	require.Equal(t, 2, p.AddChildrenToWorkSet(parent))

	// child1 disappears before the peer's work is pulled.
	require.Equal(t, 1, p.RemoveOrphan(*child1.WitnessHash()))

	// The stale hash is passed over silently.
	require.Same(t, child2, p.NextWorkItem(Tag(1)))
	require.Nil(t, p.NextWorkItem(Tag(1)))

	// HasWorkItem does not resolve hashes, so a work set holding only
	// stale entries still reports work until it is drained.
	require.Equal(t, 1, p.AddChildrenToWorkSet(parent))
	require.Equal(t, 1, p.RemoveOrphan(*child2.WitnessHash()))
	require.True(t, p.HasWorkItem(Tag(1)))
	require.Nil(t, p.NextWorkItem(Tag(1)))
	require.False(t, p.HasWorkItem(Tag(1)))
}

// TestWorkSetFIFO verifies that work is handed out in scheduling order.
func TestWorkSetFIFO(t *testing.T) {
	p := New(DefaultConfig())

	parent1 := createOrphanTx(nil, 1)
	parent2 := createOrphanTx(nil, 1)
	child1 := createOrphanTx([]wire.OutPoint{outPoint(parent1, 0)}, 1)
	child2 := createOrphanTx([]wire.OutPoint{outPoint(parent2, 0)}, 1)
	require.True(t, p.AddOrphan(child1, Tag(1), nil))
	require.True(t, p.AddOrphan(child2, Tag(1), nil))

	require.Equal(t, 1, p.AddChildrenToWorkSet(parent1))
	require.Equal(t, 1, p.AddChildrenToWorkSet(parent2))

	require.Same(t, child1, p.NextWorkItem(Tag(1)))
	require.Same(t, child2, p.NextWorkItem(Tag(1)))
	require.Nil(t, p.NextWorkItem(Tag(1)))
}

// TestRemoveOrphansByTagClearsWorkSet verifies disconnect cleanup: the
// departing peer's pending work disappears along with its orphans.
func TestRemoveOrphansByTagClearsWorkSet(t *testing.T) {
	p := New(DefaultConfig())

	parent := createOrphanTx(nil, 1)
	child := createOrphanTx([]wire.OutPoint{outPoint(parent, 0)}, 1)
	require.True(t, p.AddOrphan(child, Tag(1), nil))
	require.True(t, p.AddAnnouncer(*child.WitnessHash(), Tag(2)))

	require.Equal(t, 2, p.AddChildrenToWorkSet(parent))

	require.Equal(t, uint64(0), p.RemoveOrphansByTag(Tag(1)))
	require.False(t, p.HasWorkItem(Tag(1)))
	require.Nil(t, p.NextWorkItem(Tag(1)))

	// The orphan survives under the other announcer, whose work remains.
	require.True(t, p.IsOrphan(*child.WitnessHash()))
	require.True(t, p.HasWorkItem(Tag(2)))
	require.Same(t, child, p.NextWorkItem(Tag(2)))
}

// TestRemoveAnnouncerClearsWorkItem verifies that giving up on one peer's
// announcement also cancels that peer's pending revalidation of the orphan.
func TestRemoveAnnouncerClearsWorkItem(t *testing.T) {
	p := New(DefaultConfig())

	parent := createOrphanTx(nil, 1)
	child := createOrphanTx([]wire.OutPoint{outPoint(parent, 0)}, 1)
	require.True(t, p.AddOrphan(child, Tag(1), nil))
	require.True(t, p.AddAnnouncer(*child.WitnessHash(), Tag(2)))

	require.Equal(t, 2, p.AddChildrenToWorkSet(parent))

	p.RemoveAnnouncer(*child.WitnessHash(), Tag(1))
	require.False(t, p.HasWorkItem(Tag(1)))
	require.Nil(t, p.NextWorkItem(Tag(1)))

	require.True(t, p.IsOrphan(*child.WitnessHash()))
	require.Same(t, child, p.NextWorkItem(Tag(2)))
}
