// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txorphanage

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// workSet is an insertion-ordered set of witness hashes.  Removal is lazy:
// a removed hash stays queued but is skipped when popped, so pop is amortized
// constant time regardless of how entries were removed.
type workSet struct {
	queue   []chainhash.Hash
	members map[chainhash.Hash]struct{}
}

func newWorkSet() *workSet {
	return &workSet{
		members: make(map[chainhash.Hash]struct{}),
	}
}

// add queues the hash and reports whether it was newly added.
func (ws *workSet) add(wtxid chainhash.Hash) bool {
	if _, ok := ws.members[wtxid]; ok {
		return false
	}
	ws.members[wtxid] = struct{}{}
	ws.queue = append(ws.queue, wtxid)
	return true
}

// remove drops the hash from the set.  The queued copy is left behind and
// skipped on pop.
func (ws *workSet) remove(wtxid chainhash.Hash) {
	delete(ws.members, wtxid)
}

// pop returns the oldest hash still in the set.  The second return value is
// false when the set is empty.
func (ws *workSet) pop() (chainhash.Hash, bool) {
	for len(ws.queue) > 0 {
		wtxid := ws.queue[0]
		ws.queue = ws.queue[1:]
		if _, ok := ws.members[wtxid]; !ok {
			continue
		}
		delete(ws.members, wtxid)
		return wtxid, true
	}
	return chainhash.Hash{}, false
}

func (ws *workSet) empty() bool {
	return len(ws.members) == 0
}

// AddChildrenToWorkSet schedules revalidation work for the direct children of
// the passed transaction, which the caller has just accepted.  Every stored
// orphan spending one of the parent's outputs is added to the work set of
// each of its announcing peers.  An orphan with several announcers is
// scheduled once per announcer since each announcing peer is an independent
// source that could legitimately have supplied the missing parent.
//
// The return value is the number of work items added, for logging purposes.
func (p *Pool) AddChildrenToWorkSet(parent *btcutil.Tx) int {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	parentHash := parent.Hash()
	numAdded := 0
	for i := range parent.MsgTx().TxOut {
		prevOut := wire.OutPoint{Hash: *parentHash, Index: uint32(i)}
		for wtxid, otx := range p.orphansByPrev[prevOut] {
			for tag := range otx.announcers {
				ws, ok := p.workSets[tag]
				if !ok {
					ws = newWorkSet()
					p.workSets[tag] = ws
				}
				if ws.add(wtxid) {
					numAdded++
					log.Tracef("Added orphan %v to peer %d "+
						"work set", wtxid, tag)
				}
			}
		}
	}
	return numAdded
}

// NextWorkItem pops one orphan from the given peer's work set and returns it
// for revalidation.  Hashes whose orphans were removed through another path
// in the meantime are skipped silently.  The return value is nil when no
// scheduled orphan remains for the peer.
func (p *Pool) NextWorkItem(tag Tag) *btcutil.Tx {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	ws, ok := p.workSets[tag]
	if !ok {
		return nil
	}
	for {
		wtxid, ok := ws.pop()
		if !ok {
			delete(p.workSets, tag)
			return nil
		}
		if otx, exists := p.orphans[wtxid]; exists {
			return otx.tx
		}
	}
}

// HasWorkItem reports whether the given peer has any scheduled revalidation
// work.  It does not check whether the scheduled orphans are still stored,
// so a subsequent NextWorkItem call may still return nil.
func (p *Pool) HasWorkItem(tag Tag) bool {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	ws, ok := p.workSets[tag]
	return ok && !ws.empty()
}
