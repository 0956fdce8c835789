// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txorphanage

import (
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Tag represents an identifier to use for tagging orphan transactions.  The
// caller may choose any scheme it desires, however it is common to use peer
// IDs so that orphans can be identified by which peers announced them.
type Tag uint64

// Config defines the limits and policies applied to stored orphans.
type Config struct {
	// MaxTxWeight is the maximum weight allowed for a single orphan
	// transaction.  Anything heavier is refused at submission time since
	// storing many large unverifiable transactions is an easy memory
	// exhaustion attack.  A peer with a legitimate large transaction is
	// expected to rebroadcast it once the parents have propagated.
	MaxTxWeight int64

	// OrphanTTL defines how long an orphan remains in the pool before it
	// becomes eligible for removal during an expiration scan.
	OrphanTTL time.Duration

	// ExpireScanInterval is the minimum amount of time between scans of
	// the pool for expired orphans.  Less frequent scans reduce CPU usage
	// but allow expired orphans to linger longer in memory.
	ExpireScanInterval time.Duration
}

// DefaultConfig returns the default orphan pool configuration.  The weight
// bound matches the standardness limit for relayed transactions.
func DefaultConfig() Config {
	return Config{
		MaxTxWeight:        400000,
		OrphanTTL:          20 * time.Minute,
		ExpireScanInterval: 5 * time.Minute,
	}
}

// orphanTx is a transaction stored in the pool along with the bookkeeping
// needed to keep the pool's indexes consistent and to decide when the entry
// should be dropped.
type orphanTx struct {
	// tx is the orphan transaction itself.  It is immutable and shared
	// with the callers, so it is never copied.
	tx *btcutil.Tx

	// announcers is the set of peers that have announced this
	// transaction.  It is never empty.  The entry is removed the moment
	// the last announcer is dropped.
	announcers map[Tag]struct{}

	// expiration is the absolute time this entry becomes eligible for
	// removal during an expiration scan.
	expiration time.Time

	// listPos is this entry's index in the pool's eviction list.  The
	// entry at orphanList[listPos] is always this entry.
	listPos int

	// seq is a pool-wide insertion sequence number used as a
	// deterministic tie breaker when sorting entries that share an
	// expiration time.
	seq uint64

	// parents optionally holds the txids of the missing parents as
	// reported at submission time.  It is informational only and consumed
	// by callers deciding which parents to request.
	parents []chainhash.Hash
}

// Pool is a bounded in-memory store of orphan transactions keyed by witness
// hash.  It tracks which peers announced each orphan, indexes orphans by the
// outpoints they spend, and schedules orphans for revalidation when their
// parents arrive.
//
// Pool is safe for concurrent access.
type Pool struct {
	mtx sync.RWMutex

	// orphans is the primary index and owns the entry lifetimes.  All
	// other indexes hold references that are only valid while the entry
	// is present here.
	orphans map[chainhash.Hash]*orphanTx

	// orphansByPrev indexes entries by the outpoints they spend.  A
	// single outpoint may be spent by several stored orphans, and an
	// orphan appears under one bucket per distinct input.
	orphansByPrev map[wire.OutPoint]map[chainhash.Hash]*orphanTx

	// orphanList is a dense slice of every stored entry, used to pick a
	// uniformly random victim in constant time when the pool is over its
	// entry limit.  Each entry records its own slot in listPos and
	// removal compacts the slice by moving the final element into the
	// freed slot.
	orphanList []*orphanTx

	// workSets holds, per announcing peer, the witness hashes of orphans
	// whose parents have arrived and which are now candidates for
	// revalidation.  Work sets reference orphans by hash only, so stale
	// hashes are harmless.
	workSets map[Tag]*workSet

	// nextExpireScan is the earliest time the next expiration scan will
	// run.  Scans are batched so the linear pass over the pool happens at
	// most once per ExpireScanInterval rather than on every call.
	nextExpireScan time.Time

	// nextSeq is the insertion sequence number assigned to the next
	// stored entry.
	nextSeq uint64

	// rand is the eviction source used when the caller passes a nil
	// RandomSource to LimitOrphans.
	rand RandomSource

	cfg Config
}

// New returns a new orphan pool using the provided configuration.  Zero
// valued fields fall back to their DefaultConfig values, so New(Config{})
// yields a pool with the default policy.
func New(cfg Config) *Pool {
	defaults := DefaultConfig()
	if cfg.MaxTxWeight == 0 {
		cfg.MaxTxWeight = defaults.MaxTxWeight
	}
	if cfg.OrphanTTL == 0 {
		cfg.OrphanTTL = defaults.OrphanTTL
	}
	if cfg.ExpireScanInterval == 0 {
		cfg.ExpireScanInterval = defaults.ExpireScanInterval
	}
	return &Pool{
		orphans:        make(map[chainhash.Hash]*orphanTx),
		orphansByPrev:  make(map[wire.OutPoint]map[chainhash.Hash]*orphanTx),
		workSets:       make(map[Tag]*workSet),
		nextExpireScan: time.Now().Add(cfg.ExpireScanInterval),
		rand:           newEvictionRand(),
		cfg:            cfg,
	}
}

// AddOrphan adds the passed orphan transaction announced by the given peer,
// along with the txids of the parents it was missing at submission time.  The
// parent list may be nil when the caller has not determined them.
//
// When the transaction is already stored, the peer is merely added to its
// announcer set and no new entry is created.  Transactions heavier than the
// configured weight bound are refused.
//
// The return value reports whether a new entry was created.
func (p *Pool) AddOrphan(tx *btcutil.Tx, tag Tag, parents []chainhash.Hash) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	wtxid := *tx.WitnessHash()
	if otx, exists := p.orphans[wtxid]; exists {
		if _, ok := otx.announcers[tag]; !ok {
			otx.announcers[tag] = struct{}{}
			log.Debugf("Added peer %d as announcer of orphan %v",
				tag, wtxid)
		}
		return false
	}

	weight := blockchain.GetTransactionWeight(tx)
	if weight > p.cfg.MaxTxWeight {
		log.Debugf("Ignoring large orphan transaction %v (weight %d, "+
			"max %d)", tx.Hash(), weight, p.cfg.MaxTxWeight)
		return false
	}

	otx := &orphanTx{
		tx:         tx,
		announcers: map[Tag]struct{}{tag: {}},
		expiration: time.Now().Add(p.cfg.OrphanTTL),
		listPos:    len(p.orphanList),
		seq:        p.nextSeq,
		parents:    parents,
	}
	p.nextSeq++
	p.orphans[wtxid] = otx
	p.orphanList = append(p.orphanList, otx)
	for _, txIn := range tx.MsgTx().TxIn {
		prevOut := txIn.PreviousOutPoint
		if _, exists := p.orphansByPrev[prevOut]; !exists {
			p.orphansByPrev[prevOut] =
				make(map[chainhash.Hash]*orphanTx)
		}
		p.orphansByPrev[prevOut][wtxid] = otx
	}

	log.Debugf("Stored orphan transaction %v (wtxid %v, weight %d, "+
		"total: %d)", tx.Hash(), wtxid, weight, len(p.orphans))
	return true
}

// AddAnnouncer records the given peer as an announcer of an already stored
// orphan.  It allows a caller that only knows the witness hash to register a
// duplicate announcement without resupplying the transaction itself.
//
// The return value reports whether the peer was newly added to the announcer
// set.  It is false when the orphan is unknown or the peer had already
// announced it.
func (p *Pool) AddAnnouncer(wtxid chainhash.Hash, tag Tag) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	otx, exists := p.orphans[wtxid]
	if !exists {
		return false
	}
	if _, ok := otx.announcers[tag]; ok {
		return false
	}
	otx.announcers[tag] = struct{}{}
	log.Debugf("Added peer %d as announcer of orphan %v", tag, wtxid)
	return true
}

// removeOrphan removes the entry with the given witness hash from every index
// and returns the number of entries removed (0 or 1).  It is the single
// removal path in the pool.  Every public removal funnels through it so the
// primary index, the spend index, and the eviction list cannot drift apart.
//
// This function MUST be called with the pool lock held (for writes).
func (p *Pool) removeOrphan(wtxid chainhash.Hash) int {
	otx, exists := p.orphans[wtxid]
	if !exists {
		return 0
	}

	// Drop the entry from the bucket of every outpoint it spends,
	// removing buckets that become empty.
	for _, txIn := range otx.tx.MsgTx().TxIn {
		prevOut := txIn.PreviousOutPoint
		orphans, exists := p.orphansByPrev[prevOut]
		if !exists {
			continue
		}
		delete(orphans, wtxid)
		if len(orphans) == 0 {
			delete(p.orphansByPrev, prevOut)
		}
	}

	// Unless the entry is already last, move the final element of the
	// eviction list into the freed slot so the list stays dense and the
	// moved entry keeps a valid back reference.
	lastPos := len(p.orphanList) - 1
	if otx.listPos != lastPos {
		lastEntry := p.orphanList[lastPos]
		p.orphanList[otx.listPos] = lastEntry
		lastEntry.listPos = otx.listPos
	}
	p.orphanList[lastPos] = nil
	p.orphanList = p.orphanList[:lastPos]

	delete(p.orphans, wtxid)

	log.Tracef("Removed orphan transaction %v (wtxid %v, remaining: %d)",
		otx.tx.Hash(), wtxid, len(p.orphans))
	return 1
}

// RemoveOrphan removes the orphan with the given witness hash, regardless of
// how many peers announced it.  The return value is the number of entries
// removed, which is zero when the hash is unknown.
func (p *Pool) RemoveOrphan(wtxid chainhash.Hash) int {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	return p.removeOrphan(wtxid)
}

// RemoveAnnouncer drops the given peer from the announcer set of a single
// orphan, removing the orphan entirely when that peer was its only announcer.
// Any pending revalidation of the orphan on behalf of that peer is cancelled
// as well.  This is used when a specific peer's announcement has been
// falsified, for example when revalidation failed, without punishing other
// peers that announced the same transaction.
func (p *Pool) RemoveAnnouncer(wtxid chainhash.Hash, tag Tag) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	otx, exists := p.orphans[wtxid]
	if !exists {
		return
	}

	// The orphan must not surface from this peer's work set after the
	// caller has given up on the pairing, even though the entry itself
	// may survive under other announcers.
	if ws, ok := p.workSets[tag]; ok {
		ws.remove(wtxid)
		if ws.empty() {
			delete(p.workSets, tag)
		}
	}

	if _, ok := otx.announcers[tag]; !ok {
		return
	}
	if len(otx.announcers) == 1 {
		p.removeOrphan(wtxid)
		return
	}
	delete(otx.announcers, tag)
	log.Debugf("Removed peer %d as announcer of orphan %v", tag, wtxid)
}

// RemoveOrphansByTag drops the given peer from the announcer set of every
// stored orphan, removing the orphans for which it was the sole announcer.
// Orphans that other peers also announced are retained since they may still
// be useful.  The peer's pending work set is discarded as well, which makes
// this the full cleanup path for a disconnecting peer.
//
// The return value is the number of orphans removed.
func (p *Pool) RemoveOrphansByTag(tag Tag) uint64 {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	delete(p.workSets, tag)

	var numRemoved uint64
	for wtxid, otx := range p.orphans {
		if _, ok := otx.announcers[tag]; !ok {
			continue
		}
		if len(otx.announcers) == 1 {
			numRemoved += uint64(p.removeOrphan(wtxid))
		} else {
			delete(otx.announcers, tag)
		}
	}
	if numRemoved > 0 {
		log.Debugf("Removed %d %s for peer %d", numRemoved,
			pickNoun(int(numRemoved), "orphan", "orphans"), tag)
	}
	return numRemoved
}

// RemoveForBlock removes every stored orphan that spends an outpoint consumed
// by a transaction in the passed block.  Such orphans either confirmed as
// part of the block or conflict with it, so they can never enter the mempool
// through the orphan path.  The witness hashes of the removed orphans are
// returned so the caller can reconcile any related state of its own.
func (p *Pool) RemoveForBlock(block *btcutil.Block) []chainhash.Hash {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	var removed []chainhash.Hash
	seen := make(map[chainhash.Hash]struct{})
	for _, tx := range block.Transactions() {
		for _, txIn := range tx.MsgTx().TxIn {
			orphans, exists := p.orphansByPrev[txIn.PreviousOutPoint]
			if !exists {
				continue
			}
			for wtxid := range orphans {
				if _, ok := seen[wtxid]; ok {
					continue
				}
				seen[wtxid] = struct{}{}
				removed = append(removed, wtxid)
			}
		}
	}

	for _, wtxid := range removed {
		p.removeOrphan(wtxid)
	}
	if len(removed) > 0 {
		log.Debugf("Removed %d %s included or conflicted by block %v",
			len(removed), pickNoun(len(removed), "orphan", "orphans"),
			block.Hash())
	}
	return removed
}

// LimitOrphans enforces the pool's resource bounds and returns the witness
// hashes of every entry it removed.  The returned slice is informational
// only, typically for logging or metrics.
//
// Two policies are applied in order.  First, when the batched expiration
// scan is due, a single pass removes every entry whose TTL has lapsed and the
// next scan is scheduled for ExpireScanInterval past the earliest remaining
// expiration.  Second, while the pool holds more than maxOrphans entries, a
// uniformly random entry is evicted.  Random selection is deliberate: a peer
// flooding the pool cannot influence which transactions survive by timing or
// ordering its submissions.
//
// A nil rng selects the pool's own unpredictable source.  Callers such as
// tests may pass their own.
func (p *Pool) LimitOrphans(maxOrphans int, rng RandomSource) []chainhash.Hash {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	var removed []chainhash.Hash
	if now := time.Now(); now.After(p.nextExpireScan) {
		// A TTL from now bounds the reschedule below when the scan
		// leaves the pool empty.
		minExpiration := now.Add(p.cfg.OrphanTTL - p.cfg.ExpireScanInterval)
		for wtxid, otx := range p.orphans {
			if otx.expiration.After(now) {
				if otx.expiration.Before(minExpiration) {
					minExpiration = otx.expiration
				}
				continue
			}
			removed = append(removed, wtxid)
			p.removeOrphan(wtxid)
		}

		// Scan again shortly after the next remaining entry expires so
		// the linear pass stays batched.
		p.nextExpireScan = minExpiration.Add(p.cfg.ExpireScanInterval)

		if numExpired := len(removed); numExpired > 0 {
			log.Debugf("Expired %d %s (remaining: %d)", numExpired,
				pickNoun(numExpired, "orphan", "orphans"),
				len(p.orphans))
		}
	}

	if rng == nil {
		rng = p.rand
	}
	if maxOrphans < 0 {
		maxOrphans = 0
	}
	numEvicted := 0
	for len(p.orphans) > maxOrphans {
		victim := p.orphanList[rng.Intn(len(p.orphanList))]
		wtxid := *victim.tx.WitnessHash()
		removed = append(removed, wtxid)
		p.removeOrphan(wtxid)
		numEvicted++
	}
	if numEvicted > 0 {
		log.Debugf("Orphan pool overflow, evicted %d %s", numEvicted,
			pickNoun(numEvicted, "orphan", "orphans"))
	}
	return removed
}

// IsOrphan reports whether the passed witness hash is currently stored in
// the pool.
func (p *Pool) IsOrphan(wtxid chainhash.Hash) bool {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	_, exists := p.orphans[wtxid]
	return exists
}

// HasAnnouncer reports whether the passed witness hash is currently stored
// and was announced by the given peer.
func (p *Pool) HasAnnouncer(wtxid chainhash.Hash, tag Tag) bool {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	otx, exists := p.orphans[wtxid]
	if !exists {
		return false
	}
	_, ok := otx.announcers[tag]
	return ok
}

// GetOrphan returns the stored orphan transaction with the given witness
// hash, if present.
func (p *Pool) GetOrphan(wtxid chainhash.Hash) (*btcutil.Tx, bool) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	otx, exists := p.orphans[wtxid]
	if !exists {
		return nil, false
	}
	return otx.tx, true
}

// Count returns the number of orphans currently stored in the pool.
func (p *Pool) Count() int {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	return len(p.orphans)
}

// ParentTxids returns the missing parent txids recorded when the orphan with
// the given witness hash was stored.  The second return value reports whether
// the orphan is present at all; a present orphan may still have a nil parent
// list when none were supplied.
func (p *Pool) ParentTxids(wtxid chainhash.Hash) ([]chainhash.Hash, bool) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	otx, exists := p.orphans[wtxid]
	if !exists {
		return nil, false
	}
	return otx.parents, true
}

// ChildrenFromPeer returns the distinct stored orphans that spend any output
// of the passed parent transaction and were announced by the given peer.  An
// orphan spending several outputs of the parent appears once.  The result is
// ordered with the most recently expiring orphan first; entries sharing an
// expiration time are ordered by descending insertion sequence, which is
// stable and deterministic.
func (p *Pool) ChildrenFromPeer(parent *btcutil.Tx, tag Tag) []*btcutil.Tx {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	parentHash := parent.Hash()
	seen := make(map[chainhash.Hash]struct{})
	var found []*orphanTx
	for i := range parent.MsgTx().TxOut {
		prevOut := wire.OutPoint{Hash: *parentHash, Index: uint32(i)}
		for wtxid, otx := range p.orphansByPrev[prevOut] {
			if _, ok := otx.announcers[tag]; !ok {
				continue
			}
			if _, ok := seen[wtxid]; ok {
				continue
			}
			seen[wtxid] = struct{}{}
			found = append(found, otx)
		}
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].expiration.Equal(found[j].expiration) {
			return found[i].seq > found[j].seq
		}
		return found[i].expiration.After(found[j].expiration)
	})

	children := make([]*btcutil.Tx, 0, len(found))
	for _, otx := range found {
		children = append(children, otx.tx)
	}
	return children
}
