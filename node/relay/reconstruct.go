package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"blockrelay.dev/consensus"
	"blockrelay.dev/node/p2p"
)

// State is where a block's reconstruction stands on one session.
type State int

const (
	StateEmpty State = iota
	StateAwaitingCompactBlock
	StateResolving
	StateAwaitingMissingTx
	StateComplete
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateAwaitingCompactBlock:
		return "awaiting-cmpctblock"
	case StateResolving:
		return "resolving"
	case StateAwaitingMissingTx:
		return "awaiting-blocktxn"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s ends a reconstruction.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateTimedOut
}

type reconstruction struct {
	hash    chainhash.Hash
	state   State
	started time.Time
	gen     uint64

	header consensus.BlockHeader
	keys   p2p.ShortIDKeys
	// txs holds one entry per block slot; nil until resolved.
	txs []*consensus.Tx
	// missing lists the unresolved slots in ascending order and pending
	// holds their short ids.
	missing []uint64
	pending map[uint64]p2p.ShortID

	roundTrips int
	fromPool   bool
}

// resolve fills every slot it can from the compact block and the local
// transaction sources. Short ids that occur more than once in the block are
// left unresolved so the peer supplies them.
func (s *Session) resolve(r *reconstruction, c *p2p.HeaderAndShortIDs) {
	r.state = StateResolving
	r.header = c.Header
	r.keys = c.Keys()
	r.txs = make([]*consensus.Tx, c.TxCount())
	r.missing = nil
	r.pending = make(map[uint64]p2p.ShortID)
	r.fromPool = false

	for _, p := range c.Prefilled {
		r.txs[p.Index] = p.Tx
	}
	counts := make(map[p2p.ShortID]int, len(c.ShortIDs))
	for _, id := range c.ShortIDs {
		counts[id]++
	}
	next := 0
	for i := range r.txs {
		if r.txs[i] != nil {
			continue
		}
		id := c.ShortIDs[next]
		next++
		if counts[id] == 1 {
			if tx, ok := s.eng.deps.Txs.LookupByShortID(r.keys, id); ok {
				r.txs[i] = tx
				r.fromPool = true
				continue
			}
		}
		r.missing = append(r.missing, uint64(i))
		r.pending[uint64(i)] = id
	}
}

func (s *Session) handleCmpctBlock(payload []byte) error {
	c, err := p2p.DecodeCmpctBlockPayload(payload)
	if err != nil {
		return classify(err)
	}
	s.eng.m.cmpctIn.Inc(1)
	hash := c.BlockHash()
	s.peerKnows.Add(hash, struct{}{})

	if s.eng.known(hash) {
		s.drop(hash)
		s.eng.m.cmpctDuplicate.Inc(1)
		return nil
	}
	if _, ok := s.recent.Peek(hash); ok {
		s.eng.m.cmpctDuplicate.Inc(1)
		return nil
	}
	r, inFlight := s.blocks[hash]
	if inFlight && r.state != StateAwaitingCompactBlock {
		s.eng.m.cmpctDuplicate.Inc(1)
		return nil
	}
	if !s.eng.deps.Chain.HeaderExtendsKnownChain(c.Header) {
		s.drop(hash)
		s.eng.m.cmpctStale.Inc(1)
		return violation(p2p.ViolationStaleAnnouncement, fmt.Errorf("cmpctblock %s does not extend the known chain", hash))
	}
	if !inFlight {
		if len(s.blocks) >= s.eng.cfg.MaxInFlightPerPeer {
			return s.fetchFull(hash)
		}
		r = &reconstruction{hash: hash, started: time.Now()}
		s.blocks[hash] = r
	}

	s.resolve(r, c)
	s.eng.m.missingTxs.Update(int64(len(r.missing)))
	if len(r.missing) == 0 {
		return s.finalize(r)
	}

	req, err := p2p.EncodeGetBlockTxnPayload(p2p.GetBlockTxnPayload{BlockHash: hash, Indexes: r.missing})
	if err != nil {
		s.drop(hash)
		return err
	}
	if err := s.send(p2p.CmdGetBlockTxn, req); err != nil {
		s.drop(hash)
		return err
	}
	s.eng.m.getBlockTxnOut.Inc(1)
	r.state = StateAwaitingMissingTx
	r.roundTrips++
	s.arm(r)
	s.log.Debug("requested missing transactions", "block", hash.String(), "missing", len(r.missing), "txs", len(r.txs))
	return nil
}

func (s *Session) handleBlockTxn(payload []byte) error {
	resp, err := p2p.DecodeBlockTxnPayload(payload)
	if err != nil {
		return classify(err)
	}
	s.eng.m.blockTxnIn.Inc(1)
	r, ok := s.blocks[resp.BlockHash]
	if !ok || r.state != StateAwaitingMissingTx {
		s.eng.m.blockTxnUnknown.Inc(1)
		return violation(p2p.ViolationHashMismatch, fmt.Errorf("%w: %s", p2p.ErrHashMismatch, resp.BlockHash))
	}
	if err := s.fill(r, resp.Txs); err != nil {
		s.drop(r.hash)
		s.finish(r.hash, StateFailed)
		return violation(p2p.ViolationShortResponse, err)
	}
	return s.finalize(r)
}

// fill places a blocktxn response into the missing slots. A response of
// exactly the requested size fills them in order and the merkle check
// decides. A longer one is matched by short id and the extras are ignored;
// slots sharing a short id take the matching transactions in response order.
func (s *Session) fill(r *reconstruction, txs []*consensus.Tx) error {
	switch {
	case len(txs) < len(r.missing):
		return fmt.Errorf("%w: block %s: got %d of %d", p2p.ErrShortResponse, r.hash, len(txs), len(r.missing))
	case len(txs) == len(r.missing):
		for i, idx := range r.missing {
			r.txs[idx] = txs[i]
		}
	default:
		byID := make(map[p2p.ShortID][]*consensus.Tx, len(txs))
		for _, tx := range txs {
			id := s.eng.shortID(r.keys, tx.ID())
			byID[id] = append(byID[id], tx)
		}
		for _, idx := range r.missing {
			id := r.pending[idx]
			queue := byID[id]
			if len(queue) == 0 {
				return fmt.Errorf("%w: block %s: slot %d not supplied", p2p.ErrShortResponse, r.hash, idx)
			}
			r.txs[idx] = queue[0]
			byID[id] = queue[1:]
		}
	}
	r.missing = nil
	clear(r.pending)
	return nil
}

// finalize verifies the assembled block and hands it to the engine. A
// merkle failure on a block rebuilt only from local transactions is blamed
// on a short id collision and retried as a full block.
func (s *Session) finalize(r *reconstruction) error {
	s.drop(r.hash)
	blk := &consensus.Block{Header: r.header, Txs: r.txs}
	if err := blk.CheckMerkleRoot(); err != nil {
		if r.roundTrips == 0 && r.fromPool {
			s.log.Debug("local reconstruction failed merkle check", "block", r.hash.String(), "err", err)
			return s.fetchFull(r.hash)
		}
		s.finish(r.hash, StateFailed)
		return violation(p2p.ViolationMerkleMismatch, fmt.Errorf("%w: block %s: %w", p2p.ErrMerkleMismatch, r.hash, err))
	}

	err := s.eng.accept(blk)
	switch {
	case errors.Is(err, errRunnerUp):
		s.eng.m.runnerUp.Inc(1)
		s.finish(r.hash, StateComplete)
		return nil
	case err != nil:
		s.finish(r.hash, StateFailed)
		return violation(p2p.ViolationInvalidBlock, err)
	}

	s.finish(r.hash, StateComplete)
	s.eng.m.rebuildTimer.UpdateSince(r.started)
	if r.roundTrips == 0 {
		s.eng.m.rebuiltLocal.Inc(1)
	} else {
		s.eng.m.rebuiltRound.Inc(1)
	}
	s.log.Info("reconstructed block", "block", r.hash.String(), "txs", len(blk.Txs), "round_trips", r.roundTrips, "elapsed", time.Since(r.started))
	return nil
}

func (s *Session) handleTimeout(ev timeoutEvent) error {
	r, ok := s.blocks[ev.hash]
	if !ok || r.gen != ev.gen {
		return nil
	}
	s.drop(ev.hash)
	s.finish(ev.hash, StateTimedOut)
	s.eng.m.timeouts.Inc(1)
	s.log.Debug("reconstruction timed out", "block", ev.hash.String(), "state", r.state.String())
	if err := s.fetchFull(ev.hash); err != nil {
		return err
	}
	return violation(p2p.ViolationTimeout, fmt.Errorf("%w: block %s", p2p.ErrTimeout, ev.hash))
}

// finish records a terminal state. Failed blocks are not requested from
// this peer again.
func (s *Session) finish(hash chainhash.Hash, st State) {
	if st == StateFailed {
		s.eng.m.failures.Inc(1)
	}
	s.recent.Add(hash, st)
}
