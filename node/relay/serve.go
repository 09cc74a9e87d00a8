package relay

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"blockrelay.dev/consensus"
	"blockrelay.dev/node/p2p"
)

func (s *Session) lookupBlock(hash chainhash.Hash) (*consensus.Block, bool) {
	if s.eng.deps.Blocks == nil {
		return nil, false
	}
	return s.eng.deps.Blocks.BlockByHash(hash)
}

// serveGetBlockTxn answers a peer that is rebuilding one of our blocks.
// Requests for blocks we do not have are dropped silently.
func (s *Session) serveGetBlockTxn(payload []byte) error {
	req, err := p2p.DecodeGetBlockTxnPayload(payload)
	if err != nil {
		return classify(err)
	}
	blk, ok := s.lookupBlock(req.BlockHash)
	if !ok {
		s.log.Debug("getblocktxn for unknown block", "block", req.BlockHash.String())
		return nil
	}
	n := uint64(len(blk.Txs))
	resp := p2p.BlockTxnPayload{BlockHash: req.BlockHash, Txs: make([]*consensus.Tx, 0, len(req.Indexes))}
	for _, idx := range req.Indexes {
		if idx >= n {
			return violation(p2p.ViolationIndexOutOfRange,
				fmt.Errorf("%w: getblocktxn: index %d, tx count %d", p2p.ErrIndexOutOfRange, idx, n))
		}
		resp.Txs = append(resp.Txs, blk.Txs[idx])
	}
	out, err := p2p.EncodeBlockTxnPayload(resp)
	if err != nil {
		return err
	}
	s.eng.m.servedBlockTxn.Inc(1)
	return s.send(p2p.CmdBlockTxn, out)
}

// serveGetData answers block and compact block requests. Anything we cannot
// serve is listed in a single notfound.
func (s *Session) serveGetData(payload []byte) error {
	vecs, err := p2p.DecodeInvPayload(payload)
	if err != nil {
		return classify(err)
	}
	var notFound []p2p.InvVector
	for _, v := range vecs {
		if v.Type != p2p.InvTypeBlock && v.Type != p2p.InvTypeCmpctBlock {
			// Transactions are served by the mempool handler.
			continue
		}
		blk, ok := s.lookupBlock(v.Hash)
		if !ok {
			notFound = append(notFound, v)
			continue
		}
		s.peerKnows.Add(v.Hash, struct{}{})
		if v.Type == p2p.InvTypeCmpctBlock {
			err = s.sendCompact(blk)
		} else {
			err = s.sendBlock(blk)
		}
		if err != nil {
			return err
		}
	}
	if len(notFound) == 0 {
		return nil
	}
	out, err := p2p.EncodeInvPayload(notFound)
	if err != nil {
		return err
	}
	return s.send(p2p.CmdNotFound, out)
}

func (s *Session) sendCompact(blk *consensus.Block) error {
	c, err := NewCompactBlock(blk, s.eng.cfg.Nonce())
	if err != nil {
		return err
	}
	out, err := p2p.EncodeCmpctBlockPayload(c)
	if err != nil {
		return err
	}
	s.eng.m.servedCmpct.Inc(1)
	return s.send(p2p.CmdCmpctBlock, out)
}

func (s *Session) sendBlock(blk *consensus.Block) error {
	out, err := blk.Bytes()
	if err != nil {
		return err
	}
	s.eng.m.servedBlock.Inc(1)
	return s.send(p2p.CmdBlock, out)
}
