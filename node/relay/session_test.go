package relay

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"blockrelay.dev/consensus"
	"blockrelay.dev/node/p2p"
)

func TestNoPrefilledNothingKnownRequestsEverything(t *testing.T) {
	h := newHarness(t, nil)
	r := h.start(1)

	blk := makeBlock(1, 5)
	c, err := BuildHeaderAndShortIDs(blk, 3, nil)
	require.NoError(t, err)
	r.deliverCompact(t, c)

	req := r.expectGetBlockTxn(t)
	require.Equal(t, blk.Hash(), req.BlockHash)
	require.Equal(t, []uint64{0, 1, 2, 3, 4}, req.Indexes)

	snap := r.snapshot(t)
	require.Len(t, snap.Blocks, 1)
	require.Equal(t, StateAwaitingMissingTx, snap.Blocks[0].State)
	require.Equal(t, 5, snap.Blocks[0].TxCount)

	r.deliverBlockTxn(t, blk.Hash(), blk.Txs)
	waitHash(t, h.acc.got, blk.Hash())
	snap = r.snapshot(t)
	require.Empty(t, snap.Blocks)
	require.Equal(t, StateComplete, snap.Finished[blk.Hash()])
	require.Equal(t, int64(1), counter(h.reg, "relay/rebuild/roundtrip"))
}

func TestPartialPrefillRequestsOnlyUnknown(t *testing.T) {
	h := newHarness(t, nil)
	r := h.start(1)

	blk := makeBlock(2, 11)
	for _, i := range []int{1, 6, 7, 8, 9, 10} {
		h.pool.Add(blk.Txs[i])
	}
	c, err := BuildHeaderAndShortIDs(blk, 5, []uint64{0, 2, 3, 4})
	require.NoError(t, err)
	r.deliverCompact(t, c)

	req := r.expectGetBlockTxn(t)
	require.Equal(t, []uint64{5}, req.Indexes)

	r.deliverBlockTxn(t, blk.Hash(), []*consensus.Tx{blk.Txs[5]})
	waitHash(t, h.acc.got, blk.Hash())
	require.Empty(t, h.peers.violations(1))
}

func TestPrefilledIndexOutOfRangeIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	r := h.start(1)

	blk := makeBlock(3, 1)
	// One prefilled tx at index 1 and no short ids: the block has one tx.
	raw := blk.Header.Bytes()
	raw = binary.LittleEndian.AppendUint64(raw, 0)
	raw = append(raw, 0, 1, 1)
	raw, err := consensus.AppendTx(raw, blk.Txs[0])
	require.NoError(t, err)
	r.deliverPayload(t, p2p.CmdCmpctBlock, raw)

	err = r.exitErr(t)
	require.ErrorIs(t, err, p2p.ErrIndexOutOfRange)
	require.Equal(t, []p2p.Violation{p2p.ViolationIndexOutOfRange}, h.peers.violations(1))
	require.True(t, h.peers.isDisconnected(1))
	require.GreaterOrEqual(t, h.peers.policy.Score(1), p2p.BanThreshold)
	require.Zero(t, h.acc.count())
}

func TestAllPrefilledCompletesWithoutRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	r := h.start(1)

	blk := makeBlock(4, 3)
	c, err := BuildHeaderAndShortIDs(blk, 1, []uint64{0, 1, 2})
	require.NoError(t, err)
	r.deliverCompact(t, c)

	waitHash(t, h.acc.got, blk.Hash())
	r.out.expectNothing(t)
	require.Equal(t, int64(1), counter(h.reg, "relay/rebuild/local"))
	require.Zero(t, counter(h.reg, "relay/getblocktxn/out"))
}

func TestAllKnownLocallyCompletesWithoutRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	r := h.start(1)

	blk := makeBlock(5, 6)
	for _, tx := range blk.Txs[1:] {
		h.pool.Add(tx)
	}
	c, err := NewCompactBlock(blk, 77)
	require.NoError(t, err)
	r.deliverCompact(t, c)

	waitHash(t, h.acc.got, blk.Hash())
	r.out.expectNothing(t)
}

func TestBadBlockTxnIsMerkleMismatch(t *testing.T) {
	h := newHarness(t, nil)
	r := h.start(1)

	blk := makeBlock(6, 4)
	c, err := NewCompactBlock(blk, 1)
	require.NoError(t, err)
	r.deliverCompact(t, c)
	req := r.expectGetBlockTxn(t)
	require.Equal(t, []uint64{1, 2, 3}, req.Indexes)

	r.deliverBlockTxn(t, blk.Hash(), makeTxs(0x77, 3))

	err = r.exitErr(t)
	require.ErrorIs(t, err, p2p.ErrMerkleMismatch)
	require.Equal(t, []p2p.Violation{p2p.ViolationMerkleMismatch}, h.peers.violations(1))
	require.True(t, h.peers.isDisconnected(1))
	require.Zero(t, h.acc.count())
	r.out.expectNothing(t)
	require.Empty(t, h.fetcher.got)
}

func TestShortBlockTxnIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	r := h.start(1)

	blk := makeBlock(7, 4)
	c, err := NewCompactBlock(blk, 1)
	require.NoError(t, err)
	r.deliverCompact(t, c)
	r.expectGetBlockTxn(t)

	r.deliverBlockTxn(t, blk.Hash(), blk.Txs[1:3])
	require.ErrorIs(t, r.exitErr(t), p2p.ErrShortResponse)
	require.Equal(t, []p2p.Violation{p2p.ViolationShortResponse}, h.peers.violations(1))
}

func TestExtraBlockTxnTransactionsAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	r := h.start(1)

	blk := makeBlock(8, 4)
	c, err := NewCompactBlock(blk, 1)
	require.NoError(t, err)
	r.deliverCompact(t, c)
	r.expectGetBlockTxn(t)

	extra := makeTxs(0x99, 2)
	resp := []*consensus.Tx{extra[0], blk.Txs[3], blk.Txs[1], extra[1], blk.Txs[2]}
	r.deliverBlockTxn(t, blk.Hash(), resp)
	waitHash(t, h.acc.got, blk.Hash())
	require.Empty(t, h.peers.violations(1))
}

func TestDuplicateShortIDsAreRequested(t *testing.T) {
	h := newHarness(t, nil)
	r := h.start(1)

	blk := makeBlock(9, 4)
	for _, tx := range blk.Txs[1:] {
		h.pool.Add(tx)
	}
	c, err := NewCompactBlock(blk, 1)
	require.NoError(t, err)
	c.ShortIDs[1] = c.ShortIDs[0]
	r.deliverCompact(t, c)

	req := r.expectGetBlockTxn(t)
	require.Equal(t, []uint64{1, 2}, req.Indexes)
	r.deliverBlockTxn(t, blk.Hash(), blk.Txs[1:3])
	waitHash(t, h.acc.got, blk.Hash())
}

func TestUnsolicitedBlockTxnIsBenign(t *testing.T) {
	h := newHarness(t, nil)
	r := h.start(1)

	blk := makeBlock(10, 2)
	r.deliverBlockTxn(t, blk.Hash(), blk.Txs)
	r.snapshot(t)
	require.Equal(t, []p2p.Violation{p2p.ViolationHashMismatch}, h.peers.violations(1))
	require.False(t, h.peers.isDisconnected(1))
	require.Zero(t, h.peers.policy.Score(1))
	require.Equal(t, int64(1), counter(h.reg, "relay/blocktxn/unknown"))
}

func TestTimeoutFallsBackToFullBlock(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ResponseTimeout = 20 * time.Millisecond })
	r := h.start(1)

	blk := makeBlock(11, 3)
	c, err := NewCompactBlock(blk, 1)
	require.NoError(t, err)
	r.deliverCompact(t, c)
	r.expectGetBlockTxn(t)

	waitHash(t, h.fetcher.got, blk.Hash())
	snap := r.snapshot(t)
	require.Empty(t, snap.Blocks)
	require.Equal(t, StateTimedOut, snap.Finished[blk.Hash()])
	require.Equal(t, []p2p.Violation{p2p.ViolationTimeout}, h.peers.violations(1))
	require.Zero(t, h.peers.policy.Score(1))

	// A late answer finds no request and is ignored.
	r.deliverBlockTxn(t, blk.Hash(), blk.Txs[1:])
	r.snapshot(t)
	require.Equal(t, []p2p.Violation{p2p.ViolationTimeout, p2p.ViolationHashMismatch}, h.peers.violations(1))
	require.False(t, h.peers.isDisconnected(1))
	require.Zero(t, h.acc.count())

	// The full block arrives through the ordinary path.
	r.deliverPayload(t, p2p.CmdBlock, mustEncode(blk.Bytes()))
	waitHash(t, h.acc.got, blk.Hash())
}

func TestDuplicateAnnouncementIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	r := h.start(1)

	blk := makeBlock(12, 3)
	c, err := NewCompactBlock(blk, 1)
	require.NoError(t, err)
	r.deliverCompact(t, c)
	r.expectGetBlockTxn(t)
	r.deliverCompact(t, c)
	r.out.expectNothing(t)
	require.Equal(t, int64(1), counter(h.reg, "relay/cmpctblock/duplicate"))
	require.Len(t, r.snapshot(t).Blocks, 1)
}

func TestReconstructionsAreIndependent(t *testing.T) {
	h := newHarness(t, nil)
	r1 := h.start(1)
	r2 := h.start(2)

	x := makeBlock(20, 3)
	y := makeBlock(21, 4)
	cx, err := NewCompactBlock(x, 1)
	require.NoError(t, err)
	cy, err := NewCompactBlock(y, 2)
	require.NoError(t, err)

	r1.deliverCompact(t, cx)
	require.Equal(t, x.Hash(), r1.expectGetBlockTxn(t).BlockHash)
	r1.deliverCompact(t, cy)
	require.Equal(t, y.Hash(), r1.expectGetBlockTxn(t).BlockHash)
	r2.deliverCompact(t, cx)
	require.Equal(t, x.Hash(), r2.expectGetBlockTxn(t).BlockHash)

	snap := r1.snapshot(t)
	require.Len(t, snap.Blocks, 2)
	for _, b := range snap.Blocks {
		require.Equal(t, StateAwaitingMissingTx, b.State)
	}

	// Completing Y on peer 1 leaves X untouched on both peers.
	r1.deliverBlockTxn(t, y.Hash(), y.Txs[1:])
	waitHash(t, h.acc.got, y.Hash())
	snap = r1.snapshot(t)
	require.Len(t, snap.Blocks, 1)
	require.Equal(t, x.Hash(), snap.Blocks[0].Hash)
	require.Equal(t, []uint64{1, 2}, snap.Blocks[0].Missing)

	// Peer 2 wins X; peer 1 finishes second and is not penalized.
	r2.deliverBlockTxn(t, x.Hash(), x.Txs[1:])
	waitHash(t, h.acc.got, x.Hash())
	r1.deliverBlockTxn(t, x.Hash(), x.Txs[1:])
	require.Equal(t, StateComplete, r1.snapshot(t).Finished[x.Hash()])

	require.Equal(t, 2, h.acc.count())
	require.Equal(t, int64(1), counter(h.reg, "relay/rebuild/runnerup"))
	require.Empty(t, h.peers.violations(1))
	require.Empty(t, h.peers.violations(2))
}

func TestInFlightLimitFallsBackToFullBlock(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxInFlightPerPeer = 1 })
	r := h.start(1)

	a := makeBlock(30, 2)
	b := makeBlock(31, 2)
	ca, err := NewCompactBlock(a, 1)
	require.NoError(t, err)
	cb, err := NewCompactBlock(b, 1)
	require.NoError(t, err)

	r.deliverCompact(t, ca)
	r.expectGetBlockTxn(t)
	r.deliverCompact(t, cb)
	waitHash(t, h.fetcher.got, b.Hash())
	require.Len(t, r.snapshot(t).Blocks, 1)
}

func TestInvRequestsCompactBlockOnceNegotiated(t *testing.T) {
	h := newHarness(t, nil)
	blk := makeBlock(40, 3)
	inv := mustEncode(p2p.EncodeInvPayload([]p2p.InvVector{{Type: p2p.InvTypeBlock, Hash: blk.Hash()}}))

	raw := h.startRaw(1)
	raw.deliverPayload(t, p2p.CmdInv, inv)
	waitHash(t, h.fetcher.got, blk.Hash())

	r := h.start(2)
	r.deliverPayload(t, p2p.CmdInv, inv)
	vecs, err := p2p.DecodeInvPayload(r.out.expect(t, p2p.CmdGetData).Payload)
	require.NoError(t, err)
	require.Equal(t, []p2p.InvVector{{Type: p2p.InvTypeCmpctBlock, Hash: blk.Hash()}}, vecs)
	require.Equal(t, StateAwaitingCompactBlock, r.snapshot(t).Blocks[0].State)

	c, err := BuildHeaderAndShortIDs(blk, 1, []uint64{0, 1, 2})
	require.NoError(t, err)
	r.deliverCompact(t, c)
	waitHash(t, h.acc.got, blk.Hash())
}

func TestStaleHeadersAreBenign(t *testing.T) {
	h := newHarness(t, nil)
	r := h.start(1)

	blk := makeBlock(41, 2)
	h.chain.markStale(blk.Hash())
	r.deliverPayload(t, p2p.CmdHeaders, mustEncode(p2p.EncodeHeadersPayload([]consensus.BlockHeader{blk.Header})))
	r.snapshot(t)
	require.Equal(t, []p2p.Violation{p2p.ViolationStaleAnnouncement}, h.peers.violations(1))
	require.Zero(t, h.peers.policy.Score(1))
	r.out.expectNothing(t)

	fresh := makeBlock(42, 2)
	r.deliverPayload(t, p2p.CmdHeaders, mustEncode(p2p.EncodeHeadersPayload([]consensus.BlockHeader{fresh.Header})))
	r.out.expect(t, p2p.CmdGetData)
}

func TestRejectedBlockIsFatalAndReleased(t *testing.T) {
	h := newHarness(t, nil)
	h.acc.reject = errRejected
	r := h.start(1)

	blk := makeBlock(43, 2)
	c, err := BuildHeaderAndShortIDs(blk, 1, []uint64{0, 1})
	require.NoError(t, err)
	r.deliverCompact(t, c)

	require.ErrorIs(t, r.exitErr(t), errRejected)
	require.Equal(t, []p2p.Violation{p2p.ViolationInvalidBlock}, h.peers.violations(1))
	require.False(t, h.eng.known(blk.Hash()))
}

func TestMalformedCompactBlockIsDecodeError(t *testing.T) {
	h := newHarness(t, nil)
	r := h.start(1)
	r.deliverPayload(t, p2p.CmdCmpctBlock, []byte{1, 2, 3})
	require.ErrorIs(t, r.exitErr(t), p2p.ErrDecode)
	require.Equal(t, []p2p.Violation{p2p.ViolationDecode}, h.peers.violations(1))
}

func TestAnnounceBlockFollowsNegotiatedMode(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	inv := h.startRaw(1)
	hdrs := h.startRaw(2)
	hdrs.deliverPayload(t, p2p.CmdSendHeaders, nil)
	cmpct := h.startRaw(3)
	cmpct.deliverPayload(t, p2p.CmdSendCmpct, mustEncode(p2p.EncodeSendCmpctPayload(p2p.SendCmpctPayload{Announce: true, Version: 1})))
	require.Equal(t, AnnounceCompact, cmpct.snapshot(t).Announcement.Mode())

	blk := makeBlock(50, 3)
	for _, r := range []*running{inv, hdrs, cmpct} {
		require.NoError(t, r.s.AnnounceBlock(ctx, blk))
	}

	vecs, err := p2p.DecodeInvPayload(inv.out.expect(t, p2p.CmdInv).Payload)
	require.NoError(t, err)
	require.Equal(t, blk.Hash(), vecs[0].Hash)

	headers, err := p2p.DecodeHeadersPayload(hdrs.out.expect(t, p2p.CmdHeaders).Payload)
	require.NoError(t, err)
	require.Equal(t, blk.Header, headers[0])

	c, err := p2p.DecodeCmpctBlockPayload(cmpct.out.expect(t, p2p.CmdCmpctBlock).Payload)
	require.NoError(t, err)
	require.Equal(t, blk.Hash(), c.BlockHash())
	require.Equal(t, uint64(7), c.Nonce)

	// Announced once per peer.
	require.NoError(t, inv.s.AnnounceBlock(ctx, blk))
	inv.out.expectNothing(t)
}

func TestAnnounceSkipsBlocksThePeerSentUs(t *testing.T) {
	h := newHarness(t, nil)
	r := h.start(1)
	blk := makeBlock(51, 2)
	c, err := BuildHeaderAndShortIDs(blk, 1, []uint64{0, 1})
	require.NoError(t, err)
	r.deliverCompact(t, c)
	waitHash(t, h.acc.got, blk.Hash())

	require.NoError(t, r.s.AnnounceBlock(context.Background(), blk))
	r.out.expectNothing(t)
}

func TestDeliverAfterExit(t *testing.T) {
	h := newHarness(t, nil)
	r := h.start(1)
	r.deliverPayload(t, p2p.CmdCmpctBlock, nil)
	r.exitErr(t)
	// The inbox still has room; every post must still report the closed session.
	for i := 0; i < 2*h.eng.cfg.InboxSize; i++ {
		err := r.s.Deliver(context.Background(), &p2p.Message{Command: p2p.CmdInv})
		require.ErrorIs(t, err, ErrSessionClosed)
	}
	require.ErrorIs(t, r.s.AnnounceBlock(context.Background(), makeBlock(1, 1)), ErrSessionClosed)
	_, err := r.s.Snapshot(context.Background())
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "awaiting-blocktxn", StateAwaitingMissingTx.String())
	require.True(t, StateTimedOut.Terminal())
	require.False(t, StateResolving.Terminal())
	require.Equal(t, "state(99)", State(99).String())
}

func TestSnapshotOrdering(t *testing.T) {
	h := newHarness(t, nil)
	r := h.start(1)
	for salt := byte(60); salt < 64; salt++ {
		c, err := NewCompactBlock(makeBlock(salt, 2), 1)
		require.NoError(t, err)
		r.deliverCompact(t, c)
		r.expectGetBlockTxn(t)
	}
	blocks := r.snapshot(t).Blocks
	require.Len(t, blocks, 4)
	for i := 1; i < len(blocks); i++ {
		require.Less(t, blocks[i-1].Hash.String(), blocks[i].Hash.String())
	}
	var zero chainhash.Hash
	require.NotEqual(t, zero, blocks[0].Hash)
}

// withBadRoot returns blk under a header whose merkle root its transactions
// do not satisfy.
func withBadRoot(blk *consensus.Block) *consensus.Block {
	bad := &consensus.Block{Header: blk.Header, Txs: blk.Txs}
	bad.Header.MerkleRoot = chainhash.Hash{0xde, 0xad}
	return bad
}

func TestLocalMerkleFailureFallsBackToFullBlock(t *testing.T) {
	h := newHarness(t, nil)
	r := h.start(1)

	blk := withBadRoot(makeBlock(13, 3))
	for _, tx := range blk.Txs[1:] {
		h.pool.Add(tx)
	}
	c, err := NewCompactBlock(blk, 1)
	require.NoError(t, err)
	r.deliverCompact(t, c)

	// Treated as a short id collision: no round trip, no penalty.
	waitHash(t, h.fetcher.got, blk.Hash())
	r.out.expectNothing(t)
	require.Empty(t, r.snapshot(t).Blocks)
	require.Empty(t, h.peers.violations(1))
	require.Zero(t, h.peers.policy.Score(1))
	require.False(t, h.peers.isDisconnected(1))
	require.Zero(t, h.acc.count())
}

func TestPrefilledMerkleFailureIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	r := h.start(1)

	blk := withBadRoot(makeBlock(14, 3))
	c, err := BuildHeaderAndShortIDs(blk, 1, []uint64{0, 1, 2})
	require.NoError(t, err)
	r.deliverCompact(t, c)

	require.ErrorIs(t, r.exitErr(t), p2p.ErrMerkleMismatch)
	require.Equal(t, []p2p.Violation{p2p.ViolationMerkleMismatch}, h.peers.violations(1))
	require.True(t, h.peers.isDisconnected(1))
	require.Empty(t, h.fetcher.got)
	require.Zero(t, h.acc.count())
}

func TestRenegotiationLeavesInFlightReconstruction(t *testing.T) {
	h := newHarness(t, nil)
	r := h.start(1)

	blk := makeBlock(16, 3)
	c, err := NewCompactBlock(blk, 1)
	require.NoError(t, err)
	r.deliverCompact(t, c)
	r.expectGetBlockTxn(t)

	r.deliverPayload(t, p2p.CmdSendCmpct, mustEncode(p2p.EncodeSendCmpctPayload(p2p.SendCmpctPayload{Announce: true, Version: 1})))
	r.deliverPayload(t, p2p.CmdSendCmpct, mustEncode(p2p.EncodeSendCmpctPayload(p2p.SendCmpctPayload{Announce: false, Version: 2})))

	snap := r.snapshot(t)
	require.Equal(t, AnnounceCompact, snap.Announcement.Mode())
	require.Len(t, snap.Blocks, 1)
	require.Equal(t, StateAwaitingMissingTx, snap.Blocks[0].State)
	require.Equal(t, []uint64{1, 2}, snap.Blocks[0].Missing)
	r.out.expectNothing(t)

	r.deliverBlockTxn(t, blk.Hash(), blk.Txs[1:])
	waitHash(t, h.acc.got, blk.Hash())
	require.Empty(t, h.peers.violations(1))
}

func TestCollidingShortIDsFillInResponseOrder(t *testing.T) {
	h := newHarness(t, nil)
	blk := makeBlock(17, 4)
	x, y := blk.Txs[1], blk.Txs[2]
	// y shares x's short id under every key.
	h.eng.shortID = func(k p2p.ShortIDKeys, id chainhash.Hash) p2p.ShortID {
		if id == y.ID() {
			id = x.ID()
		}
		return k.ShortID(id)
	}
	r := h.start(1)

	c, err := NewCompactBlock(blk, 1)
	require.NoError(t, err)
	c.ShortIDs[1] = c.ShortIDs[0]
	r.deliverCompact(t, c)
	require.Equal(t, []uint64{1, 2, 3}, r.expectGetBlockTxn(t).Indexes)

	extra := makeTxs(0x98, 1)
	r.deliverBlockTxn(t, blk.Hash(), []*consensus.Tx{extra[0], x, y, blk.Txs[3]})
	waitHash(t, h.acc.got, blk.Hash())
	require.Empty(t, h.peers.violations(1))
}
