package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/require"

	"blockrelay.dev/consensus"
	"blockrelay.dev/node/p2p"
	"blockrelay.dev/node/txpool"
)

var tipHash = chainhash.Hash{0x11}

func makeTxs(salt byte, n int) []*consensus.Tx {
	txs := make([]*consensus.Tx, n)
	for i := range txs {
		txs[i] = consensus.NewTx([]byte{salt, byte(i), byte(i >> 8), 0x5a})
	}
	return txs
}

// makeBlock builds a block on tipHash whose header commits to its txs.
func makeBlock(salt byte, n int) *consensus.Block {
	txs := makeTxs(salt, n)
	ids := make([]chainhash.Hash, n)
	for i, tx := range txs {
		ids[i] = tx.ID()
	}
	root, _ := consensus.MerkleRoot(ids)
	return &consensus.Block{
		Header: consensus.BlockHeader{
			Version:    1,
			PrevBlock:  tipHash,
			MerkleRoot: root,
			Timestamp:  1_700_000_000 + uint32(salt),
			Bits:       0x207fffff,
			Nonce:      uint64(salt),
		},
		Txs: txs,
	}
}

type fakeChain struct {
	mu    sync.Mutex
	have  map[chainhash.Hash]bool
	stale map[chainhash.Hash]bool
}

func (c *fakeChain) HeaderExtendsKnownChain(h consensus.BlockHeader) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.stale[h.Hash()]
}

func (c *fakeChain) HaveBlock(hash chainhash.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.have[hash]
}

func (c *fakeChain) markStale(hash chainhash.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stale[hash] = true
}

type fakeAcceptor struct {
	mu       sync.Mutex
	accepted []*consensus.Block
	reject   error
	got      chan chainhash.Hash
}

func (a *fakeAcceptor) AcceptBlock(blk *consensus.Block) error {
	a.mu.Lock()
	err := a.reject
	if err == nil {
		a.accepted = append(a.accepted, blk)
	}
	a.mu.Unlock()
	if err == nil {
		a.got <- blk.Hash()
	}
	return err
}

func (a *fakeAcceptor) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.accepted)
}

type misbehavior struct {
	peer p2p.PeerID
	v    p2p.Violation
	err  error
}

type fakePeers struct {
	policy       *p2p.BanPolicy
	mu           sync.Mutex
	records      []misbehavior
	disconnected map[p2p.PeerID]bool
}

func (p *fakePeers) RecordMisbehavior(peer p2p.PeerID, v p2p.Violation, err error) p2p.Action {
	p.mu.Lock()
	p.records = append(p.records, misbehavior{peer: peer, v: v, err: err})
	p.mu.Unlock()
	return p.policy.Record(peer, v)
}

func (p *fakePeers) Disconnect(peer p2p.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected[peer] = true
}

func (p *fakePeers) isDisconnected(peer p2p.PeerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnected[peer]
}

func (p *fakePeers) violations(peer p2p.PeerID) []p2p.Violation {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []p2p.Violation
	for _, r := range p.records {
		if r.peer == peer {
			out = append(out, r.v)
		}
	}
	return out
}

type fakeFetcher struct {
	got chan chainhash.Hash
}

func (f *fakeFetcher) RequestFullBlock(_ p2p.PeerID, hash chainhash.Hash) error {
	f.got <- hash
	return nil
}

type fakeBlocks struct {
	mu     sync.Mutex
	blocks map[chainhash.Hash]*consensus.Block
}

func (b *fakeBlocks) BlockByHash(hash chainhash.Hash) (*consensus.Block, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	blk, ok := b.blocks[hash]
	return blk, ok
}

func (b *fakeBlocks) put(blk *consensus.Block) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocks[blk.Hash()] = blk
}

// sink collects what a session sends to its peer.
type sink struct {
	msgs chan *p2p.Message
}

func newSink() *sink {
	return &sink{msgs: make(chan *p2p.Message, 64)}
}

func (s *sink) Send(command string, payload []byte) error {
	s.msgs <- &p2p.Message{Command: command, Payload: append([]byte(nil), payload...)}
	return nil
}

func (s *sink) expect(t *testing.T, command string) *p2p.Message {
	t.Helper()
	select {
	case msg := <-s.msgs:
		require.Equal(t, command, msg.Command)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s sent", command)
		return nil
	}
}

func (s *sink) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case msg := <-s.msgs:
		t.Fatalf("unexpected %s", msg.Command)
	case <-time.After(50 * time.Millisecond):
	}
}

type harness struct {
	t       *testing.T
	eng     *Engine
	pool    *txpool.Pool
	chain   *fakeChain
	acc     *fakeAcceptor
	peers   *fakePeers
	fetcher *fakeFetcher
	blocks  *fakeBlocks
	reg     metrics.Registry
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	pool, err := txpool.New(txpool.DefaultConfig())
	require.NoError(t, err)
	h := &harness{
		t:       t,
		pool:    pool,
		chain:   &fakeChain{have: map[chainhash.Hash]bool{}, stale: map[chainhash.Hash]bool{}},
		acc:     &fakeAcceptor{got: make(chan chainhash.Hash, 16)},
		peers:   &fakePeers{policy: p2p.NewBanPolicy(nil), disconnected: map[p2p.PeerID]bool{}},
		fetcher: &fakeFetcher{got: make(chan chainhash.Hash, 16)},
		blocks:  &fakeBlocks{blocks: map[chainhash.Hash]*consensus.Block{}},
		reg:     metrics.NewRegistry(),
	}
	cfg := DefaultConfig()
	cfg.Metrics = h.reg
	cfg.Nonce = func() uint64 { return 7 }
	if mutate != nil {
		mutate(&cfg)
	}
	h.eng, err = NewEngine(cfg, Dependencies{
		Txs:      h.pool,
		Chain:    h.chain,
		Acceptor: h.acc,
		Fetcher:  h.fetcher,
		Peers:    h.peers,
		Blocks:   h.blocks,
	})
	require.NoError(t, err)
	return h
}

type running struct {
	s    *Session
	out  *sink
	errc chan error
}

// start runs a session for peer and negotiates compact relay on it. The
// session is stopped when the test ends.
func (h *harness) start(peer p2p.PeerID) *running {
	h.t.Helper()
	r := h.startRaw(peer)
	r.deliverPayload(h.t, p2p.CmdSendCmpct, mustEncode(p2p.EncodeSendCmpctPayload(p2p.SendCmpctPayload{Version: 1})))
	return r
}

// startRaw runs a session without answering its sendcmpct.
func (h *harness) startRaw(peer p2p.PeerID) *running {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	out := newSink()
	r := &running{s: h.eng.NewSession(peer, out), out: out, errc: make(chan error, 1)}
	go func() { r.errc <- r.s.Run(ctx) }()
	h.t.Cleanup(func() {
		cancel()
		<-r.s.Done()
	})

	msg := r.out.expect(h.t, p2p.CmdSendCmpct)
	p, err := p2p.DecodeSendCmpctPayload(msg.Payload)
	require.NoError(h.t, err)
	require.Equal(h.t, p2p.SendCmpctPayload{Announce: false, Version: 1}, *p)
	return r
}

func (r *running) deliverPayload(t *testing.T, command string, payload []byte) {
	t.Helper()
	require.NoError(t, r.s.Deliver(context.Background(), &p2p.Message{Command: command, Payload: payload}))
}

func (r *running) deliverCompact(t *testing.T, c *p2p.HeaderAndShortIDs) {
	t.Helper()
	r.deliverPayload(t, p2p.CmdCmpctBlock, mustEncode(p2p.EncodeCmpctBlockPayload(c)))
}

func (r *running) deliverBlockTxn(t *testing.T, hash chainhash.Hash, txs []*consensus.Tx) {
	t.Helper()
	r.deliverPayload(t, p2p.CmdBlockTxn, mustEncode(p2p.EncodeBlockTxnPayload(p2p.BlockTxnPayload{BlockHash: hash, Txs: txs})))
}

func (r *running) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := r.s.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func (r *running) exitErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not stop")
		return nil
	}
}

func (r *running) expectGetBlockTxn(t *testing.T) *p2p.GetBlockTxnPayload {
	t.Helper()
	req, err := p2p.DecodeGetBlockTxnPayload(r.out.expect(t, p2p.CmdGetBlockTxn).Payload)
	require.NoError(t, err)
	return req
}

func waitHash(t *testing.T, ch <-chan chainhash.Hash, want chainhash.Hash) {
	t.Helper()
	select {
	case got := <-ch:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func mustEncode(b []byte, err error) []byte {
	if err != nil {
		panic(err)
	}
	return b
}

func counter(reg metrics.Registry, name string) int64 {
	c, ok := reg.Get(name).(metrics.Counter)
	if !ok {
		return 0
	}
	return c.Count()
}

var errRejected = errors.New("rejected by consensus")
