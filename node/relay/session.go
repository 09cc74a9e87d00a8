package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	lru "github.com/hashicorp/golang-lru/v2"

	"blockrelay.dev/consensus"
	"blockrelay.dev/node/p2p"
)

const (
	peerKnownBlocks    = 512
	recentOutcomeCache = 128
)

// ErrSessionClosed is returned by the input methods once Run has exited.
var ErrSessionClosed = errors.New("relay: session closed")

// ViolationError is a peer fault found while handling its messages.
type ViolationError struct {
	Violation p2p.Violation
	Err       error
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Violation, e.Err)
}

func (e *ViolationError) Unwrap() error { return e.Err }

func violation(v p2p.Violation, err error) error {
	return &ViolationError{Violation: v, Err: err}
}

// classify wraps a codec error with the violation its kind maps to.
func classify(err error) error {
	v := p2p.ClassifyError(err)
	if v == p2p.ViolationNone {
		v = p2p.ViolationDecode
	}
	return violation(v, err)
}

type event interface{}

type msgEvent struct {
	msg *p2p.Message
}

type announceEvent struct {
	blk *consensus.Block
}

type timeoutEvent struct {
	hash chainhash.Hash
	gen  uint64
}

type snapshotEvent struct {
	reply chan Snapshot
}

// BlockState describes one in-flight reconstruction.
type BlockState struct {
	Hash    chainhash.Hash
	State   State
	TxCount int
	Missing []uint64
}

type Snapshot struct {
	Peer         p2p.PeerID
	Announcement Announcement
	Blocks       []BlockState
	// Finished holds the terminal state of recently ended reconstructions.
	Finished map[chainhash.Hash]State
}

// Session is the relay actor for one connection. All fields below inbox are
// owned by the Run goroutine.
type Session struct {
	eng  *Engine
	peer p2p.PeerID
	out  Sender
	log  *slog.Logger

	inbox     chan event
	done      chan struct{}
	closeOnce sync.Once

	announce  Announcement
	blocks    map[chainhash.Hash]*reconstruction
	timers    map[chainhash.Hash]*time.Timer
	gen       uint64
	peerKnows *lru.Cache[chainhash.Hash, struct{}]
	recent    *lru.Cache[chainhash.Hash, State]
}

func newSession(e *Engine, peer p2p.PeerID, out Sender) *Session {
	// Sizes are positive constants, so New cannot fail.
	peerKnows, _ := lru.New[chainhash.Hash, struct{}](peerKnownBlocks)
	recent, _ := lru.New[chainhash.Hash, State](recentOutcomeCache)
	return &Session{
		eng:       e,
		peer:      peer,
		out:       out,
		log:       e.log.With("peer", peer.String()),
		inbox:     make(chan event, e.cfg.InboxSize),
		done:      make(chan struct{}),
		blocks:    make(map[chainhash.Hash]*reconstruction),
		timers:    make(map[chainhash.Hash]*time.Timer),
		peerKnows: peerKnows,
		recent:    recent,
	}
}

func (s *Session) Peer() p2p.PeerID { return s.peer }

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run announces compact block support and processes events until ctx is
// done or the peer commits a violation that requires disconnecting it.
// Run must be called once.
func (s *Session) Run(ctx context.Context) error {
	defer s.shutdown()

	if err := s.sendSendCmpct(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.inbox:
			if err := s.dispatch(ev); err != nil {
				if s.report(err) {
					return err
				}
			}
		}
	}
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() { close(s.done) })
	for hash, t := range s.timers {
		t.Stop()
		delete(s.timers, hash)
	}
	clear(s.blocks)
}

func (s *Session) post(ctx context.Context, ev event) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.inbox <- ev:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver queues a message from the peer.
func (s *Session) Deliver(ctx context.Context, msg *p2p.Message) error {
	return s.post(ctx, msgEvent{msg: msg})
}

// HandleMessage lets a session serve directly as a peer's message handler.
func (s *Session) HandleMessage(ctx context.Context, _ *p2p.Peer, msg *p2p.Message) error {
	return s.Deliver(ctx, msg)
}

// AnnounceBlock queues a newly accepted block for announcement to the peer.
func (s *Session) AnnounceBlock(ctx context.Context, blk *consensus.Block) error {
	return s.post(ctx, announceEvent{blk: blk})
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := s.post(ctx, snapshotEvent{reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-s.done:
		return Snapshot{}, ErrSessionClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// report passes a handler error to PeerControl and reports whether the
// session must end. Errors that are not violations are local I/O failures
// and always end it.
func (s *Session) report(err error) bool {
	var ve *ViolationError
	if !errors.As(err, &ve) {
		s.log.Error("relay session failed", "err", err)
		return true
	}
	act := s.eng.deps.Peers.RecordMisbehavior(s.peer, ve.Violation, ve.Err)
	if ve.Violation.Severity() == p2p.SeverityFatal {
		s.log.Warn("peer violation", "violation", ve.Violation.String(), "err", ve.Err, "score", act.Score, "ban", act.Ban)
	} else {
		s.log.Debug("peer violation", "violation", ve.Violation.String(), "err", ve.Err)
	}
	if act.Disconnect {
		s.eng.deps.Peers.Disconnect(s.peer)
		return true
	}
	return false
}

func (s *Session) dispatch(ev event) error {
	switch ev := ev.(type) {
	case msgEvent:
		return s.handleMessage(ev.msg)
	case announceEvent:
		return s.announceBlock(ev.blk)
	case timeoutEvent:
		return s.handleTimeout(ev)
	case snapshotEvent:
		ev.reply <- s.snapshot()
		return nil
	default:
		return fmt.Errorf("relay: unknown event %T", ev)
	}
}

func (s *Session) handleMessage(msg *p2p.Message) error {
	switch msg.Command {
	case p2p.CmdSendCmpct:
		return s.handleSendCmpct(msg.Payload)
	case p2p.CmdSendHeaders:
		s.announce.SendHeaders = true
		return nil
	case p2p.CmdInv:
		return s.handleInv(msg.Payload)
	case p2p.CmdHeaders:
		return s.handleHeaders(msg.Payload)
	case p2p.CmdCmpctBlock:
		return s.handleCmpctBlock(msg.Payload)
	case p2p.CmdBlockTxn:
		return s.handleBlockTxn(msg.Payload)
	case p2p.CmdBlock:
		return s.handleBlock(msg.Payload)
	case p2p.CmdGetBlockTxn:
		return s.serveGetBlockTxn(msg.Payload)
	case p2p.CmdGetData:
		return s.serveGetData(msg.Payload)
	default:
		return nil
	}
}

func (s *Session) send(command string, payload []byte) error {
	if err := s.out.Send(command, payload); err != nil {
		return fmt.Errorf("relay: send %s: %w", command, err)
	}
	return nil
}

func (s *Session) sendSendCmpct() error {
	payload, err := p2p.EncodeSendCmpctPayload(p2p.SendCmpctPayload{Announce: false, Version: p2p.CompactBlocksVersion})
	if err != nil {
		return err
	}
	return s.send(p2p.CmdSendCmpct, payload)
}

func (s *Session) sendGetData(typ uint32, hash chainhash.Hash) error {
	payload, err := p2p.EncodeInvPayload([]p2p.InvVector{{Type: typ, Hash: hash}})
	if err != nil {
		return err
	}
	return s.send(p2p.CmdGetData, payload)
}

func (s *Session) handleSendCmpct(payload []byte) error {
	p, err := p2p.DecodeSendCmpctPayload(payload)
	if err != nil {
		return classify(err)
	}
	if s.announce.ApplySendCmpct(*p) {
		s.log.Debug("compact relay negotiated", "announce", s.announce.Announce)
	}
	return nil
}

func (s *Session) handleInv(payload []byte) error {
	vecs, err := p2p.DecodeInvPayload(payload)
	if err != nil {
		return classify(err)
	}
	for _, v := range vecs {
		if v.Type != p2p.InvTypeBlock {
			continue
		}
		s.peerKnows.Add(v.Hash, struct{}{})
		if err := s.requestBlock(v.Hash); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) handleHeaders(payload []byte) error {
	headers, err := p2p.DecodeHeadersPayload(payload)
	if err != nil {
		return classify(err)
	}
	stale := 0
	for _, h := range headers {
		hash := h.Hash()
		s.peerKnows.Add(hash, struct{}{})
		if s.eng.known(hash) {
			continue
		}
		if !s.eng.deps.Chain.HeaderExtendsKnownChain(h) {
			stale++
			continue
		}
		if err := s.requestBlock(hash); err != nil {
			return err
		}
	}
	if stale > 0 {
		s.eng.m.cmpctStale.Inc(int64(stale))
		return violation(p2p.ViolationStaleAnnouncement, fmt.Errorf("%d headers do not extend the known chain", stale))
	}
	return nil
}

// requestBlock asks the peer for a block it announced. Once compact relay is
// negotiated the request is for a compact block and is tracked with a
// timeout.
func (s *Session) requestBlock(hash chainhash.Hash) error {
	if s.eng.known(hash) {
		return nil
	}
	if st, ok := s.recent.Peek(hash); ok && st == StateFailed {
		return nil
	}
	if _, ok := s.blocks[hash]; ok {
		return nil
	}
	if !s.announce.Negotiated || len(s.blocks) >= s.eng.cfg.MaxInFlightPerPeer {
		return s.fetchFull(hash)
	}
	if err := s.sendGetData(s.announce.BlockRequestType(), hash); err != nil {
		return err
	}
	r := &reconstruction{hash: hash, state: StateAwaitingCompactBlock, started: time.Now()}
	s.blocks[hash] = r
	s.arm(r)
	return nil
}

// fetchFull falls back to an ordinary block download.
func (s *Session) fetchFull(hash chainhash.Hash) error {
	s.eng.m.fullFetch.Inc(1)
	if f := s.eng.deps.Fetcher; f != nil {
		if err := f.RequestFullBlock(s.peer, hash); err != nil {
			s.log.Error("full block request failed", "block", hash.String(), "err", err)
		}
		return nil
	}
	return s.sendGetData(p2p.InvTypeBlock, hash)
}

func (s *Session) handleBlock(payload []byte) error {
	blk, err := consensus.ParseBlock(payload)
	if err != nil {
		return violation(p2p.ViolationDecode, fmt.Errorf("%w: block: %w", p2p.ErrDecode, err))
	}
	hash := blk.Hash()
	s.peerKnows.Add(hash, struct{}{})
	s.drop(hash)
	if s.eng.known(hash) {
		return nil
	}
	if !s.eng.deps.Chain.HeaderExtendsKnownChain(blk.Header) {
		return violation(p2p.ViolationStaleAnnouncement, fmt.Errorf("block %s does not extend the known chain", hash))
	}
	if err := blk.CheckMerkleRoot(); err != nil {
		return violation(p2p.ViolationInvalidBlock, err)
	}
	switch err := s.eng.accept(blk); {
	case errors.Is(err, errRunnerUp):
		s.eng.m.runnerUp.Inc(1)
		return nil
	case err != nil:
		return violation(p2p.ViolationInvalidBlock, err)
	}
	s.log.Info("accepted full block", "block", hash.String(), "txs", len(blk.Txs))
	return nil
}

func (s *Session) announceBlock(blk *consensus.Block) error {
	hash := blk.Hash()
	if s.peerKnows.Contains(hash) {
		return nil
	}
	s.peerKnows.Add(hash, struct{}{})
	s.eng.m.announced.Inc(1)

	mode := s.announce.Mode()
	s.log.Debug("announcing block", "block", hash.String(), "mode", mode.String())
	switch mode {
	case AnnounceCompact:
		return s.sendCompact(blk)
	case AnnounceHeaders:
		payload, err := p2p.EncodeHeadersPayload([]consensus.BlockHeader{blk.Header})
		if err != nil {
			return err
		}
		return s.send(p2p.CmdHeaders, payload)
	default:
		payload, err := p2p.EncodeInvPayload([]p2p.InvVector{{Type: p2p.InvTypeBlock, Hash: hash}})
		if err != nil {
			return err
		}
		return s.send(p2p.CmdInv, payload)
	}
}

func (s *Session) arm(r *reconstruction) {
	s.gen++
	r.gen = s.gen
	if t, ok := s.timers[r.hash]; ok {
		t.Stop()
	}
	ev := timeoutEvent{hash: r.hash, gen: r.gen}
	s.timers[r.hash] = time.AfterFunc(s.eng.cfg.ResponseTimeout, func() {
		select {
		case s.inbox <- ev:
		case <-s.done:
		}
	})
}

// drop removes all state for hash.
func (s *Session) drop(hash chainhash.Hash) {
	if t, ok := s.timers[hash]; ok {
		t.Stop()
		delete(s.timers, hash)
	}
	delete(s.blocks, hash)
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		Peer:         s.peer,
		Announcement: s.announce,
		Finished:     make(map[chainhash.Hash]State, s.recent.Len()),
	}
	for _, hash := range s.recent.Keys() {
		if st, ok := s.recent.Peek(hash); ok {
			snap.Finished[hash] = st
		}
	}
	for _, r := range s.blocks {
		snap.Blocks = append(snap.Blocks, BlockState{
			Hash:    r.hash,
			State:   r.state,
			TxCount: len(r.txs),
			Missing: append([]uint64(nil), r.missing...),
		})
	}
	sort.Slice(snap.Blocks, func(i, j int) bool {
		return snap.Blocks[i].Hash.String() < snap.Blocks[j].Hash.String()
	})
	return snap
}
