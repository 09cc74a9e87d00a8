// Package node runs a compact block relay node: it accepts and dials
// connections, gives every peer a relay session and connects the blocks the
// sessions assemble.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"

	"blockrelay.dev/consensus"
	"blockrelay.dev/node/p2p"
	"blockrelay.dev/node/relay"
	"blockrelay.dev/node/store"
	"blockrelay.dev/node/txpool"
)

const (
	UserAgent = "/blockrelay:0.1.0/"

	dialTimeout       = 10 * time.Second
	announceTimeout   = time.Second
	announceQueueSize = 64
	banSweepInterval  = time.Minute
)

type Node struct {
	cfg     Config
	log     *slog.Logger
	db      *store.DB
	genesis *consensus.Block
	magic   uint32
	nonce   uint64

	pool   *txpool.Pool
	chain  *Chain
	policy *p2p.BanPolicy
	peers  *PeerManager
	engine *relay.Engine

	announce chan *consensus.Block
	ready    chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	ln     net.Listener
	runCtx context.Context
}

var ErrNotRunning = errors.New("node: not running")

// New wires a node over an open store. reg may be nil to use the default
// metrics registry.
func New(cfg Config, db *store.DB, logger *slog.Logger, reg metrics.Registry) (*Node, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if db == nil {
		return nil, errors.New("node: nil store")
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := txpool.New(txpool.Config{RecentTxs: cfg.RecentTxCache})
	if err != nil {
		return nil, err
	}
	genesis := GenesisBlock(cfg.Network)
	chain, err := LoadChain(db, genesis, pool, logger)
	if err != nil {
		return nil, err
	}
	policy := p2p.NewBanPolicy(nil)
	peers := NewPeerManager(PeerManagerConfig{
		MaxPeers:    cfg.MaxPeers,
		BanDuration: cfg.BanDuration,
		Whitelist:   cfg.Whitelist,
	}, policy, db, logger)

	engine, err := relay.NewEngine(relay.Config{
		ResponseTimeout:    cfg.CompactResponseTimeout,
		MaxInFlightPerPeer: cfg.MaxInFlightPerPeer,
		RecentBlocks:       cfg.RecentBlockCache,
		Logger:             logger,
		Metrics:            reg,
	}, relay.Dependencies{
		Txs:      pool,
		Chain:    chain,
		Acceptor: chain,
		Fetcher:  peers,
		Peers:    peers,
		Blocks:   chain,
	})
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:      cfg,
		log:      logger.With("component", "node"),
		db:       db,
		genesis:  genesis,
		magic:    NetworkMagic(cfg.Network),
		nonce:    rand.Uint64(),
		pool:     pool,
		chain:    chain,
		policy:   policy,
		peers:    peers,
		engine:   engine,
		announce: make(chan *consensus.Block, announceQueueSize),
		ready:    make(chan struct{}),
	}
	chain.OnAccept(n.enqueueAnnouncement)
	return n, nil
}

func (n *Node) Chain() *Chain          { return n.chain }
func (n *Node) Pool() *txpool.Pool     { return n.pool }
func (n *Node) Peers() *PeerManager    { return n.peers }
func (n *Node) Ready() <-chan struct{} { return n.ready }

// Addr is the listening address, valid once Ready is closed.
func (n *Node) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ln == nil {
		return nil
	}
	return n.ln.Addr()
}

// Run listens on the bind address, dials the configured peers and serves
// until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("node: listen %s: %w", n.cfg.BindAddr, err)
	}
	n.mu.Lock()
	n.ln = ln
	n.runCtx = ctx
	n.mu.Unlock()
	close(n.ready)
	n.log.Info("listening", "addr", ln.Addr().String(), "network", n.cfg.Network)

	n.wg.Add(3)
	go func() {
		defer n.wg.Done()
		n.acceptLoop(ctx, ln)
	}()
	go func() {
		defer n.wg.Done()
		n.announceLoop(ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.sweepBans(ctx)
	}()
	for _, addr := range n.cfg.Peers {
		if err := n.Connect(ctx, addr); err != nil {
			n.log.Warn("dial failed", "addr", addr, "err", err)
		}
	}

	<-ctx.Done()
	_ = ln.Close()
	n.mu.Lock()
	n.runCtx = nil
	n.mu.Unlock()
	n.wg.Wait()
	return nil
}

// Connect dials addr and serves the connection in the background until Run
// returns. ctx bounds the dial only.
func (n *Node) Connect(ctx context.Context, addr string) error {
	n.mu.Lock()
	runCtx := n.runCtx
	if runCtx == nil {
		n.mu.Unlock()
		return ErrNotRunning
	}
	n.wg.Add(1)
	n.mu.Unlock()

	conn, err := n.dial(ctx, addr)
	if err != nil {
		n.wg.Done()
		return err
	}
	go func() {
		defer n.wg.Done()
		n.servePeer(runCtx, conn, p2p.PeerRoleOutbound)
	}()
	return nil
}

func (n *Node) dial(ctx context.Context, addr string) (net.Conn, error) {
	if err := n.peers.Allow(addr); err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: dialTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

func (n *Node) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				n.log.Error("accept failed", "err", err)
			}
			return
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.servePeer(ctx, conn, p2p.PeerRoleInbound)
		}()
	}
}

func (n *Node) peerConfig() p2p.PeerConfig {
	_, height := n.chain.Tip()
	return p2p.PeerConfig{
		Magic:   n.magic,
		Genesis: n.genesis.Hash(),
		OurVersion: p2p.VersionPayload{
			Timestamp:   uint64(time.Now().Unix()),
			Nonce:       n.nonce,
			UserAgent:   UserAgent,
			StartHeight: uint32(height),
			Relay:       true,
		},
		Logger: n.log,
	}
}

// servePeer owns conn from handshake to disconnect.
func (n *Node) servePeer(ctx context.Context, conn net.Conn, role p2p.PeerRole) {
	defer conn.Close()
	// Handshake reads do not watch ctx.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	log := n.log.With("addr", conn.RemoteAddr().String(), "role", role.String())

	if role == p2p.PeerRoleInbound {
		if err := n.peers.Allow(conn.RemoteAddr().String()); err != nil {
			log.Debug("refusing connection", "err", err)
			return
		}
	}
	id := n.peers.NextID()
	peer, err := p2p.NewPeer(id, conn, role, n.peerConfig(), n.policy)
	if err != nil {
		log.Error("peer setup failed", "err", err)
		return
	}
	if err := peer.Handshake(); err != nil {
		log.Debug("handshake failed", "err", err)
		return
	}

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess := n.engine.NewSession(id, peer)
	if err := n.peers.Add(peer, sess, cancel); err != nil {
		log.Debug("dropping peer", "err", err)
		return
	}
	defer n.peers.Remove(id)
	log = log.With("peer", id.String())
	log.Info("peer connected", "agent", peer.PeerVersion.UserAgent, "height", peer.PeerVersion.StartHeight)

	sessErr := make(chan error, 1)
	go func() {
		sessErr <- sess.Run(pctx)
		cancel()
	}()
	err = peer.Run(pctx, n.handler(sess))
	cancel()
	relayErr := <-sessErr

	if errors.Is(err, p2p.ErrPeerBanned) {
		n.peers.BanPeer(id, p2p.ViolationFraming.String())
	}
	log.Info("peer disconnected", "err", err, "relay_err", relayErr)
}

// handler routes transactions to the pool and everything else to the
// peer's relay session.
func (n *Node) handler(sess *relay.Session) p2p.MessageHandler {
	return p2p.MessageHandlerFunc(func(ctx context.Context, p *p2p.Peer, msg *p2p.Message) error {
		switch msg.Command {
		case p2p.CmdTx:
			tx, used, err := consensus.ParseTxPrefix(msg.Payload)
			if err == nil && used != len(msg.Payload) {
				err = errors.New("trailing bytes")
			}
			if err != nil {
				err = fmt.Errorf("%w: tx: %w", p2p.ErrDecode, err)
				if act := n.peers.RecordMisbehavior(p.ID, p2p.ViolationDecode, err); act.Disconnect {
					return err
				}
				return nil
			}
			n.pool.Add(tx)
			return nil
		case p2p.CmdGetHeaders, p2p.CmdNotFound:
			return nil
		default:
			return sess.Deliver(ctx, msg)
		}
	})
}

// SubmitBlock connects a locally produced block and announces it.
func (n *Node) SubmitBlock(blk *consensus.Block) error {
	return n.chain.AcceptBlock(blk)
}

func (n *Node) enqueueAnnouncement(blk *consensus.Block) {
	select {
	case n.announce <- blk:
	default:
		n.log.Warn("announce queue full, dropping", "block", blk.Hash().String())
	}
}

func (n *Node) announceLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case blk := <-n.announce:
			for _, s := range n.peers.Sessions() {
				actx, cancel := context.WithTimeout(ctx, announceTimeout)
				if err := s.AnnounceBlock(actx, blk); err != nil {
					n.log.Debug("announce skipped", "peer", s.Peer().String(), "err", err)
				}
				cancel()
			}
		}
	}
}

func (n *Node) sweepBans(ctx context.Context) {
	t := time.NewTicker(banSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			removed, err := n.db.SweepBans(now)
			if err != nil {
				n.log.Error("ban sweep failed", "err", err)
				continue
			}
			if removed > 0 {
				n.log.Debug("expired bans removed", "count", removed)
			}
		}
	}
}
