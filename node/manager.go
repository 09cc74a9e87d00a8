package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"blockrelay.dev/node/p2p"
	"blockrelay.dev/node/relay"
)

var (
	ErrMaxPeers    = errors.New("node: max peers reached")
	ErrHostBanned  = errors.New("node: host is banned")
	ErrUnknownPeer = errors.New("node: unknown peer")
)

// BanStore persists bans across restarts.
type BanStore interface {
	Ban(host string, until time.Time, reason string) error
	IsBanned(host string, now time.Time) (bool, error)
}

type PeerManagerConfig struct {
	MaxPeers    int
	BanDuration time.Duration
	Whitelist   []string
}

type PeerInfo struct {
	ID      p2p.PeerID
	Addr    string
	Role    p2p.PeerRole
	Version uint32
	Score   int
}

type peerEntry struct {
	peer    *p2p.Peer
	session *relay.Session
	cancel  context.CancelFunc
	host    string
}

// PeerManager tracks connected peers. It is the relay engine's PeerControl
// and BlockFetcher.
type PeerManager struct {
	cfg    PeerManagerConfig
	policy *p2p.BanPolicy
	bans   BanStore
	log    *slog.Logger
	now    func() time.Time
	nextID atomic.Uint64

	mu        sync.RWMutex
	peers     map[p2p.PeerID]*peerEntry
	whitelist map[string]struct{}
}

func NewPeerManager(cfg PeerManagerConfig, policy *p2p.BanPolicy, bans BanStore, logger *slog.Logger) *PeerManager {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 64
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = p2p.BanDurationDefault
	}
	if logger == nil {
		logger = slog.Default()
	}
	wl := make(map[string]struct{}, len(cfg.Whitelist))
	for _, h := range cfg.Whitelist {
		wl[h] = struct{}{}
	}
	return &PeerManager{
		cfg:       cfg,
		policy:    policy,
		bans:      bans,
		log:       logger.With("component", "peers"),
		now:       time.Now,
		peers:     make(map[p2p.PeerID]*peerEntry),
		whitelist: wl,
	}
}

func (pm *PeerManager) NextID() p2p.PeerID {
	return p2p.PeerID(pm.nextID.Add(1))
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Allow reports whether a connection from or to addr may proceed.
func (pm *PeerManager) Allow(addr string) error {
	host := hostOf(addr)
	if pm.bans != nil {
		banned, err := pm.bans.IsBanned(host, pm.now())
		if err != nil {
			return err
		}
		if banned {
			return fmt.Errorf("%w: %s", ErrHostBanned, host)
		}
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if len(pm.peers) >= pm.cfg.MaxPeers {
		return ErrMaxPeers
	}
	return nil
}

func (pm *PeerManager) Add(p *p2p.Peer, s *relay.Session, cancel context.CancelFunc) error {
	if p == nil || s == nil || cancel == nil {
		return errors.New("node: add peer: nil argument")
	}
	host := hostOf(p.Addr())
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if len(pm.peers) >= pm.cfg.MaxPeers {
		return ErrMaxPeers
	}
	if _, ok := pm.whitelist[host]; ok {
		pm.policy.Protect(p.ID)
	}
	pm.peers[p.ID] = &peerEntry{peer: p, session: s, cancel: cancel, host: host}
	return nil
}

func (pm *PeerManager) Remove(id p2p.PeerID) {
	pm.mu.Lock()
	delete(pm.peers, id)
	pm.mu.Unlock()
	pm.policy.Forget(id)
}

func (pm *PeerManager) entry(id p2p.PeerID) (*peerEntry, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	e, ok := pm.peers[id]
	return e, ok
}

// RecordMisbehavior scores a violation and persists a ban when the score
// crosses the threshold.
func (pm *PeerManager) RecordMisbehavior(id p2p.PeerID, v p2p.Violation, err error) p2p.Action {
	act := pm.policy.Record(id, v)
	if act.Ban {
		pm.BanPeer(id, v.String())
	}
	if v.Severity() == p2p.SeverityFatal {
		pm.log.Warn("peer misbehaved", "peer", id.String(), "violation", v.String(), "err", err, "score", act.Score)
	}
	return act
}

// BanPeer bans the host behind id for the configured duration.
func (pm *PeerManager) BanPeer(id p2p.PeerID, reason string) {
	e, ok := pm.entry(id)
	if !ok {
		return
	}
	if _, protected := pm.whitelist[e.host]; protected {
		return
	}
	until := pm.now().Add(pm.cfg.BanDuration)
	if pm.bans != nil {
		if err := pm.bans.Ban(e.host, until, reason); err != nil {
			pm.log.Error("ban write failed", "host", e.host, "err", err)
			return
		}
	}
	pm.log.Info("banned peer", "peer", id.String(), "host", e.host, "until", until, "reason", reason)
}

func (pm *PeerManager) Disconnect(id p2p.PeerID) {
	e, ok := pm.entry(id)
	if !ok {
		return
	}
	e.cancel()
	_ = e.peer.Close()
}

// RequestFullBlock sends getdata(MSG_BLOCK) to the peer that announced hash.
func (pm *PeerManager) RequestFullBlock(id p2p.PeerID, hash chainhash.Hash) error {
	e, ok := pm.entry(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	payload, err := p2p.EncodeInvPayload([]p2p.InvVector{{Type: p2p.InvTypeBlock, Hash: hash}})
	if err != nil {
		return err
	}
	return e.peer.Send(p2p.CmdGetData, payload)
}

// Sessions returns the relay sessions of all connected peers.
func (pm *PeerManager) Sessions() []*relay.Session {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]*relay.Session, 0, len(pm.peers))
	for _, e := range pm.peers {
		out = append(out, e.session)
	}
	return out
}

func (pm *PeerManager) Snapshot() []PeerInfo {
	pm.mu.RLock()
	out := make([]PeerInfo, 0, len(pm.peers))
	for id, e := range pm.peers {
		out = append(out, PeerInfo{
			ID:      id,
			Addr:    e.peer.Addr(),
			Role:    e.peer.Role,
			Version: e.peer.PeerVersion.ProtocolVersion,
		})
	}
	pm.mu.RUnlock()
	for i := range out {
		out[i].Score = pm.policy.Score(out[i].ID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
