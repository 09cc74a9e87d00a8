package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ErrPeerBanned is returned by Run when the peer's score crossed BanThreshold
// and the peer is not protected.
var ErrPeerBanned = errors.New("p2p: peer banned")

type PeerRole int

const (
	PeerRoleUnknown PeerRole = iota
	PeerRoleInbound
	PeerRoleOutbound
)

func (r PeerRole) String() string {
	switch r {
	case PeerRoleInbound:
		return "inbound"
	case PeerRoleOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// MessageHandler receives every message the peer loop does not handle
// itself. A returned error ends the loop and is returned from Run.
type MessageHandler interface {
	HandleMessage(ctx context.Context, peer *Peer, msg *Message) error
}

type MessageHandlerFunc func(ctx context.Context, peer *Peer, msg *Message) error

func (f MessageHandlerFunc) HandleMessage(ctx context.Context, peer *Peer, msg *Message) error {
	return f(ctx, peer, msg)
}

type PeerConfig struct {
	Magic   uint32
	Genesis chainhash.Hash

	OurVersion VersionPayload

	// IdleTimeout, if non-zero, sets a read deadline per message to avoid stuck connections.
	IdleTimeout time.Duration

	Logger *slog.Logger
}

type Peer struct {
	ID     PeerID
	Conn   net.Conn
	Role   PeerRole
	Config PeerConfig

	PeerVersion VersionPayload

	policy  *BanPolicy
	log     *slog.Logger
	writeMu sync.Mutex
}

func NewPeer(id PeerID, conn net.Conn, role PeerRole, cfg PeerConfig, policy *BanPolicy) (*Peer, error) {
	if conn == nil {
		return nil, fmt.Errorf("p2p: peer: nil conn")
	}
	if policy == nil {
		return nil, fmt.Errorf("p2p: peer: nil ban policy")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Peer{
		ID:     id,
		Conn:   conn,
		Role:   role,
		Config: cfg,
		policy: policy,
		log:    logger.With("peer", id.String(), "addr", conn.RemoteAddr().String(), "role", role.String()),
	}, nil
}

func (p *Peer) Handshake() error {
	res, err := Handshake(p.Conn, p.Config.Magic, p.Config.OurVersion, p.Config.Genesis)
	if err != nil {
		return err
	}
	p.PeerVersion = res.PeerVersion
	p.log.Debug("handshake complete", "version", res.PeerVersion.ProtocolVersion, "agent", res.PeerVersion.UserAgent)
	return nil
}

// Send writes one message. It is safe to call from multiple goroutines.
func (p *Peer) Send(command string, payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return WriteMessage(p.Conn, p.Config.Magic, command, payload)
}

func (p *Peer) Addr() string {
	return p.Conn.RemoteAddr().String()
}

func (p *Peer) Close() error {
	return p.Conn.Close()
}

// Run reads messages until ctx is done, the connection fails, or the handler
// returns an error. Ping is answered inline. The handshake must already have
// completed.
func (p *Peer) Run(ctx context.Context, h MessageHandler) error {
	if h == nil {
		return fmt.Errorf("p2p: peer: nil handler")
	}

	// Closing the conn is the only way to unblock a pending read.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p.Config.IdleTimeout > 0 {
			_ = p.Conn.SetReadDeadline(time.Now().Add(p.Config.IdleTimeout))
		}
		msg, rerr := ReadMessage(p.Conn, p.Config.Magic)
		if rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			act := p.policy.AddScore(p.ID, rerr.BanScoreDelta, rerr.Disconnect)
			if act.Ban {
				return fmt.Errorf("%w (score=%d): %w", ErrPeerBanned, act.Score, rerr.Err)
			}
			if act.Disconnect {
				return rerr
			}
			p.log.Debug("dropped malformed message", "err", rerr.Err, "score", act.Score)
			continue
		}

		if p.policy.Throttled(p.ID) {
			time.Sleep(ThrottleDelay)
		}

		switch msg.Command {
		case CmdPing:
			pp, err := DecodePingPayload(msg.Payload)
			if err != nil {
				if act := p.policy.Record(p.ID, ViolationDecode); act.Ban {
					return fmt.Errorf("%w: %w", ErrPeerBanned, err)
				}
				return err
			}
			pong, err := EncodePongPayload(PongPayload{Nonce: pp.Nonce})
			if err != nil {
				return err
			}
			if err := p.Send(CmdPong, pong); err != nil {
				return err
			}
		case CmdPong, CmdVersion, CmdVerack:
			continue
		default:
			if err := h.HandleMessage(ctx, p, msg); err != nil {
				return err
			}
		}
	}
}
