package p2p

import (
	"fmt"
	"net"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	HandshakeTimeout = 10 * time.Second
)

type HandshakeResult struct {
	PeerVersion VersionPayload
	Ready       bool
}

// Handshake performs the version/verack exchange:
// - send version
// - receive and validate the peer version (genesis match, minimum version, not ourselves)
// - exchange verack
//
// It returns an error for any handshake failure. The caller is responsible for closing conn.
func Handshake(
	conn net.Conn,
	magic uint32,
	ourVersion VersionPayload,
	genesis chainhash.Hash,
) (*HandshakeResult, error) {
	if conn == nil {
		return nil, fmt.Errorf("p2p: handshake: nil conn")
	}

	ourVersion.ProtocolVersion = ProtocolVersion
	ourVersion.GenesisHash = genesis

	versionPayload, err := EncodeVersionPayload(ourVersion)
	if err != nil {
		return nil, err
	}
	if err := WriteMessage(conn, magic, CmdVersion, versionPayload); err != nil {
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var peerVersion *VersionPayload
	for peerVersion == nil {
		msg, rerr := ReadMessage(conn, magic)
		if rerr != nil {
			// checksum mismatch and similar are surfaced as non-disconnect errors.
			if !rerr.Disconnect {
				continue
			}
			return nil, rerr
		}
		switch msg.Command {
		case CmdVersion:
			v, err := DecodeVersionPayload(msg.Payload)
			if err != nil {
				return nil, err
			}
			if v.GenesisHash != genesis {
				return nil, fmt.Errorf("p2p: handshake: genesis mismatch")
			}
			if v.ProtocolVersion < MinCompactBlocksVersion {
				return nil, fmt.Errorf("p2p: handshake: protocol_version %d below %d", v.ProtocolVersion, MinCompactBlocksVersion)
			}
			if v.Nonce == ourVersion.Nonce {
				return nil, fmt.Errorf("p2p: handshake: connected to self")
			}
			peerVersion = v
		default:
			// Early verack and anything unsolicited is ignored.
			continue
		}
	}

	if err := WriteMessage(conn, magic, CmdVerack, nil); err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))

	for {
		msg, rerr := ReadMessage(conn, magic)
		if rerr != nil {
			if !rerr.Disconnect {
				continue
			}
			return nil, rerr
		}
		switch msg.Command {
		case CmdVerack:
			if len(msg.Payload) != 0 {
				return nil, fmt.Errorf("p2p: handshake: verack payload must be empty")
			}
			return &HandshakeResult{PeerVersion: *peerVersion, Ready: true}, nil
		case CmdVersion:
			return nil, fmt.Errorf("p2p: handshake: duplicate version")
		default:
			continue
		}
	}
}
