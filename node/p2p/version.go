package p2p

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// ProtocolVersion is advertised in our version message.
	ProtocolVersion = 70015
	// MinCompactBlocksVersion is the lowest peer version that may be sent
	// sendcmpct or cmpctblock.
	MinCompactBlocksVersion = 70014
	MaxUserAgentBytes       = 256
)

type VersionPayload struct {
	ProtocolVersion uint32
	GenesisHash     chainhash.Hash
	PeerServices    uint64
	Timestamp       uint64
	Nonce           uint64
	UserAgent       string
	StartHeight     uint32
	Relay           bool
}

func EncodeVersionPayload(v VersionPayload) ([]byte, error) {
	if len(v.UserAgent) > MaxUserAgentBytes {
		return nil, fmt.Errorf("p2p: version: user_agent too long")
	}
	if !utf8.ValidString(v.UserAgent) {
		return nil, fmt.Errorf("p2p: version: user_agent must be UTF-8")
	}

	out := make([]byte, 0, 4+32+8+8+8+9+len(v.UserAgent)+4+1)
	out = binary.LittleEndian.AppendUint32(out, v.ProtocolVersion)
	out = append(out, v.GenesisHash[:]...)
	out = binary.LittleEndian.AppendUint64(out, v.PeerServices)
	out = binary.LittleEndian.AppendUint64(out, v.Timestamp)
	out = binary.LittleEndian.AppendUint64(out, v.Nonce)
	out = append(out, encodeCompactSize(uint64(len(v.UserAgent)))...)
	out = append(out, v.UserAgent...)
	out = binary.LittleEndian.AppendUint32(out, v.StartHeight)
	if v.Relay {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return out, nil
}

func DecodeVersionPayload(b []byte) (*VersionPayload, error) {
	r := newPayloadReader(CmdVersion, b)
	var v VersionPayload
	head, err := r.take(4, "protocol_version")
	if err != nil {
		return nil, err
	}
	v.ProtocolVersion = binary.LittleEndian.Uint32(head)
	if v.GenesisHash, err = r.hash(); err != nil {
		return nil, err
	}
	if v.PeerServices, err = r.u64(); err != nil {
		return nil, err
	}
	if v.Timestamp, err = r.u64(); err != nil {
		return nil, err
	}
	if v.Nonce, err = r.u64(); err != nil {
		return nil, err
	}
	uaLen, err := r.compactSize("user_agent_len")
	if err != nil {
		return nil, err
	}
	if uaLen > MaxUserAgentBytes {
		return nil, decodeErr(CmdVersion, "user_agent_len exceeds MaxUserAgentBytes")
	}
	ua, err := r.take(int(uaLen), "user_agent")
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(ua) {
		return nil, decodeErr(CmdVersion, "user_agent must be UTF-8")
	}
	v.UserAgent = string(ua)
	tail, err := r.take(5, "start_height/relay")
	if err != nil {
		return nil, err
	}
	v.StartHeight = binary.LittleEndian.Uint32(tail[:4])
	if tail[4] > 1 {
		return nil, decodeErr(CmdVersion, "relay must be 0 or 1")
	}
	v.Relay = tail[4] == 1
	if err := r.done(); err != nil {
		return nil, err
	}
	return &v, nil
}
