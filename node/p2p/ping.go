package p2p

import "encoding/binary"

type PingPayload struct {
	Nonce uint64
}

func EncodePingPayload(p PingPayload) ([]byte, error) {
	var out [8]byte
	binary.LittleEndian.PutUint64(out[:], p.Nonce)
	return out[:], nil
}

func DecodePingPayload(b []byte) (*PingPayload, error) {
	if len(b) != 8 {
		return nil, decodeErr(CmdPing, "invalid payload length %d", len(b))
	}
	return &PingPayload{Nonce: binary.LittleEndian.Uint64(b)}, nil
}

type PongPayload struct {
	Nonce uint64
}

func EncodePongPayload(p PongPayload) ([]byte, error) {
	return EncodePingPayload(PingPayload{Nonce: p.Nonce})
}

func DecodePongPayload(b []byte) (*PongPayload, error) {
	if len(b) != 8 {
		return nil, decodeErr(CmdPong, "invalid payload length %d", len(b))
	}
	return &PongPayload{Nonce: binary.LittleEndian.Uint64(b)}, nil
}
