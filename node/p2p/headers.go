package p2p

import (
	"fmt"

	"blockrelay.dev/consensus"
)

const MaxHeadersPerMsg = 2_000

func EncodeHeadersPayload(headers []consensus.BlockHeader) ([]byte, error) {
	if len(headers) > MaxHeadersPerMsg {
		return nil, fmt.Errorf("p2p: headers: too many headers")
	}
	out := make([]byte, 0, 9+len(headers)*consensus.BLOCK_HEADER_BYTES)
	out = append(out, encodeCompactSize(uint64(len(headers)))...)
	for _, h := range headers {
		out = h.AppendBytes(out)
	}
	return out, nil
}

func DecodeHeadersPayload(b []byte) ([]consensus.BlockHeader, error) {
	r := newPayloadReader(CmdHeaders, b)
	count, err := r.count("header count", consensus.BLOCK_HEADER_BYTES)
	if err != nil {
		return nil, err
	}
	if count > MaxHeadersPerMsg {
		return nil, decodeErr(CmdHeaders, "count exceeds MaxHeadersPerMsg")
	}
	out := make([]consensus.BlockHeader, 0, count)
	for i := 0; i < count; i++ {
		h, err := r.header()
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return out, nil
}
