package p2p

import (
	"errors"
	"fmt"
)

// Error kinds produced by the compact relay codecs and the reconstruction
// engine. Codec errors wrap one of these; callers branch with errors.Is.
var (
	// ErrDecode marks bytes that cannot be parsed as the claimed message.
	ErrDecode = errors.New("p2p: decode error")
	// ErrIndexOutOfRange marks a transaction index at or beyond the block's
	// transaction count. It is a well-formed message with impossible content.
	ErrIndexOutOfRange = errors.New("p2p: index out of range")
	// ErrHashMismatch marks a blocktxn for a block we have no request out for.
	ErrHashMismatch = errors.New("p2p: no in-flight request for block")
	// ErrMerkleMismatch marks an assembled block whose transactions do not hash
	// to the header's merkle root.
	ErrMerkleMismatch = errors.New("p2p: merkle root mismatch")
	// ErrShortResponse marks a blocktxn that leaves requested slots unfilled.
	ErrShortResponse = errors.New("p2p: blocktxn response too short")
	ErrTimeout       = errors.New("p2p: response timeout")
)

func decodeErr(cmd string, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrDecode, cmd, fmt.Sprintf(format, args...))
}

func rangeErr(cmd string, idx, count uint64) error {
	return fmt.Errorf("%w: %s: index %d, tx count %d", ErrIndexOutOfRange, cmd, idx, count)
}
