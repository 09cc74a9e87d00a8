package consensus

import "encoding/binary"

// CompactSize is the variable-length unsigned integer used for every count and
// length prefix on the wire. Decoding enforces minimal encodings.
type CompactSize uint64

func (c CompactSize) Encode() []byte {
	return AppendCompactSize(nil, uint64(c))
}

// AppendCompactSize appends the minimal encoding of n to b.
func AppendCompactSize(b []byte, n uint64) []byte {
	switch {
	case n < 0xfd:
		return append(b, byte(n))
	case n <= 0xffff:
		return binary.LittleEndian.AppendUint16(append(b, 0xfd), uint16(n))
	case n <= 0xffffffff:
		return binary.LittleEndian.AppendUint32(append(b, 0xfe), uint32(n))
	default:
		return binary.LittleEndian.AppendUint64(append(b, 0xff), n)
	}
}

// DecodeCompactSize returns the value and the number of bytes consumed.
func DecodeCompactSize(b []byte) (CompactSize, int, error) {
	if len(b) < 1 {
		return 0, 0, blockerr(COMPACTSIZE_ERR_TRUNCATED, "empty")
	}
	tag := b[0]
	switch {
	case tag < 0xfd:
		return CompactSize(tag), 1, nil
	case tag == 0xfd:
		if len(b) < 3 {
			return 0, 0, blockerr(COMPACTSIZE_ERR_TRUNCATED, "u16")
		}
		n := uint64(binary.LittleEndian.Uint16(b[1:3]))
		if n < 0xfd {
			return 0, 0, blockerr(COMPACTSIZE_ERR_NONMINIMAL, "u16")
		}
		return CompactSize(n), 3, nil
	case tag == 0xfe:
		if len(b) < 5 {
			return 0, 0, blockerr(COMPACTSIZE_ERR_TRUNCATED, "u32")
		}
		n := uint64(binary.LittleEndian.Uint32(b[1:5]))
		if n < 0x1_0000 {
			return 0, 0, blockerr(COMPACTSIZE_ERR_NONMINIMAL, "u32")
		}
		return CompactSize(n), 5, nil
	default: // 0xff
		if len(b) < 9 {
			return 0, 0, blockerr(COMPACTSIZE_ERR_TRUNCATED, "u64")
		}
		n := binary.LittleEndian.Uint64(b[1:9])
		if n < 0x1_0000_0000 {
			return 0, 0, blockerr(COMPACTSIZE_ERR_NONMINIMAL, "u64")
		}
		return CompactSize(n), 9, nil
	}
}
