package p2p

import "fmt"

// Transaction index lists travel differentially: the first entry is the
// absolute index and each later entry is the gap to the previous index minus
// one. [3, 4, 9] goes on the wire as [3, 0, 4].

// DifferentialEncode converts strictly ascending absolute indexes to their
// wire form.
func DifferentialEncode(abs []uint64) ([]uint64, error) {
	var enc indexEncoder
	out := make([]uint64, len(abs))
	for i, idx := range abs {
		d, err := enc.next(idx)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

// DifferentialDecode reverses DifferentialEncode. A running sum that wraps
// past 2^64 is the only way the result could fail to be strictly ascending,
// and it is reported as ErrDecode.
func DifferentialDecode(wire []uint64) ([]uint64, error) {
	var dec indexDecoder
	out := make([]uint64, len(wire))
	for i, d := range wire {
		idx, err := dec.next(d)
		if err != nil {
			return nil, err
		}
		out[i] = idx
	}
	return out, nil
}

type indexEncoder struct {
	prev    uint64
	started bool
}

func (e *indexEncoder) next(idx uint64) (uint64, error) {
	if !e.started {
		e.started = true
		e.prev = idx
		return idx, nil
	}
	if idx <= e.prev {
		return 0, fmt.Errorf("p2p: diffindex: index %d not above %d", idx, e.prev)
	}
	d := idx - e.prev - 1
	e.prev = idx
	return d, nil
}

type indexDecoder struct {
	prev    uint64
	started bool
}

func (d *indexDecoder) next(delta uint64) (uint64, error) {
	if !d.started {
		d.started = true
		d.prev = delta
		return delta, nil
	}
	idx := d.prev + delta + 1
	if idx <= d.prev {
		return 0, fmt.Errorf("%w: diffindex: index overflow", ErrDecode)
	}
	d.prev = idx
	return idx, nil
}
