package tds

import "github.com/ha1tch/tdsfrontend/internal/tdserr"

// decodePLP reads a partially-length-prefixed value: an 8-byte total
// length prefix followed by a sequence of {chunk_length(u32-LE), chunk}
// entries terminated by a zero-length chunk. A total length of
// PLPNull means the value itself is NULL and no chunks follow;
// PLPLengthUnknown means the producer didn't know the length up front
// and chunks run until the terminator regardless of their sum.
func decodePLP(r *reader) (data []byte, isNull bool, err error) {
	total, err := r.u64()
	if err != nil {
		return nil, false, err
	}
	if total == PLPNull {
		return nil, true, nil
	}

	for {
		chunkLen, err := r.u32()
		if err != nil {
			return nil, false, err
		}
		if chunkLen == 0 {
			break
		}
		chunk, err := r.take(int(chunkLen))
		if err != nil {
			return nil, false, err
		}
		data = append(data, chunk...)
	}

	if total != PLPLengthUnknown && uint64(len(data)) != total {
		return nil, false, tdserr.Newf(tdserr.Protocol, "PLP total length %d does not match %d decoded bytes", total, len(data))
	}
	return data, false, nil
}

// encodePLPBytes writes data as a single-chunk PLP value with an exact
// total length, the common case for a handler that already has the
// whole value in memory. isNull writes the PLP null sentinel with no
// chunks, taking precedence over data.
func encodePLPBytes(w *writer, data []byte, isNull bool) {
	if isNull {
		w.u64(PLPNull)
		return
	}
	w.u64(uint64(len(data)))
	if len(data) > 0 {
		w.u32(uint32(len(data)))
		w.bytes(data)
	}
	w.u32(0) // terminating zero-length chunk
}
