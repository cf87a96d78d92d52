package annexb

// Split splits a complete Annex-B buffer into NAL units without start
// codes. Bytes before the first start code and zero-length units are
// dropped. The returned slices are copies and do not alias data.
func Split(data []byte) [][]byte {
	pos, n := index(data, 0)
	if n == 0 {
		return nil
	}

	var nalus [][]byte
	start := pos + n
	for {
		next, nn := index(data, start)
		end := next
		if nn == 0 {
			end = len(data)
		}

		if start < end {
			nalu := make([]byte, end-start)
			copy(nalu, data[start:end])
			nalus = append(nalus, nalu)
		}

		if nn == 0 {
			return nalus
		}
		start = next + nn
	}
}
