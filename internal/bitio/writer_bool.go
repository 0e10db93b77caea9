package bitio

// BoolWriter implements the VP9 boolean (arithmetic) encoder used for the
// compressed frame header.
//
// Symbols narrow a probability-weighted interval; a byte is emitted every
// time eight bits of the interval have been resolved. Pending 0xff bytes are
// held back until it is known whether a carry will ripple through them.
type BoolWriter struct {
	rng    int32 // range minus 1, kept in 127..254 after renormalisation
	value  int32
	run    int // pending 0xff bytes
	nbBits int // pending bits; a byte is flushed once this goes positive
	buf    []byte
}

// NewBoolWriter returns a writer whose output buffer starts with room for
// expectedSize bytes. The VP9 marker bit is written immediately.
func NewBoolWriter(expectedSize int) *BoolWriter {
	bw := &BoolWriter{}
	bw.Reset(expectedSize)
	return bw
}

// Reset prepares bw for a new header, reusing the buffer when it is large
// enough.
func (bw *BoolWriter) Reset(expectedSize int) {
	if expectedSize < minBufferSize {
		expectedSize = minBufferSize
	}
	if cap(bw.buf) >= expectedSize {
		bw.buf = bw.buf[:0]
	} else {
		bw.buf = make([]byte, 0, expectedSize)
	}
	bw.rng = 255 - 1
	bw.value = 0
	bw.run = 0
	bw.nbBits = -8
	bw.PutBitUniform(0)
}

const minBufferSize = 256

// PutBit codes bit with probability prob/256 of being zero. It returns bit.
func (bw *BoolWriter) PutBit(bit int, prob int) int {
	split := (bw.rng * int32(prob)) >> 8
	if bit != 0 {
		bw.value += split + 1
		bw.rng -= split + 1
	} else {
		bw.rng = split
	}
	if bw.rng < 127 {
		shift := kNorm[bw.rng]
		bw.rng = int32(kNewRange[bw.rng])
		bw.value <<= uint(shift)
		bw.nbBits += int(shift)
		if bw.nbBits > 0 {
			bw.flush()
		}
	}
	return bit
}

// PutBitUniform codes bit with probability 128.
func (bw *BoolWriter) PutBitUniform(bit int) int {
	return bw.PutBit(bit, 128)
}

// PutBits codes the low nbBits of value, most significant bit first, each
// with probability 128. This is the VP9 literal.
func (bw *BoolWriter) PutBits(value uint32, nbBits int) {
	for mask := uint32(1) << uint(nbBits-1); mask != 0; mask >>= 1 {
		bit := 0
		if value&mask != 0 {
			bit = 1
		}
		bw.PutBitUniform(bit)
	}
}

func (bw *BoolWriter) flush() {
	s := 8 + bw.nbBits
	bits := bw.value >> uint(s)
	bw.value -= bits << uint(s)
	bw.nbBits -= 8
	if bits&0xff == 0xff {
		bw.run++
		return
	}
	carry := bits&0x100 != 0
	if carry && len(bw.buf) > 0 {
		bw.buf[len(bw.buf)-1]++
	}
	pending := byte(0xff)
	if carry {
		pending = 0x00
	}
	for ; bw.run > 0; bw.run-- {
		bw.buf = append(bw.buf, pending)
	}
	bw.buf = append(bw.buf, byte(bits))
}

// Finish pads the stream with 32 zero bits so every coded symbol is
// resolved, and returns the coded bytes. A trailing byte that would look
// like a superframe index marker is followed by a zero byte.
func (bw *BoolWriter) Finish() []byte {
	for i := 0; i < 32; i++ {
		bw.PutBitUniform(0)
	}
	for ; bw.run > 0; bw.run-- {
		bw.buf = append(bw.buf, 0xff)
	}
	if n := len(bw.buf); n > 0 && bw.buf[n-1]&0xe0 == 0xc0 {
		bw.buf = append(bw.buf, 0)
	}
	return bw.buf
}

// Len returns the number of bytes emitted so far, not counting held-back
// 0xff bytes.
func (bw *BoolWriter) Len() int {
	return len(bw.buf)
}

// kNorm maps range values [0..127] to the shift count needed for
// renormalisation: 8 - floor(log2(range+1)).
var kNorm = [128]uint8{
	7, 6, 6, 5, 5, 5, 5, 4, 4, 4, 4, 4, 4, 4, 4, 3, 3, 3, 3, 3, 3, 3,
	3, 3, 3, 3, 3, 3, 3, 3, 3, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2,
	2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 1, 1, 1,
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1,
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1,
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0,
}

// kNewRange maps range values [0..127] to the normalised range after
// shifting: ((range + 1) << kNorm[range]) - 1.
var kNewRange = [128]uint8{
	127, 127, 191, 127, 159, 191, 223, 127, 143, 159, 175, 191, 207, 223, 239,
	127, 135, 143, 151, 159, 167, 175, 183, 191, 199, 207, 215, 223, 231, 239,
	247, 127, 131, 135, 139, 143, 147, 151, 155, 159, 163, 167, 171, 175, 179,
	183, 187, 191, 195, 199, 203, 207, 211, 215, 219, 223, 227, 231, 235, 239,
	243, 247, 251, 127, 129, 131, 133, 135, 137, 139, 141, 143, 145, 147, 149,
	151, 153, 155, 157, 159, 161, 163, 165, 167, 169, 171, 173, 175, 177, 179,
	181, 183, 185, 187, 189, 191, 193, 195, 197, 199, 201, 203, 205, 207, 209,
	211, 213, 215, 217, 219, 221, 223, 225, 227, 229, 231, 233, 235, 237, 239,
	241, 243, 245, 247, 249, 251, 253, 127,
}
