// Package bitio provides the boolean arithmetic coder used by the VP9
// compressed frame header.
//
// BoolWriter produces the header bytes that a software path emits in place
// of the hardware entropy coder; BoolReader parses them back and is used to
// verify header contents.
package bitio

import "github.com/pkg/errors"

// ErrMarkerBit is returned when a coded header starts with a set marker bit.
var ErrMarkerBit = errors.New("bitio: invalid marker bit")

// BoolReader implements the VP9 boolean decoder.
//
// value holds a two-byte window aligned so that the top byte is compared
// against the split point; bitCount counts the shifts since the last byte
// load.
type BoolReader struct {
	data     []byte
	pos      int
	value    uint32
	rng      uint32
	bitCount int
}

// NewBoolReader starts decoding data and consumes the marker bit.
func NewBoolReader(data []byte) (*BoolReader, error) {
	br := &BoolReader{data: data, rng: 255}
	br.value = uint32(br.next())<<8 | uint32(br.next())
	if br.ReadBit(128) != 0 {
		return nil, ErrMarkerBit
	}
	return br, nil
}

// next returns the next input byte, or zero past the end of the data.
func (br *BoolReader) next() byte {
	if br.pos >= len(br.data) {
		br.pos++
		return 0
	}
	b := br.data[br.pos]
	br.pos++
	return b
}

// ReadBit decodes one symbol whose probability of being zero is prob/256.
func (br *BoolReader) ReadBit(prob uint8) int {
	split := 1 + (((br.rng - 1) * uint32(prob)) >> 8)
	bigSplit := split << 8
	bit := 0
	if br.value >= bigSplit {
		bit = 1
		br.rng -= split
		br.value -= bigSplit
	} else {
		br.rng = split
	}
	for br.rng < 128 {
		br.value <<= 1
		br.rng <<= 1
		br.bitCount++
		if br.bitCount == 8 {
			br.bitCount = 0
			br.value |= uint32(br.next())
		}
	}
	return bit
}

// ReadBits decodes an n-bit literal, most significant bit first.
func (br *BoolReader) ReadBits(n int) uint32 {
	var v uint32
	for i := 0; i < n; i++ {
		v = v<<1 | uint32(br.ReadBit(128))
	}
	return v
}

// Overrun reports whether the decoder has read past the end of its input.
// Up to two implicit zero bytes are expected while the final symbols drain.
func (br *BoolReader) Overrun() bool {
	return br.pos > len(br.data)+2
}
