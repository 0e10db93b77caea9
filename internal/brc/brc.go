// Package brc sequences the bit-rate control kernels and the PAK passes of
// a frame.
//
// Under BRC a frame is packed up to NumPasses+1 times. Passes after the
// first are skipped on the GPU when the previous pass already met its
// targets, and the last pass (the RePAK) re-packs with the pic state the
// BRC update produced.
package brc

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/deepteams/vp9enc/internal/params"
)

const (
	// CQPNumPasses is the pass count of constant-QP coding, RePAK included.
	CQPNumPasses = 2
	// DefaultNumPasses is the minimum BRC pass count, so the update kernel
	// runs at least twice.
	DefaultNumPasses = 2
	// MaxNumPasses sizes the per-pass state buffers.
	MaxNumPasses = 4
	// PassCap is the RePAK pass index used for every BRC frame.
	PassCap = 3

	PicStateSizePerPass     = 192
	SegmentStateSizePerPass = 256
	BitstreamSizeBufferSize = 16
	MsdkPakBufferSize       = 64
	ConstantSurfaceSize     = 17792
	HucDataSize             = 1280
	HistoryBufferSize       = 1152
)

// Offsets in the bitstream-size buffer the PAK status path writes.
const (
	BitstreamByteCountOffset = 0
	ImageStatusControlOffset = 4
)

// ErrBadOutput is returned for an MSDK PAK output buffer that is too short.
var ErrBadOutput = errors.New("brc: malformed pak output")

// NumPasses returns the index of the last PAK pass for rc. Passes run from
// zero to this index inclusive. BRC always uses PassCap, whatever
// NominalPasses reports, since the patch location list holds no more.
func NumPasses(rc params.RateControl) int {
	if rc.IsBRC() {
		return PassCap
	}
	return CQPNumPasses - 1
}

// NominalPasses is the BRC RePAK index selected by the multi-pass feature
// flag before the PassCap limit applies.
func NominalPasses(multiPass bool) int {
	if multiPass {
		return MaxNumPasses
	}
	return DefaultNumPasses - 1
}

// OutputStatic is what the BRC kernels report back about a frame in the
// MSDK PAK buffer.
type OutputStatic struct {
	LongTermReference     bool
	NextFrameWidthMinus1  uint16
	NextFrameHeightMinus1 uint16
}

// DecodeOutputStatic reads the MSDK PAK buffer. DW0 bits 0-7 carry the
// long-term indication; DW1 and DW2 the next frame width and height.
func DecodeOutputStatic(data []byte) (OutputStatic, error) {
	if len(data) < 12 {
		return OutputStatic{}, errors.Wrapf(ErrBadOutput, "%d bytes", len(data))
	}
	dw0 := binary.LittleEndian.Uint32(data[0:])
	dw1 := binary.LittleEndian.Uint32(data[4:])
	dw2 := binary.LittleEndian.Uint32(data[8:])
	out := OutputStatic{LongTermReference: dw0&0xff != 0}
	if dw1 > 0 {
		out.NextFrameWidthMinus1 = uint16(dw1 - 1)
	}
	if dw2 > 0 {
		out.NextFrameHeightMinus1 = uint16(dw2 - 1)
	}
	return out, nil
}
