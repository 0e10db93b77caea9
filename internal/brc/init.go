package brc

import (
	"github.com/pkg/errors"

	"github.com/deepteams/vp9enc/internal/params"
)

// InitParams are the rate-control constants the Init and Reset kernels are
// programmed with.
type InitParams struct {
	RateControl params.RateControl

	FrameRateNum uint32
	FrameRateDen uint32
	GopPicSize   uint16

	// Bit rates in bits per second.
	TargetBitRate uint32
	MaxBitRate    uint32
	MinBitRate    uint32

	InputBitsPerFrame float64
	BufSizeInBits     uint32
	InitBufFullInBits uint32
}

// ComputeInitParams derives the BRC constants of seq. Bit rates in seq are
// in kbps and buffer sizes in kbits.
func ComputeInitParams(seq *params.Sequence) (InitParams, error) {
	if seq.FrameRateDen == 0 || seq.FrameRateNum == 0 {
		return InitParams{}, errors.Wrapf(params.ErrInvalidParameter, "brc: frame rate %d/%d", seq.FrameRateNum, seq.FrameRateDen)
	}
	if seq.TargetBitRate == 0 {
		return InitParams{}, errors.Wrapf(params.ErrInvalidParameter, "brc: zero target bitrate under %s", seq.RateControl)
	}

	p := InitParams{
		RateControl:   seq.RateControl,
		FrameRateNum:  seq.FrameRateNum,
		FrameRateDen:  seq.FrameRateDen,
		GopPicSize:    seq.GopPicSize,
		TargetBitRate: seq.TargetBitRate * 1000,
		MaxBitRate:    max(seq.MaxBitRate, seq.TargetBitRate) * 1000,
		MinBitRate:    min(seq.MinBitRate, seq.TargetBitRate) * 1000,
	}
	if seq.RateControl == params.RateControlCBR {
		p.MaxBitRate = p.TargetBitRate
		p.MinBitRate = p.TargetBitRate
	}
	p.InputBitsPerFrame = float64(p.MaxBitRate) * float64(p.FrameRateDen) / float64(p.FrameRateNum)

	p.BufSizeInBits = seq.VBVBufferSize * 1000
	if p.BufSizeInBits == 0 {
		p.BufSizeInBits = uint32(p.InputBitsPerFrame * 4)
	}
	p.InitBufFullInBits = seq.InitVBVFull * 1000
	if p.InitBufFullInBits == 0 {
		p.InitBufFullInBits = p.BufSizeInBits * 7 / 8
	}
	if seq.RateControl == params.RateControlAVBR {
		p.BufSizeInBits = 2 * p.TargetBitRate
		p.InitBufFullInBits = p.BufSizeInBits * 3 / 4
	}

	if float64(p.InitBufFullInBits) < 2*p.InputBitsPerFrame {
		p.InitBufFullInBits = uint32(2 * p.InputBitsPerFrame)
	}
	if p.InitBufFullInBits > p.BufSizeInBits {
		p.InitBufFullInBits = p.BufSizeInBits
	}
	return p, nil
}

// UpdateParams are the per-frame inputs of the Update kernel.
type UpdateParams struct {
	FrameNum      uint32
	NumPasses     int
	TargetBufFull float64
	// TargetSizeFlag is set when the target fullness wrapped around the
	// buffer size.
	TargetSizeFlag bool
	KeyFrame       bool
}

// fullness tracks the target buffer fullness between Update kernels.
type fullness struct {
	current float64
}

func (f *fullness) reset(p InitParams) {
	f.current = float64(p.InitBufFullInBits)
}

// next returns the target for the current frame and advances by one
// frame's worth of input bits.
func (f *fullness) next(p InitParams) (target float64, wrapped bool) {
	if f.current > float64(p.BufSizeInBits) {
		f.current -= float64(p.BufSizeInBits)
		wrapped = true
	}
	target = f.current
	f.current += p.InputBitsPerFrame
	return target, wrapped
}
