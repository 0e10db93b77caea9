package comphdr

import (
	"github.com/pkg/errors"

	"github.com/deepteams/vp9enc/internal/bitio"
	"github.com/deepteams/vp9enc/internal/params"
	"github.com/deepteams/vp9enc/internal/pool"
)

// Params are the frame properties the element table depends on.
type Params struct {
	TxMode               params.TxMode
	FrameType            params.FrameType
	IntraOnly            bool
	Lossless             bool
	McompFilterType      params.InterpFilter
	CompPredMode         params.PredMode
	AllowHighPrecisionMV bool
	// SignBias holds the Last, Golden and Alt sign biases.
	SignBias [3]bool
}

// ParamsFrom extracts the header inputs from p. txMode is the tx mode the
// encoder resolved for the frame.
func ParamsFrom(p *params.PictureParams, txMode params.TxMode) Params {
	return Params{
		TxMode:               txMode,
		FrameType:            p.FrameType,
		IntraOnly:            p.IntraOnly,
		Lossless:             p.Lossless,
		McompFilterType:      p.McompFilterType,
		CompPredMode:         p.CompPredMode,
		AllowHighPrecisionMV: p.AllowHighPrecisionMV,
		SignBias:             [3]bool{p.LastSignBias, p.GoldenSignBias, p.AltSignBias},
	}
}

func (p *Params) isInter() bool {
	return p.FrameType != params.KeyFrame && !p.IntraOnly
}

// allowComp reports whether compound prediction is possible, which needs
// references on both sides of the current frame.
func (p *Params) allowComp() bool {
	b := p.SignBias
	allSet := b[0] && b[1] && b[2]
	noneSet := !b[0] && !b[1] && !b[2]
	return !allSet && !noneSet
}

// Header is a built element table. It borrows pooled memory; call Release
// once it has been packed.
type Header struct {
	elems []byte
}

// Build computes the element table for one frame.
func Build(p Params) *Header {
	h := &Header{elems: pool.GetZeroed(elementTableLength)}
	if p.Lossless {
		return h
	}

	switch p.TxMode {
	case params.TxSelectable:
		h.put(1, 128, TxModeIdx)
		h.put(1, 128, TxModeIdx+1)
		h.put(1, 128, TxModeSelectIdx)
	case params.TxAllow32x32:
		h.put(1, 128, TxModeIdx)
		h.put(1, 128, TxModeIdx+1)
		h.put(0, 128, TxModeSelectIdx)
	default:
		h.put(int(p.TxMode>>1)&1, 128, TxModeIdx)
		h.put(int(p.TxMode)&1, 128, TxModeIdx+1)
	}

	if p.TxMode == params.TxSelectable {
		h.run(Tx8x8ProbIdx, 2, 2, 252)
		h.run(Tx16x16ProbIdx, 4, 2, 252)
		h.run(Tx32x32ProbIdx, 6, 2, 252)
	}

	for t, idx := range [4]int{Coef4x4Idx, Coef8x8Idx, Coef16x16Idx, Coef32x32Idx} {
		if t > int(p.TxMode) {
			break
		}
		h.put(0, 128, idx)
	}

	h.run(SkipCtxIdx, 3, 2, 252)

	if !p.isInter() {
		return h
	}

	h.run(InterModeCtxIdx, 7*3, 2, 252)
	if p.McompFilterType == params.FilterSwitchable {
		h.run(SwitchableCtxIdx, 4*2, 2, 252)
	}
	h.run(IntraInterCtxIdx, 4, 2, 252)

	if p.allowComp() {
		switch p.CompPredMode {
		case params.PredHybrid:
			h.put(1, 128, CompoundPredIdx)
			h.put(1, 128, CompoundPredIdx+1)
		case params.PredCompound:
			h.put(1, 128, CompoundPredIdx)
			h.put(0, 128, CompoundPredIdx+1)
		default:
			h.put(0, 128, CompoundPredIdx)
		}
	}
	if p.CompPredMode != params.PredCompound {
		h.run(SingleRefCtxIdx, 5*2, 2, 252)
	}
	if p.CompPredMode != params.PredSingle {
		h.run(CompRefCtxIdx, 5, 2, 252)
	}

	h.run(IntraModeCtxIdx, 4*9, 2, 252)
	h.run(PartitionIdx, 16*3, 2, 252)

	h.run(MvJointsIdx, 3, mvStride, 252)
	for _, idx := range [2]int{MvComp0Idx, MvComp1Idx} {
		// sign and classes, then class0 and bits
		h.run(idx, 22, mvStride, 252)
	}
	for _, idx := range [2]int{MvFracComp0Idx, MvFracComp1Idx} {
		h.run(idx, 9, mvStride, 252)
	}
	if p.AllowHighPrecisionMV {
		for _, idx := range [2]int{MvHpComp0Idx, MvHpComp1Idx} {
			h.run(idx, 2, mvStride, 252)
		}
	}
	return h
}

func (h *Header) put(bit int, prob int, idx int) {
	h.elems[idx] = byte(newElement(bit, prob))
}

// run marks n zero bins starting at idx, stride positions apart.
func (h *Header) run(idx, n, stride, prob int) {
	for i := 0; i < n; i++ {
		h.put(0, prob, idx+i*stride)
	}
}

// Element returns the element at idx.
func (h *Header) Element(idx int) Element {
	return Element(h.elems[idx])
}

// ValidCount returns the number of signalled elements.
func (h *Header) ValidCount() int {
	n := 0
	for _, e := range h.elems[:NumElements] {
		if Element(e).Valid() {
			n++
		}
	}
	return n
}

// Pack writes the table two elements per byte, the even element in the low
// nibble. dst must hold at least PackedSize bytes.
func (h *Header) Pack(dst []byte) error {
	if len(dst) < PackedSize {
		return errors.Errorf("comphdr: pack into %d bytes, need %d", len(dst), PackedSize)
	}
	for i := 0; i < NumElements; i += 2 {
		dst[i>>1] = Element(h.elems[i+1]).Nibble()<<4 | Element(h.elems[i]).Nibble()
	}
	return nil
}

// Packed returns the packed table in a new slice.
func (h *Header) Packed() []byte {
	out := make([]byte, PackedSize)
	_ = h.Pack(out)
	return out
}

// Encode codes every valid bin with its probability, in element order.
func (h *Header) Encode(w *bitio.BoolWriter) {
	for _, b := range h.elems[:NumElements] {
		e := Element(b)
		if e.Valid() && e.IsBin() {
			w.PutBit(e.Bit(), e.Prob())
		}
	}
}

// Release returns the table memory to the pool. h must not be used after.
func (h *Header) Release() {
	if h.elems != nil {
		pool.Put(h.elems)
		h.elems = nil
	}
}
