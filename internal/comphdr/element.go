// Package comphdr builds the VP9 compressed-header element table the PAK
// entropy coder consumes. Each syntax element that the frame signals is
// described by one nibble; two nibbles share a byte in the packed form.
package comphdr

// Element positions. Bins of one syntax element are interleaved with the
// positions the hardware reserves for their probability deltas, so most
// loops step by two and the motion-vector tables step by eight.
const (
	TxModeIdx          = 0
	TxModeSelectIdx    = TxModeIdx + 2
	Tx8x8ProbIdx       = TxModeSelectIdx + 1
	Tx16x16ProbIdx     = Tx8x8ProbIdx + 4
	Tx32x32ProbIdx     = Tx16x16ProbIdx + 8
	Coef4x4Idx         = Tx32x32ProbIdx + 12
	Coef8x8Idx         = Coef4x4Idx + coefStride
	Coef16x16Idx       = Coef8x8Idx + coefStride
	Coef32x32Idx       = Coef16x16Idx + coefStride
	SkipCtxIdx         = Coef32x32Idx + coefStride
	InterModeCtxIdx    = SkipCtxIdx + 6
	SwitchableCtxIdx   = InterModeCtxIdx + 42
	IntraInterCtxIdx   = SwitchableCtxIdx + 16
	CompoundPredIdx    = IntraInterCtxIdx + 8
	HybridPredCtxIdx   = CompoundPredIdx + 2
	SingleRefCtxIdx    = HybridPredCtxIdx + 10
	CompRefCtxIdx      = SingleRefCtxIdx + 20
	IntraModeCtxIdx    = CompRefCtxIdx + 10
	PartitionIdx       = IntraModeCtxIdx + 72
	MvJointsIdx        = PartitionIdx + 96
	MvComp0Idx         = MvJointsIdx + 24
	MvComp1Idx         = MvComp0Idx + 176
	MvFracComp0Idx     = MvComp1Idx + 176
	MvFracComp1Idx     = MvFracComp0Idx + 72
	MvHpComp0Idx       = MvFracComp1Idx + 72
	MvHpComp1Idx       = MvHpComp0Idx + 16
	NumElements        = MvHpComp1Idx + 16
	coefStride         = 793
	mvStride           = 8
	elementTableLength = NumElements + 1
)

// PackedSize is the size of the packed element table in bytes.
const PackedSize = elementTableLength / 2

// Element is one compressed-header decision.
type Element uint8

const (
	elemValid   Element = 1 << 0
	elemBin     Element = 1 << 1 // bin, as opposed to a probability delta
	elemProb252 Element = 1 << 2
	elemBit     Element = 1 << 3
)

func newElement(bit int, prob int) Element {
	e := elemValid | elemBin
	if prob != 128 {
		e |= elemProb252
	}
	if bit != 0 {
		e |= elemBit
	}
	return e
}

// Valid reports whether the element is signalled this frame.
func (e Element) Valid() bool { return e&elemValid != 0 }

// IsBin reports whether the element carries a literal bin.
func (e Element) IsBin() bool { return e&elemBin != 0 }

// Prob returns the probability the bin is coded with.
func (e Element) Prob() int {
	if e&elemProb252 != 0 {
		return 252
	}
	return 128
}

// Bit returns the coded bin value.
func (e Element) Bit() int {
	if e&elemBit != 0 {
		return 1
	}
	return 0
}

// Nibble returns the four-bit packed form.
func (e Element) Nibble() byte { return byte(e) & 0x0f }
