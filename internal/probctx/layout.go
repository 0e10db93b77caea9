// Package probctx manages the four VP9 probability-context buffers the PAK
// reads and adapts, and decides per frame which of them are reset, patched,
// saved or restored.
package probctx

import (
	"github.com/pkg/errors"
)

// Buffer layout.
const (
	BufferSize      = 2048
	NumContexts     = 4
	CoefProbSize    = 396
	InterProbOffset = 1667
	InterProbSize   = 343
	SegProbOffset   = 2010
	SegProbSize     = 10
)

// Region is a named byte range of a context buffer.
type Region struct {
	Name   string
	Offset int
	Size   int
}

// End returns the offset one past the region.
func (r Region) End() int {
	return r.Offset + r.Size
}

// Regions of the context buffer. Gaps between them are reserved and kept
// zero.
var (
	RegionTx        = Region{"tx", 0, 12}
	RegionCoef4x4   = Region{"coef_4x4", 64, CoefProbSize}
	RegionCoef8x8   = Region{"coef_8x8", 64 + CoefProbSize, CoefProbSize}
	RegionCoef16x16 = Region{"coef_16x16", 64 + 2*CoefProbSize, CoefProbSize}
	RegionCoef32x32 = Region{"coef_32x32", 64 + 3*CoefProbSize, CoefProbSize}
	RegionSkip      = Region{"skip", 1664, 3}

	RegionInterMode        = Region{"inter_mode", InterProbOffset, 21}
	RegionSwitchableInterp = Region{"switchable_interp", 1688, 8}
	RegionIntraInter       = Region{"intra_inter", 1696, 4}
	RegionCompInter        = Region{"comp_inter", 1700, 5}
	RegionSingleRef        = Region{"single_ref", 1705, 10}
	RegionCompRef          = Region{"comp_ref", 1715, 5}
	RegionYMode            = Region{"y_mode", 1720, 36}
	RegionPartition        = Region{"partition", 1756, 48}
	RegionMvJoints         = Region{"mv_joints", 1804, 3}
	RegionMvComps          = Region{"mv_comps", 1807, 44}
	RegionMvFrac           = Region{"mv_frac", 1851, 18}
	RegionMvHp             = Region{"mv_hp", 1869, 4}
	RegionUVMode           = Region{"uv_mode", 1920, 90}

	RegionSeg = Region{"seg", SegProbOffset, SegProbSize}

	// RegionInter spans every probability that differs between key and
	// inter frames.
	RegionInter = Region{"inter", InterProbOffset, InterProbSize}
)

// CoefRegions lists the coefficient regions by tx size.
var CoefRegions = [4]Region{RegionCoef4x4, RegionCoef8x8, RegionCoef16x16, RegionCoef32x32}

// Regions returns every named leaf region in offset order.
func Regions() []Region {
	return []Region{
		RegionTx,
		RegionCoef4x4, RegionCoef8x8, RegionCoef16x16, RegionCoef32x32,
		RegionSkip,
		RegionInterMode, RegionSwitchableInterp, RegionIntraInter, RegionCompInter,
		RegionSingleRef, RegionCompRef, RegionYMode, RegionPartition,
		RegionMvJoints, RegionMvComps, RegionMvFrac, RegionMvHp,
		RegionUVMode,
		RegionSeg,
	}
}

// Context is a view over one context buffer.
type Context []byte

// AsContext checks that buf holds exactly one context buffer.
func AsContext(buf []byte) (Context, error) {
	if len(buf) != BufferSize {
		return nil, errors.Errorf("probctx: context buffer is %d bytes, want %d", len(buf), BufferSize)
	}
	return Context(buf), nil
}

// Region returns the bytes of r. The returned slice cannot be appended
// past the region.
func (c Context) Region(r Region) []byte {
	return c[r.Offset:r.End():r.End()]
}

// Coef returns the coefficient probabilities of tx size t (0 = 4x4).
func (c Context) Coef(t int) []byte {
	return c.Region(CoefRegions[t])
}

// Inter returns the inter region.
func (c Context) Inter() []byte {
	return c.Region(RegionInter)
}

// Seg returns the segmentation tree and prediction probabilities.
func (c Context) Seg() []byte {
	return c.Region(RegionSeg)
}
