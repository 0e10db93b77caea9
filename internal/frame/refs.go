package frame

import (
	"math/bits"
	"strings"

	"github.com/samber/lo"

	"github.com/deepteams/vp9enc/internal/hw"
	"github.com/deepteams/vp9enc/internal/params"
)

// RefFlags is the set of active references, one bit per Last, Golden and
// Alt.
type RefFlags uint8

// Has reports whether every bit of ref is set.
func (f RefFlags) Has(ref uint8) bool {
	return uint8(f)&ref == ref
}

// Count returns the number of active references.
func (f RefFlags) Count() int {
	return bits.OnesCount8(uint8(f))
}

func (f RefFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, r := range []struct {
		bit  uint8
		name string
	}{{params.RefLast, "last"}, {params.RefGolden, "golden"}, {params.RefAlt, "alt"}} {
		if f.Has(r.bit) {
			parts = append(parts, r.name)
		}
	}
	return strings.Join(parts, "|")
}

// ConsolidateRefs returns the references an inter frame really uses.
// Control bits pointing at invalid pictures are dropped, then duplicates:
// Last claims Golden and Alt, and a surviving Golden claims Alt. Key and
// intra-only frames use no references.
func ConsolidateRefs(p *params.PictureParams) (RefFlags, error) {
	if p.IsKeyOrIntraOnly() {
		return 0, nil
	}
	list := &p.RefFrameList
	last, golden, alt := list[p.LastRefIdx], list[p.GoldenRefIdx], list[p.AltRefIdx]

	f := RefFlags(p.RefCtrlL0|p.RefCtrlL1) & RefFlags(params.RefLast|params.RefGolden|params.RefAlt)
	if last.Invalid {
		f &^= RefFlags(params.RefLast)
	}
	if golden.Invalid {
		f &^= RefFlags(params.RefGolden)
	}
	if alt.Invalid {
		f &^= RefFlags(params.RefAlt)
	}

	if f.Has(params.RefLast) && last.FrameIdx == golden.FrameIdx {
		f &^= RefFlags(params.RefGolden)
	}
	if f.Has(params.RefLast) && last.FrameIdx == alt.FrameIdx {
		f &^= RefFlags(params.RefAlt)
	}
	if f.Has(params.RefGolden) && golden.FrameIdx == alt.FrameIdx {
		f &^= RefFlags(params.RefAlt)
	}

	if f == 0 {
		return 0, ErrEmptyReferenceList
	}
	return f, nil
}

// uniqueRefs returns the valid entries of list with repeated frame
// indices removed, first occurrence kept.
func uniqueRefs(list [params.NumRefFrames]params.Picture) []params.Picture {
	valid := lo.Filter(list[:], func(p params.Picture, _ int) bool { return !p.Invalid })
	return lo.UniqBy(valid, func(p params.Picture) uint8 { return p.FrameIdx })
}

// aliasSlots fills empty Last, Golden and Alt slots from the others so the
// hardware always sees three bound references.
func aliasSlots(last, golden, alt *hw.Surface) [3]*hw.Surface {
	if last == nil {
		last = lo.Ternary(golden != nil, golden, alt)
	}
	if golden == nil {
		golden = lo.Ternary(last != nil, last, alt)
	}
	if alt == nil {
		alt = lo.Ternary(last != nil, last, golden)
	}
	return [3]*hw.Surface{last, golden, alt}
}
