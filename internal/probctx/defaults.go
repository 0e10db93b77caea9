package probctx

// Tables holds the complete default context buffers. Key is used for key
// and intra-only frames, Inter for every other frame.
type Tables struct {
	Key   [BufferSize]byte
	Inter [BufferSize]byte
}

// DefaultTables assembles the VP9 default probabilities into buffer layout.
func DefaultTables() *Tables {
	t := &Tables{}
	for _, buf := range []*[BufferSize]byte{&t.Key, &t.Inter} {
		c := Context(buf[:])
		copy(c.Region(RegionTx), defaultTxProbs[:])
		for i := range CoefRegions {
			copy(c.Coef(i), defaultCoefProbs[i][:])
		}
		copy(c.Region(RegionSkip), defaultSkipProbs[:])
		copy(c.Seg(), defaultSegProbs[:])
	}

	inter := Context(t.Inter[:])
	copy(inter.Region(RegionInterMode), defaultInterModeProbs[:])
	copy(inter.Region(RegionSwitchableInterp), defaultSwitchableInterpProbs[:])
	copy(inter.Region(RegionIntraInter), defaultIntraInterProbs[:])
	copy(inter.Region(RegionCompInter), defaultCompInterProbs[:])
	copy(inter.Region(RegionSingleRef), defaultSingleRefProbs[:])
	copy(inter.Region(RegionCompRef), defaultCompRefProbs[:])
	copy(inter.Region(RegionYMode), defaultYModeProbs[:])
	copy(inter.Region(RegionPartition), defaultPartitionProbs[:])
	copy(inter.Region(RegionMvJoints), defaultMvJointProbs[:])
	copy(inter.Region(RegionMvComps), defaultMvCompProbs[:])
	copy(inter.Region(RegionMvFrac), defaultMvFracProbs[:])
	copy(inter.Region(RegionMvHp), defaultMvHpProbs[:])
	copy(inter.Region(RegionUVMode), defaultUVModeProbs[:])

	key := Context(t.Key[:])
	copy(key.Region(RegionPartition), defaultKFPartitionProbs[:])
	copy(key.Region(RegionUVMode), defaultKFUVModeProbs[:])
	return t
}

func (t *Tables) table(key bool) *[BufferSize]byte {
	if key {
		return &t.Key
	}
	return &t.Inter
}

// fullInit overwrites everything up to the segmentation probabilities with
// the defaults and clears the reserved tail. The segmentation bytes are
// left as they are.
func (t *Tables) fullInit(dst Context, key bool) {
	src := t.table(key)
	copy(dst[:SegProbOffset], src[:SegProbOffset])
	clear(dst[RegionSeg.End():])
}

// diffInit rewrites only the inter region.
func (t *Tables) diffInit(dst Context, key bool) {
	src := Context(t.table(key)[:])
	copy(dst.Inter(), src.Inter())
}

// LoopFilterLevel returns the default loop filter level for qindex.
func LoopFilterLevel(qindex uint8) uint8 {
	return loopFilterLevelByQIndex[qindex]
}
