package pak

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/deepteams/vp9enc/internal/frame"
	"github.com/deepteams/vp9enc/internal/hw"
	"github.com/deepteams/vp9enc/internal/params"
)

// CachelineSize is the granularity of the PAK side buffers.
const CachelineSize = 64

const (
	ProbabilityDeltaSize   = 29 * CachelineSize
	CompressedHeaderSize   = 32 * CachelineSize
	ProbabilityCounterSize = 193 * CachelineSize

	// PakInsertSize holds one PAK_INSERT_OBJECT carrying the largest
	// uncompressed header and the batch buffer end that follows it.
	PakInsertSize = params.MaxUncompressedHeaderSize + 16

	pageSize = 0x1000
)

func alignUp(v, a int) int {
	return (v + a - 1) / a * a
}

// Buffers are the video-engine buffers of the PAK, sized for the largest
// frame of the session.
type Buffers struct {
	rm hw.ResourceManager

	PakInsert   *hw.Resource
	MvTemporal  [2]*hw.Resource
	DeblockLine *hw.Resource
	// DeblockTileLine and DeblockTileColumn are the per-tile row stores.
	DeblockTileLine    *hw.Resource
	DeblockTileColumn  *hw.Resource
	MetadataLine       *hw.Resource
	MetadataTileLine   *hw.Resource
	MetadataTileColumn *hw.Resource

	CompressedHeader   *hw.Resource
	ProbabilityDelta   *hw.Resource
	ProbabilityCounter *hw.Resource
	TileRecord         *hw.Resource
	CuStats            *hw.Resource

	// MbCode holds the PAK objects followed, at MvOffset, by the CU records.
	MbCode    *hw.Resource
	MvOffset  int
	Bitstream *hw.Resource

	Status *hw.Resource
}

// MbCodeLayout returns the MV offset and MbCode size for picSizeInSB
// superblocks. The MV records start on a page boundary.
func MbCodeLayout(picSizeInSB int) (mvOffset, size int) {
	mvOffset = alignUp(picSizeInSB*4*4, pageSize) + pageSize
	return mvOffset, mvOffset + picSizeInSB*64*64 + pageSize
}

// CuStatsSize returns the CU statistics stream-out size of picSizeInSB
// superblocks.
func CuStatsSize(picSizeInSB int) int {
	return alignUp(picSizeInSB*64*8, CachelineSize)
}

// AllocateBuffers allocates the PAK buffers for frames up to maxGeo.
func AllocateBuffers(rm hw.ResourceManager, maxGeo frame.Geometry) (_ *Buffers, err error) {
	b := &Buffers{rm: rm}
	defer func() {
		if err != nil {
			err = multierr.Append(err, b.Release())
		}
	}()

	wSB, hSB, sbs := int(maxGeo.WidthInSB), int(maxGeo.HeightInSB), int(maxGeo.PicSizeInSB)
	mvOffset, mbCodeSize := MbCodeLayout(sbs)
	b.MvOffset = mvOffset

	type alloc struct {
		dst  **hw.Resource
		name string
		size int
	}
	allocs := []alloc{
		{&b.PakInsert, "PakInsertUncompressedHeaderBuffer", PakInsertSize},
		{&b.DeblockLine, "DeblockingFilterLineBuffer", wSB * 18 * CachelineSize},
		{&b.DeblockTileLine, "DeblockingFilterTileLineBuffer", wSB * 18 * CachelineSize},
		{&b.DeblockTileColumn, "DeblockingFilterTileColumnBuffer", hSB * 17 * CachelineSize},
		{&b.MetadataLine, "MetadataLineBuffer", wSB * 5 * CachelineSize},
		{&b.MetadataTileLine, "MetadataTileLineBuffer", wSB * 5 * CachelineSize},
		{&b.MetadataTileColumn, "MetadataTileColumnBuffer", hSB * 5 * CachelineSize},
		{&b.CompressedHeader, "CompressedHeaderBuffer", CompressedHeaderSize},
		{&b.ProbabilityDelta, "ProbabilityDeltaBuffer", ProbabilityDeltaSize},
		{&b.ProbabilityCounter, "ProbabilityCounterBuffer", ProbabilityCounterSize},
		{&b.TileRecord, "TileRecordStrmOutBuffer", sbs * CachelineSize},
		{&b.CuStats, "CuStatsStrmOutBuffer", CuStatsSize(sbs)},
		{&b.MbCode, "MbCodeBuffer", mbCodeSize},
		{&b.Bitstream, "BitstreamBuffer", int(maxGeo.FrameWidth * maxGeo.FrameHeight * 3 / 2)},
		{&b.Status, "EncodeStatusBuffer", StatusBufferSize},
	}
	for i := range b.MvTemporal {
		allocs = append(allocs, alloc{&b.MvTemporal[i], fmt.Sprintf("MvTemporalBuffer[%d]", i), sbs * 9 * CachelineSize})
	}
	for _, a := range allocs {
		res, err := rm.Allocate(a.name, a.size)
		if err != nil {
			return nil, errors.Wrapf(err, "pak: allocate %s", a.name)
		}
		*a.dst = res
	}
	return b, nil
}

// Release frees every buffer. It is safe on a partially allocated set.
func (b *Buffers) Release() error {
	if b == nil {
		return nil
	}
	err := hw.FreeAll(b.rm,
		b.PakInsert, b.MvTemporal[0], b.MvTemporal[1],
		b.DeblockLine, b.DeblockTileLine, b.DeblockTileColumn,
		b.MetadataLine, b.MetadataTileLine, b.MetadataTileColumn,
		b.CompressedHeader, b.ProbabilityDelta, b.ProbabilityCounter,
		b.TileRecord, b.CuStats, b.MbCode, b.Bitstream, b.Status)
	*b = Buffers{rm: b.rm}
	return err
}
