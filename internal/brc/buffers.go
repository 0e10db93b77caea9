package brc

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/deepteams/vp9enc/internal/hw"
)

// Buffers are the resources shared by the BRC kernels and the PAK passes.
type Buffers struct {
	rm hw.ResourceManager

	History      *hw.Resource
	ConstantData *hw.Resource
	MbEncCurbe   *hw.Resource
	// PicStateRead is written by the driver and read by the Update kernel;
	// PicStateWrite is written by the kernel and read by the PAK, one slot
	// per pass.
	PicStateRead      *hw.Resource
	PicStateWrite     *hw.Resource
	SegmentStateRead  *hw.Resource
	SegmentStateWrite *hw.Resource
	BitstreamSize     *hw.Resource
	HucData           *hw.Resource
	MsdkPak           *hw.Resource
}

// AllocateBuffers allocates every BRC buffer. mbEncCurbeSize is the CURBE
// size of the MbEnc kernel the Update kernel writes.
func AllocateBuffers(rm hw.ResourceManager, mbEncCurbeSize int) (_ *Buffers, err error) {
	b := &Buffers{rm: rm}
	defer func() {
		if err != nil {
			err = multierr.Append(err, b.Release())
		}
	}()

	for _, a := range []struct {
		dst  **hw.Resource
		name string
		size int
	}{
		{&b.History, "BrcHistoryBuffer", HistoryBufferSize},
		{&b.ConstantData, "BrcConstantDataBuffer", ConstantSurfaceSize},
		{&b.MbEncCurbe, "MbEncCurbeWriteBuffer", mbEncCurbeSize},
		{&b.PicStateRead, "BrcPicStateReadBuffer", PicStateSizePerPass * MaxNumPasses},
		{&b.PicStateWrite, "BrcPicStateWriteBuffer", PicStateSizePerPass * MaxNumPasses},
		{&b.SegmentStateRead, "BrcSegmentStateReadBuffer", SegmentStateSizePerPass},
		{&b.SegmentStateWrite, "BrcSegmentStateWriteBuffer", SegmentStateSizePerPass},
		{&b.BitstreamSize, "BrcBitstreamSizeBuffer", BitstreamSizeBufferSize},
		{&b.HucData, "BrcHucDataBuffer", HucDataSize},
		{&b.MsdkPak, "BrcMsdkPakBuffer", MsdkPakBufferSize},
	} {
		res, err := rm.Allocate(a.name, a.size)
		if err != nil {
			return nil, errors.Wrapf(err, "brc: allocate %s", a.name)
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
		b.History, b.ConstantData, b.MbEncCurbe,
		b.PicStateRead, b.PicStateWrite,
		b.SegmentStateRead, b.SegmentStateWrite,
		b.BitstreamSize, b.HucData, b.MsdkPak)
	*b = Buffers{rm: b.rm}
	return err
}
