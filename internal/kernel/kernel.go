// Package kernel dispatches the ENC kernels of a frame on the render engine:
// BRC, downscaling, hierarchical motion estimation and mode decision.
package kernel

import (
	"fmt"

	"github.com/deepteams/vp9enc/internal/frame"
	"github.com/deepteams/vp9enc/internal/hw"
)

// Kernel identifies a render kernel.
type Kernel uint8

const (
	BrcIntraDist Kernel = iota
	BrcInit
	BrcReset
	BrcUpdate
	ME4x
	ME16x
	Scaling4x
	Scaling16x
	MbEncI32x32
	MbEncI16x16
	MbEncP
	MbEncTX

	NumKernels
)

var kernelNames = [...]string{
	"brc_intra_dist", "brc_init", "brc_reset", "brc_update",
	"me_4x", "me_16x", "scaling_4x", "scaling_16x",
	"mbenc_i_32x32", "mbenc_i_16x16", "mbenc_p", "mbenc_tx",
}

func (k Kernel) String() string {
	if int(k) < len(kernelNames) {
		return kernelNames[k]
	}
	return fmt.Sprintf("Kernel(%d)", uint8(k))
}

// IsMbEnc reports whether k is a mode-decision kernel.
func (k Kernel) IsMbEnc() bool {
	return k >= MbEncI32x32 && k <= MbEncTX
}

// WalkerFor returns the media walker that dispatches k over g. The BRC
// Init, Reset and Update kernels run as a single thread and have no walker.
func WalkerFor(k Kernel, g frame.Geometry) (hw.MediaObjectWalkerParams, bool) {
	w := hw.MediaObjectWalkerParams{Kernel: k.String()}
	switch k {
	case BrcInit, BrcReset, BrcUpdate:
		return w, false
	case MbEncI32x32:
		w.ResolutionX, w.ResolutionY = g.Width32InBlocks(), g.Height32InBlocks()
	case MbEncI16x16, MbEncP:
		w.ResolutionX, w.ResolutionY = g.WidthInMB, g.HeightInMB
		w.UseScoreboard = true
		w.Degree = hw.Degree45Z
	case MbEncTX:
		w.ResolutionX, w.ResolutionY = g.WidthInMB, g.HeightInMB
	case ME4x, Scaling4x, BrcIntraDist:
		w.ResolutionX, w.ResolutionY = g.Scaled4x.WidthInMB, g.Scaled4x.HeightInMB
	case ME16x, Scaling16x:
		w.ResolutionX, w.ResolutionY = g.Scaled16x.WidthInMB, g.Scaled16x.HeightInMB
	}
	return w, true
}
