package frame

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/deepteams/vp9enc/internal/hw"
	"github.com/deepteams/vp9enc/internal/params"
)

// RefListSize is the number of frame stores the encoder tracks.
const RefListSize = 128

// CodingType is the picture coding type kernels are configured for.
type CodingType uint8

const (
	CodingI CodingType = iota + 1
	CodingP
)

func (t CodingType) String() string {
	if t == CodingI {
		return "I"
	}
	return "P"
}

// RefEntry is what the encoder remembers about one frame store.
type RefEntry struct {
	Pic       params.Picture
	Raw       *hw.Surface
	Recon     *hw.Surface
	Bitstream *hw.Resource
	Width     uint32
	Height    uint32
	UsedAsRef bool
	QP        int
	// Refs are the distinct pictures the frame referenced.
	Refs []params.Picture
}

// Caps are the encoder features that gate per-frame kernels.
type Caps struct {
	HME           bool
	SixteenxME    bool
	BRCDistortion bool
	VDEnc         bool
}

// Input is everything Resolve needs for one frame.
type Input struct {
	Seq       *params.Sequence
	Pic       *params.PictureParams
	Raw       *hw.Surface
	Recon     *hw.Surface
	Bitstream *hw.Resource

	Function   params.CodecFunction
	BRC        bool
	FirstFrame bool
	Caps       Caps

	// PrevWidth and PrevHeight are the size of the previous frame, zero
	// before the first one.
	PrevWidth  uint32
	PrevHeight uint32
}

// State is the resolved description of the current frame. Pic is a copy
// the encoder may adjust.
type State struct {
	Geometry

	Seq        *params.Sequence
	Pic        *params.PictureParams
	CodingType CodingType
	TxMode     params.TxMode

	Raw   *hw.Surface
	Recon *hw.Surface

	RefFlags RefFlags
	NumRefs  int
	Last     *hw.Surface
	Golden   *hw.Surface
	Alt      *hw.Surface

	WaitForPak bool
	SignalEnc  bool
	WaitForEnc bool

	HME           bool
	SixteenxME    bool
	Downscale4x   bool
	Downscale16x  bool
	IntraDist     bool
	Scaling       bool
	FirstFrame    bool
	BRC           bool
	Function      params.CodecFunction
	UpperBoundLen uint32
}

// Slots returns the Last, Golden and Alt surfaces to bind, with unused
// slots aliased to a used one, preferring Last then Golden. All three are
// nil for key and intra-only frames.
func (s *State) Slots() [3]*hw.Surface {
	if s.IsIntra() {
		return [3]*hw.Surface{}
	}
	return aliasSlots(s.Last, s.Golden, s.Alt)
}

// IsIntra reports whether the frame is coded without references.
func (s *State) IsIntra() bool {
	return s.Pic.IsKeyOrIntraOnly()
}

// Resolver tracks the frame stores across frames and resolves each new
// frame against them.
type Resolver struct {
	maxWidth  uint32
	maxHeight uint32
	refList   [RefListSize]RefEntry
	logger    *zap.Logger
}

// NewResolver returns a resolver for frames up to maxWidth x maxHeight.
func NewResolver(maxWidth, maxHeight uint32, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{maxWidth: maxWidth, maxHeight: maxHeight, logger: logger.Named("frame")}
}

// Entry returns the frame store at idx.
func (r *Resolver) Entry(idx uint8) *RefEntry {
	return &r.refList[int(idx)%RefListSize]
}

// Resolve validates in and derives the frame state. It fails before any
// work is emitted, so an error leaves the hardware untouched.
func (r *Resolver) Resolve(in *Input) (*State, error) {
	seq, pic := in.Seq, in.Pic
	if seq == nil || pic == nil {
		return nil, errors.Wrap(params.ErrInvalidParameter, "frame: missing sequence or picture parameters")
	}

	width, height := uint32(pic.SrcFrameWidthMinus1)+1, uint32(pic.SrcFrameHeightMinus1)+1
	if seq.EnableDynamicScaling {
		width, height = uint32(pic.DstFrameWidthMinus1)+1, uint32(pic.DstFrameHeightMinus1)+1
	}
	if width > r.maxWidth || height > r.maxHeight {
		return nil, errors.Wrapf(ErrInvalidDimensions, "%dx%d exceeds %dx%d", width, height, r.maxWidth, r.maxHeight)
	}
	geo, err := ComputeGeometry(width, height)
	if err != nil {
		return nil, err
	}

	if in.Raw == nil || in.Raw.Resource == nil {
		return nil, errors.Wrap(params.ErrInvalidParameter, "frame: no source surface")
	}
	if (in.Recon == nil || in.Recon.Resource == nil) && (!seq.UseRawReconRef || in.Function != params.FunctionEnc) {
		return nil, errors.Wrap(params.ErrInvalidParameter, "frame: no reconstructed surface")
	}
	if int(pic.CurrReconPic.FrameIdx) >= RefListSize {
		return nil, errors.Wrapf(params.ErrInvalidParameter, "frame: frame store %d", pic.CurrReconPic.FrameIdx)
	}
	raw := *in.Raw
	raw.Width, raw.Height = uint32(pic.SrcFrameWidthMinus1)+1, uint32(pic.SrcFrameHeightMinus1)+1
	pc := *pic

	s := &State{
		Geometry:   geo,
		Seq:        seq,
		Pic:        &pc,
		CodingType: CodingP,
		TxMode:     params.TxSelectable,
		Raw:        &raw,
		Recon:      in.Recon,
		FirstFrame: in.FirstFrame,
		BRC:        in.BRC,
		Function:   in.Function,
		Scaling:    width != in.PrevWidth || height != in.PrevHeight,
	}
	if pic.FrameType == params.KeyFrame {
		s.CodingType = CodingI
	}

	s.WaitForPak = !(in.FirstFrame ||
		in.Function == params.FunctionEnc ||
		(!in.BRC && seq.UseRawReconRef) ||
		(!in.BRC && pic.IsKeyOrIntraOnly()))
	s.SignalEnc = (in.Function != params.FunctionEnc || in.BRC) && !in.Caps.VDEnc

	s.RefFlags, err = ConsolidateRefs(pic)
	if err != nil {
		return nil, err
	}
	for _, slot := range []struct {
		bit uint8
		idx uint8
		dst **hw.Surface
	}{
		{params.RefLast, pic.LastRefIdx, &s.Last},
		{params.RefGolden, pic.GoldenRefIdx, &s.Golden},
		{params.RefAlt, pic.AltRefIdx, &s.Alt},
	} {
		if !s.RefFlags.Has(slot.bit) {
			continue
		}
		surf, err := r.refSurface(pic.RefFrameList[slot.idx].FrameIdx, seq.UseRawReconRef)
		if err != nil {
			return nil, err
		}
		*slot.dst = surf
		s.NumRefs++
	}

	cur := r.Entry(pic.CurrReconPic.FrameIdx)
	*cur = RefEntry{
		Pic:       pic.CurrOriginalPic,
		Raw:       &raw,
		Recon:     in.Recon,
		Bitstream: in.Bitstream,
		Width:     width,
		Height:    height,
		UsedAsRef: true,
		QP:        pic.QP(),
		Refs:      uniqueRefs(pic.RefFrameList),
	}

	s.HME = in.Caps.HME && s.CodingType != CodingI && !pic.IntraOnly
	s.SixteenxME = in.Caps.SixteenxME && s.HME
	s.Downscale4x = in.Caps.HME
	s.Downscale16x = in.Caps.HME && in.Caps.SixteenxME
	s.IntraDist = in.Caps.BRCDistortion && s.CodingType == CodingI
	s.UpperBoundLen = geo.FrameWidth * geo.FrameHeight * 3 / 2

	r.logger.Debug("resolve",
		zap.Uint32("width", width),
		zap.Uint32("height", height),
		zap.Stringer("coding_type", s.CodingType),
		zap.Stringer("refs", s.RefFlags),
		zap.Bool("wait_for_pak", s.WaitForPak),
		zap.Bool("signal_enc", s.SignalEnc),
		zap.Bool("scaling", s.Scaling))
	return s, nil
}

func (r *Resolver) refSurface(frameIdx uint8, useRaw bool) (*hw.Surface, error) {
	e := r.Entry(frameIdx)
	src := e.Recon
	if useRaw {
		src = e.Raw
	}
	if src == nil || src.Resource == nil {
		return nil, errors.Wrapf(hw.ErrNullResource, "frame: reference frame store %d", frameIdx)
	}
	surf := *src
	surf.Width, surf.Height = e.Width, e.Height
	return &surf, nil
}
