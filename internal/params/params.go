// Package params defines the sequence, picture and segment parameters the
// encoder consumes once per frame.
package params

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidParameter is wrapped by every validation failure in this package.
var ErrInvalidParameter = errors.New("params: invalid parameter")

// FrameType is the VP9 frame_type syntax element.
type FrameType uint8

const (
	KeyFrame   FrameType = 0
	InterFrame FrameType = 1
)

func (t FrameType) String() string {
	if t == KeyFrame {
		return "key"
	}
	return "inter"
}

// TxMode is the VP9 tx_mode syntax element.
type TxMode uint8

const (
	TxOnly4x4 TxMode = iota
	TxAllow8x8
	TxAllow16x16
	TxAllow32x32
	TxSelectable
)

var txModeNames = [...]string{"only_4x4", "allow_8x8", "allow_16x16", "allow_32x32", "tx_mode_select"}

func (m TxMode) String() string {
	if int(m) < len(txModeNames) {
		return txModeNames[m]
	}
	return fmt.Sprintf("TxMode(%d)", uint8(m))
}

// InterpFilter is the VP9 interp_filter syntax element.
type InterpFilter uint8

const (
	FilterEightTapSmooth InterpFilter = iota
	FilterEightTap
	FilterEightTapSharp
	FilterBilinear
	FilterSwitchable
)

// PredMode is the VP9 reference_mode.
type PredMode uint8

const (
	PredSingle PredMode = iota
	PredCompound
	PredHybrid
)

// RateControl is the sequence rate-control method.
type RateControl uint8

const (
	RateControlCQP RateControl = iota
	RateControlCBR
	RateControlVBR
	RateControlAVBR
)

var rateControlNames = [...]string{"cqp", "cbr", "vbr", "avbr"}

func (rc RateControl) String() string {
	if int(rc) < len(rateControlNames) {
		return rateControlNames[rc]
	}
	return fmt.Sprintf("RateControl(%d)", uint8(rc))
}

// ParseRateControl maps a lower-case method name to its RateControl.
func ParseRateControl(s string) (RateControl, error) {
	for i, n := range rateControlNames {
		if n == s {
			return RateControl(i), nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidParameter, "unknown rate control %q", s)
}

// IsBRC reports whether rc is driven by the BRC kernels.
func (rc RateControl) IsBRC() bool {
	return rc == RateControlCBR || rc == RateControlVBR || rc == RateControlAVBR
}

// CodecFunction selects which halves of the pipeline run.
type CodecFunction uint8

const (
	// FunctionEncPak runs the kernels and the PAK.
	FunctionEncPak CodecFunction = iota
	// FunctionEnc runs only the kernels; the caller owns MbCode and PAK.
	FunctionEnc
)

func (f CodecFunction) String() string {
	if f == FunctionEnc {
		return "enc"
	}
	return "enc_pak"
}

// BitDepth is the coded sample depth.
type BitDepth uint8

const (
	BitDepth8  BitDepth = 8
	BitDepth10 BitDepth = 10
)

// Reference control bits used by PictureParams.RefCtrlL0/L1.
const (
	RefLast   uint8 = 1 << 0
	RefGolden uint8 = 1 << 1
	RefAlt    uint8 = 1 << 2
)

// NumRefFrames is the size of the VP9 reference frame list.
const NumRefFrames = 8

// Picture names a frame store entry. Invalid marks an unused slot.
type Picture struct {
	FrameIdx uint8
	Invalid  bool
}

// Sequence carries the sequence-level parameters.
type Sequence struct {
	RateControl RateControl

	TargetBitRate uint32 // kbps
	MaxBitRate    uint32
	MinBitRate    uint32
	VBVBufferSize uint32 // kbits
	InitVBVFull   uint32

	FrameRateNum uint32
	FrameRateDen uint32
	GopPicSize   uint16

	ResetBRC             bool
	UseRawReconRef       bool
	EnableDynamicScaling bool
	DisplayFormatSwizzle bool

	EncodedBitDepth BitDepth
	SourceBitDepth  BitDepth
}

// Validate checks the fields the encoder divides by or indexes with.
func (s *Sequence) Validate() error {
	if s.FrameRateDen == 0 {
		return errors.Wrap(ErrInvalidParameter, "frame rate denominator is zero")
	}
	if s.RateControl.IsBRC() && s.TargetBitRate == 0 {
		return errors.Wrapf(ErrInvalidParameter, "target bitrate is zero under %s", s.RateControl)
	}
	if s.RateControl > RateControlAVBR {
		return errors.Wrapf(ErrInvalidParameter, "rate control %d", s.RateControl)
	}
	return nil
}

// FrameRate returns the frame rate in frames per second.
func (s *Sequence) FrameRate() float64 {
	if s.FrameRateDen == 0 {
		return 0
	}
	return float64(s.FrameRateNum) / float64(s.FrameRateDen)
}

// PictureParams carries the picture-level parameters of one frame.
//
// Sizes are stored minus one, as in the uncompressed header.
type PictureParams struct {
	SrcFrameWidthMinus1  uint16
	SrcFrameHeightMinus1 uint16
	DstFrameWidthMinus1  uint16
	DstFrameHeightMinus1 uint16

	CurrOriginalPic Picture
	CurrReconPic    Picture
	RefFrameList    [NumRefFrames]Picture
	LastRefIdx      uint8
	GoldenRefIdx    uint8
	AltRefIdx       uint8
	LastSignBias    bool
	GoldenSignBias  bool
	AltSignBias     bool
	RefCtrlL0       uint8
	RefCtrlL1       uint8

	FrameType            FrameType
	ShowFrame            bool
	ErrorResilientMode   bool
	IntraOnly            bool
	ResetFrameContext    uint8
	RefreshFrameContext  bool
	FrameContextIdx      uint8
	AllowHighPrecisionMV bool
	McompFilterType      InterpFilter
	CompPredMode         PredMode
	SegmentationEnabled  bool
	Lossless             bool

	LumaACQIndex      uint8
	LumaDCQIndexDelta int8
	FilterLevel       uint8
	SharpnessLevel    uint8

	StatusReportFeedbackNumber uint32

	// UncompressedHeader is the packed uncompressed header, inserted ahead
	// of the PAK output.
	UncompressedHeader      []byte
	SkipEmulationCheckCount uint8
}

// MaxUncompressedHeaderSize is the longest uncompressed header the PAK
// insert region holds.
const MaxUncompressedHeaderSize = 80

// Validate rejects parameters that would index outside fixed tables.
func (p *PictureParams) Validate() error {
	if p.FrameContextIdx >= 4 {
		return errors.Wrapf(ErrInvalidParameter, "frame_context_idx %d", p.FrameContextIdx)
	}
	if p.ResetFrameContext > 3 {
		return errors.Wrapf(ErrInvalidParameter, "reset_frame_context %d", p.ResetFrameContext)
	}
	for _, idx := range []uint8{p.LastRefIdx, p.GoldenRefIdx, p.AltRefIdx} {
		if idx >= NumRefFrames {
			return errors.Wrapf(ErrInvalidParameter, "reference index %d", idx)
		}
	}
	if n := len(p.UncompressedHeader); n == 0 || n > MaxUncompressedHeaderSize {
		return errors.Wrapf(ErrInvalidParameter, "uncompressed header of %d bytes", n)
	}
	if p.McompFilterType > FilterSwitchable {
		return errors.Wrapf(ErrInvalidParameter, "interp filter %d", p.McompFilterType)
	}
	if p.CompPredMode > PredHybrid {
		return errors.Wrapf(ErrInvalidParameter, "reference mode %d", p.CompPredMode)
	}
	return nil
}

// IsKeyOrIntraOnly reports whether the frame carries no inter prediction.
func (p *PictureParams) IsKeyOrIntraOnly() bool {
	return p.FrameType == KeyFrame || p.IntraOnly
}

// QP returns the base quantiser recorded in the reference list.
func (p *PictureParams) QP() int {
	return int(p.LumaACQIndex) + int(p.LumaDCQIndexDelta)
}

// Segment holds the per-segment feature values.
type Segment struct {
	QIndexDelta      int16
	LFLevelDelta     int8
	ReferenceEnabled bool
	Reference        uint8
	Skip             bool
}

// NumSegments is the number of VP9 segments.
const NumSegments = 8

// SegmentParams holds the per-frame segment table.
type SegmentParams struct {
	Segments [NumSegments]Segment
}

// Reset zeroes every segment. BRC computes segment values itself, so the
// caller's values are cleared before each BRC frame.
func (s *SegmentParams) Reset() {
	s.Segments = [NumSegments]Segment{}
}
