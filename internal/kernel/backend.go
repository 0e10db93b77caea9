package kernel

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/deepteams/vp9enc/internal/brc"
	"github.com/deepteams/vp9enc/internal/frame"
	"github.com/deepteams/vp9enc/internal/hw"
)

// Input is what a backend sees of the frame when programming a kernel.
type Input struct {
	State *frame.State
	// Stage is the BRC stage being run, nil for the other kernels.
	Stage *brc.Stage

	Resources        *Resources
	BRC              *brc.Buffers
	MbCode           *hw.Resource
	ModeDecision     *hw.Resource
	ModeDecisionPrev *hw.Resource
}

// CurbeBuilder packs the constant buffer of a kernel.
type CurbeBuilder interface {
	// CurbeSize returns the CURBE size of k in bytes, at most DSHSlotSize.
	CurbeSize(k Kernel) int
	// BuildCurbe fills dst, which is CurbeSize(k) bytes long.
	BuildCurbe(k Kernel, in *Input, dst []byte) error
}

// SurfaceBinder emits the surface states of a kernel's binding table.
type SurfaceBinder interface {
	BindSurfaces(e hw.Emitter, cb *hw.CommandBuffer, k Kernel, in *Input) error
}

// Backend is the kernel-specific half of a dispatch.
type Backend interface {
	CurbeBuilder
	SurfaceBinder
}

// GenericBackend programs every kernel with a fixed dword layout. It stands
// in for the per-platform kernel binaries.
type GenericBackend struct{}

var _ Backend = GenericBackend{}

// ErrUnknownKernel is returned for a kernel a backend cannot program.
var ErrUnknownKernel = errors.New("kernel: unknown kernel")

func (GenericBackend) CurbeSize(k Kernel) int {
	switch {
	case k.IsMbEnc():
		return 48 * 4
	case k == Scaling4x || k == Scaling16x:
		return 8 * 4
	case k < NumKernels:
		return 16 * 4
	}
	return 0
}

type curbe []byte

func (c curbe) put(i int, v uint32) {
	binary.LittleEndian.PutUint32(c[4*i:], v)
}

func b2u(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

func (g GenericBackend) BuildCurbe(k Kernel, in *Input, dst []byte) error {
	if len(dst) != g.CurbeSize(k) || len(dst) == 0 {
		return errors.Wrapf(ErrUnknownKernel, "%s: curbe of %d bytes", k, len(dst))
	}
	clear(dst)
	c := curbe(dst)
	s := in.State
	c.put(0, s.FrameHeight<<16|s.FrameWidth)

	switch k {
	case BrcInit, BrcReset, BrcIntraDist:
		if in.Stage == nil {
			return errors.Wrapf(ErrUnknownKernel, "%s: no brc stage", k)
		}
		p := in.Stage.Init
		c.put(1, p.BufSizeInBits)
		c.put(2, p.InitBufFullInBits)
		c.put(3, p.TargetBitRate)
		c.put(4, p.MaxBitRate)
		c.put(5, p.MinBitRate)
		c.put(6, p.FrameRateNum)
		c.put(7, p.FrameRateDen)
		c.put(8, uint32(p.GopPicSize)|uint32(p.RateControl)<<16)
		c.put(9, b2u(in.Stage.Reset))
		c.put(10, s.Scaled4x.HeightInMB<<16|s.Scaled4x.WidthInMB)
	case BrcUpdate:
		if in.Stage == nil {
			return errors.Wrapf(ErrUnknownKernel, "%s: no brc stage", k)
		}
		u := in.Stage.Update
		c.put(1, uint32(u.TargetBufFull))
		c.put(2, b2u(u.TargetSizeFlag))
		c.put(3, u.FrameNum)
		c.put(4, uint32(u.NumPasses))
		c.put(5, uint32(s.Pic.FrameType)|b2u(s.Pic.IntraOnly)<<8)
		c.put(6, uint32(s.Pic.QP()))
		c.put(7, in.Stage.Init.BufSizeInBits)
	case ME4x, ME16x:
		d := s.Scaled4x
		if k == ME16x {
			d = s.Scaled16x
		}
		c.put(1, d.HeightInMB<<16|d.WidthInMB)
		c.put(2, uint32(s.RefFlags))
		c.put(3, b2u(k == ME4x && s.SixteenxME))
	case Scaling4x, Scaling16x:
		if k == Scaling4x {
			c.put(1, s.Height<<16|s.Width)
			c.put(2, s.Scaled4x.Height<<16|s.Scaled4x.Width)
		} else {
			c.put(1, s.Scaled4x.Height<<16|s.Scaled4x.Width)
			c.put(2, s.Scaled16x.Height<<16|s.Scaled16x.Width)
		}
	default:
		p := s.Pic
		c.put(1, s.HeightInMB<<16|s.WidthInMB)
		c.put(2, uint32(s.CodingType)|uint32(s.TxMode)<<8|uint32(k-MbEncI32x32)<<16)
		c.put(3, uint32(p.QP()))
		c.put(4, uint32(s.RefFlags)|b2u(s.HME)<<8|b2u(p.SegmentationEnabled)<<9)
		c.put(5, uint32(p.McompFilterType)|uint32(p.CompPredMode)<<8|b2u(p.AllowHighPrecisionMV)<<16)
		c.put(6, uint32(p.FilterLevel)|uint32(p.SharpnessLevel)<<8)
	}
	return nil
}

// binding is one binding-table entry; entries with neither set are skipped.
type binding struct {
	surface  *hw.Surface
	resource *hw.Resource
}

func (g GenericBackend) bindings(k Kernel, in *Input) ([]binding, error) {
	s, r := in.State, in.Resources
	raw := binding{surface: s.Raw}
	var seg binding
	if s.Pic.SegmentationEnabled {
		seg.resource = r.SegmentMap
	}
	slots := s.Slots()

	switch k {
	case Scaling4x:
		return []binding{raw, {surface: r.Scaled4x}}, nil
	case Scaling16x:
		return []binding{{surface: r.Scaled4x}, {surface: r.Scaled16x}}, nil
	case ME16x:
		return []binding{{surface: r.Scaled16x}, {resource: r.ME16xMV}}, nil
	case ME4x:
		b := []binding{{surface: r.Scaled4x}, {resource: r.ME4xMV}, {resource: r.ME4xDistortion}, {resource: r.BrcDistortion}}
		if s.SixteenxME {
			b = append(b, binding{resource: r.ME16xMV})
		}
		for _, ref := range slots {
			b = append(b, binding{surface: ref})
		}
		return b, nil
	case BrcIntraDist:
		return []binding{{surface: r.Scaled4x}, {resource: r.BrcDistortion}}, nil
	}

	if k == BrcInit || k == BrcReset || k == BrcUpdate {
		if in.BRC == nil {
			return nil, errors.Wrapf(hw.ErrNullResource, "%s: no brc buffers", k)
		}
		b := in.BRC
		if k != BrcUpdate {
			return []binding{{resource: b.History}, {resource: r.BrcDistortion}}, nil
		}
		return []binding{
			{resource: b.History},
			{resource: b.PicStateRead},
			{resource: b.PicStateWrite},
			{resource: b.SegmentStateRead},
			{resource: b.SegmentStateWrite},
			{resource: b.BitstreamSize},
			{resource: b.ConstantData},
			{resource: b.MbEncCurbe},
			{resource: r.BrcDistortion},
			{resource: b.MsdkPak},
			{resource: b.HucData},
		}, nil
	}

	b := []binding{raw, {resource: in.MbCode}, {resource: in.ModeDecision}}
	switch k {
	case MbEncI32x32, MbEncI16x16, MbEncTX:
		return append(b, seg), nil
	case MbEncP:
		b = append(b, binding{resource: in.ModeDecisionPrev})
		if s.HME {
			b = append(b, binding{resource: r.ME4xMV}, binding{resource: r.ME4xDistortion})
		}
		b = append(b, binding{resource: r.Output16x16Modes})
		for _, ref := range slots {
			b = append(b, binding{surface: ref})
		}
		return append(b, seg), nil
	}
	return nil, errors.Wrapf(ErrUnknownKernel, "%s", k)
}

func (g GenericBackend) BindSurfaces(e hw.Emitter, cb *hw.CommandBuffer, k Kernel, in *Input) error {
	table, err := g.bindings(k, in)
	if err != nil {
		return err
	}
	for i, b := range table {
		if b.surface == nil && b.resource == nil {
			continue
		}
		err := e.AddSurfaceState(cb, &hw.SurfaceStateParams{
			Surface:      b.surface,
			Resource:     b.resource,
			BindingIndex: i,
			Kernel:       k.String(),
		})
		if err != nil {
			return errors.Wrapf(err, "%s: binding %d", k, i)
		}
	}
	return nil
}

func isIntraCoding(s *frame.State) bool {
	return s.CodingType == frame.CodingI
}

// mbEncFor returns the MbEnc kernel the BRC Update programs for s.
func mbEncFor(s *frame.State) Kernel {
	if isIntraCoding(s) {
		return MbEncI32x32
	}
	return MbEncP
}
