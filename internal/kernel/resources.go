package kernel

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/deepteams/vp9enc/internal/frame"
	"github.com/deepteams/vp9enc/internal/hw"
)

// DSHSlotSize is the dynamic-state-heap space reserved per kernel.
const DSHSlotSize = 256

// Resources are the render-side buffers, sized for the largest frame.
type Resources struct {
	rm hw.ResourceManager

	// ModeDecision alternates between frames; the previous frame's buffer
	// feeds the P kernel.
	ModeDecision [2]*hw.Resource
	Scaled4x     *hw.Surface
	Scaled16x    *hw.Surface

	ME4xMV           *hw.Resource
	ME4xDistortion   *hw.Resource
	ME16xMV          *hw.Resource
	BrcDistortion    *hw.Resource
	Output16x16Modes *hw.Resource
	SegmentMap       *hw.Resource

	// DSH holds one CURBE slot per kernel.
	DSH *hw.Resource
}

// ModeDecisionSize returns the mode-decision buffer size of g.
func ModeDecisionSize(g frame.Geometry) int {
	return 16 * int(g.WidthInMB) * int(g.HeightInMB) * 4
}

// AllocateResources allocates the render buffers for frames up to maxGeo.
func AllocateResources(rm hw.ResourceManager, maxGeo frame.Geometry) (_ *Resources, err error) {
	r := &Resources{rm: rm}
	defer func() {
		if err != nil {
			err = multierr.Append(err, r.Release())
		}
	}()

	mbs := int(maxGeo.WidthInMB * maxGeo.HeightInMB)
	mbs4x := int(maxGeo.Scaled4x.WidthInMB * maxGeo.Scaled4x.HeightInMB)
	mbs16x := int(maxGeo.Scaled16x.WidthInMB * maxGeo.Scaled16x.HeightInMB)

	alloc := func(dst **hw.Resource, name string, size int) error {
		res, err := rm.Allocate(name, size)
		if err != nil {
			return errors.Wrapf(err, "kernel: allocate %s", name)
		}
		*dst = res
		return nil
	}
	for i := range r.ModeDecision {
		if err := alloc(&r.ModeDecision[i], "ModeDecisionBuffer", ModeDecisionSize(maxGeo)); err != nil {
			return nil, err
		}
	}
	for _, a := range []struct {
		dst  **hw.Resource
		name string
		size int
	}{
		{&r.ME4xMV, "4xMeMvDataBuffer", mbs4x * 64},
		{&r.ME4xDistortion, "4xMeDistortionBuffer", mbs4x * 32},
		{&r.ME16xMV, "16xMeMvDataBuffer", mbs16x * 64},
		{&r.BrcDistortion, "BrcDistortionBuffer", mbs4x * 32},
		{&r.Output16x16Modes, "Output16x16InterModes", mbs * 64},
		{&r.SegmentMap, "MbSegmentMapSurface", mbs},
		{&r.DSH, "DynamicStateHeap", int(NumKernels) * DSHSlotSize},
	} {
		if err := alloc(a.dst, a.name, a.size); err != nil {
			return nil, err
		}
	}

	for _, s := range []struct {
		dst  **hw.Surface
		name string
		d    frame.Downscaled
	}{
		{&r.Scaled4x, "Scaled4xSurface", maxGeo.Scaled4x},
		{&r.Scaled16x, "Scaled16xSurface", maxGeo.Scaled16x},
	} {
		var res *hw.Resource
		if err := alloc(&res, s.name, int(s.d.Width*s.d.Height*3/2)); err != nil {
			return nil, err
		}
		*s.dst = &hw.Surface{Resource: res, Width: s.d.Width, Height: s.d.Height}
	}
	return r, nil
}

func surfaceResource(s *hw.Surface) *hw.Resource {
	if s == nil {
		return nil
	}
	return s.Resource
}

// Release frees every buffer. It is safe on a partially allocated set.
func (r *Resources) Release() error {
	if r == nil {
		return nil
	}
	err := hw.FreeAll(r.rm,
		r.ModeDecision[0], r.ModeDecision[1],
		surfaceResource(r.Scaled4x), surfaceResource(r.Scaled16x),
		r.ME4xMV, r.ME4xDistortion, r.ME16xMV, r.BrcDistortion,
		r.Output16x16Modes, r.SegmentMap, r.DSH)
	*r = Resources{rm: r.rm}
	return err
}
