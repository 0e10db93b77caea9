package kernel

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepteams/vp9enc/internal/brc"
	"github.com/deepteams/vp9enc/internal/frame"
	"github.com/deepteams/vp9enc/internal/hw"
	"github.com/deepteams/vp9enc/internal/params"
	"github.com/deepteams/vp9enc/internal/probctx"
)

func cif(t *testing.T) frame.Geometry {
	t.Helper()
	g, err := frame.ComputeGeometry(352, 288)
	require.NoError(t, err)
	return g
}

func TestKernelNames(t *testing.T) {
	assert.Equal(t, "mbenc_i_32x32", MbEncI32x32.String())
	assert.Equal(t, "brc_update", BrcUpdate.String())
	assert.Equal(t, "Kernel(99)", Kernel(99).String())
	assert.True(t, MbEncTX.IsMbEnc())
	assert.False(t, ME4x.IsMbEnc())
}

func TestWalkerFor(t *testing.T) {
	g := cif(t)
	tests := []struct {
		k          Kernel
		x, y       uint32
		scoreboard bool
		degree     hw.WalkerDegree
	}{
		{MbEncI32x32, 11, 9, false, hw.DegreeNone},
		{MbEncI16x16, 22, 18, true, hw.Degree45Z},
		{MbEncP, 22, 18, true, hw.Degree45Z},
		{MbEncTX, 22, 18, false, hw.DegreeNone},
		{ME4x, 6, 5, false, hw.DegreeNone},
		{Scaling4x, 6, 5, false, hw.DegreeNone},
		{BrcIntraDist, 6, 5, false, hw.DegreeNone},
		{ME16x, 2, 2, false, hw.DegreeNone},
		{Scaling16x, 2, 2, false, hw.DegreeNone},
	}
	for _, tt := range tests {
		t.Run(tt.k.String(), func(t *testing.T) {
			w, ok := WalkerFor(tt.k, g)
			require.True(t, ok)
			assert.Equal(t, tt.x, w.ResolutionX)
			assert.Equal(t, tt.y, w.ResolutionY)
			assert.Equal(t, tt.scoreboard, w.UseScoreboard)
			assert.Equal(t, tt.degree, w.Degree)
			assert.Equal(t, tt.k.String(), w.Kernel)
		})
	}
	for _, k := range []Kernel{BrcInit, BrcReset, BrcUpdate} {
		_, ok := WalkerFor(k, g)
		assert.False(t, ok, k.String())
	}
}

type fixture struct {
	mem    *hw.Memory
	sim    *hw.Sim
	geo    frame.Geometry
	res    *Resources
	brc    *brc.Buffers
	video  *hw.Semaphore
	render *hw.SyncObject
	orch   *Orchestrator

	picStates   int
	picStateDst *hw.Resource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{mem: hw.NewMemory(), geo: cif(t)}
	f.sim = hw.NewSim(f.mem, nil, nil)

	var err error
	f.res, err = AllocateResources(f.mem, f.geo)
	require.NoError(t, err)
	f.brc, err = brc.AllocateBuffers(f.mem, GenericBackend{}.CurbeSize(MbEncI32x32))
	require.NoError(t, err)
	mbCode, err := f.mem.Allocate("MbCode", 4096)
	require.NoError(t, err)

	f.video = hw.NewSemaphore(&hw.SyncObject{Name: "video"}, 0)
	f.render = &hw.SyncObject{Name: "render"}
	f.orch, err = NewOrchestrator(Config{
		Resources:  f.mem,
		Emitter:    hw.NewRecorder(nil),
		Scheduler:  f.sim,
		Buffers:    f.res,
		BRC:        f.brc,
		MbCode:     mbCode,
		VideoSync:  f.video,
		RenderSync: f.render,
		PicState: func(_ *frame.State, dst *hw.Resource) error {
			f.picStates++
			f.picStateDst = dst
			return nil
		},
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) surface(t *testing.T, name string) *hw.Surface {
	t.Helper()
	res, err := f.mem.Allocate(name, 352*288*3/2)
	require.NoError(t, err)
	return &hw.Surface{Resource: res, Width: 352, Height: 288}
}

func (f *fixture) state(t *testing.T, ct frame.CodingType) *frame.State {
	t.Helper()
	s := &frame.State{
		Geometry:     f.geo,
		Pic:          &params.PictureParams{FilterLevel: 10, LumaACQIndex: 60},
		CodingType:   ct,
		TxMode:       params.TxSelectable,
		Raw:          f.surface(t, "raw"),
		Downscale4x:  true,
		Downscale16x: true,
	}
	if ct == frame.CodingP {
		s.Pic.FrameType = params.InterFrame
		s.Last = f.surface(t, "last")
		s.RefFlags = frame.RefFlags(params.RefLast)
		s.NumRefs = 1
		s.HME, s.SixteenxME = true, true
	}
	return s
}

func dispatched(sim *hw.Sim) []string {
	var out []string
	for _, sub := range sim.Submissions() {
		if sub.Context != hw.ContextRender {
			continue
		}
		for _, c := range sub.Buffer.Commands {
			switch p := c.Params.(type) {
			case hw.MediaObjectWalkerParams:
				out = append(out, p.Kernel)
			case hw.MediaObjectParams:
				out = append(out, p.Kernel)
			}
		}
	}
	return out
}

func walker(t *testing.T, sim *hw.Sim, k Kernel) hw.MediaObjectWalkerParams {
	t.Helper()
	for _, sub := range sim.Submissions() {
		for _, c := range sub.Buffer.Commands {
			if w, ok := c.Params.(hw.MediaObjectWalkerParams); ok && w.Kernel == k.String() {
				return w
			}
		}
	}
	t.Fatalf("no walker for %s", k)
	return hw.MediaObjectWalkerParams{}
}

func brcStages(t *testing.T, flags brc.FrameFlags) []brc.Stage {
	t.Helper()
	c := brc.NewController(true, nil)
	require.NoError(t, c.Configure(&params.Sequence{
		RateControl:   params.RateControlCBR,
		TargetBitRate: 1000,
		MaxBitRate:    1000,
		FrameRateNum:  30,
		FrameRateDen:  1,
	}))
	return c.KernelStages(flags)
}

func TestExecute_BRCKeyFrame(t *testing.T) {
	f := newFixture(t)
	s := f.state(t, frame.CodingI)
	stages := brcStages(t, brc.FrameFlags{KeyFrame: true, IntraDist: true})

	require.NoError(t, f.orch.Execute(context.Background(), s, stages))
	assert.Equal(t, []string{
		"brc_init", "scaling_4x", "scaling_16x", "brc_intra_dist", "brc_update",
		"mbenc_i_32x32", "mbenc_i_16x16", "mbenc_tx",
	}, dispatched(f.sim))

	i32 := dshOffset(MbEncI32x32)
	assert.Equal(t, i32, walker(t, f.sim, MbEncI16x16).CurbeOffset)
	assert.Equal(t, i32, walker(t, f.sim, MbEncTX).CurbeOffset)
	assert.Equal(t, i32, walker(t, f.sim, MbEncI32x32).CurbeOffset)

	// The Update kernel programmed the I32x32 CURBE before the filter level
	// was cleared, and the I32x32 dispatch left it alone.
	dsh, err := f.mem.Lock(f.res.DSH, hw.LockRead)
	require.NoError(t, err)
	assert.Equal(t, uint32(288<<16|352), binary.LittleEndian.Uint32(dsh[i32:]))
	assert.Equal(t, uint32(10), binary.LittleEndian.Uint32(dsh[i32+24:]))
	require.NoError(t, f.mem.Unlock(f.res.DSH))

	assert.Zero(t, s.Pic.FilterLevel)
	assert.Equal(t, 1, f.picStates)
	assert.Equal(t, f.brc.PicStateRead, f.picStateDst)
	assert.True(t, s.WaitForEnc)
	assert.Equal(t, 1, f.sim.Signals(f.render))
	assert.Equal(t, 1, f.orch.ModeDecisionIndex())

	require.NoError(t, hw.WithLock(f.mem, f.brc.ConstantData, hw.LockRead, func(data []byte) error {
		for q := 0; q < 256; q++ {
			require.Equal(t, probctx.LoopFilterLevel(uint8(q)), data[q], "qindex %d", q)
		}
		return nil
	}))
}

func TestExecute_BRCReset(t *testing.T) {
	f := newFixture(t)
	s := f.state(t, frame.CodingP)
	stages := []brc.Stage{{Kind: brc.StageInitReset, Reset: true}, {Kind: brc.StageUpdate}}

	require.NoError(t, f.orch.Execute(context.Background(), s, stages))
	got := dispatched(f.sim)
	require.NotEmpty(t, got)
	assert.Equal(t, "brc_reset", got[0])
	assert.Equal(t, dshOffset(MbEncP), walker(t, f.sim, MbEncTX).CurbeOffset)
}

func TestExecute_CQPInterFrame(t *testing.T) {
	f := newFixture(t)
	s := f.state(t, frame.CodingP)
	s.WaitForPak = true

	require.NoError(t, f.orch.Execute(context.Background(), s, nil))
	assert.Equal(t, []string{
		"scaling_4x", "scaling_16x", "me_16x", "me_4x", "mbenc_p", "mbenc_tx",
	}, dispatched(f.sim))
	assert.Equal(t, dshOffset(MbEncP), walker(t, f.sim, MbEncTX).CurbeOffset)
	assert.Equal(t, 1, f.sim.Waits(f.video.Object))
	assert.Equal(t, uint8(10), s.Pic.FilterLevel)
	assert.Zero(t, f.picStates)
}

func TestExecute_DrainsPakSignals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.video.Signal(ctx, f.sim, hw.ContextVideo, hw.ContextRender))
	require.NoError(t, f.video.Signal(ctx, f.sim, hw.ContextVideo, hw.ContextRender))

	s := f.state(t, frame.CodingP)
	s.WaitForPak = true
	require.NoError(t, f.orch.Execute(ctx, s, nil))
	assert.Equal(t, 2, f.sim.Waits(f.video.Object))
	assert.Zero(t, f.video.Count())

	s = f.state(t, frame.CodingP)
	require.NoError(t, f.orch.Execute(ctx, s, nil))
	assert.Equal(t, 2, f.sim.Waits(f.video.Object))
}

func TestExecute_KeyFrameClearsModeDecision(t *testing.T) {
	f := newFixture(t)
	for _, md := range f.res.ModeDecision {
		require.NoError(t, hw.WriteDword(f.mem, md, 0, 0xdeadbeef))
	}
	require.NoError(t, f.orch.Execute(context.Background(), f.state(t, frame.CodingP), nil))
	v, err := hw.ReadDword(f.mem, f.res.ModeDecision[0], 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), v)

	require.NoError(t, f.orch.Execute(context.Background(), f.state(t, frame.CodingI), nil))
	for _, md := range f.res.ModeDecision {
		v, err := hw.ReadDword(f.mem, md, 0)
		require.NoError(t, err)
		assert.Zero(t, v)
	}
	assert.Zero(t, f.orch.ModeDecisionIndex())
}

func TestExecute_Errors(t *testing.T) {
	t.Run("curbe lock", func(t *testing.T) {
		f := newFixture(t)
		boom := errors.New("lock failed")
		f.mem.Fault = func(op string, res *hw.Resource) error {
			if op == "lock" && res == f.res.DSH {
				return boom
			}
			return nil
		}
		err := f.orch.Execute(context.Background(), f.state(t, frame.CodingI), nil)
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "scaling_4x")
	})
	t.Run("canceled", func(t *testing.T) {
		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := f.orch.Execute(ctx, f.state(t, frame.CodingI), nil)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, f.sim.Submissions())
	})
	t.Run("update without buffers", func(t *testing.T) {
		f := newFixture(t)
		f.orch.cfg.BRC = nil
		err := f.orch.Execute(context.Background(), f.state(t, frame.CodingI), []brc.Stage{{Kind: brc.StageUpdate}})
		assert.ErrorIs(t, err, hw.ErrNullResource)
	})
}

func TestNewOrchestrator_Validates(t *testing.T) {
	_, err := NewOrchestrator(Config{})
	assert.Error(t, err)

	mem := hw.NewMemory()
	_, err = NewOrchestrator(Config{Resources: mem, Emitter: hw.NewRecorder(nil), Scheduler: hw.NewSim(mem, nil, nil)})
	assert.ErrorIs(t, err, hw.ErrNullResource)
}

func TestGenericBackend_Curbe(t *testing.T) {
	f := newFixture(t)
	s := f.state(t, frame.CodingP)
	g := GenericBackend{}

	buf := make([]byte, g.CurbeSize(MbEncP))
	require.NoError(t, g.BuildCurbe(MbEncP, &Input{State: s}, buf))
	assert.Equal(t, uint32(18<<16|22), binary.LittleEndian.Uint32(buf[4:]))
	assert.Equal(t, uint32(60), binary.LittleEndian.Uint32(buf[12:]))
	assert.Equal(t, uint32(params.RefLast)|1<<8, binary.LittleEndian.Uint32(buf[16:]))

	assert.ErrorIs(t, g.BuildCurbe(MbEncP, &Input{State: s}, buf[:8]), ErrUnknownKernel)
	small := make([]byte, g.CurbeSize(BrcUpdate))
	assert.ErrorIs(t, g.BuildCurbe(BrcUpdate, &Input{State: s}, small), ErrUnknownKernel)
	assert.Zero(t, g.CurbeSize(NumKernels))
}

func TestGenericBackend_Bindings(t *testing.T) {
	f := newFixture(t)
	s := f.state(t, frame.CodingP)
	g := GenericBackend{}
	in := f.orch.input(s, nil)

	cb := hw.NewCommandBuffer("render")
	require.NoError(t, g.BindSurfaces(hw.NewRecorder(nil), cb, MbEncP, in))
	// raw, mb code, mode decision x2, ME mv and distortion, 16x16 modes and
	// the three aliased reference slots; no segment map.
	assert.Equal(t, 10, cb.Len())
	last := cb.Commands[cb.Len()-1].Params.(hw.SurfaceStateParams)
	assert.Equal(t, s.Last, last.Surface)
	assert.Equal(t, 9, last.BindingIndex)

	s.Pic.SegmentationEnabled = true
	cb = hw.NewCommandBuffer("render")
	require.NoError(t, g.BindSurfaces(hw.NewRecorder(nil), cb, MbEncTX, in))
	assert.Equal(t, 4, cb.Len())

	in.BRC = nil
	assert.ErrorIs(t, g.BindSurfaces(hw.NewRecorder(nil), cb, BrcUpdate, in), hw.ErrNullResource)
}

func TestResources(t *testing.T) {
	mem := hw.NewMemory()
	g := cif(t)
	r, err := AllocateResources(mem, g)
	require.NoError(t, err)
	assert.Equal(t, 11, mem.Live())
	assert.Equal(t, ModeDecisionSize(g), r.ModeDecision[1].Size)
	assert.Equal(t, uint32(96), r.Scaled4x.Width)
	require.NoError(t, r.Release())
	assert.Zero(t, mem.Live())

	boom := errors.New("no memory")
	mem.Fault = func(op string, res *hw.Resource) error {
		if op == "allocate" && res.Name == "Scaled16xSurface" {
			return boom
		}
		return nil
	}
	_, err = AllocateResources(mem, g)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, mem.Live())
}
