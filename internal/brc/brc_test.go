package brc

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepteams/vp9enc/internal/hw"
	"github.com/deepteams/vp9enc/internal/params"
)

func cbr(kbps uint32) *params.Sequence {
	return &params.Sequence{
		RateControl:   params.RateControlCBR,
		TargetBitRate: kbps,
		MaxBitRate:    kbps,
		FrameRateNum:  30,
		FrameRateDen:  1,
		GopPicSize:    30,
	}
}

func TestNumPasses(t *testing.T) {
	assert.Equal(t, 1, NumPasses(params.RateControlCQP))
	for _, rc := range []params.RateControl{params.RateControlCBR, params.RateControlVBR, params.RateControlAVBR} {
		assert.Equal(t, PassCap, NumPasses(rc), rc.String())
	}
	assert.Equal(t, 1, NominalPasses(false))
	assert.Equal(t, MaxNumPasses, NominalPasses(true))
}

func TestComputeInitParams(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		p, err := ComputeInitParams(cbr(1000))
		require.NoError(t, err)
		assert.Equal(t, uint32(1000000), p.TargetBitRate)
		assert.InDelta(t, 33333.33, p.InputBitsPerFrame, 0.01)
		assert.Equal(t, uint32(133333), p.BufSizeInBits)
		assert.Equal(t, uint32(133333*7/8), p.InitBufFullInBits)
	})
	t.Run("vbv clamps initial fullness", func(t *testing.T) {
		seq := cbr(1000)
		seq.VBVBufferSize = 500
		seq.InitVBVFull = 600
		p, err := ComputeInitParams(seq)
		require.NoError(t, err)
		assert.Equal(t, uint32(500000), p.BufSizeInBits)
		assert.Equal(t, uint32(500000), p.InitBufFullInBits)
	})
	t.Run("fullness at least two frames", func(t *testing.T) {
		seq := cbr(1000)
		seq.VBVBufferSize = 500
		seq.InitVBVFull = 10
		p, err := ComputeInitParams(seq)
		require.NoError(t, err)
		assert.Equal(t, uint32(66666), p.InitBufFullInBits)
	})
	t.Run("avbr", func(t *testing.T) {
		seq := cbr(2000)
		seq.RateControl = params.RateControlAVBR
		p, err := ComputeInitParams(seq)
		require.NoError(t, err)
		assert.Equal(t, uint32(4000000), p.BufSizeInBits)
		assert.Equal(t, uint32(3000000), p.InitBufFullInBits)
	})
	t.Run("vbr bounds", func(t *testing.T) {
		seq := cbr(1000)
		seq.RateControl = params.RateControlVBR
		seq.MaxBitRate = 2000
		seq.MinBitRate = 500
		p, err := ComputeInitParams(seq)
		require.NoError(t, err)
		assert.Equal(t, uint32(2000000), p.MaxBitRate)
		assert.Equal(t, uint32(500000), p.MinBitRate)
	})
	t.Run("errors", func(t *testing.T) {
		seq := cbr(1000)
		seq.FrameRateDen = 0
		_, err := ComputeInitParams(seq)
		assert.ErrorIs(t, err, params.ErrInvalidParameter)

		seq = cbr(0)
		_, err = ComputeInitParams(seq)
		assert.ErrorIs(t, err, params.ErrInvalidParameter)
	})
}

func TestFullness_Wraps(t *testing.T) {
	p := InitParams{BufSizeInBits: 100, InitBufFullInBits: 80, InputBitsPerFrame: 30}
	var f fullness
	f.reset(p)

	got, wrapped := f.next(p)
	assert.Equal(t, 80.0, got)
	assert.False(t, wrapped)

	got, wrapped = f.next(p)
	assert.Equal(t, 10.0, got)
	assert.True(t, wrapped)

	got, wrapped = f.next(p)
	assert.Equal(t, 40.0, got)
	assert.False(t, wrapped)
}

func kinds(stages []Stage) []StageKind {
	out := make([]StageKind, len(stages))
	for i, s := range stages {
		out[i] = s.Kind
	}
	return out
}

func TestController_KernelStages(t *testing.T) {
	c := NewController(true, nil)
	require.NoError(t, c.Configure(cbr(1000)))
	require.True(t, c.Enabled())

	stages := c.KernelStages(FrameFlags{KeyFrame: true, IntraDist: true})
	assert.Equal(t, []StageKind{StageInitReset, StageIntraDist, StageUpdate}, kinds(stages))
	assert.False(t, stages[0].Reset)
	assert.Equal(t, float64(c.InitParams().InitBufFullInBits), stages[2].Update.TargetBufFull)
	assert.Equal(t, PassCap, stages[2].Update.NumPasses)
	c.EndFrame()

	stages = c.KernelStages(FrameFlags{})
	assert.Equal(t, []StageKind{StageUpdate}, kinds(stages))
	assert.Equal(t, uint32(1), stages[0].Update.FrameNum)
	c.EndFrame()

	seq := cbr(2000)
	seq.ResetBRC = true
	require.NoError(t, c.Configure(seq))
	stages = c.KernelStages(FrameFlags{})
	require.Equal(t, []StageKind{StageInitReset, StageUpdate}, kinds(stages))
	assert.True(t, stages[0].Reset)
	assert.Equal(t, uint32(2000000), stages[0].Init.TargetBitRate)

	stages = c.KernelStages(FrameFlags{})
	assert.Equal(t, []StageKind{StageUpdate}, kinds(stages))
}

func TestController_CQPHasNoStages(t *testing.T) {
	c := NewController(true, nil)
	require.NoError(t, c.Configure(&params.Sequence{FrameRateNum: 30, FrameRateDen: 1}))
	assert.False(t, c.Enabled())
	assert.Equal(t, 1, c.NumPasses())
	assert.Empty(t, c.KernelStages(FrameFlags{KeyFrame: true}))
}

func TestController_MultiPassKeepsPassCap(t *testing.T) {
	for _, multiPass := range []bool{false, true} {
		c := NewController(true, nil)
		c.SetMultiPass(multiPass)
		require.NoError(t, c.Configure(cbr(1000)))
		assert.Equal(t, multiPass, c.MultiPass())
		assert.Equal(t, PassCap, c.NumPasses())
	}
}

func TestController_ConfigureError(t *testing.T) {
	c := NewController(true, nil)
	err := c.Configure(cbr(0))
	assert.ErrorIs(t, err, params.ErrInvalidParameter)
}

func TestPassState(t *testing.T) {
	c := NewController(false, nil)
	require.NoError(t, c.Configure(cbr(1000)))

	tests := []struct {
		pass           int
		readStatus     bool
		conditionalEnd bool
		offset         int
		submit         bool
	}{
		{0, true, false, 0, false},
		{1, true, true, 192, false},
		{2, true, true, 384, true},
		{3, false, false, 0, true},
	}
	for _, tt := range tests {
		ps := c.Pass(tt.pass)
		assert.Equal(t, tt.readStatus, ps.ReadImageStatus(), "pass %d", tt.pass)
		assert.Equal(t, tt.conditionalEnd, ps.ConditionalEnd(), "pass %d", tt.pass)
		assert.Equal(t, tt.offset, ps.PicStateOffset(), "pass %d", tt.pass)
		assert.Equal(t, tt.submit, ps.Submit(), "pass %d", tt.pass)
		assert.Equal(t, tt.pass == 0, ps.First(), "pass %d", tt.pass)
	}

	ps := PassState{NumPasses: 0}
	assert.Zero(t, ps.PicStateOffset())
}

// fakeExecutor records the passes and collapses like the PAK slice level.
type fakeExecutor struct {
	picture []int
	slice   []int
	final   []bool
	failAt  int
}

func (f *fakeExecutor) ExecutePictureLevel(_ context.Context, ps *PassState) error {
	if ps.Index == f.failAt {
		return errors.New("emit failed")
	}
	f.picture = append(f.picture, ps.Index)
	return nil
}

func (f *fakeExecutor) ExecuteSliceLevel(_ context.Context, ps *PassState) error {
	f.slice = append(f.slice, ps.Index)
	if ps.Submit() && ps.SkipRepak {
		ps.CollapseToRepak()
	}
	f.final = append(f.final, ps.Repak())
	return nil
}

func TestController_Run(t *testing.T) {
	tests := []struct {
		name      string
		seq       *params.Sequence
		skipRepak bool
		want      []int
	}{
		{"cqp skip", &params.Sequence{FrameRateNum: 30, FrameRateDen: 1}, true, []int{0}},
		{"cqp repak", &params.Sequence{FrameRateNum: 30, FrameRateDen: 1}, false, []int{0, 1}},
		{"brc skip", cbr(1000), true, []int{0, 1, 2}},
		{"brc repak", cbr(1000), false, []int{0, 1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(tt.skipRepak, nil)
			require.NoError(t, c.Configure(tt.seq))
			exec := &fakeExecutor{failAt: -1}
			require.NoError(t, c.Run(context.Background(), exec))
			assert.Equal(t, tt.want, exec.picture)
			assert.Equal(t, tt.want, exec.slice)
			require.NotEmpty(t, exec.final)
			assert.True(t, exec.final[len(exec.final)-1])
			for _, f := range exec.final[:len(exec.final)-1] {
				assert.False(t, f)
			}
		})
	}
}

func TestController_RunErrors(t *testing.T) {
	c := NewController(true, nil)
	require.NoError(t, c.Configure(cbr(1000)))

	exec := &fakeExecutor{failAt: 1}
	err := c.Run(context.Background(), exec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pass 1 picture level")
	assert.Equal(t, []int{0}, exec.slice)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = c.Run(ctx, &fakeExecutor{failAt: -1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecodeOutputStatic(t *testing.T) {
	data := make([]byte, MsdkPakBufferSize)
	binary.LittleEndian.PutUint32(data[0:], 0x101)
	binary.LittleEndian.PutUint32(data[4:], 1920)
	binary.LittleEndian.PutUint32(data[8:], 1080)
	out, err := DecodeOutputStatic(data)
	require.NoError(t, err)
	assert.True(t, out.LongTermReference)
	assert.Equal(t, uint16(1919), out.NextFrameWidthMinus1)
	assert.Equal(t, uint16(1079), out.NextFrameHeightMinus1)

	binary.LittleEndian.PutUint32(data[0:], 0x100)
	out, err = DecodeOutputStatic(data)
	require.NoError(t, err)
	assert.False(t, out.LongTermReference)

	_, err = DecodeOutputStatic(data[:8])
	assert.ErrorIs(t, err, ErrBadOutput)
}

func TestBuffers(t *testing.T) {
	m := hw.NewMemory()
	b, err := AllocateBuffers(m, 256)
	require.NoError(t, err)
	assert.Equal(t, 10, m.Live())
	assert.Equal(t, PicStateSizePerPass*MaxNumPasses, b.PicStateWrite.Size)
	assert.Equal(t, 256, b.MbEncCurbe.Size)

	require.NoError(t, b.Release())
	assert.Zero(t, m.Live())
	assert.Nil(t, b.History)
	assert.NoError(t, b.Release())
}

func TestBuffers_AllocationFailure(t *testing.T) {
	m := hw.NewMemory()
	boom := errors.New("out of memory")
	m.Fault = func(op string, res *hw.Resource) error {
		if op == "allocate" && res.Name == "BrcHucDataBuffer" {
			return boom
		}
		return nil
	}
	_, err := AllocateBuffers(m, 256)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, m.Live())
}
