package vp9enc

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepteams/vp9enc/internal/frame"
	"github.com/deepteams/vp9enc/internal/hw"
	"github.com/deepteams/vp9enc/internal/pak"
	"github.com/deepteams/vp9enc/internal/params"
)

var testHeader = []byte{0x82, 0x49, 0x83, 0x42, 0x00, 0x15, 0xf0, 0x11, 0xf4}

type harness struct {
	hw    HW
	mem   *hw.Memory
	sim   *hw.Sim
	clock *clock.Mock
	enc   *Encoder

	raw   *Surface
	recon map[uint8]*Surface
}

func newHarness(t *testing.T, mutate func(*EncoderOptions)) *harness {
	t.Helper()
	mock := clock.NewMock()
	h := &harness{hw: NewSoftwareHW(mock, nil), clock: mock, recon: make(map[uint8]*Surface)}
	h.mem = h.hw.Resources.(*hw.Memory)
	h.sim = h.hw.Scheduler.(*hw.Sim)

	opts := DefaultOptions()
	opts.MaxWidth, opts.MaxHeight = 352, 288
	opts.Clock = mock
	if mutate != nil {
		mutate(opts)
	}
	var err error
	h.enc, err = NewEncoder(opts, nil, h.hw)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, h.enc.Close()) })

	h.raw, err = h.hw.NewSurface("raw", 352, 288)
	require.NoError(t, err)
	return h
}

func (h *harness) reconFor(t *testing.T, idx uint8) *Surface {
	t.Helper()
	if s, ok := h.recon[idx]; ok {
		return s
	}
	s, err := h.hw.NewSurface("recon", 352, 288)
	require.NoError(t, err)
	h.recon[idx] = s
	return s
}

func keyPic(idx uint8, feedback uint32) *PictureParams {
	p := &PictureParams{
		SrcFrameWidthMinus1:        351,
		SrcFrameHeightMinus1:       287,
		CurrOriginalPic:            Picture{FrameIdx: idx},
		CurrReconPic:               Picture{FrameIdx: idx},
		FrameType:                  params.KeyFrame,
		ShowFrame:                  true,
		RefreshFrameContext:        true,
		LumaACQIndex:               80,
		FilterLevel:                12,
		StatusReportFeedbackNumber: feedback,
		UncompressedHeader:         testHeader,
	}
	for i := range p.RefFrameList {
		p.RefFrameList[i] = Picture{Invalid: true}
	}
	return p
}

func interPic(idx, last uint8, feedback uint32) *PictureParams {
	p := keyPic(idx, feedback)
	p.FrameType = params.InterFrame
	p.RefFrameList[0] = Picture{FrameIdx: last}
	p.RefCtrlL0 = params.RefLast
	return p
}

func intraOnlyPic(idx uint8, feedback uint32) *PictureParams {
	p := keyPic(idx, feedback)
	p.FrameType = params.InterFrame
	p.IntraOnly = true
	return p
}

func cqp() *Sequence {
	return &Sequence{RateControl: params.RateControlCQP, FrameRateNum: 30, FrameRateDen: 1, GopPicSize: 30}
}

func cbr() *Sequence {
	return &Sequence{
		RateControl:   params.RateControlCBR,
		TargetBitRate: 1500,
		MaxBitRate:    1500,
		VBVBufferSize: 3000,
		InitVBVFull:   1500,
		FrameRateNum:  30,
		FrameRateDen:  1,
		GopPicSize:    30,
	}
}

func (h *harness) encode(t *testing.T, seq *Sequence, pic *PictureParams, seg *SegmentParams) *StatusReport {
	t.Helper()
	rep, err := h.enc.EncodeFrame(context.Background(), FrameInput{
		Sequence: seq,
		Picture:  pic,
		Segments: seg,
		Raw:      h.raw,
		Recon:    h.reconFor(t, pic.CurrReconPic.FrameIdx),
	})
	require.NoError(t, err)
	return rep
}

func submissionsOn(sim *hw.Sim, gc hw.GPUContext) int {
	n := 0
	for _, sub := range sim.Submissions() {
		if sub.Context == gc {
			n++
		}
	}
	return n
}

func clearedFlags(e *Encoder) [4]bool {
	var out [4]bool
	for i := range out {
		out[i] = e.ContextState(i).ClearedToKey
	}
	return out
}

func TestEncoder_CQPKeyInterInterKey(t *testing.T) {
	h := newHarness(t, nil)
	h.sim.PakModel = func(int) (uint32, uint32) {
		h.clock.Add(4 * time.Millisecond)
		return 2000, 0
	}

	all := [4]bool{true, true, true, true}
	none := [4]bool{}
	steps := []struct {
		pic     *PictureParams
		cleared [4]bool
	}{
		{keyPic(0, 100), all},
		{interPic(1, 0, 101), none},
		{interPic(2, 1, 102), none},
		{keyPic(3, 103), all},
	}
	for i, step := range steps {
		seq := (*Sequence)(nil)
		if i == 0 {
			seq = cqp()
		}
		rep := h.encode(t, seq, step.pic, nil)
		assert.Equal(t, step.pic.StatusReportFeedbackNumber, rep.FeedbackNumber)
		assert.Equal(t, uint32(i), rep.FrameNum)
		assert.Equal(t, uint32(2000+len(testHeader)), rep.BitstreamSize)
		assert.Equal(t, uint32(len(testHeader)), rep.HeaderBytesInserted)
		assert.Equal(t, pak.StatusSuccessful, rep.CodecStatus)
		// CQP with the RePAK skipped runs a single pass.
		assert.Equal(t, 4*time.Millisecond, rep.Elapsed)
		assert.Equal(t, step.cleared, clearedFlags(h.enc), "frame %d", i)
	}
	assert.Equal(t, uint64(4), h.enc.Frames())
	assert.Equal(t, 4, submissionsOn(h.sim, hw.ContextVideo))
	assert.Equal(t, params.KeyFrame, h.enc.ContextState(0).FrameType)
}

func TestEncoder_BRCKeyInterInterKey(t *testing.T) {
	h := newHarness(t, nil)
	h.sim.PakModel = func(int) (uint32, uint32) { return 3000, 0 }

	all := [4]bool{true, true, true, true}
	none := [4]bool{}
	steps := []struct {
		pic     *PictureParams
		cleared [4]bool
	}{
		{keyPic(0, 100), all},
		{interPic(1, 0, 101), none},
		{interPic(2, 1, 102), none},
		{keyPic(3, 103), all},
	}
	for i, step := range steps {
		seq := (*Sequence)(nil)
		if i == 0 {
			seq = cbr()
		}
		rep := h.encode(t, seq, step.pic, nil)
		assert.Equal(t, uint32(i), rep.FrameNum)
		assert.Equal(t, pak.StatusSuccessful, rep.CodecStatus)
		assert.Equal(t, step.cleared, clearedFlags(h.enc), "frame %d", i)
		assert.False(t, h.enc.ContextState(0).Saved, "frame %d", i)
		assert.Equal(t, i+1, submissionsOn(h.sim, hw.ContextVideo), "frame %d", i)
	}
}

func TestEncoder_IntraOnlySavesAndRestoresContext0(t *testing.T) {
	for _, tt := range []struct {
		name string
		seq  func() *Sequence
		ctrl uint32
	}{
		{"cqp", cqp, 0},
		{"cbr", cbr, 1},
	} {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.sim.PakModel = func(int) (uint32, uint32) { return 2000, tt.ctrl }

			h.encode(t, tt.seq(), keyPic(0, 1), nil)
			h.encode(t, nil, interPic(1, 0, 2), nil)
			before, err := h.enc.Contexts(0)
			require.NoError(t, err)

			rep := h.encode(t, nil, intraOnlyPic(2, 3), nil)
			assert.Equal(t, pak.StatusSuccessful, rep.CodecStatus)
			assert.Equal(t, uint32(2000+len(testHeader)), rep.BitstreamSize)
			st := h.enc.ContextState(0)
			assert.True(t, st.Saved)
			assert.False(t, st.ClearedToKey)
			assert.Equal(t, [4]bool{}, clearedFlags(h.enc))

			h.encode(t, nil, interPic(3, 2, 4), nil)
			assert.False(t, h.enc.ContextState(0).Saved)
			after, err := h.enc.Contexts(0)
			require.NoError(t, err)
			assert.Equal(t, before, after)
			assert.Equal(t, uint64(4), h.enc.Frames())
		})
	}
}

func TestEncoder_IntraOnlyBindsNoReferences(t *testing.T) {
	h := newHarness(t, nil)
	h.encode(t, cqp(), keyPic(0, 1), nil)
	h.encode(t, nil, intraOnlyPic(1, 2), nil)

	var video []hw.Submission
	for _, sub := range h.sim.Submissions() {
		if sub.Context == hw.ContextVideo {
			video = append(video, sub)
		}
	}
	require.Len(t, video, 2)
	found := false
	for _, c := range video[1].Buffer.Commands {
		if p, ok := c.Params.(hw.PipeBufAddrParams); ok {
			found = true
			assert.Equal(t, [3]*hw.Surface{}, p.References)
			assert.Nil(t, p.ColMvTemporal)
		}
	}
	assert.True(t, found)
}

func TestEncoder_BRCClearsSegmentsAndRunsPasses(t *testing.T) {
	h := newHarness(t, nil)
	h.sim.PakModel = func(int) (uint32, uint32) { return 3000, 1 }

	seg := &SegmentParams{}
	seg.Segments[2].QIndexDelta = -8
	rep := h.encode(t, cbr(), keyPic(0, 1), seg)
	assert.Equal(t, SegmentParams{}, *seg)
	assert.Equal(t, uint32(3000+len(testHeader)), rep.BitstreamSize)
	assert.Equal(t, uint32(1), rep.ImageStatusCtrl)
	assert.False(t, rep.LongTermIndication)

	// Passes 0..2 accumulate into one video buffer submitted on the last.
	assert.Equal(t, 1, submissionsOn(h.sim, hw.ContextVideo))
	assert.Positive(t, submissionsOn(h.sim, hw.ContextRender))

	seg.Segments[1].Skip = true
	h.encode(t, nil, interPic(1, 0, 2), seg)
	assert.Equal(t, SegmentParams{}, *seg)
	assert.Equal(t, 2, submissionsOn(h.sim, hw.ContextVideo))
}

func TestEncoder_CQPKeepsSegments(t *testing.T) {
	h := newHarness(t, nil)
	seg := &SegmentParams{}
	seg.Segments[2].QIndexDelta = -8
	h.encode(t, cqp(), keyPic(0, 1), seg)
	assert.Equal(t, int16(-8), seg.Segments[2].QIndexDelta)
}

func TestEncoder_RepakEnabled(t *testing.T) {
	h := newHarness(t, func(o *EncoderOptions) { o.SkipRepak = false })
	h.encode(t, cqp(), keyPic(0, 1), nil)
	// Pass 0 and the RePAK are submitted separately.
	assert.Equal(t, 2, submissionsOn(h.sim, hw.ContextVideo))
}

func TestEncoder_EncOnly(t *testing.T) {
	h := newHarness(t, func(o *EncoderOptions) { o.Function = params.FunctionEnc })
	rep := h.encode(t, cqp(), keyPic(0, 9), nil)
	assert.Equal(t, uint32(9), rep.FeedbackNumber)
	assert.Equal(t, uint32(0), rep.FrameNum)
	assert.Zero(t, rep.BitstreamSize)

	rep = h.encode(t, nil, interPic(1, 0, 10), nil)
	assert.Equal(t, uint32(1), rep.FrameNum)
	assert.Zero(t, submissionsOn(h.sim, hw.ContextVideo))
	assert.Positive(t, submissionsOn(h.sim, hw.ContextRender))
}

func TestEncoder_EmptyReferenceListFailsBeforeDispatch(t *testing.T) {
	h := newHarness(t, nil)
	h.encode(t, cqp(), keyPic(0, 1), nil)
	before := len(h.sim.Submissions())

	pic := interPic(1, 0, 2)
	pic.RefFrameList[0] = Picture{Invalid: true}
	_, err := h.enc.EncodeFrame(context.Background(), FrameInput{
		Picture: pic,
		Raw:     h.raw,
		Recon:   h.reconFor(t, 1),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, frame.ErrEmptyReferenceList))
	assert.Len(t, h.sim.Submissions(), before)
	assert.Equal(t, uint64(1), h.enc.Frames())
}

func TestEncoder_FailedFrameKeepsSegments(t *testing.T) {
	h := newHarness(t, nil)
	h.encode(t, cbr(), keyPic(0, 1), nil)

	seg := &SegmentParams{}
	seg.Segments[2].QIndexDelta = -8
	pic := interPic(1, 0, 2)
	pic.RefFrameList[0] = Picture{Invalid: true}
	_, err := h.enc.EncodeFrame(context.Background(), FrameInput{
		Picture:  pic,
		Segments: seg,
		Raw:      h.raw,
		Recon:    h.reconFor(t, 1),
	})
	require.Error(t, err)
	assert.Equal(t, int16(-8), seg.Segments[2].QIndexDelta)
}

func TestEncoder_Errors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.enc.EncodeFrame(ctx, FrameInput{Picture: keyPic(0, 1), Raw: h.raw, Recon: h.reconFor(t, 0)})
	assert.True(t, errors.Is(err, ErrNoSequence))

	_, err = h.enc.EncodeFrame(ctx, FrameInput{Sequence: cqp(), Raw: h.raw, Recon: h.reconFor(t, 0)})
	assert.True(t, errors.Is(err, params.ErrInvalidParameter))

	bad := keyPic(0, 1)
	bad.UncompressedHeader = nil
	_, err = h.enc.EncodeFrame(ctx, FrameInput{Sequence: cqp(), Picture: bad, Raw: h.raw, Recon: h.reconFor(t, 0)})
	assert.True(t, errors.Is(err, params.ErrInvalidParameter))

	big := keyPic(0, 1)
	big.SrcFrameWidthMinus1 = 703
	_, err = h.enc.EncodeFrame(ctx, FrameInput{Sequence: cqp(), Picture: big, Raw: h.raw, Recon: h.reconFor(t, 0)})
	assert.True(t, errors.Is(err, frame.ErrInvalidDimensions))

	seq := cbr()
	seq.TargetBitRate = 0
	_, err = h.enc.EncodeFrame(ctx, FrameInput{Sequence: seq, Picture: keyPic(0, 1), Raw: h.raw, Recon: h.reconFor(t, 0)})
	assert.True(t, errors.Is(err, params.ErrInvalidParameter))

	assert.Empty(t, h.sim.Submissions())

	_, err = h.enc.Contexts(4)
	assert.True(t, errors.Is(err, params.ErrInvalidParameter))
	assert.Equal(t, ContextState{}, h.enc.ContextState(-1))
}

func TestEncoder_Contexts(t *testing.T) {
	h := newHarness(t, nil)
	h.encode(t, cqp(), keyPic(0, 1), nil)
	c0, err := h.enc.Contexts(0)
	require.NoError(t, err)
	c3, err := h.enc.Contexts(3)
	require.NoError(t, err)
	assert.Equal(t, c0, c3)
	assert.NotEmpty(t, c0)
}

func TestEncoder_Close(t *testing.T) {
	h := NewSoftwareHW(nil, nil)
	mem := h.Resources.(*hw.Memory)

	opts := DefaultOptions()
	opts.MaxWidth, opts.MaxHeight = 352, 288
	enc, err := NewEncoder(opts, nil, h)
	require.NoError(t, err)
	assert.Positive(t, mem.Live())

	require.NoError(t, enc.Close())
	assert.Zero(t, mem.Live())
	require.NoError(t, enc.Close())

	_, err = enc.EncodeFrame(context.Background(), FrameInput{})
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = enc.Contexts(0)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestNewEncoder_AllocationFailureReleases(t *testing.T) {
	h := NewSoftwareHW(nil, nil)
	mem := h.Resources.(*hw.Memory)
	boom := errors.New("out of memory")
	mem.Fault = func(op string, res *hw.Resource) error {
		if op == "allocate" && res.Name == "MbCodeBuffer" {
			return boom
		}
		return nil
	}

	opts := DefaultOptions()
	opts.MaxWidth, opts.MaxHeight = 352, 288
	_, err := NewEncoder(opts, nil, h)
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Zero(t, mem.Live())
}

func TestNewEncoder_IncompleteHW(t *testing.T) {
	_, err := NewEncoder(DefaultOptions(), nil, HW{})
	assert.True(t, errors.Is(err, ErrInvalidOptions))
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*EncoderOptions)
		ok     bool
	}{
		{"default", func(*EncoderOptions) {}, true},
		{"zero_width", func(o *EncoderOptions) { o.MaxWidth = 0 }, false},
		{"huge_height", func(o *EncoderOptions) { o.MaxHeight = MaxDimension + 1 }, false},
		{"bad_function", func(o *EncoderOptions) { o.Function = 7 }, false},
		{"16x_without_hme", func(o *EncoderOptions) { o.HME = false }, false},
		{"no_hme", func(o *EncoderOptions) { o.HME, o.SixteenxME = false, false }, true},
		{"semaphore", func(o *EncoderOptions) { o.SemaphoreMaxCount = hw.MaxObjectSignaled + 1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(opts)
			err := opts.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrInvalidOptions))
		})
	}
}

func TestNewSoftwareHW_Surface(t *testing.T) {
	h := NewSoftwareHW(nil, nil)
	s, err := h.NewSurface("raw", 64, 32)
	require.NoError(t, err)
	assert.Equal(t, 64*32*3/2, s.Size)
	assert.Equal(t, uint32(64), s.Width)
}
