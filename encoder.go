package vp9enc

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/deepteams/vp9enc/internal/brc"
	"github.com/deepteams/vp9enc/internal/frame"
	"github.com/deepteams/vp9enc/internal/hw"
	"github.com/deepteams/vp9enc/internal/kernel"
	"github.com/deepteams/vp9enc/internal/pak"
	"github.com/deepteams/vp9enc/internal/params"
	"github.com/deepteams/vp9enc/internal/probctx"
)

// Errors returned by the encoder.
var (
	ErrInvalidOptions = errors.New("vp9enc: invalid options")
	ErrClosed         = errors.New("vp9enc: encoder closed")
	ErrNoSequence     = errors.New("vp9enc: no sequence parameters")
)

// Parameter types accepted by EncodeFrame.
type (
	Sequence      = params.Sequence
	PictureParams = params.PictureParams
	SegmentParams = params.SegmentParams
	Picture       = params.Picture
	Surface       = hw.Surface
	Resource      = hw.Resource
)

// HW bundles the hardware collaborators an Encoder drives.
type HW struct {
	Emitter   hw.Emitter
	Resources hw.ResourceManager
	Scheduler hw.Scheduler
}

// NewSoftwareHW returns an in-process HW: host memory, a command recorder
// and the software scheduler. A nil clock uses the wall clock.
func NewSoftwareHW(clk clock.Clock, logger *zap.Logger) HW {
	mem := hw.NewMemory()
	return HW{
		Emitter:   hw.NewRecorder(logger),
		Resources: mem,
		Scheduler: hw.NewSim(mem, clk, logger),
	}
}

// NewSurface allocates a 4:2:0 surface of width x height.
func (h HW) NewSurface(name string, width, height uint32) (*Surface, error) {
	res, err := h.Resources.Allocate(name, int(width*height*3/2))
	if err != nil {
		return nil, errors.Wrapf(err, "vp9enc: allocate surface %s", name)
	}
	return &Surface{Resource: res, Width: width, Height: height}, nil
}

// FrameInput is one frame to encode.
type FrameInput struct {
	// Sequence starts a new sequence when non-nil. The first frame must
	// carry one.
	Sequence *Sequence
	Picture  *PictureParams
	// Segments is cleared in place on BRC frames.
	Segments *SegmentParams

	Raw   *Surface
	Recon *Surface
	// Bitstream receives the coded frame. Nil selects the encoder's own
	// buffer.
	Bitstream *Resource
}

// StatusReport is the result of one encoded frame.
type StatusReport struct {
	pak.StatusReport
	Elapsed time.Duration
}

// ContextState is the bookkeeping of one probability context slot.
type ContextState struct {
	ClearedToKey bool
	// Saved reports whether slot 0 holds a saved copy of the previous
	// frame's context.
	Saved     bool
	FrameType params.FrameType
}

// Encoder runs the ENC kernels and PAK passes of a VP9 session. Frames are
// encoded one at a time; concurrent EncodeFrame calls are serialised.
type Encoder struct {
	mu sync.Mutex

	opts   EncoderOptions
	hw     HW
	logger *zap.Logger
	clock  clock.Clock
	maxGeo frame.Geometry

	contexts   *probctx.Store
	brcBufs    *brc.Buffers
	kernelRes  *kernel.Resources
	pak        *pak.Encoder
	orch       *kernel.Orchestrator
	resolver   *frame.Resolver
	ctrl       *brc.Controller
	videoSync  *hw.Semaphore
	renderSync *hw.SyncObject

	seq        *params.Sequence
	prevWidth  uint32
	prevHeight uint32
	frames     uint64
	closed     bool
}

// mbEncCurbeSize is the largest MbEnc CURBE of backend.
func mbEncCurbeSize(backend kernel.Backend) int {
	size := 0
	for k := kernel.Kernel(0); k < kernel.NumKernels; k++ {
		if k.IsMbEnc() {
			size = max(size, backend.CurbeSize(k))
		}
	}
	return size
}

// NewEncoder validates opts and allocates every buffer of the session for
// MaxWidth x MaxHeight. A nil backend selects kernel.GenericBackend.
func NewEncoder(opts *EncoderOptions, backend kernel.Backend, h HW) (_ *Encoder, err error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if h.Emitter == nil || h.Resources == nil || h.Scheduler == nil {
		return nil, errors.Wrap(ErrInvalidOptions, "incomplete HW")
	}
	if backend == nil {
		backend = kernel.GenericBackend{}
	}
	maxGeo, err := frame.ComputeGeometry(opts.MaxWidth, opts.MaxHeight)
	if err != nil {
		return nil, errors.Wrap(err, "vp9enc")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	e := &Encoder{
		opts:       *opts,
		hw:         h,
		logger:     logger.Named("vp9enc"),
		clock:      clk,
		maxGeo:     maxGeo,
		resolver:   frame.NewResolver(opts.MaxWidth, opts.MaxHeight, logger),
		ctrl:       brc.NewController(opts.SkipRepak, logger),
		videoSync:  hw.NewSemaphore(&hw.SyncObject{Name: "VideoContextInUse"}, opts.SemaphoreMaxCount),
		renderSync: &hw.SyncObject{Name: "RenderContextInUse"},
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, e.release())
		}
	}()
	e.ctrl.SetMultiPass(opts.MultiPassBRC)

	if e.contexts, err = probctx.NewStore(h.Resources, nil, int(maxGeo.PicSizeInSB), logger); err != nil {
		return nil, errors.Wrap(err, "vp9enc: probability contexts")
	}
	if e.brcBufs, err = brc.AllocateBuffers(h.Resources, mbEncCurbeSize(backend)); err != nil {
		return nil, errors.Wrap(err, "vp9enc: brc buffers")
	}
	if e.kernelRes, err = kernel.AllocateResources(h.Resources, maxGeo); err != nil {
		return nil, errors.Wrap(err, "vp9enc: kernel resources")
	}
	e.pak, err = pak.NewEncoder(pak.Config{
		Resources:  h.Resources,
		Emitter:    h.Emitter,
		Scheduler:  h.Scheduler,
		Contexts:   e.contexts,
		BRC:        e.brcBufs,
		VideoSync:  e.videoSync,
		RenderSync: e.renderSync,
		Logger:     logger,
	}, maxGeo)
	if err != nil {
		return nil, errors.Wrap(err, "vp9enc: pak")
	}
	e.orch, err = kernel.NewOrchestrator(kernel.Config{
		Resources:  h.Resources,
		Emitter:    h.Emitter,
		Scheduler:  h.Scheduler,
		Backend:    backend,
		Buffers:    e.kernelRes,
		BRC:        e.brcBufs,
		MbCode:     e.pak.Buffers().MbCode,
		VideoSync:  e.videoSync,
		RenderSync: e.renderSync,
		PicState:   e.pak.WritePicStateBuffer,
		Logger:     logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vp9enc: kernels")
	}

	e.logger.Info("encoder created",
		zap.Uint32("max_width", opts.MaxWidth),
		zap.Uint32("max_height", opts.MaxHeight),
		zap.Stringer("function", opts.Function),
		zap.Bool("hme", opts.HME),
		zap.Bool("skip_repak", opts.SkipRepak))
	return e, nil
}

func (e *Encoder) caps() frame.Caps {
	return frame.Caps{
		HME:           e.opts.HME,
		SixteenxME:    e.opts.SixteenxME,
		BRCDistortion: e.opts.BRCDistortion,
		VDEnc:         e.opts.VDEnc,
	}
}

// EncodeFrame encodes one frame: it resolves the frame, runs the kernels
// and, unless the encoder is ENC-only, the PAK passes. Any failure aborts
// the frame and returns no report.
func (e *Encoder) EncodeFrame(ctx context.Context, in FrameInput) (*StatusReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	start := e.clock.Now()

	if in.Sequence != nil {
		if err := in.Sequence.Validate(); err != nil {
			return nil, errors.Wrap(err, "vp9enc: sequence")
		}
		if err := e.ctrl.Configure(in.Sequence); err != nil {
			return nil, errors.Wrap(err, "vp9enc: sequence")
		}
		seq := *in.Sequence
		e.seq = &seq
	}
	if e.seq == nil {
		return nil, ErrNoSequence
	}
	if in.Picture == nil {
		return nil, errors.Wrap(params.ErrInvalidParameter, "vp9enc: no picture parameters")
	}
	if err := in.Picture.Validate(); err != nil {
		return nil, errors.Wrap(err, "vp9enc: picture")
	}
	s, err := e.resolver.Resolve(&frame.Input{
		Seq:        e.seq,
		Pic:        in.Picture,
		Raw:        in.Raw,
		Recon:      in.Recon,
		Bitstream:  in.Bitstream,
		Function:   e.opts.Function,
		BRC:        e.ctrl.Enabled(),
		FirstFrame: e.ctrl.FirstFrame(),
		Caps:       e.caps(),
		PrevWidth:  e.prevWidth,
		PrevHeight: e.prevHeight,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vp9enc: resolve")
	}
	if in.Segments != nil && e.ctrl.Enabled() {
		in.Segments.Reset()
	}

	stages := e.ctrl.KernelStages(brc.FrameFlags{
		KeyFrame:  s.CodingType == frame.CodingI,
		IntraDist: s.IntraDist,
	})
	if err := e.orch.Execute(ctx, s, stages); err != nil {
		return nil, errors.Wrap(err, "vp9enc: kernels")
	}

	rep := &StatusReport{}
	if e.opts.Function == params.FunctionEncPak {
		if err := e.pak.Begin(&pak.Frame{State: s, Segments: in.Segments, Bitstream: in.Bitstream}); err != nil {
			return nil, errors.Wrap(err, "vp9enc: pak")
		}
		if err := e.ctrl.Run(ctx, e.pak); err != nil {
			return nil, errors.Wrap(err, "vp9enc: pak")
		}
		pr, err := e.pak.StatusReport()
		if err != nil {
			return nil, errors.Wrap(err, "vp9enc: status")
		}
		rep.StatusReport = *pr
	} else {
		rep.FeedbackNumber = in.Picture.StatusReportFeedbackNumber
		rep.FrameNum = uint32(e.frames)
		rep.CodecStatus = pak.StatusSuccessful
	}

	e.ctrl.EndFrame()
	e.prevWidth, e.prevHeight = s.Width, s.Height
	e.frames++
	rep.Elapsed = e.clock.Since(start)

	e.logger.Info("frame encoded",
		zap.Uint32("feedback", rep.FeedbackNumber),
		zap.Uint32("frame_num", rep.FrameNum),
		zap.Stringer("coding_type", s.CodingType),
		zap.Uint32("bytes", rep.BitstreamSize),
		zap.Int("kernel_stages", len(stages)),
		zap.Duration("elapsed", rep.Elapsed))
	return rep, nil
}

// ContextState returns the state of probability context slot i. Slots
// outside 0-3 report the zero state.
func (e *Encoder) ContextState(i int) ContextState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= probctx.NumContexts {
		return ContextState{}
	}
	return ContextState{
		ClearedToKey: e.contexts.ClearedToKey(i),
		Saved:        e.contexts.Ctx0Saved(),
		FrameType:    e.contexts.FrameType(uint8(i)),
	}
}

// Contexts returns a copy of probability context slot i.
func (e *Encoder) Contexts(i int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if i < 0 || i >= probctx.NumContexts {
		return nil, errors.Wrapf(params.ErrInvalidParameter, "vp9enc: context %d", i)
	}
	return e.contexts.Contents(i)
}

// Frames returns the number of frames encoded so far.
func (e *Encoder) Frames() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

// Close frees every buffer of the session. Further calls are no-ops.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.release()
}

func (e *Encoder) release() error {
	var err error
	if e.pak != nil {
		err = multierr.Append(err, e.pak.Release())
	}
	if e.kernelRes != nil {
		err = multierr.Append(err, e.kernelRes.Release())
	}
	if e.brcBufs != nil {
		err = multierr.Append(err, e.brcBufs.Release())
	}
	if e.contexts != nil {
		err = multierr.Append(err, e.contexts.Release())
	}
	return err
}
