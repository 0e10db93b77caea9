package kernel

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/deepteams/vp9enc/internal/brc"
	"github.com/deepteams/vp9enc/internal/frame"
	"github.com/deepteams/vp9enc/internal/hw"
	"github.com/deepteams/vp9enc/internal/probctx"
)

// PicStateWriter fills the BRC pic-state read buffer for s.
type PicStateWriter func(s *frame.State, dst *hw.Resource) error

// Config wires an Orchestrator to its collaborators.
type Config struct {
	Resources hw.ResourceManager
	Emitter   hw.Emitter
	Scheduler hw.Scheduler
	Backend   Backend

	Buffers *Resources
	BRC     *brc.Buffers
	MbCode  *hw.Resource

	// VideoSync counts the PAK signals ENC has not yet waited for.
	VideoSync *hw.Semaphore
	// RenderSync is signalled once the frame's kernels are queued.
	RenderSync *hw.SyncObject

	PicState PicStateWriter
	Logger   *zap.Logger
}

// Orchestrator runs the ENC kernels of each frame in dependency order.
type Orchestrator struct {
	cfg    Config
	logger *zap.Logger

	modeDecisionIdx int
	// curbeSetInBrcUpdate is set when the Update kernel programmed the MbEnc
	// CURBE of the current frame.
	curbeSetInBrcUpdate bool
}

// NewOrchestrator checks cfg and returns an Orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Resources == nil || cfg.Emitter == nil || cfg.Scheduler == nil {
		return nil, errors.New("kernel: resource manager, emitter and scheduler are required")
	}
	if cfg.Buffers == nil || cfg.Buffers.DSH == nil || cfg.VideoSync == nil || cfg.RenderSync == nil {
		return nil, errors.Wrap(hw.ErrNullResource, "kernel: buffers and sync objects are required")
	}
	if cfg.Backend == nil {
		cfg.Backend = GenericBackend{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, logger: cfg.Logger.Named("kernel")}, nil
}

// ModeDecisionIndex returns the mode-decision buffer the next frame writes.
func (o *Orchestrator) ModeDecisionIndex() int { return o.modeDecisionIdx }

// Execute runs the kernels of s. stages are the BRC kernels of the frame,
// from brc.Controller.KernelStages. On return s.WaitForEnc is set, so the
// PAK waits for the kernels.
func (o *Orchestrator) Execute(ctx context.Context, s *frame.State, stages []brc.Stage) error {
	sched := o.cfg.Scheduler
	video := o.cfg.VideoSync
	o.curbeSetInBrcUpdate = false

	if s.WaitForPak {
		if err := sched.Wait(ctx, hw.ContextRender, video.Object, 1); err != nil {
			return errors.Wrap(err, "kernel: wait for pak")
		}
	}

	for i := range stages {
		if stages[i].Kind != brc.StageInitReset {
			continue
		}
		k := BrcInit
		if stages[i].Reset {
			k = BrcReset
		}
		if err := o.dispatch(ctx, k, s, &stages[i]); err != nil {
			return err
		}
	}

	if isIntraCoding(s) {
		for _, md := range o.cfg.Buffers.ModeDecision {
			if err := hw.Zero(o.cfg.Resources, md); err != nil {
				return errors.Wrap(err, "kernel: clear mode decision")
			}
		}
	}

	if s.Downscale4x {
		if err := o.dispatch(ctx, Scaling4x, s, nil); err != nil {
			return err
		}
		if s.Downscale16x {
			if err := o.dispatch(ctx, Scaling16x, s, nil); err != nil {
				return err
			}
		}
	}
	if s.HME {
		if s.SixteenxME {
			if err := o.dispatch(ctx, ME16x, s, nil); err != nil {
				return err
			}
		}
		if err := o.dispatch(ctx, ME4x, s, nil); err != nil {
			return err
		}
	}

	// Downscaling and HME do not read PAK output; BRC and MbEnc do.
	if s.WaitForPak {
		if err := video.Drain(ctx, sched, hw.ContextRender); err != nil {
			return errors.Wrap(err, "kernel: drain pak signals")
		}
	}

	for i := range stages {
		var err error
		switch stages[i].Kind {
		case brc.StageIntraDist:
			err = o.dispatch(ctx, BrcIntraDist, s, &stages[i])
		case brc.StageUpdate:
			err = o.brcUpdate(ctx, s, &stages[i])
		}
		if err != nil {
			return err
		}
	}

	mbenc := []Kernel{MbEncP, MbEncTX}
	if isIntraCoding(s) {
		mbenc = []Kernel{MbEncI32x32, MbEncI16x16, MbEncTX}
	}
	for _, k := range mbenc {
		if err := o.dispatch(ctx, k, s, nil); err != nil {
			return err
		}
	}
	o.modeDecisionIdx ^= 1

	if err := sched.Signal(ctx, hw.ContextRender, o.cfg.RenderSync); err != nil {
		return errors.Wrap(err, "kernel: signal enc done")
	}
	s.WaitForEnc = true
	return nil
}

// brcUpdate programs the MbEnc CURBE and the constant data on behalf of the
// Update kernel, refreshes the pic-state read buffer and dispatches it.
func (o *Orchestrator) brcUpdate(ctx context.Context, s *frame.State, stage *brc.Stage) error {
	mb := mbEncFor(s)
	if err := o.writeCurbe(mb, o.input(s, nil)); err != nil {
		return err
	}
	o.curbeSetInBrcUpdate = true

	if o.cfg.BRC == nil {
		return errors.Wrap(hw.ErrNullResource, "kernel: brc update without brc buffers")
	}
	err := hw.WithLock(o.cfg.Resources, o.cfg.BRC.ConstantData, hw.LockWrite, func(data []byte) error {
		for q := 0; q < 256 && q < len(data); q++ {
			data[q] = probctx.LoopFilterLevel(uint8(q))
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "kernel: brc constant data")
	}

	s.Pic.FilterLevel = 0
	if o.cfg.PicState != nil {
		if err := o.cfg.PicState(s, o.cfg.BRC.PicStateRead); err != nil {
			return errors.Wrap(err, "kernel: brc pic state")
		}
	}
	return o.dispatch(ctx, BrcUpdate, s, stage)
}

// curbeOwner returns the kernel whose DSH region k reads its CURBE from.
// I16x16 shares the I32x32 CURBE and TX shares the one of the frame's
// primary MbEnc kernel.
func curbeOwner(k Kernel, s *frame.State) Kernel {
	switch k {
	case MbEncI16x16:
		return MbEncI32x32
	case MbEncTX:
		return mbEncFor(s)
	}
	return k
}

// writesCurbe reports whether dispatching k programs its own CURBE.
func (o *Orchestrator) writesCurbe(k Kernel) bool {
	switch k {
	case MbEncI16x16, MbEncTX:
		return false
	case MbEncI32x32, MbEncP:
		return !o.curbeSetInBrcUpdate
	}
	return true
}

func dshOffset(k Kernel) int {
	return int(k) * DSHSlotSize
}

func (o *Orchestrator) input(s *frame.State, stage *brc.Stage) *Input {
	md := o.cfg.Buffers.ModeDecision
	return &Input{
		State:            s,
		Stage:            stage,
		Resources:        o.cfg.Buffers,
		BRC:              o.cfg.BRC,
		MbCode:           o.cfg.MbCode,
		ModeDecision:     md[o.modeDecisionIdx],
		ModeDecisionPrev: md[o.modeDecisionIdx^1],
	}
}

func (o *Orchestrator) writeCurbe(k Kernel, in *Input) error {
	size := o.cfg.Backend.CurbeSize(k)
	if size <= 0 || size > DSHSlotSize {
		return errors.Wrapf(ErrUnknownKernel, "%s: curbe size %d", k, size)
	}
	off := dshOffset(k)
	err := hw.WithLock(o.cfg.Resources, o.cfg.Buffers.DSH, hw.LockWrite, func(data []byte) error {
		return o.cfg.Backend.BuildCurbe(k, in, data[off:off+size])
	})
	return errors.Wrapf(err, "kernel: %s curbe", k)
}

// dispatch programs and submits k in its own render command buffer.
func (o *Orchestrator) dispatch(ctx context.Context, k Kernel, s *frame.State, stage *brc.Stage) error {
	in := o.input(s, stage)
	if o.writesCurbe(k) {
		if err := o.writeCurbe(k, in); err != nil {
			return err
		}
	}
	owner := curbeOwner(k, s)

	cb, err := o.cfg.Scheduler.CommandBuffer(hw.ContextRender)
	if err != nil {
		return errors.Wrapf(err, "kernel: %s command buffer", k)
	}
	if err := o.cfg.Backend.BindSurfaces(o.cfg.Emitter, cb, k, in); err != nil {
		return errors.Wrapf(err, "kernel: bind %s", k)
	}

	curbeSize := o.cfg.Backend.CurbeSize(owner)
	if w, ok := WalkerFor(k, s.Geometry); ok {
		w.CurbeOffset, w.CurbeSize = dshOffset(owner), curbeSize
		err = o.cfg.Emitter.AddMediaObjectWalker(cb, &w)
	} else {
		err = o.cfg.Emitter.AddMediaObject(cb, &hw.MediaObjectParams{
			Kernel:      k.String(),
			CurbeOffset: dshOffset(owner),
			CurbeSize:   curbeSize,
		})
	}
	if err != nil {
		return errors.Wrapf(err, "kernel: dispatch %s", k)
	}
	if err := o.cfg.Emitter.AddBatchBufferEnd(cb); err != nil {
		return errors.Wrapf(err, "kernel: %s", k)
	}
	if err := o.cfg.Scheduler.Submit(ctx, hw.ContextRender, cb); err != nil {
		return errors.Wrapf(err, "kernel: submit %s", k)
	}
	o.logger.Debug("dispatch",
		zap.Stringer("kernel", k),
		zap.Stringer("curbe_owner", owner),
		zap.Int("bindings", cb.Len()-2))
	return nil
}
