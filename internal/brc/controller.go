package brc

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/deepteams/vp9enc/internal/params"
)

// StageKind is a BRC kernel run on the render engine before MbEnc.
type StageKind uint8

const (
	StageInitReset StageKind = iota + 1
	StageIntraDist
	StageUpdate
)

func (k StageKind) String() string {
	switch k {
	case StageInitReset:
		return "init_reset"
	case StageIntraDist:
		return "intra_dist"
	case StageUpdate:
		return "update"
	}
	return "unknown"
}

// Stage is one BRC kernel with its inputs.
type Stage struct {
	Kind StageKind
	// Reset selects the Reset kernel over Init for StageInitReset.
	Reset  bool
	Init   InitParams
	Update UpdateParams
}

// FrameFlags are the per-frame facts that select BRC stages.
type FrameFlags struct {
	KeyFrame  bool
	IntraDist bool
}

// PassState describes one PAK pass.
type PassState struct {
	Index int
	// NumPasses is the index of the RePAK pass.
	NumPasses int
	BRC       bool
	SkipRepak bool
}

// Repak reports whether this is the final re-pack.
func (p *PassState) Repak() bool { return p.Index == p.NumPasses }

// First reports whether this is the first pass of the frame.
func (p *PassState) First() bool { return p.Index == 0 }

// ReadImageStatus reports whether the pass stores the image status before
// packing. The RePAK does not.
func (p *PassState) ReadImageStatus() bool { return !p.Repak() }

// ConditionalEnd reports whether the pass is skipped on the GPU when the
// previous pass met its targets.
func (p *PassState) ConditionalEnd() bool {
	return p.BRC && p.Index > 0 && !p.Repak()
}

// PicStateOffset returns the offset of the pic state this pass packs with.
// The RePAK wraps to the slot of pass zero, which the last Update rewrote.
func (p *PassState) PicStateOffset() int {
	if p.NumPasses == 0 {
		return 0
	}
	return PicStateSizePerPass * (p.Index % p.NumPasses)
}

// Submit reports whether the pass closes and submits the video buffer.
func (p *PassState) Submit() bool { return p.Index >= p.NumPasses-1 }

// CollapseToRepak turns the pass into the final one so no RePAK follows.
func (p *PassState) CollapseToRepak() { p.Index = p.NumPasses }

// PassExecutor packs one pass.
type PassExecutor interface {
	ExecutePictureLevel(ctx context.Context, ps *PassState) error
	ExecuteSliceLevel(ctx context.Context, ps *PassState) error
}

// Controller owns the rate-control state of a sequence.
type Controller struct {
	enabled    bool
	numPasses  int
	skipRepak  bool
	firstFrame bool
	reset      bool
	multiPass  bool
	frameNum   uint32

	init   InitParams
	target fullness
	logger *zap.Logger
}

// NewController returns a Controller. skipRepak stops the pass loop at the
// pass before the RePAK.
func NewController(skipRepak bool, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{skipRepak: skipRepak, firstFrame: true, logger: logger.Named("brc")}
}

// SetMultiPass records the multi-pass BRC feature flag. The pass count
// stays at PassCap either way.
func (c *Controller) SetMultiPass(on bool) { c.multiPass = on }

// MultiPass reports the multi-pass BRC feature flag.
func (c *Controller) MultiPass() bool { return c.multiPass }

// Configure applies a new sequence.
func (c *Controller) Configure(seq *params.Sequence) error {
	c.enabled = seq.RateControl.IsBRC()
	c.numPasses = NumPasses(seq.RateControl)
	c.reset = false
	if !c.enabled {
		return nil
	}
	init, err := ComputeInitParams(seq)
	if err != nil {
		return err
	}
	c.init = init
	c.reset = seq.ResetBRC
	c.logger.Info("configured",
		zap.Stringer("rate_control", seq.RateControl),
		zap.Uint32("target_bps", init.TargetBitRate),
		zap.Uint32("buffer_bits", init.BufSizeInBits),
		zap.Int("num_passes", c.numPasses),
		zap.Int("nominal_passes", NominalPasses(c.multiPass)),
		zap.Bool("reset", c.reset))
	return nil
}

// Enabled reports whether BRC is active.
func (c *Controller) Enabled() bool { return c.enabled }

// NumPasses returns the RePAK pass index of the sequence.
func (c *Controller) NumPasses() int { return c.numPasses }

// FirstFrame reports whether no frame has finished since creation.
func (c *Controller) FirstFrame() bool { return c.firstFrame }

// InitParams returns the constants of the current sequence.
func (c *Controller) InitParams() InitParams { return c.init }

// KernelStages returns the BRC kernels of the next frame in run order. It
// advances the target fullness, so it is called once per frame.
func (c *Controller) KernelStages(f FrameFlags) []Stage {
	if !c.enabled {
		return nil
	}
	var stages []Stage
	if c.firstFrame || c.reset {
		stages = append(stages, Stage{
			Kind:  StageInitReset,
			Reset: c.reset && !c.firstFrame,
			Init:  c.init,
		})
		c.target.reset(c.init)
		c.reset = false
	}
	if f.IntraDist {
		stages = append(stages, Stage{Kind: StageIntraDist, Init: c.init})
	}
	target, wrapped := c.target.next(c.init)
	stages = append(stages, Stage{
		Kind: StageUpdate,
		Init: c.init,
		Update: UpdateParams{
			FrameNum:       c.frameNum,
			NumPasses:      c.numPasses,
			TargetBufFull:  target,
			TargetSizeFlag: wrapped,
			KeyFrame:       f.KeyFrame,
		},
	})
	return stages
}

// Pass returns the state of pass i.
func (c *Controller) Pass(i int) PassState {
	return PassState{
		Index:     i,
		NumPasses: c.numPasses,
		BRC:       c.enabled,
		SkipRepak: c.skipRepak,
	}
}

// Run packs the frame, picture level then slice level for every pass. A
// slice level that collapses its pass to the RePAK ends the loop.
func (c *Controller) Run(ctx context.Context, exec PassExecutor) error {
	for i := 0; i <= c.numPasses; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ps := c.Pass(i)
		if err := exec.ExecutePictureLevel(ctx, &ps); err != nil {
			return errors.Wrapf(err, "brc: pass %d picture level", i)
		}
		if err := exec.ExecuteSliceLevel(ctx, &ps); err != nil {
			return errors.Wrapf(err, "brc: pass %d slice level", i)
		}
		c.logger.Debug("pass", zap.Int("pass", i), zap.Bool("final", ps.Repak()))
		i = ps.Index
	}
	return nil
}

// EndFrame records that a frame finished.
func (c *Controller) EndFrame() {
	c.firstFrame = false
	c.frameNum++
}
