// Package pak builds the video-engine work of a frame: the picture level and
// slice level of every PAK pass, the batch buffers they jump into and the
// status read-back.
package pak

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/deepteams/vp9enc/internal/brc"
	"github.com/deepteams/vp9enc/internal/comphdr"
	"github.com/deepteams/vp9enc/internal/frame"
	"github.com/deepteams/vp9enc/internal/hw"
	"github.com/deepteams/vp9enc/internal/params"
	"github.com/deepteams/vp9enc/internal/probctx"
)

// ErrNoFrame is returned when a pass runs outside Begin and the end of the
// frame.
var ErrNoFrame = errors.New("pak: no frame in progress")

// PrevFrameInfo is what the pic state of a frame needs from the one before.
type PrevFrameInfo struct {
	KeyFrame  bool
	IntraOnly bool
	ShowFrame bool
	Width     uint32
	Height    uint32
}

// Config wires an Encoder to its collaborators.
type Config struct {
	Resources hw.ResourceManager
	Emitter   hw.Emitter
	Scheduler hw.Scheduler

	Contexts *probctx.Store
	BRC      *brc.Buffers

	// VideoSync is signalled at the end of every frame that feeds a later
	// ENC.
	VideoSync *hw.Semaphore
	// RenderSync is waited on before the PAK of a frame whose kernels ran.
	RenderSync *hw.SyncObject

	Logger *zap.Logger
}

// Frame is the per-frame input of the PAK.
type Frame struct {
	State    *frame.State
	Segments *params.SegmentParams
	// Bitstream receives the coded frame. Nil selects the encoder's own
	// buffer.
	Bitstream *hw.Resource
}

// Encoder packs frames on the video engine. It implements
// brc.PassExecutor.
type Encoder struct {
	cfg    Config
	bufs   *Buffers
	logger *zap.Logger

	cur      *Frame
	slot     int
	lastSlot int
	slots    [StatusSlots]slotInfo

	mvIdx    int
	prev     PrevFrameInfo
	frameNum uint32
}

var _ brc.PassExecutor = (*Encoder)(nil)

// NewEncoder checks cfg and allocates the PAK buffers for frames up to
// maxGeo.
func NewEncoder(cfg Config, maxGeo frame.Geometry) (*Encoder, error) {
	if cfg.Resources == nil || cfg.Emitter == nil || cfg.Scheduler == nil {
		return nil, errors.New("pak: resource manager, emitter and scheduler are required")
	}
	if cfg.Contexts == nil || cfg.BRC == nil || cfg.VideoSync == nil {
		return nil, errors.Wrap(hw.ErrNullResource, "pak: contexts, brc buffers and video sync are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	bufs, err := AllocateBuffers(cfg.Resources, maxGeo)
	if err != nil {
		return nil, err
	}
	return &Encoder{
		cfg:      cfg,
		bufs:     bufs,
		logger:   cfg.Logger.Named("pak"),
		lastSlot: -1,
	}, nil
}

// Buffers returns the PAK buffers.
func (e *Encoder) Buffers() *Buffers { return e.bufs }

// PrevFrameInfo returns what was recorded for the last finished frame.
func (e *Encoder) PrevFrameInfo() PrevFrameInfo { return e.prev }

// MvTemporalIndex returns the MV temporal buffer the next frame writes.
func (e *Encoder) MvTemporalIndex() int { return e.mvIdx }

// FrameNum returns the number of finished frames.
func (e *Encoder) FrameNum() uint32 { return e.frameNum }

// Begin starts packing f and claims its status report.
func (e *Encoder) Begin(f *Frame) error {
	if f == nil || f.State == nil || f.State.Pic == nil {
		return errors.Wrap(params.ErrInvalidParameter, "pak: frame without state")
	}
	hdr := f.State.Pic.UncompressedHeader
	if len(hdr) == 0 || len(hdr) > params.MaxUncompressedHeaderSize {
		return errors.Wrapf(params.ErrInvalidParameter, "pak: uncompressed header of %d bytes", len(hdr))
	}

	slot := int(e.frameNum % StatusSlots)
	base := StatusBase(slot)
	err := hw.WithLock(e.cfg.Resources, e.bufs.Status, hw.LockWrite, func(data []byte) error {
		clear(data[base-statusHeaderSize : base-statusHeaderSize+StatusReportSize])
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "pak: clear status")
	}
	e.slot = slot
	e.slots[slot] = slotInfo{
		feedback:    f.State.Pic.StatusReportFeedbackNumber,
		frameNum:    e.frameNum,
		headerBytes: uint32(len(hdr)),
		brc:         f.State.BRC,
		used:        true,
	}
	e.cur = f
	return nil
}

// ExecutePictureLevel emits the frame-level commands of pass ps.
func (e *Encoder) ExecutePictureLevel(ctx context.Context, ps *brc.PassState) error {
	f := e.cur
	if f == nil {
		return ErrNoFrame
	}
	s := f.State
	if ps.First() {
		if err := e.writePakInsert(s.Pic); err != nil {
			return err
		}
		// Under BRC the Update kernel writes the pic states.
		if !ps.BRC {
			if err := e.WritePicStateBuffer(s, e.cfg.BRC.PicStateWrite); err != nil {
				return err
			}
		}
		if _, err := e.cfg.Contexts.Refresh(probctx.FrameInfoFrom(s.Pic, s.Scaling, int(s.PicSizeInSB))); err != nil {
			return errors.Wrap(err, "pak: refresh contexts")
		}
		if err := e.writeCompressedHeader(s); err != nil {
			return err
		}
	}

	cb, err := e.cfg.Scheduler.CommandBuffer(hw.ContextVideo)
	if err != nil {
		return errors.Wrap(err, "pak: command buffer")
	}
	em := e.cfg.Emitter
	base := StatusBase(e.slot)

	if ps.First() {
		err := em.AddLoadRegisterImm(cb, &hw.LoadRegisterImmParams{Register: hw.RegImageStatusCtrl})
		if err != nil {
			return errors.Wrap(err, "pak: clear image status")
		}
	}
	if ps.ReadImageStatus() {
		if err := e.readImageStatus(cb); err != nil {
			return err
		}
	}
	if ps.ConditionalEnd() {
		err := em.AddConditionalBatchBufferEnd(cb, &hw.ConditionalBatchBufferEndParams{
			Resource:           e.bufs.Status,
			Offset:             base + ImageStatusCtrlOffset,
			DisableCompareMask: true,
		})
		if err != nil {
			return errors.Wrap(err, "pak: conditional end")
		}
	}

	if err := em.AddPipeModeSelect(cb, &hw.PipeModeSelectParams{Mode: hw.ModeEncode, PakPass: ps.Index}); err != nil {
		return errors.Wrap(err, "pak: pipe mode select")
	}
	if err := em.AddMfxWait(cb, &hw.MfxWaitParams{}); err != nil {
		return errors.Wrap(err, "pak: mfx wait")
	}
	if err := e.addSurfaces(cb, s); err != nil {
		return err
	}
	if err := e.addPipeBufAddr(cb, s); err != nil {
		return err
	}
	if err := e.addIndObjBaseAddr(cb, f); err != nil {
		return err
	}
	err = em.AddBatchBufferStart(cb, &hw.BatchBufferStartParams{
		Buffer:      e.cfg.BRC.PicStateWrite,
		Offset:      ps.PicStateOffset(),
		SecondLevel: true,
	})
	if err != nil {
		return errors.Wrap(err, "pak: pic state")
	}
	if err := e.addSegmentStates(cb, f); err != nil {
		return err
	}

	e.logger.Debug("picture level",
		zap.Int("pass", ps.Index),
		zap.Int("num_passes", ps.NumPasses),
		zap.Int("pic_state_offset", ps.PicStateOffset()),
		zap.Bool("conditional_end", ps.ConditionalEnd()))
	return nil
}

// ExecuteSliceLevel emits the tail of pass ps and submits the buffer when
// the pass is one of the last two. The final pass also finishes the frame.
func (e *Encoder) ExecuteSliceLevel(ctx context.Context, ps *brc.PassState) error {
	f := e.cur
	if f == nil {
		return ErrNoFrame
	}
	s := f.State
	sched, em := e.cfg.Scheduler, e.cfg.Emitter

	cb, err := sched.CommandBuffer(hw.ContextVideo)
	if err != nil {
		return errors.Wrap(err, "pak: command buffer")
	}
	for _, bb := range []*hw.Resource{e.bufs.PakInsert, e.bufs.MbCode} {
		err := em.AddBatchBufferStart(cb, &hw.BatchBufferStartParams{Buffer: bb, SecondLevel: true})
		if err != nil {
			return errors.Wrapf(err, "pak: start %s", bb)
		}
	}
	if err := em.AddVdPipelineFlush(cb, &hw.VdPipelineFlushParams{FlushHEVC: true, WaitDoneHEVC: true}); err != nil {
		return errors.Wrap(err, "pak: pipeline flush")
	}
	if err := e.readHcpStatus(cb); err != nil {
		return err
	}
	if err := em.AddFlushDw(cb, &hw.FlushDwParams{}); err != nil {
		return errors.Wrap(err, "pak: flush")
	}

	submit := ps.Submit()
	if submit {
		if err := em.AddBatchBufferEnd(cb); err != nil {
			return errors.Wrap(err, "pak: end")
		}
		if ps.SkipRepak {
			ps.CollapseToRepak()
		}
	}

	if s.WaitForEnc && e.cfg.RenderSync != nil {
		if err := sched.Wait(ctx, hw.ContextVideo, e.cfg.RenderSync, 1); err != nil {
			return errors.Wrap(err, "pak: wait for enc")
		}
		s.WaitForEnc = false
	}

	if submit {
		if err := sched.Submit(ctx, hw.ContextVideo, cb); err != nil {
			return errors.Wrap(err, "pak: submit")
		}
	}

	if ps.Repak() {
		return e.endFrame(ctx)
	}
	return nil
}

func (e *Encoder) endFrame(ctx context.Context) error {
	s := e.cur.State
	if s.SignalEnc {
		if err := e.cfg.VideoSync.Signal(ctx, e.cfg.Scheduler, hw.ContextVideo, hw.ContextRender); err != nil {
			return errors.Wrap(err, "pak: signal video sync")
		}
	}

	pic := s.Pic
	key := pic.FrameType == params.KeyFrame
	e.prev = PrevFrameInfo{
		KeyFrame:  key,
		IntraOnly: key || pic.IntraOnly,
		ShowFrame: pic.ShowFrame,
		Width:     s.Width,
		Height:    s.Height,
	}
	e.mvIdx ^= 1
	e.cfg.Contexts.RecordFrameType(pic.FrameContextIdx, pic.FrameType)
	e.lastSlot = e.slot
	e.frameNum++
	e.cur = nil

	e.logger.Debug("frame packed",
		zap.Uint32("frame_num", e.frameNum-1),
		zap.Int("status_slot", e.lastSlot),
		zap.Int("mv_temporal", e.mvIdx))
	return nil
}

// StatusReport returns the report of the last finished frame.
func (e *Encoder) StatusReport() (*StatusReport, error) {
	if e.lastSlot < 0 {
		return nil, errors.New("pak: no frame finished")
	}
	return readReport(e.cfg.Resources, e.bufs, e.cfg.BRC.MsdkPak, e.lastSlot, e.slots[e.lastSlot])
}

// Release frees the PAK buffers.
func (e *Encoder) Release() error {
	return e.bufs.Release()
}

func (e *Encoder) picState(s *frame.State) hw.Vp9PicStateParams {
	p := s.Pic
	return hw.Vp9PicStateParams{
		FrameWidth:          s.Width,
		FrameHeight:         s.Height,
		FrameType:           uint8(p.FrameType),
		IntraOnly:           p.IntraOnly,
		ErrorResilient:      p.ErrorResilientMode,
		ShowFrame:           p.ShowFrame,
		RefreshFrameContext: p.RefreshFrameContext,
		FrameContextIdx:     p.FrameContextIdx,
		TxMode:              uint8(s.TxMode),
		FilterLevel:         p.FilterLevel,
		SharpnessLevel:      p.SharpnessLevel,
		QIndex:              p.LumaACQIndex,
		PrevFrameKey:        e.prev.KeyFrame,
		PrevFrameIntraOnly:  e.prev.IntraOnly,
		PrevFrameShow:       e.prev.ShowFrame,
		PrevFrameWidth:      e.prev.Width,
		PrevFrameHeight:     e.prev.Height,
	}
}

// WritePicStateBuffer writes one pic state per pass slot into dst, each
// closed by a batch buffer end. Slots after the first are marked as
// non-first passes.
func (e *Encoder) WritePicStateBuffer(s *frame.State, dst *hw.Resource) error {
	if s == nil || dst == nil {
		return errors.Wrap(hw.ErrNullResource, "pak: pic state buffer")
	}
	ps := e.picState(s)
	err := hw.WithLock(e.cfg.Resources, dst, hw.LockWrite, func(data []byte) error {
		const size = brc.PicStateSizePerPass
		if len(data) < size*brc.MaxNumPasses {
			return errors.Wrapf(hw.ErrNoSpace, "%s: %d bytes", dst, len(data))
		}
		for i := 0; i < brc.MaxNumPasses; i++ {
			ps.NonFirstPass = i != 0
			bb := hw.NewBatchBuffer(fmt.Sprintf("PicState[%d]", i), data[i*size:(i+1)*size])
			if err := e.cfg.Emitter.AddVp9PicState(bb, &ps); err != nil {
				return err
			}
			if err := e.cfg.Emitter.AddBatchBufferEnd(bb); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "pak: write pic state")
}

func (e *Encoder) writePakInsert(pic *params.PictureParams) error {
	hdr := pic.UncompressedHeader
	err := hw.WithLock(e.cfg.Resources, e.bufs.PakInsert, hw.LockWrite, func(data []byte) error {
		bb := hw.NewBatchBuffer("PakInsert", data)
		err := e.cfg.Emitter.AddPakInsertObject(bb, &hw.PakInsertObjectParams{
			Data:                    hdr,
			BitSize:                 len(hdr) * 8,
			SkipEmulationCheckCount: pic.SkipEmulationCheckCount,
			EndOfSlice:              true,
			LastHeader:              true,
		})
		if err != nil {
			return err
		}
		return e.cfg.Emitter.AddBatchBufferEnd(bb)
	})
	return errors.Wrap(err, "pak: write pak insert")
}

func (e *Encoder) writeCompressedHeader(s *frame.State) error {
	h := comphdr.Build(comphdr.ParamsFrom(s.Pic, s.TxMode))
	defer h.Release()
	err := hw.WithLock(e.cfg.Resources, e.bufs.CompressedHeader, hw.LockWrite, func(data []byte) error {
		clear(data)
		return h.Pack(data)
	})
	return errors.Wrap(err, "pak: write compressed header")
}

func (e *Encoder) addSurfaces(cb *hw.CommandBuffer, s *frame.State) error {
	surfaces := []hw.SurfaceStateParams{
		{ID: hw.SurfaceRecon, Surface: s.Recon},
		{ID: hw.SurfaceSource, Surface: s.Raw},
	}
	for i, ref := range s.Slots() {
		if ref != nil {
			surfaces = append(surfaces, hw.SurfaceStateParams{ID: hw.SurfaceLastRef + hw.SurfaceID(i), Surface: ref})
		}
	}
	for i := range surfaces {
		if err := e.cfg.Emitter.AddSurfaceState(cb, &surfaces[i]); err != nil {
			return errors.Wrapf(err, "pak: %s surface", surfaces[i].ID)
		}
	}
	return nil
}

func (e *Encoder) addPipeBufAddr(cb *hw.CommandBuffer, s *frame.State) error {
	b := e.bufs
	p := &hw.PipeBufAddrParams{
		Recon:              s.Recon,
		Source:             s.Raw,
		DeblockLine:        b.DeblockLine,
		DeblockTileLine:    b.DeblockTileLine,
		DeblockTileColumn:  b.DeblockTileColumn,
		MetadataLine:       b.MetadataLine,
		MetadataTileLine:   b.MetadataTileLine,
		MetadataTileColumn: b.MetadataTileColumn,
		CurrMvTemporal:     b.MvTemporal[e.mvIdx],
		ProbabilityBuffer:  e.cfg.Contexts.Resource(int(s.Pic.FrameContextIdx)),
		SegmentIDBuffer:    e.cfg.Contexts.SegmentIDs(),
		ProbabilityCounter: b.ProbabilityCounter,
		ProbabilityDelta:   b.ProbabilityDelta,
		CompressedHeader:   b.CompressedHeader,
		TileRecord:         b.TileRecord,
		CuStats:            b.CuStats,
	}
	if !s.IsIntra() {
		refs := s.Slots()
		for i, ref := range refs {
			if ref == nil {
				return errors.Wrapf(hw.ErrNullResource, "pak: %s reference", hw.SurfaceLastRef+hw.SurfaceID(i))
			}
		}
		p.References = refs
		p.ColMvTemporal = b.MvTemporal[e.mvIdx^1]
	}
	return errors.Wrap(e.cfg.Emitter.AddPipeBufAddr(cb, p), "pak: pipe buf addr")
}

func (e *Encoder) addIndObjBaseAddr(cb *hw.CommandBuffer, f *Frame) error {
	b, s := e.bufs, f.State
	bitstream := f.Bitstream
	if bitstream == nil {
		bitstream = b.Bitstream
	}
	sbs := int(s.PicSizeInSB)
	err := e.cfg.Emitter.AddIndObjBaseAddr(cb, &hw.IndObjBaseAddrParams{
		MvObject:               b.MbCode,
		MvObjectOffset:         b.MvOffset,
		PakBase:                bitstream,
		PakBaseSize:            int(s.UpperBoundLen),
		ProbabilityDelta:       b.ProbabilityDelta,
		ProbabilityDeltaSize:   ProbabilityDeltaSize,
		CompressedHeader:       b.CompressedHeader,
		CompressedHeaderSize:   CompressedHeaderSize,
		ProbabilityCounter:     b.ProbabilityCounter,
		ProbabilityCounterSize: ProbabilityCounterSize,
		TileRecord:             b.TileRecord,
		TileRecordSize:         sbs * CachelineSize,
		CuStats:                b.CuStats,
		CuStatsSize:            CuStatsSize(sbs),
	})
	return errors.Wrap(err, "pak: ind obj base addr")
}

func (e *Encoder) addSegmentStates(cb *hw.CommandBuffer, f *Frame) error {
	n := 1
	if f.State.Pic.SegmentationEnabled {
		n = params.NumSegments
	}
	for i := 0; i < n; i++ {
		var seg params.Segment
		if f.Segments != nil {
			seg = f.Segments.Segments[i]
		}
		err := e.cfg.Emitter.AddVp9SegmentState(cb, &hw.Vp9SegmentStateParams{
			SegmentID:        uint8(i),
			QIndexDelta:      seg.QIndexDelta,
			LFLevelDelta:     seg.LFLevelDelta,
			ReferenceEnabled: seg.ReferenceEnabled,
			Reference:        seg.Reference,
			Skip:             seg.Skip,
		})
		if err != nil {
			return errors.Wrapf(err, "pak: segment %d", i)
		}
	}
	return nil
}

// readImageStatus stores the image status registers into the frame's
// report and hands the control word to the BRC.
func (e *Encoder) readImageStatus(cb *hw.CommandBuffer) error {
	em, status := e.cfg.Emitter, e.bufs.Status
	base := StatusBase(e.slot)
	for _, r := range []struct {
		reg hw.Register
		off int
	}{
		{hw.RegImageStatusMask, ImageStatusMaskOffset},
		{hw.RegImageStatusCtrl, ImageStatusCtrlOffset},
	} {
		err := em.AddStoreRegisterMem(cb, &hw.StoreRegisterMemParams{Register: r.reg, Resource: status, Offset: base + r.off})
		if err != nil {
			return errors.Wrapf(err, "pak: store %s", r.reg)
		}
	}
	err := em.AddCopyMemMem(cb, &hw.CopyMemMemParams{
		Src:       status,
		SrcOffset: base + ImageStatusCtrlOffset,
		Dst:       e.cfg.BRC.BitstreamSize,
		DstOffset: brc.ImageStatusControlOffset,
	})
	if err != nil {
		return errors.Wrap(err, "pak: copy image status")
	}
	return errors.Wrap(em.AddFlushDw(cb, &hw.FlushDwParams{}), "pak: flush")
}

// readHcpStatus stores the frame byte count into the report and the BRC
// bitstream size buffer.
func (e *Encoder) readHcpStatus(cb *hw.CommandBuffer) error {
	em, status := e.cfg.Emitter, e.bufs.Status
	off := StatusBase(e.slot) + BSByteCountOffset
	if err := em.AddFlushDw(cb, &hw.FlushDwParams{}); err != nil {
		return errors.Wrap(err, "pak: flush")
	}
	err := em.AddStoreRegisterMem(cb, &hw.StoreRegisterMemParams{
		Register: hw.RegBitstreamBytecountFrame,
		Resource: status,
		Offset:   off,
	})
	if err != nil {
		return errors.Wrap(err, "pak: store byte count")
	}
	err = em.AddCopyMemMem(cb, &hw.CopyMemMemParams{
		Src:       status,
		SrcOffset: off,
		Dst:       e.cfg.BRC.BitstreamSize,
		DstOffset: brc.BitstreamByteCountOffset,
	})
	return errors.Wrap(err, "pak: copy byte count")
}
