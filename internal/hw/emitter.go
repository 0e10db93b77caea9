package hw

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Emitter appends hardware commands to command buffers. Implementations
// encode the packet; the caller only supplies fully populated parameters.
type Emitter interface {
	AddPipeModeSelect(cb *CommandBuffer, p *PipeModeSelectParams) error
	AddSurfaceState(cb *CommandBuffer, p *SurfaceStateParams) error
	AddPipeBufAddr(cb *CommandBuffer, p *PipeBufAddrParams) error
	AddIndObjBaseAddr(cb *CommandBuffer, p *IndObjBaseAddrParams) error
	AddVp9PicState(cb *CommandBuffer, p *Vp9PicStateParams) error
	AddVp9SegmentState(cb *CommandBuffer, p *Vp9SegmentStateParams) error
	AddPakInsertObject(cb *CommandBuffer, p *PakInsertObjectParams) error

	AddBatchBufferStart(cb *CommandBuffer, p *BatchBufferStartParams) error
	AddBatchBufferEnd(cb *CommandBuffer) error
	AddConditionalBatchBufferEnd(cb *CommandBuffer, p *ConditionalBatchBufferEndParams) error
	AddLoadRegisterImm(cb *CommandBuffer, p *LoadRegisterImmParams) error
	AddStoreRegisterMem(cb *CommandBuffer, p *StoreRegisterMemParams) error
	AddCopyMemMem(cb *CommandBuffer, p *CopyMemMemParams) error
	AddFlushDw(cb *CommandBuffer, p *FlushDwParams) error
	AddVdPipelineFlush(cb *CommandBuffer, p *VdPipelineFlushParams) error
	AddMfxWait(cb *CommandBuffer, p *MfxWaitParams) error

	AddMediaObject(cb *CommandBuffer, p *MediaObjectParams) error
	AddMediaObjectWalker(cb *CommandBuffer, p *MediaObjectWalkerParams) error
}

// Command sizes in dwords, including the header.
const (
	pipeModeSelectDwords  = 6
	surfaceStateDwords    = 3
	pipeBufAddrDwords     = 104
	indObjBaseAddrDwords  = 29
	segmentStateDwords    = 8
	pakInsertHeaderDwords = 2
	bbStartDwords         = 3
	bbEndDwords           = 1
	condBBEndDwords       = 4
	lriDwords             = 3
	srmDwords             = 4
	copyMemDwords         = 5
	flushDwDwords         = 5
	vdFlushDwords         = 2
	mfxWaitDwords         = 1
	mediaObjectDwords     = 6
	walkerDwords          = 17
)

// Recorder is the in-process Emitter. It records each command with its
// parameters and, for batch buffers, writes the command header and the
// payload fields the core reads back.
type Recorder struct {
	logger *zap.Logger
}

// NewRecorder returns a Recorder. A nil logger discards output.
func NewRecorder(logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{logger: logger.Named("emitter")}
}

func (r *Recorder) add(cb *CommandBuffer, op Opcode, params any, dwords int, payload []byte) error {
	if cb == nil {
		return errors.Wrapf(ErrNullResource, "%s: nil command buffer", op)
	}
	if err := cb.Append(op, params, dwords, payload); err != nil {
		return err
	}
	if ce := r.logger.Check(zap.DebugLevel, "command"); ce != nil {
		ce.Write(zap.String("buffer", cb.Name), zap.Stringer("op", op))
	}
	return nil
}

func (r *Recorder) AddPipeModeSelect(cb *CommandBuffer, p *PipeModeSelectParams) error {
	return r.add(cb, OpPipeModeSelect, *p, pipeModeSelectDwords, nil)
}

func (r *Recorder) AddSurfaceState(cb *CommandBuffer, p *SurfaceStateParams) error {
	if p.Surface == nil && p.Resource == nil {
		return errors.Wrapf(ErrNullResource, "surface %s", p.ID)
	}
	return r.add(cb, OpSurfaceState, *p, surfaceStateDwords, nil)
}

func (r *Recorder) AddPipeBufAddr(cb *CommandBuffer, p *PipeBufAddrParams) error {
	if p.Recon == nil || p.Source == nil {
		return errors.Wrap(ErrNullResource, "pipe buffer address: recon or source")
	}
	return r.add(cb, OpPipeBufAddr, *p, pipeBufAddrDwords, nil)
}

func (r *Recorder) AddIndObjBaseAddr(cb *CommandBuffer, p *IndObjBaseAddrParams) error {
	return r.add(cb, OpIndObjBaseAddr, *p, indObjBaseAddrDwords, nil)
}

func (r *Recorder) AddVp9PicState(cb *CommandBuffer, p *Vp9PicStateParams) error {
	return r.add(cb, OpVp9PicState, *p, PicStateDwords, p.payload())
}

func (r *Recorder) AddVp9SegmentState(cb *CommandBuffer, p *Vp9SegmentStateParams) error {
	return r.add(cb, OpVp9SegmentState, *p, segmentStateDwords, nil)
}

// AddPakInsertObject writes the header bit size in the second dword and the
// data bytes after it.
func (r *Recorder) AddPakInsertObject(cb *CommandBuffer, p *PakInsertObjectParams) error {
	dataDwords := (len(p.Data) + 3) / 4
	payload := make([]byte, 4+dataDwords*4)
	var ctrl uint32
	if p.EndOfSlice {
		ctrl |= 1 << 1
	}
	if p.LastHeader {
		ctrl |= 1 << 2
	}
	ctrl |= uint32(p.SkipEmulationCheckCount&0xf) << 4
	ctrl |= uint32(p.BitSize) << 8
	binary.LittleEndian.PutUint32(payload, ctrl)
	copy(payload[4:], p.Data)
	return r.add(cb, OpPakInsertObject, *p, pakInsertHeaderDwords+dataDwords, payload)
}

func (r *Recorder) AddBatchBufferStart(cb *CommandBuffer, p *BatchBufferStartParams) error {
	if p.Buffer == nil {
		return errors.Wrap(ErrNullResource, "batch buffer start")
	}
	return r.add(cb, OpBatchBufferStart, *p, bbStartDwords, nil)
}

func (r *Recorder) AddBatchBufferEnd(cb *CommandBuffer) error {
	return r.add(cb, OpBatchBufferEnd, nil, bbEndDwords, nil)
}

func (r *Recorder) AddConditionalBatchBufferEnd(cb *CommandBuffer, p *ConditionalBatchBufferEndParams) error {
	if p.Resource == nil {
		return errors.Wrap(ErrNullResource, "conditional batch buffer end")
	}
	return r.add(cb, OpConditionalBatchBufferEnd, *p, condBBEndDwords, nil)
}

func (r *Recorder) AddLoadRegisterImm(cb *CommandBuffer, p *LoadRegisterImmParams) error {
	return r.add(cb, OpLoadRegisterImm, *p, lriDwords, nil)
}

func (r *Recorder) AddStoreRegisterMem(cb *CommandBuffer, p *StoreRegisterMemParams) error {
	if p.Resource == nil {
		return errors.Wrapf(ErrNullResource, "store %s", p.Register)
	}
	return r.add(cb, OpStoreRegisterMem, *p, srmDwords, nil)
}

func (r *Recorder) AddCopyMemMem(cb *CommandBuffer, p *CopyMemMemParams) error {
	if p.Src == nil || p.Dst == nil {
		return errors.Wrap(ErrNullResource, "copy mem mem")
	}
	return r.add(cb, OpCopyMemMem, *p, copyMemDwords, nil)
}

func (r *Recorder) AddFlushDw(cb *CommandBuffer, p *FlushDwParams) error {
	return r.add(cb, OpFlushDw, *p, flushDwDwords, nil)
}

func (r *Recorder) AddVdPipelineFlush(cb *CommandBuffer, p *VdPipelineFlushParams) error {
	return r.add(cb, OpVdPipelineFlush, *p, vdFlushDwords, nil)
}

func (r *Recorder) AddMfxWait(cb *CommandBuffer, p *MfxWaitParams) error {
	return r.add(cb, OpMfxWait, *p, mfxWaitDwords, nil)
}

func (r *Recorder) AddMediaObject(cb *CommandBuffer, p *MediaObjectParams) error {
	return r.add(cb, OpMediaObject, *p, mediaObjectDwords, nil)
}

func (r *Recorder) AddMediaObjectWalker(cb *CommandBuffer, p *MediaObjectWalkerParams) error {
	if p.ResolutionX == 0 || p.ResolutionY == 0 {
		return errors.Errorf("hw: walker %s: empty resolution %dx%d", p.Kernel, p.ResolutionX, p.ResolutionY)
	}
	return r.add(cb, OpMediaObjectWalker, *p, walkerDwords, nil)
}
