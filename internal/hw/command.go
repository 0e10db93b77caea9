package hw

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Opcode identifies a command kind.
type Opcode uint16

const (
	OpPipeModeSelect Opcode = iota + 1
	OpSurfaceState
	OpPipeBufAddr
	OpIndObjBaseAddr
	OpVp9PicState
	OpVp9SegmentState
	OpPakInsertObject
	OpBatchBufferStart
	OpBatchBufferEnd
	OpConditionalBatchBufferEnd
	OpLoadRegisterImm
	OpStoreRegisterMem
	OpCopyMemMem
	OpFlushDw
	OpVdPipelineFlush
	OpMfxWait
	OpMediaObject
	OpMediaObjectWalker
)

var opcodeNames = map[Opcode]string{
	OpPipeModeSelect:            "PIPE_MODE_SELECT",
	OpSurfaceState:              "SURFACE_STATE",
	OpPipeBufAddr:               "PIPE_BUF_ADDR_STATE",
	OpIndObjBaseAddr:            "IND_OBJ_BASE_ADDR_STATE",
	OpVp9PicState:               "VP9_PIC_STATE",
	OpVp9SegmentState:           "VP9_SEGMENT_STATE",
	OpPakInsertObject:           "PAK_INSERT_OBJECT",
	OpBatchBufferStart:          "MI_BATCH_BUFFER_START",
	OpBatchBufferEnd:            "MI_BATCH_BUFFER_END",
	OpConditionalBatchBufferEnd: "MI_CONDITIONAL_BATCH_BUFFER_END",
	OpLoadRegisterImm:           "MI_LOAD_REGISTER_IMM",
	OpStoreRegisterMem:          "MI_STORE_REGISTER_MEM",
	OpCopyMemMem:                "MI_COPY_MEM_MEM",
	OpFlushDw:                   "MI_FLUSH_DW",
	OpVdPipelineFlush:           "VD_PIPELINE_FLUSH",
	OpMfxWait:                   "MFX_WAIT",
	OpMediaObject:               "MEDIA_OBJECT",
	OpMediaObjectWalker:         "MEDIA_OBJECT_WALKER",
}

func (op Opcode) String() string {
	if n, ok := opcodeNames[op]; ok {
		return n
	}
	return fmt.Sprintf("Opcode(%d)", uint16(op))
}

// Command is one recorded command with the parameters it was built from.
type Command struct {
	Op     Opcode
	Params any
}

// CommandBuffer is an ordered list of commands. A batch buffer also has a
// backing byte region in which every command reserves its dwords.
type CommandBuffer struct {
	Name     string
	Commands []Command

	data   []byte
	offset int
}

// NewCommandBuffer returns an unbounded primary command buffer.
func NewCommandBuffer(name string) *CommandBuffer {
	return &CommandBuffer{Name: name}
}

// NewBatchBuffer returns a second-level buffer writing into data, usually
// the locked memory of a batch-buffer resource.
func NewBatchBuffer(name string, data []byte) *CommandBuffer {
	return &CommandBuffer{Name: name, data: data}
}

// Offset returns the number of bytes used in the backing region.
func (cb *CommandBuffer) Offset() int {
	return cb.offset
}

// Len returns the number of recorded commands.
func (cb *CommandBuffer) Len() int {
	return len(cb.Commands)
}

// Ops returns the opcodes in emission order.
func (cb *CommandBuffer) Ops() []Opcode {
	ops := make([]Opcode, len(cb.Commands))
	for i, c := range cb.Commands {
		ops[i] = c.Op
	}
	return ops
}

// Append records a command occupying dwords dwords. For batch buffers the
// header dword (opcode<<16 | length) is written and the payload, if any, is
// copied after it; the payload is zero-padded to the dword count.
func (cb *CommandBuffer) Append(op Opcode, params any, dwords int, payload []byte) error {
	if cb.data != nil {
		size := dwords * 4
		if cb.offset+size > len(cb.data) {
			return errors.Wrapf(ErrNoSpace, "%s: %s needs %d bytes, %d left",
				cb.Name, op, size, len(cb.data)-cb.offset)
		}
		region := cb.data[cb.offset : cb.offset+size]
		clear(region)
		binary.LittleEndian.PutUint32(region, uint32(op)<<16|uint32(dwords-1))
		copy(region[4:], payload)
		cb.offset += size
	}
	cb.Commands = append(cb.Commands, Command{Op: op, Params: params})
	return nil
}

// Register is an MMIO register offset.
type Register uint32

// Registers read back by the PAK status path.
const (
	RegBitstreamBytecountFrame Register = 0x1E9A0
	RegImageStatusMask         Register = 0x1E9B8
	RegImageStatusCtrl         Register = 0x1E9BC
)

func (r Register) String() string {
	switch r {
	case RegBitstreamBytecountFrame:
		return "BITSTREAM_BYTECOUNT_FRAME"
	case RegImageStatusMask:
		return "IMAGE_STATUS_MASK"
	case RegImageStatusCtrl:
		return "IMAGE_STATUS_CTRL"
	}
	return fmt.Sprintf("Register(%#x)", uint32(r))
}

// CodecMode selects the pipe configuration.
type CodecMode uint8

const (
	ModeEncode CodecMode = iota
	ModeDecode
)

// PipeModeSelectParams configures the HCP pipe.
type PipeModeSelectParams struct {
	Mode            CodecMode
	StreamOutEnable bool
	PakPass         int
}

// SurfaceID names a PAK surface slot.
type SurfaceID uint8

const (
	SurfaceRecon SurfaceID = iota
	SurfaceSource
	SurfaceLastRef
	SurfaceGoldenRef
	SurfaceAltRef
)

var surfaceIDNames = [...]string{"recon", "source", "last", "golden", "alt"}

func (id SurfaceID) String() string {
	if int(id) < len(surfaceIDNames) {
		return surfaceIDNames[id]
	}
	return fmt.Sprintf("SurfaceID(%d)", uint8(id))
}

// SurfaceStateParams binds a surface. PAK surfaces use ID; kernel surfaces
// use BindingIndex on the render side.
type SurfaceStateParams struct {
	ID           SurfaceID
	Surface      *Surface
	Resource     *Resource
	BindingIndex int
	Kernel       string
}

// PipeBufAddrParams carries the HCP buffer addresses.
type PipeBufAddrParams struct {
	Recon              *Surface
	Source             *Surface
	References         [3]*Surface
	DeblockLine        *Resource
	DeblockTileLine    *Resource
	DeblockTileColumn  *Resource
	MetadataLine       *Resource
	MetadataTileLine   *Resource
	MetadataTileColumn *Resource
	CurrMvTemporal     *Resource
	ColMvTemporal      *Resource
	ProbabilityBuffer  *Resource
	SegmentIDBuffer    *Resource
	ProbabilityCounter *Resource
	ProbabilityDelta   *Resource
	CompressedHeader   *Resource
	TileRecord         *Resource
	CuStats            *Resource
}

// IndObjBaseAddrParams carries the indirect object addresses.
type IndObjBaseAddrParams struct {
	MvObject               *Resource
	MvObjectOffset         int
	PakBase                *Resource
	PakBaseSize            int
	ProbabilityDelta       *Resource
	ProbabilityDeltaSize   int
	CompressedHeader       *Resource
	CompressedHeaderSize   int
	ProbabilityCounter     *Resource
	ProbabilityCounterSize int
	TileRecord             *Resource
	TileRecordSize         int
	CuStats                *Resource
	CuStatsSize            int
}

// Vp9PicStateParams carries the frame-level PAK state.
type Vp9PicStateParams struct {
	FrameWidth, FrameHeight         uint32
	FrameType                       uint8
	IntraOnly                       bool
	ErrorResilient                  bool
	ShowFrame                       bool
	RefreshFrameContext             bool
	FrameContextIdx                 uint8
	TxMode                          uint8
	FilterLevel                     uint8
	SharpnessLevel                  uint8
	QIndex                          uint8
	NonFirstPass                    bool
	PrevFrameKey                    bool
	PrevFrameIntraOnly              bool
	PrevFrameShow                   bool
	PrevFrameWidth, PrevFrameHeight uint32
}

// PicStateDwords is the size of one encoded Vp9PicState command.
const PicStateDwords = 42

func (p *Vp9PicStateParams) payload() []byte {
	b := make([]byte, (PicStateDwords-1)*4)
	binary.LittleEndian.PutUint32(b[0:], (p.FrameHeight-1)<<16|(p.FrameWidth-1))
	var flags uint32
	set := func(bit uint, v bool) {
		if v {
			flags |= 1 << bit
		}
	}
	set(0, p.FrameType != 0)
	set(1, p.IntraOnly)
	set(2, p.ErrorResilient)
	set(3, p.ShowFrame)
	set(4, p.RefreshFrameContext)
	set(5, p.NonFirstPass)
	set(6, p.PrevFrameKey)
	set(7, p.PrevFrameIntraOnly)
	set(8, p.PrevFrameShow)
	flags |= uint32(p.FrameContextIdx&3) << 12
	flags |= uint32(p.TxMode&7) << 16
	binary.LittleEndian.PutUint32(b[4:], flags)
	binary.LittleEndian.PutUint32(b[8:], uint32(p.QIndex)|uint32(p.FilterLevel)<<8|uint32(p.SharpnessLevel)<<16)
	if p.PrevFrameWidth > 0 && p.PrevFrameHeight > 0 {
		binary.LittleEndian.PutUint32(b[12:], (p.PrevFrameHeight-1)<<16|(p.PrevFrameWidth-1))
	}
	return b
}

// DecodePicState reads back the fields written for a Vp9PicState command
// that starts at data[0].
func DecodePicState(data []byte) (Vp9PicStateParams, error) {
	if len(data) < PicStateDwords*4 {
		return Vp9PicStateParams{}, errors.Errorf("hw: pic state needs %d bytes, have %d", PicStateDwords*4, len(data))
	}
	if op := Opcode(binary.LittleEndian.Uint32(data) >> 16); op != OpVp9PicState {
		return Vp9PicStateParams{}, errors.Errorf("hw: expected %s, found %s", OpVp9PicState, op)
	}
	b := data[4:]
	size := binary.LittleEndian.Uint32(b[0:])
	flags := binary.LittleEndian.Uint32(b[4:])
	q := binary.LittleEndian.Uint32(b[8:])
	prev := binary.LittleEndian.Uint32(b[12:])
	p := Vp9PicStateParams{
		FrameWidth:          size&0xffff + 1,
		FrameHeight:         size>>16 + 1,
		IntraOnly:           flags&(1<<1) != 0,
		ErrorResilient:      flags&(1<<2) != 0,
		ShowFrame:           flags&(1<<3) != 0,
		RefreshFrameContext: flags&(1<<4) != 0,
		NonFirstPass:        flags&(1<<5) != 0,
		PrevFrameKey:        flags&(1<<6) != 0,
		PrevFrameIntraOnly:  flags&(1<<7) != 0,
		PrevFrameShow:       flags&(1<<8) != 0,
		FrameContextIdx:     uint8(flags>>12) & 3,
		TxMode:              uint8(flags>>16) & 7,
		QIndex:              uint8(q),
		FilterLevel:         uint8(q >> 8),
		SharpnessLevel:      uint8(q >> 16),
	}
	if flags&1 != 0 {
		p.FrameType = 1
	}
	if prev != 0 {
		p.PrevFrameWidth = prev&0xffff + 1
		p.PrevFrameHeight = prev>>16 + 1
	}
	return p, nil
}

// Vp9SegmentStateParams carries one segment's PAK state.
type Vp9SegmentStateParams struct {
	SegmentID        uint8
	QIndexDelta      int16
	LFLevelDelta     int8
	ReferenceEnabled bool
	Reference        uint8
	Skip             bool
}

// PakInsertObjectParams inserts raw header bytes ahead of the PAK output.
type PakInsertObjectParams struct {
	Data                    []byte
	BitSize                 int
	SkipEmulationCheckCount uint8
	EndOfSlice              bool
	LastHeader              bool
}

// BatchBufferStartParams jumps into a batch buffer at Offset.
type BatchBufferStartParams struct {
	Buffer      *Resource
	Offset      int
	SecondLevel bool
}

// ConditionalBatchBufferEndParams ends the current buffer when the dword at
// Resource+Offset is zero.
type ConditionalBatchBufferEndParams struct {
	Resource           *Resource
	Offset             int
	CompareData        uint32
	DisableCompareMask bool
}

// LoadRegisterImmParams writes Value into Register.
type LoadRegisterImmParams struct {
	Register Register
	Value    uint32
}

// StoreRegisterMemParams stores Register into Resource+Offset.
type StoreRegisterMemParams struct {
	Register Register
	Resource *Resource
	Offset   int
}

// CopyMemMemParams copies one dword between resources.
type CopyMemMemParams struct {
	Src       *Resource
	SrcOffset int
	Dst       *Resource
	DstOffset int
}

// FlushDwParams flushes outstanding writes.
type FlushDwParams struct {
	VideoPipelineCacheInvalidate bool
}

// VdPipelineFlushParams flushes the video decode/encode pipeline.
type VdPipelineFlushParams struct {
	FlushHEVC    bool
	WaitDoneHEVC bool
}

// MfxWaitParams waits for the previous pipe command.
type MfxWaitParams struct {
	MfxSyncControl bool
}

// WalkerDegree is the dependency pattern of a media walker.
type WalkerDegree uint8

const (
	DegreeNone WalkerDegree = iota
	Degree45
	Degree45Z
	Degree26
)

// MediaObjectWalkerParams dispatches Kernel over a ResolutionX × ResolutionY
// grid of thread groups.
type MediaObjectWalkerParams struct {
	Kernel        string
	ResolutionX   uint32
	ResolutionY   uint32
	UseScoreboard bool
	Degree        WalkerDegree
	CurbeOffset   int
	CurbeSize     int
}

// MediaObjectParams dispatches Kernel as a single thread.
type MediaObjectParams struct {
	Kernel      string
	CurbeOffset int
	CurbeSize   int
}
