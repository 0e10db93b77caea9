package hw

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// GPUContext selects the engine a command buffer runs on.
type GPUContext uint8

const (
	// ContextVideo runs the PAK passes.
	ContextVideo GPUContext = iota
	// ContextRender runs the ENC and BRC kernels.
	ContextRender
)

func (c GPUContext) String() string {
	switch c {
	case ContextVideo:
		return "video"
	case ContextRender:
		return "render"
	}
	return fmt.Sprintf("GPUContext(%d)", uint8(c))
}

// SyncObject is a cross-engine semaphore.
type SyncObject struct {
	Name string
}

// Scheduler hands out command buffers, submits them, and orders engines
// through sync objects.
type Scheduler interface {
	// CommandBuffer returns the primary buffer of gc. The same buffer is
	// returned until it is submitted.
	CommandBuffer(gc GPUContext) (*CommandBuffer, error)
	Submit(ctx context.Context, gc GPUContext, cb *CommandBuffer) error
	// Wait makes gc wait until so has been signalled count times.
	Wait(ctx context.Context, gc GPUContext, so *SyncObject, count uint32) error
	Signal(ctx context.Context, gc GPUContext, so *SyncObject) error
}

// Submission is one submitted command buffer.
type Submission struct {
	Context GPUContext
	Buffer  *CommandBuffer
	At      time.Time

	// Executed is the number of commands run before the buffer ended.
	Executed int
}

// Sim is an in-process Scheduler. Submitting a buffer executes its register
// and memory commands against a register file and the ResourceManager; the
// remaining commands are recorded only.
type Sim struct {
	mu          sync.Mutex
	rm          ResourceManager
	clock       clock.Clock
	logger      *zap.Logger
	regs        map[Register]uint32
	primary     map[GPUContext]*CommandBuffer
	submissions []Submission
	signals     map[*SyncObject]int
	waits       map[*SyncObject]int

	// PakModel, when set, stands in for the PAK engine: it is called for
	// every VD pipeline flush executed, with the flush index inside the
	// buffer, and returns the frame byte count and image status control the
	// hardware would latch.
	PakModel func(flush int) (bytecount, statusCtrl uint32)
}

// NewSim returns a Sim executing against rm. A nil clock uses the wall
// clock; a nil logger discards output.
func NewSim(rm ResourceManager, clk clock.Clock, logger *zap.Logger) *Sim {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sim{
		rm:      rm,
		clock:   clk,
		logger:  logger.Named("sim"),
		regs:    make(map[Register]uint32),
		primary: make(map[GPUContext]*CommandBuffer),
		signals: make(map[*SyncObject]int),
		waits:   make(map[*SyncObject]int),
	}
}

func (s *Sim) CommandBuffer(gc GPUContext) (*CommandBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.primary[gc]
	if !ok {
		cb = NewCommandBuffer(gc.String())
		s.primary[gc] = cb
	}
	return cb, nil
}

func (s *Sim) Submit(ctx context.Context, gc GPUContext, cb *CommandBuffer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cb == nil {
		return errors.Wrap(ErrNullResource, "submit: nil command buffer")
	}
	executed, err := s.execute(cb)
	if err != nil {
		return errors.Wrapf(err, "submit %s", gc)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.primary[gc] == cb {
		delete(s.primary, gc)
	}
	s.submissions = append(s.submissions, Submission{
		Context:  gc,
		Buffer:   cb,
		At:       s.clock.Now(),
		Executed: executed,
	})
	s.logger.Debug("submitted",
		zap.Stringer("context", gc),
		zap.Int("commands", cb.Len()),
		zap.Int("executed", executed))
	return nil
}

// execute runs cb until its end or a satisfied conditional end.
func (s *Sim) execute(cb *CommandBuffer) (int, error) {
	flushes := 0
	for i, c := range cb.Commands {
		switch p := c.Params.(type) {
		case VdPipelineFlushParams:
			if s.PakModel != nil {
				bytecount, ctrl := s.PakModel(flushes)
				s.setRegister(RegBitstreamBytecountFrame, bytecount)
				s.setRegister(RegImageStatusCtrl, ctrl)
			}
			flushes++
		case LoadRegisterImmParams:
			s.setRegister(p.Register, p.Value)
		case StoreRegisterMemParams:
			if err := WriteDword(s.rm, p.Resource, p.Offset, s.Register(p.Register)); err != nil {
				return i, err
			}
		case CopyMemMemParams:
			v, err := ReadDword(s.rm, p.Src, p.SrcOffset)
			if err != nil {
				return i, err
			}
			if err := WriteDword(s.rm, p.Dst, p.DstOffset, v); err != nil {
				return i, err
			}
		case ConditionalBatchBufferEndParams:
			v, err := ReadDword(s.rm, p.Resource, p.Offset)
			if err != nil {
				return i, err
			}
			if !p.DisableCompareMask {
				v &= p.CompareData
			}
			if v == 0 {
				return i + 1, nil
			}
		}
	}
	return len(cb.Commands), nil
}

func (s *Sim) Wait(ctx context.Context, gc GPUContext, so *SyncObject, count uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if so == nil {
		return errors.Wrapf(ErrNullResource, "wait on %s: nil sync object", gc)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits[so]++
	s.logger.Debug("wait", zap.Stringer("context", gc), zap.String("sync", so.Name), zap.Uint32("count", count))
	return nil
}

func (s *Sim) Signal(ctx context.Context, gc GPUContext, so *SyncObject) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if so == nil {
		return errors.Wrapf(ErrNullResource, "signal on %s: nil sync object", gc)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[so]++
	s.logger.Debug("signal", zap.Stringer("context", gc), zap.String("sync", so.Name))
	return nil
}

func (s *Sim) setRegister(r Register, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[r] = v
}

// SetRegister presets a hardware register, such as the bitstream byte count
// the PAK would produce.
func (s *Sim) SetRegister(r Register, v uint32) {
	s.setRegister(r, v)
}

// Register returns the current value of r.
func (s *Sim) Register(r Register) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[r]
}

// Submissions returns the submitted buffers in order.
func (s *Sim) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.submissions...)
}

// Signals returns how many times so was signalled.
func (s *Sim) Signals(so *SyncObject) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signals[so]
}

// Waits returns how many waits were issued on so.
func (s *Sim) Waits(so *SyncObject) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waits[so]
}

// MaxObjectSignaled bounds the signals a sync object may accumulate.
const MaxObjectSignaled = 32

// Semaphore counts the signals on a sync object that no engine has waited
// for yet.
type Semaphore struct {
	Object *SyncObject
	max    uint32
	count  uint32
}

// NewSemaphore returns a Semaphore on so holding at most limit outstanding
// signals, capped at MaxObjectSignaled.
func NewSemaphore(so *SyncObject, limit uint32) *Semaphore {
	if limit == 0 || limit > MaxObjectSignaled {
		limit = MaxObjectSignaled
	}
	return &Semaphore{Object: so, max: limit}
}

// Count returns the outstanding signals.
func (s *Semaphore) Count() uint32 { return s.count }

// Signal signals from gc. When the count is at its maximum, waiter first
// consumes one signal.
func (s *Semaphore) Signal(ctx context.Context, sched Scheduler, gc, waiter GPUContext) error {
	if s.count == s.max {
		if err := sched.Wait(ctx, waiter, s.Object, 1); err != nil {
			return err
		}
		s.count--
	}
	if err := sched.Signal(ctx, gc, s.Object); err != nil {
		return err
	}
	s.count++
	return nil
}

// Drain makes gc wait for every outstanding signal and resets the count.
func (s *Semaphore) Drain(ctx context.Context, sched Scheduler, gc GPUContext) error {
	if s.count == 0 {
		return nil
	}
	if err := sched.Wait(ctx, gc, s.Object, s.count); err != nil {
		return err
	}
	s.count = 0
	return nil
}
