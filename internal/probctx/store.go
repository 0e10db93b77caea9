package probctx

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/deepteams/vp9enc/internal/hw"
	"github.com/deepteams/vp9enc/internal/params"
)

// Action is what a refresh does to one context buffer.
type Action uint8

const (
	// ActionNone leaves the buffer untouched.
	ActionNone Action = iota
	// ActionInitKey reloads the whole buffer from the key defaults.
	ActionInitKey
	// ActionInitInter reloads the whole buffer from the inter defaults.
	ActionInitInter
	// ActionDiffKey rewrites the inter region with key values.
	ActionDiffKey
	// ActionDiffInter rewrites the inter region with inter defaults.
	ActionDiffInter
	// ActionSaveDiffKey snapshots the inter region of context 0, then
	// applies ActionDiffKey.
	ActionSaveDiffKey
	// ActionRestore copies the snapshot back into context 0.
	ActionRestore
)

var actionNames = [...]string{"none", "init_key", "init_inter", "diff_key", "diff_inter", "save_diff_key", "restore"}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("Action(%d)", uint8(a))
}

// FrameInfo is the part of a frame that drives the refresh policy.
type FrameInfo struct {
	KeyFrame          bool
	IntraOnly         bool
	ErrorResilient    bool
	ResetFrameContext uint8
	FrameContextIdx   uint8
	// Scaling is set when the frame size differs from the previous frame.
	Scaling bool
	// PicSizeInSB is the number of superblocks of the current frame.
	PicSizeInSB int
}

// FrameInfoFrom extracts the refresh inputs from picture parameters.
func FrameInfoFrom(p *params.PictureParams, scaling bool, picSizeInSB int) FrameInfo {
	return FrameInfo{
		KeyFrame:          p.FrameType == params.KeyFrame,
		IntraOnly:         p.IntraOnly,
		ErrorResilient:    p.ErrorResilientMode,
		ResetFrameContext: p.ResetFrameContext,
		FrameContextIdx:   p.FrameContextIdx,
		Scaling:           scaling,
		PicSizeInSB:       picSizeInSB,
	}
}

// SegmentIDBytesPerSB is the segment-id buffer footprint of one superblock.
const SegmentIDBytesPerSB = 64

// Store owns the context buffers and the state that survives between
// frames: which buffers hold key-style inter probabilities and the saved
// inter probabilities of context 0.
type Store struct {
	rm     hw.ResourceManager
	tables *Tables
	logger *zap.Logger

	buffers    [NumContexts]*hw.Resource
	segmentIDs *hw.Resource

	clearedToKey [NumContexts]bool
	ctx0Saved    bool
	ctx0Snapshot [InterProbSize]byte
	frameTypes   [NumContexts]params.FrameType
}

// NewStore allocates the context buffers, loads them with the key defaults
// and allocates a segment-id buffer for maxPicSizeInSB superblocks.
func NewStore(rm hw.ResourceManager, tables *Tables, maxPicSizeInSB int, logger *zap.Logger) (_ *Store, err error) {
	if tables == nil {
		tables = DefaultTables()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{rm: rm, tables: tables, logger: logger.Named("probctx")}
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.Release())
		}
	}()

	for i := range s.buffers {
		res, err := rm.Allocate(fmt.Sprintf("ProbabilityBuffer[%d]", i), BufferSize)
		if err != nil {
			return nil, errors.Wrapf(err, "probctx: allocate context %d", i)
		}
		s.buffers[i] = res
		err = hw.WithLock(rm, res, hw.LockWrite, func(data []byte) error {
			copy(data, tables.Key[:])
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "probctx: init context %d", i)
		}
		s.clearedToKey[i] = true
	}
	s.segmentIDs, err = rm.Allocate("SegmentIdBuffer", maxPicSizeInSB*SegmentIDBytesPerSB)
	if err != nil {
		return nil, errors.Wrap(err, "probctx: allocate segment ids")
	}
	return s, nil
}

// Decide returns the action each context would receive for fi, given the
// current state. It does not change the store.
func (s *Store) Decide(fi FrameInfo) [NumContexts]Action {
	var actions [NumContexts]Action
	clearAll := fi.KeyFrame || fi.ErrorResilient || (fi.ResetFrameContext == 3 && fi.IntraOnly)
	clearSpecified := fi.ResetFrameContext == 2 && fi.IntraOnly
	toKey := fi.KeyFrame || fi.IntraOnly

	for i := range actions {
		switch {
		case clearAll || (clearSpecified && i == int(fi.FrameContextIdx)):
			if toKey {
				actions[i] = ActionInitKey
			} else {
				actions[i] = ActionInitInter
			}
		case s.clearedToKey[i]:
			if fi.IntraOnly && i == 0 {
				actions[i] = ActionDiffKey
			} else {
				actions[i] = ActionDiffInter
			}
		case i == 0:
			switch {
			case fi.IntraOnly && !s.ctx0Saved:
				actions[i] = ActionSaveDiffKey
			case fi.IntraOnly:
				actions[i] = ActionDiffKey
			case s.ctx0Saved:
				actions[i] = ActionRestore
			}
		}
	}
	return actions
}

// ResetsSegmentIDs reports whether fi clears the segment-id buffer.
func ResetsSegmentIDs(fi FrameInfo) bool {
	return fi.KeyFrame || fi.Scaling || fi.ErrorResilient || fi.IntraOnly
}

// Refresh applies the actions for fi and returns them. A failed lock leaves
// the store partially refreshed; the frame must be abandoned.
func (s *Store) Refresh(fi FrameInfo) ([NumContexts]Action, error) {
	actions := s.Decide(fi)

	if ResetsSegmentIDs(fi) {
		err := hw.WithLock(s.rm, s.segmentIDs, hw.LockWrite, func(data []byte) error {
			n := fi.PicSizeInSB * SegmentIDBytesPerSB
			if n > len(data) {
				return errors.Errorf("probctx: %d superblocks exceed the segment-id buffer", fi.PicSizeInSB)
			}
			clear(data[:n])
			return nil
		})
		if err != nil {
			return actions, errors.Wrap(err, "probctx: reset segment ids")
		}
	}

	for i, a := range actions {
		if a == ActionNone {
			continue
		}
		err := hw.WithLock(s.rm, s.buffers[i], hw.LockWrite, func(data []byte) error {
			c, err := AsContext(data)
			if err != nil {
				return err
			}
			s.apply(i, a, c)
			return nil
		})
		if err != nil {
			return actions, errors.Wrapf(err, "probctx: refresh context %d (%s)", i, a)
		}
	}

	s.logger.Debug("refresh",
		zap.Stringers("actions", actions[:]),
		zap.Bools("cleared_to_key", s.clearedToKey[:]),
		zap.Bool("ctx0_saved", s.ctx0Saved))
	return actions, nil
}

func (s *Store) apply(i int, a Action, c Context) {
	switch a {
	case ActionInitKey, ActionInitInter:
		s.tables.fullInit(c, a == ActionInitKey)
		s.clearedToKey[i] = a == ActionInitKey
		if i == 0 {
			s.ctx0Saved = false
		}
	case ActionDiffKey:
		s.tables.diffInit(c, true)
	case ActionDiffInter:
		s.tables.diffInit(c, false)
		s.clearedToKey[i] = false
	case ActionSaveDiffKey:
		copy(s.ctx0Snapshot[:], c.Inter())
		s.ctx0Saved = true
		s.tables.diffInit(c, true)
	case ActionRestore:
		copy(c.Inter(), s.ctx0Snapshot[:])
		s.ctx0Saved = false
	}
}

// ClearedToKey reports whether context i holds key-style inter
// probabilities.
func (s *Store) ClearedToKey(i int) bool {
	return s.clearedToKey[i]
}

// Ctx0Saved reports whether a snapshot of context 0 is pending restore.
func (s *Store) Ctx0Saved() bool {
	return s.ctx0Saved
}

// Resource returns the buffer of context i.
func (s *Store) Resource(i int) *hw.Resource {
	return s.buffers[i]
}

// SegmentIDs returns the segment-id buffer.
func (s *Store) SegmentIDs() *hw.Resource {
	return s.segmentIDs
}

// Contents returns a copy of context i.
func (s *Store) Contents(i int) ([]byte, error) {
	out := make([]byte, BufferSize)
	err := hw.WithLock(s.rm, s.buffers[i], hw.LockRead, func(data []byte) error {
		copy(out, data)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "probctx: read context %d", i)
	}
	return out, nil
}

// RecordFrameType remembers the type of the last frame coded with ctx.
func (s *Store) RecordFrameType(ctx uint8, ft params.FrameType) {
	s.frameTypes[ctx] = ft
}

// FrameType returns the type of the last frame coded with ctx.
func (s *Store) FrameType(ctx uint8) params.FrameType {
	return s.frameTypes[ctx]
}

// Release frees every buffer of the store.
func (s *Store) Release() error {
	err := hw.FreeAll(s.rm, append(s.buffers[:], s.segmentIDs)...)
	s.buffers = [NumContexts]*hw.Resource{}
	s.segmentIDs = nil
	return err
}
