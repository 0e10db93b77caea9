package pak

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/deepteams/vp9enc/internal/brc"
	"github.com/deepteams/vp9enc/internal/hw"
)

// Encode-status buffer layout. Each frame owns one report; the hardware
// fields of a report start statusHeaderSize bytes into it.
const (
	StatusSlots      = 16
	StatusReportSize = 64
	StatusBufferSize = StatusSlots*StatusReportSize + statusHeaderSize

	statusHeaderSize = 8

	BSByteCountOffset     = 0
	ImageStatusMaskOffset = 8
	// ImageStatusCtrlOffset follows the mask so both read as one qword.
	ImageStatusCtrlOffset = ImageStatusMaskOffset + 4
)

// StatusBase returns the offset of the hardware fields of report slot.
func StatusBase(slot int) int {
	return slot*StatusReportSize + statusHeaderSize
}

// CodecStatus is the outcome of a frame as seen by the caller.
type CodecStatus uint8

const (
	StatusSuccessful CodecStatus = iota
	StatusIncomplete
	StatusError
)

func (s CodecStatus) String() string {
	switch s {
	case StatusSuccessful:
		return "successful"
	case StatusIncomplete:
		return "incomplete"
	case StatusError:
		return "error"
	}
	return fmt.Sprintf("CodecStatus(%d)", uint8(s))
}

// StatusReport is the per-frame result returned to the caller.
type StatusReport struct {
	FeedbackNumber uint32
	FrameNum       uint32
	// BitstreamSize is the PAK byte count plus the inserted header bytes.
	BitstreamSize       uint32
	HeaderBytesInserted uint32
	// ImageStatusCtrl is the control word latched by the last pass read.
	ImageStatusCtrl uint32

	LongTermIndication    bool
	NextFrameWidthMinus1  uint16
	NextFrameHeightMinus1 uint16

	CodecStatus CodecStatus
}

// slotInfo is the host-side half of a report.
type slotInfo struct {
	feedback    uint32
	frameNum    uint32
	headerBytes uint32
	brc         bool
	used        bool
}

// readReport decodes report slot from the status and MSDK PAK buffers.
func readReport(rm hw.ResourceManager, b *Buffers, msdk *hw.Resource, slot int, info slotInfo) (*StatusReport, error) {
	if !info.used {
		return nil, errors.Errorf("pak: status slot %d holds no frame", slot)
	}
	rep := &StatusReport{
		FeedbackNumber:      info.feedback,
		FrameNum:            info.frameNum,
		HeaderBytesInserted: info.headerBytes,
		CodecStatus:         StatusSuccessful,
	}
	base := StatusBase(slot)
	err := hw.WithLock(rm, b.Status, hw.LockRead, func(data []byte) error {
		if base+ImageStatusCtrlOffset+4 > len(data) {
			return errors.Errorf("pak: status slot %d outside buffer", slot)
		}
		rep.BitstreamSize = binary.LittleEndian.Uint32(data[base+BSByteCountOffset:]) + info.headerBytes
		rep.ImageStatusCtrl = binary.LittleEndian.Uint32(data[base+ImageStatusCtrlOffset:])
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "pak: read status")
	}

	if info.brc {
		err := hw.WithLock(rm, msdk, hw.LockRead, func(data []byte) error {
			out, err := brc.DecodeOutputStatic(data)
			if err != nil {
				return err
			}
			rep.LongTermIndication = out.LongTermReference
			rep.NextFrameWidthMinus1 = out.NextFrameWidthMinus1
			rep.NextFrameHeightMinus1 = out.NextFrameHeightMinus1
			return nil
		})
		if err != nil {
			return nil, errors.Wrap(err, "pak: read brc output")
		}
	}
	return rep, nil
}
