// Package frame derives the per-frame geometry, synchronisation flags and
// reference set from the sequence and picture parameters.
package frame

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvalidDimensions is returned for a zero frame size or one larger
	// than the encoder was created for.
	ErrInvalidDimensions = errors.New("frame: invalid dimensions")
	// ErrEmptyReferenceList is returned when an inter frame has no usable
	// reference after consolidation.
	ErrEmptyReferenceList = errors.New("frame: reference list is empty")
)

// Block sizes in pixels.
const (
	SuperBlockSize = 64
	MacroblockSize = 16
	MinBlockSize   = 8
)

// Downscaled is the geometry of a 4x or 16x downscaled picture used by HME.
type Downscaled struct {
	WidthInMB  uint32
	HeightInMB uint32
	Width      uint32
	Height     uint32
}

// Geometry is the per-frame picture geometry. It drives dispatch extents
// only; buffers are sized from the maximum frame size.
type Geometry struct {
	Width  uint32
	Height uint32

	WidthInSB   uint32
	HeightInSB  uint32
	PicSizeInSB uint32

	WidthInMB  uint32
	HeightInMB uint32
	// FrameWidth and FrameHeight are the macroblock-aligned frame size.
	FrameWidth  uint32
	FrameHeight uint32

	Scaled4x  Downscaled
	Scaled16x Downscaled
}

func ceilDiv(v, d uint32) uint32 {
	return (v + d - 1) / d
}

func downscale(frameWidth, frameHeight, factor uint32) Downscaled {
	d := Downscaled{
		WidthInMB:  ceilDiv(frameWidth/factor, MacroblockSize),
		HeightInMB: ceilDiv(frameHeight/factor, MacroblockSize),
	}
	d.Width = d.WidthInMB * MacroblockSize
	d.Height = d.HeightInMB * MacroblockSize
	return d
}

// ComputeGeometry returns the geometry of a width x height frame.
func ComputeGeometry(width, height uint32) (Geometry, error) {
	if width == 0 || height == 0 {
		return Geometry{}, errors.Wrapf(ErrInvalidDimensions, "%dx%d", width, height)
	}
	g := Geometry{
		Width:      width,
		Height:     height,
		WidthInSB:  ceilDiv(width, SuperBlockSize),
		HeightInSB: ceilDiv(height, SuperBlockSize),
		WidthInMB:  ceilDiv(width, MacroblockSize),
		HeightInMB: ceilDiv(height, MacroblockSize),
	}
	g.PicSizeInSB = g.WidthInSB * g.HeightInSB
	g.FrameWidth = g.WidthInMB * MacroblockSize
	g.FrameHeight = g.HeightInMB * MacroblockSize
	g.Scaled4x = downscale(g.FrameWidth, g.FrameHeight, 4)
	g.Scaled16x = downscale(g.FrameWidth, g.FrameHeight, 16)
	return g, nil
}

// AlignedWidth returns the width rounded up to the minimum block size.
func (g Geometry) AlignedWidth() uint32 {
	return ceilDiv(g.Width, MinBlockSize) * MinBlockSize
}

// AlignedHeight returns the height rounded up to the minimum block size.
func (g Geometry) AlignedHeight() uint32 {
	return ceilDiv(g.Height, MinBlockSize) * MinBlockSize
}

// Width32InBlocks returns the number of 32x32 blocks across the frame.
func (g Geometry) Width32InBlocks() uint32 {
	return ceilDiv(g.FrameWidth, 32)
}

// Height32InBlocks returns the number of 32x32 blocks down the frame.
func (g Geometry) Height32InBlocks() uint32 {
	return ceilDiv(g.FrameHeight, 32)
}
