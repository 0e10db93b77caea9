package vp9enc

import (
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/deepteams/vp9enc/internal/hw"
	"github.com/deepteams/vp9enc/internal/params"
)

// MaxDimension is the largest frame width or height the encoder accepts.
const MaxDimension = 16384

// EncoderOptions controls the session-wide behaviour of an Encoder.
type EncoderOptions struct {
	// MaxWidth and MaxHeight bound every frame of the session. All buffers
	// are allocated for this size once, in NewEncoder.
	MaxWidth  uint32
	MaxHeight uint32

	// Function selects ENC+PAK (default) or ENC only. In ENC-only mode the
	// caller owns MbCode and runs the PAK itself.
	Function params.CodecFunction

	// HME enables the 4x motion-estimation stage for P frames.
	HME bool
	// SixteenxME adds the 16x stage ahead of 4x ME. It requires HME.
	SixteenxME bool

	// BRCDistortion enables the intra distortion kernel on BRC frames.
	BRCDistortion bool

	// MultiPassBRC is the multi-pass BRC feature flag. It selects the
	// nominal pass count, which the BRC pass limit then overrides.
	MultiPassBRC bool

	// VDEnc marks a VDENC pipeline, where ENC never waits on the PAK.
	VDEnc bool

	// SkipRepak stops the PAK pass loop before the RePAK pass (default
	// true). The final regular pass is then reported as the RePAK.
	SkipRepak bool

	// SemaphoreMaxCount caps the outstanding video-to-render signals
	// (0 = hardware maximum).
	SemaphoreMaxCount uint32

	// Logger receives structured logs. Nil discards them.
	Logger *zap.Logger

	// Clock times each frame for StatusReport.Elapsed. Nil uses the wall
	// clock.
	Clock clock.Clock
}

// Options is a short alias for EncoderOptions.
type Options = EncoderOptions

// DefaultOptions returns options for 1080p ENC+PAK with HME.
func DefaultOptions() *EncoderOptions {
	return &EncoderOptions{
		MaxWidth:      1920,
		MaxHeight:     1080,
		Function:      params.FunctionEncPak,
		HME:           true,
		SixteenxME:    true,
		BRCDistortion: true,
		MultiPassBRC:  true,
		SkipRepak:     true,
	}
}

// Validate checks opts before any allocation.
func (opts *EncoderOptions) Validate() error {
	if opts.MaxWidth == 0 || opts.MaxWidth > MaxDimension {
		return errors.Wrapf(ErrInvalidOptions, "MaxWidth %d (must be 1-%d)", opts.MaxWidth, MaxDimension)
	}
	if opts.MaxHeight == 0 || opts.MaxHeight > MaxDimension {
		return errors.Wrapf(ErrInvalidOptions, "MaxHeight %d (must be 1-%d)", opts.MaxHeight, MaxDimension)
	}
	if opts.Function > params.FunctionEnc {
		return errors.Wrapf(ErrInvalidOptions, "Function %d", opts.Function)
	}
	if opts.SixteenxME && !opts.HME {
		return errors.Wrap(ErrInvalidOptions, "SixteenxME requires HME")
	}
	if opts.SemaphoreMaxCount > hw.MaxObjectSignaled {
		return errors.Wrapf(ErrInvalidOptions, "SemaphoreMaxCount %d (must be <= %d)", opts.SemaphoreMaxCount, hw.MaxObjectSignaled)
	}
	return nil
}
