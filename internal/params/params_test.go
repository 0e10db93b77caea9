package params

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPicture() PictureParams {
	return PictureParams{
		SrcFrameWidthMinus1:  351,
		SrcFrameHeightMinus1: 287,
		FrameType:            InterFrame,
		LastRefIdx:           0,
		GoldenRefIdx:         1,
		AltRefIdx:            2,
		UncompressedHeader:   make([]byte, 24),
	}
}

func TestPictureParams_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *PictureParams)
		ok     bool
	}{
		{"valid", func(p *PictureParams) {}, true},
		{"context_idx", func(p *PictureParams) { p.FrameContextIdx = 4 }, false},
		{"reset_context", func(p *PictureParams) { p.ResetFrameContext = 4 }, false},
		{"alt_idx", func(p *PictureParams) { p.AltRefIdx = 8 }, false},
		{"empty_header", func(p *PictureParams) { p.UncompressedHeader = nil }, false},
		{"header_too_long", func(p *PictureParams) { p.UncompressedHeader = make([]byte, 81) }, false},
		{"longest_header", func(p *PictureParams) { p.UncompressedHeader = make([]byte, 80) }, true},
		{"filter", func(p *PictureParams) { p.McompFilterType = 5 }, false},
		{"pred_mode", func(p *PictureParams) { p.CompPredMode = 3 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPicture()
			tt.mutate(&p)
			err := p.Validate()
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidParameter), "err = %v", err)
		})
	}
}

func TestSequence_Validate(t *testing.T) {
	seq := Sequence{RateControl: RateControlCBR, TargetBitRate: 2000, FrameRateNum: 30, FrameRateDen: 1}
	require.NoError(t, seq.Validate())
	assert.InDelta(t, 30.0, seq.FrameRate(), 1e-9)

	seq.FrameRateDen = 0
	assert.ErrorIs(t, seq.Validate(), ErrInvalidParameter)
	assert.Zero(t, seq.FrameRate())

	seq.FrameRateDen = 1
	seq.TargetBitRate = 0
	assert.ErrorIs(t, seq.Validate(), ErrInvalidParameter)

	seq.RateControl = RateControlCQP
	assert.NoError(t, seq.Validate())
}

func TestRateControl(t *testing.T) {
	for _, name := range []string{"cqp", "cbr", "vbr", "avbr"} {
		rc, err := ParseRateControl(name)
		require.NoError(t, err)
		assert.Equal(t, name, rc.String())
		assert.Equal(t, name != "cqp", rc.IsBRC())
	}
	_, err := ParseRateControl("icq")
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestPictureParams_Helpers(t *testing.T) {
	p := validPicture()
	assert.False(t, p.IsKeyOrIntraOnly())
	p.IntraOnly = true
	assert.True(t, p.IsKeyOrIntraOnly())

	p.LumaACQIndex = 60
	p.LumaDCQIndexDelta = -5
	assert.Equal(t, 55, p.QP())

	var seg SegmentParams
	seg.Segments[3].QIndexDelta = 12
	seg.Reset()
	assert.Equal(t, SegmentParams{}, seg)
}
