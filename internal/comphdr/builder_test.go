package comphdr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepteams/vp9enc/internal/bitio"
	"github.com/deepteams/vp9enc/internal/params"
)

func TestLayoutConstants(t *testing.T) {
	assert.Equal(t, 27, Coef4x4Idx)
	assert.Equal(t, 3199, SkipCtxIdx)
	assert.Equal(t, 3505, MvComp0Idx)
	assert.Equal(t, 4017, MvHpComp1Idx)
	assert.Equal(t, 4033, NumElements)
	assert.Equal(t, 2017, PackedSize)
}

func TestElement(t *testing.T) {
	e := newElement(1, 252)
	assert.True(t, e.Valid())
	assert.True(t, e.IsBin())
	assert.Equal(t, 252, e.Prob())
	assert.Equal(t, 1, e.Bit())
	assert.Equal(t, byte(0xf), e.Nibble())

	e = newElement(0, 128)
	assert.Equal(t, 128, e.Prob())
	assert.Equal(t, byte(0x3), e.Nibble())

	assert.False(t, Element(0).Valid())
}

func TestBuild_LosslessIsEmpty(t *testing.T) {
	for _, ft := range []params.FrameType{params.KeyFrame, params.InterFrame} {
		h := Build(Params{
			Lossless:        true,
			FrameType:       ft,
			TxMode:          params.TxSelectable,
			McompFilterType: params.FilterSwitchable,
			SignBias:        [3]bool{false, false, true},
		})
		assert.Zero(t, h.ValidCount())
		assert.Equal(t, make([]byte, PackedSize), h.Packed())
		h.Release()
	}
}

// expectedCount is the number of elements a non-lossless frame signals.
func expectedCount(p Params) int {
	n := 2 // tx_mode
	if p.TxMode >= params.TxAllow32x32 {
		n++
	}
	if p.TxMode == params.TxSelectable {
		n += 2 + 4 + 6
	}
	n += min(int(p.TxMode), 3) + 1
	n += 3
	if !p.isInter() {
		return n
	}
	n += 21 + 4 + 36 + 48 + 3 + 44 + 18
	if p.McompFilterType == params.FilterSwitchable {
		n += 8
	}
	if p.allowComp() {
		if p.CompPredMode == params.PredSingle {
			n++
		} else {
			n += 2
		}
	}
	if p.CompPredMode != params.PredCompound {
		n += 10
	}
	if p.CompPredMode != params.PredSingle {
		n += 5
	}
	if p.AllowHighPrecisionMV {
		n += 4
	}
	return n
}

func TestBuild_ValidCount(t *testing.T) {
	var cases []Params
	for tx := params.TxOnly4x4; tx <= params.TxSelectable; tx++ {
		for _, ft := range []params.FrameType{params.KeyFrame, params.InterFrame} {
			for _, mode := range []params.PredMode{params.PredSingle, params.PredCompound, params.PredHybrid} {
				for _, bias := range [][3]bool{{false, false, false}, {false, false, true}, {true, true, true}} {
					for _, hp := range []bool{false, true} {
						cases = append(cases, Params{
							TxMode:               tx,
							FrameType:            ft,
							CompPredMode:         mode,
							SignBias:             bias,
							AllowHighPrecisionMV: hp,
							McompFilterType:      params.FilterSwitchable,
						})
					}
				}
			}
		}
	}
	cases = append(cases,
		Params{TxMode: params.TxSelectable, FrameType: params.InterFrame, IntraOnly: true},
		Params{TxMode: params.TxSelectable, FrameType: params.InterFrame, McompFilterType: params.FilterEightTap},
	)

	for _, p := range cases {
		h := Build(p)
		assert.Equal(t, expectedCount(p), h.ValidCount(), "%+v", p)
		h.Release()
	}
}

func TestBuild_SelectableInterFrame(t *testing.T) {
	p := Params{
		TxMode:               params.TxSelectable,
		FrameType:            params.InterFrame,
		McompFilterType:      params.FilterSwitchable,
		CompPredMode:         params.PredHybrid,
		AllowHighPrecisionMV: true,
		SignBias:             [3]bool{false, false, true},
	}
	h := Build(p)
	defer h.Release()
	assert.Equal(t, 225, h.ValidCount())

	for _, idx := range []int{TxModeIdx, TxModeIdx + 1, TxModeSelectIdx, CompoundPredIdx, CompoundPredIdx + 1} {
		e := h.Element(idx)
		assert.Equal(t, 1, e.Bit(), "element %d", idx)
		assert.Equal(t, 128, e.Prob(), "element %d", idx)
	}
	assert.Equal(t, 252, h.Element(Tx8x8ProbIdx+2).Prob())
	assert.False(t, h.Element(Tx8x8ProbIdx+1).Valid())
	assert.Equal(t, 128, h.Element(Coef32x32Idx).Prob())
	assert.True(t, h.Element(MvComp1Idx+21*mvStride).Valid())
	assert.False(t, h.Element(MvComp1Idx+21*mvStride+1).Valid())
	assert.True(t, h.Element(MvHpComp1Idx+mvStride).Valid())
}

func TestBuild_TxModeBits(t *testing.T) {
	tests := []struct {
		tx       params.TxMode
		wantBits [2]int
	}{
		{params.TxOnly4x4, [2]int{0, 0}},
		{params.TxAllow8x8, [2]int{0, 1}},
		{params.TxAllow16x16, [2]int{1, 0}},
		{params.TxAllow32x32, [2]int{1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.tx.String(), func(t *testing.T) {
			h := Build(Params{TxMode: tt.tx})
			defer h.Release()
			assert.Equal(t, tt.wantBits[0], h.Element(TxModeIdx).Bit())
			assert.Equal(t, tt.wantBits[1], h.Element(TxModeIdx+1).Bit())
			sel := h.Element(TxModeSelectIdx)
			assert.Equal(t, tt.tx == params.TxAllow32x32, sel.Valid())
			assert.Zero(t, sel.Bit())
		})
	}
}

func TestPack(t *testing.T) {
	h := Build(Params{TxMode: params.TxAllow32x32})
	defer h.Release()

	assert.Error(t, h.Pack(make([]byte, PackedSize-1)))

	packed := h.Packed()
	require.Len(t, packed, PackedSize)
	// tx_mode bins 1,1 at 0 and 1, select bin 0 at 2.
	assert.Equal(t, byte(0xbb), packed[0])
	assert.Equal(t, byte(0x03), packed[1])
	assert.Equal(t, byte(0x03), packed[Coef4x4Idx>>1]>>4)
	assert.Equal(t, byte(0x07), packed[SkipCtxIdx>>1]>>4)
	for i := 0; i < NumElements; i++ {
		want := h.Element(i).Nibble()
		got := packed[i>>1] >> (4 * uint(i&1)) & 0xf
		require.Equal(t, want, got, "element %d", i)
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	p := Params{
		TxMode:               params.TxSelectable,
		FrameType:            params.InterFrame,
		McompFilterType:      params.FilterSwitchable,
		CompPredMode:         params.PredCompound,
		AllowHighPrecisionMV: true,
		SignBias:             [3]bool{true, false, false},
	}
	h := Build(p)
	defer h.Release()

	w := bitio.NewBoolWriter(PackedSize)
	h.Encode(w)
	data := w.Finish()

	r, err := bitio.NewBoolReader(data)
	require.NoError(t, err)
	decoded := 0
	for i := 0; i < NumElements; i++ {
		e := h.Element(i)
		if !e.Valid() {
			continue
		}
		require.Equal(t, e.Bit(), r.ReadBit(uint8(e.Prob())), "element %d", i)
		decoded++
	}
	assert.Equal(t, h.ValidCount(), decoded)
	assert.False(t, r.Overrun())
}
