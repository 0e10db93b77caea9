package vp9enc_test

import (
	"context"
	"fmt"

	"github.com/deepteams/vp9enc"
	"github.com/deepteams/vp9enc/internal/hw"
	"github.com/deepteams/vp9enc/internal/params"
)

func ExampleEncoder_EncodeFrame() {
	h := vp9enc.NewSoftwareHW(nil, nil)
	// The software PAK reports 1200 bytes for every pass.
	h.Scheduler.(*hw.Sim).PakModel = func(int) (uint32, uint32) { return 1200, 0 }

	opts := vp9enc.DefaultOptions()
	opts.MaxWidth, opts.MaxHeight = 352, 288
	enc, err := vp9enc.NewEncoder(opts, nil, h)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer enc.Close()

	raw, _ := h.NewSurface("raw", 352, 288)
	recon, _ := h.NewSurface("recon", 352, 288)
	pic := &vp9enc.PictureParams{
		SrcFrameWidthMinus1:  351,
		SrcFrameHeightMinus1: 287,
		FrameType:            params.KeyFrame,
		ShowFrame:            true,
		LumaACQIndex:         80,
		UncompressedHeader:   []byte{0x82, 0x49, 0x83, 0x42, 0x00, 0x15, 0xf0, 0x11, 0xf4},
	}
	rep, err := enc.EncodeFrame(context.Background(), vp9enc.FrameInput{
		Sequence: &vp9enc.Sequence{RateControl: params.RateControlCQP, FrameRateNum: 30, FrameRateDen: 1},
		Picture:  pic,
		Raw:      raw,
		Recon:    recon,
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Printf("frame=%d bytes=%d header=%d status=%s\n", rep.FrameNum, rep.BitstreamSize, rep.HeaderBytesInserted, rep.CodecStatus)
	// Output:
	// frame=0 bytes=1209 header=9 status=successful
}
