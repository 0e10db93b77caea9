// Package vp9enc is the host-side core of a VP9 encoder that splits work
// between GPU compute kernels (ENC) and a fixed-function bitstream packer
// (PAK).
//
// For every frame the encoder resolves the references and geometry,
// refreshes the four probability contexts, runs the scaling, motion
// estimation, mode decision and rate-control kernels on the render engine,
// then builds the compressed header and runs one or more PAK passes on the
// video engine. Under bitrate control the passes after the first end early
// on the GPU when the hardware reports the frame already fits.
//
// The package supports:
//   - Constant QP and CBR/VBR/AVBR bitrate control
//   - Key, inter and intra-only frames with up to three references
//   - 4x and 16x hierarchical motion estimation
//   - Dynamic resolution within the session maximum
//   - ENC-only operation, where the caller runs the PAK
//
// Hardware access goes through three collaborators bundled in HW. The
// software implementation from NewSoftwareHW records commands and executes
// the register and memory operations on host memory.
//
// Basic usage:
//
//	h := vp9enc.NewSoftwareHW(nil, nil)
//	enc, err := vp9enc.NewEncoder(vp9enc.DefaultOptions(), nil, h)
//	if err != nil {
//		return err
//	}
//	defer enc.Close()
//
//	rep, err := enc.EncodeFrame(ctx, vp9enc.FrameInput{
//		Sequence: seq, // first frame only
//		Picture:  pic,
//		Raw:      raw,
//		Recon:    recon,
//	})
package vp9enc
