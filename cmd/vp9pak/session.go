package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/deepteams/vp9enc"
	"github.com/deepteams/vp9enc/internal/hw"
	"github.com/deepteams/vp9enc/internal/params"
)

// defaultHeader stands in for an application-built uncompressed header.
var defaultHeader = []byte{0x82, 0x49, 0x83, 0x42, 0x00, 0x15, 0xf0, 0x11, 0xf4}

// sessionFile is the YAML document read by the encode command.
type sessionFile struct {
	Sessions []session `yaml:"sessions"`
}

type session struct {
	Name    string        `yaml:"name"`
	Width   uint32        `yaml:"width"`
	Height  uint32        `yaml:"height"`
	Options sessionOpts   `yaml:"options"`
	Seq     sequenceSpec  `yaml:"sequence"`
	Frames  []frameSpec   `yaml:"frames"`
	Repeat  int           `yaml:"repeat"`
	Model   *pakModelSpec `yaml:"pak_model"`
}

type sessionOpts struct {
	HME           *bool  `yaml:"hme"`
	SixteenxME    *bool  `yaml:"sixteenx_me"`
	BRCDistortion *bool  `yaml:"brc_distortion"`
	SkipRepak     *bool  `yaml:"skip_repak"`
	EncOnly       bool   `yaml:"enc_only"`
	VDEnc         bool   `yaml:"vdenc"`
	Semaphore     uint32 `yaml:"semaphore_max"`
}

type sequenceSpec struct {
	RateControl string `yaml:"rate_control"`
	TargetKbps  uint32 `yaml:"target_kbps"`
	MaxKbps     uint32 `yaml:"max_kbps"`
	MinKbps     uint32 `yaml:"min_kbps"`
	VBVKbits    uint32 `yaml:"vbv_kbits"`
	InitVBV     uint32 `yaml:"init_vbv_kbits"`
	FPS         uint32 `yaml:"fps"`
	GOP         uint16 `yaml:"gop"`
}

// pakModelSpec sets what the simulated PAK latches on every flush.
type pakModelSpec struct {
	Bytes      uint32 `yaml:"bytes"`
	StatusCtrl uint32 `yaml:"status_ctrl"`
}

type frameSpec struct {
	Type  string `yaml:"type"` // key, inter or intra_only
	Store uint8  `yaml:"store"`
	// Last, Golden and Alt are frame stores; nil leaves the slot invalid.
	Last   *uint8 `yaml:"last"`
	Golden *uint8 `yaml:"golden"`
	Alt    *uint8 `yaml:"alt"`

	QIndex         uint8  `yaml:"qindex"`
	FilterLevel    uint8  `yaml:"filter_level"`
	Sharpness      uint8  `yaml:"sharpness"`
	Context        uint8  `yaml:"context"`
	ResetContext   uint8  `yaml:"reset_context"`
	NoRefresh      bool   `yaml:"no_refresh_context"`
	ErrorResilient bool   `yaml:"error_resilient"`
	Lossless       bool   `yaml:"lossless"`
	Hidden         bool   `yaml:"hidden"`
	Header         string `yaml:"header"` // hex
}

func parseSessions(data []byte) ([]session, error) {
	var f sessionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse session file")
	}
	if len(f.Sessions) == 0 {
		return nil, errors.New("session file holds no sessions")
	}
	for i := range f.Sessions {
		s := &f.Sessions[i]
		if s.Name == "" {
			s.Name = fmt.Sprintf("session%d", i)
		}
		if len(s.Frames) == 0 {
			return nil, errors.Errorf("%s: no frames", s.Name)
		}
		if s.Repeat <= 0 {
			s.Repeat = 1
		}
	}
	return f.Sessions, nil
}

func (s *session) options(logger *zap.Logger) *vp9enc.EncoderOptions {
	opts := vp9enc.DefaultOptions()
	opts.MaxWidth, opts.MaxHeight = s.Width, s.Height
	opts.HME = lo.FromPtrOr(s.Options.HME, opts.HME)
	opts.SixteenxME = lo.FromPtrOr(s.Options.SixteenxME, opts.SixteenxME && opts.HME)
	opts.BRCDistortion = lo.FromPtrOr(s.Options.BRCDistortion, opts.BRCDistortion)
	opts.SkipRepak = lo.FromPtrOr(s.Options.SkipRepak, opts.SkipRepak)
	opts.VDEnc = s.Options.VDEnc
	opts.SemaphoreMaxCount = s.Options.Semaphore
	if s.Options.EncOnly {
		opts.Function = params.FunctionEnc
	}
	opts.Logger = logger.With(zap.String("session", s.Name))
	return opts
}

func (s *session) sequence() (*params.Sequence, error) {
	rc, err := params.ParseRateControl(lo.Ternary(s.Seq.RateControl == "", "cqp", s.Seq.RateControl))
	if err != nil {
		return nil, err
	}
	return &params.Sequence{
		RateControl:   rc,
		TargetBitRate: s.Seq.TargetKbps,
		MaxBitRate:    lo.Ternary(s.Seq.MaxKbps == 0, s.Seq.TargetKbps, s.Seq.MaxKbps),
		MinBitRate:    s.Seq.MinKbps,
		VBVBufferSize: s.Seq.VBVKbits,
		InitVBVFull:   s.Seq.InitVBV,
		FrameRateNum:  lo.Ternary(s.Seq.FPS == 0, 30, s.Seq.FPS),
		FrameRateDen:  1,
		GopPicSize:    s.Seq.GOP,
	}, nil
}

func (f *frameSpec) picture(width, height uint32, feedback uint32) (*params.PictureParams, error) {
	p := &params.PictureParams{
		SrcFrameWidthMinus1:        uint16(width - 1),
		SrcFrameHeightMinus1:       uint16(height - 1),
		DstFrameWidthMinus1:        uint16(width - 1),
		DstFrameHeightMinus1:       uint16(height - 1),
		CurrOriginalPic:            params.Picture{FrameIdx: f.Store},
		CurrReconPic:               params.Picture{FrameIdx: f.Store},
		ShowFrame:                  !f.Hidden,
		ErrorResilientMode:         f.ErrorResilient,
		ResetFrameContext:          f.ResetContext,
		RefreshFrameContext:        !f.NoRefresh,
		FrameContextIdx:            f.Context,
		Lossless:                   f.Lossless,
		LumaACQIndex:               f.QIndex,
		FilterLevel:                f.FilterLevel,
		SharpnessLevel:             f.Sharpness,
		StatusReportFeedbackNumber: feedback,
		UncompressedHeader:         defaultHeader,
		LastRefIdx:                 0,
		GoldenRefIdx:               1,
		AltRefIdx:                  2,
	}
	for i := range p.RefFrameList {
		p.RefFrameList[i] = params.Picture{Invalid: true}
	}
	switch f.Type {
	case "key", "":
		p.FrameType = params.KeyFrame
	case "inter":
		p.FrameType = params.InterFrame
	case "intra_only":
		p.FrameType = params.InterFrame
		p.IntraOnly = true
	default:
		return nil, errors.Errorf("frame type %q", f.Type)
	}
	for i, ref := range []*uint8{f.Last, f.Golden, f.Alt} {
		if ref == nil {
			continue
		}
		p.RefFrameList[i] = params.Picture{FrameIdx: *ref}
		p.RefCtrlL0 |= 1 << i
	}
	if f.Header != "" {
		hdr, err := hex.DecodeString(f.Header)
		if err != nil {
			return nil, errors.Wrap(err, "frame header")
		}
		p.UncompressedHeader = hdr
	}
	return p, nil
}

// run encodes every frame of s on its own software HW and writes one line
// per frame to out.
func (s *session) run(ctx context.Context, out io.Writer, trace bool, logger *zap.Logger) (err error) {
	h := vp9enc.NewSoftwareHW(nil, logger)
	sim := h.Scheduler.(*hw.Sim)
	model := lo.FromPtrOr(s.Model, pakModelSpec{Bytes: s.Width * s.Height / 8})
	sim.PakModel = func(int) (uint32, uint32) { return model.Bytes, model.StatusCtrl }

	enc, err := vp9enc.NewEncoder(s.options(logger), nil, h)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := enc.Close(); err == nil {
			err = cerr
		}
	}()

	seq, err := s.sequence()
	if err != nil {
		return err
	}
	raw, err := h.NewSurface("raw", s.Width, s.Height)
	if err != nil {
		return err
	}
	recon := make(map[uint8]*vp9enc.Surface)
	segments := &params.SegmentParams{}

	feedback := uint32(0)
	for r := 0; r < s.Repeat; r++ {
		for i := range s.Frames {
			f := &s.Frames[i]
			pic, err := f.picture(s.Width, s.Height, feedback)
			if err != nil {
				return errors.Wrapf(err, "%s: frame %d", s.Name, feedback)
			}
			if _, ok := recon[f.Store]; !ok {
				if recon[f.Store], err = h.NewSurface(fmt.Sprintf("recon%d", f.Store), s.Width, s.Height); err != nil {
					return err
				}
			}
			in := vp9enc.FrameInput{Picture: pic, Segments: segments, Raw: raw, Recon: recon[f.Store]}
			if feedback == 0 {
				in.Sequence = seq
			}

			before := len(sim.Submissions())
			rep, err := enc.EncodeFrame(ctx, in)
			if err != nil {
				return errors.Wrapf(err, "%s: frame %d", s.Name, feedback)
			}
			fmt.Fprintf(out, "%s\tframe=%d\tfeedback=%d\ttype=%s\tbytes=%d\theader=%d\tctrl=%d\tstatus=%s\n",
				s.Name, rep.FrameNum, rep.FeedbackNumber, lo.Ternary(f.Type == "", "key", f.Type),
				rep.BitstreamSize, rep.HeaderBytesInserted, rep.ImageStatusCtrl, rep.CodecStatus)
			if trace {
				for _, sub := range sim.Submissions()[before:] {
					ops := lo.Map(sub.Buffer.Ops(), func(op hw.Opcode, _ int) string { return op.String() })
					fmt.Fprintf(out, "  %s[%d/%d]: %s\n", sub.Context, sub.Executed, sub.Buffer.Len(), strings.Join(ops, " "))
				}
			}
			feedback++
		}
	}
	return nil
}

func encodeCommand() *cli.Command {
	return &cli.Command{
		Name:  "encode",
		Usage: "encode the sessions of a YAML session file",
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:     "session",
				Aliases:  []string{"s"},
				Required: true,
				Usage:    "read sessions from `FILE`",
			},
			&cli.BoolFlag{
				Name:  "trace",
				Usage: "print the commands of every submitted buffer",
			},
			&cli.IntFlag{
				Name:  "parallel",
				Value: 1,
				Usage: "encode up to `N` sessions at once",
			},
		},
		Action: func(c *cli.Context) error {
			data, err := os.ReadFile(c.Path("session"))
			if err != nil {
				return err
			}
			sessions, err := parseSessions(data)
			if err != nil {
				return err
			}
			if c.Int("parallel") < 1 {
				return errors.Errorf("invalid --parallel %d", c.Int("parallel"))
			}

			logger := loggerFrom(c)
			outs := make([]bytes.Buffer, len(sessions))
			g, ctx := errgroup.WithContext(c.Context)
			g.SetLimit(c.Int("parallel"))
			for i := range sessions {
				i := i
				g.Go(func() error {
					return sessions[i].run(ctx, &outs[i], c.Bool("trace"), logger)
				})
			}
			err = g.Wait()
			for i := range outs {
				if _, werr := c.App.Writer.Write(outs[i].Bytes()); werr != nil && err == nil {
					err = werr
				}
			}
			return err
		},
	}
}
