package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"github.com/deepteams/vp9enc/internal/bitio"
	"github.com/deepteams/vp9enc/internal/comphdr"
	"github.com/deepteams/vp9enc/internal/params"
)

var (
	txModes = map[string]params.TxMode{
		"only_4x4":       params.TxOnly4x4,
		"allow_8x8":      params.TxAllow8x8,
		"allow_16x16":    params.TxAllow16x16,
		"allow_32x32":    params.TxAllow32x32,
		"tx_mode_select": params.TxSelectable,
	}
	predModes = map[string]params.PredMode{
		"single":   params.PredSingle,
		"compound": params.PredCompound,
		"hybrid":   params.PredHybrid,
	}
)

func parseSignBias(s string) ([3]bool, error) {
	var out [3]bool
	if s == "" {
		return out, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return out, errors.Errorf("sign bias %q: want three comma-separated 0/1 values", s)
	}
	for i, p := range parts {
		switch strings.TrimSpace(p) {
		case "0":
		case "1":
			out[i] = true
		default:
			return out, errors.Errorf("sign bias %q: want 0 or 1", p)
		}
	}
	return out, nil
}

func headerParams(c *cli.Context) (comphdr.Params, error) {
	var p comphdr.Params
	tx, ok := txModes[c.String("tx-mode")]
	if !ok {
		return p, errors.Errorf("tx mode %q (one of %s)", c.String("tx-mode"), strings.Join(lo.Keys(txModes), ", "))
	}
	pred, ok := predModes[c.String("pred-mode")]
	if !ok {
		return p, errors.Errorf("pred mode %q", c.String("pred-mode"))
	}
	if f := c.Int("filter"); f < 0 || f > int(params.FilterSwitchable) {
		return p, errors.Errorf("interp filter %d (must be 0-%d)", f, params.FilterSwitchable)
	}
	bias, err := parseSignBias(c.String("sign-bias"))
	if err != nil {
		return p, err
	}

	p = comphdr.Params{
		TxMode:               tx,
		IntraOnly:            c.Bool("intra-only"),
		Lossless:             c.Bool("lossless"),
		McompFilterType:      params.InterpFilter(c.Int("filter")),
		CompPredMode:         pred,
		AllowHighPrecisionMV: c.Bool("hp"),
		SignBias:             bias,
	}
	switch c.String("frame-type") {
	case "key":
		p.FrameType = params.KeyFrame
	case "inter":
		p.FrameType = params.InterFrame
	default:
		return p, errors.Errorf("frame type %q", c.String("frame-type"))
	}
	return p, nil
}

func headerCommand() *cli.Command {
	return &cli.Command{
		Name:  "header",
		Usage: "build a compressed-header element table and print it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "tx-mode", Value: "tx_mode_select", Usage: "tx mode"},
			&cli.StringFlag{Name: "frame-type", Value: "key", Usage: "key or inter"},
			&cli.BoolFlag{Name: "intra-only", Usage: "intra-only frame"},
			&cli.IntFlag{Name: "filter", Value: int(params.FilterSwitchable), Usage: "interpolation filter 0-4"},
			&cli.StringFlag{Name: "pred-mode", Value: "single", Usage: "single, compound or hybrid"},
			&cli.BoolFlag{Name: "hp", Usage: "allow high-precision motion vectors"},
			&cli.BoolFlag{Name: "lossless", Usage: "lossless frame"},
			&cli.StringFlag{Name: "sign-bias", Usage: "Last,Golden,Alt sign biases as `0/1,0/1,0/1`"},
		},
		Action: func(c *cli.Context) error {
			p, err := headerParams(c)
			if err != nil {
				return err
			}
			h := comphdr.Build(p)
			defer h.Release()

			w := bitio.NewBoolWriter(64)
			h.Encode(w)
			out := c.App.Writer
			fmt.Fprintf(out, "valid: %d\n", h.ValidCount())
			fmt.Fprintf(out, "packed: %s\n", hex.EncodeToString(h.Packed()))
			fmt.Fprintf(out, "coded: %s\n", hex.EncodeToString(w.Finish()))
			return nil
		},
	}
}
