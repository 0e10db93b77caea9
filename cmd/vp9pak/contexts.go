package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"github.com/deepteams/vp9enc/internal/hw"
	"github.com/deepteams/vp9enc/internal/probctx"
)

// patternFrame maps one token of --pattern to refresh inputs. K is a key
// frame, P an inter frame, I an intra-only frame and E an error-resilient
// inter frame.
func patternFrame(tok string, reset, ctx uint8) (probctx.FrameInfo, error) {
	fi := probctx.FrameInfo{FrameContextIdx: ctx, PicSizeInSB: 1}
	switch strings.ToUpper(strings.TrimSpace(tok)) {
	case "K":
		fi.KeyFrame = true
	case "P":
	case "I":
		fi.IntraOnly = true
		fi.ResetFrameContext = reset
	case "E":
		fi.ErrorResilient = true
	default:
		return fi, errors.Errorf("pattern token %q (want K, P, I or E)", tok)
	}
	return fi, nil
}

func contextsCommand() *cli.Command {
	return &cli.Command{
		Name:  "contexts",
		Usage: "print the probability context refresh for a frame-type pattern",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "pattern",
				Required: true,
				Usage:    "comma-separated frame types, e.g. `K,P,I,P`",
			},
			&cli.UintFlag{Name: "reset", Usage: "reset_frame_context of intra-only frames"},
			&cli.UintFlag{Name: "context", Usage: "frame_context_idx of every frame"},
		},
		Action: func(c *cli.Context) error {
			if c.Uint("reset") > 3 || c.Uint("context") >= probctx.NumContexts {
				return errors.Errorf("invalid --reset %d or --context %d", c.Uint("reset"), c.Uint("context"))
			}
			toks := strings.Split(c.String("pattern"), ",")
			frames := make([]probctx.FrameInfo, len(toks))
			for i, tok := range toks {
				fi, err := patternFrame(tok, uint8(c.Uint("reset")), uint8(c.Uint("context")))
				if err != nil {
					return err
				}
				frames[i] = fi
			}

			mem := hw.NewMemory()
			store, err := probctx.NewStore(mem, nil, 1, loggerFrom(c))
			if err != nil {
				return err
			}
			defer store.Release()

			tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "frame\ttype\tctx0\tctx1\tctx2\tctx3\tcleared\tsaved")
			for i, fi := range frames {
				actions, err := store.Refresh(fi)
				if err != nil {
					return errors.Wrapf(err, "frame %d", i)
				}
				names := lo.Map(actions[:], func(a probctx.Action, _ int) string { return a.String() })
				cleared := lo.Map(lo.Range(probctx.NumContexts), func(j, _ int) string {
					return lo.Ternary(store.ClearedToKey(j), "1", "0")
				})
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%v\n", i, strings.ToUpper(strings.TrimSpace(toks[i])),
					strings.Join(names, "\t"), strings.Join(cleared, ""), store.Ctx0Saved())
			}
			return tw.Flush()
		},
	}
}
