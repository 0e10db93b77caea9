// Command vp9pak drives the VP9 encoder core on the software hardware model.
//
// Usage:
//
//	vp9pak encode --session <file.yaml> [--trace] [--parallel N]
//	vp9pak header [--tx-mode mode] [--frame-type key|inter] [...]
//	vp9pak contexts --pattern K,P,P,I,K
//
// Global flags --debug and --log-file control logging; --log-file rotates
// through lumberjack.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	flagDebug      = "debug"
	flagLogFile    = "log-file"
	flagLogMaxSize = "log-max-size"

	loggerKey = "logger"
)

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "vp9pak: %v\n", err)
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:            "vp9pak",
		Usage:           "run VP9 ENC/PAK sessions on the software hardware model",
		HideHelpCommand: true,
		Writer:          stdout,
		ErrWriter:       stderr,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "also write JSON logs to `FILE`",
			},
			&cli.IntFlag{
				Name:  flagLogMaxSize,
				Value: 20,
				Usage: "rotate the log file after `MB` megabytes",
			},
		},
		Before: func(c *cli.Context) error {
			logger, err := newLogger(c, stderr)
			if err != nil {
				return err
			}
			c.App.Metadata = map[string]any{loggerKey: logger}
			return nil
		},
		After: func(c *cli.Context) error {
			// Sync fails on console file descriptors; nothing to report.
			_ = loggerFrom(c).Sync()
			return nil
		},
		Commands: []*cli.Command{
			encodeCommand(),
			headerCommand(),
			contextsCommand(),
		},
	}
}

// newLogger logs to stderr and, with --log-file, to a rotated JSON file.
func newLogger(c *cli.Context, stderr io.Writer) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	encCfg := zap.NewProductionEncoderConfig()
	if c.Bool(flagDebug) {
		level.SetLevel(zapcore.DebugLevel)
		encCfg = zap.NewDevelopmentEncoderConfig()
	}
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(zapcore.AddSync(stderr)), level),
	}
	if path := c.String(flagLogFile); path != "" {
		if c.Int(flagLogMaxSize) <= 0 {
			return nil, errors.Errorf("invalid --%s %d", flagLogMaxSize, c.Int(flagLogMaxSize))
		}
		file := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    c.Int(flagLogMaxSize),
			MaxBackups: 3,
			LocalTime:  true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(file), level))
	}
	return zap.New(zapcore.NewTee(cores...)), nil
}

func loggerFrom(c *cli.Context) *zap.Logger {
	if l, ok := c.App.Metadata[loggerKey].(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}
