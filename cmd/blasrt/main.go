package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/blasrt/internal/logger"
	"github.com/samcharles93/blasrt/internal/version"
)

func main() {
	app := &cli.Command{
		Name:    "blasrt",
		Usage:   "Host runtime for the BLAS/dequantize accelerator",
		Version: version.String(),
		Flags:   loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg := LoadConfig()
			applyLoggingConfig(cmd, cfg)
			level := logger.ParseLevel(logLevel)
			if debug {
				level = logger.ParseLevel("debug")
			}
			log, err := logger.ForFormat(logFormat, os.Stderr, level)
			if err != nil {
				return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			gemmCmd(),
			dequantCmd(),
			packCmd(),
			infoCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
