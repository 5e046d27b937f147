package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/blasrt/pkg/bitstream"
)

var (
	logLevel  string
	logFormat string
	debug     bool

	engineName    string
	diagnosticLog string
	kernelIndex   int64
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func runtimeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "engine",
			Usage:       "kernel kind to load (gemm, dequant); defaults to the config file",
			Destination: &engineName,
		},
		&cli.StringFlag{
			Name:        "diag-log",
			Usage:       "append runtime diagnostics to this file as JSON lines",
			Destination: &diagnosticLog,
		},
		&cli.Int64Flag{
			Name:        "kernel",
			Aliases:     []string{"k"},
			Usage:       "kernel instance to dispatch on",
			Destination: &kernelIndex,
		},
	}
}

// engineKind resolves --engine, falling back to fallback when unset.
func engineKind(cmd *cli.Command, fallback bitstream.Kind) (bitstream.Kind, error) {
	if !cmd.IsSet("engine") {
		return fallback, nil
	}
	return bitstream.ParseKind(engineName)
}
