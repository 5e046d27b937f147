package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/blasrt/internal/logger"
	"github.com/samcharles93/blasrt/internal/server"
	"github.com/samcharles93/blasrt/pkg/accel"
	"github.com/samcharles93/blasrt/pkg/bitstream"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		rps         float64
		burst       int64
	)

	return &cli.Command{
		Name:      "serve",
		Usage:     "Serve GEMM and dequantize requests over HTTP",
		ArgsUsage: "<bitstream> <config>",
		Flags: append(runtimeFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8090",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Float64Flag{
				Name:        "rps",
				Usage:       "dispatch requests per second (0 = unlimited)",
				Destination: &rps,
			},
			&cli.Int64Flag{
				Name:        "burst",
				Usage:       "rate limiter burst",
				Value:       8,
				Destination: &burst,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig()
			applyServeConfig(cmd, cfg, &addr, &rps)

			bitPath, cfgPath := runtimePaths(cmd, cfg)
			if bitPath == "" || cfgPath == "" {
				return cli.Exit("error: usage: blasrt serve <bitstream> <config>", 1)
			}
			kind, err := engineKind(cmd, bitstream.KindUnknown)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			ac, err := accel.Create(accel.Options{
				BitstreamPath: bitPath,
				ConfigPath:    cfgPath,
				Engine:        kind,
				LogPath:       diagnosticLog,
				Logger:        log,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() {
				if err := ac.Destroy(); err != nil {
					log.Warn("destroy context", "error", err)
				}
			}()

			srv := server.New(ac, server.Config{
				RequestsPerSecond: rps,
				Burst:             int(burst),
				Logger:            log,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			srv.Register(e)
			log.Info("starting server", "address", addr, "engine", ac.Engine().String(), "kernels", ac.NumKernels())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(s *http.Server) error {
					s.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
