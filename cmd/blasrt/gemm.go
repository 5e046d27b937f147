package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/blasrt/internal/logger"
	"github.com/samcharles93/blasrt/pkg/accel"
	"github.com/samcharles93/blasrt/pkg/bitstream"
)

func gemmCmd() *cli.Command {
	var (
		size      int64
		alpha     float64
		beta      float64
		all       bool
		printRows int64
	)

	return &cli.Command{
		Name:      "gemm",
		Usage:     "Run C = alpha*A*B + beta*C on the accelerator and verify it against a host reference",
		ArgsUsage: "<bitstream> <config>",
		Flags: append(runtimeFlags(),
			&cli.Int64Flag{
				Name:        "size",
				Aliases:     []string{"n"},
				Usage:       "square matrix dimension",
				Value:       5,
				Destination: &size,
			},
			&cli.Float64Flag{Name: "alpha", Value: 1, Destination: &alpha},
			&cli.Float64Flag{Name: "beta", Value: 1, Destination: &beta},
			&cli.BoolFlag{
				Name:        "all-kernels",
				Usage:       "run the product on every kernel instance",
				Destination: &all,
			},
			&cli.Int64Flag{
				Name:        "print",
				Usage:       "print at most this many result rows",
				Value:       8,
				Destination: &printRows,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig()
			applyRuntimeConfig(cmd, cfg)

			bitPath, cfgPath := runtimePaths(cmd, cfg)
			if bitPath == "" || cfgPath == "" {
				return cli.Exit("error: usage: blasrt gemm <bitstream> <config>", 1)
			}
			if size <= 0 {
				return cli.Exit("error: --size must be > 0", 1)
			}
			kind, err := engineKind(cmd, bitstream.KindGEMM)
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

			kernels := []int{int(kernelIndex)}
			if all {
				kernels = kernels[:0]
				for i := range ac.NumKernels() {
					kernels = append(kernels, i)
				}
			}

			n := int(size)
			for _, kernel := range kernels {
				a, b, c := exampleMatrices(n, n, n)
				want := goldenGemm(n, n, n, float32(alpha), a, b, float32(beta), c)
				id, err := ac.GemmHost(n, n, n, float32(alpha), a, b, float32(beta), c, kernel)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: kernel %d: %v", kernel, err), 1)
				}
				log.Info("gemm complete", "run", id.String(), "kernel", kernel, "size", n)
				printMatrix(os.Stdout, c, n, n, int(printRows))
				if err := compareResults(c, want); err != nil {
					return cli.Exit(fmt.Sprintf("error: kernel %d: result mismatch: %v", kernel, err), 1)
				}
				fmt.Printf("kernel %d: %dx%d result matches reference\n", kernel, n, n)
			}
			return nil
		},
	}
}

func printMatrix(w io.Writer, v []float32, rows, cols, limit int) {
	if limit <= 0 {
		return
	}
	for i := range min(rows, limit) {
		var sb strings.Builder
		for j := range min(cols, limit) {
			if j > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%g", v[i*cols+j])
		}
		if cols > limit {
			sb.WriteString(" ...")
		}
		_, _ = fmt.Fprintln(w, sb.String())
	}
	if rows > limit {
		_, _ = fmt.Fprintln(w, "...")
	}
}
