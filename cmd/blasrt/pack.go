package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/blasrt/internal/logger"
	"github.com/samcharles93/blasrt/pkg/bitstream"
)

// kernelFile is the descriptor read by pack --kernels.
type kernelFile struct {
	Kernels []kernelEntry `yaml:"kernels"`
}

type kernelEntry struct {
	bitstream.KernelSpec `yaml:",inline"`

	// Payload names a file holding the kernel's configuration bytes,
	// relative to the descriptor.
	Payload string `yaml:"payload"`
}

func loadKernelFile(path string) ([]bitstream.KernelSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var kf kernelFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(kf.Kernels) == 0 {
		return nil, fmt.Errorf("%s: no kernels listed", path)
	}
	specs := make([]bitstream.KernelSpec, len(kf.Kernels))
	for i, k := range kf.Kernels {
		spec := k.KernelSpec
		if k.Payload != "" {
			p := k.Payload
			if !filepath.IsAbs(p) {
				p = filepath.Join(filepath.Dir(path), p)
			}
			spec.Payload, err = os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("kernel %q payload: %w", spec.Name, err)
			}
		}
		specs[i] = spec
	}
	return specs, nil
}

func defaultKernels(instances, tile int) []bitstream.KernelSpec {
	return []bitstream.KernelSpec{
		{Name: "gemmKernel", Kind: bitstream.KindGEMM, Instances: instances, TileAlignment: tile, MemBanks: 1},
		{Name: "dequantize4", Kind: bitstream.KindDequant, Instances: instances, TileAlignment: tile, MemBanks: 1},
	}
}

func packCmd() *cli.Command {
	var (
		out       string
		kernels   string
		instances int64
		tile      int64
	)

	return &cli.Command{
		Name:  "pack",
		Usage: "Build a bitstream image from a kernel descriptor",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output image path",
				Required:    true,
				Destination: &out,
			},
			&cli.StringFlag{
				Name:        "kernels",
				Usage:       "YAML kernel descriptor; without it a gemm and a dequant kernel are packed",
				Destination: &kernels,
			},
			&cli.Int64Flag{
				Name:        "instances",
				Usage:       "instances per kernel when no descriptor is given",
				Value:       1,
				Destination: &instances,
			},
			&cli.Int64Flag{
				Name:        "tile",
				Usage:       "tile alignment when no descriptor is given",
				Value:       16,
				Destination: &tile,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			specs := defaultKernels(int(instances), int(tile))
			if kernels != "" {
				var err error
				specs, err = loadKernelFile(kernels)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}

			var buf bytes.Buffer
			if err := bitstream.Write(&buf, specs); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
				return cli.Exit(fmt.Sprintf("error: write image: %v", err), 1)
			}
			log.Info("image written", "path", out, "kernels", len(specs), "bytes", buf.Len())
			return nil
		},
	}
}
