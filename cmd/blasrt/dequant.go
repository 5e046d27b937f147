package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"

	"github.com/urfave/cli/v3"
	"github.com/x448/float16"

	"github.com/samcharles93/blasrt/internal/logger"
	"github.com/samcharles93/blasrt/pkg/accel"
	"github.com/samcharles93/blasrt/pkg/bitstream"
	"github.com/samcharles93/blasrt/pkg/qblock"
)

func dequantCmd() *cli.Command {
	var (
		seed      int64
		printVals int64
	)

	return &cli.Command{
		Name:      "dequant",
		Usage:     "Decode random quantized blocks on the accelerator and compare with the host decoder",
		ArgsUsage: "<bitstream> <config> <elementCount>",
		Flags: append(runtimeFlags(),
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "random seed for the generated blocks",
				Value:       1,
				Destination: &seed,
			},
			&cli.Int64Flag{
				Name:        "print",
				Usage:       "print this many decoded values",
				Value:       8,
				Destination: &printVals,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig()
			applyRuntimeConfig(cmd, cfg)

			var bitPath, cfgPath, countArg string
			switch cmd.Args().Len() {
			case 3:
				bitPath, cfgPath = runtimePaths(cmd, cfg)
				countArg = cmd.Args().Get(2)
			case 1:
				bitPath, cfgPath = cfg.Bitstream, cfg.EngineConfig
				countArg = cmd.Args().Get(0)
			default:
				return cli.Exit("error: usage: blasrt dequant <bitstream> <config> <elementCount>", 1)
			}
			if bitPath == "" || cfgPath == "" {
				return cli.Exit("error: bitstream and config paths are required", 1)
			}
			count, err := strconv.Atoi(countArg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: element count %q: %v", countArg, err), 1)
			}
			if _, err := qblock.BlockCount(count); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			kind, err := engineKind(cmd, bitstream.KindDequant)
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

			raw := randomBlocks(rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15)), count)
			got, err := ac.Dequantize(raw, count, int(kernelIndex))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			want, err := qblock.Dequantize(raw, count)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: host decode: %v", err), 1)
			}
			for i := range want {
				if math.Float32bits(got[i]) != math.Float32bits(want[i]) {
					return cli.Exit(fmt.Sprintf("error: value %d: device %g host %g", i, got[i], want[i]), 1)
				}
			}
			for i := range min(int(printVals), len(got)) {
				fmt.Printf("%d: %g\n", i, got[i])
			}
			fmt.Printf("%d values from %d blocks match the host decoder\n", count, count/qblock.ValuesPerBlock)
			return nil
		},
	}
}

// randomBlocks fills count/256 blocks with arbitrary scales and codes.
func randomBlocks(r *rand.Rand, count int) []byte {
	blocks := make([]qblock.Block, count/qblock.ValuesPerBlock)
	for i := range blocks {
		b := &blocks[i]
		b.D = float16.Fromfloat32(r.Float32() / 8)
		b.DMin = float16.Fromfloat32(r.Float32() / 8)
		for j := range qblock.SubBlocks {
			b.SetScaleMin(j, uint8(r.IntN(64)), uint8(r.IntN(64)))
		}
		for k := range qblock.ValuesPerBlock {
			b.SetCode(k, uint8(r.IntN(16)))
		}
	}
	return qblock.EncodeBlocks(blocks)
}
