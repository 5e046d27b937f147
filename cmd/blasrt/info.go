package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/blasrt/pkg/bitstream"
)

type imageInfo struct {
	Path    string       `json:"path"`
	ID      string       `json:"id"`
	Version string       `json:"version"`
	Kernels []kernelInfo `json:"kernels"`
}

type kernelInfo struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	Instances     int    `json:"instances"`
	TileAlignment int    `json:"tile_alignment"`
	MemBanks      int    `json:"mem_banks"`
	PayloadBytes  int    `json:"payload_bytes"`
}

func describeImage(path string, img *bitstream.Image) imageInfo {
	info := imageInfo{
		Path:    path,
		ID:      img.ID().String(),
		Version: fmt.Sprintf("%d.%d", img.Header.Major, img.Header.Minor),
	}
	for _, k := range img.Kernels() {
		info.Kernels = append(info.Kernels, kernelInfo{
			Name:          k.Name,
			Kind:          k.Kind.String(),
			Instances:     k.Instances,
			TileAlignment: k.TileAlignment,
			MemBanks:      k.MemBanks,
			PayloadBytes:  len(img.Payload(k)),
		})
	}
	return info
}

func infoCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:      "info",
		Usage:     "Describe the kernels in a bitstream image",
		ArgsUsage: "<bitstream>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				path = LoadConfig().Bitstream
			}
			if path == "" {
				return cli.Exit("error: usage: blasrt info <bitstream>", 1)
			}
			img, err := bitstream.Open(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open bitstream: %v", err), 1)
			}
			defer func() { _ = img.Close() }()

			info := describeImage(path, img)
			if asJSON {
				b, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				_, _ = os.Stdout.Write(append(b, '\n'))
				return nil
			}

			fmt.Printf("image:   %s\n", info.Path)
			fmt.Printf("id:      %s\n", info.ID)
			fmt.Printf("version: %s\n", info.Version)
			for _, k := range info.Kernels {
				fmt.Printf("kernel %-16s kind=%-7s instances=%d tile=%d banks=%d payload=%dB\n",
					k.Name, k.Kind, k.Instances, k.TileAlignment, k.MemBanks, k.PayloadBytes)
			}
			return nil
		},
	}
}
