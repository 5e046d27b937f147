package bitstream

import (
	"fmt"
	"io"
)

// KernelSpec is the build-time description of one kernel.
type KernelSpec struct {
	Name          string `yaml:"name"`
	Kind          Kind   `yaml:"kind"`
	Instances     int    `yaml:"instances"`
	TileAlignment int    `yaml:"tile_alignment"`
	MemBanks      int    `yaml:"mem_banks"`
	Payload       []byte `yaml:"-"`
}

func (s KernelSpec) validate() error {
	if s.Name == "" || len(s.Name) > nameSize {
		return fmt.Errorf("kernel name %q must be 1-%d bytes", s.Name, nameSize)
	}
	if s.Kind != KindGEMM && s.Kind != KindDequant {
		return fmt.Errorf("kernel %q: unsupported kind %s", s.Name, s.Kind)
	}
	if s.Instances < 1 || s.Instances > 0xFFFF {
		return fmt.Errorf("kernel %q: instances must be in [1, 65535]", s.Name)
	}
	if s.TileAlignment < 1 {
		return fmt.Errorf("kernel %q: tile alignment must be > 0", s.Name)
	}
	return nil
}

// Write serialises an image holding the given kernels.
func Write(w io.Writer, specs []KernelSpec) error {
	if len(specs) == 0 {
		return fmt.Errorf("bitstream: at least one kernel required")
	}
	for _, s := range specs {
		if err := s.validate(); err != nil {
			return fmt.Errorf("bitstream: %w", err)
		}
	}

	tableEnd := headerSize + len(specs)*entrySize
	off := alignUp(tableEnd, payloadAlign)
	kernels := make([]Kernel, len(specs))
	for i, s := range specs {
		kernels[i] = Kernel{
			Name:          s.Name,
			Kind:          s.Kind,
			Instances:     s.Instances,
			TileAlignment: s.TileAlignment,
			MemBanks:      max(s.MemBanks, 1),
			payloadOff:    uint64(off),
			payloadSize:   uint64(len(s.Payload)),
			checksum:      checksum(s.Payload),
		}
		off = alignUp(off+len(s.Payload), payloadAlign)
	}

	buf := make([]byte, off)
	hdr := Header{
		Major:       CurrentMajor,
		Minor:       CurrentMinor,
		HeaderSize:  headerSize,
		KernelCount: uint32(len(specs)),
		FileSize:    uint64(off),
	}
	copy(hdr.Magic[:], Magic)
	encodeHeader(buf, hdr)
	for i, k := range kernels {
		encodeEntry(buf[headerSize+i*entrySize:], k)
		copy(buf[k.payloadOff:], specs[i].Payload)
	}

	_, err := w.Write(buf)
	return err
}

func alignUp(n, a int) int {
	return (n + a - 1) / a * a
}
