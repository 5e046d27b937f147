package bitstream

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// namespace for image identities derived from content
var imageNamespace = uuid.MustParse("5b0d6c1e-2f4a-4c8e-9a57-1d3e6f0b8c21")

// Image is a loaded bitstream. Kernel payloads are zero-copy views into the
// mapped file and must not be retained after Close.
type Image struct {
	Header  Header
	kernels []Kernel
	data    []byte
	id      uuid.UUID
	mmapped bool
}

// Open maps a bitstream read-only and validates its structure.
// If mmap is unavailable, it falls back to ReadAt-based loading.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < headerSize || size64 > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptImage
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		img, parseErr := parse(data, true)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		return img, nil
	}

	data, err = readAllAt(f, size)
	if err != nil {
		return nil, err
	}
	return parse(data, false)
}

// OpenReaderAt loads an image without mmap.
func OpenReaderAt(r io.ReaderAt, size int64) (*Image, error) {
	if size < headerSize || size > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptImage
	}
	data, err := readAllAt(r, int(size))
	if err != nil {
		return nil, err
	}
	return parse(data, false)
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

func parse(data []byte, mmapped bool) (*Image, error) {
	hdr, ok := decodeHeader(data)
	if !ok {
		return nil, ErrCorruptImage
	}
	if string(hdr.Magic[:]) != Magic {
		return nil, ErrInvalidMagic
	}
	if !hdr.Valid() {
		return nil, ErrCorruptImage
	}
	if !hdr.Compatible() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedMajor, hdr.Major)
	}
	if hdr.FileSize != uint64(len(data)) {
		return nil, fmt.Errorf("%w: size field %d, file %d", ErrCorruptImage, hdr.FileSize, len(data))
	}

	tableStart := uint64(hdr.HeaderSize)
	tableEnd := tableStart + uint64(hdr.KernelCount)*entrySize
	if tableEnd < tableStart || tableEnd > uint64(len(data)) {
		return nil, fmt.Errorf("%w: kernel table out of bounds", ErrCorruptImage)
	}

	kernels := make([]Kernel, hdr.KernelCount)
	for i := range kernels {
		start := int(tableStart) + i*entrySize
		k, ok := decodeEntry(data[start : start+entrySize])
		if !ok {
			return nil, ErrCorruptImage
		}
		if k.Name == "" || k.Instances < 1 || k.TileAlignment < 1 {
			return nil, fmt.Errorf("%w: kernel %d has invalid geometry", ErrCorruptImage, i)
		}
		end := k.payloadOff + k.payloadSize
		if end < k.payloadOff || end > uint64(len(data)) || k.payloadOff < tableEnd {
			return nil, fmt.Errorf("%w: kernel %q payload out of bounds", ErrCorruptImage, k.Name)
		}
		if checksum(data[k.payloadOff:end]) != k.checksum {
			return nil, fmt.Errorf("%w: kernel %q", ErrChecksum, k.Name)
		}
		kernels[i] = k
	}

	return &Image{
		Header:  hdr,
		kernels: kernels,
		data:    data,
		id:      uuid.NewSHA1(imageNamespace, data),
		mmapped: mmapped,
	}, nil
}

// Close releases any mmap backing.
func (img *Image) Close() error {
	if img == nil || img.data == nil {
		return nil
	}
	var err error
	if img.mmapped {
		err = unix.Munmap(img.data)
	}
	img.data = nil
	img.kernels = nil
	img.mmapped = false
	return err
}

// ID identifies the image by content, the way a device reports the UUID of
// the loaded configuration.
func (img *Image) ID() uuid.UUID {
	return img.id
}

// Kernels returns a copy of the kernel table.
func (img *Image) Kernels() []Kernel {
	out := make([]Kernel, len(img.kernels))
	copy(out, img.kernels)
	return out
}

// Lookup returns the first kernel implementing kind.
func (img *Image) Lookup(kind Kind) (Kernel, error) {
	for _, k := range img.kernels {
		if k.Kind == kind {
			return k, nil
		}
	}
	return Kernel{}, fmt.Errorf("%w: %s", ErrKernelNotFound, kind)
}

// Payload returns a zero-copy view of a kernel's configuration payload.
func (img *Image) Payload(k Kernel) []byte {
	if img == nil || img.data == nil {
		return nil
	}
	end := k.payloadOff + k.payloadSize
	if end < k.payloadOff || end > uint64(len(img.data)) {
		return nil
	}
	return img.data[k.payloadOff:end]
}
