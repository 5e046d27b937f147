package bitstream

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	Magic = "XBIT"

	// CurrentMajor changes only on breaking layout changes.
	CurrentMajor uint16 = 1
	CurrentMinor uint16 = 0

	headerSize = 32
	entrySize  = 64
	nameSize   = 32

	// payloads start on this boundary
	payloadAlign = 64
)

type Header struct {
	Magic       [4]byte
	Major       uint16
	Minor       uint16
	HeaderSize  uint32
	KernelCount uint32
	FileSize    uint64
	Flags       uint64
}

func (h *Header) Valid() bool {
	if string(h.Magic[:]) != Magic {
		return false
	}
	if h.HeaderSize < headerSize {
		return false
	}
	return h.KernelCount > 0
}

func (h *Header) Compatible() bool {
	return h.Major == CurrentMajor
}

func decodeHeader(b []byte) (Header, bool) {
	if len(b) < headerSize {
		return Header{}, false
	}
	var h Header
	copy(h.Magic[:], b[0:4])
	h.Major = binary.LittleEndian.Uint16(b[4:6])
	h.Minor = binary.LittleEndian.Uint16(b[6:8])
	h.HeaderSize = binary.LittleEndian.Uint32(b[8:12])
	h.KernelCount = binary.LittleEndian.Uint32(b[12:16])
	h.FileSize = binary.LittleEndian.Uint64(b[16:24])
	h.Flags = binary.LittleEndian.Uint64(b[24:32])
	return h, true
}

func encodeHeader(dst []byte, h Header) {
	copy(dst[0:4], h.Magic[:])
	binary.LittleEndian.PutUint16(dst[4:6], h.Major)
	binary.LittleEndian.PutUint16(dst[6:8], h.Minor)
	binary.LittleEndian.PutUint32(dst[8:12], h.HeaderSize)
	binary.LittleEndian.PutUint32(dst[12:16], h.KernelCount)
	binary.LittleEndian.PutUint64(dst[16:24], h.FileSize)
	binary.LittleEndian.PutUint64(dst[24:32], h.Flags)
}

// Kernel describes one compute kernel compiled into the image.
type Kernel struct {
	Name          string
	Kind          Kind
	Instances     int
	TileAlignment int
	MemBanks      int

	payloadOff  uint64
	payloadSize uint64
	checksum    uint32
}

func decodeEntry(b []byte) (Kernel, bool) {
	if len(b) < entrySize {
		return Kernel{}, false
	}
	name := b[0:nameSize]
	end := 0
	for end < len(name) && name[end] != 0 {
		end++
	}
	k := Kernel{
		Name:          string(name[:end]),
		Kind:          Kind(binary.LittleEndian.Uint16(b[32:34])),
		Instances:     int(binary.LittleEndian.Uint16(b[34:36])),
		TileAlignment: int(binary.LittleEndian.Uint32(b[36:40])),
		MemBanks:      int(binary.LittleEndian.Uint32(b[40:44])),
		payloadOff:    binary.LittleEndian.Uint64(b[44:52]),
		payloadSize:   binary.LittleEndian.Uint64(b[52:60]),
		checksum:      binary.LittleEndian.Uint32(b[60:64]),
	}
	return k, true
}

func encodeEntry(dst []byte, k Kernel) {
	clear(dst[:entrySize])
	copy(dst[0:nameSize], k.Name)
	binary.LittleEndian.PutUint16(dst[32:34], uint16(k.Kind))
	binary.LittleEndian.PutUint16(dst[34:36], uint16(k.Instances))
	binary.LittleEndian.PutUint32(dst[36:40], uint32(k.TileAlignment))
	binary.LittleEndian.PutUint32(dst[40:44], uint32(k.MemBanks))
	binary.LittleEndian.PutUint64(dst[44:52], k.payloadOff)
	binary.LittleEndian.PutUint64(dst[52:60], k.payloadSize)
	binary.LittleEndian.PutUint32(dst[60:64], k.checksum)
}

func checksum(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
