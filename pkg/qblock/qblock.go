// Package qblock encodes and decodes the fixed 144-byte quantized block
// consumed by the accelerator's dequantize kernel.
//
// Layout (little endian):
//
//	[0:2]    d     half-precision super-block scale
//	[2:4]    dmin  half-precision super-block minimum
//	[4:16]   scales  16 six-bit codes: (scale, min) for each of 8 sub-blocks
//	[16:144] qs      256 four-bit codes, two per byte, low nibble first
//
// Value i belongs to sub-block i/32 and decodes as
// d*scale[j]*q[i] - dmin*min[j].
package qblock

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/x448/float16"
)

const (
	// ValuesPerBlock is the number of quantized values covered by one block.
	ValuesPerBlock = 256
	// SubBlocks is the number of (scale, min) groups in a block.
	SubBlocks = 8
	// SubBlockSize is the number of values sharing one (scale, min) pair.
	SubBlockSize = ValuesPerBlock / SubBlocks

	scalesSize = 12
	qsSize     = ValuesPerBlock / 2

	// BlockSize is the encoded size of a block in bytes.
	BlockSize = 2 + 2 + scalesSize + qsSize
)

var (
	ErrBlockSize  = errors.New("qblock: invalid block data length")
	ErrValueCount = errors.New("qblock: value count must be a multiple of 256")
)

// Block is one decoded-layout quantized block. The zero value decodes to
// all zeros.
type Block struct {
	D      float16.Float16
	DMin   float16.Float16
	Scales [scalesSize]byte
	Qs     [qsSize]byte
}

// ScaleMin returns the six-bit scale and min codes for sub-block j.
//
// Sub-blocks 0-3 keep their codes in the low six bits of scales[j] and
// scales[j+4]. Sub-blocks 4-7 split theirs: the low nibble comes from
// scales[j+4] and the top two bits from the spare bits of scales[j-4]
// (scale) or scales[j] (min).
func (b *Block) ScaleMin(j int) (scale, min uint8) {
	s := b.Scales[:]
	if j < 4 {
		return s[j] & 63, s[j+4] & 63
	}
	scale = (s[j+4] & 0x0F) | ((s[j-4] >> 6) << 4)
	min = (s[j+4] >> 4) | ((s[j] >> 6) << 4)
	return scale, min
}

// SetScaleMin stores six-bit scale and min codes for sub-block j. Values are
// truncated to six bits.
func (b *Block) SetScaleMin(j int, scale, min uint8) {
	scale &= 63
	min &= 63
	s := b.Scales[:]
	if j < 4 {
		s[j] = (s[j] & 0xC0) | scale
		s[j+4] = (s[j+4] & 0xC0) | min
		return
	}
	s[j+4] = (scale & 0x0F) | ((min & 0x0F) << 4)
	s[j-4] = (s[j-4] & 0x3F) | ((scale >> 4) << 6)
	s[j] = (s[j] & 0x3F) | ((min >> 4) << 6)
}

// Code returns the four-bit code of value i.
func (b *Block) Code(i int) uint8 {
	v := b.Qs[i>>1]
	if i&1 == 0 {
		return v & 0x0F
	}
	return v >> 4
}

// SetCode stores the four-bit code of value i.
func (b *Block) SetCode(i int, q uint8) {
	q &= 0x0F
	p := &b.Qs[i>>1]
	if i&1 == 0 {
		*p = (*p & 0xF0) | q
		return
	}
	*p = (*p & 0x0F) | (q << 4)
}

// Decode writes the 256 reconstructed values of b into dst.
func (b *Block) Decode(dst []float32) {
	_ = dst[ValuesPerBlock-1]
	d := b.D.Float32()
	dmin := b.DMin.Float32()
	for j := range SubBlocks {
		sc, m := b.ScaleMin(j)
		scale := d * float32(sc)
		bias := dmin * float32(m)
		base := j * SubBlockSize
		q := b.Qs[base/2 : base/2+SubBlockSize/2]
		y := dst[base : base+SubBlockSize]
		for l, v := range q {
			y[2*l] = scale*float32(v&0x0F) - bias
			y[2*l+1] = scale*float32(v>>4) - bias
		}
	}
}

// MarshalTo encodes b into dst, which must hold at least BlockSize bytes.
func (b *Block) MarshalTo(dst []byte) {
	_ = dst[BlockSize-1]
	binary.LittleEndian.PutUint16(dst[0:2], b.D.Bits())
	binary.LittleEndian.PutUint16(dst[2:4], b.DMin.Bits())
	copy(dst[4:4+scalesSize], b.Scales[:])
	copy(dst[4+scalesSize:BlockSize], b.Qs[:])
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (b *Block) MarshalBinary() ([]byte, error) {
	out := make([]byte, BlockSize)
	b.MarshalTo(out)
	return out, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (b *Block) UnmarshalBinary(data []byte) error {
	if len(data) != BlockSize {
		return fmt.Errorf("%w: got %d want %d", ErrBlockSize, len(data), BlockSize)
	}
	b.D = float16.Frombits(binary.LittleEndian.Uint16(data[0:2]))
	b.DMin = float16.Frombits(binary.LittleEndian.Uint16(data[2:4]))
	copy(b.Scales[:], data[4:4+scalesSize])
	copy(b.Qs[:], data[4+scalesSize:BlockSize])
	return nil
}

// EncodeBlocks packs blocks back to back.
func EncodeBlocks(blocks []Block) []byte {
	out := make([]byte, len(blocks)*BlockSize)
	for i := range blocks {
		blocks[i].MarshalTo(out[i*BlockSize:])
	}
	return out
}

// DecodeBlocks parses a byte sequence of whole blocks.
func DecodeBlocks(data []byte) ([]Block, error) {
	if len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d is not a multiple of %d", ErrBlockSize, len(data), BlockSize)
	}
	blocks := make([]Block, len(data)/BlockSize)
	for i := range blocks {
		if err := blocks[i].UnmarshalBinary(data[i*BlockSize : (i+1)*BlockSize]); err != nil {
			return nil, err
		}
	}
	return blocks, nil
}

// Dequantize decodes n values from raw block bytes. n must be a multiple of
// ValuesPerBlock and data must hold exactly n/ValuesPerBlock blocks.
func Dequantize(data []byte, n int) ([]float32, error) {
	out := make([]float32, n)
	if err := DequantizeInto(out, data); err != nil {
		return nil, err
	}
	return out, nil
}

// DequantizeInto decodes len(dst) values from raw block bytes into dst.
func DequantizeInto(dst []float32, data []byte) error {
	n := len(dst)
	if n%ValuesPerBlock != 0 {
		return fmt.Errorf("%w: got %d", ErrValueCount, n)
	}
	blocks := n / ValuesPerBlock
	if len(data) != blocks*BlockSize {
		return fmt.Errorf("%w: %d bytes for %d values", ErrBlockSize, len(data), n)
	}
	var b Block
	for i := range blocks {
		if err := b.UnmarshalBinary(data[i*BlockSize : (i+1)*BlockSize]); err != nil {
			return err
		}
		b.Decode(dst[i*ValuesPerBlock:])
	}
	return nil
}

// BlockCount returns how many blocks cover n values.
func BlockCount(n int) (int, error) {
	if n <= 0 || n%ValuesPerBlock != 0 {
		return 0, fmt.Errorf("%w: got %d", ErrValueCount, n)
	}
	return n / ValuesPerBlock, nil
}
