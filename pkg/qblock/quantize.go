package qblock

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Quantize packs values into blocks. len(values) must be a multiple of
// ValuesPerBlock. The encoder is a plain min/max fit per sub-block; it is
// meant for producing kernel inputs and test data, not for best accuracy.
func Quantize(values []float32) ([]Block, error) {
	n, err := BlockCount(len(values))
	if err != nil {
		return nil, err
	}
	blocks := make([]Block, n)
	for i := range blocks {
		quantizeBlock(&blocks[i], values[i*ValuesPerBlock:(i+1)*ValuesPerBlock])
	}
	return blocks, nil
}

func quantizeBlock(b *Block, x []float32) {
	var (
		scales [SubBlocks]float32
		mins   [SubBlocks]float32
		maxSc  float32
		maxMin float32
	)
	for j := range SubBlocks {
		sub := x[j*SubBlockSize : (j+1)*SubBlockSize]
		lo, hi := sub[0], sub[0]
		for _, v := range sub[1:] {
			lo = min(lo, v)
			hi = max(hi, v)
		}
		lo = min(lo, 0)
		scales[j] = (hi - lo) / 15
		mins[j] = -lo
		maxSc = max(maxSc, scales[j])
		maxMin = max(maxMin, mins[j])
	}

	var d, dmin float32
	if maxSc > 0 {
		d = maxSc / 63
	}
	if maxMin > 0 {
		dmin = maxMin / 63
	}
	b.D = float16.Fromfloat32(d)
	b.DMin = float16.Fromfloat32(dmin)
	d = b.D.Float32()
	dmin = b.DMin.Float32()

	for j := range SubBlocks {
		var sc, m uint8
		if d > 0 {
			sc = clampCode(scales[j]/d, 63)
		}
		if dmin > 0 {
			m = clampCode(mins[j]/dmin, 63)
		}
		b.SetScaleMin(j, sc, m)

		step := d * float32(sc)
		bias := dmin * float32(m)
		for l := range SubBlockSize {
			i := j*SubBlockSize + l
			var q uint8
			if step > 0 {
				q = clampCode((x[i]+bias)/step, 15)
			}
			b.SetCode(i, q)
		}
	}
}

func clampCode(v float32, hi uint8) uint8 {
	r := math.Round(float64(v))
	if r <= 0 || math.IsNaN(r) {
		return 0
	}
	if r >= float64(hi) {
		return hi
	}
	return uint8(r)
}

// String summarises the block header for diagnostics.
func (b *Block) String() string {
	return fmt.Sprintf("qblock{d=%g dmin=%g}", b.D.Float32(), b.DMin.Float32())
}
