package accel

import (
	"math"
	"math/rand/v2"
	"testing"
)

func TestSetGetRoundTrip(t *testing.T) {
	t.Parallel()
	c := newTestContext(t, fixture{tile: 8})
	r := rand.New(rand.NewPCG(5, 9))

	tests := []struct {
		rows, cols, ldh int
	}{
		{rows: 1, cols: 1, ldh: 1},
		{rows: 5, cols: 5, ldh: 5},
		{rows: 5, cols: 5, ldh: 8},
		{rows: 3, cols: 8, ldh: 8},
		{rows: 7, cols: 13, ldh: 20},
		{rows: 4, cols: 16, ldh: 16},
	}
	for _, tt := range tests {
		b, err := c.AllocExplicit(tt.rows, tt.cols, 4, 0)
		if err != nil {
			t.Fatalf("alloc %+v: %v", tt, err)
		}
		src := fill((tt.rows-1)*tt.ldh+tt.cols, func(int) float32 { return r.Float32()*200 - 100 })
		if err := c.SetMatrix(tt.rows, tt.cols, src, tt.ldh, b); err != nil {
			t.Fatalf("set %+v: %v", tt, err)
		}

		dst := fill(len(src), func(int) float32 { return float32(math.NaN()) })
		if err := c.GetMatrix(tt.rows, tt.cols, b, dst, tt.ldh); err != nil {
			t.Fatalf("get %+v: %v", tt, err)
		}
		for i := range tt.rows {
			for j := range tt.cols {
				k := i*tt.ldh + j
				if math.Float32bits(dst[k]) != math.Float32bits(src[k]) {
					t.Fatalf("%+v: [%d][%d] got %v want %v", tt, i, j, dst[k], src[k])
				}
			}
			for j := tt.cols; j < tt.ldh && i*tt.ldh+j < len(dst); j++ {
				if !math.IsNaN(float64(dst[i*tt.ldh+j])) {
					t.Fatalf("%+v: host padding [%d][%d] overwritten", tt, i, j)
				}
			}
		}
		mustStatus(t, c.Free(b), StatusSuccess)
	}
}

func TestSetMatrixBytesElemSize(t *testing.T) {
	t.Parallel()
	c := newTestContext(t, fixture{tile: 4})
	b, err := c.AllocExplicit(2, 3, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	src := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	mustStatus(t, c.SetMatrixBytes(2, 3, 2, src, 3, b), StatusSuccess)
	dst := make([]byte, len(src))
	mustStatus(t, c.GetMatrixBytes(2, 3, 2, b, dst, 3), StatusSuccess)
	for i := range src {
		if dst[i] != src[i] {
			t.Fatalf("byte %d: got %d want %d", i, dst[i], src[i])
		}
	}
}

func TestTransferValidation(t *testing.T) {
	t.Parallel()
	c := newTestContext(t, fixture{})
	b, err := c.AllocExplicit(4, 4, 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	m, err := c.AllocManaged(4, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	host := make([]float32, 16)

	tests := []struct {
		name string
		err  error
	}{
		{name: "rows mismatch", err: c.SetMatrix(3, 4, host, 4, b)},
		{name: "cols mismatch", err: c.GetMatrix(4, 5, b, host, 5)},
		{name: "ldh below cols", err: c.SetMatrix(4, 4, host, 3, b)},
		{name: "host too short", err: c.SetMatrix(4, 4, host[:15], 4, b)},
		{name: "elem size", err: c.SetMatrixBytes(4, 4, 2, make([]byte, 32), 4, b)},
		{name: "managed buffer", err: c.SetMatrix(4, 4, host, 4, m)},
		{name: "nil buffer", err: c.GetMatrix(4, 4, nil, host, 4)},
		{name: "huge ldh set", err: c.SetMatrix(4, 4, host, 1<<62, b)},
		{name: "huge ldh get", err: c.GetMatrix(4, 4, b, host, 1<<62)},
	}
	for _, tt := range tests {
		if StatusOf(tt.err) != StatusInvalidValue {
			t.Fatalf("%s: got %v want INVALID_VALUE", tt.name, tt.err)
		}
	}
}

func TestTransferHostStrideOverflow(t *testing.T) {
	t.Parallel()
	c := newTestContext(t, fixture{tile: 4})
	b, err := c.AllocExplicit(2, 1, 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	seed := []byte{9, 0, 0, 0, 7, 0, 0, 0}
	mustStatus(t, c.SetMatrixBytes(2, 1, 4, seed, 1, b), StatusSuccess)

	tests := []struct {
		name string
		host []byte
		ldh  int
	}{
		{name: "one row of host data", host: []byte{1, 0, 0, 0}, ldh: 1 << 62},
		{name: "wrapping stride", host: make([]byte, 16), ldh: (1 << 61) + 1},
		{name: "max int stride", host: make([]byte, 16), ldh: math.MaxInt},
	}
	for _, tt := range tests {
		mustStatus(t, c.SetMatrixBytes(2, 1, 4, tt.host, tt.ldh, b), StatusInvalidValue)
		mustStatus(t, c.GetMatrixBytes(2, 1, 4, b, tt.host, tt.ldh), StatusInvalidValue)
	}

	got := make([]byte, len(seed))
	mustStatus(t, c.GetMatrixBytes(2, 1, 4, b, got, 1), StatusSuccess)
	for i := range seed {
		if got[i] != seed[i] {
			t.Fatalf("device contents changed: got %v want %v", got, seed)
		}
	}
}
