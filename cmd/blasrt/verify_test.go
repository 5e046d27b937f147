package main

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestExampleMatricesGolden(t *testing.T) {
	t.Parallel()
	a, b, c := exampleMatrices(5, 5, 5)
	if a[0] != 1 || a[24] != 25 || b[0] != 26 || b[24] != 50 {
		t.Fatalf("unexpected operands: a=%v b=%v", a, b)
	}
	got := goldenGemm(5, 5, 5, 1, a, b, 1, c)
	rowStarts := []float32{591, 1491, 2391, 3291, 4191}
	for i, want := range rowStarts {
		if got[i*5] != want {
			t.Fatalf("row %d: got %v want %v", i, got[i*5], want)
		}
	}
	if got[24] != 4651 {
		t.Fatalf("last element: got %v", got[24])
	}
}

func TestCompareResults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		got, want []float32
		ok        bool
	}{
		{name: "exact", got: []float32{1, 2}, want: []float32{1, 2}, ok: true},
		{name: "relative", got: []float32{1000.5}, want: []float32{1000}, ok: true},
		{name: "absolute", got: []float32{1e-6}, want: []float32{0}, ok: true},
		{name: "too far", got: []float32{1.01}, want: []float32{1}, ok: false},
		{name: "nan", got: []float32{float32(math.NaN())}, want: []float32{1}, ok: false},
		{name: "length", got: []float32{1}, want: []float32{1, 2}, ok: false},
	}
	for _, tt := range tests {
		err := compareResults(tt.got, tt.want)
		if (err == nil) != tt.ok {
			t.Fatalf("%s: got err=%v, want ok=%v", tt.name, err, tt.ok)
		}
	}

	var m mismatch
	if err := compareResults([]float32{0, 3}, []float32{0, 4}); !errors.As(err, &m) || m.Index != 1 {
		t.Fatalf("expected mismatch at index 1, got %v", err)
	}
}

func TestPrintMatrix(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	printMatrix(&buf, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, 3, 3, 2)
	want := "1 2 ...\n4 5 ...\n...\n"
	if buf.String() != want {
		t.Fatalf("got %q want %q", buf.String(), want)
	}
}
