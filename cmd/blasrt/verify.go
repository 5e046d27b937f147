package main

import (
	"fmt"
	"math"
)

const (
	relTolerance = 1e-3
	absTolerance = 1e-5
)

// mismatch describes the first element outside tolerance.
type mismatch struct {
	Index     int
	Got, Want float32
}

func (m mismatch) Error() string {
	return fmt.Sprintf("element %d: got %g want %g", m.Index, m.Got, m.Want)
}

// compareResults checks got against want elementwise, accepting either a
// relative or an absolute error within tolerance.
func compareResults(got, want []float32) error {
	if len(got) != len(want) {
		return fmt.Errorf("length mismatch: got %d want %d", len(got), len(want))
	}
	for i := range want {
		if !withinTolerance(got[i], want[i]) {
			return mismatch{Index: i, Got: got[i], Want: want[i]}
		}
	}
	return nil
}

func withinTolerance(got, want float32) bool {
	if math.IsNaN(float64(got)) || math.IsNaN(float64(want)) {
		return math.IsNaN(float64(got)) && math.IsNaN(float64(want))
	}
	diff := math.Abs(float64(got) - float64(want))
	if diff <= absTolerance {
		return true
	}
	return diff <= relTolerance*math.Abs(float64(want))
}

// goldenGemm recomputes C = alpha*A*B + beta*C in float64 on dense
// row-major host matrices.
func goldenGemm(m, n, k int, alpha float32, a, b []float32, beta float32, c []float32) []float32 {
	out := make([]float32, m*n)
	for i := range m {
		for j := range n {
			var sum float64
			for p := range k {
				sum += float64(a[i*k+p]) * float64(b[p*n+j])
			}
			out[i*n+j] = float32(float64(alpha)*sum + float64(beta)*float64(c[i*n+j]))
		}
	}
	return out
}

// exampleMatrices builds the sequential test operands: A counts up from 1,
// B continues where A stopped and C is all ones.
func exampleMatrices(m, n, k int) (a, b, c []float32) {
	a = make([]float32, m*k)
	for i := range a {
		a[i] = float32(i + 1)
	}
	b = make([]float32, k*n)
	for i := range b {
		b[i] = float32(len(a) + i + 1)
	}
	c = make([]float32, m*n)
	for i := range c {
		c[i] = 1
	}
	return a, b, c
}
