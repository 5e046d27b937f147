package device

const (
	gemmTileM = 32
	gemmTileN = 32
	gemmTileK = 16
)

// sgemm computes C = alpha*A*B + beta*C for row-major operands, one tile of
// C rows at a time.
func sgemm(m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 {
		return
	}
	switch beta {
	case 1:
	case 0:
		for i := range m {
			clear(c[i*ldc : i*ldc+n])
		}
	default:
		for i := range m {
			row := c[i*ldc : i*ldc+n]
			for j := range row {
				row[j] *= beta
			}
		}
	}
	if alpha == 0 || k == 0 {
		return
	}

	for i0 := 0; i0 < m; i0 += gemmTileM {
		iMax := min(i0+gemmTileM, m)
		for k0 := 0; k0 < k; k0 += gemmTileK {
			kMax := min(k0+gemmTileK, k)
			for j0 := 0; j0 < n; j0 += gemmTileN {
				jMax := min(j0+gemmTileN, n)
				blockUpdate(c, a, b, ldc, lda, ldb, alpha, i0, iMax, j0, jMax, k0, kMax)
			}
		}
	}
}

func blockUpdate(c, a, b []float32, ldc, lda, ldb int, alpha float32, i0, iMax, j0, jMax, k0, kMax int) {
	for i := i0; i < iMax; i++ {
		cRow := c[i*ldc+j0 : i*ldc+jMax]
		aRow := a[i*lda : i*lda+kMax]
		for kk := k0; kk < kMax; kk++ {
			av := alpha * aRow[kk]
			bRow := b[kk*ldb+j0 : kk*ldb+jMax]
			for j := range cRow {
				cRow[j] += av * bRow[j]
			}
		}
	}
}

// span returns how many elements a rows x cols view with stride ld touches.
func span(rows, cols, ld int) int64 {
	if rows == 0 || cols == 0 {
		return 0
	}
	return int64(rows-1)*int64(ld) + int64(cols)
}
