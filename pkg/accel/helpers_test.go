package accel

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/blasrt/internal/device"
	"github.com/samcharles93/blasrt/pkg/bitstream"
)

type fixture struct {
	kind      bitstream.Kind
	instances int
	tile      int
	config    string
	device    func(DeviceSpec) (device.Device, error)
	logPath   string
}

func writeFixture(t *testing.T, f fixture) (bitPath, cfgPath string) {
	t.Helper()
	if f.instances == 0 {
		f.instances = 1
	}
	if f.tile == 0 {
		f.tile = 16
	}
	if f.config == "" {
		f.config = "BLAS_dataType=float\nBLAS_memoryBytes=4194304\n"
	}
	var buf bytes.Buffer
	err := bitstream.Write(&buf, []bitstream.KernelSpec{
		{Name: "gemmKernel", Kind: bitstream.KindGEMM, Instances: f.instances, TileAlignment: f.tile, Payload: []byte("gemm")},
		{Name: "dequantize4", Kind: bitstream.KindDequant, Instances: f.instances, TileAlignment: f.tile, Payload: []byte("deq")},
	})
	if err != nil {
		t.Fatalf("write bitstream: %v", err)
	}
	dir := t.TempDir()
	bitPath = filepath.Join(dir, "blas.xbit")
	cfgPath = filepath.Join(dir, "config_info.dat")
	if err := os.WriteFile(bitPath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write bitstream file: %v", err)
	}
	if err := os.WriteFile(cfgPath, []byte(f.config), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return bitPath, cfgPath
}

func newTestContext(t *testing.T, f fixture) *Context {
	t.Helper()
	if f.kind == bitstream.KindUnknown {
		f.kind = bitstream.KindGEMM
	}
	bitPath, cfgPath := writeFixture(t, f)
	c, err := Create(Options{
		BitstreamPath: bitPath,
		ConfigPath:    cfgPath,
		Engine:        f.kind,
		LogPath:       f.logPath,
		Device:        f.device,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() {
		if c.NumKernels() > 0 {
			if err := c.Destroy(); err != nil {
				t.Errorf("destroy: %v", err)
			}
		}
	})
	return c
}

func mustStatus(t *testing.T, err error, want Status) {
	t.Helper()
	if got := StatusOf(err); got != want {
		t.Fatalf("status: got %s want %s (err=%v)", got, want, err)
	}
	if want != StatusSuccess && !errors.Is(err, want.sentinel()) {
		t.Fatalf("error %v does not match sentinel for %s", err, want)
	}
}

// referenceGemm computes the product in float64.
func referenceGemm(m, n, k int, alpha float32, a, b []float32, beta float32, c []float32) []float32 {
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

func closeEnough(got, want float32) bool {
	diff := math.Abs(float64(got - want))
	if diff <= 1e-5 {
		return true
	}
	return diff/math.Abs(float64(want)) <= 1e-3
}

func fill(n int, f func(i int) float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = f(i)
	}
	return out
}
