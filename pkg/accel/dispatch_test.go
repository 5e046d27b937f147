package accel

import (
	"errors"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/samcharles93/blasrt/internal/device"
	"github.com/samcharles93/blasrt/pkg/bitstream"
	"github.com/samcharles93/blasrt/pkg/qblock"
)

func TestGemmFiveByFive(t *testing.T) {
	t.Parallel()
	c := newTestContext(t, fixture{tile: 16})
	a := fill(25, func(i int) float32 { return float32(i + 1) })
	b := fill(25, func(i int) float32 { return float32(25 + i + 1) })
	cm := fill(25, func(int) float32 { return 1 })

	if _, err := c.GemmHost(5, 5, 5, 1, a, b, 1, cm, 0); err != nil {
		t.Fatalf("gemm: %v", err)
	}
	want := []float32{
		591, 606, 621, 636, 651,
		1491, 1531, 1571, 1611, 1651,
		2391, 2456, 2521, 2586, 2651,
		3291, 3381, 3471, 3561, 3651,
		4191, 4306, 4421, 4536, 4651,
	}
	for i := range want {
		if cm[i] != want[i] {
			t.Fatalf("C[%d][%d]: got %v want %v", i/5, i%5, cm[i], want[i])
		}
	}
	if c.LiveBuffers() != 0 {
		t.Fatalf("GemmHost leaked %d buffers", c.LiveBuffers())
	}
}

func TestGemmMatchesReference(t *testing.T) {
	t.Parallel()
	c := newTestContext(t, fixture{tile: 16})
	r := rand.New(rand.NewPCG(42, 1))

	shapes := [][3]int{{1, 1, 1}, {7, 3, 5}, {16, 16, 16}, {33, 17, 40}, {64, 48, 70}}
	for _, s := range shapes {
		m, n, k := s[0], s[1], s[2]
		alpha := r.Float32()*2 - 1
		beta := r.Float32()*2 - 1
		a := fill(m*k, func(int) float32 { return r.Float32()*2 - 1 })
		b := fill(k*n, func(int) float32 { return r.Float32()*2 - 1 })
		cm := fill(m*n, func(int) float32 { return r.Float32()*2 - 1 })
		want := referenceGemm(m, n, k, alpha, a, b, beta, cm)

		if _, err := c.GemmHost(m, n, k, alpha, a, b, beta, cm, 0); err != nil {
			t.Fatalf("gemm %v: %v", s, err)
		}
		for i := range want {
			if !closeEnough(cm[i], want[i]) {
				t.Fatalf("gemm %v: element %d got %v want %v", s, i, cm[i], want[i])
			}
		}
	}
}

func TestGemmManagedSynchronize(t *testing.T) {
	t.Parallel()
	c := newTestContext(t, fixture{tile: 8})
	const m, n, k = 6, 5, 3
	A, err := c.AllocManaged(m, k, 4)
	if err != nil {
		t.Fatal(err)
	}
	B, err := c.AllocManaged(k, n, 4)
	if err != nil {
		t.Fatal(err)
	}
	C, err := c.AllocManaged(m, n, 4)
	if err != nil {
		t.Fatal(err)
	}

	a := fill(m*k, func(i int) float32 { return float32(i%7) - 3 })
	b := fill(k*n, func(i int) float32 { return float32(i%5) * 0.5 })
	cm := fill(m*n, func(i int) float32 { return float32(i) })
	// write through the padded stride
	for i := range m {
		copy(A.Float32s()[i*A.LeadingDim():], a[i*k:(i+1)*k])
		copy(C.Float32s()[i*C.LeadingDim():], cm[i*n:(i+1)*n])
	}
	for i := range k {
		copy(B.Float32s()[i*B.LeadingDim():], b[i*n:(i+1)*n])
	}
	want := referenceGemm(m, n, k, 2, a, b, 0.5, cm)

	run, err := c.Gemm(GemmArgs{
		M:     m,
		N:     n,
		K:     k,
		Alpha: 2,
		A:     A,
		LDA:   A.LeadingDim(),
		B:     B,
		LDB:   B.LeadingDim(),
		Beta:  0.5,
		C:     C,
		LDC:   C.LeadingDim(),
	})
	if err != nil {
		t.Fatalf("gemm: %v", err)
	}
	if run.Kernel() != 0 {
		t.Fatalf("run kernel: %d", run.Kernel())
	}
	if err := c.Synchronize(); err != nil {
		t.Fatalf("synchronize: %v", err)
	}
	select {
	case <-run.Done():
	default:
		t.Fatalf("run not done after synchronize")
	}
	out := C.Float32s()
	for i := range m {
		for j := range n {
			if got := out[i*C.LeadingDim()+j]; !closeEnough(got, want[i*n+j]) {
				t.Fatalf("C[%d][%d]: got %v want %v", i, j, got, want[i*n+j])
			}
		}
	}
}

func TestGemmCallerStride(t *testing.T) {
	t.Parallel()
	c := newTestContext(t, fixture{tile: 8})
	alloc := func(rows, cols int) *DeviceBuffer {
		t.Helper()
		buf, err := c.AllocManaged(rows, cols, 4)
		if err != nil {
			t.Fatal(err)
		}
		if buf.LeadingDim() != 8 {
			t.Fatalf("padded ld: got %d want 8", buf.LeadingDim())
		}
		return buf
	}
	A, I, C := alloc(2, 2), alloc(2, 2), alloc(2, 2)

	// dense 2x2 layouts inside padded buffers
	copy(A.Float32s(), []float32{1, 2, 3, 4})
	copy(I.Float32s(), []float32{1, 0, 0, 1})

	run, err := c.Gemm(GemmArgs{M: 2, N: 2, K: 2, Alpha: 1, A: A, LDA: 2, B: I, LDB: 2, C: C, LDC: 2})
	if err != nil {
		t.Fatalf("gemm: %v", err)
	}
	if err := run.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	want := []float32{1, 2, 3, 4}
	got := C.Float32s()[:4]
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("C: got %v want %v", got, want)
		}
	}
}

func TestGemmValidation(t *testing.T) {
	t.Parallel()
	var launches atomic.Int32
	c := newTestContext(t, fixture{
		instances: 2,
		tile:      8,
		device: func(spec DeviceSpec) (device.Device, error) {
			return device.NewEmulator(device.EmulatorConfig{
				Kind:        spec.Kernel.Kind,
				Instances:   spec.Instances,
				MemoryBytes: spec.MemoryBytes,
				Fault: func(int, device.Call) error {
					launches.Add(1)
					return nil
				},
			})
		},
	})
	A, _ := c.AllocExplicit(4, 3, 4, 0)
	B, _ := c.AllocExplicit(3, 5, 4, 0)
	C, _ := c.AllocExplicit(4, 5, 4, 0)
	onOne, _ := c.AllocExplicit(4, 5, 4, 1)
	half, _ := c.AllocExplicit(4, 5, 2, 0)
	freed, _ := c.AllocExplicit(4, 5, 4, 0)
	if err := c.Free(freed); err != nil {
		t.Fatal(err)
	}
	ok := GemmArgs{M: 4, N: 5, K: 3, Alpha: 1, A: A, LDA: 8, B: B, LDB: 8, C: C, LDC: 8}

	tests := []struct {
		name   string
		mutate func(*GemmArgs)
	}{
		{name: "transpose A", mutate: func(g *GemmArgs) { g.OpA = OpTrans }},
		{name: "conj transpose B", mutate: func(g *GemmArgs) { g.OpB = OpConjTrans }},
		{name: "unknown op", mutate: func(g *GemmArgs) { g.OpA = Op(9) }},
		{name: "zero m", mutate: func(g *GemmArgs) { g.M = 0 }},
		{name: "negative k", mutate: func(g *GemmArgs) { g.K = -1 }},
		{name: "m exceeds A", mutate: func(g *GemmArgs) { g.M = 5 }},
		{name: "lda below k", mutate: func(g *GemmArgs) { g.LDA = 2 }},
		{name: "lda beyond padding", mutate: func(g *GemmArgs) { g.LDA = 9 }},
		{name: "ldc below n", mutate: func(g *GemmArgs) { g.LDC = 4 }},
		{name: "kernel out of range", mutate: func(g *GemmArgs) { g.Kernel = 2 }},
		{name: "buffer on other kernel", mutate: func(g *GemmArgs) { g.C = onOne }},
		{name: "half precision", mutate: func(g *GemmArgs) { g.C = half }},
		{name: "freed buffer", mutate: func(g *GemmArgs) { g.C = freed }},
		{name: "nil buffer", mutate: func(g *GemmArgs) { g.B = nil }},
		{name: "output aliases input", mutate: func(g *GemmArgs) { g.C = A; g.N = 3; g.LDC = 3; g.LDB = 3 }},
	}
	for _, tt := range tests {
		args := ok
		tt.mutate(&args)
		run, err := c.Gemm(args)
		if run != nil {
			t.Fatalf("%s: got a run", tt.name)
		}
		if StatusOf(err) != StatusInvalidValue {
			t.Fatalf("%s: got %v want INVALID_VALUE", tt.name, err)
		}
	}
	if n := launches.Load(); n != 0 {
		t.Fatalf("validation failures reached the device %d times", n)
	}

	run, err := c.Gemm(ok)
	if err != nil {
		t.Fatalf("valid gemm after failures: %v", err)
	}
	if err := run.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if launches.Load() != 1 {
		t.Fatalf("launches: got %d want 1", launches.Load())
	}
}

func TestMultiInstanceEquivalence(t *testing.T) {
	t.Parallel()
	const (
		jobs = 6
		dim  = 12
	)
	r := rand.New(rand.NewPCG(8, 8))
	type job struct{ a, b, c []float32 }
	inputs := make([]job, jobs)
	for i := range inputs {
		inputs[i] = job{
			a: fill(dim*dim, func(int) float32 { return r.Float32() }),
			b: fill(dim*dim, func(int) float32 { return r.Float32() }),
			c: fill(dim*dim, func(int) float32 { return r.Float32() }),
		}
	}

	run := func(instances int) [][]float32 {
		c := newTestContext(t, fixture{instances: instances, tile: 4})
		outs := make([]*DeviceBuffer, jobs)
		for i, in := range inputs {
			kernel := i % c.NumKernels()
			A, err := c.AllocExplicit(dim, dim, 4, kernel)
			if err != nil {
				t.Fatal(err)
			}
			B, err := c.AllocExplicit(dim, dim, 4, kernel)
			if err != nil {
				t.Fatal(err)
			}
			C, err := c.AllocExplicit(dim, dim, 4, kernel)
			if err != nil {
				t.Fatal(err)
			}
			for _, p := range []struct {
				buf  *DeviceBuffer
				host []float32
			}{{A, in.a}, {B, in.b}, {C, in.c}} {
				if err := c.SetMatrix(dim, dim, p.host, dim, p.buf); err != nil {
					t.Fatal(err)
				}
			}
			if _, err := c.Gemm(GemmArgs{M: dim, N: dim, K: dim, Alpha: 1.5, A: A, LDA: dim, B: B, LDB: dim, Beta: -1, C: C, LDC: dim, Kernel: kernel}); err != nil {
				t.Fatalf("gemm %d: %v", i, err)
			}
			outs[i] = C
		}
		if err := c.Synchronize(); err != nil {
			t.Fatalf("synchronize: %v", err)
		}
		results := make([][]float32, jobs)
		for i, C := range outs {
			results[i] = make([]float32, dim*dim)
			if err := c.GetMatrix(dim, dim, C, results[i], dim); err != nil {
				t.Fatal(err)
			}
		}
		return results
	}

	serial := run(1)
	parallel := run(3)
	for i := range serial {
		for j := range serial[i] {
			if !closeEnough(parallel[i][j], serial[i][j]) {
				t.Fatalf("job %d element %d: %v vs %v", i, j, parallel[i][j], serial[i][j])
			}
		}
	}
}

func TestExecutionFault(t *testing.T) {
	t.Parallel()
	injected := errors.New("bank parity error")
	c := newTestContext(t, fixture{
		instances: 2,
		device: func(spec DeviceSpec) (device.Device, error) {
			return device.NewEmulator(device.EmulatorConfig{
				Kind:        spec.Kernel.Kind,
				Instances:   spec.Instances,
				MemoryBytes: spec.MemoryBytes,
				Fault: func(instance int, _ device.Call) error {
					if instance == 1 {
						return injected
					}
					return nil
				},
			})
		},
	})

	bufs := func(kernel int) (a, b, cc *DeviceBuffer) {
		t.Helper()
		var err error
		if a, err = c.AllocExplicit(2, 2, 4, kernel); err != nil {
			t.Fatal(err)
		}
		if b, err = c.AllocExplicit(2, 2, 4, kernel); err != nil {
			t.Fatal(err)
		}
		if cc, err = c.AllocExplicit(2, 2, 4, kernel); err != nil {
			t.Fatal(err)
		}
		return a, b, cc
	}
	a0, b0, c0 := bufs(0)
	a1, b1, c1 := bufs(1)

	if _, err := c.Gemm(GemmArgs{M: 2, N: 2, K: 2, Alpha: 1, A: a0, LDA: 2, B: b0, LDB: 2, C: c0, LDC: 2, Kernel: 0}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Gemm(GemmArgs{M: 2, N: 2, K: 2, Alpha: 1, A: a1, LDA: 2, B: b1, LDB: 2, C: c1, LDC: 2, Kernel: 1}); err != nil {
		t.Fatal(err)
	}
	err := c.Synchronize()
	mustStatus(t, err, StatusExecFailed)
	if !errors.Is(err, device.ErrKernelFault) || !errors.Is(err, injected) {
		t.Fatalf("fault cause lost: %v", err)
	}

	// instance 0 and its buffers are unaffected
	host := make([]float32, 4)
	mustStatus(t, c.GetMatrix(2, 2, c0, host, 2), StatusSuccess)

	mustStatus(t, c.GetMatrix(2, 2, c1, host, 2), StatusExecFailed)
	_, err = c.Gemm(GemmArgs{M: 2, N: 2, K: 2, A: a0, LDA: 2, B: b0, LDB: 2, C: c0, LDC: 2, Kernel: 0})
	mustStatus(t, err, StatusSuccess)
	fresh, _, _ := bufs(1)
	_, err = c.Gemm(GemmArgs{M: 2, N: 2, K: 2, A: fresh, LDA: 2, B: fresh, LDB: 2, C: c1, LDC: 2, Kernel: 1})
	mustStatus(t, err, StatusExecFailed)

	info, err := c.Info()
	if err != nil {
		t.Fatal(err)
	}
	if len(info.FaultedKernels) != 1 || info.FaultedKernels[0] != 1 {
		t.Fatalf("faulted kernels: %v", info.FaultedKernels)
	}

	mustStatus(t, c.Free(c1), StatusSuccess)
	mustStatus(t, c.ResetKernel(1), StatusSuccess)
	mustStatus(t, c.SynchronizeKernel(0), StatusSuccess)
}

func TestDequantizeKernel(t *testing.T) {
	t.Parallel()
	c := newTestContext(t, fixture{kind: bitstream.KindDequant, instances: 2, tile: 16})
	r := rand.New(rand.NewPCG(2, 3))
	values := fill(3*qblock.ValuesPerBlock, func(int) float32 { return r.Float32()*8 - 4 })
	blocks, err := qblock.Quantize(values)
	if err != nil {
		t.Fatal(err)
	}
	raw := qblock.EncodeBlocks(blocks)

	want, err := qblock.Dequantize(raw, len(values))
	if err != nil {
		t.Fatal(err)
	}
	for kernel := range c.NumKernels() {
		got, err := c.Dequantize(raw, len(values), kernel)
		if err != nil {
			t.Fatalf("dequantize on %d: %v", kernel, err)
		}
		if len(got) != 256*len(blocks) {
			t.Fatalf("length: got %d", len(got))
		}
		for i := range want {
			if math.Float32bits(got[i]) != math.Float32bits(want[i]) {
				t.Fatalf("value %d: got %v want %v", i, got[i], want[i])
			}
		}
	}
	if c.LiveBuffers() != 0 {
		t.Fatalf("dequantize leaked %d buffers", c.LiveBuffers())
	}

	_, err = c.Dequantize(raw, 300, 0)
	mustStatus(t, err, StatusInvalidValue)
	_, err = c.Dequantize(raw[:len(raw)-1], len(values), 0)
	mustStatus(t, err, StatusInvalidValue)
	_, err = c.Dequantize(raw, len(values), 5)
	mustStatus(t, err, StatusInvalidValue)
	_, err = c.Dequantize(raw, math.MaxInt/qblock.ValuesPerBlock*qblock.ValuesPerBlock, 0)
	mustStatus(t, err, StatusInvalidValue)

	dst := make([]float32, len(values))
	id, err := c.DequantizeHost(raw, dst, 1)
	if err != nil {
		t.Fatalf("dequantize host: %v", err)
	}
	if id == uuid.Nil {
		t.Fatalf("missing run id")
	}
	for i := range want {
		if math.Float32bits(dst[i]) != math.Float32bits(want[i]) {
			t.Fatalf("host value %d: got %v want %v", i, dst[i], want[i])
		}
	}

	_, err = c.Gemm(GemmArgs{M: 1, N: 1, K: 1})
	mustStatus(t, err, StatusNotInitialized)
}
