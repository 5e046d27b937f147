package accel

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/samcharles93/blasrt/internal/device"
	"github.com/samcharles93/blasrt/pkg/bitstream"
	"github.com/samcharles93/blasrt/pkg/qblock"
)

// Op selects operand transposition.
type Op int

const (
	OpNoTrans Op = iota
	OpTrans
	OpConjTrans
)

func (o Op) String() string {
	switch o {
	case OpNoTrans:
		return "N"
	case OpTrans:
		return "T"
	case OpConjTrans:
		return "C"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// GemmArgs describes C = Alpha*op(A)*op(B) + Beta*C. A is M x K, B is K x N
// and C is M x N. LDA, LDB and LDC are the row strides the kernel walks each
// operand with; they may not exceed the buffers' padded leading dimensions.
// SetMatrix lays explicit buffers out at LeadingDim, so pass that for them.
type GemmArgs struct {
	OpA, OpB Op
	M, N, K  int
	Alpha    float32
	A        *DeviceBuffer
	LDA      int
	B        *DeviceBuffer
	LDB      int
	Beta     float32
	C        *DeviceBuffer
	LDC      int
	Kernel   int
}

// Gemm validates args and queues the product on the chosen kernel
// instance. It returns without waiting; the result is visible after
// Run.Wait or Synchronize. A busy instance runs queued work in issue order.
func (c *Context) Gemm(args GemmArgs) (*Run, error) {
	const op = "gemm"
	if err := c.usable(op); err != nil {
		return nil, err
	}
	if c.engine != bitstream.KindGEMM {
		return nil, fail(StatusNotInitialized, op, "context loaded the %s engine", c.engine)
	}
	if err := c.validateGemm(op, args); err != nil {
		return nil, err
	}

	call := device.GemmCall{
		TransA: device.OpN,
		TransB: device.OpN,
		M:      args.M,
		N:      args.N,
		K:      args.K,
		Alpha:  args.Alpha,
		Beta:   args.Beta,
		A:      args.A.addr,
		LDA:    args.LDA,
		B:      args.B.addr,
		LDB:    args.LDB,
		C:      args.C.addr,
		LDC:    args.LDC,
	}
	r, err := c.launch(op, args.Kernel, call, args.A, args.B, args.C)
	if err != nil {
		return nil, err
	}
	c.log.Debug("gemm dispatched",
		"run", r.id.String(),
		"kernel", args.Kernel,
		"m", args.M, "n", args.N, "k", args.K,
		"alpha", args.Alpha, "beta", args.Beta,
	)
	return r, nil
}

func (c *Context) validateGemm(op string, a GemmArgs) error {
	if a.OpA != OpNoTrans || a.OpB != OpNoTrans {
		return fail(StatusInvalidValue, op, "unsupported operand ops %s,%s", a.OpA, a.OpB)
	}
	if a.M <= 0 || a.N <= 0 || a.K <= 0 {
		return fail(StatusInvalidValue, op, "dimensions must be positive: m=%d n=%d k=%d", a.M, a.N, a.K)
	}
	if err := c.checkKernel(op, a.Kernel); err != nil {
		return err
	}
	operands := []struct {
		name       string
		b          *DeviceBuffer
		rows, cols int
		ld         int
	}{
		{"A", a.A, a.M, a.K, a.LDA},
		{"B", a.B, a.K, a.N, a.LDB},
		{"C", a.C, a.M, a.N, a.LDC},
	}
	for _, o := range operands {
		if err := c.lookup(op, o.name, o.b); err != nil {
			return err
		}
		if o.b.elemSize != 4 {
			return fail(StatusInvalidValue, op, "%s: element size %d, kernel computes float32", o.name, o.b.elemSize)
		}
		if o.b.mode == Explicit && o.b.kernel != a.Kernel {
			return fail(StatusInvalidValue, op, "%s: buffer is bound to kernel %d, dispatch targets %d", o.name, o.b.kernel, a.Kernel)
		}
		if o.b.rows < o.rows || o.b.cols < o.cols {
			return fail(StatusInvalidValue, op, "%s: buffer %dx%d smaller than %dx%d", o.name, o.b.rows, o.b.cols, o.rows, o.cols)
		}
		if o.ld < o.cols || o.ld > o.b.ld {
			return fail(StatusInvalidValue, op, "%s: leading dimension %d outside [%d,%d]", o.name, o.ld, o.cols, o.b.ld)
		}
	}
	if a.C == a.A || a.C == a.B {
		return fail(StatusInvalidValue, op, "C must not alias an input")
	}
	if err := c.faulted[a.Kernel]; err != nil {
		return wrap(StatusExecFailed, op, fmt.Errorf("kernel %d faulted: %w", a.Kernel, err))
	}
	return nil
}

// Dequantize decodes outputCount values from packed blocks on kernel
// instance kernel and waits for the result.
func (c *Context) Dequantize(blocks []byte, outputCount, kernel int) ([]float32, error) {
	_, out, err := c.dequantize(blocks, outputCount, kernel, nil)
	return out, err
}

// DequantizeHost decodes len(dst) values from packed blocks into dst and
// returns the ID of the run that produced them.
func (c *Context) DequantizeHost(blocks []byte, dst []float32, kernel int) (uuid.UUID, error) {
	id, _, err := c.dequantize(blocks, len(dst), kernel, dst)
	return id, err
}

// dequantize allocates dst after validation when it is nil.
func (c *Context) dequantize(blocks []byte, count, kernel int, dst []float32) (uuid.UUID, []float32, error) {
	const op = "dequantize"
	if err := c.usable(op); err != nil {
		return uuid.Nil, nil, err
	}
	if c.engine != bitstream.KindDequant {
		return uuid.Nil, nil, fail(StatusNotInitialized, op, "context loaded the %s engine", c.engine)
	}
	n, err := qblock.BlockCount(count)
	if err != nil {
		return uuid.Nil, nil, wrap(StatusInvalidValue, op, err)
	}
	if len(blocks)%qblock.BlockSize != 0 || len(blocks)/qblock.BlockSize != n {
		return uuid.Nil, nil, wrap(StatusInvalidValue, op,
			fmt.Errorf("%w: %d bytes for %d blocks", qblock.ErrBlockSize, len(blocks), n))
	}
	if err := c.checkKernel(op, kernel); err != nil {
		return uuid.Nil, nil, err
	}
	if err := c.faulted[kernel]; err != nil {
		return uuid.Nil, nil, wrap(StatusExecFailed, op, fmt.Errorf("kernel %d faulted: %w", kernel, err))
	}

	src, err := c.AllocManaged(1, len(blocks), 1)
	if err != nil {
		return uuid.Nil, nil, err
	}
	defer func() { _ = c.Free(src) }()
	out, err := c.AllocManaged(1, count, 4)
	if err != nil {
		return uuid.Nil, nil, err
	}
	defer func() { _ = c.Free(out) }()

	copy(src.Host(), blocks)

	r, err := c.launch(op, kernel, device.DequantCall{Src: src.addr, Dst: out.addr, Count: count}, src, out)
	if err != nil {
		return uuid.Nil, nil, err
	}
	c.log.Debug("dequantize dispatched", "run", r.id.String(), "kernel", kernel, "blocks", n)
	if err := r.Wait(); err != nil {
		return r.ID(), nil, err
	}
	if dst == nil {
		dst = make([]float32, count)
	}
	copy(dst, out.Float32s())
	return r.ID(), dst, nil
}

func (c *Context) launch(op string, kernel int, call device.Call, bufs ...*DeviceBuffer) (*Run, error) {
	done, err := c.dev.Launch(kernel, call)
	if err != nil {
		return nil, wrap(StatusExecFailed, op, err)
	}
	r := newRun(c, kernel, done, bufs)
	for _, b := range bufs {
		b.pending = r
	}
	c.track(r)
	return r, nil
}

// GemmHost runs one GEMM on host matrices through explicit buffers bound
// to kernel: allocate, copy in, dispatch, wait, copy out and free. c is
// updated in place. All matrices are dense row-major.
func (c *Context) GemmHost(m, n, k int, alpha float32, a, b []float32, beta float32, cm []float32, kernel int) (uuid.UUID, error) {
	const op = "gemm host"
	if len(a) != m*k || len(b) != k*n || len(cm) != m*n {
		return uuid.Nil, fail(StatusInvalidValue, op, "host matrices do not match %dx%dx%d", m, n, k)
	}
	bufs := make([]*DeviceBuffer, 0, 3)
	defer func() {
		for _, buf := range bufs {
			_ = c.Free(buf)
		}
	}()
	shapes := [][2]int{{m, k}, {k, n}, {m, n}}
	for _, s := range shapes {
		buf, err := c.AllocExplicit(s[0], s[1], 4, kernel)
		if err != nil {
			return uuid.Nil, err
		}
		bufs = append(bufs, buf)
	}
	A, B, C := bufs[0], bufs[1], bufs[2]
	if err := c.SetMatrix(m, k, a, k, A); err != nil {
		return uuid.Nil, err
	}
	if err := c.SetMatrix(k, n, b, n, B); err != nil {
		return uuid.Nil, err
	}
	if err := c.SetMatrix(m, n, cm, n, C); err != nil {
		return uuid.Nil, err
	}
	r, err := c.Gemm(GemmArgs{
		M:      m,
		N:      n,
		K:      k,
		Alpha:  alpha,
		A:      A,
		LDA:    A.LeadingDim(),
		B:      B,
		LDB:    B.LeadingDim(),
		Beta:   beta,
		C:      C,
		LDC:    C.LeadingDim(),
		Kernel: kernel,
	})
	if err != nil {
		return uuid.Nil, err
	}
	if err := r.Wait(); err != nil {
		return r.ID(), err
	}
	if err := c.GetMatrix(m, n, C, cm, n); err != nil {
		return r.ID(), err
	}
	return r.ID(), nil
}
