package device

import (
	"fmt"
	"sync"

	"github.com/samcharles93/blasrt/pkg/bitstream"
	"github.com/samcharles93/blasrt/pkg/qblock"
)

// queueDepth bounds outstanding launches per instance; Launch blocks once
// an instance has this many invocations queued.
const queueDepth = 64

// EmulatorConfig sizes the software accelerator.
type EmulatorConfig struct {
	Kind        bitstream.Kind
	Instances   int
	MemoryBytes int64

	// Fault, when set, is consulted before each invocation executes. A
	// non-nil return is reported as a kernel fault for that invocation.
	Fault func(instance int, call Call) error
}

// Emulator executes the GEMM and dequantize kernels in software with the
// same memory and ordering contract as the hardware: explicit memory is
// only reachable through copies, managed memory is shared with the host,
// and every instance runs its queue in order on its own goroutine.
type Emulator struct {
	cfg EmulatorConfig

	mu      sync.Mutex
	regions map[Addr]*region
	next    Addr
	used    int64
	closed  bool

	// launchMu keeps Close from closing a queue under a pending send.
	launchMu sync.RWMutex
	queues   []chan job
	wg       sync.WaitGroup
}

type job struct {
	run  func() error
	done chan error
}

// NewEmulator starts one worker per kernel instance. Close stops them and
// releases all memory.
func NewEmulator(cfg EmulatorConfig) (*Emulator, error) {
	if cfg.Instances < 1 {
		return nil, fmt.Errorf("emulator needs at least one kernel instance")
	}
	if cfg.MemoryBytes <= 0 {
		return nil, fmt.Errorf("emulator memory must be > 0")
	}
	e := &Emulator{
		cfg:     cfg,
		regions: make(map[Addr]*region),
		next:    0x1000,
		queues:  make([]chan job, cfg.Instances),
	}
	for i := range e.queues {
		q := make(chan job, queueDepth)
		e.queues[i] = q
		e.wg.Add(1)
		go e.worker(q)
	}
	return e, nil
}

func (e *Emulator) worker(q <-chan job) {
	defer e.wg.Done()
	for j := range q {
		j.done <- j.run()
		close(j.done)
	}
}

func (e *Emulator) Instances() int {
	return e.cfg.Instances
}

func (e *Emulator) BytesInUse() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.used
}

func (e *Emulator) reserve(bytes int64) (Addr, error) {
	if e.closed {
		return 0, ErrClosed
	}
	if bytes <= 0 {
		return 0, fmt.Errorf("device alloc size must be > 0")
	}
	if e.used+bytes > e.cfg.MemoryBytes {
		return 0, fmt.Errorf("%w: need %d, available %d", ErrOutOfMemory, bytes, e.cfg.MemoryBytes-e.used)
	}
	addr := e.next
	// keep addresses page-spaced so neighbouring buffers never alias
	e.next += Addr((bytes + 4095) &^ 4095)
	e.used += bytes
	return addr, nil
}

func (e *Emulator) Alloc(bytes int64) (Addr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	addr, err := e.reserve(bytes)
	if err != nil {
		return 0, err
	}
	e.regions[addr] = &region{data: allocExplicit(bytes)}
	return addr, nil
}

func (e *Emulator) AllocManaged(bytes int64) (Addr, []byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	addr, err := e.reserve(bytes)
	if err != nil {
		return 0, nil, err
	}
	data, err := allocManaged(bytes)
	if err != nil {
		e.used -= bytes
		return 0, nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	e.regions[addr] = &region{data: data, managed: true}
	return addr, data, nil
}

func (e *Emulator) Free(addr Addr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.regions[addr]
	if !ok {
		return fmt.Errorf("%w: %#x", ErrBadAddress, uint64(addr))
	}
	delete(e.regions, addr)
	e.used -= int64(len(r.data))
	return r.release()
}

func (e *Emulator) lookup(addr Addr) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	r, ok := e.regions[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrBadAddress, uint64(addr))
	}
	return r.data, nil
}

func (e *Emulator) MemcpyH2D(dst Addr, off int64, src []byte) error {
	mem, err := e.lookup(dst)
	if err != nil {
		return err
	}
	if off < 0 || off+int64(len(src)) > int64(len(mem)) {
		return fmt.Errorf("%w: write [%d,%d) of %d", ErrOutOfBounds, off, off+int64(len(src)), len(mem))
	}
	copy(mem[off:], src)
	return nil
}

func (e *Emulator) MemcpyD2H(dst []byte, src Addr, off int64) error {
	mem, err := e.lookup(src)
	if err != nil {
		return err
	}
	if off < 0 || off+int64(len(dst)) > int64(len(mem)) {
		return fmt.Errorf("%w: read [%d,%d) of %d", ErrOutOfBounds, off, off+int64(len(dst)), len(mem))
	}
	copy(dst, mem[off:])
	return nil
}

// Launch resolves the call's operands and queues it on the instance.
func (e *Emulator) Launch(instance int, call Call) (<-chan error, error) {
	if instance < 0 || instance >= len(e.queues) {
		return nil, fmt.Errorf("kernel instance %d out of range [0,%d)", instance, len(e.queues))
	}
	if call.Kind() != e.cfg.Kind {
		return nil, fmt.Errorf("%w: %s on %s", ErrNoKernel, call.Kind(), e.cfg.Kind)
	}

	var run func() error
	switch c := call.(type) {
	case GemmCall:
		body, err := e.bindGemm(c)
		if err != nil {
			return nil, err
		}
		run = body
	case DequantCall:
		body, err := e.bindDequant(c)
		if err != nil {
			return nil, err
		}
		run = body
	default:
		return nil, fmt.Errorf("%w: %T", ErrNoKernel, call)
	}

	e.launchMu.RLock()
	defer e.launchMu.RUnlock()
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	done := make(chan error, 1)
	fault := e.cfg.Fault
	e.queues[instance] <- job{
		run: func() error {
			if fault != nil {
				if err := fault(instance, call); err != nil {
					return kernelFault(instance, err)
				}
			}
			return run()
		},
		done: done,
	}
	return done, nil
}

func (e *Emulator) operand(addr Addr, rows, cols, ld int) ([]float32, error) {
	mem, err := e.lookup(addr)
	if err != nil {
		return nil, err
	}
	v := float32View(mem)
	if need := span(rows, cols, ld); need > int64(len(v)) {
		return nil, fmt.Errorf("%w: operand %#x needs %d elements, has %d", ErrOutOfBounds, uint64(addr), need, len(v))
	}
	return v, nil
}

func (e *Emulator) bindGemm(c GemmCall) (func() error, error) {
	if c.TransA != OpN || c.TransB != OpN {
		return nil, fmt.Errorf("%w: transposed operands", ErrNoKernel)
	}
	a, err := e.operand(c.A, c.M, c.K, c.LDA)
	if err != nil {
		return nil, err
	}
	b, err := e.operand(c.B, c.K, c.N, c.LDB)
	if err != nil {
		return nil, err
	}
	out, err := e.operand(c.C, c.M, c.N, c.LDC)
	if err != nil {
		return nil, err
	}
	return func() error {
		sgemm(c.M, c.N, c.K, c.Alpha, a, c.LDA, b, c.LDB, c.Beta, out, c.LDC)
		return nil
	}, nil
}

func (e *Emulator) bindDequant(c DequantCall) (func() error, error) {
	blocks, err := qblock.BlockCount(c.Count)
	if err != nil {
		return nil, err
	}
	src, err := e.lookup(c.Src)
	if err != nil {
		return nil, err
	}
	need := int64(blocks) * qblock.BlockSize
	if need > int64(len(src)) {
		return nil, fmt.Errorf("%w: %d block bytes, buffer has %d", ErrOutOfBounds, need, len(src))
	}
	dstMem, err := e.lookup(c.Dst)
	if err != nil {
		return nil, err
	}
	dst := float32View(dstMem)
	if len(dst) < c.Count {
		return nil, fmt.Errorf("%w: %d outputs, buffer has %d", ErrOutOfBounds, c.Count, len(dst))
	}
	return func() error {
		return qblock.DequantizeInto(dst[:c.Count], src[:need])
	}, nil
}

// Close drains every instance queue and releases all memory.
func (e *Emulator) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.launchMu.Lock()
	for _, q := range e.queues {
		close(q)
	}
	e.launchMu.Unlock()
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	for addr, r := range e.regions {
		if rerr := r.release(); rerr != nil && err == nil {
			err = rerr
		}
		delete(e.regions, addr)
	}
	e.used = 0
	return err
}

var _ Device = (*Emulator)(nil)
