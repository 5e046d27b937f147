package accel

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/samcharles93/blasrt/internal/device"
)

// Mode says how a buffer is reachable from the host.
type Mode int

const (
	// Explicit buffers live in device memory bound to one kernel instance
	// and are only reachable through SetMatrix and GetMatrix.
	Explicit Mode = iota
	// Managed buffers are shared with the host and every kernel instance.
	Managed
)

func (m Mode) String() string {
	if m == Managed {
		return "managed"
	}
	return "explicit"
}

// DeviceBuffer is a padded rows x ld matrix in device memory. The logical
// shape is rows x cols; ld is cols rounded up to the tile alignment.
type DeviceBuffer struct {
	ctx      *Context
	rows     int
	cols     int
	elemSize int
	ld       int
	mode     Mode
	kernel   int

	addr  device.Addr
	host  []byte
	freed bool
	fault error

	pending *Run
}

// Rows and Cols report the logical shape.
func (b *DeviceBuffer) Rows() int { return b.rows }
func (b *DeviceBuffer) Cols() int { return b.cols }

// ElemSize is the element width in bytes.
func (b *DeviceBuffer) ElemSize() int { return b.elemSize }

func (b *DeviceBuffer) Mode() Mode { return b.mode }

// Kernel is the instance an explicit buffer is bound to, or -1 for managed
// buffers.
func (b *DeviceBuffer) Kernel() int { return b.kernel }

// LeadingDim is the padded row stride in elements. Index managed buffers
// with it, and pass it as the GEMM stride for explicit buffers.
func (b *DeviceBuffer) LeadingDim() int { return b.ld }

// Bytes is the padded allocation size.
func (b *DeviceBuffer) Bytes() int64 {
	return int64(b.rows) * int64(b.ld) * int64(b.elemSize)
}

// Host returns the shared view of a managed buffer, rows*LeadingDim
// elements long. It is nil for explicit buffers and after Free. The view
// must not be touched while a run using the buffer is in flight.
func (b *DeviceBuffer) Host() []byte {
	if b.freed {
		return nil
	}
	return b.host
}

// Float32s views a managed float32 buffer as elements.
func (b *DeviceBuffer) Float32s() []float32 {
	h := b.Host()
	if len(h) < 4 || b.elemSize != 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&h[0])), len(h)/4)
}

func (b *DeviceBuffer) release() {
	b.freed = true
	b.host = nil
	b.pending = nil
}

func padTo(n, tile int) int {
	return (n + tile - 1) / tile * tile
}

func (c *Context) sizeBuffer(op string, rows, cols, elemSize int) (int, int64, error) {
	if rows <= 0 || cols <= 0 || elemSize <= 0 {
		return 0, 0, fail(StatusAllocFailed, op, "invalid shape %dx%d elem %d", rows, cols, elemSize)
	}
	ld := padTo(cols, c.tile)
	bytes := int64(rows) * int64(ld) * int64(elemSize)
	if bytes/int64(rows)/int64(elemSize) != int64(ld) {
		return 0, 0, fail(StatusAllocFailed, op, "buffer size overflows")
	}
	return ld, bytes, nil
}

// AllocExplicit reserves device memory bound to kernel instance kernel.
func (c *Context) AllocExplicit(rows, cols, elemSize, kernel int) (*DeviceBuffer, error) {
	const op = "alloc explicit"
	if err := c.usable(op); err != nil {
		return nil, err
	}
	if err := c.checkKernel(op, kernel); err != nil {
		return nil, err
	}
	ld, bytes, err := c.sizeBuffer(op, rows, cols, elemSize)
	if err != nil {
		return nil, err
	}
	addr, err := c.dev.Alloc(bytes)
	if err != nil {
		return nil, c.allocError(op, err)
	}
	b := &DeviceBuffer{
		ctx:      c,
		rows:     rows,
		cols:     cols,
		elemSize: elemSize,
		ld:       ld,
		mode:     Explicit,
		kernel:   kernel,
		addr:     addr,
	}
	c.buffers[b] = struct{}{}
	c.log.Debug("buffer allocated", "mode", b.mode.String(), "rows", rows, "cols", cols, "ld", ld, "bytes", bytes, "kernel", kernel)
	return b, nil
}

// AllocManaged reserves memory shared between the host and all kernel
// instances. The returned buffer's Host view is zeroed.
func (c *Context) AllocManaged(rows, cols, elemSize int) (*DeviceBuffer, error) {
	const op = "alloc managed"
	if err := c.usable(op); err != nil {
		return nil, err
	}
	ld, bytes, err := c.sizeBuffer(op, rows, cols, elemSize)
	if err != nil {
		return nil, err
	}
	addr, host, err := c.dev.AllocManaged(bytes)
	if err != nil {
		return nil, c.allocError(op, err)
	}
	b := &DeviceBuffer{
		ctx:      c,
		rows:     rows,
		cols:     cols,
		elemSize: elemSize,
		ld:       ld,
		mode:     Managed,
		kernel:   -1,
		addr:     addr,
		host:     host,
	}
	c.buffers[b] = struct{}{}
	c.log.Debug("buffer allocated", "mode", b.mode.String(), "rows", rows, "cols", cols, "ld", ld, "bytes", bytes)
	return b, nil
}

func (c *Context) allocError(op string, err error) error {
	if errors.Is(err, device.ErrOutOfMemory) {
		c.log.Warn("device memory exhausted", "in_use", c.dev.BytesInUse(), "error", err)
	}
	return wrap(StatusAllocFailed, op, err)
}

// Free waits for any run still using the buffer and releases it. Freeing a
// buffer twice, or one that belongs to another Context, reports
// FREE_FAILED and changes nothing.
func (c *Context) Free(b *DeviceBuffer) error {
	const op = "free"
	if err := c.usable(op); err != nil {
		return err
	}
	if b == nil {
		return fail(StatusFreeFailed, op, "nil buffer")
	}
	if _, ok := c.buffers[b]; !ok {
		if b.ctx == c && b.freed {
			return fail(StatusFreeFailed, op, "buffer already freed")
		}
		return fail(StatusFreeFailed, op, "buffer does not belong to this context")
	}
	// a fault stays recorded on its run; the buffer is still reclaimed
	c.waitBuffer(b)
	if err := c.dev.Free(b.addr); err != nil {
		return wrap(StatusFreeFailed, op, err)
	}
	delete(c.buffers, b)
	b.release()
	c.log.Debug("buffer freed", "mode", b.mode.String(), "bytes", b.Bytes())
	return nil
}

// LiveBuffers reports how many buffers are allocated and not yet freed.
func (c *Context) LiveBuffers() int {
	return len(c.buffers)
}

// lookup validates a buffer argument for use in op.
func (c *Context) lookup(op, name string, b *DeviceBuffer) error {
	if b == nil {
		return fail(StatusInvalidValue, op, "%s: nil buffer", name)
	}
	if b.ctx != c {
		return fail(StatusInvalidValue, op, "%s: buffer belongs to another context", name)
	}
	if b.freed {
		return fail(StatusInvalidValue, op, "%s: buffer was freed", name)
	}
	if b.fault != nil {
		return wrap(StatusExecFailed, op, fmt.Errorf("%s: buffer faulted: %w", name, b.fault))
	}
	return nil
}
