// Package device is the narrow load/dispatch boundary to the accelerator:
// raw memory, host/device copies and kernel launches. Everything above it
// (shapes, padding, status codes) lives in pkg/accel.
package device

import (
	"errors"
	"fmt"

	"github.com/samcharles93/blasrt/pkg/bitstream"
)

var (
	ErrOutOfMemory = errors.New("device memory exhausted")
	ErrBadAddress  = errors.New("invalid device address")
	ErrOutOfBounds = errors.New("device access out of bounds")
	ErrKernelFault = errors.New("kernel execution fault")
	ErrClosed      = errors.New("device closed")
	ErrNoKernel    = errors.New("kernel instance does not implement call")
)

// Addr is an opaque device address. Zero is never a valid allocation.
type Addr uint64

// Op selects operand transposition, with the values the BLAS engines use.
type Op int

const (
	OpN Op = 0
	OpT Op = 1
)

// Call is one kernel invocation.
type Call interface {
	Kind() bitstream.Kind
}

// GemmCall computes C = alpha*op(A)*op(B) + beta*C on row-major float32
// buffers with the given leading dimensions.
type GemmCall struct {
	TransA, TransB Op
	M, N, K        int
	Alpha, Beta    float32
	A              Addr
	LDA            int
	B              Addr
	LDB            int
	C              Addr
	LDC            int
}

func (GemmCall) Kind() bitstream.Kind { return bitstream.KindGEMM }

// DequantCall decodes Count values from packed blocks at Src into float32
// values at Dst.
type DequantCall struct {
	Src   Addr
	Dst   Addr
	Count int
}

func (DequantCall) Kind() bitstream.Kind { return bitstream.KindDequant }

// Device is implemented by accelerator drivers. Launch is asynchronous: the
// returned channel yields exactly one value when the invocation completes.
// Invocations on one instance execute in launch order.
type Device interface {
	Instances() int
	Alloc(bytes int64) (Addr, error)
	AllocManaged(bytes int64) (Addr, []byte, error)
	Free(addr Addr) error
	MemcpyH2D(dst Addr, off int64, src []byte) error
	MemcpyD2H(dst []byte, src Addr, off int64) error
	Launch(instance int, call Call) (<-chan error, error)
	BytesInUse() int64
	Close() error
}

func kernelFault(instance int, err error) error {
	return fmt.Errorf("instance %d: %w: %w", instance, ErrKernelFault, err)
}
