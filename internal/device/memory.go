package device

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

type region struct {
	data    []byte
	managed bool
}

// allocExplicit returns zeroed, 8-byte aligned device-only storage.
func allocExplicit(bytes int64) []byte {
	words := make([]uint64, (bytes+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), bytes)
}

// allocManaged maps anonymous shared pages so the host view and the kernel
// view are the same memory.
func allocManaged(bytes int64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(bytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
}

func (r *region) release() error {
	if r.managed && r.data != nil {
		err := unix.Munmap(r.data)
		r.data = nil
		return err
	}
	r.data = nil
	return nil
}

func float32View(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}
