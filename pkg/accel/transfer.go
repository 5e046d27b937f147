package accel

import (
	"encoding/binary"
	"math"
)

// SetMatrixBytes copies a rows x cols row-major host matrix with row stride
// ldh (in elements) into an explicit buffer. The shape must match the
// buffer's allocated shape. The copy is complete when SetMatrixBytes
// returns; a run still using the buffer is waited for first.
func (c *Context) SetMatrixBytes(rows, cols, elemSize int, host []byte, ldh int, b *DeviceBuffer) error {
	const op = "set matrix"
	if err := c.checkTransfer(op, rows, cols, elemSize, len(host), ldh, b); err != nil {
		return err
	}
	if err := c.drain(op, b); err != nil {
		return err
	}

	rowBytes := cols * elemSize
	devRow := int64(b.ld * elemSize)
	if ldh == b.ld {
		n := (rows-1)*ldh*elemSize + rowBytes
		if err := c.dev.MemcpyH2D(b.addr, 0, host[:n]); err != nil {
			return wrap(StatusCopyFailed, op, err)
		}
	} else {
		for r := range rows {
			src := host[r*ldh*elemSize : r*ldh*elemSize+rowBytes]
			if err := c.dev.MemcpyH2D(b.addr, int64(r)*devRow, src); err != nil {
				return wrap(StatusCopyFailed, op, err)
			}
		}
	}
	c.log.Debug("matrix set", "rows", rows, "cols", cols, "ldh", ldh, "ld", b.ld, "kernel", b.kernel)
	return nil
}

// GetMatrixBytes copies an explicit buffer back into a rows x cols host
// matrix with row stride ldh. Padding columns on either side are left
// untouched.
func (c *Context) GetMatrixBytes(rows, cols, elemSize int, b *DeviceBuffer, host []byte, ldh int) error {
	const op = "get matrix"
	if err := c.checkTransfer(op, rows, cols, elemSize, len(host), ldh, b); err != nil {
		return err
	}
	if err := c.drain(op, b); err != nil {
		return err
	}

	rowBytes := cols * elemSize
	devRow := int64(b.ld * elemSize)
	if ldh == b.ld && cols == b.ld {
		n := rows * rowBytes
		if err := c.dev.MemcpyD2H(host[:n], b.addr, 0); err != nil {
			return wrap(StatusCopyFailed, op, err)
		}
	} else {
		for r := range rows {
			dst := host[r*ldh*elemSize : r*ldh*elemSize+rowBytes]
			if err := c.dev.MemcpyD2H(dst, b.addr, int64(r)*devRow); err != nil {
				return wrap(StatusCopyFailed, op, err)
			}
		}
	}
	c.log.Debug("matrix get", "rows", rows, "cols", cols, "ldh", ldh, "ld", b.ld, "kernel", b.kernel)
	return nil
}

// SetMatrix is SetMatrixBytes for float32 host data.
func (c *Context) SetMatrix(rows, cols int, host []float32, ldh int, b *DeviceBuffer) error {
	return c.SetMatrixBytes(rows, cols, 4, float32Bytes(host), ldh, b)
}

// GetMatrix is GetMatrixBytes for float32 host data.
func (c *Context) GetMatrix(rows, cols int, b *DeviceBuffer, host []float32, ldh int) error {
	raw := make([]byte, len(host)*4)
	if err := c.GetMatrixBytes(rows, cols, 4, b, raw, ldh); err != nil {
		return err
	}
	// only the copied cells change
	for r := range rows {
		for j := range cols {
			i := r*ldh + j
			host[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	}
	return nil
}

func float32Bytes(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func (c *Context) checkTransfer(op string, rows, cols, elemSize, hostLen, ldh int, b *DeviceBuffer) error {
	if err := c.usable(op); err != nil {
		return err
	}
	if err := c.lookup(op, "buffer", b); err != nil {
		return err
	}
	if b.mode != Explicit {
		return fail(StatusInvalidValue, op, "managed buffers are accessed through Host, not copies")
	}
	if rows != b.rows || cols != b.cols {
		return fail(StatusInvalidValue, op, "shape %dx%d does not match buffer %dx%d", rows, cols, b.rows, b.cols)
	}
	if elemSize != b.elemSize {
		return fail(StatusInvalidValue, op, "element size %d does not match buffer's %d", elemSize, b.elemSize)
	}
	if ldh < cols {
		return fail(StatusInvalidValue, op, "host leading dimension %d < cols %d", ldh, cols)
	}
	// bound ldh by the host length before any stride arithmetic
	elems := hostLen / elemSize
	if elems < cols || (rows > 1 && ldh > (elems-cols)/(rows-1)) {
		return fail(StatusInvalidValue, op, "host buffer of %d bytes cannot hold %dx%d with stride %d", hostLen, rows, cols, ldh)
	}
	return nil
}

// drain waits for the run that last used b, if any.
func (c *Context) drain(op string, b *DeviceBuffer) error {
	r := b.pending
	if r == nil {
		return nil
	}
	if err := r.Wait(); err != nil {
		c.log.Warn("transfer after failed run", "op", op, "run", r.ID().String())
		return err
	}
	return nil
}
