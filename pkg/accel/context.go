// Package accel is the host runtime for the BLAS/dequantize accelerator.
// A Context owns a loaded bitstream, the device it was loaded onto and every
// buffer allocated through it.
//
// A Context is not safe for concurrent use. Callers that share one across
// goroutines must serialise access themselves.
package accel

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/samcharles93/blasrt/internal/config"
	"github.com/samcharles93/blasrt/internal/device"
	"github.com/samcharles93/blasrt/internal/logger"
	"github.com/samcharles93/blasrt/pkg/bitstream"
)

// DeviceSpec is what a device factory needs to bring up the kernel chosen
// from the bitstream.
type DeviceSpec struct {
	Kernel      bitstream.Kernel
	Instances   int
	MemoryBytes int64
	Payload     []byte
}

// Options configures Create.
type Options struct {
	BitstreamPath string
	ConfigPath    string

	// Engine selects the kernel kind to load. Zero defers to the config
	// file, then to GEMM.
	Engine bitstream.Kind

	// LogPath, when set, receives JSON diagnostic records for this Context.
	LogPath  string
	LogLevel slog.Level

	// Logger is used when LogPath is empty. Nil discards.
	Logger logger.Logger

	// Device brings up the accelerator. Nil selects the software emulator.
	Device func(DeviceSpec) (device.Device, error)
}

// Context is one loaded accelerator.
type Context struct {
	image  *bitstream.Image
	kernel bitstream.Kernel
	cfg    config.Config
	dev    device.Device

	engine    bitstream.Kind
	instances int
	tile      int

	log     logger.Logger
	logFile io.Closer

	buffers map[*DeviceBuffer]struct{}
	pending [][]*Run
	faulted []error

	destroyed bool
}

// Create loads the bitstream, applies the engine config and brings up the
// device. Any failure leaves nothing allocated and reports NOT_INITIALIZED.
func Create(opts Options) (*Context, error) {
	const op = "create"

	if strings.TrimSpace(opts.BitstreamPath) == "" {
		return nil, fail(StatusNotInitialized, op, "bitstream path is required")
	}
	if strings.TrimSpace(opts.ConfigPath) == "" {
		return nil, fail(StatusNotInitialized, op, "config path is required")
	}

	log := opts.Logger
	var logFile io.Closer
	if opts.LogPath != "" {
		l, closer, err := logger.OpenFile(opts.LogPath, opts.LogLevel)
		if err != nil {
			return nil, wrap(StatusNotInitialized, op, fmt.Errorf("open diagnostic log: %w", err))
		}
		log, logFile = l, closer
	}
	if log == nil {
		log = logger.Discard()
	}

	c := &Context{
		log:     log,
		logFile: logFile,
		buffers: make(map[*DeviceBuffer]struct{}),
	}
	cleanup := func(err error) (*Context, error) {
		log.Error("context create failed", "error", err)
		if c.dev != nil {
			_ = c.dev.Close()
		}
		if c.image != nil {
			_ = c.image.Close()
		}
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, err
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return cleanup(wrap(StatusNotInitialized, op, fmt.Errorf("load config: %w", err)))
	}
	c.cfg = cfg

	engine := opts.Engine
	if engine == bitstream.KindUnknown {
		engine, err = bitstream.ParseKind(cfg.Engine)
		if err != nil {
			return cleanup(wrap(StatusNotInitialized, op, err))
		}
	}
	c.engine = engine

	img, err := bitstream.Open(opts.BitstreamPath)
	if err != nil {
		return cleanup(wrap(StatusNotInitialized, op, fmt.Errorf("load bitstream: %w", err)))
	}
	c.image = img

	k, err := img.Lookup(engine)
	if err != nil {
		return cleanup(wrap(StatusNotInitialized, op, err))
	}
	c.kernel = k

	c.instances = k.Instances
	if cfg.NumKernels > 0 {
		if cfg.NumKernels > k.Instances {
			return cleanup(fail(StatusNotInitialized, op,
				"config asks for %d kernel instances, bitstream provides %d", cfg.NumKernels, k.Instances))
		}
		c.instances = cfg.NumKernels
	}

	c.tile = k.TileAlignment
	if cfg.TileAlignment > 0 {
		if cfg.TileAlignment%k.TileAlignment != 0 {
			return cleanup(fail(StatusNotInitialized, op,
				"tile alignment %d is not a multiple of the kernel's %d", cfg.TileAlignment, k.TileAlignment))
		}
		c.tile = cfg.TileAlignment
	}

	spec := DeviceSpec{
		Kernel:      k,
		Instances:   c.instances,
		MemoryBytes: cfg.MemoryBytes,
		Payload:     img.Payload(k),
	}
	factory := opts.Device
	if factory == nil {
		factory = emulatorFactory
	}
	dev, err := factory(spec)
	if err != nil {
		return cleanup(wrap(StatusNotInitialized, op, fmt.Errorf("bring up device: %w", err)))
	}
	if dev.Instances() < c.instances {
		c.dev = dev
		return cleanup(fail(StatusNotInitialized, op,
			"device exposes %d instances, need %d", dev.Instances(), c.instances))
	}
	c.dev = dev

	c.pending = make([][]*Run, c.instances)
	c.faulted = make([]error, c.instances)
	c.log = log.With("bitstream", img.ID().String(), "engine", engine.String())
	c.log.Info("context created",
		"kernel", k.Name,
		"instances", c.instances,
		"tile_alignment", c.tile,
		"memory_bytes", cfg.MemoryBytes,
	)
	return c, nil
}

func emulatorFactory(spec DeviceSpec) (device.Device, error) {
	return device.NewEmulator(device.EmulatorConfig{
		Kind:        spec.Kernel.Kind,
		Instances:   spec.Instances,
		MemoryBytes: spec.MemoryBytes,
	})
}

// Destroy waits for outstanding work, reclaims every live buffer and
// releases the device and bitstream. A second Destroy reports
// NOT_INITIALIZED.
func (c *Context) Destroy() error {
	const op = "destroy"
	if err := c.usable(op); err != nil {
		return err
	}

	var firstErr error
	for i := range c.pending {
		for _, r := range c.pending[i] {
			if err := r.await(); err != nil {
				c.log.Warn("run failed before destroy", "run", r.id.String(), "kernel", i, "error", err)
			}
		}
		c.pending[i] = nil
	}

	if n := len(c.buffers); n > 0 {
		c.log.Warn("reclaiming live buffers", "count", n)
	}
	for b := range c.buffers {
		if err := c.dev.Free(b.addr); err != nil && firstErr == nil {
			firstErr = wrap(StatusFreeFailed, op, err)
		}
		b.release()
		delete(c.buffers, b)
	}

	if err := c.dev.Close(); err != nil && firstErr == nil {
		firstErr = wrap(StatusUnknown, op, err)
	}
	if err := c.image.Close(); err != nil && firstErr == nil {
		firstErr = wrap(StatusUnknown, op, err)
	}
	c.destroyed = true
	c.log.Info("context destroyed")
	if c.logFile != nil {
		if err := c.logFile.Close(); err != nil && firstErr == nil {
			firstErr = wrap(StatusUnknown, op, err)
		}
	}
	return firstErr
}

func (c *Context) usable(op string) error {
	if c == nil || c.destroyed {
		return fail(StatusNotInitialized, op, "context is not initialized")
	}
	return nil
}

// NumKernels reports how many kernel instances dispatch can target.
func (c *Context) NumKernels() int {
	if c == nil || c.destroyed {
		return 0
	}
	return c.instances
}

// TileAlignment is the padding unit applied to buffer leading dimensions.
func (c *Context) TileAlignment() int { return c.tile }

// Engine reports which kernel kind the Context loaded.
func (c *Context) Engine() bitstream.Kind { return c.engine }

// BitstreamID identifies the loaded image.
func (c *Context) BitstreamID() uuid.UUID {
	if c.image == nil {
		return uuid.Nil
	}
	return c.image.ID()
}

func (c *Context) checkKernel(op string, i int) error {
	if i < 0 || i >= c.instances {
		return fail(StatusInvalidValue, op, "kernel index %d out of range [0,%d)", i, c.instances)
	}
	return nil
}

// Info is a point-in-time summary of the Context.
type Info struct {
	BitstreamID    string `json:"bitstream_id"`
	Kernel         string `json:"kernel"`
	Engine         string `json:"engine"`
	Instances      int    `json:"instances"`
	TileAlignment  int    `json:"tile_alignment"`
	DataType       string `json:"data_type"`
	MemoryBytes    int64  `json:"memory_bytes"`
	BytesInUse     int64  `json:"bytes_in_use"`
	LiveBuffers    int    `json:"live_buffers"`
	FaultedKernels []int  `json:"faulted_kernels,omitempty"`
}

func (c *Context) Info() (Info, error) {
	if err := c.usable("info"); err != nil {
		return Info{}, err
	}
	info := Info{
		BitstreamID:   c.image.ID().String(),
		Kernel:        c.kernel.Name,
		Engine:        c.engine.String(),
		Instances:     c.instances,
		TileAlignment: c.tile,
		DataType:      c.cfg.DataType,
		MemoryBytes:   c.cfg.MemoryBytes,
		BytesInUse:    c.dev.BytesInUse(),
		LiveBuffers:   len(c.buffers),
	}
	for i, err := range c.faulted {
		if err != nil {
			info.FaultedKernels = append(info.FaultedKernels, i)
		}
	}
	return info, nil
}
