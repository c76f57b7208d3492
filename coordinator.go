package wasmbrot

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"
)

// WorkerTask is what a single worker receives at spawn time.
type WorkerTask struct {
	Rank   uint32
	Total  uint32
	Width  int
	Height int
	Config RenderConfig
	Buffer *SharedBuffer
}

// CompletionSignal is sent once by every worker when its partition is done.
type CompletionSignal struct {
	Rank   uint32
	Offset uint32
	Err    error
}

// Compute renders one partition of an image into the task's shared buffer
// and returns the byte offset at which the whole image begins.
//
// Implementations must write only the bytes belonging to task.Rank.
type Compute interface {
	Run(ctx context.Context, task WorkerTask) (offset uint32, err error)
}

// Frame is a finished image region in RGBA8 row-major order.
type Frame struct {
	Pix    []byte
	Width  int
	Height int
	Offset uint32
}

// Image copies the frame into an *image.NRGBA. Pixels are straight
// (non-premultiplied) alpha, as written by the compute module.
func (f *Frame) Image() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))
	copy(img.Pix, f.Pix)
	return img
}

// Sink receives the finished frame exactly once per render.
type Sink interface {
	Accept(f *Frame) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(f *Frame) error

func (fn SinkFunc) Accept(f *Frame) error { return fn(f) }

// State is the lifecycle state of a Coordinator.
type State int

const (
	StateIdle State = iota
	StateAllocated
	StateRunning
	StateAllComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAllocated:
		return "allocated"
	case StateRunning:
		return "running"
	case StateAllComplete:
		return "complete"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// WorkerGroup is the set of workers started by one Spawn call.
type WorkerGroup struct {
	n       int
	signals chan CompletionSignal
	cancel  context.CancelFunc
	started time.Time
}

// Len returns the number of workers in the group.
func (g *WorkerGroup) Len() int { return g.n }

// Coordinator partitions one render across N workers sharing a buffer.
// A Coordinator renders a single image; create a new one per render.
type Coordinator struct {
	compute Compute
	alloc   Allocator
	sink    Sink
	width   int
	height  int
	workers int

	mu      sync.Mutex
	state   State
	buf     *SharedBuffer
	handoff sync.Once
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithAllocator overrides the buffer allocator. By default the compute
// backend is used if it implements Allocator, otherwise a HeapAllocator.
func WithAllocator(a Allocator) Option {
	return func(c *Coordinator) { c.alloc = a }
}

// WithSink sets the collaborator that receives the finished frame.
func WithSink(s Sink) Option {
	return func(c *Coordinator) { c.sink = s }
}

// WithSize sets the image dimensions.
func WithSize(width, height int) Option {
	return func(c *Coordinator) {
		c.width = width
		c.height = height
	}
}

// WithWorkers sets the worker count used by Render.
func WithWorkers(n int) Option {
	return func(c *Coordinator) { c.workers = n }
}

// NewCoordinator returns an idle coordinator driving compute.
func NewCoordinator(compute Compute, opts ...Option) *Coordinator {
	c := &Coordinator{
		compute: compute,
		width:   DefaultWidth,
		height:  DefaultHeight,
		workers: DefaultWorkers,
	}
	if a, ok := compute.(Allocator); ok {
		c.alloc = a
	} else {
		c.alloc = HeapAllocator{MaxPages: DefaultMaxPages}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Buffer returns the shared buffer, or nil before Allocate.
func (c *Coordinator) Buffer() *SharedBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf
}

func (c *Coordinator) transition(from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		if c.state == StateAllComplete {
			return ErrAlreadyComplete
		}
		return fmt.Errorf("%w: %s, want %s", ErrInvalidState, c.state, from)
	}
	c.state = to
	return nil
}

func (c *Coordinator) fail() {
	c.mu.Lock()
	c.state = StateFailed
	c.mu.Unlock()
}

// Allocate reserves the shared buffer for the configured image size.
func (c *Coordinator) Allocate() (*SharedBuffer, error) {
	if err := c.transition(StateIdle, StateAllocated); err != nil {
		return nil, err
	}
	buf, err := c.alloc.Allocate(c.width, c.height)
	if err != nil {
		c.fail()
		return nil, err
	}
	c.mu.Lock()
	c.buf = buf
	c.mu.Unlock()
	Logger().Debug("shared buffer allocated", "width", c.width, "height", c.height, "capacity", buf.Cap())
	return buf, nil
}

// Spawn starts n workers, each with its own rank in [0, n). Workers finish
// in no particular order. Cancelling ctx cancels every worker.
func (c *Coordinator) Spawn(ctx context.Context, n int, cfg RenderConfig) (*WorkerGroup, error) {
	if n < 1 {
		return nil, ErrInvalidWorkers
	}
	if err := c.transition(StateAllocated, StateRunning); err != nil {
		return nil, err
	}
	wctx, cancel := context.WithCancel(ctx)
	g := &WorkerGroup{
		n:       n,
		signals: make(chan CompletionSignal, n),
		cancel:  cancel,
		started: time.Now(),
	}
	buf := c.Buffer()
	for rank := range n {
		task := WorkerTask{
			Rank:   uint32(rank),
			Total:  uint32(n),
			Width:  c.width,
			Height: c.height,
			Config: cfg,
			Buffer: buf,
		}
		go c.work(wctx, task, g.signals)
	}
	Logger().Debug("workers spawned", "workers", n)
	return g, nil
}

func (c *Coordinator) work(ctx context.Context, task WorkerTask, signals chan<- CompletionSignal) {
	sig := CompletionSignal{Rank: task.Rank}
	defer func() {
		if r := recover(); r != nil {
			sig.Err = fmt.Errorf("panic: %v", r)
		}
		signals <- sig
	}()
	sig.Offset, sig.Err = c.compute.Run(ctx, task)
}

// Await blocks until every worker in g has reported, then hands the finished
// region to the sink and returns the offset reported by the last worker.
//
// The first worker failure cancels the rest and is returned as a
// *ComputeFault. Cancelling ctx stops waiting and returns ctx.Err().
func (c *Coordinator) Await(ctx context.Context, g *WorkerGroup) (uint32, error) {
	if err := c.transition(StateRunning, StateRunning); err != nil {
		return 0, err
	}
	defer g.cancel()

	var offset uint32
	for done := 0; done < g.n; {
		select {
		case <-ctx.Done():
			c.fail()
			return 0, ctx.Err()
		case sig := <-g.signals:
			if sig.Err != nil {
				c.fail()
				return 0, &ComputeFault{Rank: sig.Rank, Err: sig.Err}
			}
			if done > 0 && sig.Offset != offset {
				c.fail()
				return 0, fmt.Errorf("%w: worker %d reported %d, want %d", ErrOffsetMismatch, sig.Rank, sig.Offset, offset)
			}
			offset = sig.Offset
			done++
			Logger().Debug("worker complete", "rank", sig.Rank, "done", done, "workers", g.n)
		}
	}

	if err := c.transition(StateRunning, StateAllComplete); err != nil {
		return 0, err
	}
	Logger().Info("render complete", "workers", g.n, "elapsed", time.Since(g.started))

	var err error
	c.handoff.Do(func() {
		err = c.deliver(offset)
	})
	return offset, err
}

func (c *Coordinator) deliver(offset uint32) error {
	if c.sink == nil {
		return nil
	}
	f, err := c.frame(offset)
	if err != nil {
		return err
	}
	return c.sink.Accept(f)
}

func (c *Coordinator) frame(offset uint32) (*Frame, error) {
	pix, err := c.Buffer().Region(offset, ImageBytes(c.width, c.height))
	if err != nil {
		return nil, err
	}
	return &Frame{Pix: pix, Width: c.width, Height: c.height, Offset: offset}, nil
}

// Render runs Allocate, Spawn and Await with the configured worker count and
// returns the finished frame. The frame aliases the shared buffer.
func (c *Coordinator) Render(ctx context.Context, cfg RenderConfig) (*Frame, error) {
	if _, err := c.Allocate(); err != nil {
		return nil, err
	}
	g, err := c.Spawn(ctx, c.workers, cfg)
	if err != nil {
		return nil, err
	}
	offset, err := c.Await(ctx, g)
	if err != nil {
		return nil, err
	}
	return c.frame(offset)
}
