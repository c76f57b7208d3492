package wasmbrot

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// rowStub writes rank+1 into every row it owns (rows rank, rank+n, ...)
// and reports the image at offset 0.
type rowStub struct {
	calls atomic.Int32
}

func (s *rowStub) Run(_ context.Context, t WorkerTask) (uint32, error) {
	s.calls.Add(1)
	stride := t.Width * BytesPerPixel
	pix := t.Buffer.Bytes()
	for py := int(t.Rank); py < t.Height; py += int(t.Total) {
		row := pix[py*stride : (py+1)*stride]
		for i := range row {
			if row[i] != 0 {
				return 0, errors.New("row already written")
			}
			row[i] = byte(t.Rank + 1)
		}
	}
	return 0, nil
}

type fillStub struct{ value byte }

func (s fillStub) Run(_ context.Context, t WorkerTask) (uint32, error) {
	pix, err := t.Buffer.Region(0, ImageBytes(t.Width, t.Height))
	if err != nil {
		return 0, err
	}
	for i := range pix {
		pix[i] = s.value
	}
	return 0, nil
}

type computeFunc func(ctx context.Context, t WorkerTask) (uint32, error)

func (f computeFunc) Run(ctx context.Context, t WorkerTask) (uint32, error) { return f(ctx, t) }

// countingSink records every frame it receives.
type countingSink struct {
	mu     sync.Mutex
	frames []*Frame
}

func (s *countingSink) Accept(f *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, &Frame{Pix: bytes.Clone(f.Pix), Width: f.Width, Height: f.Height, Offset: f.Offset})
	return nil
}

func TestCoordinatorFillScenario(t *testing.T) {
	sink := &countingSink{}
	c := NewCoordinator(fillStub{0xff}, WithSize(2, 2), WithWorkers(1), WithSink(sink))

	f, err := c.Render(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := bytes.Repeat([]byte{0xff}, 16)
	if !bytes.Equal(f.Pix, want) {
		t.Errorf("Pix = %v, want %v", f.Pix, want)
	}
	if len(sink.frames) != 1 {
		t.Fatalf("sink received %d frames, want 1", len(sink.frames))
	}
	if !bytes.Equal(sink.frames[0].Pix, want) {
		t.Errorf("sink Pix = %v, want %v", sink.frames[0].Pix, want)
	}
}

func TestCoordinatorInterleavedRows(t *testing.T) {
	for _, n := range []int{1, 2, 4} {
		stub := &rowStub{}
		sink := &countingSink{}
		c := NewCoordinator(stub, WithSize(3, 8), WithWorkers(n), WithSink(sink))

		f, err := c.Render(context.Background(), DefaultConfig())
		if err != nil {
			t.Fatalf("n=%d: Render: %v", n, err)
		}
		if got := int(stub.calls.Load()); got != n {
			t.Errorf("n=%d: compute called %d times", n, got)
		}
		if len(f.Pix) != ImageBytes(3, 8) {
			t.Errorf("n=%d: len(Pix) = %d, want %d", n, len(f.Pix), ImageBytes(3, 8))
		}
		for py := range 8 {
			want := byte(py%n + 1)
			for _, b := range f.Pix[py*12 : (py+1)*12] {
				if b != want {
					t.Fatalf("n=%d: row %d holds %d, want %d", n, py, b, want)
				}
			}
		}
		if len(sink.frames) != 1 {
			t.Errorf("n=%d: sink received %d frames, want 1", n, len(sink.frames))
		}
		if c.State() != StateAllComplete {
			t.Errorf("n=%d: State = %v, want %v", n, c.State(), StateAllComplete)
		}
	}
}

func TestCoordinatorAwaitOnce(t *testing.T) {
	sink := &countingSink{}
	c := NewCoordinator(&rowStub{}, WithSize(2, 4), WithSink(sink))
	ctx := context.Background()

	if _, err := c.Allocate(); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	g, err := c.Spawn(ctx, 4, DefaultConfig())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if g.Len() != 4 {
		t.Errorf("Len = %d, want 4", g.Len())
	}
	if _, err := c.Await(ctx, g); err != nil {
		t.Fatalf("Await: %v", err)
	}
	if _, err := c.Await(ctx, g); !errors.Is(err, ErrAlreadyComplete) {
		t.Errorf("second Await error = %v, want %v", err, ErrAlreadyComplete)
	}
	if len(sink.frames) != 1 {
		t.Errorf("sink received %d frames, want 1", len(sink.frames))
	}
}

func TestCoordinatorWaitsForAllWorkers(t *testing.T) {
	const n = 4
	release := make(chan struct{})
	var finished atomic.Int32
	compute := computeFunc(func(_ context.Context, t WorkerTask) (uint32, error) {
		if t.Rank == n-1 {
			<-release
		}
		finished.Add(1)
		return 0, nil
	})
	c := NewCoordinator(compute, WithSize(2, 2), WithWorkers(n))
	ctx := context.Background()
	if _, err := c.Allocate(); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	g, err := c.Spawn(ctx, n, DefaultConfig())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Await(ctx, g)
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("Await returned early with %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Await: %v", err)
	}
	if got := finished.Load(); got != n {
		t.Errorf("%d workers finished, want %d", got, n)
	}
}

func TestCoordinatorStateOrder(t *testing.T) {
	c := NewCoordinator(&rowStub{}, WithSize(2, 2))
	ctx := context.Background()

	if _, err := c.Spawn(ctx, 1, DefaultConfig()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Spawn before Allocate = %v, want %v", err, ErrInvalidState)
	}
	if _, err := c.Spawn(ctx, 0, DefaultConfig()); !errors.Is(err, ErrInvalidWorkers) {
		t.Errorf("Spawn(0) = %v, want %v", err, ErrInvalidWorkers)
	}
	if _, err := c.Allocate(); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if c.State() != StateAllocated {
		t.Errorf("State = %v, want %v", c.State(), StateAllocated)
	}
	if _, err := c.Allocate(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Allocate = %v, want %v", err, ErrInvalidState)
	}
}

func TestCoordinatorComputeFault(t *testing.T) {
	boom := errors.New("boom")
	compute := computeFunc(func(_ context.Context, t WorkerTask) (uint32, error) {
		if t.Rank == 1 {
			return 0, boom
		}
		return 0, nil
	})
	c := NewCoordinator(compute, WithSize(2, 2), WithWorkers(2))

	_, err := c.Render(context.Background(), DefaultConfig())
	var fault *ComputeFault
	if !errors.As(err, &fault) {
		t.Fatalf("Render error = %v, want *ComputeFault", err)
	}
	if fault.Rank != 1 || !errors.Is(err, boom) {
		t.Errorf("fault = %v, want rank 1 wrapping %v", fault, boom)
	}
	if c.State() != StateFailed {
		t.Errorf("State = %v, want %v", c.State(), StateFailed)
	}
}

func TestCoordinatorPanicIsFault(t *testing.T) {
	compute := computeFunc(func(context.Context, WorkerTask) (uint32, error) {
		panic("trap")
	})
	c := NewCoordinator(compute, WithSize(2, 2), WithWorkers(1))

	var fault *ComputeFault
	if _, err := c.Render(context.Background(), DefaultConfig()); !errors.As(err, &fault) {
		t.Fatalf("Render error = %v, want *ComputeFault", err)
	}
}

func TestCoordinatorTimeout(t *testing.T) {
	compute := computeFunc(func(ctx context.Context, _ WorkerTask) (uint32, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	c := NewCoordinator(compute, WithSize(2, 2), WithWorkers(2))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Render(ctx, DefaultConfig()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Render error = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestCoordinatorOffsetMismatch(t *testing.T) {
	compute := computeFunc(func(_ context.Context, t WorkerTask) (uint32, error) {
		return t.Rank * 4, nil
	})
	c := NewCoordinator(compute, WithSize(2, 2), WithWorkers(2))

	if _, err := c.Render(context.Background(), DefaultConfig()); !errors.Is(err, ErrOffsetMismatch) {
		t.Errorf("Render error = %v, want %v", err, ErrOffsetMismatch)
	}
}

func TestCoordinatorAllocationError(t *testing.T) {
	c := NewCoordinator(&rowStub{}, WithSize(DefaultWidth, DefaultHeight),
		WithAllocator(HeapAllocator{MaxPages: 10}))

	_, err := c.Render(context.Background(), DefaultConfig())
	var ae *AllocationError
	if !errors.As(err, &ae) {
		t.Fatalf("Render error = %v, want *AllocationError", err)
	}
	if ae.Requested != 59 || ae.Limit != 10 {
		t.Errorf("AllocationError = %+v, want Requested 59, Limit 10", ae)
	}
}

func TestCoordinatorOffsetOutOfBounds(t *testing.T) {
	compute := computeFunc(func(context.Context, WorkerTask) (uint32, error) {
		return 4, nil
	})
	c := NewCoordinator(compute, WithSize(2, 2), WithWorkers(1))

	if _, err := c.Render(context.Background(), DefaultConfig()); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("Render error = %v, want %v", err, ErrOutOfBounds)
	}
}

func TestCoordinatorDeterministic(t *testing.T) {
	cfg := RenderConfig{CenterX: -0.5, PixelScale: 0.05, MaxIterations: 200}
	render := func(n int) []byte {
		c := NewCoordinator(NewKernel(ColorLongGradient, nil), WithSize(40, 30), WithWorkers(n))
		f, err := c.Render(context.Background(), cfg)
		if err != nil {
			t.Fatalf("Render: %v", err)
		}
		return f.Pix
	}
	first := render(4)
	if second := render(4); !bytes.Equal(first, second) {
		t.Error("same config and worker count produced different images")
	}
	if single := render(1); !bytes.Equal(first, single) {
		t.Error("1 and 4 workers produced different images")
	}
}
