// Package wasm runs a prebuilt Mandelbrot WebAssembly module as a
// wasmbrot.Compute backend.
//
// The module must import a shared memory as env.memory and export
//
//	mandelbrot(iterations i32, x f64, y f64, d f64)
//	getImage() i32
//
// mandelbrot may take two extra i32 parameters (rank, workers). Modules using
// the four parameter form can import worker.rank and worker.workers, both
// () -> i32, to learn their partition.
//
// Every worker gets its own module instance; all instances share the memory
// created by Allocate. An Engine serves one render at a time.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"wasmbrot"
)

// Names in the module contract.
const (
	EnvModule      = "env"
	WorkerModule   = "worker"
	RenderFunc     = "mandelbrot"
	ImageFunc      = "getImage"
	RankFunc       = "rank"
	WorkersFunc    = "workers"
	memoryName     = "memory"
	instancePrefix = "mandelbrot-"
)

var (
	// ErrNoMemoryImport is returned for modules that do not import env.memory.
	ErrNoMemoryImport = errors.New("wasm: module does not import env.memory")

	// ErrSignature is returned when an export has an unexpected signature.
	ErrSignature = errors.New("wasm: unexpected export signature")

	// ErrUnsupportedImport is returned for imports the engine cannot satisfy.
	ErrUnsupportedImport = errors.New("wasm: unsupported import")

	// ErrNotAllocated is returned by Run before Allocate.
	ErrNotAllocated = errors.New("wasm: shared memory not allocated")
)

var (
	renderParams     = []api.ValueType{api.ValueTypeI32, api.ValueTypeF64, api.ValueTypeF64, api.ValueTypeF64}
	renderRankParams = append(slices.Clone(renderParams), api.ValueTypeI32, api.ValueTypeI32)
	i32Result        = []api.ValueType{api.ValueTypeI32}
)

// Config tunes the runtime.
type Config struct {
	// MaxPages is the hard memory ceiling. Zero means wasmbrot.DefaultMaxPages.
	MaxPages uint32
	// CacheDir, if set, keeps compiled code on disk between runs.
	CacheDir string
}

// Engine is a compiled compute module plus the runtime that hosts it.
type Engine struct {
	path     string
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled wazero.CompiledModule
	maxPages uint32

	memMin    uint32
	memMax    uint32
	memHasMax bool
	rankArgs  bool

	mu  sync.Mutex
	env api.Module
}

// Load reads and compiles the module at path.
func Load(ctx context.Context, path string, cfg Config) (*Engine, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, &wasmbrot.ModuleLoadError{Path: path, Err: err}
	}
	e, err := New(ctx, bin, cfg)
	if err != nil {
		var mle *wasmbrot.ModuleLoadError
		if errors.As(err, &mle) {
			mle.Path = path
		}
		return nil, err
	}
	e.path = path
	return e, nil
}

// New compiles bin and checks it against the module contract.
func New(ctx context.Context, bin []byte, cfg Config) (*Engine, error) {
	maxPages := cfg.MaxPages
	if maxPages == 0 {
		maxPages = wasmbrot.DefaultMaxPages
	}

	rc := wazero.NewRuntimeConfig().
		WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads).
		WithMemoryLimitPages(maxPages).
		WithCloseOnContextDone(true)

	e := &Engine{maxPages: maxPages}
	if cfg.CacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("wasm: compilation cache: %w", err)
		}
		e.cache = cache
		rc = rc.WithCompilationCache(cache)
	}
	e.runtime = wazero.NewRuntimeWithConfig(ctx, rc)

	compiled, err := e.runtime.CompileModule(ctx, bin)
	if err != nil {
		_ = e.Close(ctx)
		return nil, &wasmbrot.ModuleLoadError{Err: err}
	}
	e.compiled = compiled

	if err := e.inspect(); err != nil {
		_ = e.Close(ctx)
		return nil, &wasmbrot.ModuleLoadError{Err: err}
	}
	if err := e.instantiateWorkerModule(ctx); err != nil {
		_ = e.Close(ctx)
		return nil, &wasmbrot.ModuleLoadError{Err: err}
	}

	wasmbrot.Logger().Debug("compute module compiled",
		"memory_min", e.memMin, "memory_max", e.memMax, "rank_args", e.rankArgs)
	return e, nil
}

// inspect validates imports and exports and records the memory limits.
func (e *Engine) inspect() error {
	found := false
	for _, m := range e.compiled.ImportedMemories() {
		mod, name, _ := m.Import()
		if mod != EnvModule || name != memoryName {
			return fmt.Errorf("%w: memory %s.%s", ErrUnsupportedImport, mod, name)
		}
		e.memMin = m.Min()
		e.memMax, e.memHasMax = m.Max()
		found = true
	}
	if !found {
		return ErrNoMemoryImport
	}

	for _, f := range e.compiled.ImportedFunctions() {
		mod, name, _ := f.Import()
		if mod != WorkerModule || (name != RankFunc && name != WorkersFunc) {
			return fmt.Errorf("%w: function %s.%s", ErrUnsupportedImport, mod, name)
		}
		if len(f.ParamTypes()) != 0 || !slices.Equal(f.ResultTypes(), i32Result) {
			return fmt.Errorf("%w: %s.%s must be () -> i32", ErrSignature, mod, name)
		}
	}

	exports := e.compiled.ExportedFunctions()
	render, ok := exports[RenderFunc]
	if !ok {
		return fmt.Errorf("%w: missing export %q", ErrSignature, RenderFunc)
	}
	switch params := render.ParamTypes(); {
	case slices.Equal(params, renderParams):
	case slices.Equal(params, renderRankParams):
		e.rankArgs = true
	default:
		return fmt.Errorf("%w: %s(%v)", ErrSignature, RenderFunc, params)
	}

	image, ok := exports[ImageFunc]
	if !ok {
		return fmt.Errorf("%w: missing export %q", ErrSignature, ImageFunc)
	}
	if len(image.ParamTypes()) != 0 || !slices.Equal(image.ResultTypes(), i32Result) {
		return fmt.Errorf("%w: %s must be () -> i32", ErrSignature, ImageFunc)
	}
	return nil
}

func (e *Engine) instantiateWorkerModule(ctx context.Context) error {
	if len(e.compiled.ImportedFunctions()) == 0 {
		return nil
	}
	_, err := e.runtime.NewHostModuleBuilder(WorkerModule).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint32 { return taskFrom(ctx).Rank }).
		Export(RankFunc).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint32 { return taskFrom(ctx).Total }).
		Export(WorkersFunc).
		Instantiate(ctx)
	return err
}

// Allocate creates the shared env.memory for a width x height render. Any
// memory from a previous render is released first.
func (e *Engine) Allocate(width, height int) (*wasmbrot.SharedBuffer, error) {
	if width <= 0 || height <= 0 {
		return nil, wasmbrot.ErrInvalidSize
	}

	limit := e.maxPages
	if e.memHasMax {
		limit = min(limit, e.memMax)
	}
	need := max(uint64(e.memMin), wasmbrot.ImagePages(width, height))
	if need > uint64(limit) {
		return nil, &wasmbrot.AllocationError{Requested: need, Limit: limit}
	}
	pages := uint32(need)

	ctx := context.Background()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.env != nil {
		if err := e.env.Close(ctx); err != nil {
			wasmbrot.Logger().Warn("closing previous env module", "err", err)
		}
		e.env = nil
	}

	env, err := e.runtime.InstantiateWithConfig(ctx, memoryModule(pages, limit),
		wazero.NewModuleConfig().WithName(EnvModule))
	if err != nil {
		return nil, fmt.Errorf("wasm: instantiate shared memory: %w", err)
	}
	mem := env.ExportedMemory(memoryName)
	data, ok := mem.Read(0, mem.Size())
	if !ok {
		_ = env.Close(ctx)
		return nil, fmt.Errorf("wasm: read shared memory of %d bytes", mem.Size())
	}
	e.env = env

	wasmbrot.Logger().Debug("shared memory allocated", "pages", pages, "max_pages", limit)
	return wasmbrot.NewSharedBuffer(data), nil
}

// Run instantiates a private module instance for the task's rank, renders
// its partition into the shared memory and returns the image offset.
func (e *Engine) Run(ctx context.Context, t wasmbrot.WorkerTask) (uint32, error) {
	e.mu.Lock()
	allocated := e.env != nil
	e.mu.Unlock()
	if !allocated {
		return 0, ErrNotAllocated
	}

	cfg := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("%s%d", instancePrefix, t.Rank)).
		WithStartFunctions()
	mod, err := e.runtime.InstantiateModule(ctx, e.compiled, cfg)
	if err != nil {
		return 0, fmt.Errorf("instantiate: %w", err)
	}
	defer func() {
		if err := mod.Close(context.Background()); err != nil {
			wasmbrot.Logger().Warn("closing worker instance", "rank", t.Rank, "err", err)
		}
	}()

	ctx = withTask(ctx, t)
	params := []uint64{
		api.EncodeU32(t.Config.MaxIterations),
		api.EncodeF64(t.Config.CenterX),
		api.EncodeF64(t.Config.CenterY),
		api.EncodeF64(t.Config.PixelScale),
	}
	if e.rankArgs {
		params = append(params, api.EncodeU32(t.Rank), api.EncodeU32(t.Total))
	}
	if _, err := mod.ExportedFunction(RenderFunc).Call(ctx, params...); err != nil {
		return 0, fmt.Errorf("%s: %w", RenderFunc, err)
	}

	res, err := mod.ExportedFunction(ImageFunc).Call(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", ImageFunc, err)
	}
	return api.DecodeU32(res[0]), nil
}

// Path returns the file the module was loaded from, if any.
func (e *Engine) Path() string { return e.path }

// Close releases the runtime, every module in it and the compilation cache.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.env = nil
	e.mu.Unlock()

	err := e.runtime.Close(ctx)
	if e.cache != nil {
		err = errors.Join(err, e.cache.Close(ctx))
	}
	return err
}

type taskKey struct{}

func withTask(ctx context.Context, t wasmbrot.WorkerTask) context.Context {
	return context.WithValue(ctx, taskKey{}, t)
}

func taskFrom(ctx context.Context) wasmbrot.WorkerTask {
	t, _ := ctx.Value(taskKey{}).(wasmbrot.WorkerTask)
	return t
}
