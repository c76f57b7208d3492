package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"log"
	"log/slog"
	"os"
	"time"

	"wasmbrot"
	"wasmbrot/encode"
	"wasmbrot/wasm"
)

const nativeBackend = "native"

type options struct {
	wasmPath string
	workers  int
	out      string
	raw      string
	width    int
	height   int
	pages    uint
	timeout  time.Duration
	cacheDir string
	caption  bool
	thumb    int
	mode     int
	palette  int
	cfg      wasmbrot.RenderConfig
}

func parseFlags() options {
	var o options
	def := wasmbrot.DefaultConfig()
	var iterations uint

	flag.StringVar(&o.wasmPath, "wasm", "./mandelbrot.wasm", `compute module, or "native" for the built-in Go kernel`)
	flag.IntVar(&o.workers, "workers", wasmbrot.DefaultWorkers, "number of workers sharing the image memory")
	flag.StringVar(&o.out, "o", "./output.png", "output image (.png, .jpg, .tif, .bmp or .bin)")
	flag.StringVar(&o.raw, "raw", "", "also dump the raw RGBA8 buffer to this file")
	flag.IntVar(&o.width, "width", wasmbrot.DefaultWidth, "image width")
	flag.IntVar(&o.height, "height", wasmbrot.DefaultHeight, "image height")
	flag.UintVar(&o.pages, "pages", wasmbrot.DefaultMaxPages, "memory ceiling in 64KiB pages")
	flag.DurationVar(&o.timeout, "timeout", 0, "give up after this long (0 waits forever)")
	flag.StringVar(&o.cacheDir, "cache", "", "directory for cached compiled code")
	flag.BoolVar(&o.caption, "caption", false, "draw the view parameters onto the image")
	flag.IntVar(&o.thumb, "thumb", 0, "scale the written image down to this width")
	flag.IntVar(&o.mode, "mode", int(wasmbrot.ColorLongGradient), "color mode of the native kernel (0-3)")
	flag.IntVar(&o.palette, "palette", 0, "gradient index of the native kernel")
	flag.Float64Var(&o.cfg.CenterX, "x", def.CenterX, "real part of the image center")
	flag.Float64Var(&o.cfg.CenterY, "y", def.CenterY, "imaginary part of the image center")
	flag.Float64Var(&o.cfg.PixelScale, "d", def.PixelScale, "distance between neighbouring pixels")
	flag.UintVar(&iterations, "iterations", uint(def.MaxIterations), "maximum iterations per pixel")
	verbose := flag.Bool("v", false, "log render progress to stderr")
	flag.Parse()

	o.cfg.MaxIterations = uint32(iterations)
	if *verbose {
		wasmbrot.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}
	return o
}

func main() {
	o := parseFlags()
	if err := run(o); err != nil {
		log.Fatalln(err)
	}
}

func run(o options) error {
	ctx := context.Background()
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	var compute wasmbrot.Compute
	if o.wasmPath == nativeBackend {
		mode := wasmbrot.ColorMode(o.mode)
		if !mode.Valid() {
			return fmt.Errorf("unknown color mode %d", o.mode)
		}
		compute = wasmbrot.NewKernel(mode, wasmbrot.GradientByIndex(o.palette))
	} else {
		e, err := wasm.Load(ctx, o.wasmPath, wasm.Config{
			MaxPages: uint32(o.pages),
			CacheDir: o.cacheDir,
		})
		if err != nil {
			return err
		}
		defer e.Close(context.Background())
		compute = e
	}

	start := time.Now()
	var elapsed time.Duration
	sink := wasmbrot.SinkFunc(func(f *wasmbrot.Frame) error {
		elapsed = time.Since(start)
		return o.write(f)
	})

	c := wasmbrot.NewCoordinator(compute,
		wasmbrot.WithSize(o.width, o.height),
		wasmbrot.WithWorkers(o.workers),
		wasmbrot.WithAllocator(allocator(compute, o.pages)),
		wasmbrot.WithSink(sink))
	if _, err := c.Render(ctx, o.cfg); err != nil {
		return err
	}

	fmt.Println("Elapsed Time:", elapsed)
	return nil
}

// allocator keeps the backend's own allocator but applies the page ceiling
// to native renders too.
func allocator(compute wasmbrot.Compute, pages uint) wasmbrot.Allocator {
	if a, ok := compute.(wasmbrot.Allocator); ok {
		return a
	}
	return wasmbrot.HeapAllocator{MaxPages: uint32(pages)}
}

func (o options) write(f *wasmbrot.Frame) error {
	if o.raw != "" {
		if err := encode.WriteRaw(o.raw, f); err != nil {
			return err
		}
	}

	if !o.caption && o.thumb <= 0 {
		return encode.WriteFrame(o.out, f)
	}

	img := f.Image()
	if o.caption {
		lines := []string{
			fmt.Sprintf("x=%.10g  y=%.10g  d=%.6g", o.cfg.CenterX, o.cfg.CenterY, o.cfg.PixelScale),
			fmt.Sprintf("%d iterations, %d workers", o.cfg.MaxIterations, o.workers),
		}
		if err := encode.Caption(img, lines...); err != nil {
			return err
		}
	}

	var out image.Image = img
	if o.thumb > 0 {
		out = encode.Thumbnail(img, o.thumb)
	}
	return encode.WriteFile(o.out, out)
}
