package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"wasmbrot"
	"wasmbrot/scorer"
	"wasmbrot/wasm"
)

const (
	defaultWidth  = 1080
	defaultHeight = 660
	defaultSpan   = 3.5
	defaultIter   = 1000
	maxWorkers    = 64
	maxDimension  = 16384
)

var errTooLarge = fmt.Errorf("width and height must be at most %d", maxDimension)

type mandelRequest struct {
	Width      int                   `json:"width"`
	Height     int                   `json:"height"`
	X          float64               `json:"x"`
	Y          float64               `json:"y"`
	D          float64               `json:"d"`
	Iterations uint32                `json:"iterations"`
	Workers    int                   `json:"workers"`
	Mode       int                   `json:"mode"`
	Palette    *wasmbrot.GradientDef `json:"palette,omitempty"`
}

// normalize fills in defaults and clamps out-of-range values. Oversized
// images are rejected before anything is allocated.
func (r *mandelRequest) normalize() error {
	if r.Width <= 0 {
		r.Width = defaultWidth
	}
	if r.Height <= 0 {
		r.Height = defaultHeight
	}
	if r.D <= 0 {
		r.D = defaultSpan / float64(r.Width)
	}
	if r.Iterations == 0 {
		r.Iterations = defaultIter
	}
	if r.Workers <= 0 {
		r.Workers = runtime.GOMAXPROCS(0)
	}
	r.Workers = min(r.Workers, maxWorkers)
	if !wasmbrot.ColorMode(r.Mode).Valid() {
		r.Mode = int(wasmbrot.ColorLongGradient)
	}
	if r.Width > maxDimension || r.Height > maxDimension {
		return errTooLarge
	}
	return nil
}

func (r *mandelRequest) config() wasmbrot.RenderConfig {
	return wasmbrot.RenderConfig{
		CenterX:       r.X,
		CenterY:       r.Y,
		PixelScale:    r.D,
		MaxIterations: r.Iterations,
	}
}

type server struct {
	engine   *wasm.Engine // nil renders with the native kernel
	engineMu sync.Mutex
	timeout  time.Duration

	// randomView picks the view for /api/view/random.
	randomView func() wasmbrot.RenderConfig

	palettesMu sync.RWMutex
	palettes   []wasmbrot.GradientDef
}

func newServer(engine *wasm.Engine, timeout time.Duration) *server {
	return &server{
		engine:  engine,
		timeout: timeout,
		randomView: func() wasmbrot.RenderConfig {
			return scorer.GenerateViews(1, nil)[0].Config
		},
		palettes: append([]wasmbrot.GradientDef(nil), wasmbrot.DefaultGradients...),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/view/random", s.randomViewHandler)
	mux.HandleFunc("/api/palettes", s.palettesHandler)
	mux.HandleFunc("/api/palettes/random", s.randomPaletteHandler)
	mux.HandleFunc("/api/mandel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			s.mandelPOSTHandler(w, r)
			return
		}
		s.mandelGETHandler(w, r)
	})
	return withCORS(mux)
}

func qf(r *http.Request, key string, def float64) float64 {
	f, err := strconv.ParseFloat(r.URL.Query().Get(key), 64)
	if err != nil {
		return def
	}
	return f
}

func qi(r *http.Request, key string, def int) int {
	i, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return i
}

func (s *server) randomViewHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.randomView())
}

func (s *server) palettesHandler(w http.ResponseWriter, r *http.Request) {
	s.palettesMu.RLock()
	defer s.palettesMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.palettes)
}

func (s *server) randomPaletteHandler(w http.ResponseWriter, r *http.Request) {
	p := randomPaletteDef(rand.Float64)

	s.palettesMu.Lock()
	s.palettes = append(s.palettes, p)
	idx := len(s.palettes) - 1
	s.palettesMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		wasmbrot.GradientDef
		Index int `json:"index"`
	}{
		GradientDef: p,
		Index:       idx,
	})
}

func (s *server) gradient(i int) func(float64) color.NRGBA {
	s.palettesMu.RLock()
	defer s.palettesMu.RUnlock()
	if i < 0 || i >= len(s.palettes) {
		return nil
	}
	return wasmbrot.MakeGradient(s.palettes[i])
}

func (s *server) mandelGETHandler(w http.ResponseWriter, r *http.Request) {
	req := mandelRequest{
		Width:      qi(r, "width", defaultWidth),
		Height:     qi(r, "height", defaultHeight),
		X:          qf(r, "x", -0.5),
		Y:          qf(r, "y", 0),
		D:          qf(r, "d", 0),
		Iterations: uint32(max(qi(r, "iterations", defaultIter), 0)),
		Workers:    qi(r, "workers", 0),
		Mode:       qi(r, "mode", int(wasmbrot.ColorLongGradient)),
	}
	if err := req.normalize(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.serveImage(w, r, req, s.gradient(qi(r, "palette", 0)))
}

func (s *server) mandelPOSTHandler(w http.ResponseWriter, r *http.Request) {
	var req mandelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := req.normalize(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var grad func(float64) color.NRGBA
	if req.Palette != nil {
		grad = wasmbrot.MakeGradient(*req.Palette)
	}
	s.serveImage(w, r, req, grad)
}

func (s *server) serveImage(w http.ResponseWriter, r *http.Request, req mandelRequest, grad func(float64) color.NRGBA) {
	ctx := r.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	img, err := s.render(ctx, req, grad)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	_ = png.Encode(w, img)
}

func (s *server) render(ctx context.Context, req mandelRequest, grad func(float64) color.NRGBA) (image.Image, error) {
	var compute wasmbrot.Compute
	if s.engine != nil {
		s.engineMu.Lock()
		defer s.engineMu.Unlock()
		compute = s.engine
	} else {
		compute = wasmbrot.NewKernel(wasmbrot.ColorMode(req.Mode), grad)
	}

	c := wasmbrot.NewCoordinator(compute,
		wasmbrot.WithSize(req.Width, req.Height),
		wasmbrot.WithWorkers(req.Workers))
	f, err := c.Render(ctx, req.config())
	if err != nil {
		return nil, err
	}
	return f.Image(), nil
}

func statusFor(err error) int {
	var ae *wasmbrot.AllocationError
	switch {
	case errors.As(err, &ae), errors.Is(err, wasmbrot.ErrInvalidSize), errors.Is(err, wasmbrot.ErrInvalidWorkers):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func hslToNRGBA(h, s, l float64) color.NRGBA {
	c := (1 - math.Abs(2*l-1)) * s
	hp := h / 60.0
	x := c * (1 - math.Abs(math.Mod(hp, 2)-1))
	var r, g, b float64
	switch {
	case hp < 1:
		r, g, b = c, x, 0
	case hp < 2:
		r, g, b = x, c, 0
	case hp < 3:
		r, g, b = 0, c, x
	case hp < 4:
		r, g, b = 0, x, c
	case hp < 5:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	m := l - c/2
	return color.NRGBA{
		R: uint8((r + m) * 255),
		G: uint8((g + m) * 255),
		B: uint8((b + m) * 255),
		A: 255,
	}
}

// randomPaletteDef builds a five stop palette: three related hues and two
// around the complement. rnd returns values in [0, 1).
func randomPaletteDef(rnd func() float64) wasmbrot.GradientDef {
	const n = 5
	baseHue := rnd() * 360.0
	spread := 45.0 + rnd()*40.0 // 45..85 degrees
	hues := [n]float64{
		baseHue,
		baseHue + spread,
		baseHue + 2*spread,
		baseHue + 180,
		baseHue + 180 + spread/2,
	}

	s := 0.55 + rnd()*0.35
	l := 0.40 + rnd()*0.20

	stops := make([]wasmbrot.Stop, n)
	for i, h := range hues {
		stops[i] = wasmbrot.Stop{
			T: float64(i) / float64(n-1),
			C: hslToNRGBA(math.Mod(h, 360), s, l),
		}
	}
	return wasmbrot.GradientDef{
		Name:  "Random " + strconv.Itoa(int(time.Now().UnixNano()%10000)),
		Stops: stops,
	}
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	wasmPath := flag.String("wasm", "", "render with this compute module instead of the native kernel")
	pages := flag.Uint("pages", wasmbrot.DefaultMaxPages, "memory ceiling in 64KiB pages")
	timeout := flag.Duration("timeout", 30*time.Second, "per-request render limit")
	verbose := flag.Bool("v", false, "log renders to stderr")
	flag.Parse()

	if *verbose {
		wasmbrot.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	}

	var engine *wasm.Engine
	if *wasmPath != "" {
		e, err := wasm.Load(context.Background(), *wasmPath, wasm.Config{MaxPages: uint32(*pages)})
		if err != nil {
			log.Fatalln(err)
		}
		defer e.Close(context.Background())
		engine = e
	}

	log.Println("listening on", *addr)
	log.Fatal(http.ListenAndServe(*addr, newServer(engine, *timeout).routes()))
}
