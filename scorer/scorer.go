// Package scorer searches for views of the Mandelbrot set that are worth
// rendering at full size.
package scorer

import (
	"math"
	"math/rand/v2"

	"wasmbrot"
)

// Preview resolution and iteration budget used for scoring.
const (
	PreviewWidth  = 96
	PreviewHeight = 64
	PreviewIter   = 200
	candidates    = 2000
)

// Landmark is a named, well-known view.
type Landmark struct {
	Name   string
	Config wasmbrot.RenderConfig
}

// region converts a rectangle of the complex plane into a config covering
// it at the default image width.
func region(xMin, xMax, yMin, yMax float64) wasmbrot.RenderConfig {
	return wasmbrot.RenderConfig{
		CenterX:       (xMin + xMax) / 2,
		CenterY:       (yMin + yMax) / 2,
		PixelScale:    (xMax - xMin) / wasmbrot.DefaultWidth,
		MaxIterations: 2000,
	}
}

// Landmarks are classic regions, always considered by GenerateViews.
var Landmarks = []Landmark{
	{"Seahorse Valley", wasmbrot.DefaultConfig()},
	{"Elephant Valley", region(-1.85, -1.75, -0.10, -0.02)},
	{"Spiral Minibrot", region(-0.7435, -0.7420, 0.1310, 0.1325)},
	{"Triple Spiral", region(-0.7480, -0.7450, 0.0950, 0.0980)},
	{"Valley of the Dragon", region(-0.7400, -0.7350, 0.1800, 0.1850)},
	{"Minibrot in a Mini-Spiral", region(-1.7390, -1.7375, -0.0235, -0.0220)},
}

// ViewScore pairs a view with its score; higher is better.
type ViewScore struct {
	Config wasmbrot.RenderConfig
	Score  float64
}

// GenerateViews returns the n best views among the landmarks and random
// candidates drawn from r. A nil r uses the global source.
func GenerateViews(n int, r *rand.Rand) []ViewScore {
	if r == nil {
		r = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	var best []ViewScore
	for _, l := range Landmarks {
		best = insertBest(best, ViewScore{Config: l.Config, Score: Score(l.Config)}, n)
	}
	for range candidates {
		cfg := randomView(r)
		best = insertBest(best, ViewScore{Config: cfg, Score: Score(cfg)}, n)
	}
	return best
}

// insertBest keeps list sorted by descending score and at most limit long.
func insertBest(list []ViewScore, vs ViewScore, limit int) []ViewScore {
	list = append(list, vs)
	for i := len(list) - 1; i > 0 && list[i].Score > list[i-1].Score; i-- {
		list[i], list[i-1] = list[i-1], list[i]
	}
	if len(list) > limit {
		return list[:limit]
	}
	return list
}

func randomView(r *rand.Rand) wasmbrot.RenderConfig {
	// Squaring biases towards deep zooms.
	t := r.Float64()
	t *= t
	const minWidth, maxWidth = 0.0000005, 3.5
	width := minWidth + t*(maxWidth-minWidth)

	return wasmbrot.RenderConfig{
		CenterX:       r.Float64()*3.5 - 2.5,
		CenterY:       r.Float64()*3.0 - 1.5,
		PixelScale:    width / wasmbrot.DefaultWidth,
		MaxIterations: 2000,
	}
}

// Score rates how interesting cfg looks at full size, in [0, 1]. It mixes
// histogram entropy, edge density and a preference for about 40% interior.
func Score(cfg wasmbrot.RenderConfig) float64 {
	const w, h = PreviewWidth, PreviewHeight
	iters := make([]int, w*h)
	xLo, xHi, yLo, yHi := cfg.Bounds(wasmbrot.DefaultWidth, wasmbrot.DefaultHeight)

	inside := 0
	for py := range h {
		cy := wasmbrot.Map(float64(py), 0, h, yLo, yHi)
		for px := range w {
			cx := wasmbrot.Map(float64(px), 0, w, xLo, xHi)
			n := escapeCount(cx, cy, PreviewIter)
			if n == PreviewIter {
				inside++
			}
			iters[py*w+px] = n
		}
	}

	total := float64(w * h)
	escapeScore := max(1.0-math.Abs(float64(inside)/total-0.4)/0.4, 0)

	const bins = 32
	var hist [bins]int
	for _, n := range iters {
		hist[min(n*bins/PreviewIter, bins-1)]++
	}
	entropy := 0.0
	for _, c := range hist {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log(p)
	}
	entropyScore := entropy / math.Log(bins)

	edges := 0
	for py := range h {
		for px := range w {
			v := iters[py*w+px]
			if px+1 < w && absInt(v-iters[py*w+px+1]) > 2 {
				edges++
			}
			if py+1 < h && absInt(v-iters[(py+1)*w+px]) > 2 {
				edges++
			}
		}
	}
	edgeScore := float64(edges) / float64(2*w*h)

	return 0.5*entropyScore + 0.3*edgeScore + 0.2*escapeScore
}

func escapeCount(cx, cy float64, maxIter int) int {
	x, y := 0.0, 0.0
	n := 0
	for x*x+y*y <= 4 && n < maxIter {
		x, y = x*x-y*y+cx, 2*x*y+cy
		n++
	}
	return n
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
