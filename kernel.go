package wasmbrot

import (
	"context"
	"image/color"
	"math"
)

const escapeR2 = 4.0

// Kernel is the native Go implementation of Compute. Rank r renders rows
// r, r+n, r+2n, ... so partitions never overlap. The image starts at
// offset 0 of the shared buffer.
type Kernel struct {
	Mode    ColorMode
	Palette func(float64) color.NRGBA
}

// NewKernel returns a kernel coloring with the given mode and gradient. A nil
// gradient selects the first default gradient.
func NewKernel(mode ColorMode, grad func(float64) color.NRGBA) *Kernel {
	if grad == nil {
		grad = makeGradient(DefaultGradients[0].Stops)
	}
	return &Kernel{Mode: mode, Palette: grad}
}

// Run implements Compute.
func (k *Kernel) Run(ctx context.Context, t WorkerTask) (uint32, error) {
	if t.Total == 0 || t.Rank >= t.Total {
		return 0, ErrInvalidWorkers
	}
	pix, err := t.Buffer.Region(0, ImageBytes(t.Width, t.Height))
	if err != nil {
		return 0, err
	}

	grad := k.Palette
	if grad == nil {
		grad = makeGradient(DefaultGradients[0].Stops)
	}
	colorize := buildColorizer(k.Mode, int(t.Config.MaxIterations), grad)

	xLo, xHi, yLo, yHi := t.Config.Bounds(t.Width, t.Height)
	stride := t.Width * BytesPerPixel

	for py := int(t.Rank); py < t.Height; py += int(t.Total) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		y0 := Map(float64(py), 0, float64(t.Height), yLo, yHi)
		row := pix[py*stride : (py+1)*stride]
		for px := range t.Width {
			x0 := Map(float64(px), 0, float64(t.Width), xLo, xHi)
			c := colorize(escape(x0, y0, int(t.Config.MaxIterations)))

			off := px * BytesPerPixel
			row[off+0] = c.R
			row[off+1] = c.G
			row[off+2] = c.B
			row[off+3] = c.A
		}
	}
	return 0, nil
}

// escape iterates z = z^2 + c from zero and returns the escape sample.
// Interior points have Smooth < 0.
func escape(x0, y0 float64, maxIter int) Sample {
	x, y := 0.0, 0.0
	n := 0
	for x*x+y*y <= escapeR2 && n < maxIter {
		xx := x*x - y*y + x0
		y = 2*x*y + y0
		x = xx
		n++
	}

	s := Sample{Iter: n, Smooth: -1}
	if n >= maxIter {
		return s
	}
	logZn := math.Log(x*x+y*y) / 2
	nu := math.Log(logZn/math.Ln2) / math.Ln2
	s.Smooth = max(float64(n)+1-nu, 0)
	s.Angle = (math.Atan2(y, x) + math.Pi) / (2 * math.Pi)
	return s
}
