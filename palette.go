package wasmbrot

import (
	"image/color"
	"math"
)

// Stop is one gradient stop.
type Stop struct {
	T float64     `json:"t"`
	C color.NRGBA `json:"c"`
}

// GradientDef is a named list of gradient stops.
type GradientDef struct {
	Name  string `json:"name"`
	Stops []Stop `json:"stops"`
}

// DefaultGradients are the built-in palettes, addressable by index.
var DefaultGradients = []GradientDef{
	{
		Name: "Deep Ocean",
		Stops: []Stop{
			{0.00, color.NRGBA{0, 7, 100, 255}},
			{0.25, color.NRGBA{32, 107, 203, 255}},
			{0.50, color.NRGBA{237, 255, 255, 255}},
			{0.75, color.NRGBA{255, 170, 0, 255}},
			{1.00, color.NRGBA{0, 2, 0, 255}},
		},
	},
	{
		Name: "Inferno Ember",
		Stops: []Stop{
			{0.00, color.NRGBA{5, 0, 10, 255}},
			{0.20, color.NRGBA{120, 12, 40, 255}},
			{0.45, color.NRGBA{240, 60, 10, 255}},
			{0.70, color.NRGBA{255, 200, 50, 255}},
			{1.00, color.NRGBA{20, 2, 0, 255}},
		},
	},
	{
		Name: "Magenta Storm",
		Stops: []Stop{
			{0.00, color.NRGBA{15, 0, 40, 255}},
			{0.30, color.NRGBA{130, 0, 155, 255}},
			{0.60, color.NRGBA{255, 100, 180, 255}},
			{1.00, color.NRGBA{255, 230, 150, 255}},
		},
	},
	{
		Name: "Frostfire",
		Stops: []Stop{
			{0.00, color.NRGBA{0, 30, 50, 255}},
			{0.35, color.NRGBA{60, 190, 210, 255}},
			{0.65, color.NRGBA{255, 255, 255, 255}},
			{0.90, color.NRGBA{255, 140, 40, 255}},
			{1.00, color.NRGBA{20, 5, 0, 255}},
		},
	},
	{
		Name: "Verdant",
		Stops: []Stop{
			{0.00, color.NRGBA{0, 0, 0, 255}},
			{0.35, color.NRGBA{0, 90, 40, 255}},
			{0.65, color.NRGBA{160, 220, 40, 255}},
			{1.00, color.NRGBA{250, 255, 220, 255}},
		},
	},
}

// GradientByIndex returns the i'th default gradient, or nil if out of range.
func GradientByIndex(i int) func(float64) color.NRGBA {
	if i < 0 || i >= len(DefaultGradients) {
		return nil
	}
	return makeGradient(DefaultGradients[i].Stops)
}

// MakeGradient builds a gradient function from def.
func MakeGradient(def GradientDef) func(float64) color.NRGBA {
	return makeGradient(def.Stops)
}

// makeGradient returns a function mapping t in [0, 1] onto the stops, which
// must be sorted by T.
func makeGradient(stops []Stop) func(float64) color.NRGBA {
	switch len(stops) {
	case 0:
		return func(float64) color.NRGBA { return color.NRGBA{0, 0, 0, 255} }
	case 1:
		only := stops[0].C
		return func(float64) color.NRGBA { return only }
	}

	last := len(stops) - 1
	return func(t float64) color.NRGBA {
		if t <= stops[0].T {
			return stops[0].C
		}
		if t >= stops[last].T {
			return stops[last].C
		}
		for i := range last {
			a, b := stops[i], stops[i+1]
			if t < a.T || t > b.T {
				continue
			}
			u := 0.0
			if span := b.T - a.T; span > 0 {
				u = (t - a.T) / span
			}
			return lerpColor(a.C, b.C, u)
		}
		return stops[last].C
	}
}

func lerp(a, b uint8, t float64) uint8 {
	return uint8(float64(a) + t*(float64(b)-float64(a)))
}

func lerpColor(c1, c2 color.NRGBA, t float64) color.NRGBA {
	return color.NRGBA{
		R: lerp(c1.R, c2.R, t),
		G: lerp(c1.G, c2.G, t),
		B: lerp(c1.B, c2.B, t),
		A: 255,
	}
}

// HSVToNRGBA converts h in degrees and s, v in [0, 1] to an opaque color.
func HSVToNRGBA(h, s, v float64) color.NRGBA {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60.0, 2)-1))
	m := v - c

	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}

	return color.NRGBA{
		R: uint8((r + m) * 255),
		G: uint8((g + m) * 255),
		B: uint8((b + m) * 255),
		A: 255,
	}
}

func makeHSVPalette(size int) []color.NRGBA {
	p := make([]color.NRGBA, size)
	for i := range size {
		p[i] = HSVToNRGBA(float64(i)/float64(size)*360.0, 1.0, 1.0)
	}
	return p
}

// Sample is the escape result for one pixel.
type Sample struct {
	Iter   int
	Smooth float64
	Angle  float64
}

// ColorMode selects how samples are turned into colors.
type ColorMode int

const (
	ColorSmoothHSV ColorMode = iota
	ColorLongGradient
	ColorPeriodic
	ColorAngle
)

func (m ColorMode) Valid() bool {
	return m >= ColorSmoothHSV && m <= ColorAngle
}

// buildColorizer returns a per-pixel coloring function. Every mode only looks
// at its own sample, so workers can color their rows independently.
func buildColorizer(mode ColorMode, maxIter int, grad func(float64) color.NRGBA) func(Sample) color.NRGBA {
	black := color.NRGBA{0, 0, 0, 255}
	interior := func(s Sample) bool { return s.Iter >= maxIter || s.Smooth < 0 }

	switch mode {
	case ColorSmoothHSV:
		hsv := makeHSVPalette(1024)
		return func(s Sample) color.NRGBA {
			if interior(s) {
				return black
			}
			base := math.Floor(s.Smooth)
			idx := int(base)
			return lerpColor(hsv[idx%len(hsv)], hsv[(idx+1)%len(hsv)], s.Smooth-base)
		}

	case ColorPeriodic:
		const period = 40.0
		return func(s Sample) color.NRGBA {
			if interior(s) {
				return black
			}
			return grad(math.Mod(s.Smooth, period) / period)
		}

	case ColorAngle:
		return func(s Sample) color.NRGBA {
			if interior(s) {
				return black
			}
			return grad(0.6*s.Angle + 0.4*math.Mod(s.Smooth*0.03, 1.0))
		}
	}

	// ColorLongGradient and anything unknown.
	return func(s Sample) color.NRGBA {
		if interior(s) {
			return black
		}
		return grad(math.Mod(s.Smooth*0.02, 1.0))
	}
}
