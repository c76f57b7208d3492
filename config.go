package wasmbrot

// Image dimensions expected by the prebuilt compute module.
const (
	DefaultWidth  = 1200
	DefaultHeight = 800
)

// DefaultWorkers is the worker count used by the multi-worker demo.
const DefaultWorkers = 4

// RenderConfig describes the view handed to every worker. It is read-only
// once a render starts.
type RenderConfig struct {
	CenterX       float64 `json:"x"`
	CenterY       float64 `json:"y"`
	PixelScale    float64 `json:"d"`
	MaxIterations uint32  `json:"iterations"`
}

// DefaultConfig returns the seahorse valley view used by the demos.
func DefaultConfig() RenderConfig {
	return RenderConfig{
		CenterX:       -0.743644786,
		CenterY:       0.1318252536,
		PixelScale:    0.00029336,
		MaxIterations: 10000,
	}
}

// Bounds returns the complex plane rectangle covered by a width x height image.
func (c RenderConfig) Bounds(width, height int) (xMin, xMax, yMin, yMax float64) {
	halfW := c.PixelScale * float64(width) / 2
	halfH := c.PixelScale * float64(height) / 2
	return c.CenterX - halfW, c.CenterX + halfW, c.CenterY - halfH, c.CenterY + halfH
}

// Map linearly maps value from [oLow, oHi] onto [nLow, nHi].
func Map(value, oLow, oHi, nLow, nHi float64) float64 {
	return (value-oLow)*(nHi-nLow)/(oHi-oLow) + nLow
}
