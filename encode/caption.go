package encode

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// CaptionSize is the caption font size in points at 72 DPI.
const CaptionSize = 14

const captionPad = 6

var (
	regularOnce sync.Once
	regular     *opentype.Font
	regularErr  error
)

func captionFace(size float64) (font.Face, error) {
	regularOnce.Do(func() {
		regular, regularErr = opentype.Parse(goregular.TTF)
	})
	if regularErr != nil {
		return nil, fmt.Errorf("encode: parse caption font: %w", regularErr)
	}
	return opentype.NewFace(regular, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
}

// Caption draws lines of white text on a translucent box in the bottom-left
// corner of dst.
func Caption(dst xdraw.Image, lines ...string) error {
	if len(lines) == 0 {
		return nil
	}
	face, err := captionFace(CaptionSize)
	if err != nil {
		return err
	}
	defer face.Close()

	lineH := face.Metrics().Height.Ceil()
	boxW := 0
	for _, l := range lines {
		boxW = max(boxW, font.MeasureString(face, l).Ceil())
	}
	boxW += 2 * captionPad
	boxH := len(lines)*lineH + 2*captionPad

	b := dst.Bounds()
	box := image.Rect(b.Min.X, b.Max.Y-boxH, b.Min.X+boxW, b.Max.Y).Intersect(b)
	xdraw.Draw(dst, box, image.NewUniform(color.NRGBA{0, 0, 0, 160}), image.Point{}, xdraw.Over)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.White,
		Face: face,
	}
	ascent := face.Metrics().Ascent.Ceil()
	for i, l := range lines {
		d.Dot = fixed.P(box.Min.X+captionPad, box.Min.Y+captionPad+i*lineH+ascent)
		d.DrawString(l)
	}
	return nil
}
