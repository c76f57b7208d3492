package encode

import (
	"image"

	xdraw "golang.org/x/image/draw"
)

// Thumbnail scales src down to maxWidth pixels wide, keeping the aspect
// ratio. Images already narrower than maxWidth are copied unscaled.
func Thumbnail(src image.Image, maxWidth int) *image.NRGBA {
	sb := src.Bounds()
	w, h := sb.Dx(), sb.Dy()
	if maxWidth > 0 && w > maxWidth {
		h = max(h*maxWidth/w, 1)
		w = maxWidth
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, sb, xdraw.Src, nil)
	return dst
}
