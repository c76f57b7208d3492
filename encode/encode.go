// Package encode turns raw RGBA8 frames into image files.
package encode

import (
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"wasmbrot"
)

// Format is an output file format.
type Format int

const (
	PNG Format = iota
	JPEG
	TIFF
	BMP
	// Raw is a headerless row-major RGBA8 dump.
	Raw
)

func (f Format) String() string {
	switch f {
	case PNG:
		return "png"
	case JPEG:
		return "jpeg"
	case TIFF:
		return "tiff"
	case BMP:
		return "bmp"
	case Raw:
		return "raw"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// JPEGQuality is used for JPEG output.
const JPEGQuality = 90

var (
	// ErrPixelLength is returned when a pixel buffer does not match the
	// image dimensions.
	ErrPixelLength = errors.New("encode: pixel buffer length does not match dimensions")

	// ErrUnknownFormat is returned for unrecognized file extensions.
	ErrUnknownFormat = errors.New("encode: unknown image format")
)

// EncodingError wraps a failure from an image encoder.
type EncodingError struct {
	Format Format
	Err    error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode: %s: %v", e.Format, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// FormatFromPath picks a format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return PNG, nil
	case ".jpg", ".jpeg":
		return JPEG, nil
	case ".tif", ".tiff":
		return TIFF, nil
	case ".bmp":
		return BMP, nil
	case ".bin", ".raw":
		return Raw, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, path)
}

// NewImage wraps pix as a width x height image without copying.
func NewImage(pix []byte, width, height int) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 || len(pix) != wasmbrot.ImageBytes(width, height) {
		return nil, fmt.Errorf("%w: %d bytes for %dx%d", ErrPixelLength, len(pix), width, height)
	}
	return &image.NRGBA{
		Pix:    pix,
		Stride: width * wasmbrot.BytesPerPixel,
		Rect:   image.Rect(0, 0, width, height),
	}, nil
}

// Encode writes a width x height RGBA8 buffer to w in the given format.
func Encode(w io.Writer, f Format, pix []byte, width, height int) error {
	img, err := NewImage(pix, width, height)
	if err != nil {
		return err
	}
	return EncodeImage(w, f, img)
}

// EncodeImage writes img to w. Raw output requires an *image.NRGBA.
func EncodeImage(w io.Writer, f Format, img image.Image) error {
	var err error
	switch f {
	case PNG:
		err = png.Encode(w, img)
	case JPEG:
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: JPEGQuality})
	case TIFF:
		err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	case BMP:
		err = bmp.Encode(w, img)
	case Raw:
		err = writeRaw(w, img)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, f)
	}
	if err != nil {
		return &EncodingError{Format: f, Err: err}
	}
	return nil
}

func writeRaw(w io.Writer, img image.Image) error {
	m, ok := img.(*image.NRGBA)
	if !ok {
		return fmt.Errorf("raw output needs *image.NRGBA, got %T", img)
	}
	b := m.Bounds()
	rowBytes := b.Dx() * wasmbrot.BytesPerPixel
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := m.PixOffset(b.Min.X, y)
		if _, err := w.Write(m.Pix[off : off+rowBytes]); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile encodes img into path, choosing the format from its extension.
func WriteFile(path string, img image.Image) error {
	f, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	return writeFile(path, f, img)
}

func writeFile(path string, f Format, img image.Image) (err error) {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("encode: %w", cerr)
		}
	}()

	if err := EncodeImage(out, f, img); err != nil {
		return err
	}
	b := img.Bounds()
	wasmbrot.Logger().Debug("image written", "path", path, "format", f, "width", b.Dx(), "height", b.Dy())
	return nil
}

// WriteFrame encodes a finished frame into path.
func WriteFrame(path string, fr *wasmbrot.Frame) error {
	img, err := NewImage(fr.Pix, fr.Width, fr.Height)
	if err != nil {
		return err
	}
	return WriteFile(path, img)
}

// WriteRaw dumps the frame's pixels to path as headerless RGBA8 rows,
// whatever the file extension.
func WriteRaw(path string, fr *wasmbrot.Frame) error {
	img, err := NewImage(fr.Pix, fr.Width, fr.Height)
	if err != nil {
		return err
	}
	return writeFile(path, Raw, img)
}

// ReadRaw reads a raw RGBA8 dump and returns its first width*height*4
// bytes. Shorter files fail with ErrPixelLength.
func ReadRaw(path string, width, height int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	n := wasmbrot.ImageBytes(width, height)
	if len(data) < n {
		return nil, fmt.Errorf("%w: %s has %d bytes, want %d", ErrPixelLength, path, len(data), n)
	}
	return data[:n], nil
}
