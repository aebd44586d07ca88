package chaos

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"examseal/internal/sealerr"
)

// Raster is a packed 8-bit RGB image, row-major, three bytes per pixel.
type Raster struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewRaster allocates a black raster.
func NewRaster(width, height int) Raster {
	return Raster{Width: width, Height: height, Pix: make([]uint8, width*height*3)}
}

// Check verifies that the buffer length agrees with the dimensions.
func (r Raster) Check() error {
	if r.Width < 1 || r.Height < 1 {
		return fmt.Errorf("%w: %dx%d", sealerr.ErrDimensionMismatch, r.Width, r.Height)
	}
	if len(r.Pix) != r.Width*r.Height*3 {
		return fmt.Errorf("%w: %dx%d raster has %d bytes", sealerr.ErrDimensionMismatch, r.Width, r.Height, len(r.Pix))
	}
	return nil
}

// Equal reports whether two rasters are bit-identical.
func (r Raster) Equal(o Raster) bool {
	return r.Width == o.Width && r.Height == o.Height && bytes.Equal(r.Pix, o.Pix)
}

// FromImage converts any image to RGB, discarding alpha.
func FromImage(img image.Image) Raster {
	b := img.Bounds()
	out := NewRaster(b.Dx(), b.Dy())

	switch src := img.(type) {
	case *image.NRGBA:
		for y := 0; y < out.Height; y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < out.Width; x++ {
				o := (y*out.Width + x) * 3
				copy(out.Pix[o:o+3], row[x*4:x*4+3])
			}
		}
	case *image.RGBA:
		if src.Opaque() {
			for y := 0; y < out.Height; y++ {
				row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
				for x := 0; x < out.Width; x++ {
					o := (y*out.Width + x) * 3
					copy(out.Pix[o:o+3], row[x*4:x*4+3])
				}
			}
			break
		}
		fillGeneric(out, img)
	default:
		fillGeneric(out, img)
	}
	return out
}

func fillGeneric(out Raster, img image.Image) {
	b := img.Bounds()
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			o := (y*out.Width + x) * 3
			out.Pix[o], out.Pix[o+1], out.Pix[o+2] = c.R, c.G, c.B
		}
	}
}

// Image returns an opaque NRGBA view of the raster.
func (r Raster) Image() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, r.Width, r.Height))
	for i, j := 0, 0; i < len(r.Pix); i, j = i+3, j+4 {
		img.Pix[j] = r.Pix[i]
		img.Pix[j+1] = r.Pix[i+1]
		img.Pix[j+2] = r.Pix[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

// EncodePNG writes the raster as a lossless PNG.
func (r Raster) EncodePNG(w io.Writer) error {
	if err := r.Check(); err != nil {
		return err
	}
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	return enc.Encode(w, r.Image())
}

// PNGBytes returns the PNG encoding of the raster.
func (r Raster) PNGBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.EncodePNG(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeRaster decodes PNG, JPEG, GIF, BMP, TIFF or WebP input.
func DecodeRaster(rd io.Reader) (Raster, error) {
	img, _, err := image.Decode(rd)
	if err != nil {
		return Raster{}, fmt.Errorf("chaos: decode image: %w", err)
	}
	return FromImage(img), nil
}
