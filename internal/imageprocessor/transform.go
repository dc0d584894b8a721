package imageprocessor

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"

	"golang.org/x/image/draw"
)

// Bounded is an image prepared for upload.
type Bounded struct {
	Data   []byte
	Width  int
	Height int
	Format string // jpg or png
}

// ContentType returns the MIME type matching Format.
func (b *Bounded) ContentType() string {
	if b.Format == "jpg" {
		return "image/jpeg"
	}
	return "image/png"
}

// BoundLongestSide shrinks raw so that neither side exceeds maxSide, keeping the aspect ratio.
// Images already inside the bound are not resampled; jpeg and png bytes then pass through
// untouched. Other formats are re-encoded as png. maxSide <= 0 disables the bound. Images above
// maxPixels are rejected with ErrDecode; maxPixels <= 0 means DefaultMaxPixels.
func BoundLongestSide(raw []byte, maxSide, maxPixels int) (*Bounded, error) {
	img, format, err := decode(raw, maxPixels)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	longest := width
	if height > longest {
		longest = height
	}

	outFormat := "png"
	if format == "jpeg" {
		outFormat = "jpg"
	}

	if maxSide <= 0 || longest <= maxSide {
		if format == "jpeg" || format == "png" {
			return &Bounded{Data: raw, Width: width, Height: height, Format: outFormat}, nil
		}
		data, err := encode(img, outFormat)
		if err != nil {
			return nil, err
		}
		return &Bounded{Data: data, Width: width, Height: height, Format: outFormat}, nil
	}

	scale := float64(maxSide) / float64(longest)
	newW := clampDim(int(math.Round(float64(width) * scale)))
	newH := clampDim(int(math.Round(float64(height) * scale)))

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)

	data, err := encode(dst, outFormat)
	if err != nil {
		return nil, err
	}
	return &Bounded{Data: data, Width: newW, Height: newH, Format: outFormat}, nil
}

func clampDim(v int) int {
	if v < 1 {
		return 1
	}
	return v
}

func encode(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	if format == "jpg" {
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	} else {
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}
