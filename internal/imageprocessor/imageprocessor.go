package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultInferenceSize is the square edge the classifiers were trained on.
const DefaultInferenceSize = 224

// DefaultMaxPixels bounds the decoded size of an image. A small, highly compressed file can
// otherwise expand to gigabytes once decoded.
const DefaultMaxPixels = 40_000_000

// ErrDecode is returned for empty, corrupt or unsupported image data.
var ErrDecode = errors.New("image could not be decoded")

// Tensor is a row-major NHWC float32 tensor.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Preprocessor turns raw image bytes into classifier input.
type Preprocessor struct {
	Size      int
	MaxPixels int
	Scaler    draw.Scaler
}

// NewPreprocessor returns a preprocessor producing size x size x 3 tensors.
func NewPreprocessor(size int) *Preprocessor {
	if size <= 0 {
		size = DefaultInferenceSize
	}
	return &Preprocessor{Size: size, MaxPixels: DefaultMaxPixels, Scaler: draw.BiLinear}
}

// Preprocess decodes raw and stretches it to a Size x Size square, ignoring the source aspect
// ratio. Channels are scaled to [0,1].
func (p *Preprocessor) Preprocess(raw []byte) (*Tensor, error) {
	img, _, err := decode(raw, p.MaxPixels)
	if err != nil {
		return nil, err
	}

	size := p.Size
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	p.Scaler.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	data := make([]float32, size*size*3)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			src := dst.PixOffset(x, y)
			out := (y*size + x) * 3
			data[out] = float32(dst.Pix[src]) / 255
			data[out+1] = float32(dst.Pix[src+1]) / 255
			data[out+2] = float32(dst.Pix[src+2]) / 255
		}
	}

	return &Tensor{
		Shape: []int64{1, int64(size), int64(size), 3},
		Data:  data,
	}, nil
}

// decode rejects images above maxPixels from their header, before any pixel is allocated.
// maxPixels <= 0 means DefaultMaxPixels.
func decode(raw []byte, maxPixels int) (image.Image, string, error) {
	if len(raw) == 0 {
		return nil, "", fmt.Errorf("%w: empty input", ErrDecode)
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, "", fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, maxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, "", fmt.Errorf("%w: zero-sized image", ErrDecode)
	}
	return img, format, nil
}
