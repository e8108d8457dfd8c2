// Package preprocess turns decoded images into normalised float32 tensors in
// the layout a model expects.
package preprocess

import (
	"errors"
	"fmt"
	"image"

	"github.com/nfnt/resize"
)

const Channels = 3

// ErrEmptyImage is returned for nil images or images with no pixels.
var ErrEmptyImage = errors.New("image is empty")

var (
	imagenetMean = [Channels]float32{0.485, 0.456, 0.406}
	imagenetStd  = [Channels]float32{0.229, 0.224, 0.225}
)

// Layout is the memory order of the image tensor.
type Layout string

const (
	// NCHW stores each colour channel as a separate plane.
	NCHW Layout = "nchw"
	// NHWC interleaves channels per pixel.
	NHWC Layout = "nhwc"
)

// Normalization maps 8-bit channel values to model input values.
type Normalization string

const (
	// Symmetric maps [0, 255] to [-1, 1] via (x - 127.5) / 127.5.
	Symmetric Normalization = "symmetric"
	// ImageNet scales to [0, 1] then applies the ImageNet mean and std.
	ImageNet Normalization = "imagenet"
	// Unit scales to [0, 1].
	Unit Normalization = "unit"
)

type Options struct {
	Size          int
	Layout        Layout
	Normalization Normalization
}

// Len is the number of float32 values in one input tensor.
func (o Options) Len() int {
	return Channels * o.Size * o.Size
}

// Shape is the batched input shape for a single image.
func (o Options) Shape() []int64 {
	s := int64(o.Size)
	if o.Layout == NHWC {
		return []int64{1, s, s, Channels}
	}
	return []int64{1, Channels, s, s}
}

func (o Options) validate() error {
	if o.Size <= 0 {
		return fmt.Errorf("invalid image size %d", o.Size)
	}
	switch o.Layout {
	case NCHW, NHWC:
	default:
		return fmt.Errorf("unknown layout %q", o.Layout)
	}
	switch o.Normalization {
	case Symmetric, ImageNet, Unit:
	default:
		return fmt.Errorf("unknown normalization %q", o.Normalization)
	}
	return nil
}

// Tensor resizes img to Size x Size and returns it as a normalised tensor.
func Tensor(img image.Image, opts Options) ([]float32, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if img == nil || img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}

	size := opts.Size
	if b := img.Bounds(); b.Dx() != size || b.Dy() != size {
		img = resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
	}

	bounds := img.Bounds()
	plane := size * size
	data := make([]float32, opts.Len())

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			px := [Channels]uint32{r >> 8, g >> 8, b >> 8}

			pixelIndex := y*size + x
			for c := 0; c < Channels; c++ {
				v := normalize(px[c], c, opts.Normalization)
				if opts.Layout == NHWC {
					data[pixelIndex*Channels+c] = v
				} else {
					data[c*plane+pixelIndex] = v
				}
			}
		}
	}
	return data, nil
}

func normalize(v uint32, channel int, n Normalization) float32 {
	f := float32(v)
	switch n {
	case ImageNet:
		return (f/255 - imagenetMean[channel]) / imagenetStd[channel]
	case Unit:
		return f / 255
	default:
		return (f - 127.5) / 127.5
	}
}

// CheckLen verifies that a raw tensor has the expected number of values.
func CheckLen(data []float32, opts Options) error {
	if want := opts.Len(); len(data) != want {
		return fmt.Errorf("expected %d values, got %d", want, len(data))
	}
	return nil
}
