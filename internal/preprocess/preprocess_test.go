package preprocess

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoByTwo returns a 2x2 image: red, green / blue, white. The origin is
// offset to make sure bounds are honoured.
func twoByTwo() image.Image {
	img := image.NewRGBA(image.Rect(5, 5, 7, 7))
	img.Set(5, 5, color.RGBA{255, 0, 0, 255})
	img.Set(6, 5, color.RGBA{0, 255, 0, 255})
	img.Set(5, 6, color.RGBA{0, 0, 255, 255})
	img.Set(6, 6, color.RGBA{255, 255, 255, 255})
	return img
}

func TestTensorNCHWSymmetric(t *testing.T) {
	data, err := Tensor(twoByTwo(), Options{Size: 2, Layout: NCHW, Normalization: Symmetric})
	require.NoError(t, err)
	require.Len(t, data, 12)

	red := data[0:4]
	green := data[4:8]
	blue := data[8:12]
	assert.Equal(t, []float32{1, -1, -1, 1}, red)
	assert.Equal(t, []float32{-1, 1, -1, 1}, green)
	assert.Equal(t, []float32{-1, -1, 1, 1}, blue)
}

func TestTensorNHWCUnit(t *testing.T) {
	data, err := Tensor(twoByTwo(), Options{Size: 2, Layout: NHWC, Normalization: Unit})
	require.NoError(t, err)

	assert.Equal(t, []float32{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
		1, 1, 1,
	}, data)
}

func TestTensorImageNet(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.RGBA{0, 0, 0, 255})

	data, err := Tensor(img, Options{Size: 1, Layout: NCHW, Normalization: ImageNet})
	require.NoError(t, err)

	assert.InDelta(t, -0.485/0.229, data[0], 1e-5)
	assert.InDelta(t, -0.456/0.224, data[1], 1e-5)
	assert.InDelta(t, -0.406/0.225, data[2], 1e-5)
}

func TestTensorResizes(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{128, 128, 128, 255})
		}
	}

	opts := Options{Size: 8, Layout: NCHW, Normalization: Symmetric}
	data, err := Tensor(img, opts)
	require.NoError(t, err)
	require.Len(t, data, opts.Len())

	for _, v := range data {
		assert.InDelta(t, 0, v, 0.02)
	}
}

func TestTensorRejectsEmpty(t *testing.T) {
	opts := Options{Size: 4, Layout: NCHW, Normalization: Symmetric}

	_, err := Tensor(nil, opts)
	assert.ErrorIs(t, err, ErrEmptyImage)

	_, err = Tensor(image.NewRGBA(image.Rect(0, 0, 0, 0)), opts)
	assert.ErrorIs(t, err, ErrEmptyImage)
}

func TestTensorRejectsBadOptions(t *testing.T) {
	_, err := Tensor(twoByTwo(), Options{Size: 0, Layout: NCHW, Normalization: Symmetric})
	assert.Error(t, err)

	_, err = Tensor(twoByTwo(), Options{Size: 2, Layout: "hwcn", Normalization: Symmetric})
	assert.Error(t, err)

	_, err = Tensor(twoByTwo(), Options{Size: 2, Layout: NCHW, Normalization: "zscore"})
	assert.Error(t, err)
}

func TestShape(t *testing.T) {
	assert.Equal(t, []int64{1, 3, 224, 224}, Options{Size: 224, Layout: NCHW}.Shape())
	assert.Equal(t, []int64{1, 224, 224, 3}, Options{Size: 224, Layout: NHWC}.Shape())
	assert.Equal(t, 150528, Options{Size: 224}.Len())
}

func TestCheckLen(t *testing.T) {
	opts := Options{Size: 2}
	assert.NoError(t, CheckLen(make([]float32, 12), opts))
	assert.Error(t, CheckLen(make([]float32, 11), opts))
}
