package cutout

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/chaos-io/cutout/cutout/rembg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// whiteKey 把纯白像素当作背景
type whiteKey struct {
	alpha uint8
}

func (k whiteKey) Remove(_ context.Context, img image.Image) (image.Image, error) {
	src := ToNRGBA(img)
	out := clone(src)
	for i := 0; i < len(out.Pix); i += 4 {
		if out.Pix[i] == 255 && out.Pix[i+1] == 255 && out.Pix[i+2] == 255 {
			out.Pix[i+3] = 0
		} else if k.alpha != 0 {
			out.Pix[i+3] = k.alpha
		}
	}
	return out, nil
}

type failing struct{}

func (failing) Remove(context.Context, image.Image) (image.Image, error) {
	return nil, errors.New("session crashed")
}

type recording struct {
	got image.Rectangle
}

func (r *recording) Remove(_ context.Context, img image.Image) (image.Image, error) {
	r.got = img.Bounds()
	return image.NewNRGBA(img.Bounds()), nil
}

func opaque(w, h int, bg color.NRGBA, rect image.Rectangle, fg color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := bg
			if (image.Point{X: x, Y: y}).In(rect) {
				c = fg
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

var (
	white = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	red   = color.NRGBA{R: 255, A: 255}
)

func TestProcessor_Process_CropsToSubject(t *testing.T) {
	t.Parallel()

	in := opaque(40, 30, white, image.Rect(5, 8, 25, 20), red)
	out, err := NewProcessor(whiteKey{}, DefaultOptions()).Process(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 20, 12), out.Bounds())
	assert.Equal(t, red, out.NRGBAAt(0, 0))
	assert.Equal(t, red, out.NRGBAAt(19, 11))
}

func TestProcessor_Process_OpaqueRoundTrip(t *testing.T) {
	t.Parallel()

	in := opaque(17, 9, red, image.Rectangle{}, red)
	out, err := NewProcessor(rembg.NewPassthrough(), DefaultOptions()).Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 17, 9), out.Bounds())
}

func TestProcessor_Process_NothingLeft(t *testing.T) {
	t.Parallel()

	in := opaque(12, 6, white, image.Rectangle{}, white)
	out, err := NewProcessor(whiteKey{}, DefaultOptions()).Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 12, 6), out.Bounds())
}

func TestProcessor_Process_SegmentationError(t *testing.T) {
	t.Parallel()

	_, err := NewProcessor(failing{}, DefaultOptions()).Process(context.Background(), opaque(2, 2, red, image.Rectangle{}, red))
	require.ErrorIs(t, err, ErrSegmentation)
	assert.Contains(t, err.Error(), "session crashed")
}

func TestProcessor_Process_AlphaBoost(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.AlphaMode = AlphaBoost

	in := opaque(10, 10, white, image.Rect(2, 2, 6, 6), red)
	out, err := NewProcessor(whiteKey{alpha: 100}, opts).Process(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 4, 4), out.Bounds())
	assert.Equal(t, uint8(115), out.NRGBAAt(1, 1).A)
}

func TestProcessor_Process_AlphaSnap(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.AlphaMode = AlphaSnap

	in := opaque(10, 10, white, image.Rect(2, 2, 6, 6), red)
	out, err := NewProcessor(whiteKey{alpha: 245}, opts).Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, uint8(255), out.NRGBAAt(0, 0).A)
}

func TestProcessor_Process_SkipIfTransparent(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.SkipIfTransparent = true
	opts.AlphaMode = AlphaBoost

	in := opaque(8, 8, color.NRGBA{}, image.Rect(1, 2, 4, 7), color.NRGBA{G: 255, A: 200})
	out, err := NewProcessor(failing{}, opts).Process(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 3, 5), out.Bounds())
	assert.Equal(t, uint8(215), out.NRGBAAt(0, 0).A)
	// 调用方的图不被修改
	assert.Equal(t, uint8(200), in.NRGBAAt(1, 2).A)
}

func TestProcessor_Process_MaxSide(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.MaxSide = 10

	rec := &recording{}
	in := opaque(40, 20, red, image.Rectangle{}, red)
	out, err := NewProcessor(rec, opts).Process(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 10, 5), rec.got)
	// recording 返回全透明图，拉伸回原尺寸后不裁剪
	assert.Equal(t, image.Rect(0, 0, 40, 20), out.Bounds())
}

// leftHalf 只保留左半边
type leftHalf struct{}

func (leftHalf) Remove(_ context.Context, img image.Image) (image.Image, error) {
	out := clone(ToNRGBA(img))
	b := out.Bounds()
	for y := 0; y < b.Dy(); y++ {
		for x := b.Dx() / 2; x < b.Dx(); x++ {
			out.Pix[y*out.Stride+x*4+3] = 0
		}
	}
	return out, nil
}

func checkerboard(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA{A: 255}
			if (x+y)%2 == 0 {
				c = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// 缩小送模型后，颜色仍来自原图，只有 alpha 来自模型
func TestProcessor_Process_MaxSideKeepsColour(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.MaxSide = 10

	in := checkerboard(100, 100)
	want := clone(in)

	out, err := NewProcessor(rembg.NewPassthrough(), opts).Process(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, in.Bounds(), out.Bounds())
	assert.Equal(t, want.Pix, out.Pix)
	assert.Equal(t, want.Pix, in.Pix)
}

func TestProcessor_Process_MaxSideMask(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.MaxSide = 10

	in := checkerboard(100, 40)
	out, err := NewProcessor(leftHalf{}, opts).Process(context.Background(), in)
	require.NoError(t, err)

	b := out.Bounds()
	assert.Equal(t, 40, b.Dy())
	assert.Greater(t, b.Dx(), 40)
	assert.Less(t, b.Dx(), 60)

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			got, src := out.NRGBAAt(x, y), in.NRGBAAt(x, y)
			require.Equal(t, [3]uint8{src.R, src.G, src.B}, [3]uint8{got.R, got.G, got.B}, "pixel (%d,%d)", x, y)
		}
	}
	assert.Equal(t, uint8(255), out.NRGBAAt(0, 0).A)
	assert.Equal(t, uint8(255), out.NRGBAAt(20, 20).A)
}

func TestProcessor_Process_NonNRGBAInput(t *testing.T) {
	t.Parallel()

	in := image.NewRGBA(image.Rect(0, 0, 6, 3))
	for i := range in.Pix {
		in.Pix[i] = 255
	}
	out, err := NewProcessor(rembg.NewPassthrough(), DefaultOptions()).Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 6, 3), out.Bounds())
}

func TestEncodePNG(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, EncodePNG(&buf, opaque(3, 2, red, image.Rectangle{}, red)))

	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())
}
