package cutout

import (
	"image"
	"image/draw"

	"github.com/nfnt/resize"
	xdraw "golang.org/x/image/draw"
)

// ToNRGBA 转为 NRGBA（非预乘 alpha），已是 NRGBA 时原样返回
func ToNRGBA(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok {
		return nrgba
	}
	b := img.Bounds()
	dst := image.NewNRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)
	return dst
}

// HasTransparency 只要存在非 255 的 alpha，就认为“已有抠图”
func HasTransparency(img *image.NRGBA) bool {
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for i := 3; i < len(row); i += 4 {
			if row[i] != 255 {
				return true
			}
		}
	}
	return false
}

// resizeWithinMax 缩放（最长边 <= maxSize），maxSize <= 0 表示不限制
func resizeWithinMax(img *image.NRGBA, maxSize int) *image.NRGBA {
	if maxSize <= 0 {
		return img
	}

	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	longest := max(w, h)
	if longest <= maxSize {
		return img
	}

	scale := float64(maxSize) / float64(longest)
	newW := max(1, int(float64(w)*scale))
	newH := max(1, int(float64(h)*scale))

	resized := resize.Resize(uint(newW), uint(newH), img, resize.Lanczos3)
	return ToNRGBA(resized)
}

// fitTo 把模型输出对齐到 src。
// 尺寸一致时直接用模型输出；不一致（送模型前缩放过）时只把 alpha 拉伸回原尺寸，颜色取原图
func fitTo(src *image.NRGBA, out image.Image) *image.NRGBA {
	b := out.Bounds()
	sb := src.Bounds()
	if b.Size() == sb.Size() {
		return ToNRGBA(out)
	}

	mask := image.NewAlpha(image.Rectangle{Max: sb.Size()})
	xdraw.CatmullRom.Scale(mask, mask.Bounds(), out, b, xdraw.Src, nil)

	dst := clone(src)
	for y := 0; y < sb.Dy(); y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+sb.Dx()*4]
		alpha := mask.Pix[y*mask.Stride : y*mask.Stride+sb.Dx()]
		for x, a := range alpha {
			row[x*4+3] = a
		}
	}
	return dst
}
