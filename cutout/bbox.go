package cutout

import (
	"image"

	"github.com/disintegration/imaging"
)

// AlphaBBox 从 alpha 通道计算主体 bounding box
// 把 alpha > threshold 的像素当作“主体”；没有主体时 ok 为 false
func AlphaBBox(img *image.NRGBA, threshold uint8) (bbox image.Rectangle, ok bool) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	minX, minY := w, h
	maxX, maxY := -1, -1

	for y := 0; y < h; y++ {
		row := y * img.Stride
		for x := 0; x < w; x++ {
			if img.Pix[row+x*4+3] <= threshold {
				continue
			}
			minX = min(minX, x)
			maxX = max(maxX, x)
			minY = min(minY, y)
			maxY = max(maxY, y)
		}
	}

	if maxX < 0 {
		return image.Rectangle{}, false
	}
	return image.Rect(minX, minY, maxX+1, maxY+1).Add(b.Min), true
}

// CropToContent 裁剪到主体 bounding box；全透明时返回原图
func CropToContent(img *image.NRGBA, threshold uint8) (*image.NRGBA, bool) {
	bbox, ok := AlphaBBox(img, threshold)
	if !ok {
		return img, false
	}
	return imaging.Crop(img, bbox), true
}
