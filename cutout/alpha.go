package cutout

import (
	"fmt"
	"image"
)

type AlphaMode string

const (
	AlphaNone  AlphaMode = "none"
	AlphaBoost AlphaMode = "boost"
	AlphaSnap  AlphaMode = "snap"

	DefaultAlphaBoost    uint8 = 15
	DefaultSnapThreshold uint8 = 240
)

func ParseAlphaMode(s string) (AlphaMode, error) {
	switch m := AlphaMode(s); m {
	case AlphaNone, AlphaBoost, AlphaSnap:
		return m, nil
	case "":
		return AlphaNone, nil
	default:
		return "", fmt.Errorf("unknown alpha mode %q", s)
	}
}

// BoostAlpha 对 alpha > 0 的像素加上 delta，上限 255；完全透明的像素不变
func BoostAlpha(img *image.NRGBA, delta uint8) {
	forEachAlpha(img, func(a uint8) uint8 {
		if a == 0 {
			return a
		}
		if v := int(a) + int(delta); v < 255 {
			return uint8(v)
		}
		return 255
	})
}

// SnapAlpha alpha > threshold 的像素直接设为不透明
func SnapAlpha(img *image.NRGBA, threshold uint8) {
	forEachAlpha(img, func(a uint8) uint8 {
		if a > threshold {
			return 255
		}
		return a
	})
}

func AdjustAlpha(img *image.NRGBA, opts Options) {
	switch opts.AlphaMode {
	case AlphaBoost:
		BoostAlpha(img, opts.AlphaBoost)
	case AlphaSnap:
		SnapAlpha(img, opts.SnapThreshold)
	}
}

func forEachAlpha(img *image.NRGBA, fn func(a uint8) uint8) {
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for i := 3; i < len(row); i += 4 {
			row[i] = fn(row[i])
		}
	}
}
