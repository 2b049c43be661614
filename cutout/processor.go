package cutout

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"

	"github.com/chaos-io/cutout/cutout/rembg"
	"github.com/chaos-io/cutout/util/log"
)

var ErrSegmentation = errors.New("background removal failed")

type Options struct {
	AlphaMode     AlphaMode
	AlphaBoost    uint8
	SnapThreshold uint8
	// alpha > BBoxThreshold 的像素参与裁剪
	BBoxThreshold uint8
	// 送入模型前的最长边，0 表示不缩放
	MaxSide int
	// 输入已带透明度时跳过模型
	SkipIfTransparent bool
}

func DefaultOptions() Options {
	return Options{
		AlphaMode:     AlphaNone,
		AlphaBoost:    DefaultAlphaBoost,
		SnapThreshold: DefaultSnapThreshold,
	}
}

type Processor struct {
	remover rembg.Remover
	opts    Options
}

func NewProcessor(remover rembg.Remover, opts Options) *Processor {
	return &Processor{
		remover: remover,
		opts:    opts,
	}
}

// Process 把任意输入图片变成
//
//	背景已移除（alpha 通道）
//	alpha 按配置调整
//	裁剪到非透明像素的 bounding box
func (p *Processor) Process(ctx context.Context, input image.Image) (*image.NRGBA, error) {
	logger := log.WithRequestID(ctx)

	src := ToNRGBA(input)

	var output *image.NRGBA
	if p.opts.SkipIfTransparent && HasTransparency(src) {
		logger.Debug("Input already carries transparency, skipping background removal.")
		output = src
	} else {
		removed, err := p.remover.Remove(ctx, resizeWithinMax(src, p.opts.MaxSide))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSegmentation, err)
		}
		output = fitTo(src, removed)
	}

	if output == src {
		// 调整 alpha 会原地修改像素，不能改到调用方的图
		output = clone(src)
	}
	AdjustAlpha(output, p.opts)

	cropped, ok := CropToContent(output, p.opts.BBoxThreshold)
	if ok {
		logger.WithField("bbox", cropped.Bounds().Size().String()).Debug("Image cropped to non-transparent pixels.")
	} else {
		logger.Debug("No cropping needed.")
	}
	return cropped, nil
}

func EncodePNG(w io.Writer, img image.Image) error {
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}

func clone(img *image.NRGBA) *image.NRGBA {
	dst := &image.NRGBA{
		Pix:    make([]uint8, len(img.Pix)),
		Stride: img.Stride,
		Rect:   img.Rect,
	}
	copy(dst.Pix, img.Pix)
	return dst
}
