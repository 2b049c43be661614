package rembg

import (
	"context"
	"fmt"
	"image"
)

const (
	BackendServer      = "server"
	BackendPassthrough = "passthrough"
)

// Remover 背景移除：返回带 alpha 通道的前景图
type Remover interface {
	Remove(ctx context.Context, img image.Image) (image.Image, error)
}

// Passthrough 不做任何处理，原样返回
type Passthrough struct{}

func NewPassthrough() *Passthrough {
	return &Passthrough{}
}

func (p *Passthrough) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return img, nil
}

// New 按 backend 名称构造 Remover
func New(backend string, cfg ServerConfig) (Remover, error) {
	switch backend {
	case BackendServer:
		return NewServer(cfg)
	case BackendPassthrough:
		return NewPassthrough(), nil
	default:
		return nil, fmt.Errorf("unknown rembg backend %q", backend)
	}
}
