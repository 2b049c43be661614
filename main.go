package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaos-io/cutout/config"
	"github.com/chaos-io/cutout/cutout"
	"github.com/chaos-io/cutout/cutout/rembg"
	"github.com/chaos-io/cutout/server"
	"github.com/chaos-io/cutout/util/log"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load(os.Getenv("CUTOUT_CONFIG"))
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger, err := log.NewLogger(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		logrus.Fatalf("Failed to init logger: %v", err)
	}
	if logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	remover, err := newRemover(ctx, cfg.Segmenter, logger)
	if err != nil {
		logger.Fatalf("Failed to init background remover: %v", err)
	}

	opts, err := processorOptions(cfg.PostProcess)
	if err != nil {
		logger.Fatalf("Invalid postprocess config: %v", err)
	}

	srv, err := server.New(cfg, cutout.NewProcessor(remover, opts), server.WithLogger(logger))
	if err != nil {
		logger.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Fatalf("Server stopped: %v", err)
	}
	logger.Info("bye")
}

// newRemover 进程内只创建一次，所有请求共用
func newRemover(ctx context.Context, cfg config.SegmenterConfig, logger *logrus.Logger) (rembg.Remover, error) {
	remover, err := rembg.New(cfg.Backend, rembg.ServerConfig{
		BaseURL:             cfg.URL,
		Model:               cfg.Model,
		Timeout:             cfg.Timeout,
		AlphaMatting:        cfg.AlphaMatting,
		ForegroundThreshold: cfg.AlphaMattingForegroundThresh,
		BackgroundThreshold: cfg.AlphaMattingBackgroundThresh,
		ErodeSize:           cfg.AlphaMattingErodeSize,
		PostProcessMask:     cfg.PostProcessMask,
	})
	if err != nil {
		return nil, err
	}

	fields := log.Fields{"backend": cfg.Backend, "model": cfg.Model}
	if s, ok := remover.(*rembg.Server); ok {
		fields["url"] = cfg.URL
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.Ping(pingCtx); err != nil {
			logger.WithFields(fields).WithError(err).Warn("rembg server not reachable yet")
			return remover, nil
		}
	}
	logger.WithFields(fields).Info("background remover ready")
	return remover, nil
}

func processorOptions(cfg config.PostProcessConfig) (cutout.Options, error) {
	mode, err := cutout.ParseAlphaMode(cfg.AlphaMode)
	if err != nil {
		return cutout.Options{}, err
	}
	return cutout.Options{
		AlphaMode:         mode,
		AlphaBoost:        uint8(cfg.AlphaBoost),
		SnapThreshold:     uint8(cfg.SnapThreshold),
		BBoxThreshold:     uint8(cfg.BBoxThreshold),
		MaxSide:           cfg.MaxSide,
		SkipIfTransparent: cfg.SkipIfTransparent,
	}, nil
}
