package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/chaos-io/cutout/config"
	"github.com/chaos-io/cutout/cutout"
	"github.com/chaos-io/cutout/util"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

//go:embed static
var staticFS embed.FS

const shutdownTimeout = 15 * time.Second

type Option func(*Server) error

type Server struct {
	cfg       config.ServerConfig
	engine    *gin.Engine
	processor *cutout.Processor
	fetcher   *http.Client
	spool     *Spool
	limiter   *rateLimiter
	cron      *cron.Cron
	log       *logrus.Logger
	indexHTML []byte
}

func WithLogger(logger *logrus.Logger) Option {
	return func(s *Server) error {
		s.log = logger
		return nil
	}
}

// WithFetchClient 替换抓取 image_url 用的 client
func WithFetchClient(client *http.Client) Option {
	return func(s *Server) error {
		if client == nil {
			return errors.New("fetch client is nil")
		}
		s.fetcher = client
		return nil
	}
}

func New(cfg *config.Config, processor *cutout.Processor, options ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if processor == nil {
		return nil, errors.New("processor is required")
	}

	s := &Server{
		cfg:       cfg.Server,
		processor: processor,
		fetcher:   util.NewFetchClient(cfg.Fetch.Timeout),
		limiter:   newRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst),
		log:       logrus.StandardLogger(),
	}
	for _, option := range options {
		if err := option(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	spool, err := NewSpool(cfg.Server.UploadDir, cfg.Server.UploadTTL)
	if err != nil {
		return nil, err
	}
	s.spool = spool

	s.indexHTML, err = staticFS.ReadFile("static/index.html")
	if err != nil {
		return nil, fmt.Errorf("read index page: %w", err)
	}

	s.cron = cron.New(cron.WithLogger(cron.PrintfLogger(s.log)))
	if cfg.Server.SweepSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.Server.SweepSchedule, s.housekeeping); err != nil {
			return nil, fmt.Errorf("invalid server.sweep_schedule %q: %w", cfg.Server.SweepSchedule, err)
		}
	}

	if err := s.setupRoutes(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) setupRoutes() error {
	assets, err := fs.Sub(staticFS, "static")
	if err != nil {
		return fmt.Errorf("static assets: %w", err)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestID(), accessLog())

	engine.GET("/", s.index)
	engine.GET("/healthz", s.healthz)
	engine.StaticFS("/static", http.FS(assets))
	engine.POST("/process", s.limiter.handler(), bodyLimit(s.cfg.MaxUploadBytes), s.process)

	s.engine = engine
	return nil
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run 监听 cfg.Addr 并启动服务，ctx 结束后优雅退出
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve 在给定 listener 上提供 HTTP 服务和定时清理
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.cron.Start()
	defer func() {
		<-s.cron.Stop().Done()
	}()

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) housekeeping() {
	n, err := s.spool.Sweep(time.Now())
	if err != nil {
		s.log.WithError(err).Warn("spool sweep failed")
	} else if n > 0 {
		s.log.WithField("removed", n).Info("removed stale uploads")
	}

	if pruned := s.limiter.prune(time.Now().Add(-limiterIdle)); pruned > 0 {
		s.log.WithField("pruned", pruned).Debug("pruned idle rate limiters")
	}
}
