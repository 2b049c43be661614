package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "CUTOUT"

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	Segmenter   SegmenterConfig   `mapstructure:"segmenter"`
	PostProcess PostProcessConfig `mapstructure:"postprocess"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	UploadDir      string        `mapstructure:"upload_dir"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
	UploadTTL      time.Duration `mapstructure:"upload_ttl"`
	SweepSchedule  string        `mapstructure:"sweep_schedule"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
}

type FetchConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type SegmenterConfig struct {
	Backend                      string        `mapstructure:"backend"`
	URL                          string        `mapstructure:"url"`
	Model                        string        `mapstructure:"model"`
	Timeout                      time.Duration `mapstructure:"timeout"`
	AlphaMatting                 bool          `mapstructure:"alpha_matting"`
	AlphaMattingForegroundThresh int           `mapstructure:"alpha_matting_foreground_threshold"`
	AlphaMattingBackgroundThresh int           `mapstructure:"alpha_matting_background_threshold"`
	AlphaMattingErodeSize        int           `mapstructure:"alpha_matting_erode_size"`
	PostProcessMask              bool          `mapstructure:"post_process_mask"`
}

type PostProcessConfig struct {
	AlphaMode         string `mapstructure:"alpha_mode"`
	AlphaBoost        int    `mapstructure:"alpha_boost"`
	SnapThreshold     int    `mapstructure:"snap_threshold"`
	BBoxThreshold     int    `mapstructure:"bbox_threshold"`
	MaxSide           int    `mapstructure:"max_side"`
	SkipIfTransparent bool   `mapstructure:"skip_if_transparent"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":5001")
	v.SetDefault("server.upload_dir", "uploads")
	v.SetDefault("server.max_upload_bytes", 20<<20)
	v.SetDefault("server.upload_ttl", "1h")
	v.SetDefault("server.sweep_schedule", "@every 10m")
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.rate_burst", 10)

	v.SetDefault("fetch.timeout", "10s")

	v.SetDefault("segmenter.backend", "server")
	v.SetDefault("segmenter.url", "http://127.0.0.1:7000")
	v.SetDefault("segmenter.model", "u2net")
	v.SetDefault("segmenter.timeout", "60s")
	v.SetDefault("segmenter.alpha_matting", false)
	v.SetDefault("segmenter.alpha_matting_foreground_threshold", 240)
	v.SetDefault("segmenter.alpha_matting_background_threshold", 10)
	v.SetDefault("segmenter.alpha_matting_erode_size", 10)
	v.SetDefault("segmenter.post_process_mask", false)

	v.SetDefault("postprocess.alpha_mode", "none")
	v.SetDefault("postprocess.alpha_boost", 15)
	v.SetDefault("postprocess.snap_threshold", 240)
	v.SetDefault("postprocess.bbox_threshold", 0)
	v.SetDefault("postprocess.max_side", 0)
	v.SetDefault("postprocess.skip_if_transparent", false)

	v.SetDefault("log.level", "debug")
	v.SetDefault("log.file", "")
}

// Load 读取配置：默认值 < config.toml < 环境变量（CUTOUT_ 前缀）
//
// configFile 为空时在当前目录查找 config.toml，找不到不算错误。
func Load(configFile string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Segmenter.Backend {
	case "server":
		if c.Segmenter.URL == "" {
			return errors.New("segmenter.url is required for the server backend")
		}
	case "passthrough":
	default:
		return fmt.Errorf("unknown segmenter.backend %q", c.Segmenter.Backend)
	}

	switch c.PostProcess.AlphaMode {
	case "none", "boost", "snap":
	default:
		return fmt.Errorf("unknown postprocess.alpha_mode %q", c.PostProcess.AlphaMode)
	}

	for name, val := range map[string]int{
		"postprocess.alpha_boost":    c.PostProcess.AlphaBoost,
		"postprocess.snap_threshold": c.PostProcess.SnapThreshold,
		"postprocess.bbox_threshold": c.PostProcess.BBoxThreshold,
	} {
		if val < 0 || val > 255 {
			return fmt.Errorf("%s must be within [0, 255], got %d", name, val)
		}
	}

	if c.PostProcess.MaxSide < 0 {
		return fmt.Errorf("postprocess.max_side must not be negative, got %d", c.PostProcess.MaxSide)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be positive, got %d", c.Server.MaxUploadBytes)
	}
	if c.Server.UploadDir == "" {
		return errors.New("server.upload_dir is required")
	}
	return nil
}
