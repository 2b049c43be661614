package rembg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/url"
	"strconv"
	"strings"
	"time"

	nhttp "github.com/chaos-io/cutout/util/http"
	jsoniter "github.com/json-iterator/go"
)

const (
	DefaultModel = "u2net"
	removePath   = "api/remove"
	openAPIPath  = "openapi.json"
)

// ServerConfig rembg HTTP 服务（`rembg s`）的调用参数
type ServerConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration

	AlphaMatting        bool
	ForegroundThreshold int
	BackgroundThreshold int
	ErodeSize           int
	PostProcessMask     bool
}

// Server 通过 HTTP 调用 rembg 推理服务。
// 同一个实例在所有请求间共享，底层连接池复用。
type Server struct {
	cfg       ServerConfig
	cli       nhttp.IClient
	baseURL   string
	removeURL string
}

func NewServer(cfg ServerConfig) (*Server, error) {
	return NewServerWithClient(cfg, nhttp.NewHTTPClientWithTimeout(cfg.Timeout))
}

func NewServerWithClient(cfg ServerConfig, cli nhttp.IClient) (*Server, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse rembg url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("rembg url must be http or https, got %q", cfg.BaseURL)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	base := strings.TrimRight(u.String(), "/") + "/"
	return &Server{
		cfg:       cfg,
		cli:       cli,
		baseURL:   base,
		removeURL: base + removePath,
	}, nil
}

/*
	curl -X POST "$BASE_URL/api/remove" \
	  -F "file=@my_image.png" \
	  -F "model=u2net" \
	  -F "a=false"
*/
func (s *Server) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	body, contentType, err := s.buildForm(img)
	if err != nil {
		return nil, err
	}

	var out []byte
	reqParam := &nhttp.RequestParam{
		RequestURI: s.removeURL,
		Method:     "POST",
		Header:     map[string]string{"Content-Type": contentType, "Accept": "image/png"},
		Body:       body,
		Response:   &out,
		Timeout:    s.cfg.Timeout,
	}
	if err := s.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("rembg returned an empty body")
	}

	res, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("decode rembg output: %w", err)
	}
	return res, nil
}

func (s *Server) buildForm(img image.Image) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "image.png")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if err := png.Encode(part, img); err != nil {
		return nil, "", fmt.Errorf("encode input: %w", err)
	}

	fields := [][2]string{
		{"model", s.cfg.Model},
		{"a", strconv.FormatBool(s.cfg.AlphaMatting)},
		{"af", strconv.Itoa(s.cfg.ForegroundThreshold)},
		{"ab", strconv.Itoa(s.cfg.BackgroundThreshold)},
		{"ae", strconv.Itoa(s.cfg.ErodeSize)},
		{"om", "false"},
		{"ppm", strconv.FormatBool(s.cfg.PostProcessMask)},
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f[0], err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}

	return body, writer.FormDataContentType(), nil
}

// openAPIDoc rembg s 基于 FastAPI，/openapi.json 列出所有路由
type openAPIDoc struct {
	Paths map[string]jsoniter.RawMessage `json:"paths"`
}

// Ping 检查推理服务是否可达，并确认它提供 /api/remove
func (s *Server) Ping(ctx context.Context) error {
	var doc openAPIDoc
	reqParam := &nhttp.RequestParam{
		RequestURI: s.baseURL + openAPIPath,
		Method:     "GET",
		Header:     map[string]string{"Accept": "application/json"},
		Response:   &doc,
		Timeout:    5 * time.Second,
	}
	if err := s.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return fmt.Errorf("ping rembg: %w", err)
	}
	if _, ok := doc.Paths["/"+removePath]; !ok {
		return fmt.Errorf("ping rembg: %s does not serve /%s", s.baseURL, removePath)
	}
	return nil
}
