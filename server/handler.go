package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/chaos-io/cutout/cutout"
	"github.com/chaos-io/cutout/util"
	"github.com/chaos-io/cutout/util/log"
	"github.com/gin-gonic/gin"
)

const (
	fieldImageFile = "image_file"
	fieldImageURL  = "image_url"
)

var (
	ErrNoInput       = errors.New("no image data provided")
	ErrEmptyFilename = errors.New("no selected image file")
	ErrEmptyURL      = errors.New("no image URL provided")
	ErrBadForm       = errors.New("malformed form data")

	errSpool  = errors.New("cannot store upload")
	errEncode = errors.New("cannot encode result")
)

func (s *Server) index(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", s.indexHTML)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) process(c *gin.Context) {
	ctx := c.Request.Context()

	img, err := s.readInput(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	out, err := s.processor.Process(ctx, img)
	if err != nil {
		s.fail(c, fmt.Errorf("failed to process image: %w", err))
		return
	}

	var buf bytes.Buffer
	if err := cutout.EncodePNG(&buf, out); err != nil {
		s.fail(c, fmt.Errorf("%w: %w", errEncode, err))
		return
	}

	log.WithRequestID(ctx).WithField("size", out.Bounds().Size().String()).Debug("Image processing completed successfully.")
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

// readInput image_file 优先，其次 image_url
func (s *Server) readInput(c *gin.Context) (image.Image, error) {
	if err := parseForm(c.Request, s.cfg.MaxUploadBytes); err != nil {
		return nil, err
	}

	if form := c.Request.MultipartForm; form != nil {
		if files := form.File[fieldImageFile]; len(files) > 0 {
			return s.readUpload(c, files[0])
		}
	}
	// 浏览器未选择文件时提交 filename 为空的空 part，multipart 会把它当成空的普通字段；
	// 有内容的普通字段不算上传文件，继续看 image_url
	if v, ok := c.GetPostForm(fieldImageFile); ok && v == "" {
		return nil, ErrEmptyFilename
	}
	if rawURL, ok := c.GetPostForm(fieldImageURL); ok {
		return s.readURL(c.Request.Context(), rawURL)
	}
	return nil, ErrNoInput
}

func (s *Server) readUpload(c *gin.Context, fh *multipart.FileHeader) (image.Image, error) {
	logger := log.WithRequestID(c.Request.Context())

	dst := s.spool.Path(fh.Filename)
	if err := c.SaveUploadedFile(fh, dst); err != nil {
		return nil, fmt.Errorf("%w: %w", errSpool, err)
	}
	defer s.spool.Remove(dst)

	img, err := util.OpenImage(dst)
	if err != nil {
		return nil, fmt.Errorf("error opening uploaded image file: %w", err)
	}

	logger.WithField("filename", filepath.Base(fh.Filename)).Debug("Opened uploaded image.")
	return img, nil
}

func (s *Server) readURL(ctx context.Context, rawURL string) (image.Image, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, ErrEmptyURL
	}

	logger := log.WithRequestID(ctx).WithField("url", rawURL)
	logger.Debug("Fetching image from URL.")

	img, err := util.FetchImage(ctx, s.fetcher, rawURL, s.cfg.MaxUploadBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image from URL: %w", err)
	}

	logger.Debug("Image fetched and opened successfully.")
	return img, nil
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)

	entry := log.WithRequestID(c.Request.Context()).WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Warn("request rejected")
	}

	c.String(status, "%s", err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, util.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, cutout.ErrSegmentation),
		errors.Is(err, errSpool),
		errors.Is(err, errEncode):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func parseForm(r *http.Request, maxMemory int64) error {
	var err error
	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType == "multipart/form-data" {
		err = r.ParseMultipartForm(maxMemory)
	} else {
		err = r.ParseForm()
	}
	if err == nil {
		return nil
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: request body over %d bytes", util.ErrTooLarge, tooLarge.Limit)
	}
	return fmt.Errorf("%w: %v", ErrBadForm, err)
}
