package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/chaos-io/cutout/util/log"
	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"
	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("too many requests")

const (
	RequestIDHeader = "X-Request-ID"
	limiterIdle     = 10 * time.Minute
)

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = ksuid.New().String()
		}

		c.Set(log.RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(log.ContextWithRequestID(c.Request.Context(), id))

		c.Next()
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		entry := log.WithRequestID(c.Request.Context()).WithFields(log.Fields{
			"method":        c.Request.Method,
			"path":          c.Request.URL.Path,
			"status":        status,
			"latency_ms":    time.Since(start).Milliseconds(),
			"ip":            c.ClientIP(),
			"user_agent":    c.Request.UserAgent(),
			"response_size": c.Writer.Size(),
		})

		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("Server error")
		case status >= http.StatusBadRequest:
			entry.Warn("Client error")
		default:
			entry.Info("Success")
		}
	}
}

func bodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if n > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type rateLimiter struct {
	bucket    map[string]*visitor
	rate      rate.Limit
	burstSize int
	mutex     sync.Mutex
}

// newRateLimiter reqRate <= 0 时不限流
func newRateLimiter(reqRate float64, burstSize int) *rateLimiter {
	if burstSize <= 0 {
		burstSize = 1
	}
	return &rateLimiter{
		bucket:    make(map[string]*visitor),
		rate:      rate.Limit(reqRate),
		burstSize: burstSize,
	}
}

func (r *rateLimiter) allow(ip string, now time.Time) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	v, ok := r.bucket[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(r.rate, r.burstSize)}
		r.bucket[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (r *rateLimiter) prune(before time.Time) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	n := 0
	for ip, v := range r.bucket {
		if v.lastSeen.Before(before) {
			delete(r.bucket, ip)
			n++
		}
	}
	return n
}

func (r *rateLimiter) handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.rate <= 0 {
			c.Next()
			return
		}

		clientIP := c.ClientIP()
		if !r.allow(clientIP, time.Now()) {
			log.WithRequestID(c.Request.Context()).Warnf("too many requests for IP %s", clientIP)
			c.String(http.StatusTooManyRequests, "%s", ErrRateLimited.Error())
			c.Abort()
			return
		}
		c.Next()
	}
}
