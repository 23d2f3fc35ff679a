package middleware

import (
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

// BrotliConfig tunes response compression. Responses shorter than
// MinLength are sent as-is.
type BrotliConfig struct {
	Quality   int
	MinLength int
	Skipper   func(c *gin.Context) bool
}

var DefaultBrotliConfig = BrotliConfig{
	Quality:   brotli.DefaultCompression,
	MinLength: 1024,
}

// Content types that are already compressed gain nothing from br.
var precompressed = []string{"image/", "video/", "audio/", "application/zip", "application/gzip", "application/pdf"}

type encoding int

const (
	undecided encoding = iota
	identity
	compressed
)

type brotliWriter struct {
	gin.ResponseWriter
	pool      *sync.Pool
	writer    *brotli.Writer
	buf       []byte
	minLength int
	mode      encoding
}

func (bw *brotliWriter) Write(data []byte) (int, error) {
	switch bw.mode {
	case compressed:
		return bw.writer.Write(data)
	case identity:
		return bw.ResponseWriter.Write(data)
	}

	bw.buf = append(bw.buf, data...)
	if len(bw.buf) < bw.minLength {
		return len(data), nil
	}
	if err := bw.decide(); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (bw *brotliWriter) WriteString(s string) (int, error) {
	return bw.Write([]byte(s))
}

// decide picks the encoding once enough of the body is known and writes out
// the buffered prefix.
func (bw *brotliWriter) decide() error {
	h := bw.ResponseWriter.Header()
	if h.Get("Content-Encoding") != "" || isPrecompressed(h.Get("Content-Type")) {
		bw.mode = identity
	} else {
		bw.mode = compressed
		h.Set("Content-Encoding", "br")
		h.Del("Content-Length")
		bw.writer = bw.pool.Get().(*brotli.Writer)
		bw.writer.Reset(bw.ResponseWriter)
	}
	return bw.drain()
}

func (bw *brotliWriter) drain() error {
	if len(bw.buf) == 0 {
		return nil
	}
	var err error
	if bw.mode == compressed {
		_, err = bw.writer.Write(bw.buf)
	} else {
		_, err = bw.ResponseWriter.Write(bw.buf)
	}
	bw.buf = bw.buf[:0]
	return err
}

// Flush sends what is buffered. A flush before the threshold commits the
// response to identity encoding.
func (bw *brotliWriter) Flush() {
	if bw.mode == undecided {
		bw.mode = identity
	}
	_ = bw.drain()
	if bw.mode == compressed {
		_ = bw.writer.Flush()
	}
	bw.ResponseWriter.Flush()
}

// finish writes any short body uncompressed and returns the encoder to the
// pool.
func (bw *brotliWriter) finish() error {
	if bw.mode == undecided {
		bw.mode = identity
	}
	err := bw.drain()
	if bw.mode == compressed {
		if cerr := bw.writer.Close(); err == nil {
			err = cerr
		}
		bw.writer.Reset(io.Discard)
		bw.pool.Put(bw.writer)
		bw.writer = nil
	}
	return err
}

// Brotli compresses responses for clients that accept br.
func Brotli() gin.HandlerFunc {
	return BrotliWithConfig(DefaultBrotliConfig)
}

func BrotliWithConfig(cfg BrotliConfig) gin.HandlerFunc {
	if cfg.Quality < brotli.BestSpeed || cfg.Quality > brotli.BestCompression {
		cfg.Quality = brotli.DefaultCompression
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultBrotliConfig.MinLength
	}

	pool := &sync.Pool{
		New: func() any { return brotli.NewWriterLevel(io.Discard, cfg.Quality) },
	}

	return func(c *gin.Context) {
		if isStreaming(c) || (cfg.Skipper != nil && cfg.Skipper(c)) || !acceptsBrotli(c.Request) {
			c.Next()
			return
		}

		c.Header("Vary", "Accept-Encoding")

		bw := &brotliWriter{
			ResponseWriter: c.Writer,
			pool:           pool,
			minLength:      cfg.MinLength,
		}
		defer func() {
			if err := bw.finish(); err != nil {
				_ = c.Error(err)
			}
		}()

		c.Writer = bw
		c.Next()
	}
}

// isStreaming reports requests whose responses must not be buffered.
func isStreaming(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/event-stream") ||
		strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}

func isPrecompressed(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	for _, p := range precompressed {
		if strings.HasPrefix(mt, p) {
			return true
		}
	}
	return false
}

func acceptsBrotli(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(enc), ";")
		if strings.EqualFold(name, "br") {
			return true
		}
	}
	return false
}
