package middleware

import (
	"compress/gzip"
	"io"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
)

// gzipWriterPool reuses gzip writers to reduce allocations
var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		gz, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return gz
	},
}

// gzipWriter wraps gin.ResponseWriter with gzip compression
type gzipWriter struct {
	gin.ResponseWriter
	gw *gzip.Writer
}

func (g *gzipWriter) Write(data []byte) (int, error) {
	return g.gw.Write(data)
}

func (g *gzipWriter) WriteString(s string) (int, error) {
	return g.gw.Write([]byte(s))
}

// shouldCompress determines if the response should be compressed.
// Artifact downloads and media streams are never compressed.
func shouldCompress(c *gin.Context) bool {
	if !strings.Contains(c.Request.Header.Get("Accept-Encoding"), "gzip") {
		return false
	}
	if strings.HasSuffix(c.Request.URL.Path, "/download") {
		return false
	}

	contentType := c.Writer.Header().Get("Content-Type")
	if contentType == "" {
		contentType = c.ContentType()
	}

	compressibleTypes := []string{
		"application/json",
		"text/plain",
		"text/html",
		"text/vtt",
		"text/markdown",
	}
	for _, ct := range compressibleTypes {
		if strings.Contains(contentType, ct) {
			return true
		}
	}
	return false
}

// CompressionMiddleware provides gzip compression for API responses
func CompressionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == "HEAD" ||
			c.Request.Header.Get("Connection") == "Upgrade" ||
			!shouldCompress(c) {
			c.Next()
			return
		}

		gz := gzipWriterPool.Get().(*gzip.Writer)
		defer gzipWriterPool.Put(gz)
		gz.Reset(c.Writer)
		defer gz.Close()

		c.Writer.Header().Set("Content-Encoding", "gzip")
		c.Writer.Header().Set("Vary", "Accept-Encoding")
		c.Writer.Header().Del("Content-Length")

		c.Writer = &gzipWriter{
			ResponseWriter: c.Writer,
			gw:             gz,
		}

		c.Next()
	}
}

// NoCompressionMiddleware explicitly disables compression for specific routes
func NoCompressionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("X-No-Compression", "1")
		c.Next()
	}
}
