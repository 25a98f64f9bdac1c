package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// gunzipBody lets producers send gzip compressed event batches. The body size
// limit of the handler applies to the decompressed stream.
func gunzipBody(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		if !acceptsGzip(req.Header.Values(echo.HeaderContentEncoding)) {
			return next(c)
		}
		zr, err := gzip.NewReader(req.Body)
		if err != nil {
			_ = req.Body.Close()
			return c.String(http.StatusBadRequest, "invalid gzip body")
		}
		req.Body = &gzipBody{Reader: zr, raw: req.Body}
		req.ContentLength = -1
		req.Header.Del(echo.HeaderContentEncoding)
		req.Header.Del(echo.HeaderContentLength)
		return next(c)
	}
}

func acceptsGzip(values []string) bool {
	for _, v := range values {
		for _, enc := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
				return true
			}
		}
	}
	return false
}

type gzipBody struct {
	*gzip.Reader
	raw io.Closer
}

func (g *gzipBody) Close() error {
	err := g.Reader.Close()
	if cerr := g.raw.Close(); err == nil {
		err = cerr
	}
	return err
}
