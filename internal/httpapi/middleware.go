package httpapi

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/lessonstream/engine/internal/platform/ctxutil"
	"github.com/lessonstream/engine/internal/platform/logger"
)

// attachTraceData stamps a request id (and, if present, the otelgin span's
// trace id) onto the request context so downstream handlers and the access
// log can correlate one HTTP call across logs without threading an extra
// parameter through every handler signature. Must run after otelgin's
// middleware so the span is already in context.
func attachTraceData() gin.HandlerFunc {
	return func(c *gin.Context) {
		td := &ctxutil.TraceData{RequestID: uuid.NewString()}
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
			td.TraceID = sc.TraceID().String()
		}
		ctx := ctxutil.WithTraceData(c.Request.Context(), td)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// requestLogger is the access-log middleware: one structured log line per
// request carrying method/path/status/duration plus the trace/request ids
// attachTraceData stamped in.
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		fields := []interface{}{
			"method", strings.ToUpper(c.Request.Method),
			"path", path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if td := ctxutil.GetTraceData(c.Request.Context()); td != nil {
			if td.RequestID != "" {
				fields = append(fields, "request_id", td.RequestID)
			}
			if td.TraceID != "" {
				fields = append(fields, "trace_id", td.TraceID)
			}
		}

		switch {
		case status >= 500:
			log.Error("http request", fields...)
		case status >= 400:
			log.Warn("http request", fields...)
		default:
			log.Info("http request", fields...)
		}
	}
}
