package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ai-check-client/internal/analysis"
	"github.com/example/ai-check-client/internal/auth"
)

const requestIDHeader = "X-Request-ID"

// NewRouter builds the web UI engine with recovery and request logging.
func NewRouter(store SessionStore, cookies *auth.Cookies, logger *zap.Logger) (*gin.Engine, error) {
	router := gin.New()
	router.MaxMultipartMemory = analysis.MaxUploadSize
	router.Use(gin.Recovery(), RequestLogger(logger))

	if err := RegisterRoutes(router, store, cookies, logger); err != nil {
		return nil, err
	}
	return router, nil
}

// RequestLogger logs one line per request and echoes a request id.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("http")

	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		c.Next()

		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.Error("request failed", fields...)
		case c.Request.URL.Path == "/health":
			logger.Debug("request handled", fields...)
		default:
			logger.Info("request handled", fields...)
		}
	}
}
