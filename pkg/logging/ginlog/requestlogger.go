// Package ginlog provides gin middleware that tags every request with
// an ID and logs its outcome through zap.
package ginlog

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/visionworks/inferd/pkg/logging"
)

const (
	RequestIDKey    = logging.RequestIDKey
	RequestIDHeader = logging.RequestIDHeader
)

// GetOrCreateRequestID returns the request ID of the supplied context,
// minting and storing one when the caller did not send any.
func GetOrCreateRequestID(ctx *gin.Context) string {
	if id, ok := ctx.Get(RequestIDKey); ok {
		return id.(string)
	}
	requestID := ctx.GetHeader(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx.Set(RequestIDKey, requestID)
	return requestID
}

// RequestLogger logs one line per request and echoes the request ID
// back in the response headers.
func RequestLogger(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		requestID := GetOrCreateRequestID(ctx)
		ctx.Header(RequestIDHeader, requestID)

		ctx.Next()

		fields := []interface{}{
			"request_id", requestID,
			"method", ctx.Request.Method,
			"path", ctx.Request.URL.Path,
			"status", ctx.Writer.Status(),
			"duration", time.Since(start),
		}
		if len(ctx.Errors) > 0 {
			logger.Errorw("Request failed", append(fields, "errors", ctx.Errors.String())...)
			return
		}
		if ctx.Writer.Status() >= 500 {
			logger.Errorw("Request errored", fields...)
			return
		}
		logger.Infow("Request served", fields...)
	}
}
